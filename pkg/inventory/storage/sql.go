// Package storage provides Storage implementations for the lot engine
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"go.uber.org/zap"
)

// dialect isolates the driver-specific parts of the SQL storage
// ドライバ固有の処理を切り出すインターフェース
type dialect interface {
	name() string
	// rebind rewrites ? placeholders into the driver's syntax
	rebind(query string) string
	// lockItems locks the given item rows in ascending id order and returns the ids found
	lockItems(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error)
	isUniqueViolation(err error) bool
	isConflict(err error) bool
}

// sqlStorage implements inventory.Storage on database/sql
// database/sqlによるStorage実装
type sqlStorage struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func newSQLStorage(db *sql.DB, d dialect, logger *zap.Logger) *sqlStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sqlStorage{db: db, dialect: d, logger: logger.Named(d.name())}
}

// Update runs fn inside one read-write transaction
// 読み書きトランザクション内でfnを実行
func (s *sqlStorage) Update(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	return s.run(ctx, nil, fn)
}

// View runs fn inside a read-only transaction
// 読み取り専用トランザクション内でfnを実行
func (s *sqlStorage) View(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *sqlStorage) run(ctx context.Context, opts *sql.TxOptions, fn func(tx inventory.StorageTx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		if s.dialect.isConflict(err) {
			return inventory.NewConcurrencyError("begin", s.dialect.name(), err.Error())
		}
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}

	if err := fn(&sqlTx{tx: tx, d: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isConflict(err) {
			return inventory.NewConcurrencyError("commit", s.dialect.name(), err.Error())
		}
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// Ping checks if the database is reachable
// データベース接続確認
func (s *sqlStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *sqlStorage) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for migrations
func (s *sqlStorage) DB() *sql.DB {
	return s.db
}

// sqlTx implements inventory.StorageTx over *sql.Tx
type sqlTx struct {
	tx *sql.Tx
	d  dialect
}

var _ inventory.StorageTx = (*sqlTx)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// fail maps driver errors onto the engine's error kinds
func (t *sqlTx) fail(err error, op, what string, duplicate error) error {
	switch {
	case duplicate != nil && t.d.isUniqueViolation(err):
		return duplicate
	case t.d.isConflict(err):
		return inventory.NewConcurrencyError(op, t.d.name(), err.Error())
	}
	return fmt.Errorf("%sに失敗しました: %w", what, err)
}

// versionConflict tells a stale version apart from a missing row
func (t *sqlTx) versionConflict(ctx context.Context, table, op, id string, notFound error) error {
	var exists int
	err := t.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return t.fail(err, op, "存在確認", nil)
	}
	return inventory.NewConcurrencyError(op, id, "バージョン不一致")
}

// LockItems locks item rows in ascending id order
// 商品行を昇順でロック
func (t *sqlTx) LockItems(ctx context.Context, itemIDs ...string) error {
	ids := uniqueSorted(itemIDs)
	if len(ids) == 0 {
		return nil
	}
	found, err := t.d.lockItems(ctx, t.tx, ids)
	if err != nil {
		return t.fail(err, "lock_items", "商品ロック", nil)
	}
	if len(found) != len(ids) {
		return inventory.ErrItemNotFound
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// ---- locations ----

const locationColumns = `id, name, type, is_active, created_at, updated_at`

func (t *sqlTx) CreateLocation(ctx context.Context, location *inventory.Location) error {
	_, err := t.exec(ctx, `INSERT INTO locations (`+locationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		location.ID, location.Name, string(location.Type), location.IsActive,
		location.CreatedAt.UTC(), location.UpdatedAt.UTC(),
	)
	if err != nil {
		return t.fail(err, "create_location", "ロケーション作成", inventory.ErrDuplicateLocation)
	}
	return nil
}

func scanLocation(row rowScanner) (*inventory.Location, error) {
	var loc inventory.Location
	var typ string
	if err := row.Scan(&loc.ID, &loc.Name, &typ, &loc.IsActive, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
		return nil, err
	}
	loc.Type = inventory.LocationType(typ)
	loc.CreatedAt = loc.CreatedAt.UTC()
	loc.UpdatedAt = loc.UpdatedAt.UTC()
	return &loc, nil
}

func (t *sqlTx) GetLocation(ctx context.Context, locationID string) (*inventory.Location, error) {
	loc, err := scanLocation(t.queryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = ?`, locationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrLocationNotFound
	}
	if err != nil {
		return nil, t.fail(err, "get_location", "ロケーション取得", nil)
	}
	return loc, nil
}

func (t *sqlTx) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	rows, err := t.query(ctx, `SELECT `+locationColumns+` FROM locations ORDER BY id`)
	if err != nil {
		return nil, t.fail(err, "list_locations", "ロケーション一覧取得", nil)
	}
	defer rows.Close()

	locations := []inventory.Location{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("ロケーションデータの読み取りに失敗しました: %w", err)
		}
		locations = append(locations, *loc)
	}
	return locations, rows.Err()
}

// ---- items ----

const itemColumns = `id, sku, location_id, name, unit, category, perishable, min_quantity, on_hand, average_cost, is_active, version, created_at, updated_at`

func (t *sqlTx) CreateItem(ctx context.Context, item *inventory.Item) error {
	_, err := t.exec(ctx, `INSERT INTO inventory_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SKU, item.LocationID, item.Name, item.Unit, item.Category, item.Perishable,
		item.MinQuantity, item.OnHand, item.AverageCost, item.IsActive, item.Version,
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	)
	if err != nil {
		return t.fail(err, "create_item", "商品作成", inventory.ErrDuplicateItem)
	}
	return nil
}

func scanItem(row rowScanner) (*inventory.Item, error) {
	var it inventory.Item
	err := row.Scan(&it.ID, &it.SKU, &it.LocationID, &it.Name, &it.Unit, &it.Category, &it.Perishable,
		&it.MinQuantity, &it.OnHand, &it.AverageCost, &it.IsActive, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return &it, nil
}

func (t *sqlTx) GetItem(ctx context.Context, itemID string) (*inventory.Item, error) {
	item, err := scanItem(t.queryRow(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrItemNotFound
	}
	if err != nil {
		return nil, t.fail(err, "get_item", "商品取得", nil)
	}
	return item, nil
}

func (t *sqlTx) FindItem(ctx context.Context, sku, locationID string) (*inventory.Item, error) {
	item, err := scanItem(t.queryRow(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE sku = ? AND location_id = ?`, sku, locationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrItemNotFound
	}
	if err != nil {
		return nil, t.fail(err, "find_item", "商品検索", nil)
	}
	return item, nil
}

func (t *sqlTx) UpdateItem(ctx context.Context, item *inventory.Item) error {
	result, err := t.exec(ctx, `
		UPDATE inventory_items
		SET name = ?, unit = ?, category = ?, perishable = ?, min_quantity = ?, on_hand = ?,
		    average_cost = ?, is_active = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		item.Name, item.Unit, item.Category, item.Perishable, item.MinQuantity, item.OnHand,
		item.AverageCost, item.IsActive, item.Version+1, item.UpdatedAt.UTC(),
		item.ID, item.Version,
	)
	if err != nil {
		return t.fail(err, "update_item", "商品更新", nil)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	} else if n == 0 {
		return t.versionConflict(ctx, "inventory_items", "update_item", item.ID, inventory.ErrItemNotFound)
	}
	item.Version++
	return nil
}

func (t *sqlTx) ListItems(ctx context.Context, filter inventory.ItemFilter) ([]inventory.Item, error) {
	var where []string
	var args []any
	if filter.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, filter.LocationID)
	}
	if filter.SKU != "" {
		where = append(where, "sku = ?")
		args = append(args, filter.SKU)
	}
	if !filter.IncludeInactive {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}

	query := `SELECT ` + itemColumns + ` FROM inventory_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY location_id, sku"

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.fail(err, "list_items", "商品一覧取得", nil)
	}
	defer rows.Close()

	items := []inventory.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("商品データの読み取りに失敗しました: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ---- batches ----

const batchColumns = `id, batch_number, item_id, original_quantity, quantity_remaining, unit_cost,
	manufacturing_date, expiry_date, received_date, status, source_batch_id, purchase_order_id, is_adjustment,
	disposal_method, disposal_notes, disposed_at, disposed_by, version, created_at, updated_at`

func (t *sqlTx) CreateBatch(ctx context.Context, b *inventory.Batch) error {
	_, err := t.exec(ctx, `INSERT INTO inventory_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.BatchNumber, b.ItemID, b.OriginalQuantity, b.QuantityRemaining, b.UnitCost,
		dateParam(b.ManufacturingDate), dateParam(b.ExpiryDate), b.ReceivedDate.UTC(), string(b.Status),
		stringParam(b.SourceBatchID), stringParam(b.PurchaseOrderID), b.IsAdjustment,
		string(b.DisposalMethod), b.DisposalNotes, timeParam(b.DisposedAt), b.DisposedBy,
		b.Version, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return t.fail(err, "create_batch", "バッチ作成", inventory.ErrDuplicateBatch)
	}
	return nil
}

func scanBatch(row rowScanner) (*inventory.Batch, error) {
	var b inventory.Batch
	var status, method string
	var mfg, expiry, disposedAt sql.NullTime
	var sourceID, poID sql.NullString
	err := row.Scan(&b.ID, &b.BatchNumber, &b.ItemID, &b.OriginalQuantity, &b.QuantityRemaining, &b.UnitCost,
		&mfg, &expiry, &b.ReceivedDate, &status, &sourceID, &poID, &b.IsAdjustment,
		&method, &b.DisposalNotes, &disposedAt, &b.DisposedBy, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = inventory.BatchStatus(status)
	b.DisposalMethod = inventory.DisposalMethod(method)
	b.ManufacturingDate = dateValue(mfg)
	b.ExpiryDate = dateValue(expiry)
	b.DisposedAt = timeValue(disposedAt)
	b.SourceBatchID = stringValue(sourceID)
	b.PurchaseOrderID = stringValue(poID)
	b.ReceivedDate = b.ReceivedDate.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func (t *sqlTx) GetBatch(ctx context.Context, batchID string) (*inventory.Batch, error) {
	b, err := scanBatch(t.queryRow(ctx, `SELECT `+batchColumns+` FROM inventory_batches WHERE id = ?`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrBatchNotFound
	}
	if err != nil {
		return nil, t.fail(err, "get_batch", "バッチ取得", nil)
	}
	return b, nil
}

func (t *sqlTx) UpdateBatch(ctx context.Context, b *inventory.Batch) error {
	result, err := t.exec(ctx, `
		UPDATE inventory_batches
		SET original_quantity = ?, quantity_remaining = ?, unit_cost = ?, manufacturing_date = ?, expiry_date = ?,
		    status = ?, disposal_method = ?, disposal_notes = ?, disposed_at = ?, disposed_by = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		b.OriginalQuantity, b.QuantityRemaining, b.UnitCost, dateParam(b.ManufacturingDate), dateParam(b.ExpiryDate),
		string(b.Status), string(b.DisposalMethod), b.DisposalNotes, timeParam(b.DisposedAt), b.DisposedBy,
		b.Version+1, b.UpdatedAt.UTC(),
		b.ID, b.Version,
	)
	if err != nil {
		return t.fail(err, "update_batch", "バッチ更新", nil)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	} else if n == 0 {
		return t.versionConflict(ctx, "inventory_batches", "update_batch", b.ID, inventory.ErrBatchNotFound)
	}
	b.Version++
	return nil
}

func (t *sqlTx) listBatches(ctx context.Context, op, where string, args ...any) ([]inventory.Batch, error) {
	rows, err := t.query(ctx, `SELECT `+batchColumns+` FROM inventory_batches WHERE `+where+
		` ORDER BY received_date, batch_number`, args...)
	if err != nil {
		return nil, t.fail(err, op, "バッチ一覧取得", nil)
	}
	defer rows.Close()

	batches := []inventory.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("バッチデータの読み取りに失敗しました: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (t *sqlTx) ListBatchesByItem(ctx context.Context, itemID string) ([]inventory.Batch, error) {
	return t.listBatches(ctx, "list_batches_by_item", "item_id = ?", itemID)
}

func (t *sqlTx) ListExpiryTrackedBatches(ctx context.Context) ([]inventory.Batch, error) {
	return t.listBatches(ctx, "list_expiry_tracked_batches", "expiry_date IS NOT NULL AND status <> ?",
		string(inventory.BatchStatusDisposed))
}

// ---- ledger ----

const ledgerColumns = `seq, id, item_id, batch_id, type, quantity, unit_cost, total_cost, reference, notes, created_by, created_at`

func (t *sqlTx) AppendLedgerEntries(ctx context.Context, entries ...*inventory.LedgerEntry) error {
	for _, e := range entries {
		err := t.queryRow(ctx, `
			INSERT INTO inventory_ledger (id, item_id, batch_id, type, quantity, unit_cost, total_cost, reference, notes, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING seq`,
			e.ID, e.ItemID, stringParam(e.BatchID), string(e.Type), e.Quantity, e.UnitCost, e.TotalCost,
			e.Reference, e.Notes, e.CreatedBy, e.CreatedAt.UTC(),
		).Scan(&e.Sequence)
		if err != nil {
			return t.fail(err, "append_ledger_entries", "台帳記録", nil)
		}
	}
	return nil
}

func (t *sqlTx) ListLedgerEntries(ctx context.Context, itemID string) ([]inventory.LedgerEntry, error) {
	rows, err := t.query(ctx, `SELECT `+ledgerColumns+` FROM inventory_ledger WHERE item_id = ? ORDER BY seq`, itemID)
	if err != nil {
		return nil, t.fail(err, "list_ledger_entries", "台帳取得", nil)
	}
	defer rows.Close()

	entries := []inventory.LedgerEntry{}
	for rows.Next() {
		var e inventory.LedgerEntry
		var typ string
		var batchID sql.NullString
		if err := rows.Scan(&e.Sequence, &e.ID, &e.ItemID, &batchID, &typ, &e.Quantity, &e.UnitCost, &e.TotalCost,
			&e.Reference, &e.Notes, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("台帳データの読み取りに失敗しました: %w", err)
		}
		e.Type = inventory.TransactionType(typ)
		e.BatchID = stringValue(batchID)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- audit ----

const auditColumns = `seq, id, action, model_name, object_id, object_repr, changes, actor_id, created_at, notes`

func (t *sqlTx) AppendAuditEntry(ctx context.Context, entry *inventory.AuditLogEntry) error {
	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return fmt.Errorf("変更内容のシリアライズに失敗しました: %w", err)
	}
	err = t.queryRow(ctx, `
		INSERT INTO audit_log (id, action, model_name, object_id, object_repr, changes, actor_id, created_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		entry.ID, string(entry.Action), string(entry.ModelName), entry.ObjectID, entry.ObjectRepr,
		string(changes), entry.ActorID, entry.Timestamp.UTC(), entry.Notes,
	).Scan(&entry.Sequence)
	if err != nil {
		return t.fail(err, "append_audit_entry", "監査ログ記録", nil)
	}
	return nil
}

func (t *sqlTx) ListAuditEntries(ctx context.Context, filter inventory.AuditFilter) ([]inventory.AuditLogEntry, error) {
	var where []string
	var args []any
	if filter.ModelName != "" {
		where = append(where, "model_name = ?")
		args = append(args, string(filter.ModelName))
	}
	if filter.ObjectID != "" {
		where = append(where, "object_id = ?")
		args = append(args, filter.ObjectID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, t.fail(err, "list_audit_entries", "監査ログ取得", nil)
	}
	defer rows.Close()

	entries := []inventory.AuditLogEntry{}
	for rows.Next() {
		var e inventory.AuditLogEntry
		var action, model string
		var changes []byte
		if err := rows.Scan(&e.Sequence, &e.ID, &action, &model, &e.ObjectID, &e.ObjectRepr, &changes,
			&e.ActorID, &e.Timestamp, &e.Notes); err != nil {
			return nil, fmt.Errorf("監査ログデータの読み取りに失敗しました: %w", err)
		}
		e.Action = inventory.AuditAction(action)
		e.ModelName = inventory.ModelName(model)
		e.Timestamp = e.Timestamp.UTC()
		e.Changes = inventory.Changes{}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, fmt.Errorf("変更内容のデシリアライズに失敗しました: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- purchase orders ----

const poColumns = `id, number, supplier, location_id, status, notes, created_by, created_at, updated_at,
	submitted_at, approved_at, approved_by, received_at, received_by, cancelled_at, cancelled_by, version`

const poItemColumns = `id, purchase_order_id, line_no, item_id, quantity, unit_price, batch_id`

func (t *sqlTx) CreatePurchaseOrder(ctx context.Context, po *inventory.PurchaseOrder) error {
	_, err := t.exec(ctx, `INSERT INTO purchase_orders (`+poColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		po.ID, po.Number, po.Supplier, po.LocationID, string(po.Status), po.Notes, po.CreatedBy,
		po.CreatedAt.UTC(), po.UpdatedAt.UTC(),
		timeParam(po.SubmittedAt), timeParam(po.ApprovedAt), po.ApprovedBy,
		timeParam(po.ReceivedAt), po.ReceivedBy, timeParam(po.CancelledAt), po.CancelledBy, po.Version,
	)
	if err != nil {
		return t.fail(err, "create_purchase_order", "発注書作成", inventory.ErrDuplicateDocument)
	}

	for _, line := range po.Items {
		_, err := t.exec(ctx, `INSERT INTO purchase_order_items (`+poItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			line.ID, po.ID, line.LineNo, line.ItemID, line.Quantity, line.UnitPrice, stringParam(line.BatchID),
		)
		if err != nil {
			return t.fail(err, "create_purchase_order", "発注明細作成", inventory.ErrDuplicateDocument)
		}
	}
	return nil
}

func (t *sqlTx) GetPurchaseOrder(ctx context.Context, poID string) (*inventory.PurchaseOrder, error) {
	var po inventory.PurchaseOrder
	var status string
	var submitted, approved, received, cancelled sql.NullTime
	err := t.queryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = ?`, poID).Scan(
		&po.ID, &po.Number, &po.Supplier, &po.LocationID, &status, &po.Notes, &po.CreatedBy, &po.CreatedAt, &po.UpdatedAt,
		&submitted, &approved, &po.ApprovedBy, &received, &po.ReceivedBy, &cancelled, &po.CancelledBy, &po.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrPurchaseOrderNotFound
	}
	if err != nil {
		return nil, t.fail(err, "get_purchase_order", "発注書取得", nil)
	}
	po.Status = inventory.POStatus(status)
	po.CreatedAt = po.CreatedAt.UTC()
	po.UpdatedAt = po.UpdatedAt.UTC()
	po.SubmittedAt = timeValue(submitted)
	po.ApprovedAt = timeValue(approved)
	po.ReceivedAt = timeValue(received)
	po.CancelledAt = timeValue(cancelled)

	rows, err := t.query(ctx, `SELECT `+poItemColumns+` FROM purchase_order_items WHERE purchase_order_id = ? ORDER BY line_no`, poID)
	if err != nil {
		return nil, t.fail(err, "get_purchase_order", "発注明細取得", nil)
	}
	defer rows.Close()

	for rows.Next() {
		var line inventory.PurchaseOrderItem
		var batchID sql.NullString
		if err := rows.Scan(&line.ID, &line.PurchaseOrderID, &line.LineNo, &line.ItemID, &line.Quantity,
			&line.UnitPrice, &batchID); err != nil {
			return nil, fmt.Errorf("発注明細データの読み取りに失敗しました: %w", err)
		}
		line.BatchID = stringValue(batchID)
		po.Items = append(po.Items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &po, nil
}

// UpdatePurchaseOrder stores the header and the batch link of every line
// 発注書ヘッダと明細のバッチ紐付けを更新
func (t *sqlTx) UpdatePurchaseOrder(ctx context.Context, po *inventory.PurchaseOrder) error {
	result, err := t.exec(ctx, `
		UPDATE purchase_orders
		SET status = ?, notes = ?, updated_at = ?, submitted_at = ?, approved_at = ?, approved_by = ?,
		    received_at = ?, received_by = ?, cancelled_at = ?, cancelled_by = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(po.Status), po.Notes, po.UpdatedAt.UTC(), timeParam(po.SubmittedAt), timeParam(po.ApprovedAt), po.ApprovedBy,
		timeParam(po.ReceivedAt), po.ReceivedBy, timeParam(po.CancelledAt), po.CancelledBy, po.Version+1,
		po.ID, po.Version,
	)
	if err != nil {
		return t.fail(err, "update_purchase_order", "発注書更新", nil)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	} else if n == 0 {
		return t.versionConflict(ctx, "purchase_orders", "update_purchase_order", po.ID, inventory.ErrPurchaseOrderNotFound)
	}

	for _, line := range po.Items {
		if _, err := t.exec(ctx, `UPDATE purchase_order_items SET batch_id = ? WHERE id = ?`,
			stringParam(line.BatchID), line.ID); err != nil {
			return t.fail(err, "update_purchase_order", "発注明細更新", nil)
		}
	}
	po.Version++
	return nil
}

// ---- stock opname ----

const opnameColumns = `id, number, location_id, status, notes, total_items_counted, total_discrepancies,
	total_discrepancy_value, created_by, created_at, updated_at, started_at, completed_at, completed_by,
	cancelled_at, cancelled_by, version`

const opnameLineColumns = `opname_id, item_id, system_quantity, counted_quantity, discrepancy, discrepancy_value, counted_at, counted_by`

func (t *sqlTx) CreateOpname(ctx context.Context, o *inventory.StockOpname) error {
	_, err := t.exec(ctx, `INSERT INTO stock_opnames (`+opnameColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Number, o.LocationID, string(o.Status), o.Notes, o.TotalItemsCounted, o.TotalDiscrepancies,
		o.TotalDiscrepancyValue, o.CreatedBy, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
		timeParam(o.StartedAt), timeParam(o.CompletedAt), o.CompletedBy,
		timeParam(o.CancelledAt), o.CancelledBy, o.Version,
	)
	if err != nil {
		return t.fail(err, "create_opname", "棚卸作成", inventory.ErrDuplicateDocument)
	}
	return nil
}

// GetOpname loads the header with its lines ordered by item id
// 棚卸ヘッダと明細（商品ID順）を取得
func (t *sqlTx) GetOpname(ctx context.Context, opnameID string) (*inventory.StockOpname, error) {
	var o inventory.StockOpname
	var status string
	var started, completed, cancelled sql.NullTime
	err := t.queryRow(ctx, `SELECT `+opnameColumns+` FROM stock_opnames WHERE id = ?`, opnameID).Scan(
		&o.ID, &o.Number, &o.LocationID, &status, &o.Notes, &o.TotalItemsCounted, &o.TotalDiscrepancies,
		&o.TotalDiscrepancyValue, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &started, &completed, &o.CompletedBy,
		&cancelled, &o.CancelledBy, &o.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inventory.ErrOpnameNotFound
	}
	if err != nil {
		return nil, t.fail(err, "get_opname", "棚卸取得", nil)
	}
	o.Status = inventory.OpnameStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.StartedAt = timeValue(started)
	o.CompletedAt = timeValue(completed)
	o.CancelledAt = timeValue(cancelled)

	rows, err := t.query(ctx, `SELECT `+opnameLineColumns+` FROM stock_opname_lines WHERE opname_id = ? ORDER BY item_id`, opnameID)
	if err != nil {
		return nil, t.fail(err, "get_opname", "棚卸明細取得", nil)
	}
	defer rows.Close()

	o.Lines = []inventory.OpnameLine{}
	for rows.Next() {
		var line inventory.OpnameLine
		if err := rows.Scan(&line.OpnameID, &line.ItemID, &line.SystemQuantity, &line.CountedQuantity,
			&line.Discrepancy, &line.DiscrepancyValue, &line.CountedAt, &line.CountedBy); err != nil {
			return nil, fmt.Errorf("棚卸明細データの読み取りに失敗しました: %w", err)
		}
		line.CountedAt = line.CountedAt.UTC()
		o.Lines = append(o.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOpname stores the header only; lines go through SaveOpnameLine
func (t *sqlTx) UpdateOpname(ctx context.Context, o *inventory.StockOpname) error {
	result, err := t.exec(ctx, `
		UPDATE stock_opnames
		SET status = ?, notes = ?, total_items_counted = ?, total_discrepancies = ?, total_discrepancy_value = ?,
		    updated_at = ?, started_at = ?, completed_at = ?, completed_by = ?, cancelled_at = ?, cancelled_by = ?,
		    version = ?
		WHERE id = ? AND version = ?`,
		string(o.Status), o.Notes, o.TotalItemsCounted, o.TotalDiscrepancies, o.TotalDiscrepancyValue,
		o.UpdatedAt.UTC(), timeParam(o.StartedAt), timeParam(o.CompletedAt), o.CompletedBy,
		timeParam(o.CancelledAt), o.CancelledBy, o.Version+1,
		o.ID, o.Version,
	)
	if err != nil {
		return t.fail(err, "update_opname", "棚卸更新", nil)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	} else if n == 0 {
		return t.versionConflict(ctx, "stock_opnames", "update_opname", o.ID, inventory.ErrOpnameNotFound)
	}
	o.Version++
	return nil
}

func (t *sqlTx) SaveOpnameLine(ctx context.Context, line *inventory.OpnameLine) error {
	_, err := t.exec(ctx, `
		INSERT INTO stock_opname_lines (`+opnameLineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (opname_id, item_id) DO UPDATE SET
			system_quantity = excluded.system_quantity,
			counted_quantity = excluded.counted_quantity,
			discrepancy = excluded.discrepancy,
			discrepancy_value = excluded.discrepancy_value,
			counted_at = excluded.counted_at,
			counted_by = excluded.counted_by`,
		line.OpnameID, line.ItemID, line.SystemQuantity, line.CountedQuantity, line.Discrepancy,
		line.DiscrepancyValue, line.CountedAt.UTC(), line.CountedBy,
	)
	if err != nil {
		return t.fail(err, "save_opname_line", "棚卸明細保存", nil)
	}
	return nil
}

// ---- parameter helpers ----

func stringParam(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringValue(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timeParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeValue(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// dateParam writes calendar dates as text so the session time zone cannot shift them
func dateParam(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func dateValue(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := time.Date(t.Time.Year(), t.Time.Month(), t.Time.Day(), 0, 0, 0, 0, time.UTC)
	return &v
}
