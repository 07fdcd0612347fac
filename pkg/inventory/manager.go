package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager implements the lot engine, purchase order, opname, item and reporting interfaces
// ロットエンジン・発注・棚卸・商品・照会インターフェースの実装
type Manager struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	clock     Clock          // 時刻
	metrics   *Metrics       // メトリクス（nil可）
	audit     *AuditRecorder // 監査ログ
	registry  *BatchRegistry // バッチ台帳
}

// すべてのインターフェースを実装することを明示
var (
	_ LotEngine            = (*Manager)(nil)
	_ PurchaseOrderManager = (*Manager)(nil)
	_ OpnameManager        = (*Manager)(nil)
	_ ItemManager          = (*Manager)(nil)
	_ ReportingQueries     = (*Manager)(nil)
)

// Config holds configuration for the inventory manager
// 在庫マネージャーの設定を保持
type Config struct {
	ExpiringThresholdDays int            `yaml:"expiring_threshold_days"` // 期限間近とみなす日数
	MaxRetries            int            `yaml:"max_retries"`             // 競合時の最大再試行回数
	RetryBackoff          time.Duration  `yaml:"retry_backoff"`           // 再試行間隔（線形）
	RequirePOApproval     bool           `yaml:"require_po_approval"`     // 入荷前に承認を必須とする
	SystemActor           string         `yaml:"system_actor"`            // 期限監視の操作者
	Location              *time.Location `yaml:"-"`                       // 日付判定のタイムゾーン
}

// DefaultConfig returns the default engine configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		ExpiringThresholdDays: 30,
		MaxRetries:            3,
		RetryBackoff:          50 * time.Millisecond,
		RequirePOApproval:     false,
		SystemActor:           "system",
		Location:              time.UTC,
	}
}

// Option configures optional Manager collaborators
type Option func(*Manager)

// WithClock overrides the wall clock
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics attaches prometheus collectors
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a new inventory manager
// 新しい在庫マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.SystemActor == "" {
		config.SystemActor = "system"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		clock:     SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.audit = NewAuditRecorder(m.clock)
	m.registry = NewBatchRegistry(m.clock)
	return m
}

// now returns the current instant in UTC
func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// today returns the current calendar date in the configured timezone
// 設定タイムゾーンでの本日の日付
func (m *Manager) today() time.Time {
	return DateOf(m.clock.Now().In(m.config.Location))
}

// outbox collects events raised inside a transaction; they are published after commit
// トランザクション内で発生したイベント（コミット後に発行）
type outbox struct {
	ledger []*LedgerEntry
	stock  []StockChangedEvent
	low    []LowStockAlertEvent
	expiry []BatchExpiryEvent
}

// update runs fn in a read-write transaction and retries concurrent modification conflicts
// 読み書きトランザクションを実行し、競合時は再試行
func (m *Manager) update(ctx context.Context, op string, fn func(tx StorageTx, out *outbox) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		out := &outbox{}
		err := m.storage.Update(ctx, func(tx StorageTx) error {
			return fn(tx, out)
		})
		if err == nil {
			m.metrics.observeOperation(op, "success", time.Since(start))
			m.flush(ctx, out)
			return nil
		}

		if !IsRetryable(err) || attempt >= m.config.MaxRetries {
			m.metrics.observeOperation(op, ErrorKind(err), time.Since(start))
			return err
		}

		m.metrics.incRetry(op)
		m.logger.Warn("同時更新を検出したため再試行します",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

// view runs fn in a read-only transaction
func (m *Manager) view(ctx context.Context, fn func(tx StorageTx) error) error {
	return m.storage.View(ctx, fn)
}

// flush publishes the events of a committed transaction
// コミット済みトランザクションのイベントを発行
func (m *Manager) flush(ctx context.Context, out *outbox) {
	m.metrics.addLedgerEntries(out.ledger)
	if m.publisher == nil {
		return
	}
	for _, event := range out.stock {
		if err := m.publisher.PublishStockChanged(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.String("item_id", event.ItemID), zap.Error(err))
		}
	}
	for _, event := range out.low {
		if err := m.publisher.PublishLowStockAlert(ctx, event); err != nil {
			m.logger.Error("低在庫アラートイベント発行に失敗しました", zap.String("item_id", event.ItemID), zap.Error(err))
		}
	}
	for _, event := range out.expiry {
		if err := m.publisher.PublishBatchExpiry(ctx, event); err != nil {
			m.logger.Error("期限イベント発行に失敗しました", zap.String("batch_id", event.BatchID), zap.Error(err))
		}
	}
}

// applyOnHand moves the cached on-hand of an item and persists it.
// The item must already be locked by the caller.
// 商品の現在庫を変更して保存（呼び出し側でロック済みであること）
func (m *Manager) applyOnHand(ctx context.Context, tx StorageTx, item *Item, delta decimal.Decimal, change TransactionType, reference, actorID string, out *outbox) error {
	oldQty := item.OnHand
	wasBelow := item.IsBelowPar()

	item.OnHand = oldQty.Add(delta)
	item.UpdatedAt = m.now()
	if err := tx.UpdateItem(ctx, item); err != nil {
		return wrapStorage("update_item", "商品更新に失敗しました", err)
	}

	out.stock = append(out.stock, StockChangedEvent{
		ItemID:      item.ID,
		LocationID:  item.LocationID,
		OldQuantity: oldQty,
		NewQuantity: item.OnHand,
		ChangeType:  change,
		Reference:   reference,
		Timestamp:   item.UpdatedAt,
		ActorID:     actorID,
	})
	if !wasBelow && item.IsBelowPar() {
		out.low = append(out.low, LowStockAlertEvent{
			ItemID:     item.ID,
			LocationID: item.LocationID,
			CurrentQty: item.OnHand,
			Threshold:  item.MinQuantity,
			Timestamp:  item.UpdatedAt,
		})
	}
	return nil
}

// appendLedger writes entries and queues them for the ledger metrics
func (m *Manager) appendLedger(ctx context.Context, tx StorageTx, out *outbox, entries ...*LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := tx.AppendLedgerEntries(ctx, entries...); err != nil {
		return wrapStorage("append_ledger_entries", "台帳記録に失敗しました", err)
	}
	out.ledger = append(out.ledger, entries...)
	return nil
}

// lockAndGetItem locks one item and reads its current row
func (m *Manager) lockAndGetItem(ctx context.Context, tx StorageTx, itemID string) (*Item, error) {
	if err := tx.LockItems(ctx, itemID); err != nil {
		return nil, wrapStorage("lock_items", "商品ロックに失敗しました", err)
	}
	item, err := tx.GetItem(ctx, itemID)
	if err != nil {
		return nil, wrapStorage("get_item", "商品取得に失敗しました", err)
	}
	return item, nil
}

// RegisterItemRequest describes a new SKU at a location
// 新規商品登録リクエスト
type RegisterItemRequest struct {
	SKU         string          `json:"sku"`
	LocationID  string          `json:"location_id"`
	Name        string          `json:"name"`
	Unit        string          `json:"unit"`
	Category    string          `json:"category"`
	Perishable  bool            `json:"perishable"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	ActorID     string          `json:"actor_id"`
}

// UpdateItemRequest carries the master data fields to change; nil fields stay as they are
// 商品マスタ更新リクエスト（nilのフィールドは変更しない）
type UpdateItemRequest struct {
	ItemID      string           `json:"item_id"`
	Name        *string          `json:"name"`
	Unit        *string          `json:"unit"`
	Category    *string          `json:"category"`
	Perishable  *bool            `json:"perishable"`
	MinQuantity *decimal.Decimal `json:"min_quantity"`
	ActorID     string           `json:"actor_id"`
}

// CreateLocation creates a new location
// 新しいロケーションを作成
func (m *Manager) CreateLocation(ctx context.Context, location *Location, actorID string) error {
	if err := ValidateLocation(location); err != nil {
		return err
	}
	if err := ValidateActorID(actorID); err != nil {
		return err
	}

	err := m.update(ctx, "create_location", func(tx StorageTx, _ *outbox) error {
		now := m.now()
		location.IsActive = true
		location.CreatedAt = now
		location.UpdatedAt = now
		if err := tx.CreateLocation(ctx, location); err != nil {
			return wrapStorage("create_location", "ロケーション作成に失敗しました", err)
		}
		_, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: actorID,
			Action:  AuditActionCreate,
			Subject: location,
			Changes: Diff(nil, location.AuditFields()),
		})
		return err
	})
	if err != nil {
		return err
	}

	m.logger.Info("ロケーション作成完了",
		zap.String("location_id", location.ID),
		zap.String("type", string(location.Type)),
	)
	return nil
}

// ListLocations lists all locations
// ロケーション一覧を取得
func (m *Manager) ListLocations(ctx context.Context) ([]Location, error) {
	var locations []Location
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		locations, err = tx.ListLocations(ctx)
		return wrapStorage("list_locations", "ロケーション一覧取得に失敗しました", err)
	})
	return locations, err
}

// RegisterItem registers a SKU at a location with zero stock
// ロケーションにSKUを在庫ゼロで登録
func (m *Manager) RegisterItem(ctx context.Context, req RegisterItemRequest) (*Item, error) {
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	item := &Item{
		ID:          NewID(),
		SKU:         req.SKU,
		LocationID:  req.LocationID,
		Name:        req.Name,
		Unit:        req.Unit,
		Category:    req.Category,
		Perishable:  req.Perishable,
		MinQuantity: req.MinQuantity,
		OnHand:      decimal.Zero,
		AverageCost: decimal.Zero,
		IsActive:    true,
		Version:     1,
	}
	if err := ValidateItem(item); err != nil {
		return nil, err
	}

	err := m.update(ctx, "register_item", func(tx StorageTx, _ *outbox) error {
		location, err := tx.GetLocation(ctx, req.LocationID)
		if err != nil {
			return wrapStorage("get_location", "ロケーション取得に失敗しました", err)
		}
		if !location.IsActive {
			return NewBusinessRuleError("location_inactive", "無効なロケーションには登録できません", location.ID)
		}

		now := m.now()
		item.Version = 1
		item.CreatedAt = now
		item.UpdatedAt = now
		if err := tx.CreateItem(ctx, item); err != nil {
			return wrapStorage("create_item", "商品作成に失敗しました", err)
		}
		_, err = m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionCreate,
			Subject: item,
			Changes: Diff(nil, item.AuditFields()),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("商品登録完了",
		zap.String("item_id", item.ID),
		zap.String("sku", item.SKU),
		zap.String("location_id", item.LocationID),
	)
	return item, nil
}

// UpdateItem changes master data fields of an item
// 商品マスタを更新
func (m *Manager) UpdateItem(ctx context.Context, req UpdateItemRequest) (*Item, error) {
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	var result *Item
	err := m.update(ctx, "update_item", func(tx StorageTx, _ *outbox) error {
		item, err := m.lockAndGetItem(ctx, tx, req.ItemID)
		if err != nil {
			return err
		}
		before := item.AuditFields()

		if req.Name != nil {
			item.Name = *req.Name
		}
		if req.Unit != nil {
			item.Unit = *req.Unit
		}
		if req.Category != nil {
			item.Category = *req.Category
		}
		if req.Perishable != nil {
			item.Perishable = *req.Perishable
		}
		if req.MinQuantity != nil {
			item.MinQuantity = *req.MinQuantity
		}
		if err := ValidateItem(item); err != nil {
			return err
		}

		changes := Diff(before, item.AuditFields())
		if len(changes) == 0 {
			result = item
			return nil
		}

		item.UpdatedAt = m.now()
		if err := tx.UpdateItem(ctx, item); err != nil {
			return wrapStorage("update_item", "商品更新に失敗しました", err)
		}
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionUpdate,
			Subject: item,
			Changes: changes,
		}); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeactivateItem soft-deletes an item; history and batches are kept
// 商品を論理削除（履歴・バッチは保持）
func (m *Manager) DeactivateItem(ctx context.Context, itemID, actorID string) (*Item, error) {
	if err := ValidateActorID(actorID); err != nil {
		return nil, err
	}

	var result *Item
	err := m.update(ctx, "deactivate_item", func(tx StorageTx, _ *outbox) error {
		item, err := m.lockAndGetItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !item.IsActive {
			return NewBusinessRuleError("item_inactive", "商品は既に無効化されています", item.ID)
		}

		before := item.AuditFields()
		item.IsActive = false
		item.UpdatedAt = m.now()
		if err := tx.UpdateItem(ctx, item); err != nil {
			return wrapStorage("update_item", "商品更新に失敗しました", err)
		}
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: actorID,
			Action:  AuditActionDelete,
			Subject: item,
			Changes: Diff(before, item.AuditFields()),
		}); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("商品無効化完了", zap.String("item_id", itemID), zap.String("actor_id", actorID))
	return result, nil
}

// GetItem gets an item by ID
// IDで商品を取得
func (m *Manager) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var item *Item
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		item, err = tx.GetItem(ctx, itemID)
		return wrapStorage("get_item", "商品取得に失敗しました", err)
	})
	return item, err
}

// ListItems lists items matching the filter
// 条件に一致する商品一覧を取得
func (m *Manager) ListItems(ctx context.Context, filter ItemFilter) ([]Item, error) {
	var items []Item
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		items, err = tx.ListItems(ctx, filter)
		return wrapStorage("list_items", "商品一覧取得に失敗しました", err)
	})
	return items, err
}

// requireActiveItem rejects stock movements on deactivated items
func requireActiveItem(item *Item) error {
	if !item.IsActive {
		return NewBusinessRuleError("item_inactive", "無効化された商品です", fmt.Sprintf("商品ID: %s", item.ID))
	}
	return nil
}
