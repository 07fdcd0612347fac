package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"go.uber.org/zap"
)

// MemoryStorage implements inventory.Storage in process memory.
// Update holds the write lock for the whole callback and rolls back to a snapshot on error.
// プロセス内メモリによるストレージ実装（開発・テスト用）
type MemoryStorage struct {
	mu     sync.RWMutex
	state  memoryState
	logger *zap.Logger
	closed bool
}

var _ inventory.Storage = (*MemoryStorage)(nil)

type memoryState struct {
	locations   map[string]inventory.Location
	items       map[string]inventory.Item
	batches     map[string]inventory.Batch
	pos         map[string]inventory.PurchaseOrder
	opnames     map[string]inventory.StockOpname
	opnameLines map[string]map[string]inventory.OpnameLine
	ledger      []inventory.LedgerEntry
	audit       []inventory.AuditLogEntry
	ledgerSeq   int64
	auditSeq    int64
}

// NewMemoryStorage creates an empty in-memory storage
// 空のメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		logger: logger,
		state: memoryState{
			locations:   map[string]inventory.Location{},
			items:       map[string]inventory.Item{},
			batches:     map[string]inventory.Batch{},
			pos:         map[string]inventory.PurchaseOrder{},
			opnames:     map[string]inventory.StockOpname{},
			opnameLines: map[string]map[string]inventory.OpnameLine{},
		},
	}
}

// snapshot copies the maps; stored values are never mutated in place and the
// append-only slices are capped so later appends cannot write into the snapshot.
func (s memoryState) snapshot() memoryState {
	c := memoryState{
		locations:   make(map[string]inventory.Location, len(s.locations)),
		items:       make(map[string]inventory.Item, len(s.items)),
		batches:     make(map[string]inventory.Batch, len(s.batches)),
		pos:         make(map[string]inventory.PurchaseOrder, len(s.pos)),
		opnames:     make(map[string]inventory.StockOpname, len(s.opnames)),
		opnameLines: make(map[string]map[string]inventory.OpnameLine, len(s.opnameLines)),
		ledger:      s.ledger[:len(s.ledger):len(s.ledger)],
		audit:       s.audit[:len(s.audit):len(s.audit)],
		ledgerSeq:   s.ledgerSeq,
		auditSeq:    s.auditSeq,
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.pos {
		c.pos[k] = v
	}
	for k, v := range s.opnames {
		c.opnames[k] = v
	}
	for k, lines := range s.opnameLines {
		inner := make(map[string]inventory.OpnameLine, len(lines))
		for itemID, line := range lines {
			inner[itemID] = line
		}
		c.opnameLines[k] = inner
	}
	return c
}

// Update runs fn under the write lock; the state is restored when fn fails
// 書き込みロック下で実行し、失敗時はスナップショットへ戻す
func (m *MemoryStorage) Update(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("メモリストレージは既にクローズされています")
	}

	saved := m.state.snapshot()
	if err := fn(&memoryTx{state: &m.state, writable: true}); err != nil {
		m.state = saved
		m.logger.Debug("メモリトランザクションをロールバックしました", zap.Error(err))
		return err
	}
	return nil
}

// View runs fn under the read lock
// 読み取りロック下で実行
func (m *MemoryStorage) View(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("メモリストレージは既にクローズされています")
	}
	return fn(&memoryTx{state: &m.state})
}

// Ping checks if the storage is available
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("メモリストレージは既にクローズされています")
	}
	return ctx.Err()
}

// Close marks the storage closed
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	state    *memoryState
	writable bool
}

var _ inventory.StorageTx = (*memoryTx)(nil)

var errReadOnly = fmt.Errorf("読み取り専用トランザクションでは書き込みできません")

func (t *memoryTx) checkWritable() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

// LockItems only checks existence; the write lock already serializes every writer
func (t *memoryTx) LockItems(_ context.Context, itemIDs ...string) error {
	for _, id := range itemIDs {
		if _, ok := t.state.items[id]; !ok {
			return inventory.ErrItemNotFound
		}
	}
	return nil
}

func (t *memoryTx) CreateLocation(_ context.Context, location *inventory.Location) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.state.locations[location.ID]; ok {
		return inventory.ErrDuplicateLocation
	}
	t.state.locations[location.ID] = *location
	return nil
}

func (t *memoryTx) GetLocation(_ context.Context, locationID string) (*inventory.Location, error) {
	loc, ok := t.state.locations[locationID]
	if !ok {
		return nil, inventory.ErrLocationNotFound
	}
	return &loc, nil
}

func (t *memoryTx) ListLocations(_ context.Context) ([]inventory.Location, error) {
	locations := make([]inventory.Location, 0, len(t.state.locations))
	for _, loc := range t.state.locations {
		locations = append(locations, loc)
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].ID < locations[j].ID })
	return locations, nil
}

func (t *memoryTx) CreateItem(_ context.Context, item *inventory.Item) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.state.items[item.ID]; ok {
		return inventory.ErrDuplicateItem
	}
	for _, existing := range t.state.items {
		if existing.SKU == item.SKU && existing.LocationID == item.LocationID {
			return inventory.ErrDuplicateItem
		}
	}
	t.state.items[item.ID] = *item
	return nil
}

func (t *memoryTx) GetItem(_ context.Context, itemID string) (*inventory.Item, error) {
	item, ok := t.state.items[itemID]
	if !ok {
		return nil, inventory.ErrItemNotFound
	}
	return &item, nil
}

func (t *memoryTx) FindItem(_ context.Context, sku, locationID string) (*inventory.Item, error) {
	for _, item := range t.state.items {
		if item.SKU == sku && item.LocationID == locationID {
			found := item
			return &found, nil
		}
	}
	return nil, inventory.ErrItemNotFound
}

func (t *memoryTx) UpdateItem(_ context.Context, item *inventory.Item) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	current, ok := t.state.items[item.ID]
	if !ok {
		return inventory.ErrItemNotFound
	}
	if current.Version != item.Version {
		return inventory.NewConcurrencyError("update_item", item.ID,
			fmt.Sprintf("バージョン不一致: 期待 %d, 実際 %d", item.Version, current.Version))
	}
	item.Version++
	t.state.items[item.ID] = *item
	return nil
}

func (t *memoryTx) ListItems(_ context.Context, filter inventory.ItemFilter) ([]inventory.Item, error) {
	items := []inventory.Item{}
	for _, item := range t.state.items {
		if filter.LocationID != "" && item.LocationID != filter.LocationID {
			continue
		}
		if filter.SKU != "" && item.SKU != filter.SKU {
			continue
		}
		if !filter.IncludeInactive && !item.IsActive {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LocationID != items[j].LocationID {
			return items[i].LocationID < items[j].LocationID
		}
		return items[i].SKU < items[j].SKU
	})
	return items, nil
}

func (t *memoryTx) CreateBatch(_ context.Context, batch *inventory.Batch) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.state.items[batch.ItemID]; !ok {
		return inventory.ErrItemNotFound
	}
	if _, ok := t.state.batches[batch.ID]; ok {
		return inventory.ErrDuplicateBatch
	}
	for _, existing := range t.state.batches {
		if existing.BatchNumber == batch.BatchNumber {
			return inventory.ErrDuplicateBatch
		}
	}
	t.state.batches[batch.ID] = *batch
	return nil
}

func (t *memoryTx) GetBatch(_ context.Context, batchID string) (*inventory.Batch, error) {
	batch, ok := t.state.batches[batchID]
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	return &batch, nil
}

func (t *memoryTx) UpdateBatch(_ context.Context, batch *inventory.Batch) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	current, ok := t.state.batches[batch.ID]
	if !ok {
		return inventory.ErrBatchNotFound
	}
	if current.Version != batch.Version {
		return inventory.NewConcurrencyError("update_batch", batch.ID,
			fmt.Sprintf("バージョン不一致: 期待 %d, 実際 %d", batch.Version, current.Version))
	}
	batch.Version++
	t.state.batches[batch.ID] = *batch
	return nil
}

func (t *memoryTx) ListBatchesByItem(_ context.Context, itemID string) ([]inventory.Batch, error) {
	batches := []inventory.Batch{}
	for _, b := range t.state.batches {
		if b.ItemID == itemID {
			batches = append(batches, b)
		}
	}
	sortBatches(batches)
	return batches, nil
}

func (t *memoryTx) ListExpiryTrackedBatches(_ context.Context) ([]inventory.Batch, error) {
	batches := []inventory.Batch{}
	for _, b := range t.state.batches {
		if b.ExpiryDate != nil && b.Status != inventory.BatchStatusDisposed {
			batches = append(batches, b)
		}
	}
	sortBatches(batches)
	return batches, nil
}

// sortBatches gives map iteration a stable order before FEFO sorting upstream
func sortBatches(batches []inventory.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ReceivedDate.Equal(batches[j].ReceivedDate) {
			return batches[i].ReceivedDate.Before(batches[j].ReceivedDate)
		}
		return batches[i].BatchNumber < batches[j].BatchNumber
	})
}

func (t *memoryTx) AppendLedgerEntries(_ context.Context, entries ...*inventory.LedgerEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := t.state.items[e.ItemID]; !ok {
			return inventory.ErrItemNotFound
		}
		t.state.ledgerSeq++
		e.Sequence = t.state.ledgerSeq
		t.state.ledger = append(t.state.ledger, *e)
	}
	return nil
}

func (t *memoryTx) ListLedgerEntries(_ context.Context, itemID string) ([]inventory.LedgerEntry, error) {
	entries := []inventory.LedgerEntry{}
	for _, e := range t.state.ledger {
		if e.ItemID == itemID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (t *memoryTx) AppendAuditEntry(_ context.Context, entry *inventory.AuditLogEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.state.auditSeq++
	entry.Sequence = t.state.auditSeq
	stored := *entry
	stored.Changes = make(inventory.Changes, len(entry.Changes))
	for k, v := range entry.Changes {
		stored.Changes[k] = v
	}
	t.state.audit = append(t.state.audit, stored)
	return nil
}

func (t *memoryTx) ListAuditEntries(_ context.Context, filter inventory.AuditFilter) ([]inventory.AuditLogEntry, error) {
	entries := []inventory.AuditLogEntry{}
	for i := range t.state.audit {
		if !filter.Matches(&t.state.audit[i]) {
			continue
		}
		entries = append(entries, t.state.audit[i])
		if filter.Limit > 0 && len(entries) == filter.Limit {
			break
		}
	}
	return entries, nil
}

func (t *memoryTx) CreatePurchaseOrder(_ context.Context, po *inventory.PurchaseOrder) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.state.pos[po.ID]; ok {
		return inventory.ErrDuplicateDocument
	}
	for _, existing := range t.state.pos {
		if existing.Number == po.Number {
			return inventory.ErrDuplicateDocument
		}
	}
	t.state.pos[po.ID] = clonePurchaseOrder(po)
	return nil
}

func (t *memoryTx) GetPurchaseOrder(_ context.Context, poID string) (*inventory.PurchaseOrder, error) {
	po, ok := t.state.pos[poID]
	if !ok {
		return nil, inventory.ErrPurchaseOrderNotFound
	}
	c := clonePurchaseOrder(&po)
	return &c, nil
}

// UpdatePurchaseOrder stores the header and the batch link of every line
func (t *memoryTx) UpdatePurchaseOrder(_ context.Context, po *inventory.PurchaseOrder) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	current, ok := t.state.pos[po.ID]
	if !ok {
		return inventory.ErrPurchaseOrderNotFound
	}
	if current.Version != po.Version {
		return inventory.NewConcurrencyError("update_purchase_order", po.ID,
			fmt.Sprintf("バージョン不一致: 期待 %d, 実際 %d", po.Version, current.Version))
	}
	po.Version++
	t.state.pos[po.ID] = clonePurchaseOrder(po)
	return nil
}

func clonePurchaseOrder(po *inventory.PurchaseOrder) inventory.PurchaseOrder {
	c := *po
	c.Items = append([]inventory.PurchaseOrderItem(nil), po.Items...)
	return c
}

func (t *memoryTx) CreateOpname(_ context.Context, opname *inventory.StockOpname) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.state.opnames[opname.ID]; ok {
		return inventory.ErrDuplicateDocument
	}
	for _, existing := range t.state.opnames {
		if existing.Number == opname.Number {
			return inventory.ErrDuplicateDocument
		}
	}
	header := *opname
	header.Lines = nil
	t.state.opnames[opname.ID] = header
	t.state.opnameLines[opname.ID] = map[string]inventory.OpnameLine{}
	return nil
}

// GetOpname assembles the header with its lines ordered by item id
func (t *memoryTx) GetOpname(_ context.Context, opnameID string) (*inventory.StockOpname, error) {
	opname, ok := t.state.opnames[opnameID]
	if !ok {
		return nil, inventory.ErrOpnameNotFound
	}
	lines := t.state.opnameLines[opnameID]
	opname.Lines = make([]inventory.OpnameLine, 0, len(lines))
	for _, line := range lines {
		opname.Lines = append(opname.Lines, line)
	}
	sort.Slice(opname.Lines, func(i, j int) bool { return opname.Lines[i].ItemID < opname.Lines[j].ItemID })
	return &opname, nil
}

// UpdateOpname stores the header only; lines go through SaveOpnameLine
func (t *memoryTx) UpdateOpname(_ context.Context, opname *inventory.StockOpname) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	current, ok := t.state.opnames[opname.ID]
	if !ok {
		return inventory.ErrOpnameNotFound
	}
	if current.Version != opname.Version {
		return inventory.NewConcurrencyError("update_opname", opname.ID,
			fmt.Sprintf("バージョン不一致: 期待 %d, 実際 %d", opname.Version, current.Version))
	}
	opname.Version++
	header := *opname
	header.Lines = nil
	t.state.opnames[opname.ID] = header
	return nil
}

func (t *memoryTx) SaveOpnameLine(_ context.Context, line *inventory.OpnameLine) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	lines, ok := t.state.opnameLines[line.OpnameID]
	if !ok {
		return inventory.ErrOpnameNotFound
	}
	lines[line.ItemID] = *line
	return nil
}
