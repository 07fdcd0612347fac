package inventory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"github.com/nemonet1337/zaiLotEngine/pkg/inventory/storage"
)

const testActor = "tester"

var testStart = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

// fixedClock はテスト用の固定時計
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// MockPublisher はテスト用のEventPublisherモック
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishBatchExpiry(ctx context.Context, event inventory.BatchExpiryEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// flakyStorage fails the commit of the first n write transactions with a conflict
type flakyStorage struct {
	inventory.Storage
	mu        sync.Mutex
	remaining int
	attempts  int
}

func (f *flakyStorage) Update(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	return f.Storage.Update(ctx, func(tx inventory.StorageTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.attempts++
		if f.remaining > 0 {
			f.remaining--
			return inventory.NewConcurrencyError("commit", "test", "競合を注入しました")
		}
		return nil
	})
}

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	clock   *fixedClock
	store   inventory.Storage
	config  *inventory.Config
	manager *inventory.Manager
}

type envOption func(*envSetup)

type envSetup struct {
	config    *inventory.Config
	publisher inventory.EventPublisher
	wrap      func(inventory.Storage) inventory.Storage
	opts      []inventory.Option
}

func withConfig(mutate func(*inventory.Config)) envOption {
	return func(s *envSetup) { mutate(s.config) }
}

func withPublisher(p inventory.EventPublisher) envOption {
	return func(s *envSetup) { s.publisher = p }
}

func withStorage(wrap func(inventory.Storage) inventory.Storage) envOption {
	return func(s *envSetup) { s.wrap = wrap }
}

func withManagerOption(opt inventory.Option) envOption {
	return func(s *envSetup) { s.opts = append(s.opts, opt) }
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	setup := &envSetup{config: inventory.DefaultConfig()}
	setup.config.RetryBackoff = time.Millisecond
	for _, o := range options {
		o(setup)
	}

	logger := zap.NewNop()
	clock := &fixedClock{now: testStart}
	var store inventory.Storage = storage.NewMemoryStorage(logger)
	if setup.wrap != nil {
		store = setup.wrap(store)
	}
	opts := append([]inventory.Option{inventory.WithClock(clock)}, setup.opts...)
	return &testEnv{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   store,
		config:  setup.config,
		manager: inventory.NewManager(store, setup.publisher, logger, setup.config, opts...),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func (e *testEnv) location(id string) {
	e.t.Helper()
	require.NoError(e.t, e.manager.CreateLocation(e.ctx, &inventory.Location{
		ID:   id,
		Name: "Location " + id,
		Type: inventory.LocationTypeKitchen,
	}, testActor))
}

func (e *testEnv) item(sku, locationID string, perishable bool, par string) *inventory.Item {
	e.t.Helper()
	item, err := e.manager.RegisterItem(e.ctx, inventory.RegisterItemRequest{
		SKU:         sku,
		LocationID:  locationID,
		Name:        sku,
		Unit:        "pcs",
		Perishable:  perishable,
		MinQuantity: dec(par),
		ActorID:     testActor,
	})
	require.NoError(e.t, err)
	return item
}

// lot is one purchase order line to receive
type lot struct {
	quantity string
	cost     string
	expiry   *time.Time
	number   string
}

// submitPO creates and submits a purchase order with one line per lot
func (e *testEnv) submitPO(item *inventory.Item, lots ...lot) *inventory.PurchaseOrder {
	e.t.Helper()
	req := inventory.CreatePurchaseOrderRequest{
		Supplier:   "Supplier",
		LocationID: item.LocationID,
		ActorID:    testActor,
	}
	for _, l := range lots {
		req.Lines = append(req.Lines, inventory.PurchaseOrderLineSpec{
			ItemID:    item.ID,
			Quantity:  dec(l.quantity),
			UnitPrice: dec(l.cost),
		})
	}
	po, err := e.manager.CreatePurchaseOrder(e.ctx, req)
	require.NoError(e.t, err)
	_, err = e.manager.SubmitPurchaseOrder(e.ctx, po.ID, testActor)
	require.NoError(e.t, err)
	return po
}

func receiptFor(po *inventory.PurchaseOrder, lots ...lot) inventory.ReceiveRequest {
	req := inventory.ReceiveRequest{
		PurchaseOrderID: po.ID,
		ActorID:         testActor,
		Lines:           map[string]inventory.ReceiptDetails{},
	}
	for i, l := range lots {
		req.Lines[po.Items[i].ID] = inventory.ReceiptDetails{ExpiryDate: l.expiry, BatchNumber: l.number}
	}
	return req
}

// receive runs the whole purchase order flow and returns the batches by line order
func (e *testEnv) receive(item *inventory.Item, lots ...lot) []inventory.Batch {
	e.t.Helper()
	po := e.submitPO(item, lots...)
	batches, err := e.manager.Receive(e.ctx, receiptFor(po, lots...))
	require.NoError(e.t, err)
	require.Len(e.t, batches, len(lots))
	return batches
}

func (e *testEnv) batch(id string) *inventory.Batch {
	e.t.Helper()
	b, err := e.manager.GetBatch(e.ctx, id)
	require.NoError(e.t, err)
	return b
}

func (e *testEnv) onHand(itemID string) decimal.Decimal {
	e.t.Helper()
	qty, err := e.manager.GetItemOnHand(e.ctx, itemID)
	require.NoError(e.t, err)
	return qty
}

func (e *testEnv) requireConsistent(itemID string) {
	e.t.Helper()
	rec, err := e.manager.VerifyItem(e.ctx, itemID)
	require.NoError(e.t, err)
	require.True(e.t, rec.Consistent, "on_hand=%s batches=%s ledger=%s", rec.OnHand, rec.BatchTotal, rec.LedgerTotal)
}

func (e *testEnv) auditCount() int {
	e.t.Helper()
	entries, err := e.manager.GetAuditTrail(e.ctx, inventory.AuditFilter{})
	require.NoError(e.t, err)
	return len(entries)
}

func (e *testEnv) consume(itemID, quantity string) ([]inventory.Allocation, error) {
	return e.manager.Consume(e.ctx, inventory.ConsumeRequest{
		ItemID:   itemID,
		Quantity: dec(quantity),
		ActorID:  testActor,
	})
}
