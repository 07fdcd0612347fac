package inventory_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
)

func TestManager_CreateLocation(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")

	err := env.manager.CreateLocation(env.ctx, &inventory.Location{ID: "K1", Name: "Again", Type: inventory.LocationTypeBar}, testActor)
	assert.True(t, errors.Is(err, inventory.ErrDuplicateLocation))

	err = env.manager.CreateLocation(env.ctx, &inventory.Location{ID: "K2", Name: "Roof", Type: "pool"}, testActor)
	assert.True(t, errors.Is(err, inventory.ErrValidation))

	locations, err := env.manager.ListLocations(env.ctx)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.True(t, locations[0].IsActive)
}

func TestManager_RegisterItem(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	env.location("K2")
	env.item("LEMON", "K1", true, "3")

	// 同じロケーションで同じSKUは登録できない
	_, err := env.manager.RegisterItem(env.ctx, inventory.RegisterItemRequest{
		SKU: "LEMON", LocationID: "K1", Name: "Lemon", Unit: "pcs", ActorID: testActor,
	})
	assert.True(t, errors.Is(err, inventory.ErrDuplicateItem))

	// 別ロケーションなら登録できる
	other := env.item("LEMON", "K2", true, "0")
	assert.True(t, other.OnHand.IsZero())

	_, err = env.manager.RegisterItem(env.ctx, inventory.RegisterItemRequest{
		SKU: "LIME", LocationID: "NOWHERE", Name: "Lime", Unit: "pcs", ActorID: testActor,
	})
	assert.True(t, errors.Is(err, inventory.ErrLocationNotFound))

	_, err = env.manager.RegisterItem(env.ctx, inventory.RegisterItemRequest{
		SKU: "LIME", LocationID: "K1", Name: "Lime", Unit: "pcs", MinQuantity: dec("-1"), ActorID: testActor,
	})
	assert.True(t, errors.Is(err, inventory.ErrValidation))

	items, err := env.manager.ListItems(env.ctx, inventory.ItemFilter{SKU: "LEMON"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestManager_UpdateAndDeactivateItem(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	basil := env.item("BASIL", "K1", true, "0")
	env.receive(basil, lot{quantity: "4", cost: "0.5", expiry: day("2024-01-09")})

	name := "Thai Basil"
	par := dec("2")
	updated, err := env.manager.UpdateItem(env.ctx, inventory.UpdateItemRequest{
		ItemID: basil.ID, Name: &name, MinQuantity: &par, ActorID: testActor,
	})
	require.NoError(t, err)
	assert.Equal(t, "Thai Basil", updated.Name)
	assert.True(t, updated.MinQuantity.Equal(dec("2")))
	assert.True(t, updated.OnHand.Equal(dec("4")))

	trail, err := env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{ObjectID: basil.ID, Action: inventory.AuditActionUpdate})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Contains(t, trail[0].Changes, "name")
	assert.Equal(t, "BASIL", trail[0].Changes["name"].Old)

	// 変更が無ければ監査ログは増えない
	before := env.auditCount()
	_, err = env.manager.UpdateItem(env.ctx, inventory.UpdateItemRequest{ItemID: basil.ID, Name: &name, ActorID: testActor})
	require.NoError(t, err)
	assert.Equal(t, before, env.auditCount())

	deactivated, err := env.manager.DeactivateItem(env.ctx, basil.ID, testActor)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	_, err = env.manager.DeactivateItem(env.ctx, basil.ID, testActor)
	assert.True(t, errors.Is(err, inventory.ErrBusinessRule))

	_, err = env.consume(basil.ID, "1")
	assert.True(t, errors.Is(err, inventory.ErrBusinessRule))

	// 無効化後もバッチと履歴は残る
	batches, err := env.manager.ListBatches(env.ctx, basil.ID)
	require.NoError(t, err)
	assert.Len(t, batches, 1)

	active, err := env.manager.ListItems(env.ctx, inventory.ItemFilter{LocationID: "K1"})
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := env.manager.ListItems(env.ctx, inventory.ItemFilter{LocationID: "K1", IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestManager_ListBelowPar(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	cream := env.item("CREAM", "K1", true, "5")
	env.item("TEA", "K1", false, "0")
	env.receive(cream, lot{quantity: "8", cost: "1", expiry: day("2024-02-20")})

	below, err := env.manager.ListBelowPar(env.ctx, "K1")
	require.NoError(t, err)
	assert.Empty(t, below)

	_, err = env.consume(cream.ID, "4")
	require.NoError(t, err)

	below, err = env.manager.ListBelowPar(env.ctx, "K1")
	require.NoError(t, err)
	require.Len(t, below, 1)
	assert.Equal(t, cream.ID, below[0].ID)
}

func TestManager_RetriesConcurrentModification(t *testing.T) {
	flaky := &flakyStorage{}
	env := newTestEnv(t, withStorage(func(s inventory.Storage) inventory.Storage {
		flaky.Storage = s
		return flaky
	}))
	env.location("K1")
	bread := env.item("BREAD", "K1", false, "0")
	batches := env.receive(bread, lot{quantity: "10", cost: "1"})

	flaky.mu.Lock()
	flaky.remaining = 2
	flaky.attempts = 0
	flaky.mu.Unlock()

	allocations, err := env.consume(bread.ID, "3")
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, 3, flaky.attempts)

	// 失敗した試行の変更は残らない
	assert.True(t, env.batch(batches[0].ID).QuantityRemaining.Equal(dec("7")))
	assert.True(t, env.onHand(bread.ID).Equal(dec("7")))
	env.requireConsistent(bread.ID)
}

func TestManager_RetriesExhausted(t *testing.T) {
	flaky := &flakyStorage{}
	env := newTestEnv(t, withStorage(func(s inventory.Storage) inventory.Storage {
		flaky.Storage = s
		return flaky
	}))
	env.location("K1")
	bread := env.item("BREAD", "K1", false, "0")
	env.receive(bread, lot{quantity: "10", cost: "1"})

	flaky.mu.Lock()
	flaky.remaining = 100
	flaky.attempts = 0
	flaky.mu.Unlock()

	_, err := env.consume(bread.ID, "3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrConcurrentModification))
	assert.True(t, inventory.IsRetryable(err))
	assert.Equal(t, env.config.MaxRetries+1, flaky.attempts)
	assert.True(t, env.onHand(bread.ID).Equal(dec("10")))
}

func TestManager_PublishesAfterCommit(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishStockChanged", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishLowStockAlert", mock.Anything, mock.MatchedBy(func(e inventory.LowStockAlertEvent) bool {
		return e.CurrentQty.Equal(dec("4")) && e.Threshold.Equal(dec("5"))
	})).Return(nil)

	env := newTestEnv(t, withPublisher(publisher))
	env.location("K1")
	juice := env.item("JUICE", "K1", false, "5")
	env.receive(juice, lot{quantity: "10", cost: "2"})
	publisher.AssertNumberOfCalls(t, "PublishStockChanged", 1)
	publisher.AssertNotCalled(t, "PublishLowStockAlert", mock.Anything, mock.Anything)

	_, err := env.consume(juice.ID, "6")
	require.NoError(t, err)
	publisher.AssertNumberOfCalls(t, "PublishStockChanged", 2)
	publisher.AssertNumberOfCalls(t, "PublishLowStockAlert", 1)

	// 既にパー割れなら再通知しない。失敗した操作は何も発行しない
	_, err = env.consume(juice.ID, "1")
	require.NoError(t, err)
	_, err = env.consume(juice.ID, "100")
	assert.True(t, errors.Is(err, inventory.ErrInsufficientStock))
	publisher.AssertNumberOfCalls(t, "PublishStockChanged", 3)
	publisher.AssertNumberOfCalls(t, "PublishLowStockAlert", 1)
	publisher.AssertExpectations(t)
}

func TestManager_PublisherFailureDoesNotFailOperation(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishStockChanged", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	env := newTestEnv(t, withPublisher(publisher))
	env.location("K1")
	juice := env.item("JUICE", "K1", false, "0")
	env.receive(juice, lot{quantity: "2", cost: "2"})

	_, err := env.consume(juice.ID, "1")
	require.NoError(t, err)
	assert.True(t, env.onHand(juice.ID).Equal(dec("1")))
}

func TestManager_PublishesExpiryTransitions(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishStockChanged", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishBatchExpiry", mock.Anything, mock.MatchedBy(func(e inventory.BatchExpiryEvent) bool {
		return e.OldStatus == inventory.BatchStatusExpiring && e.NewStatus == inventory.BatchStatusExpired
	})).Return(nil)

	env := newTestEnv(t, withPublisher(publisher))
	env.location("K1")
	fish := env.item("FISH", "K1", true, "0")
	env.receive(fish, lot{quantity: "3", cost: "9", expiry: day("2024-01-02")})

	env.clock.Set(testStart.AddDate(0, 0, 2))
	_, err := env.manager.RunExpiryPass(env.ctx)
	require.NoError(t, err)
	publisher.AssertNumberOfCalls(t, "PublishBatchExpiry", 1)
}

func TestManager_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	env := newTestEnv(t, withManagerOption(inventory.WithMetrics(inventory.NewMetrics(registry))))
	env.location("K1")
	milk := env.item("MILK", "K1", true, "0")
	env.receive(milk,
		lot{quantity: "3", cost: "1", expiry: day("2024-01-05")},
		lot{quantity: "3", cost: "1", expiry: day("2024-03-01")},
	)

	_, err := env.consume(milk.ID, "2")
	require.NoError(t, err)
	_, err = env.consume(milk.ID, "40")
	require.Error(t, err)
	_, err = env.manager.RunExpiryPass(env.ctx)
	require.NoError(t, err)

	value := func(name string, labels map[string]string) float64 {
		t.Helper()
		families, err := registry.Gather()
		require.NoError(t, err)
		for _, mf := range families {
			if mf.GetName() != name {
				continue
			}
		next:
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
						continue next
					}
				}
				return m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
		}
		return 0
	}

	assert.Equal(t, 1.0, value("lotengine_operations_total", map[string]string{"operation": "consume", "result": "success"}))
	assert.Equal(t, 1.0, value("lotengine_operations_total", map[string]string{"operation": "consume", "result": "InsufficientStock"}))
	assert.Equal(t, 1.0, value("lotengine_operations_total", map[string]string{"operation": "receive", "result": "success"}))
	assert.Equal(t, 2.0, value("lotengine_ledger_entries_total", map[string]string{"type": "IN"}))
	assert.Equal(t, 1.0, value("lotengine_ledger_entries_total", map[string]string{"type": "OUT"}))
	assert.Equal(t, 0.0, value("lotengine_ledger_entries_total", map[string]string{"type": "ADJUST"}))
	assert.Equal(t, 1.0, value("lotengine_batches_by_expiry_status", map[string]string{"status": "EXPIRING"}))
	assert.Equal(t, 0.0, value("lotengine_batches_by_expiry_status", map[string]string{"status": "EXPIRED"}))
}

func TestManager_AuditTrailCoversMutations(t *testing.T) {
	env := newTestEnv(t)
	start := env.auditCount()

	env.location("K1")
	assert.Equal(t, start+1, env.auditCount())

	tuna := env.item("TUNA", "K1", true, "0")
	assert.Equal(t, start+2, env.auditCount())

	// 作成・提出・入荷でそれぞれ1件
	batches := env.receive(tuna, lot{quantity: "2", cost: "12", expiry: day("2024-01-20"), number: "T1"})
	assert.Equal(t, start+5, env.auditCount())

	_, err := env.manager.Consume(env.ctx, inventory.ConsumeRequest{
		ItemID: tuna.ID, Quantity: dec("1"), Type: inventory.TransactionTypeWaste, Notes: "dropped", ActorID: "line-cook",
	})
	require.NoError(t, err)
	assert.Equal(t, start+6, env.auditCount())

	consumed, err := env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{ActorID: "line-cook"})
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	assert.Equal(t, inventory.AuditActionAdjust, consumed[0].Action)
	assert.Equal(t, []string{"batch.T1.quantity_remaining", "on_hand"}, consumed[0].Changes.Fields())
	assert.Equal(t, inventory.FieldChange{Old: "2", New: "1"}, consumed[0].Changes["on_hand"])
	assert.Equal(t, "区分: WASTE / dropped", consumed[0].Notes)

	_, err = env.manager.Dispose(env.ctx, inventory.DisposeRequest{
		BatchID: batches[0].ID, Method: inventory.DisposalMethodDiscard, ActorID: "sous-chef",
	})
	require.NoError(t, err)
	assert.Equal(t, start+7, env.auditCount())

	trail, err := env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{ActorID: "sous-chef"})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	entry := trail[0]
	assert.Equal(t, inventory.AuditActionUpdate, entry.Action)
	assert.Equal(t, inventory.ModelBatch, entry.ModelName)
	assert.Equal(t, batches[0].ID, entry.ObjectID)
	assert.Equal(t, []string{
		"disposal_method", "disposed_at", "disposed_by",
		"item." + tuna.ID + ".on_hand", "quantity_remaining", "status",
	}, entry.Changes.Fields())
	assert.Equal(t, inventory.FieldChange{Old: "EXPIRING", New: "DISPOSED"}, entry.Changes["status"])
	assert.Equal(t, inventory.FieldChange{Old: "1", New: "0"}, entry.Changes["quantity_remaining"])
	assert.Equal(t, testStart, entry.Timestamp)

	flour := env.item("FLOUR", "K1", false, "0")
	env.receive(flour, lot{quantity: "5", cost: "2", number: "F1"})
	opname, err := env.manager.CreateOpname(env.ctx, inventory.CreateOpnameRequest{LocationID: "K1", ActorID: testActor})
	require.NoError(t, err)
	_, err = env.manager.StartOpname(env.ctx, opname.ID, testActor)
	require.NoError(t, err)
	_, err = env.manager.RecordCount(env.ctx, inventory.RecordCountRequest{OpnameID: opname.ID, ItemID: flour.ID, CountedQuantity: dec("3"), ActorID: testActor})
	require.NoError(t, err)
	_, err = env.manager.CompleteOpname(env.ctx, opname.ID, "manager")
	require.NoError(t, err)

	completed, err := env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{Action: inventory.AuditActionComplete})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, inventory.ModelOpname, completed[0].ModelName)
	assert.Equal(t, []string{
		"batch.F1.quantity_remaining", "completed_at", "completed_by",
		"item." + flour.ID + ".on_hand", "status",
		"total_discrepancies", "total_discrepancy_value", "total_items_counted",
	}, completed[0].Changes.Fields())
	assert.Equal(t, inventory.FieldChange{Old: "5", New: "3"}, completed[0].Changes["batch.F1.quantity_remaining"])
	assert.Equal(t, inventory.FieldChange{Old: "0", New: "-4"}, completed[0].Changes["total_discrepancy_value"])

	limited, err := env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Less(t, limited[0].Sequence, limited[1].Sequence)

	from := testStart.Add(1)
	_, err = env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{From: &from, To: &testStart})
	assert.True(t, errors.Is(err, inventory.ErrValidation))
}
