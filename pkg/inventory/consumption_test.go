package inventory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
)

func TestManager_ConsumeFEFO(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	milk := env.item("MILK", "K1", true, "0")

	batches := env.receive(milk,
		lot{quantity: "5", cost: "1", expiry: day("2024-01-10"), number: "B1"},
		lot{quantity: "3", cost: "1", expiry: day("2024-01-05"), number: "B2"},
	)
	b1, b2 := batches[0], batches[1]

	allocations, err := env.consume(milk.ID, "4")
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	assert.Equal(t, "B2", allocations[0].BatchNumber)
	assert.True(t, allocations[0].Quantity.Equal(dec("3")))
	assert.Equal(t, "B1", allocations[1].BatchNumber)
	assert.True(t, allocations[1].Quantity.Equal(dec("1")))

	assert.True(t, env.batch(b1.ID).QuantityRemaining.Equal(dec("4")))
	assert.True(t, env.batch(b2.ID).QuantityRemaining.Equal(dec("0")))
	assert.True(t, env.onHand(milk.ID).Equal(dec("4")))
	env.requireConsistent(milk.ID)

	// バッチごとに1件のOUTエントリ
	ledger, err := env.manager.GetLedger(env.ctx, milk.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 4)
	assert.Equal(t, inventory.TransactionTypeOut, ledger[2].Type)
	assert.Equal(t, b2.ID, *ledger[2].BatchID)
	assert.True(t, ledger[2].Quantity.Equal(dec("-3")))
	assert.Equal(t, b1.ID, *ledger[3].BatchID)
	assert.True(t, ledger[3].Quantity.Equal(dec("-1")))
}

func TestManager_ConsumeUndatedLast(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	salt := env.item("SALT", "K1", false, "0")

	env.receive(salt,
		lot{quantity: "2", cost: "1", number: "NODATE"},
		lot{quantity: "2", cost: "1", expiry: day("2025-06-01"), number: "DATED"},
	)

	allocations, err := env.consume(salt.ID, "3")
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	assert.Equal(t, "DATED", allocations[0].BatchNumber)
	assert.Equal(t, "NODATE", allocations[1].BatchNumber)
}

func TestManager_ConsumeInsufficientIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	milk := env.item("MILK", "K1", true, "0")
	batches := env.receive(milk,
		lot{quantity: "5", cost: "1", expiry: day("2024-01-10")},
		lot{quantity: "3", cost: "1", expiry: day("2024-01-05")},
	)

	auditBefore := env.auditCount()
	ledgerBefore, err := env.manager.GetLedger(env.ctx, milk.ID)
	require.NoError(t, err)

	_, err = env.consume(milk.ID, "9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, inventory.ErrInsufficientStock))
	var insufficient *inventory.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Available.Equal(dec("8")))

	for _, b := range batches {
		assert.True(t, env.batch(b.ID).QuantityRemaining.Equal(b.QuantityRemaining))
	}
	ledgerAfter, err := env.manager.GetLedger(env.ctx, milk.ID)
	require.NoError(t, err)
	assert.Len(t, ledgerAfter, len(ledgerBefore))
	assert.Equal(t, auditBefore, env.auditCount())
	assert.True(t, env.onHand(milk.ID).Equal(dec("8")))
}

func TestManager_ConsumeSkipsExpired(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	cream := env.item("CREAM", "K1", true, "0")
	batches := env.receive(cream,
		lot{quantity: "5", cost: "1", expiry: day("2024-01-03"), number: "OLD"},
		lot{quantity: "5", cost: "1", expiry: day("2024-01-20"), number: "NEW"},
	)

	env.clock.Set(testStart.AddDate(0, 0, 3))

	_, err := env.consume(cream.ID, "6")
	assert.True(t, errors.Is(err, inventory.ErrInsufficientStock))

	allocations, err := env.consume(cream.ID, "5")
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, "NEW", allocations[0].BatchNumber)
	assert.True(t, env.batch(batches[0].ID).QuantityRemaining.Equal(dec("5")))
}

func TestManager_ConsumeValidation(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	milk := env.item("MILK", "K1", true, "0")

	tests := []struct {
		name string
		req  inventory.ConsumeRequest
	}{
		{"zero quantity", inventory.ConsumeRequest{ItemID: milk.ID, Quantity: dec("0"), ActorID: testActor}},
		{"negative quantity", inventory.ConsumeRequest{ItemID: milk.ID, Quantity: dec("-1"), ActorID: testActor}},
		{"missing actor", inventory.ConsumeRequest{ItemID: milk.ID, Quantity: dec("1")}},
		{"inbound type", inventory.ConsumeRequest{ItemID: milk.ID, Quantity: dec("1"), Type: inventory.TransactionTypeIn, ActorID: testActor}},
		{"bad item id", inventory.ConsumeRequest{ItemID: "bad id", Quantity: dec("1"), ActorID: testActor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.Consume(env.ctx, tt.req)
			assert.True(t, errors.Is(err, inventory.ErrValidation), "%v", err)
			assert.Equal(t, "ValidationError", inventory.ErrorKind(err))
		})
	}

	_, err := env.consume("missing", "1")
	assert.True(t, inventory.IsNotFound(err))
}

func TestManager_ConsumeWasteType(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	glass := env.item("GLASS", "K1", false, "0")
	env.receive(glass, lot{quantity: "10", cost: "4"})

	_, err := env.manager.Consume(env.ctx, inventory.ConsumeRequest{
		ItemID:    glass.ID,
		Quantity:  dec("2"),
		Type:      inventory.TransactionTypeBreakage,
		Reference: "BAR-SHIFT",
		ActorID:   testActor,
	})
	require.NoError(t, err)

	ledger, err := env.manager.GetLedger(env.ctx, glass.ID)
	require.NoError(t, err)
	last := ledger[len(ledger)-1]
	assert.Equal(t, inventory.TransactionTypeBreakage, last.Type)
	assert.True(t, last.TotalCost.Equal(dec("-8")))
	assert.Equal(t, "BAR-SHIFT", last.Reference)
}

func TestManager_Dispose(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	fish := env.item("FISH", "K1", true, "0")
	batches := env.receive(fish,
		lot{quantity: "4", cost: "5", expiry: day("2024-01-02")},
		lot{quantity: "6", cost: "5", expiry: day("2024-01-09")},
	)

	entry, err := env.manager.Dispose(env.ctx, inventory.DisposeRequest{
		BatchID: batches[0].ID,
		Method:  inventory.DisposalMethodDiscard,
		Notes:   "smell",
		ActorID: testActor,
	})
	require.NoError(t, err)
	assert.Equal(t, inventory.TransactionTypeWaste, entry.Type)
	assert.True(t, entry.Quantity.Equal(dec("-4")))

	disposed := env.batch(batches[0].ID)
	assert.Equal(t, inventory.BatchStatusDisposed, disposed.Status)
	assert.True(t, disposed.QuantityRemaining.IsZero())
	assert.Equal(t, inventory.DisposalMethodDiscard, disposed.DisposalMethod)
	assert.Equal(t, testActor, disposed.DisposedBy)
	assert.True(t, env.onHand(fish.ID).Equal(dec("6")))
	env.requireConsistent(fish.ID)

	// 廃棄済みバッチの再廃棄は拒否され何も書き込まれない
	auditBefore := env.auditCount()
	_, err = env.manager.Dispose(env.ctx, inventory.DisposeRequest{
		BatchID: batches[0].ID,
		Method:  inventory.DisposalMethodDiscard,
		ActorID: testActor,
	})
	assert.True(t, errors.Is(err, inventory.ErrInvalidBatchState))
	assert.Equal(t, auditBefore, env.auditCount())
	assert.True(t, env.onHand(fish.ID).Equal(dec("6")))

	// 廃棄済みバッチからは消費しない
	_, err = env.consume(fish.ID, "7")
	assert.True(t, errors.Is(err, inventory.ErrInsufficientStock))
}

func TestManager_DisposeEmptyBatch(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	herb := env.item("HERB", "K1", true, "0")
	batches := env.receive(herb, lot{quantity: "2", cost: "1", expiry: day("2024-01-04")})
	_, err := env.consume(herb.ID, "2")
	require.NoError(t, err)

	entry, err := env.manager.Dispose(env.ctx, inventory.DisposeRequest{
		BatchID: batches[0].ID,
		Method:  inventory.DisposalMethodCompost,
		ActorID: testActor,
	})
	require.NoError(t, err)
	assert.True(t, entry.Quantity.IsZero())
	assert.Equal(t, inventory.BatchStatusDisposed, env.batch(batches[0].ID).Status)
	env.requireConsistent(herb.ID)
}

func TestManager_Transfer(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	env.location("BAR")
	kitchenLime := env.item("LIME", "K1", true, "0")
	barLime := env.item("LIME", "BAR", true, "0")

	source := env.receive(kitchenLime,
		lot{quantity: "3", cost: "2", expiry: day("2024-01-06"), number: "L1"},
		lot{quantity: "5", cost: "3", expiry: day("2024-01-12"), number: "L2"},
	)

	result, err := env.manager.Transfer(env.ctx, inventory.TransferRequest{
		SKU:            "LIME",
		FromLocationID: "K1",
		ToLocationID:   "BAR",
		Quantity:       dec("4"),
		ActorID:        testActor,
	})
	require.NoError(t, err)
	assert.Equal(t, kitchenLime.ID, result.SourceItemID)
	assert.Equal(t, barLime.ID, result.DestinationItemID)
	require.Len(t, result.DestinationBatches, 2)

	first := result.DestinationBatches[0]
	assert.Equal(t, barLime.ID, first.ItemID)
	assert.Equal(t, source[0].ID, *first.SourceBatchID)
	assert.True(t, first.ExpiryDate.Equal(*source[0].ExpiryDate))
	assert.True(t, first.UnitCost.Equal(dec("2")))
	assert.True(t, first.QuantityRemaining.Equal(dec("3")))
	assert.True(t, result.DestinationBatches[1].QuantityRemaining.Equal(dec("1")))
	assert.True(t, result.DestinationBatches[1].ExpiryDate.Equal(*source[1].ExpiryDate))

	assert.True(t, env.onHand(kitchenLime.ID).Equal(dec("4")))
	assert.True(t, env.onHand(barLime.ID).Equal(dec("4")))
	env.requireConsistent(kitchenLime.ID)
	env.requireConsistent(barLime.ID)

	bar, err := env.manager.GetItem(env.ctx, barLime.ID)
	require.NoError(t, err)
	assert.True(t, bar.AverageCost.Equal(dec("2.25")), bar.AverageCost.String())

	ledger, err := env.manager.GetLedger(env.ctx, barLime.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	for _, e := range ledger {
		assert.Equal(t, inventory.TransactionTypeTransfer, e.Type)
		assert.True(t, e.Quantity.IsPositive())
	}

	// 移動先は変更項目ではなく備考に残す
	trail, err := env.manager.GetAuditTrail(env.ctx, inventory.AuditFilter{ObjectID: kitchenLime.ID, Action: inventory.AuditActionUpdate})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "移動先: BAR", trail[0].Notes)
	assert.NotContains(t, trail[0].Changes, "to_location_id")
	assert.Equal(t, inventory.FieldChange{Old: "8", New: "4"}, trail[0].Changes["on_hand"])
	assert.Equal(t, inventory.FieldChange{Old: "0", New: "4"}, trail[0].Changes["item."+barLime.ID+".on_hand"])
	assert.Len(t, trail[0].Changes, 7)
}

func TestManager_TransferRequiresRegisteredDestination(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	env.location("BAR")
	lime := env.item("LIME", "K1", false, "0")
	env.receive(lime, lot{quantity: "3", cost: "2"})

	_, err := env.manager.Transfer(env.ctx, inventory.TransferRequest{
		SKU:            "LIME",
		FromLocationID: "K1",
		ToLocationID:   "BAR",
		Quantity:       dec("1"),
		ActorID:        testActor,
	})
	assert.True(t, errors.Is(err, inventory.ErrItemNotFound))
	assert.True(t, env.onHand(lime.ID).Equal(dec("3")))

	_, err = env.manager.Transfer(env.ctx, inventory.TransferRequest{
		SKU:            "LIME",
		FromLocationID: "K1",
		ToLocationID:   "K1",
		Quantity:       dec("1"),
		ActorID:        testActor,
	})
	assert.True(t, errors.Is(err, inventory.ErrValidation))
}
