package inventory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
)

func TestValuationEngine_BatchVersusAverage(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	wine := env.item("WINE", "K1", true, "0")
	env.receive(wine,
		lot{quantity: "10", cost: "1.5", expiry: day("2024-01-05")},
		lot{quantity: "10", cost: "2.5", expiry: day("2024-02-20")},
	)
	valuation := inventory.NewValuationEngine(env.store, zap.NewNop(), env.config, env.clock)

	before, err := valuation.CalculateItemValue(env.ctx, wine.ID, inventory.ValuationMethodBatch)
	require.NoError(t, err)
	assert.True(t, before.Value.Equal(dec("40")), before.Value.String())
	assert.True(t, before.AtRisk.Equal(dec("15")), before.AtRisk.String())
	assert.Equal(t, 2, before.BatchCount)

	_, err = env.consume(wine.ID, "10")
	require.NoError(t, err)

	batch, err := valuation.CalculateItemValue(env.ctx, wine.ID, inventory.ValuationMethodBatch)
	require.NoError(t, err)
	assert.True(t, batch.Value.Equal(dec("25")), batch.Value.String())
	assert.True(t, batch.AtRisk.IsZero())
	assert.Equal(t, 1, batch.BatchCount)

	average, err := valuation.CalculateItemValue(env.ctx, wine.ID, inventory.ValuationMethodAverage)
	require.NoError(t, err)
	assert.True(t, average.Value.Equal(dec("20")), average.Value.String())
	assert.True(t, average.Quantity.Equal(dec("10")))
}

func TestValuationEngine_Location(t *testing.T) {
	env := newTestEnv(t)
	env.location("K1")
	env.location("K2")
	flour := env.item("FLOUR", "K1", false, "0")
	sugar := env.item("SUGAR", "K1", false, "0")
	env.item("SALT", "K2", false, "0")
	env.receive(flour, lot{quantity: "4", cost: "3"})
	batches := env.receive(sugar, lot{quantity: "2", cost: "5"})
	valuation := inventory.NewValuationEngine(env.store, zap.NewNop(), env.config, env.clock)

	total, err := valuation.CalculateLocationValue(env.ctx, "K1", inventory.ValuationMethodBatch)
	require.NoError(t, err)
	assert.True(t, total.Value.Equal(dec("22")), total.Value.String())
	assert.Len(t, total.Items, 2)

	// 廃棄済みバッチは評価に含めない
	_, err = env.manager.Dispose(env.ctx, inventory.DisposeRequest{
		BatchID: batches[0].ID, Method: inventory.DisposalMethodDonate, ActorID: testActor,
	})
	require.NoError(t, err)
	total, err = valuation.CalculateLocationValue(env.ctx, "K1", inventory.ValuationMethodBatch)
	require.NoError(t, err)
	assert.True(t, total.Value.Equal(dec("12")), total.Value.String())

	_, err = valuation.CalculateLocationValue(env.ctx, "NOWHERE", inventory.ValuationMethodBatch)
	assert.True(t, errors.Is(err, inventory.ErrLocationNotFound))

	_, err = valuation.CalculateLocationValue(env.ctx, "K1", "FIFO")
	assert.True(t, errors.Is(err, inventory.ErrValidation))
	assert.Equal(t, "ValidationError", inventory.ErrorKind(err))
}
