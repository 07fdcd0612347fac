package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 各ストレージ実装に同じ振る舞いを要求する
func forEachStorage(t *testing.T, run func(t *testing.T, s inventory.Storage)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStorage(nil)
		defer s.Close()
		run(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "lots.db"), nil)
		require.NoError(t, err)
		defer s.Close()
		run(t, s)
	})
}

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s inventory.Storage) (*inventory.Location, *inventory.Item) {
	t.Helper()
	ctx := context.Background()
	loc := &inventory.Location{ID: "kitchen", Name: "Main Kitchen", Type: inventory.LocationTypeKitchen,
		IsActive: true, CreatedAt: testNow, UpdatedAt: testNow}
	item := &inventory.Item{ID: "item-milk", SKU: "MILK-1L", LocationID: "kitchen", Name: "Milk 1L", Unit: "bottle",
		Perishable: true, MinQuantity: decimal.NewFromInt(5), OnHand: decimal.Zero, AverageCost: decimal.Zero,
		IsActive: true, Version: 1, CreatedAt: testNow, UpdatedAt: testNow}

	err := s.Update(ctx, func(tx inventory.StorageTx) error {
		if err := tx.CreateLocation(ctx, loc); err != nil {
			return err
		}
		return tx.CreateItem(ctx, item)
	})
	require.NoError(t, err)
	return loc, item
}

func newTestBatch(id, number, itemID string, qty int64, expiry *time.Time) *inventory.Batch {
	return &inventory.Batch{
		ID: id, BatchNumber: number, ItemID: itemID,
		OriginalQuantity: decimal.NewFromInt(qty), QuantityRemaining: decimal.NewFromInt(qty),
		UnitCost: decimal.RequireFromString("1.25"), ExpiryDate: expiry, ReceivedDate: testNow,
		Status: inventory.BatchStatusActive, Version: 1, CreatedAt: testNow, UpdatedAt: testNow,
	}
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestStorage_ItemRoundTrip(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)

		err := s.View(ctx, func(tx inventory.StorageTx) error {
			got, err := tx.GetItem(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, "MILK-1L", got.SKU)
			assert.True(t, got.MinQuantity.Equal(decimal.NewFromInt(5)))
			assert.True(t, got.Perishable)
			assert.Equal(t, int64(1), got.Version)

			found, err := tx.FindItem(ctx, "MILK-1L", "kitchen")
			require.NoError(t, err)
			assert.Equal(t, item.ID, found.ID)

			_, err = tx.FindItem(ctx, "MILK-1L", "bar")
			assert.ErrorIs(t, err, inventory.ErrItemNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_DuplicateSKUAtLocation(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		seed(t, s)

		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			return tx.CreateItem(ctx, &inventory.Item{ID: "item-other", SKU: "MILK-1L", LocationID: "kitchen",
				Name: "Milk", Unit: "bottle", IsActive: true, Version: 1, CreatedAt: testNow, UpdatedAt: testNow})
		})
		assert.ErrorIs(t, err, inventory.ErrDuplicateItem)
	})
}

func TestStorage_VersionConflict(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)

		stale := *item
		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			fresh, err := tx.GetItem(ctx, item.ID)
			if err != nil {
				return err
			}
			fresh.OnHand = decimal.NewFromInt(3)
			return tx.UpdateItem(ctx, fresh)
		})
		require.NoError(t, err)

		err = s.Update(ctx, func(tx inventory.StorageTx) error {
			stale.OnHand = decimal.NewFromInt(9)
			return tx.UpdateItem(ctx, &stale)
		})
		assert.ErrorIs(t, err, inventory.ErrConcurrentModification)
		assert.True(t, inventory.IsRetryable(err))

		err = s.View(ctx, func(tx inventory.StorageTx) error {
			got, err := tx.GetItem(ctx, item.ID)
			require.NoError(t, err)
			assert.True(t, got.OnHand.Equal(decimal.NewFromInt(3)))
			assert.Equal(t, int64(2), got.Version)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_RollbackOnError(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			if err := tx.CreateBatch(ctx, newTestBatch("b-1", "MILK-B1", item.ID, 10, nil)); err != nil {
				return err
			}
			entry := &inventory.LedgerEntry{ID: "l-1", ItemID: item.ID, Type: inventory.TransactionTypeIn,
				Quantity: decimal.NewFromInt(10), CreatedBy: "chef", CreatedAt: testNow}
			if err := tx.AppendLedgerEntries(ctx, entry); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = s.View(ctx, func(tx inventory.StorageTx) error {
			_, err := tx.GetBatch(ctx, "b-1")
			assert.ErrorIs(t, err, inventory.ErrBatchNotFound)
			entries, err := tx.ListLedgerEntries(ctx, item.ID)
			require.NoError(t, err)
			assert.Empty(t, entries)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_BatchesAndLedger(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)

		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			for _, b := range []*inventory.Batch{
				newTestBatch("b-1", "MILK-B1", item.ID, 10, datePtr(2025, 3, 10)),
				newTestBatch("b-2", "MILK-B2", item.ID, 5, nil),
			} {
				if err := tx.CreateBatch(ctx, b); err != nil {
					return err
				}
			}
			first := &inventory.LedgerEntry{ID: "l-1", ItemID: item.ID, BatchID: strPtr("b-1"),
				Type: inventory.TransactionTypeIn, Quantity: decimal.NewFromInt(10), CreatedBy: "chef", CreatedAt: testNow}
			second := &inventory.LedgerEntry{ID: "l-2", ItemID: item.ID, BatchID: strPtr("b-1"),
				Type: inventory.TransactionTypeOut, Quantity: decimal.NewFromInt(-4), CreatedBy: "chef", CreatedAt: testNow}
			if err := tx.AppendLedgerEntries(ctx, first, second); err != nil {
				return err
			}
			assert.Less(t, first.Sequence, second.Sequence)
			return nil
		})
		require.NoError(t, err)

		err = s.Update(ctx, func(tx inventory.StorageTx) error {
			return tx.CreateBatch(ctx, newTestBatch("b-3", "MILK-B1", item.ID, 1, nil))
		})
		assert.ErrorIs(t, err, inventory.ErrDuplicateBatch)

		err = s.View(ctx, func(tx inventory.StorageTx) error {
			b, err := tx.GetBatch(ctx, "b-1")
			require.NoError(t, err)
			require.NotNil(t, b.ExpiryDate)
			assert.Equal(t, "2025-03-10", b.ExpiryDate.Format("2006-01-02"))
			assert.True(t, b.UnitCost.Equal(decimal.RequireFromString("1.25")))

			tracked, err := tx.ListExpiryTrackedBatches(ctx)
			require.NoError(t, err)
			require.Len(t, tracked, 1)
			assert.Equal(t, "b-1", tracked[0].ID)

			entries, err := tx.ListLedgerEntries(ctx, item.ID)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "l-1", entries[0].ID)
			assert.True(t, inventory.ReplayOnHand(entries).Equal(decimal.NewFromInt(6)))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_AuditFilter(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		seed(t, s)

		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			for i, actor := range []string{"chef", "manager", "chef"} {
				entry := &inventory.AuditLogEntry{
					ID: inventory.NewID(), Action: inventory.AuditActionUpdate, ModelName: inventory.ModelItem,
					ObjectID: "item-milk", ObjectRepr: "MILK-1L", ActorID: actor,
					Changes:   inventory.Changes{"on_hand": {Old: "0", New: "1"}},
					Timestamp: testNow.Add(time.Duration(i) * time.Hour),
				}
				if err := tx.AppendAuditEntry(ctx, entry); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx inventory.StorageTx) error {
			all, err := tx.ListAuditEntries(ctx, inventory.AuditFilter{ObjectID: "item-milk"})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, inventory.FieldChange{Old: "0", New: "1"}, all[0].Changes["on_hand"])
			assert.Less(t, all[0].Sequence, all[1].Sequence)

			chef, err := tx.ListAuditEntries(ctx, inventory.AuditFilter{ActorID: "chef", Limit: 1})
			require.NoError(t, err)
			require.Len(t, chef, 1)
			assert.Equal(t, all[0].ID, chef[0].ID)

			from := testNow.Add(30 * time.Minute)
			later, err := tx.ListAuditEntries(ctx, inventory.AuditFilter{From: &from})
			require.NoError(t, err)
			assert.Len(t, later, 2)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_PurchaseOrderBatchLink(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)

		po := &inventory.PurchaseOrder{ID: "po-1", Number: "PO-20250301-AAAAAA", Supplier: "Dairy Co",
			LocationID: "kitchen", Status: inventory.POStatusDraft, CreatedBy: "buyer", CreatedAt: testNow,
			UpdatedAt: testNow, Version: 1,
			Items: []inventory.PurchaseOrderItem{{ID: "pol-1", PurchaseOrderID: "po-1", LineNo: 1, ItemID: item.ID,
				Quantity: decimal.NewFromInt(12), UnitPrice: decimal.RequireFromString("0.95")}},
		}
		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			return tx.CreatePurchaseOrder(ctx, po)
		})
		require.NoError(t, err)

		err = s.Update(ctx, func(tx inventory.StorageTx) error {
			got, err := tx.GetPurchaseOrder(ctx, "po-1")
			if err != nil {
				return err
			}
			if err := tx.CreateBatch(ctx, newTestBatch("b-1", "MILK-B1", item.ID, 12, nil)); err != nil {
				return err
			}
			got.Status = inventory.POStatusReceived
			got.Items[0].BatchID = strPtr("b-1")
			return tx.UpdatePurchaseOrder(ctx, got)
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx inventory.StorageTx) error {
			got, err := tx.GetPurchaseOrder(ctx, "po-1")
			require.NoError(t, err)
			assert.Equal(t, inventory.POStatusReceived, got.Status)
			assert.Equal(t, int64(2), got.Version)
			require.Len(t, got.Items, 1)
			require.NotNil(t, got.Items[0].BatchID)
			assert.Equal(t, "b-1", *got.Items[0].BatchID)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_OpnameLines(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)

		opname := &inventory.StockOpname{ID: "so-1", Number: "SO-20250301-AAAAAA", LocationID: "kitchen",
			Status: inventory.OpnameStatusInProgress, TotalDiscrepancyValue: decimal.Zero, CreatedBy: "chef",
			CreatedAt: testNow, UpdatedAt: testNow, Version: 1}
		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			if err := tx.CreateOpname(ctx, opname); err != nil {
				return err
			}
			line := &inventory.OpnameLine{OpnameID: "so-1", ItemID: item.ID, SystemQuantity: decimal.NewFromInt(50),
				CountedQuantity: decimal.NewFromInt(45), Discrepancy: decimal.NewFromInt(-5),
				DiscrepancyValue: decimal.NewFromInt(-10), CountedAt: testNow, CountedBy: "chef"}
			if err := tx.SaveOpnameLine(ctx, line); err != nil {
				return err
			}
			line.CountedQuantity = decimal.NewFromInt(42)
			line.Discrepancy = decimal.NewFromInt(-8)
			return tx.SaveOpnameLine(ctx, line)
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx inventory.StorageTx) error {
			got, err := tx.GetOpname(ctx, "so-1")
			require.NoError(t, err)
			require.Len(t, got.Lines, 1)
			assert.True(t, got.Lines[0].CountedQuantity.Equal(decimal.NewFromInt(42)))
			assert.True(t, got.Lines[0].Discrepancy.Equal(decimal.NewFromInt(-8)))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorage_LockItemsMissing(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s inventory.Storage) {
		ctx := context.Background()
		_, item := seed(t, s)

		err := s.Update(ctx, func(tx inventory.StorageTx) error {
			return tx.LockItems(ctx, item.ID, item.ID)
		})
		assert.NoError(t, err)

		err = s.Update(ctx, func(tx inventory.StorageTx) error {
			return tx.LockItems(ctx, item.ID, "missing")
		})
		assert.ErrorIs(t, err, inventory.ErrItemNotFound)
	})
}

func TestMemoryStorage_ReadOnlyView(t *testing.T) {
	s := NewMemoryStorage(nil)
	ctx := context.Background()
	err := s.View(ctx, func(tx inventory.StorageTx) error {
		return tx.CreateLocation(ctx, &inventory.Location{ID: "x"})
	})
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "lots.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, s.DB(), DriverSQLite, nil))

	status, err := Status(ctx, s.DB(), DriverSQLite)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, st := range status {
		assert.NotNil(t, st.AppliedAt, st.Version)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mongodb", "", nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestPostgresDialect_Rebind(t *testing.T) {
	got := postgresDialect{}.rebind("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3", got)
}

func strPtr(s string) *string { return &s }
