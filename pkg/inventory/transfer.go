package inventory

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferRequest moves stock of one SKU between two locations
// ロケーション間移動リクエスト
type TransferRequest struct {
	SKU            string          `json:"sku"`
	FromLocationID string          `json:"from_location_id"`
	ToLocationID   string          `json:"to_location_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reference      string          `json:"reference"`
	Notes          string          `json:"notes"`
	ActorID        string          `json:"actor_id"`
}

// TransferResult lists the source draws and the batches minted at the destination
// 移動結果（移動元の引当と移動先で作成したバッチ）
type TransferResult struct {
	SourceItemID       string       `json:"source_item_id"`
	DestinationItemID  string       `json:"destination_item_id"`
	Allocations        []Allocation `json:"allocations"`
	DestinationBatches []Batch      `json:"destination_batches"`
}

// Transfer draws FEFO at the source and mints one destination batch per source batch.
// Each destination batch inherits expiry, manufacturing date and unit cost from its source.
// 移動元からFEFOで引当て、移動元バッチごとに移動先バッチを作成（期限・原価を継承）
func (m *Manager) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := ValidateSKU(req.SKU); err != nil {
		return nil, err
	}
	if err := ValidateID("from_location_id", req.FromLocationID); err != nil {
		return nil, err
	}
	if err := ValidateID("to_location_id", req.ToLocationID); err != nil {
		return nil, err
	}
	if req.FromLocationID == req.ToLocationID {
		return nil, NewValidationError("location", "移動元と移動先が同じです", req.FromLocationID+" -> "+req.ToLocationID)
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	if err := ValidateReference(req.Reference); err != nil {
		return nil, err
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	var result *TransferResult
	err := m.update(ctx, "transfer", func(tx StorageTx, out *outbox) error {
		source, err := tx.FindItem(ctx, req.SKU, req.FromLocationID)
		if err != nil {
			return wrapStorage("find_item", "移動元商品の取得に失敗しました", err)
		}
		dest, err := tx.FindItem(ctx, req.SKU, req.ToLocationID)
		if err != nil {
			return wrapStorage("find_item", "移動先商品の取得に失敗しました", err)
		}

		// デッドロック回避のためID昇順でロック
		if err := tx.LockItems(ctx, source.ID, dest.ID); err != nil {
			return wrapStorage("lock_items", "商品ロックに失敗しました", err)
		}
		if source, err = tx.GetItem(ctx, source.ID); err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		if dest, err = tx.GetItem(ctx, dest.ID); err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		if err := requireActiveItem(source); err != nil {
			return err
		}
		if err := requireActiveItem(dest); err != nil {
			return err
		}
		sourceBefore := source.AuditFields()
		destBefore := dest.AuditFields()

		debits, err := m.allocateFEFO(ctx, tx, source, req.Quantity, m.today())
		if err != nil {
			return err
		}

		now := m.now()
		today := m.today()
		reference := req.Reference
		if reference == "" {
			reference = NewDocumentNumber("TR", now)
		}

		result = &TransferResult{SourceItemID: source.ID, DestinationItemID: dest.ID}
		entries := make([]*LedgerEntry, 0, 2*len(debits))
		changes := debitChanges(debits)
		destOnHand := dest.OnHand
		for _, d := range debits {
			result.Allocations = append(result.Allocations, d.allocation())
			entries = append(entries, newLedgerEntry(source.ID, strPtr(d.batch.ID), TransactionTypeTransfer,
				d.quantity.Neg(), d.batch.UnitCost, reference, req.Notes, req.ActorID, now))

			minted := &Batch{
				BatchNumber:       d.batch.BatchNumber + "-TR" + shortCode(),
				ItemID:            dest.ID,
				UnitCost:          d.batch.UnitCost,
				ManufacturingDate: d.batch.ManufacturingDate,
				ExpiryDate:        d.batch.ExpiryDate,
				ReceivedDate:      today,
				Status:            d.batch.Status,
				SourceBatchID:     strPtr(d.batch.ID),
				PurchaseOrderID:   d.batch.PurchaseOrderID,
			}
			minted.Status = DeriveStatus(minted, today, m.config.ExpiringThresholdDays)
			if err := m.registry.Create(ctx, tx, minted, d.quantity); err != nil {
				return err
			}
			entries = append(entries, newLedgerEntry(dest.ID, strPtr(minted.ID), TransactionTypeTransfer,
				d.quantity, minted.UnitCost, reference, req.Notes, req.ActorID, now))

			dest.AverageCost = WeightedAverageCost(destOnHand, dest.AverageCost, d.quantity, minted.UnitCost)
			destOnHand = destOnHand.Add(d.quantity)
			changes.Set("batch."+minted.BatchNumber+".quantity_remaining", "", minted.QuantityRemaining.String())
			result.DestinationBatches = append(result.DestinationBatches, *minted)
		}
		if err := m.appendLedger(ctx, tx, out, entries...); err != nil {
			return err
		}

		if err := m.applyOnHand(ctx, tx, source, req.Quantity.Neg(), TransactionTypeTransfer, reference, req.ActorID, out); err != nil {
			return err
		}
		if err := m.applyOnHand(ctx, tx, dest, req.Quantity, TransactionTypeTransfer, reference, req.ActorID, out); err != nil {
			return err
		}

		changes.Merge("", Diff(sourceBefore, source.AuditFields()))
		changes.Merge("item."+dest.ID, Diff(destBefore, dest.AuditFields()))
		_, err = m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionUpdate,
			Subject: source,
			Changes: changes,
			Notes:   joinNotes("移動先: "+dest.LocationID, req.Notes),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("在庫移動完了",
		zap.String("sku", req.SKU),
		zap.String("from_location", req.FromLocationID),
		zap.String("to_location", req.ToLocationID),
		zap.String("quantity", req.Quantity.String()),
		zap.Int("batches", len(result.DestinationBatches)),
	)
	return result, nil
}
