package inventory

import (
	"context"

	"go.uber.org/zap"
)

// DisposeRequest describes the removal of a whole batch
// バッチ廃棄リクエスト
type DisposeRequest struct {
	BatchID string         `json:"batch_id"`
	Method  DisposalMethod `json:"method"`
	Notes   string         `json:"notes"`
	ActorID string         `json:"actor_id"`
}

// Dispose writes off the full remainder of a batch and closes it.
// A batch with nothing left still moves to DISPOSED with a zero WASTE entry.
// バッチの残数量を全量廃棄して終了状態にする
func (m *Manager) Dispose(ctx context.Context, req DisposeRequest) (*LedgerEntry, error) {
	if err := ValidateID("batch_id", req.BatchID); err != nil {
		return nil, err
	}
	if err := ValidateDisposalMethod(req.Method); err != nil {
		return nil, err
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	var disposed *Batch
	err := m.update(ctx, "dispose", func(tx StorageTx, out *outbox) error {
		located, err := m.registry.Get(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}
		item, err := m.lockAndGetItem(ctx, tx, located.ItemID)
		if err != nil {
			return err
		}
		// ロック取得後に最新状態を再取得
		batch, err := m.registry.Get(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}

		itemBefore := item.AuditFields()
		batchBefore := batch.AuditFields()
		quantity := batch.QuantityRemaining

		if err := transitionBatch(batch, BatchStatusDisposed); err != nil {
			return err
		}
		now := m.now()
		batch.QuantityRemaining = batch.QuantityRemaining.Sub(quantity)
		batch.DisposalMethod = req.Method
		batch.DisposalNotes = req.Notes
		batch.DisposedAt = &now
		batch.DisposedBy = req.ActorID
		batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return wrapStorage("update_batch", "バッチ更新に失敗しました", err)
		}

		entry = newLedgerEntry(item.ID, strPtr(batch.ID), TransactionTypeWaste,
			quantity.Neg(), batch.UnitCost, batch.BatchNumber, req.Notes, req.ActorID, now)
		if err := m.appendLedger(ctx, tx, out, entry); err != nil {
			return err
		}

		if !quantity.IsZero() {
			if err := m.applyOnHand(ctx, tx, item, quantity.Neg(), TransactionTypeWaste, batch.BatchNumber, req.ActorID, out); err != nil {
				return err
			}
		}

		changes := Diff(batchBefore, batch.AuditFields())
		changes.Merge("item."+item.ID, Diff(itemBefore, item.AuditFields()))
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionUpdate,
			Subject: batch,
			Changes: changes,
			Notes:   req.Notes,
		}); err != nil {
			return err
		}
		disposed = batch
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("バッチ廃棄完了",
		zap.String("batch_id", disposed.ID),
		zap.String("batch_number", disposed.BatchNumber),
		zap.String("method", string(req.Method)),
		zap.String("quantity", entry.Quantity.Neg().String()),
	)
	return entry, nil
}
