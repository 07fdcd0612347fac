package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConsumeRequest describes a FEFO draw from one item
// FEFO消費リクエスト
type ConsumeRequest struct {
	ItemID    string          `json:"item_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Type      TransactionType `json:"type"` // OUT / WASTE / BREAKAGE
	Reference string          `json:"reference"`
	Notes     string          `json:"notes"`
	ActorID   string          `json:"actor_id"`
}

// batchDebit is one batch touched by a FEFO allocation
type batchDebit struct {
	batch    Batch
	before   decimal.Decimal
	quantity decimal.Decimal
}

func (d batchDebit) allocation() Allocation {
	return Allocation{
		BatchID:     d.batch.ID,
		BatchNumber: d.batch.BatchNumber,
		Quantity:    d.quantity,
		UnitCost:    d.batch.UnitCost,
	}
}

// allocateFEFO debits quantity from the consumable batches of item in FEFO order.
// Nothing is written when the consumable stock is short.
// FEFO順に消費可能バッチから引き落とす（不足時は何も書き込まない）
func (m *Manager) allocateFEFO(ctx context.Context, tx StorageTx, item *Item, quantity decimal.Decimal, today time.Time) ([]batchDebit, error) {
	batches, err := m.registry.ListActiveBatchesForItem(ctx, tx, item.ID, today)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, b := range batches {
		available = available.Add(b.QuantityRemaining)
	}
	if available.LessThan(quantity) {
		return nil, &InsufficientStockError{ItemID: item.ID, Requested: quantity, Available: available}
	}

	remaining := quantity
	debits := make([]batchDebit, 0, len(batches))
	for i := range batches {
		if !remaining.IsPositive() {
			break
		}
		b := &batches[i]
		take := decimal.Min(remaining, b.QuantityRemaining)
		before := b.QuantityRemaining
		if err := m.registry.Debit(ctx, tx, b, take); err != nil {
			return nil, err
		}
		debits = append(debits, batchDebit{batch: *b, before: before, quantity: take})
		remaining = remaining.Sub(take)
	}
	return debits, nil
}

// debitChanges renders the per-batch remainder changes of an allocation
func debitChanges(debits []batchDebit) Changes {
	changes := Changes{}
	for _, d := range debits {
		changes.Set("batch."+d.batch.BatchNumber+".quantity_remaining", d.before.String(), d.batch.QuantityRemaining.String())
	}
	return changes
}

// Consume draws quantity from an item across its batches in FEFO order.
// Either the full quantity is consumed or nothing changes.
// FEFO順に在庫を消費（全量消費できない場合は何も変更しない）
func (m *Manager) Consume(ctx context.Context, req ConsumeRequest) ([]Allocation, error) {
	if req.Type == "" {
		req.Type = TransactionTypeOut
	}
	if err := ValidateID("item_id", req.ItemID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	if err := ValidateConsumptionType(req.Type); err != nil {
		return nil, err
	}
	if err := ValidateReference(req.Reference); err != nil {
		return nil, err
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	var allocations []Allocation
	err := m.update(ctx, "consume", func(tx StorageTx, out *outbox) error {
		item, err := m.lockAndGetItem(ctx, tx, req.ItemID)
		if err != nil {
			return err
		}
		if err := requireActiveItem(item); err != nil {
			return err
		}
		before := item.AuditFields()

		debits, err := m.allocateFEFO(ctx, tx, item, req.Quantity, m.today())
		if err != nil {
			return err
		}

		now := m.now()
		allocations = make([]Allocation, 0, len(debits))
		entries := make([]*LedgerEntry, 0, len(debits))
		for _, d := range debits {
			allocations = append(allocations, d.allocation())
			entries = append(entries, newLedgerEntry(item.ID, strPtr(d.batch.ID), req.Type,
				d.quantity.Neg(), d.batch.UnitCost, req.Reference, req.Notes, req.ActorID, now))
		}
		if err := m.appendLedger(ctx, tx, out, entries...); err != nil {
			return err
		}

		if err := m.applyOnHand(ctx, tx, item, req.Quantity.Neg(), req.Type, req.Reference, req.ActorID, out); err != nil {
			return err
		}

		changes := Diff(before, item.AuditFields())
		changes.Merge("", debitChanges(debits))
		_, err = m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionAdjust,
			Subject: item,
			Changes: changes,
			Notes:   joinNotes("区分: "+string(req.Type), req.Notes),
		})
		return err
	})
	if err != nil {
		m.logger.Warn("在庫消費に失敗しました",
			zap.String("item_id", req.ItemID),
			zap.String("quantity", req.Quantity.String()),
			zap.Error(err),
		)
		return nil, err
	}

	m.logger.Info("在庫消費完了",
		zap.String("item_id", req.ItemID),
		zap.String("quantity", req.Quantity.String()),
		zap.String("type", string(req.Type)),
		zap.Int("batches", len(allocations)),
		zap.String("reference", req.Reference),
	)
	return allocations, nil
}
