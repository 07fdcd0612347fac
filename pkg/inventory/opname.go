package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateOpnameRequest opens a physical count session at a location
// 棚卸作成リクエスト
type CreateOpnameRequest struct {
	LocationID string `json:"location_id"`
	Notes      string `json:"notes"`
	ActorID    string `json:"actor_id"`
}

// RecordCountRequest records the counted quantity of one item
// 品目ごとの実数記録リクエスト
type RecordCountRequest struct {
	OpnameID        string          `json:"opname_id"`
	ItemID          string          `json:"item_id"`
	CountedQuantity decimal.Decimal `json:"counted_quantity"`
	ActorID         string          `json:"actor_id"`
}

// OpnameSummary reports the totals of a count session.
// Totals are final once the session is COMPLETED and a preview before that.
// 棚卸サマリー（完了後は確定値、それ以前は見込み値）
type OpnameSummary struct {
	OpnameID              string          `json:"opname_id"`
	Number                string          `json:"number"`
	LocationID            string          `json:"location_id"`
	Status                OpnameStatus    `json:"status"`
	TotalItemsCounted     int             `json:"total_items_counted"`
	TotalDiscrepancies    int             `json:"total_discrepancies"`
	TotalDiscrepancyValue decimal.Decimal `json:"total_discrepancy_value"`
	Final                 bool            `json:"final"`
	Lines                 []OpnameLine    `json:"lines"`
}

// CreateOpname creates a DRAFT count session
// 下書き状態の棚卸を作成
func (m *Manager) CreateOpname(ctx context.Context, req CreateOpnameRequest) (*StockOpname, error) {
	if err := ValidateID("location_id", req.LocationID); err != nil {
		return nil, err
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	var opname *StockOpname
	err := m.update(ctx, "create_opname", func(tx StorageTx, _ *outbox) error {
		if _, err := tx.GetLocation(ctx, req.LocationID); err != nil {
			return wrapStorage("get_location", "ロケーション取得に失敗しました", err)
		}
		now := m.now()
		opname = &StockOpname{
			ID:                    NewID(),
			Number:                NewDocumentNumber("SO", now),
			LocationID:            req.LocationID,
			Status:                OpnameStatusDraft,
			Notes:                 req.Notes,
			TotalDiscrepancyValue: decimal.Zero,
			CreatedBy:             req.ActorID,
			CreatedAt:             now,
			UpdatedAt:             now,
			Version:               1,
		}
		if err := tx.CreateOpname(ctx, opname); err != nil {
			return wrapStorage("create_opname", "棚卸作成に失敗しました", err)
		}
		_, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionCreate,
			Subject: opname,
			Changes: Diff(nil, opname.AuditFields()),
			Notes:   req.Notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("棚卸作成完了", zap.String("opname_id", opname.ID), zap.String("number", opname.Number))
	return opname, nil
}

// StartOpname moves a DRAFT session to IN_PROGRESS
// 棚卸を開始
func (m *Manager) StartOpname(ctx context.Context, opnameID, actorID string) (*StockOpname, error) {
	if err := ValidateActorID(actorID); err != nil {
		return nil, err
	}

	var result *StockOpname
	err := m.update(ctx, "start_opname", func(tx StorageTx, _ *outbox) error {
		opname, err := tx.GetOpname(ctx, opnameID)
		if err != nil {
			return wrapStorage("get_opname", "棚卸取得に失敗しました", err)
		}
		before := opname.AuditFields()
		if err := transitionOpname(opname, OpnameStatusInProgress); err != nil {
			return err
		}
		now := m.now()
		opname.StartedAt = &now
		opname.UpdatedAt = now
		if err := tx.UpdateOpname(ctx, opname); err != nil {
			return wrapStorage("update_opname", "棚卸更新に失敗しました", err)
		}
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: actorID,
			Action:  AuditActionUpdate,
			Subject: opname,
			Changes: Diff(before, opname.AuditFields()),
		}); err != nil {
			return err
		}
		result = opname
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordCount stores the counted quantity of an item and captures the system quantity at that moment.
// Counting the same item again overwrites the previous line.
// 実数を記録し、その時点の帳簿数量を保存（同じ品目の再記録は上書き）
func (m *Manager) RecordCount(ctx context.Context, req RecordCountRequest) (*OpnameLine, error) {
	if err := ValidateID("item_id", req.ItemID); err != nil {
		return nil, err
	}
	if err := ValidateCountedQuantity(req.CountedQuantity); err != nil {
		return nil, err
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}

	var line *OpnameLine
	err := m.update(ctx, "record_count", func(tx StorageTx, _ *outbox) error {
		opname, err := tx.GetOpname(ctx, req.OpnameID)
		if err != nil {
			return wrapStorage("get_opname", "棚卸取得に失敗しました", err)
		}
		if opname.Status != OpnameStatusInProgress {
			return NewInvalidStateError(EntityOpname, opname.ID, string(opname.Status), string(OpnameStatusInProgress))
		}
		item, err := tx.GetItem(ctx, req.ItemID)
		if err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		if item.LocationID != opname.LocationID {
			return NewBusinessRuleError("location_mismatch", "商品の所属ロケーションが棚卸と一致しません",
				fmt.Sprintf("商品ID: %s, ロケーション: %s", item.ID, item.LocationID))
		}

		var previous map[string]string
		if existing, ok := opname.Line(item.ID); ok {
			previous = existing.auditFields()
		}

		now := m.now()
		discrepancy := req.CountedQuantity.Sub(item.OnHand)
		line = &OpnameLine{
			OpnameID:         opname.ID,
			ItemID:           item.ID,
			SystemQuantity:   item.OnHand,
			CountedQuantity:  req.CountedQuantity,
			Discrepancy:      discrepancy,
			DiscrepancyValue: discrepancy.Mul(item.AverageCost),
			CountedAt:        now,
			CountedBy:        req.ActorID,
		}
		if err := tx.SaveOpnameLine(ctx, line); err != nil {
			return wrapStorage("save_opname_line", "棚卸行の保存に失敗しました", err)
		}

		opname.UpdatedAt = now
		if err := tx.UpdateOpname(ctx, opname); err != nil {
			return wrapStorage("update_opname", "棚卸更新に失敗しました", err)
		}

		changes := Changes{}
		changes.Merge("line."+item.ID, Diff(previous, line.auditFields()))
		_, err = m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionCount,
			Subject: opname,
			Changes: changes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("棚卸実数記録完了",
		zap.String("opname_id", req.OpnameID),
		zap.String("item_id", req.ItemID),
		zap.String("counted", line.CountedQuantity.String()),
		zap.String("system", line.SystemQuantity.String()),
	)
	return line, nil
}

// CompleteOpname posts one ADJUST entry per item whose count differs from the system quantity.
// Surpluses credit the item's adjustment batch; shortages debit its batches in FEFO order.
// 差異のある品目ごとにADJUSTを1件記録して棚卸を完了（過剰は調整用バッチへ加算、不足はFEFO順に引落し）
func (m *Manager) CompleteOpname(ctx context.Context, opnameID, actorID string) (*StockOpname, error) {
	if err := ValidateActorID(actorID); err != nil {
		return nil, err
	}

	var result *StockOpname
	err := m.update(ctx, "complete_opname", func(tx StorageTx, out *outbox) error {
		opname, err := tx.GetOpname(ctx, opnameID)
		if err != nil {
			return wrapStorage("get_opname", "棚卸取得に失敗しました", err)
		}
		before := opname.AuditFields()
		if err := transitionOpname(opname, OpnameStatusCompleted); err != nil {
			return err
		}

		itemIDs := make([]string, 0, len(opname.Lines))
		for _, l := range opname.Lines {
			itemIDs = append(itemIDs, l.ItemID)
		}
		sort.Strings(itemIDs)
		if len(itemIDs) > 0 {
			if err := tx.LockItems(ctx, itemIDs...); err != nil {
				return wrapStorage("lock_items", "商品ロックに失敗しました", err)
			}
		}

		now := m.now()
		changes := Changes{}
		opname.TotalItemsCounted = len(opname.Lines)
		opname.TotalDiscrepancies = 0
		opname.TotalDiscrepancyValue = decimal.Zero

		for i := range opname.Lines {
			line := &opname.Lines[i]
			item, err := tx.GetItem(ctx, line.ItemID)
			if err != nil {
				return wrapStorage("get_item", "商品取得に失敗しました", err)
			}
			delta := line.CountedQuantity.Sub(line.SystemQuantity)
			line.Discrepancy = delta
			line.DiscrepancyValue = delta.Mul(item.AverageCost)
			if err := tx.SaveOpnameLine(ctx, line); err != nil {
				return wrapStorage("save_opname_line", "棚卸行の保存に失敗しました", err)
			}
			if delta.IsZero() {
				continue
			}

			opname.TotalDiscrepancies++
			opname.TotalDiscrepancyValue = opname.TotalDiscrepancyValue.Add(line.DiscrepancyValue)

			itemBefore := item.AuditFields()
			batchChanges, err := m.postAdjustment(ctx, tx, out, opname, item, delta, actorID)
			if err != nil {
				return err
			}
			changes.Merge("", batchChanges)
			changes.Merge("item."+item.ID, Diff(itemBefore, item.AuditFields()))
		}

		opname.CompletedAt = &now
		opname.CompletedBy = actorID
		opname.UpdatedAt = now
		if err := tx.UpdateOpname(ctx, opname); err != nil {
			return wrapStorage("update_opname", "棚卸更新に失敗しました", err)
		}

		changes.Merge("", Diff(before, opname.AuditFields()))
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: actorID,
			Action:  AuditActionComplete,
			Subject: opname,
			Changes: changes,
		}); err != nil {
			return err
		}
		result = opname
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("棚卸完了",
		zap.String("opname_id", result.ID),
		zap.Int("items_counted", result.TotalItemsCounted),
		zap.Int("discrepancies", result.TotalDiscrepancies),
		zap.String("discrepancy_value", result.TotalDiscrepancyValue.String()),
	)
	return result, nil
}

// postAdjustment writes the stock side of one opname discrepancy.
// The item must be locked by the caller.
// 棚卸差異1件分の在庫調整を記録（呼び出し側でロック済みであること）
func (m *Manager) postAdjustment(ctx context.Context, tx StorageTx, out *outbox, opname *StockOpname, item *Item, delta decimal.Decimal, actorID string) (Changes, error) {
	now := m.now()
	notes := "棚卸調整 " + opname.Number

	if delta.IsPositive() {
		carrier, created, err := m.adjustmentCarrier(ctx, tx, item, delta)
		if err != nil {
			return nil, err
		}
		changes := Changes{}
		if created {
			changes.Set("batch."+carrier.BatchNumber+".quantity_remaining", "", carrier.QuantityRemaining.String())
		} else {
			before := carrier.QuantityRemaining
			if err := m.registry.Credit(ctx, tx, carrier, delta); err != nil {
				return nil, err
			}
			changes.Set("batch."+carrier.BatchNumber+".quantity_remaining", before.String(), carrier.QuantityRemaining.String())
		}

		entry := newLedgerEntry(item.ID, strPtr(carrier.ID), TransactionTypeAdjust,
			delta, carrier.UnitCost, opname.Number, notes, actorID, now)
		if err := m.appendLedger(ctx, tx, out, entry); err != nil {
			return nil, err
		}
		if err := m.applyOnHand(ctx, tx, item, delta, TransactionTypeAdjust, opname.Number, actorID, out); err != nil {
			return nil, err
		}
		return changes, nil
	}

	shortage := delta.Neg()
	batches, err := m.registry.ListStockedBatchesForItem(ctx, tx, item.ID)
	if err != nil {
		return nil, err
	}
	available := decimal.Zero
	for _, b := range batches {
		available = available.Add(b.QuantityRemaining)
	}
	if available.LessThan(shortage) {
		return nil, &RecountRequiredError{OpnameID: opname.ID, ItemID: item.ID, Shortage: shortage, Available: available}
	}

	changes := Changes{}
	remaining := shortage
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
		changes.Set("batch."+b.BatchNumber+".quantity_remaining", before.String(), b.QuantityRemaining.String())
		remaining = remaining.Sub(take)
	}

	entry := newLedgerEntry(item.ID, nil, TransactionTypeAdjust,
		delta, item.AverageCost, opname.Number, notes, actorID, now)
	if err := m.appendLedger(ctx, tx, out, entry); err != nil {
		return nil, err
	}
	if err := m.applyOnHand(ctx, tx, item, delta, TransactionTypeAdjust, opname.Number, actorID, out); err != nil {
		return nil, err
	}
	return changes, nil
}

// adjustmentCarrier returns the open adjustment batch of an item, creating it with quantity when missing
// 商品の調整用バッチを返す（無ければ数量付きで作成）
func (m *Manager) adjustmentCarrier(ctx context.Context, tx StorageTx, item *Item, quantity decimal.Decimal) (*Batch, bool, error) {
	batches, err := tx.ListBatchesByItem(ctx, item.ID)
	if err != nil {
		return nil, false, wrapStorage("list_batches_by_item", "バッチ一覧取得に失敗しました", err)
	}
	for i := range batches {
		if batches[i].IsAdjustment && batches[i].Status != BatchStatusDisposed {
			return &batches[i], false, nil
		}
	}

	today := m.today()
	carrier := &Batch{
		BatchNumber:  NewBatchNumber("ADJ-"+item.SKU, today),
		ItemID:       item.ID,
		UnitCost:     item.AverageCost,
		ReceivedDate: today,
		Status:       BatchStatusActive,
		IsAdjustment: true,
	}
	if err := m.registry.Create(ctx, tx, carrier, quantity); err != nil {
		return nil, false, err
	}
	return carrier, true, nil
}

// CancelOpname cancels a session that has not been completed; no stock is touched
// 未完了の棚卸を取消（在庫は変更しない）
func (m *Manager) CancelOpname(ctx context.Context, opnameID, actorID, notes string) (*StockOpname, error) {
	if err := ValidateActorID(actorID); err != nil {
		return nil, err
	}

	var result *StockOpname
	err := m.update(ctx, "cancel_opname", func(tx StorageTx, _ *outbox) error {
		opname, err := tx.GetOpname(ctx, opnameID)
		if err != nil {
			return wrapStorage("get_opname", "棚卸取得に失敗しました", err)
		}
		before := opname.AuditFields()
		if err := transitionOpname(opname, OpnameStatusCancelled); err != nil {
			return err
		}
		now := m.now()
		opname.CancelledAt = &now
		opname.CancelledBy = actorID
		if notes != "" {
			opname.Notes = notes
		}
		opname.UpdatedAt = now
		if err := tx.UpdateOpname(ctx, opname); err != nil {
			return wrapStorage("update_opname", "棚卸更新に失敗しました", err)
		}
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: actorID,
			Action:  AuditActionCancel,
			Subject: opname,
			Changes: Diff(before, opname.AuditFields()),
			Notes:   notes,
		}); err != nil {
			return err
		}
		result = opname
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOpnameSummary returns the totals of a count session
// 棚卸サマリーを取得
func (m *Manager) GetOpnameSummary(ctx context.Context, opnameID string) (*OpnameSummary, error) {
	var opname *StockOpname
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		opname, err = tx.GetOpname(ctx, opnameID)
		return wrapStorage("get_opname", "棚卸取得に失敗しました", err)
	})
	if err != nil {
		return nil, err
	}

	summary := &OpnameSummary{
		OpnameID:   opname.ID,
		Number:     opname.Number,
		LocationID: opname.LocationID,
		Status:     opname.Status,
		Lines:      opname.Lines,
		Final:      opname.Status == OpnameStatusCompleted,
	}
	if summary.Final {
		summary.TotalItemsCounted = opname.TotalItemsCounted
		summary.TotalDiscrepancies = opname.TotalDiscrepancies
		summary.TotalDiscrepancyValue = opname.TotalDiscrepancyValue
		return summary, nil
	}

	summary.TotalItemsCounted = len(opname.Lines)
	summary.TotalDiscrepancyValue = decimal.Zero
	for _, l := range opname.Lines {
		if !l.Discrepancy.IsZero() {
			summary.TotalDiscrepancies++
			summary.TotalDiscrepancyValue = summary.TotalDiscrepancyValue.Add(l.DiscrepancyValue)
		}
	}
	return summary, nil
}
