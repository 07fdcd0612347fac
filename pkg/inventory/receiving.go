package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreatePurchaseOrderRequest describes a new purchase order
// 発注書作成リクエスト
type CreatePurchaseOrderRequest struct {
	Supplier   string                  `json:"supplier"`
	LocationID string                  `json:"location_id"`
	Notes      string                  `json:"notes"`
	Lines      []PurchaseOrderLineSpec `json:"lines"`
	ActorID    string                  `json:"actor_id"`
}

// PurchaseOrderLineSpec is one requested line
type PurchaseOrderLineSpec struct {
	ItemID    string          `json:"item_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ReceiptDetails carries what is only known at the physical receiving step
// 入荷時点で確定する情報（賞味期限など）
type ReceiptDetails struct {
	ExpiryDate        *time.Time `json:"expiry_date"`
	ManufacturingDate *time.Time `json:"manufacturing_date"`
	BatchNumber       string     `json:"batch_number"`
}

// ReceiveRequest receives every line of a purchase order.
// Lines maps a purchase order line id to its receipt details.
// 入荷リクエスト（明細IDごとの入荷情報）
type ReceiveRequest struct {
	PurchaseOrderID string                    `json:"purchase_order_id"`
	ActorID         string                    `json:"actor_id"`
	Lines           map[string]ReceiptDetails `json:"lines"`
}

// WeightedAverageCost re-weights an average cost with an incoming quantity
// 入荷数量で平均原価を再計算
func WeightedAverageCost(onHand, averageCost, quantity, unitCost decimal.Decimal) decimal.Decimal {
	total := onHand.Add(quantity)
	if !total.IsPositive() {
		return unitCost
	}
	if onHand.IsNegative() {
		onHand = decimal.Zero
	}
	value := onHand.Mul(averageCost).Add(quantity.Mul(unitCost))
	return value.DivRound(onHand.Add(quantity), 4)
}

// CreatePurchaseOrder creates a DRAFT purchase order
// 下書き状態の発注書を作成
func (m *Manager) CreatePurchaseOrder(ctx context.Context, req CreatePurchaseOrderRequest) (*PurchaseOrder, error) {
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}
	if err := ValidateID("location_id", req.LocationID); err != nil {
		return nil, err
	}
	if len(req.Lines) == 0 {
		return nil, NewValidationError("lines", "発注明細がありません", "0")
	}
	for i, line := range req.Lines {
		if err := ValidateID("item_id", line.ItemID); err != nil {
			return nil, err
		}
		if err := ValidateQuantity(line.Quantity); err != nil {
			return nil, err
		}
		if line.UnitPrice.IsNegative() {
			return nil, NewValidationError("unit_price", fmt.Sprintf("明細%dの単価は0以上である必要があります", i+1), line.UnitPrice.String())
		}
	}

	var po *PurchaseOrder
	err := m.update(ctx, "create_purchase_order", func(tx StorageTx, _ *outbox) error {
		if _, err := tx.GetLocation(ctx, req.LocationID); err != nil {
			return wrapStorage("get_location", "ロケーション取得に失敗しました", err)
		}

		now := m.now()
		po = &PurchaseOrder{
			ID:         NewID(),
			Number:     NewDocumentNumber("PO", now),
			Supplier:   req.Supplier,
			LocationID: req.LocationID,
			Status:     POStatusDraft,
			Notes:      req.Notes,
			CreatedBy:  req.ActorID,
			CreatedAt:  now,
			UpdatedAt:  now,
			Version:    1,
		}
		for i, line := range req.Lines {
			item, err := tx.GetItem(ctx, line.ItemID)
			if err != nil {
				return wrapStorage("get_item", "商品取得に失敗しました", err)
			}
			if err := requireActiveItem(item); err != nil {
				return err
			}
			if item.LocationID != req.LocationID {
				return NewBusinessRuleError("location_mismatch", "商品の所属ロケーションが発注書と一致しません",
					fmt.Sprintf("商品ID: %s, ロケーション: %s", item.ID, item.LocationID))
			}
			po.Items = append(po.Items, PurchaseOrderItem{
				ID:              NewID(),
				PurchaseOrderID: po.ID,
				LineNo:          i + 1,
				ItemID:          line.ItemID,
				Quantity:        line.Quantity,
				UnitPrice:       line.UnitPrice,
			})
		}

		if err := tx.CreatePurchaseOrder(ctx, po); err != nil {
			return wrapStorage("create_purchase_order", "発注書作成に失敗しました", err)
		}
		_, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionCreate,
			Subject: po,
			Changes: Diff(nil, po.AuditFields()),
			Notes:   req.Notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("発注書作成完了",
		zap.String("purchase_order_id", po.ID),
		zap.String("number", po.Number),
		zap.Int("lines", len(po.Items)),
	)
	return po, nil
}

// SubmitPurchaseOrder moves a DRAFT order to SUBMITTED
// 発注書を提出
func (m *Manager) SubmitPurchaseOrder(ctx context.Context, poID, actorID string) (*PurchaseOrder, error) {
	return m.movePurchaseOrder(ctx, "submit_purchase_order", poID, actorID, "", POStatusSubmitted, AuditActionUpdate,
		func(po *PurchaseOrder, now time.Time) {
			po.SubmittedAt = &now
		})
}

// ApprovePurchaseOrder moves a SUBMITTED order to APPROVED
// 発注書を承認
func (m *Manager) ApprovePurchaseOrder(ctx context.Context, poID, actorID string) (*PurchaseOrder, error) {
	return m.movePurchaseOrder(ctx, "approve_purchase_order", poID, actorID, "", POStatusApproved, AuditActionApprove,
		func(po *PurchaseOrder, now time.Time) {
			po.ApprovedAt = &now
			po.ApprovedBy = actorID
		})
}

// CancelPurchaseOrder cancels an order that has not been received
// 未入荷の発注書を取消
func (m *Manager) CancelPurchaseOrder(ctx context.Context, poID, actorID, notes string) (*PurchaseOrder, error) {
	return m.movePurchaseOrder(ctx, "cancel_purchase_order", poID, actorID, notes, POStatusCancelled, AuditActionCancel,
		func(po *PurchaseOrder, now time.Time) {
			po.CancelledAt = &now
			po.CancelledBy = actorID
		})
}

// movePurchaseOrder applies one status-only transition of a purchase order
func (m *Manager) movePurchaseOrder(ctx context.Context, op, poID, actorID, notes string, to POStatus, action AuditAction, stamp func(*PurchaseOrder, time.Time)) (*PurchaseOrder, error) {
	if err := ValidateActorID(actorID); err != nil {
		return nil, err
	}

	var result *PurchaseOrder
	err := m.update(ctx, op, func(tx StorageTx, _ *outbox) error {
		po, err := tx.GetPurchaseOrder(ctx, poID)
		if err != nil {
			return wrapStorage("get_purchase_order", "発注書取得に失敗しました", err)
		}
		before := po.AuditFields()
		if err := transitionPO(po, to); err != nil {
			return err
		}
		now := m.now()
		stamp(po, now)
		if notes != "" {
			po.Notes = notes
		}
		po.UpdatedAt = now
		if err := tx.UpdatePurchaseOrder(ctx, po); err != nil {
			return wrapStorage("update_purchase_order", "発注書更新に失敗しました", err)
		}
		if _, err := m.audit.Record(ctx, tx, AuditRecord{
			ActorID: actorID,
			Action:  action,
			Subject: po,
			Changes: Diff(before, po.AuditFields()),
			Notes:   notes,
		}); err != nil {
			return err
		}
		result = po
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("発注書状態変更完了",
		zap.String("purchase_order_id", poID),
		zap.String("status", string(to)),
		zap.String("actor_id", actorID),
	)
	return result, nil
}

// GetPurchaseOrder gets a purchase order with its lines
// 発注書を明細付きで取得
func (m *Manager) GetPurchaseOrder(ctx context.Context, poID string) (*PurchaseOrder, error) {
	var po *PurchaseOrder
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		po, err = tx.GetPurchaseOrder(ctx, poID)
		return wrapStorage("get_purchase_order", "発注書取得に失敗しました", err)
	})
	return po, err
}

// Receive turns every line of a purchase order into a new batch.
// Each batch gets one IN ledger entry and the item's average cost is re-weighted.
// 発注明細ごとに新しいバッチを作成して入荷
func (m *Manager) Receive(ctx context.Context, req ReceiveRequest) ([]Batch, error) {
	if err := ValidateID("purchase_order_id", req.PurchaseOrderID); err != nil {
		return nil, err
	}
	if err := ValidateActorID(req.ActorID); err != nil {
		return nil, err
	}
	for lineID, details := range req.Lines {
		if details.BatchNumber != "" {
			if err := ValidateBatchNumber(details.BatchNumber); err != nil {
				return nil, err
			}
		}
		if details.ExpiryDate != nil && details.ManufacturingDate != nil && details.ExpiryDate.Before(*details.ManufacturingDate) {
			return nil, NewValidationError("expiry_date", "賞味期限が製造日より前です", lineID)
		}
	}

	var received []Batch
	err := m.update(ctx, "receive", func(tx StorageTx, out *outbox) error {
		po, err := tx.GetPurchaseOrder(ctx, req.PurchaseOrderID)
		if err != nil {
			return wrapStorage("get_purchase_order", "発注書取得に失敗しました", err)
		}
		if m.config.RequirePOApproval && po.Status == POStatusSubmitted {
			return NewInvalidStateError(EntityPurchaseOrder, po.ID, string(po.Status), string(POStatusReceived))
		}
		poBefore := po.AuditFields()
		if err := transitionPO(po, POStatusReceived); err != nil {
			return err
		}
		lineIDs := make(map[string]bool, len(po.Items))
		for _, line := range po.Items {
			lineIDs[line.ID] = true
		}
		for lineID := range req.Lines {
			if !lineIDs[lineID] {
				return NewValidationError("lines", "発注書に存在しない明細IDです", lineID)
			}
		}

		itemIDs := make([]string, 0, len(po.Items))
		seen := map[string]bool{}
		for _, line := range po.Items {
			if !seen[line.ItemID] {
				seen[line.ItemID] = true
				itemIDs = append(itemIDs, line.ItemID)
			}
		}
		sort.Strings(itemIDs)
		if err := tx.LockItems(ctx, itemIDs...); err != nil {
			return wrapStorage("lock_items", "商品ロックに失敗しました", err)
		}

		items := make(map[string]*Item, len(itemIDs))
		itemsBefore := make(map[string]map[string]string, len(itemIDs))
		for _, id := range itemIDs {
			item, err := tx.GetItem(ctx, id)
			if err != nil {
				return wrapStorage("get_item", "商品取得に失敗しました", err)
			}
			if err := requireActiveItem(item); err != nil {
				return err
			}
			items[id] = item
			itemsBefore[id] = item.AuditFields()
		}

		now := m.now()
		today := m.today()
		changes := Changes{}
		received = make([]Batch, 0, len(po.Items))
		for i := range po.Items {
			line := &po.Items[i]
			item := items[line.ItemID]
			details := req.Lines[line.ID]

			if item.Perishable && details.ExpiryDate == nil {
				return NewValidationError("expiry_date", "要期限管理商品には賞味期限が必要です", fmt.Sprintf("明細: %s, SKU: %s", line.ID, item.SKU))
			}

			batchNumber := details.BatchNumber
			if batchNumber == "" {
				batchNumber = NewBatchNumber(item.SKU, today)
			}
			batch := &Batch{
				BatchNumber:       batchNumber,
				ItemID:            item.ID,
				UnitCost:          line.UnitPrice,
				ManufacturingDate: dateOnly(details.ManufacturingDate),
				ExpiryDate:        dateOnly(details.ExpiryDate),
				ReceivedDate:      today,
				Status:            BatchStatusActive,
				PurchaseOrderID:   strPtr(po.ID),
			}
			batch.Status = DeriveStatus(batch, today, m.config.ExpiringThresholdDays)
			if err := m.registry.Create(ctx, tx, batch, line.Quantity); err != nil {
				return err
			}
			line.BatchID = strPtr(batch.ID)

			entry := newLedgerEntry(item.ID, strPtr(batch.ID), TransactionTypeIn,
				line.Quantity, line.UnitPrice, po.Number, "", req.ActorID, now)
			if err := m.appendLedger(ctx, tx, out, entry); err != nil {
				return err
			}

			item.AverageCost = WeightedAverageCost(item.OnHand, item.AverageCost, line.Quantity, line.UnitPrice)
			if err := m.applyOnHand(ctx, tx, item, line.Quantity, TransactionTypeIn, po.Number, req.ActorID, out); err != nil {
				return err
			}

			changes.Merge("batch."+batch.BatchNumber, Diff(nil, map[string]string{
				"item_id":           batch.ItemID,
				"original_quantity": batch.OriginalQuantity.String(),
				"unit_cost":         batch.UnitCost.String(),
				"expiry_date":       formatDate(batch.ExpiryDate),
				"status":            string(batch.Status),
			}))
			received = append(received, *batch)
		}

		po.ReceivedAt = &now
		po.ReceivedBy = req.ActorID
		po.UpdatedAt = now
		if err := tx.UpdatePurchaseOrder(ctx, po); err != nil {
			return wrapStorage("update_purchase_order", "発注書更新に失敗しました", err)
		}

		changes.Merge("", Diff(poBefore, po.AuditFields()))
		for _, id := range itemIDs {
			changes.Merge("item."+id, Diff(itemsBefore[id], items[id].AuditFields()))
		}
		_, err = m.audit.Record(ctx, tx, AuditRecord{
			ActorID: req.ActorID,
			Action:  AuditActionUpdate,
			Subject: po,
			Changes: changes,
			Notes:   "入荷",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("入荷完了",
		zap.String("purchase_order_id", req.PurchaseOrderID),
		zap.Int("batches", len(received)),
		zap.String("actor_id", req.ActorID),
	)
	return received, nil
}

// dateOnly truncates an optional timestamp to its calendar date
func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := DateOf(*t)
	return &d
}
