package inventory

import (
	"context"

	"github.com/shopspring/decimal"
)

// BatchExpiryView is a batch joined with its item for expiry listings
// 期限一覧用のバッチ表示レコード
type BatchExpiryView struct {
	Batch           Batch       `json:"batch"`
	SKU             string      `json:"sku"`
	ItemName        string      `json:"item_name"`
	LocationID      string      `json:"location_id"`
	DaysUntilExpiry int         `json:"days_until_expiry"`
	EffectiveStatus BatchStatus `json:"effective_status"`
}

// ItemReconciliation compares the cached on-hand with the batches and the ledger
// 現在庫・バッチ残数量・台帳再計算の突合結果
type ItemReconciliation struct {
	ItemID      string          `json:"item_id"`
	OnHand      decimal.Decimal `json:"on_hand"`
	BatchTotal  decimal.Decimal `json:"batch_total"`
	LedgerTotal decimal.Decimal `json:"ledger_total"`
	Consistent  bool            `json:"consistent"`
}

// ListExpiringBatches lists stocked batches whose expiry falls within thresholdDays from today
// 本日から指定日数以内に期限を迎える在庫ありバッチの一覧
func (m *Manager) ListExpiringBatches(ctx context.Context, thresholdDays int) ([]BatchExpiryView, error) {
	if err := ValidateThresholdDays(thresholdDays); err != nil {
		return nil, err
	}
	return m.listByEffectiveStatus(ctx, thresholdDays, BatchStatusExpiring)
}

// ListExpiredBatches lists stocked batches past their expiry date
// 期限切れの在庫ありバッチの一覧
func (m *Manager) ListExpiredBatches(ctx context.Context) ([]BatchExpiryView, error) {
	return m.listByEffectiveStatus(ctx, m.config.ExpiringThresholdDays, BatchStatusExpired)
}

func (m *Manager) listByEffectiveStatus(ctx context.Context, thresholdDays int, want BatchStatus) ([]BatchExpiryView, error) {
	today := m.today()
	views := []BatchExpiryView{}

	err := m.view(ctx, func(tx StorageTx) error {
		tracked, err := tx.ListExpiryTrackedBatches(ctx)
		if err != nil {
			return wrapStorage("list_expiry_tracked_batches", "期限管理対象バッチ取得に失敗しました", err)
		}
		SortFEFO(tracked)

		items := map[string]*Item{}
		for i := range tracked {
			b := &tracked[i]
			if b.Status == BatchStatusDisposed || !b.QuantityRemaining.IsPositive() {
				continue
			}
			// 保存済みステータスではなく、呼び出し側の閾値で日数判定する
			days := DaysUntil(*b.ExpiryDate, today)
			switch want {
			case BatchStatusExpired:
				if days >= 0 {
					continue
				}
			default:
				if days < 0 || days > thresholdDays {
					continue
				}
			}
			item, ok := items[b.ItemID]
			if !ok {
				if item, err = tx.GetItem(ctx, b.ItemID); err != nil {
					return wrapStorage("get_item", "商品取得に失敗しました", err)
				}
				items[b.ItemID] = item
			}
			views = append(views, BatchExpiryView{
				Batch:           *b,
				SKU:             item.SKU,
				ItemName:        item.Name,
				LocationID:      item.LocationID,
				DaysUntilExpiry: days,
				EffectiveStatus: want,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// GetItemOnHand returns the cached on-hand quantity of an item
// 商品の現在庫を取得
func (m *Manager) GetItemOnHand(ctx context.Context, itemID string) (decimal.Decimal, error) {
	item, err := m.GetItem(ctx, itemID)
	if err != nil {
		return decimal.Zero, err
	}
	return item.OnHand, nil
}

// GetAuditTrail returns audit entries matching the filter, oldest first
// 条件に一致する監査ログを古い順に取得
func (m *Manager) GetAuditTrail(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, NewValidationError("date_range", "開始日時が終了日時より後になっています",
			filter.From.Format("2006-01-02T15:04:05Z07:00")+" > "+filter.To.Format("2006-01-02T15:04:05Z07:00"))
	}

	var entries []AuditLogEntry
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		entries, err = tx.ListAuditEntries(ctx, filter)
		return wrapStorage("list_audit_entries", "監査ログ取得に失敗しました", err)
	})
	return entries, err
}

// GetBatch gets a batch by ID
// IDでバッチを取得
func (m *Manager) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var batch *Batch
	err := m.view(ctx, func(tx StorageTx) error {
		var err error
		batch, err = m.registry.Get(ctx, tx, batchID)
		return err
	})
	return batch, err
}

// ListBatches lists every batch of an item in FEFO order, disposed ones included
// 商品の全バッチをFEFO順で取得
func (m *Manager) ListBatches(ctx context.Context, itemID string) ([]Batch, error) {
	var batches []Batch
	err := m.view(ctx, func(tx StorageTx) error {
		if _, err := tx.GetItem(ctx, itemID); err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		var err error
		batches, err = tx.ListBatchesByItem(ctx, itemID)
		return wrapStorage("list_batches_by_item", "バッチ一覧取得に失敗しました", err)
	})
	if err != nil {
		return nil, err
	}
	SortFEFO(batches)
	return batches, nil
}

// GetLedger returns the ledger of an item in recording order
// 商品の台帳を記録順で取得
func (m *Manager) GetLedger(ctx context.Context, itemID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := m.view(ctx, func(tx StorageTx) error {
		if _, err := tx.GetItem(ctx, itemID); err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		var err error
		entries, err = tx.ListLedgerEntries(ctx, itemID)
		return wrapStorage("list_ledger_entries", "台帳取得に失敗しました", err)
	})
	return entries, err
}

// ListBelowPar lists active items of a location whose on-hand is below their par level
// パーレベルを下回っている商品の一覧
func (m *Manager) ListBelowPar(ctx context.Context, locationID string) ([]Item, error) {
	items, err := m.ListItems(ctx, ItemFilter{LocationID: locationID})
	if err != nil {
		return nil, err
	}
	below := []Item{}
	for i := range items {
		if items[i].IsBelowPar() {
			below = append(below, items[i])
		}
	}
	return below, nil
}

// VerifyItem checks on-hand against the batch remainders and a ledger replay
// 現在庫をバッチ残数量と台帳再計算で検証
func (m *Manager) VerifyItem(ctx context.Context, itemID string) (*ItemReconciliation, error) {
	rec := &ItemReconciliation{ItemID: itemID}
	err := m.view(ctx, func(tx StorageTx) error {
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		rec.OnHand = item.OnHand

		batches, err := tx.ListBatchesByItem(ctx, itemID)
		if err != nil {
			return wrapStorage("list_batches_by_item", "バッチ一覧取得に失敗しました", err)
		}
		rec.BatchTotal = decimal.Zero
		for _, b := range batches {
			if b.Status != BatchStatusDisposed {
				rec.BatchTotal = rec.BatchTotal.Add(b.QuantityRemaining)
			}
		}

		entries, err := tx.ListLedgerEntries(ctx, itemID)
		if err != nil {
			return wrapStorage("list_ledger_entries", "台帳取得に失敗しました", err)
		}
		rec.LedgerTotal = ReplayOnHand(entries)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec.Consistent = rec.OnHand.Equal(rec.BatchTotal) && rec.OnHand.Equal(rec.LedgerTotal)
	return rec, nil
}
