package inventory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CompareFEFO orders batches first-expired-first-out.
// Expiry ascending with undated batches last, then received date, then batch number.
// FEFO順の比較（期限昇順・期限なしは最後、次に入荷日、バッチ番号）
func CompareFEFO(a, b *Batch) int {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return 1
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return -1
	case a.ExpiryDate != nil && b.ExpiryDate != nil:
		if c := a.ExpiryDate.Compare(*b.ExpiryDate); c != 0 {
			return c
		}
	}
	if c := a.ReceivedDate.Compare(b.ReceivedDate); c != 0 {
		return c
	}
	return strings.Compare(a.BatchNumber, b.BatchNumber)
}

// SortFEFO sorts batches in place in FEFO order
func SortFEFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return CompareFEFO(&batches[i], &batches[j]) < 0
	})
}

// BatchRegistry owns reads and quantity changes of batches inside a transaction
// トランザクション内でバッチの参照と数量変更を担う
type BatchRegistry struct {
	clock Clock
}

// NewBatchRegistry creates a new batch registry
// 新しいバッチ台帳を作成
func NewBatchRegistry(clock Clock) *BatchRegistry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &BatchRegistry{clock: clock}
}

// Get returns one batch
func (r *BatchRegistry) Get(ctx context.Context, tx StorageTx, batchID string) (*Batch, error) {
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return nil, wrapStorage("get_batch", "バッチ取得に失敗しました", err)
	}
	return batch, nil
}

// ListActiveBatchesForItem returns the consumable batches of an item in FEFO order.
// A batch is consumable when its effective status on today is ACTIVE or EXPIRING and it has stock left.
// 消費可能なバッチをFEFO順で返す
func (r *BatchRegistry) ListActiveBatchesForItem(ctx context.Context, tx StorageTx, itemID string, today time.Time) ([]Batch, error) {
	all, err := tx.ListBatchesByItem(ctx, itemID)
	if err != nil {
		return nil, wrapStorage("list_batches_by_item", "バッチ一覧取得に失敗しました", err)
	}

	active := make([]Batch, 0, len(all))
	for _, b := range all {
		if !b.QuantityRemaining.IsPositive() {
			continue
		}
		if b.Status == BatchStatusExpired || b.Status == BatchStatusDisposed || b.IsExpiredOn(today) {
			continue
		}
		active = append(active, b)
	}
	SortFEFO(active)
	return active, nil
}

// ListStockedBatchesForItem returns every non-disposed batch with stock left in FEFO order, expired ones included
// 廃棄済み以外の残数量があるバッチをFEFO順で返す（期限切れを含む）
func (r *BatchRegistry) ListStockedBatchesForItem(ctx context.Context, tx StorageTx, itemID string) ([]Batch, error) {
	all, err := tx.ListBatchesByItem(ctx, itemID)
	if err != nil {
		return nil, wrapStorage("list_batches_by_item", "バッチ一覧取得に失敗しました", err)
	}

	stocked := make([]Batch, 0, len(all))
	for _, b := range all {
		if b.Status != BatchStatusDisposed && b.QuantityRemaining.IsPositive() {
			stocked = append(stocked, b)
		}
	}
	SortFEFO(stocked)
	return stocked, nil
}

// Create stores a new batch holding quantity
// 新しいバッチを作成
func (r *BatchRegistry) Create(ctx context.Context, tx StorageTx, batch *Batch, quantity decimal.Decimal) error {
	now := r.clock.Now().UTC()
	if batch.ID == "" {
		batch.ID = NewID()
	}
	if batch.Status == "" {
		batch.Status = BatchStatusActive
	}
	batch.OriginalQuantity = quantity
	batch.QuantityRemaining = quantity
	batch.Version = 1
	batch.CreatedAt = now
	batch.UpdatedAt = now

	if err := tx.CreateBatch(ctx, batch); err != nil {
		return wrapStorage("create_batch", "バッチ作成に失敗しました", err)
	}
	return nil
}

// Credit adds quantity to an existing batch; original and remaining grow together
// 既存バッチに数量を加算
func (r *BatchRegistry) Credit(ctx context.Context, tx StorageTx, batch *Batch, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError("quantity", "加算数量は正の値である必要があります", quantity.String())
	}
	if batch.Status == BatchStatusDisposed {
		return NewInvalidStateError(EntityBatch, batch.ID, string(batch.Status), string(batch.Status))
	}

	batch.OriginalQuantity = batch.OriginalQuantity.Add(quantity)
	batch.QuantityRemaining = batch.QuantityRemaining.Add(quantity)
	batch.UpdatedAt = r.clock.Now().UTC()
	if err := tx.UpdateBatch(ctx, batch); err != nil {
		return wrapStorage("update_batch", "バッチ更新に失敗しました", err)
	}
	return nil
}

// Debit removes quantity from a batch and fails when it exceeds the remainder
// バッチから数量を引き落とす（残数量を超える場合はエラー）
func (r *BatchRegistry) Debit(ctx context.Context, tx StorageTx, batch *Batch, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError("quantity", "引落数量は正の値である必要があります", quantity.String())
	}
	if quantity.GreaterThan(batch.QuantityRemaining) {
		return &InsufficientBatchQuantityError{
			BatchID:     batch.ID,
			BatchNumber: batch.BatchNumber,
			Requested:   quantity,
			Remaining:   batch.QuantityRemaining,
		}
	}

	batch.QuantityRemaining = batch.QuantityRemaining.Sub(quantity)
	batch.UpdatedAt = r.clock.Now().UTC()
	if err := tx.UpdateBatch(ctx, batch); err != nil {
		return wrapStorage("update_batch", "バッチ更新に失敗しました", err)
	}
	return nil
}
