package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ValuationMethod defines how stock is valued
// 在庫評価方法を定義
type ValuationMethod string

const (
	ValuationMethodBatch   ValuationMethod = "BATCH"   // バッチ単価 × 残数量
	ValuationMethodAverage ValuationMethod = "AVERAGE" // 平均原価 × 現在庫
)

// ItemValuation is the valuation of one item
// 商品ごとの在庫評価
type ItemValuation struct {
	ItemID     string          `json:"item_id"`
	SKU        string          `json:"sku"`
	Method     ValuationMethod `json:"method"`
	Quantity   decimal.Decimal `json:"quantity"`
	Value      decimal.Decimal `json:"value"`
	AtRisk     decimal.Decimal `json:"at_risk"` // 期限間近・期限切れバッチの評価額
	BatchCount int             `json:"batch_count"`
}

// LocationValuation is the valuation of every active item at a location
// ロケーションごとの在庫評価
type LocationValuation struct {
	LocationID string          `json:"location_id"`
	Method     ValuationMethod `json:"method"`
	Value      decimal.Decimal `json:"value"`
	AtRisk     decimal.Decimal `json:"at_risk"`
	Items      []ItemValuation `json:"items"`
}

// ValuationEngine values stock from batches or average cost
// バッチまたは平均原価から在庫を評価
type ValuationEngine struct {
	storage Storage
	logger  *zap.Logger
	clock   Clock
	config  *Config
}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(storage Storage, logger *zap.Logger, config *Config, clock Clock) *ValuationEngine {
	if config == nil {
		config = DefaultConfig()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValuationEngine{storage: storage, logger: logger, clock: clock, config: config}
}

// CalculateItemValue values one item with the given method
// 指定された方法で商品の在庫価値を計算
func (v *ValuationEngine) CalculateItemValue(ctx context.Context, itemID string, method ValuationMethod) (*ItemValuation, error) {
	if err := validateValuationMethod(method); err != nil {
		return nil, err
	}

	var result *ItemValuation
	err := v.storage.View(ctx, func(tx StorageTx) error {
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return wrapStorage("get_item", "商品取得に失敗しました", err)
		}
		result, err = v.valueItem(ctx, tx, item, method)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CalculateLocationValue values every active item at a location
// ロケーションの総在庫価値を計算
func (v *ValuationEngine) CalculateLocationValue(ctx context.Context, locationID string, method ValuationMethod) (*LocationValuation, error) {
	if err := validateValuationMethod(method); err != nil {
		return nil, err
	}

	result := &LocationValuation{
		LocationID: locationID,
		Method:     method,
		Value:      decimal.Zero,
		AtRisk:     decimal.Zero,
		Items:      []ItemValuation{},
	}
	err := v.storage.View(ctx, func(tx StorageTx) error {
		if _, err := tx.GetLocation(ctx, locationID); err != nil {
			return wrapStorage("get_location", "ロケーション取得に失敗しました", err)
		}
		items, err := tx.ListItems(ctx, ItemFilter{LocationID: locationID})
		if err != nil {
			return wrapStorage("list_items", "商品一覧取得に失敗しました", err)
		}
		for i := range items {
			iv, err := v.valueItem(ctx, tx, &items[i], method)
			if err != nil {
				return err
			}
			result.Items = append(result.Items, *iv)
			result.Value = result.Value.Add(iv.Value)
			result.AtRisk = result.AtRisk.Add(iv.AtRisk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.logger.Info("ロケーション在庫評価完了",
		zap.String("location_id", locationID),
		zap.String("method", string(method)),
		zap.String("value", result.Value.String()),
		zap.Int("items", len(result.Items)),
	)
	return result, nil
}

// valueItem computes the valuation of one item inside a read transaction
func (v *ValuationEngine) valueItem(ctx context.Context, tx StorageTx, item *Item, method ValuationMethod) (*ItemValuation, error) {
	batches, err := tx.ListBatchesByItem(ctx, item.ID)
	if err != nil {
		return nil, wrapStorage("list_batches_by_item", "バッチ一覧取得に失敗しました", err)
	}

	today := DateOf(v.clock.Now().In(v.config.Location))
	iv := &ItemValuation{
		ItemID:   item.ID,
		SKU:      item.SKU,
		Method:   method,
		Quantity: item.OnHand,
		Value:    decimal.Zero,
		AtRisk:   decimal.Zero,
	}

	for i := range batches {
		b := &batches[i]
		if b.Status == BatchStatusDisposed || !b.QuantityRemaining.IsPositive() {
			continue
		}
		iv.BatchCount++

		cost := b.UnitCost
		if method == ValuationMethodAverage {
			cost = item.AverageCost
		}
		switch DeriveStatus(b, today, v.config.ExpiringThresholdDays) {
		case BatchStatusExpiring, BatchStatusExpired:
			iv.AtRisk = iv.AtRisk.Add(b.QuantityRemaining.Mul(cost))
		}
		if method == ValuationMethodBatch {
			iv.Value = iv.Value.Add(b.QuantityRemaining.Mul(b.UnitCost))
		}
	}

	if method == ValuationMethodAverage {
		iv.Value = item.OnHand.Mul(item.AverageCost)
	}
	return iv, nil
}

func validateValuationMethod(method ValuationMethod) error {
	switch method {
	case ValuationMethodBatch, ValuationMethodAverage:
		return nil
	}
	return NewValidationError("method", fmt.Sprintf("未対応の評価方法です: %s", method), string(method))
}
