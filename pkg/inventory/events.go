package inventory

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher publishes inventory events as structured log lines
// 在庫イベントを構造化ログとして出力
type LogPublisher struct {
	logger *zap.Logger
}

var _ EventPublisher = (*LogPublisher)(nil)

// NewLogPublisher creates a new log publisher
// 新しいログ出力型パブリッシャーを作成
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

// PublishStockChanged logs an on-hand change
func (p *LogPublisher) PublishStockChanged(_ context.Context, event StockChangedEvent) error {
	p.logger.Info("在庫数量変更",
		zap.String("item_id", event.ItemID),
		zap.String("location_id", event.LocationID),
		zap.String("old_quantity", event.OldQuantity.String()),
		zap.String("new_quantity", event.NewQuantity.String()),
		zap.String("change_type", string(event.ChangeType)),
		zap.String("reference", event.Reference),
		zap.String("actor_id", event.ActorID),
	)
	return nil
}

// PublishLowStockAlert logs a par level breach
func (p *LogPublisher) PublishLowStockAlert(_ context.Context, event LowStockAlertEvent) error {
	p.logger.Warn("在庫がパーレベルを下回りました",
		zap.String("item_id", event.ItemID),
		zap.String("location_id", event.LocationID),
		zap.String("current_qty", event.CurrentQty.String()),
		zap.String("threshold", event.Threshold.String()),
	)
	return nil
}

// PublishBatchExpiry logs a batch expiry status change
func (p *LogPublisher) PublishBatchExpiry(_ context.Context, event BatchExpiryEvent) error {
	p.logger.Warn("バッチの期限状態が変化しました",
		zap.String("batch_id", event.BatchID),
		zap.String("batch_number", event.BatchNumber),
		zap.String("item_id", event.ItemID),
		zap.String("old_status", string(event.OldStatus)),
		zap.String("new_status", string(event.NewStatus)),
		zap.Int("days_until_expiry", event.DaysUntilExpiry),
		zap.String("remaining", event.Remaining.String()),
	)
	return nil
}
