package inventory

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DeriveStatus classifies a batch on the given day.
// Disposed and undated batches keep their stored status, and the result never ranks below it.
// 指定日時点のバッチ状態を導出（廃棄済み・期限なしは現状維持、状態は後戻りしない）
func DeriveStatus(b *Batch, today time.Time, thresholdDays int) BatchStatus {
	if b.Status == BatchStatusDisposed || b.ExpiryDate == nil {
		return b.Status
	}

	days := DaysUntil(*b.ExpiryDate, today)
	derived := BatchStatusActive
	switch {
	case days < 0:
		derived = BatchStatusExpired
	case days <= thresholdDays:
		derived = BatchStatusExpiring
	}

	if expiryRank(derived) < expiryRank(b.Status) {
		return b.Status
	}
	return derived
}

// ExpiryPassResult summarises one expiry derivation pass
// 期限判定パスの結果
type ExpiryPassResult struct {
	Scanned      int       `json:"scanned"`
	Transitioned int       `json:"transitioned"`
	Expiring     int       `json:"expiring"`
	Expired      int       `json:"expired"`
	RunAt        time.Time `json:"run_at"`
}

// RunExpiryPass re-derives the status of every dated, non-disposed batch and stores the changes.
// Running it twice on the same day changes nothing the second time.
// 期限付きの全バッチの状態を再判定して保存（同日内の再実行は冪等）
func (m *Manager) RunExpiryPass(ctx context.Context) (*ExpiryPassResult, error) {
	var result *ExpiryPassResult
	err := m.update(ctx, "expiry_pass", func(tx StorageTx, out *outbox) error {
		today := m.today()
		threshold := m.config.ExpiringThresholdDays
		result = &ExpiryPassResult{RunAt: m.now()}

		tracked, err := tx.ListExpiryTrackedBatches(ctx)
		if err != nil {
			return wrapStorage("list_expiry_tracked_batches", "期限管理対象バッチ取得に失敗しました", err)
		}
		result.Scanned = len(tracked)

		var changed []string
		lockSet := map[string]struct{}{}
		for i := range tracked {
			if DeriveStatus(&tracked[i], today, threshold) != tracked[i].Status {
				changed = append(changed, tracked[i].ID)
				lockSet[tracked[i].ItemID] = struct{}{}
			}
		}
		if len(changed) > 0 {
			itemIDs := make([]string, 0, len(lockSet))
			for id := range lockSet {
				itemIDs = append(itemIDs, id)
			}
			sort.Strings(itemIDs)
			if err := tx.LockItems(ctx, itemIDs...); err != nil {
				return wrapStorage("lock_items", "商品ロックに失敗しました", err)
			}
		}

		for _, batchID := range changed {
			batch, err := m.registry.Get(ctx, tx, batchID)
			if err != nil {
				return err
			}
			next := DeriveStatus(batch, today, threshold)
			if next == batch.Status {
				continue
			}

			before := batch.AuditFields()
			from := batch.Status
			if err := transitionBatch(batch, next); err != nil {
				return err
			}
			batch.UpdatedAt = m.now()
			if err := tx.UpdateBatch(ctx, batch); err != nil {
				return wrapStorage("update_batch", "バッチ更新に失敗しました", err)
			}
			if _, err := m.audit.Record(ctx, tx, AuditRecord{
				ActorID: m.config.SystemActor,
				Action:  AuditActionUpdate,
				Subject: batch,
				Changes: Diff(before, batch.AuditFields()),
				Notes:   "期限判定",
			}); err != nil {
				return err
			}

			result.Transitioned++
			out.expiry = append(out.expiry, BatchExpiryEvent{
				BatchID:         batch.ID,
				BatchNumber:     batch.BatchNumber,
				ItemID:          batch.ItemID,
				OldStatus:       from,
				NewStatus:       next,
				DaysUntilExpiry: DaysUntil(*batch.ExpiryDate, today),
				Remaining:       batch.QuantityRemaining,
				Timestamp:       batch.UpdatedAt,
			})
		}

		for i := range tracked {
			if !tracked[i].QuantityRemaining.IsPositive() {
				continue
			}
			switch DeriveStatus(&tracked[i], today, threshold) {
			case BatchStatusExpiring:
				result.Expiring++
			case BatchStatusExpired:
				result.Expired++
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("期限判定に失敗しました", zap.Error(err))
		return nil, err
	}

	m.metrics.setExpiryGauges(result.Expiring, result.Expired)
	m.logger.Info("期限判定完了",
		zap.Int("scanned", result.Scanned),
		zap.Int("transitioned", result.Transitioned),
		zap.Int("expiring", result.Expiring),
		zap.Int("expired", result.Expired),
	)
	return result, nil
}

// ExpiryMonitor runs the expiry pass on a fixed interval
// 一定間隔で期限判定を実行
type ExpiryMonitor struct {
	engine   LotEngine
	interval time.Duration
	logger   *zap.Logger
}

// NewExpiryMonitor creates a new expiry monitor
// 新しい期限監視を作成
func NewExpiryMonitor(engine LotEngine, interval time.Duration, logger *zap.Logger) *ExpiryMonitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryMonitor{engine: engine, interval: interval, logger: logger}
}

// Run executes one pass immediately and then one per interval until ctx is done
// 即時に1回実行し、以降はコンテキスト終了まで定期実行
func (em *ExpiryMonitor) Run(ctx context.Context) error {
	em.logger.Info("期限監視を開始します", zap.Duration("interval", em.interval))

	ticker := time.NewTicker(em.interval)
	defer ticker.Stop()

	for {
		if _, err := em.engine.RunExpiryPass(ctx); err != nil && ctx.Err() == nil {
			em.logger.Error("定期期限判定に失敗しました", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			em.logger.Info("期限監視を停止しました")
			return nil
		case <-ticker.C:
		}
	}
}
