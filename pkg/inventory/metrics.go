package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the engine.
// A nil *Metrics is valid and records nothing.
// エンジンのPrometheusメトリクス（nilの場合は何も記録しない）
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	ledger     *prometheus.CounterVec
	expiry     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg
// メトリクスを作成して登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lotengine",
			Name:      "operations_total",
			Help:      "Engine operations by name and result kind.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lotengine",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lotengine",
			Name:      "retries_total",
			Help:      "Retries caused by concurrent modification.",
		}, []string{"operation"}),
		ledger: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lotengine",
			Name:      "ledger_entries_total",
			Help:      "Committed ledger entries by transaction type.",
		}, []string{"type"}),
		expiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lotengine",
			Name:      "batches_by_expiry_status",
			Help:      "Stocked batches per derived expiry status at the last expiry pass.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.retries, m.ledger, m.expiry)
	}
	return m
}

func (m *Metrics) observeOperation(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) incRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) addLedgerEntries(entries []*LedgerEntry) {
	if m == nil {
		return
	}
	for _, e := range entries {
		m.ledger.WithLabelValues(string(e.Type)).Inc()
	}
}

func (m *Metrics) setExpiryGauges(expiring, expired int) {
	if m == nil {
		return
	}
	m.expiry.WithLabelValues(string(BatchStatusExpiring)).Set(float64(expiring))
	m.expiry.WithLabelValues(string(BatchStatusExpired)).Set(float64(expired))
}
