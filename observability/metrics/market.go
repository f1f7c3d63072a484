package metrics

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks market operations as they are committed.
type MarketMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	treasury   prometheus.Gauge
	version    prometheus.Gauge
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the lazily-initialised market metrics registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dmarket",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Market operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dmarket",
				Subsystem: "market",
				Name:      "operation_duration_seconds",
				Help:      "Latency of market operations including commit retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dmarket",
				Subsystem: "market",
				Name:      "commit_retries_total",
				Help:      "Operations re-run after losing a commit race.",
			}, []string{"operation"}),
			treasury: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dmarket",
				Subsystem: "market",
				Name:      "treasury_balance",
				Help:      "Escrow currently held by the market treasury.",
			}),
			version: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dmarket",
				Subsystem: "market",
				Name:      "ledger_version",
				Help:      "Number of committed ledger transactions.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.latency,
			marketRegistry.retries,
			marketRegistry.treasury,
			marketRegistry.version,
		)
	})
	return marketRegistry
}

// ObserveOperation records the outcome and latency of one operation. outcome is
// "ok" or the error kind.
func (m *MarketMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// AddRetries counts commit retries of an operation.
func (m *MarketMetrics) AddRetries(operation string, retries int) {
	if m == nil || retries <= 0 {
		return
	}
	m.retries.WithLabelValues(operation).Add(float64(retries))
}

// SetLedger publishes the committed treasury balance and ledger version.
func (m *MarketMetrics) SetLedger(treasury *uint256.Int, version uint64) {
	if m == nil {
		return
	}
	if treasury != nil {
		m.treasury.Set(treasury.Float64())
	}
	m.version.Set(float64(version))
}
