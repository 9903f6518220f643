package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreOpsApplied  *prometheus.CounterVec
	CoreOpsRejected *prometheus.CounterVec
	CoreOpDuration  *prometheus.HistogramVec
	CoreHashDur     prometheus.Histogram
	CoreSequence    prometheus.Gauge

	// --- Interest Accrual ---
	AccrualDuration     *prometheus.HistogramVec
	BankUtilization     *prometheus.GaugeVec
	AssetShareValue     *prometheus.GaugeVec
	LiabilityShareValue *prometheus.GaugeVec
	InsuranceReserve    *prometheus.GaugeVec

	// --- Liquidation & Bankruptcy ---
	LiquidationsApplied *prometheus.CounterVec
	BankruptciesApplied *prometheus.CounterVec
	SocializedLossTotal *prometheus.CounterVec
	InsuranceDrawnTotal *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten    prometheus.Counter
	PersistSnapshotsWritten prometheus.Counter
	PersistBatchDur         prometheus.Histogram
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_ops_applied_total",
			Help: "Operations successfully applied by core",
		}, []string{"operation"}),

		CoreOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_ops_rejected_total",
			Help: "Operations rejected (limits, health, stale price, dedup)",
		}, []string{"operation", "reason"}),

		CoreOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_core_op_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		CoreHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_sequence",
			Help: "Current global sequence number",
		}),

		// Interest Accrual
		AccrualDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_accrual_duration_seconds",
			Help:    "Time to accrue interest for one bank",
			Buckets: latencyBuckets,
		}, []string{"mint"}),

		BankUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_bank_utilization",
			Help: "Liability value / asset value per bank (0.0-1.0+)",
		}, []string{"mint"}),

		AssetShareValue: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_bank_asset_share_value",
			Help: "Current asset share exchange rate",
		}, []string{"mint"}),

		LiabilityShareValue: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_bank_liability_share_value",
			Help: "Current liability share exchange rate",
		}, []string{"mint"}),

		InsuranceReserve: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_bank_insurance_reserve",
			Help: "Accumulated insurance fees available for bad debt",
		}, []string{"mint"}),

		// Liquidation & Bankruptcy
		LiquidationsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_applied_total",
			Help: "Completed liquidations",
		}, []string{"mint"}),

		BankruptciesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_bankruptcies_applied_total",
			Help: "Bankruptcy write-downs processed",
		}, []string{"mint"}),

		SocializedLossTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_socialized_loss_total",
			Help: "Bad debt socialized across lenders",
		}, []string{"mint"}),

		InsuranceDrawnTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_insurance_drawn_total",
			Help: "Bad debt covered by insurance reserve",
		}, []string{"mint"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Duplicate operations rejected by the dedup checker",
		}, []string{"operation"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_evictions",
			Help: "Total LRU evictions since start",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistSnapshotsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_snapshots_written_total",
			Help: "Bank/account snapshot rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveAccrual records one bank accrual pass.
func (m *Metrics) ObserveAccrual(mint string, d time.Duration) {
	m.AccrualDuration.WithLabelValues(mint).Observe(d.Seconds())
}

// SetBankGauges updates the per-bank gauges after an accrual pass. Values
// are lossy float conversions, for dashboards only.
func (m *Metrics) SetBankGauges(mint string, utilization, assetShareValue, liabilityShareValue, insuranceReserve float64) {
	m.BankUtilization.WithLabelValues(mint).Set(utilization)
	m.AssetShareValue.WithLabelValues(mint).Set(assetShareValue)
	m.LiabilityShareValue.WithLabelValues(mint).Set(liabilityShareValue)
	m.InsuranceReserve.WithLabelValues(mint).Set(insuranceReserve)
}
