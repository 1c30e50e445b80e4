package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DeFiLedger.
type Metrics struct {
	// --- Processor ---
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	EventDuration  *prometheus.HistogramVec
	StateHashDur   prometheus.Histogram
	LastSequence   prometheus.Gauge

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventOutOfOrder       *prometheus.CounterVec

	// --- Ledger ---
	LedgerTransactions *prometheus.CounterVec
	MarketSnapshots    *prometheus.CounterVec
	PositionsOpened    *prometheus.CounterVec
	PositionsClosed    *prometheus.CounterVec

	// --- Solver ---
	SolverIterations *prometheus.HistogramVec
	SolverAbsent     *prometheus.CounterVec

	// --- Persistence ---
	CommitDuration prometheus.Histogram
	CommitEntities prometheus.Histogram
	PersistErrors  *prometheus.CounterVec
	PersistRetry   prometheus.Counter

	// --- Ingestion & Output ---
	IngestMessages     *prometheus.CounterVec
	PublishDrops       prometheus.Counter
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call it once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_events_applied_total",
			Help: "Events applied and committed",
		}, []string{"event_type"}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_events_rejected_total",
			Help: "Events rejected (duplicate, out_of_order, handler, commit)",
		}, []string{"event_type", "reason"}),

		EventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defi_event_apply_duration_seconds",
			Help:    "Time to apply and commit a single event",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_state_hash_duration_seconds",
			Help:    "Time to extend the state hash chain",
			Buckets: latencyBuckets,
		}),

		LastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "defi_last_sequence",
			Help: "Sequence of the last committed event",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "defi_dedup_lru_size",
			Help: "Entries in the in-memory dedup cache",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "defi_dedup_lru_evictions_total",
			Help: "Dedup cache evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_dedup_tier2_duration_seconds",
			Help:    "Store-backed dedup lookup latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_event_out_of_order_total",
			Help: "Ledger calls whose causal key is behind the market's last key",
		}, []string{"market"}),

		LedgerTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_ledger_transactions_total",
			Help: "Ledger transactions written",
		}, []string{"type"}),

		MarketSnapshots: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_market_snapshots_total",
			Help: "Market snapshot writes by result (written, deduplicated)",
		}, []string{"result"}),

		PositionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_positions_opened_total",
			Help: "Position slots allocated",
		}, []string{"position_type"}),

		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_positions_closed_total",
			Help: "Positions closed by a zero output balance",
		}, []string{"position_type"}),

		SolverIterations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defi_solver_iterations",
			Help:    "Newton iterations per invariant solve",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}, []string{"op"}),

		SolverAbsent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_solver_absent_total",
			Help: "Solver calls that returned no result (event skipped)",
		}, []string{"op"}),

		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_commit_duration_seconds",
			Help:    "Unit-of-work commit latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		CommitEntities: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "defi_commit_entities",
			Help:    "Entities written per committed event",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_persist_errors_total",
			Help: "Store errors",
		}, []string{"op"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "defi_persist_retry_total",
			Help: "Commit retries",
		}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_ingest_messages_total",
			Help: "Inbound broker messages by result",
		}, []string{"stream", "result"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "defi_publish_drops_total",
			Help: "Outbound ledger notifications dropped on a full channel",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "defi_channel_size",
			Help: "Current channel length",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "defi_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "defi_channel_utilization",
			Help: "Channel length over capacity",
		}, []string{"channel"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defi_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "defi_query_errors_total",
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

// ObserveSolver records one solver run. It is shaped to be passed as the
// solver's iteration observer.
func (m *Metrics) ObserveSolver(op string, iterations int) {
	if m == nil {
		return
	}
	m.SolverIterations.WithLabelValues(op).Observe(float64(iterations))
}
