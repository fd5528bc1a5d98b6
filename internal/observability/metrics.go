package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LotLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreWarnings       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Domain ---
	LotsCreated        *prometheus.CounterVec
	LotsConsumed       *prometheus.CounterVec
	SettlementsApplied *prometheus.CounterVec
	SettlementResidue  *prometheus.CounterVec

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	PersistBatchDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishErrors       *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistRowsWritten   *prometheus.CounterVec
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Read cache ---
	CacheRequests      *prometheus.CounterVec
	CacheInvalidations prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_core_events_rejected_total",
			Help: "Events rejected (duplicate, invalid amount, settled pool)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lotledger_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_core_warnings_total",
			Help: "Non-fatal warnings raised while applying events",
		}, []string{"kind"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lotledger_core_sequence",
			Help: "Current global sequence number",
		}),

		// Domain
		LotsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_lots_created_total",
			Help: "Acquisition lots created",
		}, []string{"source"}),

		LotsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_lots_consumed_total",
			Help: "Lot consumptions by disposals",
		}, []string{"mode"}),

		SettlementsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_pool_settlements_total",
			Help: "Pool settlement triggers by outcome",
		}, []string{"outcome"}),

		SettlementResidue: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_pool_settlement_unallocated_units_total",
			Help: "Base units left unallocated by floor division",
		}, []string{"asset"}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lotledger_ingest_to_apply_seconds",
			Help:    "Transport receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lotledger_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lotledger_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lotledger_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"sink"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_publish_errors_total",
			Help: "Outbound publish failures",
		}, []string{"sink"}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lotledger_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_event_sequence_gap_total",
			Help: "Source sequence gaps (tolerated)",
		}, []string{"partition_kind"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_event_out_of_order_total",
			Help: "Events whose source sequence went backwards (applied with warning)",
		}, []string{"partition_kind"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistRowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_persist_rows_written_total",
			Help: "State rows upserted to Postgres",
		}, []string{"table"}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lotledger_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Read cache
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_cache_requests_total",
			Help: "Read-through cache lookups",
		}, []string{"result"}),

		CacheInvalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_cache_invalidations_total",
			Help: "Cache keys invalidated after persistence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lotledger_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lotledger_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lotledger_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lotledger_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lotledger_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lotledger_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lotledger_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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

// PartitionKind returns the bounded label for a partition key
// ("position" or "pool"), keeping per-holder keys out of label sets.
func PartitionKind(partition string) string {
	for i := 0; i < len(partition); i++ {
		if partition[i] == ':' {
			return partition[:i]
		}
	}
	return "other"
}
