// Package selftrace is the telemetry-self trace module spec §7 requires:
// counters and histograms for every observable error kind, exposed over
// Prometheus so an operator can alert on a fleet-wide spike in, say,
// TYPE_MISMATCH evaluation errors without ever seeing the payload itself.
package selftrace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the core increments. It is
// constructed once at startup and threaded into every component that can
// observe an error, mirroring the teacher's promauto-per-field idiom.
type Metrics struct {
	ConfigErrors   *prometheus.CounterVec
	EvalErrors     *prometheus.CounterVec
	IngestDropped  prometheus.Counter
	SendErrors     *prometheus.CounterVec
	PersistErrors  *prometheus.CounterVec

	ActiveConditions   prometheus.Gauge
	DistinctSignalIDs  prometheus.Gauge
	RingBufferBytes    prometheus.Gauge
	SnapshotQueueDepth prometheus.Gauge

	SnapshotsEmitted  prometheus.Counter
	SnapshotsPersisted prometheus.Counter
	SnapshotsPublished prometheus.Counter

	TickDuration      *prometheus.HistogramVec
	EvaluationDuration prometheus.Histogram
	PublishLatency    prometheus.Histogram
}

// NewMetrics registers every series against the default registry, the way
// the teacher's escrow metrics package does.
func NewMetrics() *Metrics {
	return &Metrics{
		ConfigErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_agent_config_errors_total",
			Help: "Configuration errors encountered at matrix activation, by kind.",
		}, []string{"kind"}),
		EvalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_agent_eval_errors_total",
			Help: "Evaluator errors encountered during condition evaluation, by kind.",
		}, []string{"kind"}),
		IngestDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_ingest_dropped_total",
			Help: "Inbound items dropped for an unknown signal type.",
		}),
		SendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_agent_send_errors_total",
			Help: "Telemetry sender errors, by kind.",
		}, []string{"kind"}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_agent_persist_errors_total",
			Help: "Offline persistence errors, by kind.",
		}, []string{"kind"}),
		ActiveConditions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "edge_agent_active_conditions",
			Help: "Conditions currently active in the activated matrix.",
		}),
		DistinctSignalIDs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "edge_agent_distinct_signal_ids",
			Help: "Distinct signal ids registered across all ring buffers.",
		}),
		RingBufferBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "edge_agent_ring_buffer_bytes",
			Help: "Total bytes accounted across all ring buffers.",
		}),
		SnapshotQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "edge_agent_snapshot_queue_depth",
			Help: "Current depth of the engine-to-sender snapshot queue.",
		}),
		SnapshotsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_snapshots_emitted_total",
			Help: "Triggered snapshots built by the inspection engine.",
		}),
		SnapshotsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_snapshots_persisted_total",
			Help: "Snapshots written to the offline persistence file.",
		}),
		SnapshotsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_snapshots_published_total",
			Help: "Snapshots successfully published over MQTT.",
		}),
		TickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_agent_tick_duration_seconds",
			Help:    "Duration of one inspection engine tick, by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_agent_evaluation_duration_seconds",
			Help:    "Duration of a full pass over all conditions in one tick.",
			Buckets: prometheus.DefBuckets,
		}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_agent_publish_latency_seconds",
			Help:    "Time from handing a snapshot to the sender until publish ack.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordConfigError increments the configuration error counter for kind,
// e.g. "too_many_conditions", "invalid_signal_id", "memory_budget_exceeded".
func (m *Metrics) RecordConfigError(kind string) {
	m.ConfigErrors.WithLabelValues(kind).Inc()
}

// RecordEvalError increments the evaluator error counter for kind, using
// eval.ErrorKind.String()-shaped labels.
func (m *Metrics) RecordEvalError(kind string) {
	m.EvalErrors.WithLabelValues(kind).Inc()
}

// RecordSendError increments the sender error counter for kind, e.g.
// "quota_reached", "publish_failure".
func (m *Metrics) RecordSendError(kind string) {
	m.SendErrors.WithLabelValues(kind).Inc()
}

// RecordPersistError increments the persistence error counter for kind,
// e.g. "write_failure", "read_failure", "truncate".
func (m *Metrics) RecordPersistError(kind string) {
	m.PersistErrors.WithLabelValues(kind).Inc()
}

// ObserveTick records one named tick stage's duration.
func (m *Metrics) ObserveTick(stage string, d time.Duration) {
	m.TickDuration.WithLabelValues(stage).Observe(d.Seconds())
}
