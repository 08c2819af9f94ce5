// Package metrics provides Prometheus metrics for the Nyx transport core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nyx"
)

// Metrics contains all Prometheus metrics for a Nyx node. The core never
// blocks on any of these calls; every Record*/Set* method is a direct
// promauto-backed counter/gauge/histogram update (§6's telemetry-sink
// contract: the core MUST NOT block on it).
type Metrics struct {
	// Connection lifecycle
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec

	// Handshake (§4.B)
	HandshakeLatency prometheus.Histogram
	HandshakeResult  *prometheus.CounterVec

	// Anti-replay / early-data (§4.C)
	ReplayRejections  *prometheus.CounterVec
	EarlyDataAccepted prometheus.Counter
	EarlyDataRejected *prometheus.CounterVec
	RekeysTotal       prometheus.Counter

	// Stream manager (§4.D)
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamErrors      *prometheus.CounterVec
	FlowControlStalls prometheus.Counter

	// Frame codec (§4.A)
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	FrameDecodeErrs prometheus.Counter

	// Rate / congestion / backpressure (§4.E)
	RateLimitDecisions  *prometheus.CounterVec
	CongestionWindow    prometheus.Gauge
	BytesInFlight       prometheus.Gauge
	BackpressureLevel   prometheus.Gauge
	BackpressureDelayed prometheus.Counter

	// Multipath scheduler (§4.F)
	PathSelections    *prometheus.CounterVec
	PathActivations   *prometheus.CounterVec
	HopCountAdjusted  prometheus.Counter
	PacketsReordered  prometheus.Counter
	PacketsExpired    prometheus.Counter
	PathWeight        *prometheus.GaugeVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry,
// so tests and embedders can avoid colliding with the global registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections established",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed by reason (close code)",
		}, []string{"reason"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of hybrid handshake completion latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeResult: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_result_total",
			Help:      "Handshake outcomes by result (completed, failed:<reason>)",
		}, []string{"result"}),

		ReplayRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejections_total",
			Help:      "Anti-replay rejections by direction and structured reason",
		}, []string{"direction", "reason"}),
		EarlyDataAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "early_data_accepted_total",
			Help:      "Total 0-RTT frames accepted",
		}),
		EarlyDataRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "early_data_rejected_total",
			Help:      "Total 0-RTT frames rejected by reason",
		}, []string{"reason"}),
		RekeysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Total rekey transitions performed",
		}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total streams closed",
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Stream errors by type",
		}, []string{"error_type"}),
		FlowControlStalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_control_stalls_total",
			Help:      "Total writes that blocked on a full flow-control window",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received by type",
		}, []string{"frame_type"}),
		FrameDecodeErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_decode_errors_total",
			Help:      "Total malformed-frame decode failures",
		}),

		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "check_transmission outcomes by decision and priority class",
		}, []string{"decision", "priority"}),
		CongestionWindow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_window_bytes",
			Help:      "Current congestion window size, summed across tracked connections at last sample",
		}),
		BytesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_in_flight",
			Help:      "Current unacknowledged bytes, summed across tracked connections at last sample",
		}),
		BackpressureLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_level",
			Help:      "Current backpressure level in [0,1]",
		}),
		BackpressureDelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_delayed_total",
			Help:      "Total sends delayed by the backpressure monitor",
		}),

		PathSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_selections_total",
			Help:      "Multipath scheduler selections by path id",
		}, []string{"path_id"}),
		PathActivations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_activations_total",
			Help:      "Path activation/deactivation transitions by event",
		}, []string{"event"}),
		HopCountAdjusted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hop_count_adjusted_total",
			Help:      "Total hop-count adjustment steps across all paths",
		}),
		PacketsReordered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_reordered_total",
			Help:      "Total packets delivered out of arrival order by a reorder buffer",
		}),
		PacketsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_expired_total",
			Help:      "Total reorder-buffer entries expired before contiguous delivery",
		}),
		PathWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "path_weight",
			Help:      "Current computed selection weight per path id",
		}, []string{"path_id"}),
	}
}

// RecordConnectionOpen records a new connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordConnectionClose records a connection closing with a reason (close code name).
func (m *Metrics) RecordConnectionClose(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordHandshake records a handshake outcome; result is "completed" or "failed:<reason>".
func (m *Metrics) RecordHandshake(latencySeconds float64, result string) {
	m.HandshakeLatency.Observe(latencySeconds)
	m.HandshakeResult.WithLabelValues(result).Inc()
}

// RecordReplayRejection records an anti-replay rejection with its structured reason.
func (m *Metrics) RecordReplayRejection(direction, reason string) {
	m.ReplayRejections.WithLabelValues(direction, reason).Inc()
}

// RecordEarlyDataAccepted counts one accepted early-data frame.
func (m *Metrics) RecordEarlyDataAccepted() { m.EarlyDataAccepted.Inc() }

// RecordEarlyDataRejected records an early-data rejection with its reason.
func (m *Metrics) RecordEarlyDataRejected(reason string) {
	m.EarlyDataRejected.WithLabelValues(reason).Inc()
}

// RecordRekey records a rekey transition.
func (m *Metrics) RecordRekey() { m.RekeysTotal.Inc() }

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen() {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a stream error by type.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordFrameSent records a frame being sent by type.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame being received by type.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordRateLimitDecision records a check_transmission outcome.
func (m *Metrics) RecordRateLimitDecision(decision, priority string) {
	m.RateLimitDecisions.WithLabelValues(decision, priority).Inc()
}

// RecordPathSelection records a multipath scheduler pick.
func (m *Metrics) RecordPathSelection(pathID string) {
	m.PathSelections.WithLabelValues(pathID).Inc()
}

// RecordPathEvent records a path activation/deactivation transition.
func (m *Metrics) RecordPathEvent(event string) {
	m.PathActivations.WithLabelValues(event).Inc()
}

// SetPathWeight records the current computed weight for a path.
func (m *Metrics) SetPathWeight(pathID string, weight float64) {
	m.PathWeight.WithLabelValues(pathID).Set(weight)
}
