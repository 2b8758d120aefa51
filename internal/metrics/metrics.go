// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Session metrics
	SessionAdded()
	SessionRemoved(reason string)
	SessionRejected(reason string)

	// Frame metrics
	FrameDispatched(source, track, flags string, sizeBytes int, duration time.Duration)
	FrameForwarded(track, substream string)
	SubstreamSwitched(substream string)
	FrameWriteFailed(track string)
	FrameDropped(track, reason string)
	FrameTruncated(source string)

	// Source metrics
	SourceClosed(source string)
	SourceRestarted(source string)

	// Transport metrics
	HTTPRequest(method, route string, status int, duration time.Duration)
	SignalingMessage(direction, msgType string)
	SignalingClients(delta int)

	// HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	// Session metrics
	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionsRemoved  *prometheus.CounterVec
	sessionsRejected *prometheus.CounterVec

	// Frame metrics
	framesDispatched *prometheus.CounterVec
	framesForwarded  *prometheus.CounterVec
	switches         *prometheus.CounterVec
	writeErrors      *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	framesTruncated  *prometheus.CounterVec

	// Size and timing metrics
	frameSizeBytes   *prometheus.HistogramVec
	dispatchDuration *prometheus.HistogramVec

	// Source metrics
	sourceClosures *prometheus.CounterVec
	sourceRestarts *prometheus.CounterVec

	// Transport metrics
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	signalingMessages *prometheus.CounterVec
	signalingClients  prometheus.Gauge
}

// NewPrometheusCollector creates a collector registered on reg.
// A nil reg uses the default Prometheus registry.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		gatherer = reg
	}
	factory := promauto.With(registerer)

	return &PrometheusCollector{
		gatherer: gatherer,

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_sessions",
			Help: "Number of active viewer sessions",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sessions_total",
			Help: "Total number of viewer sessions created",
		}),

		sessionsRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_sessions_removed_total",
				Help: "Total number of viewer sessions removed",
			},
			[]string{"reason"},
		),

		sessionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_sessions_rejected_total",
				Help: "Total number of viewer sessions rejected",
			},
			[]string{"reason"},
		),

		framesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_dispatched_total",
				Help: "Total number of frames handed to the dispatcher",
			},
			[]string{"source", "track", "flags"},
		),

		framesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_forwarded_total",
				Help: "Total number of frames forwarded to sessions",
			},
			[]string{"track", "substream"},
		),

		switches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_substream_switches_total",
				Help: "Total number of keyframe-gated substream switches",
			},
			[]string{"substream"},
		),

		writeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frame_write_errors_total",
				Help: "Total number of per-session frame write failures",
			},
			[]string{"track"},
		),

		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_dropped_total",
				Help: "Total number of frames dropped by session queues",
			},
			[]string{"track", "reason"},
		),

		framesTruncated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_truncated_total",
				Help: "Total number of frames truncated to the sink buffer size",
			},
			[]string{"source"},
		),

		frameSizeBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_frame_size_bytes",
				Help:    "Size of dispatched frames in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B to 4MB
			},
			[]string{"source", "track"},
		),

		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_dispatch_seconds",
				Help:    "Time taken to fan a frame out to all sessions",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to 160ms
			},
			[]string{"source"},
		),

		sourceClosures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_source_closures_total",
				Help: "Total number of media source closures",
			},
			[]string{"source"},
		),

		sourceRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_source_restarts_total",
				Help: "Total number of media source restarts",
			},
			[]string{"source"},
		),

		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_http_request_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		signalingMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_signaling_messages_total",
				Help: "Total number of signaling messages",
			},
			[]string{"direction", "type"},
		),

		signalingClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_signaling_clients",
			Help: "Number of connected signaling clients",
		}),
	}
}

// SessionAdded records a new session
func (c *PrometheusCollector) SessionAdded() {
	c.activeSessions.Inc()
	c.sessionsTotal.Inc()
}

// SessionRemoved records a session teardown
func (c *PrometheusCollector) SessionRemoved(reason string) {
	c.activeSessions.Dec()
	c.sessionsRemoved.WithLabelValues(reason).Inc()
}

// SessionRejected records a refused session
func (c *PrometheusCollector) SessionRejected(reason string) {
	c.sessionsRejected.WithLabelValues(reason).Inc()
}

// FrameDispatched records a frame entering the dispatcher
func (c *PrometheusCollector) FrameDispatched(source, track, flags string, sizeBytes int, duration time.Duration) {
	c.framesDispatched.WithLabelValues(source, track, flags).Inc()
	c.frameSizeBytes.WithLabelValues(source, track).Observe(float64(sizeBytes))
	c.dispatchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// FrameForwarded records a frame handed to a session
func (c *PrometheusCollector) FrameForwarded(track, substream string) {
	c.framesForwarded.WithLabelValues(track, substream).Inc()
}

// SubstreamSwitched records an applied switch
func (c *PrometheusCollector) SubstreamSwitched(substream string) {
	c.switches.WithLabelValues(substream).Inc()
}

// FrameWriteFailed records a per-session write error
func (c *PrometheusCollector) FrameWriteFailed(track string) {
	c.writeErrors.WithLabelValues(track).Inc()
}

// FrameDropped records a frame dropped before reaching the transport
func (c *PrometheusCollector) FrameDropped(track, reason string) {
	c.framesDropped.WithLabelValues(track, reason).Inc()
}

// FrameTruncated records a frame cut to the sink buffer size
func (c *PrometheusCollector) FrameTruncated(source string) {
	c.framesTruncated.WithLabelValues(source).Inc()
}

// SourceClosed records a source closure
func (c *PrometheusCollector) SourceClosed(source string) {
	c.sourceClosures.WithLabelValues(source).Inc()
}

// SourceRestarted records a source restart
func (c *PrometheusCollector) SourceRestarted(source string) {
	c.sourceRestarts.WithLabelValues(source).Inc()
}

// HTTPRequest records a served HTTP request
func (c *PrometheusCollector) HTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SignalingMessage records a signaling message in or out
func (c *PrometheusCollector) SignalingMessage(direction, msgType string) {
	c.signalingMessages.WithLabelValues(direction, msgType).Inc()
}

// SignalingClients adjusts the connected client gauge
func (c *PrometheusCollector) SignalingClients(delta int) {
	c.signalingClients.Add(float64(delta))
}

// Handler returns the HTTP handler for the metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Nop is a Collector that records nothing
type Nop struct{}

func (Nop) SessionAdded() {}
func (Nop) SessionRemoved(string) {}
func (Nop) SessionRejected(string) {}
func (Nop) FrameDispatched(string, string, string, int, time.Duration) {}
func (Nop) FrameForwarded(string, string) {}
func (Nop) SubstreamSwitched(string) {}
func (Nop) FrameWriteFailed(string) {}
func (Nop) FrameDropped(string, string) {}
func (Nop) FrameTruncated(string) {}
func (Nop) SourceClosed(string) {}
func (Nop) SourceRestarted(string) {}

func (Nop) HTTPRequest(string, string, int, time.Duration) {}
func (Nop) SignalingMessage(string, string) {}
func (Nop) SignalingClients(int) {}

// Handler returns a handler that serves 404
func (Nop) Handler() http.Handler { return http.NotFoundHandler() }
