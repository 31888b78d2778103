package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat-relay/internal/relay"
)

const namespace = "chat_relay"

// Collector owns the relay's Prometheus metrics. It satisfies
// relay.Observer so sessions can report into it directly.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  prometheus.Counter
	framesForwarded prometheus.Counter
	framesDropped   prometheus.Counter
	keepAlives      prometheus.Counter
	placeholders    prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// NewCollector registers all metrics on registry. A nil registry gets a
// fresh one; the global default registry is never used.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to response completion.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"mode"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream calls that failed or returned an error status.",
		}),
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Upstream events written to clients.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Malformed upstream events that were discarded.",
		}),
		keepAlives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "keepalives_total",
			Help:      "Keep-alive comments written to clients.",
		}),
		placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "placeholders_total",
			Help:      "Placeholder deltas written while waiting for upstream.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_closed_total",
			Help:      "Streaming sessions by closing edge.",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Streaming sessions currently open.",
		}),
	}

	registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.upstreamErrors,
		c.framesForwarded,
		c.framesDropped,
		c.keepAlives,
		c.placeholders,
		c.sessionsClosed,
		c.activeSessions,
	)

	return c
}

// Handler exposes the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// RecordRequest counts one finished chat completion request.
func (c *Collector) RecordRequest(mode, outcome string, elapsed time.Duration) {
	c.requests.WithLabelValues(mode, outcome).Inc()
	c.requestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (c *Collector) UpstreamError() {
	c.upstreamErrors.Inc()
}

func (c *Collector) SessionOpened()   { c.activeSessions.Inc() }
func (c *Collector) FrameForwarded()  { c.framesForwarded.Inc() }
func (c *Collector) FrameDropped()    { c.framesDropped.Inc() }
func (c *Collector) KeepAliveSent()   { c.keepAlives.Inc() }
func (c *Collector) PlaceholderSent() { c.placeholders.Inc() }

func (c *Collector) SessionClosed(reason relay.CloseReason) {
	c.activeSessions.Dec()
	c.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

var _ relay.Observer = (*Collector)(nil)
