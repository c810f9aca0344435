package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "parley").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:   "parley",
		Subsystem:   "",
		ConstLabels: nil,
		Buckets:     prometheus.DefBuckets,
		Registry:    prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus metrics for Parley.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeSessions  prometheus.Gauge
	sessionCloses   *prometheus.CounterVec
	envelopesTotal  *prometheus.CounterVec
	brokerListeners prometheus.Gauge
	publishesTotal  *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	mentionsTotal   prometheus.Counter
}

// globalMetrics is the singleton metrics instance.
// Created on first call to Prometheus().
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

// initMetrics initializes the Prometheus metrics.
func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests handled",
			ConstLabels: config.ConstLabels,
		}, []string{"path", "method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"path"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of active WebSocket sessions",
			ConstLabels: config.ConstLabels,
		}),

		sessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_closes_total",
			Help:        "Total sessions closed by the server, by close code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),

		envelopesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "envelopes_total",
			Help:        "Total protocol envelopes by kind and direction",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "direction"}),

		brokerListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broker_listeners",
			Help:        "Number of listeners registered with the broker",
			ConstLabels: config.ConstLabels,
		}),

		publishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "publishes_total",
			Help:        "Total publish attempts by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "deliveries_total",
			Help:        "Total message deliveries to listeners by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		mentionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "mentions_total",
			Help:        "Total user mentions extracted from published messages",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Prometheus creates HTTP middleware that collects Prometheus metrics.
//
// Metrics collected by the middleware itself:
//   - parley_http_requests_total: Counter of requests by path, method, and status
//   - parley_http_request_duration_seconds: Histogram of request duration
//
// Metrics recorded through the Record* functions:
//   - parley_active_sessions: Gauge of active WebSocket sessions
//   - parley_session_closes_total: Counter of server-initiated closes by code
//   - parley_envelopes_total: Counter of envelopes by kind and direction
//   - parley_broker_listeners: Gauge of registered broker listeners
//   - parley_publishes_total: Counter of publish attempts by outcome
//   - parley_deliveries_total: Counter of deliveries by outcome
//   - parley_mentions_total: Counter of extracted mentions
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(middleware.Prometheus(
//	    middleware.WithNamespace("myapp"),
//	))
//
//	// Expose metrics endpoint
//	r.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) func(http.Handler) http.Handler {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	// Initialize metrics once
	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "" {
				path = "/"
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			// Time the request
			start := time.Now()
			next.ServeHTTP(ww, r)
			duration := time.Since(start).Seconds()

			// Hijacked connections (WebSocket upgrades) never call
			// WriteHeader, so Status reports zero.
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			m.requestDuration.WithLabelValues(path).Observe(duration)
			m.requestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(status)).Inc()
		})
	}
}

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordSessionStart records a WebSocket session becoming active.
// Call this from session code when the connection handshake completes.
func RecordSessionStart() {
	if globalMetrics != nil {
		globalMetrics.activeSessions.Inc()
	}
}

// RecordSessionStop records a WebSocket session ending.
func RecordSessionStop() {
	if globalMetrics != nil {
		globalMetrics.activeSessions.Dec()
	}
}

// RecordSessionClose records a server-initiated close with the given code.
// Call this when the session is torn down with a protocol close code.
func RecordSessionClose(code int) {
	if globalMetrics != nil {
		globalMetrics.sessionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// RecordEnvelope records a protocol envelope crossing the wire.
// Direction is "in" for client-to-server and "out" for server-to-client.
func RecordEnvelope(kind, direction string) {
	if globalMetrics != nil {
		globalMetrics.envelopesTotal.WithLabelValues(kind, direction).Inc()
	}
}

// RecordListenerChange adjusts the broker listener gauge by delta.
// Call this from broker code when listeners register or drop.
func RecordListenerChange(delta int) {
	if globalMetrics != nil {
		globalMetrics.brokerListeners.Add(float64(delta))
	}
}

// RecordPublish records the outcome of a publish attempt.
// Outcome is one of "ok", "invalid", or "store_error".
func RecordPublish(outcome string) {
	if globalMetrics != nil {
		globalMetrics.publishesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordDelivery records the outcome of a single listener delivery.
// Outcome is "ok" or "failed".
func RecordDelivery(outcome string) {
	if globalMetrics != nil {
		globalMetrics.deliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordMentions records the number of mentions extracted from a message.
func RecordMentions(count int) {
	if globalMetrics != nil {
		globalMetrics.mentionsTotal.Add(float64(count))
	}
}

// =============================================================================
// Metrics Collector
// =============================================================================

// Collector returns the metrics for use in custom registrations.
// This allows collecting Parley metrics alongside other application metrics.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeSessions  prometheus.Gauge
	sessionCloses   *prometheus.CounterVec
	envelopesTotal  *prometheus.CounterVec
	brokerListeners prometheus.Gauge
	publishesTotal  *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
	mentionsTotal   prometheus.Counter
}

// GetMetrics returns the global metrics collector.
// Returns nil if Prometheus middleware has not been initialized.
func GetMetrics() *Collector {
	if globalMetrics == nil {
		return nil
	}
	return &Collector{
		requestsTotal:   globalMetrics.requestsTotal,
		requestDuration: globalMetrics.requestDuration,
		activeSessions:  globalMetrics.activeSessions,
		sessionCloses:   globalMetrics.sessionCloses,
		envelopesTotal:  globalMetrics.envelopesTotal,
		brokerListeners: globalMetrics.brokerListeners,
		publishesTotal:  globalMetrics.publishesTotal,
		deliveriesTotal: globalMetrics.deliveriesTotal,
		mentionsTotal:   globalMetrics.mentionsTotal,
	}
}
