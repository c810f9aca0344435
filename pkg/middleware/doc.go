// Package middleware provides production-grade HTTP middleware for Parley
// servers.
//
// This package includes:
//   - OpenTelemetry distributed tracing middleware
//   - Prometheus metrics middleware
//   - Request logging on slog
//
// All middleware is expressed as func(http.Handler) http.Handler so it
// composes with chi routers and the standard library alike.
//
// # Prometheus Metrics
//
// The Prometheus middleware times HTTP requests. Beyond that, the package
// exposes Record* functions that session and broker code call to publish
// domain metrics through the same registry:
//   - parley_active_sessions: Current number of WebSocket sessions
//   - parley_envelopes_total: Protocol envelopes by kind and direction
//   - parley_broker_listeners: Listeners registered with the broker
//   - parley_publishes_total: Publish attempts by outcome
//   - parley_deliveries_total: Listener deliveries by outcome
//
//	r := chi.NewRouter()
//	r.Use(middleware.Prometheus())
//	r.Handle("/metrics", promhttp.Handler())
//
// The Record* functions are no-ops until Prometheus() has been called once,
// so library code can call them unconditionally.
//
// # OpenTelemetry Middleware
//
// The OpenTelemetry middleware creates a server span per request and injects
// the span context into the request context, so database drivers and outbound
// HTTP calls inherit the trace:
//
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("parley"),
//	    middleware.WithRequestFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	))
package middleware
