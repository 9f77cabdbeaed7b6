package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/roadwatch/internal/dashboard"
	"github.com/linnemanlabs/roadwatch/internal/postgres"
)

// httpMetrics is the request instrumentation from go-core/metrics.
type httpMetrics interface {
	Middleware(next http.Handler) http.Handler
}

// newRouter builds the dashboard chi router with its route-level middleware
// and mounts each of routes on it.
func newRouter(routes ...func(chi.Router)) chi.Router {
	r := chi.NewRouter()

	// Compress JSON responses, images are already compressed
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB query metrics issued by dashboard handlers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithComponent(req.Context(), "dashboard")))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// The dashboard is read-only, requests carry no meaningful body
	r.Use(httpmw.MaxBody(1024 * 4))

	for _, mount := range routes {
		mount(r)
	}
	return r
}

// newHandler wraps router in the middleware stack for the main listener.
// When stream is non-nil it serves dashboard.StreamPath without the logging,
// tracing and metrics wrappers: their ResponseWriters do not implement
// http.Hijacker and the websocket upgrade fails behind them.
func newHandler(L log.Logger, m httpMetrics, clientIP httpmw.ClientIPOptions, router, stream http.Handler) http.Handler {
	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	h := router

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Live stream goes around everything above, it needs the raw connection
	if stream != nil {
		instrumented := h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == dashboard.StreamPath {
				stream.ServeHTTP(w, r)
				return
			}
			instrumented.ServeHTTP(w, r)
		})
	}

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(clientIP)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	return h
}
