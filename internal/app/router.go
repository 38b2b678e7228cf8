// Package app wires the gateway's HTTP surface: router, middleware chain, and
// readiness probes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/evalmesh/evalmesh/internal/adapter/httpserver"
	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(traceMiddleware)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited and bounded; the SSE stream lives
	// outside the timeout group because it is long-lived by design.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Group(func(mr chi.Router) {
			mr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			mr.Post("/eval", srv.SubmitHandler())
			mr.Post("/eval/{id}/cancel", srv.CancelHandler())
		})
		wr.Get("/eval", srv.ListHandler())
		wr.Get("/eval/{id}", srv.StatusHandler())
	})
	r.Get("/events", srv.EventsHandler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", ready.Handler())

	return httpserver.SecurityHeaders(r)
}

// traceMiddleware wraps every route in an otelhttp server span. RequestID
// runs after it so request logs carry the span's trace id.
func traceMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "gateway")
}
