package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_submitted_total",
			Help: "Total number of accepted submissions by priority",
		},
		[]string{"priority"},
	)
	TasksLeasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_tasks_leased_total",
			Help: "Total number of tasks leased by priority class",
		},
		[]string{"priority"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter channel",
		},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total number of lifecycle events published by kind",
		},
		[]string{"kind"},
	)
	EventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_events_applied_total",
			Help: "Total number of lifecycle events applied to the result store",
		},
		[]string{"kind"},
	)
	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_events_rejected_total",
			Help: "Total number of lifecycle events rejected as stale or illegal",
		},
		[]string{"kind", "reason"},
	)
	DispatchSlotsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_slots_busy",
			Help: "Number of dispatch slots currently holding an in-flight evaluation",
		},
	)
	SandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_job_duration_seconds",
			Help:    "Sandbox job wall-clock duration from create to terminal phase",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	EvaluationsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_terminal_total",
			Help: "Total number of evaluations reaching a terminal status",
		},
		[]string{"status"},
	)
)

// InitMetrics registers all pipeline metrics. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(TasksLeasedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsAppliedTotal)
	prometheus.MustRegister(EventsRejectedTotal)
	prometheus.MustRegister(DispatchSlotsBusy)
	prometheus.MustRegister(SandboxDuration)
	prometheus.MustRegister(EvaluationsTerminalTotal)
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
