package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check probes one dependency. A nil error means ready.
type Check func(ctx context.Context) error

// Readiness aggregates named dependency probes for the /readyz endpoint.
type Readiness struct {
	checks map[string]Check
}

// NewReadiness constructs an empty probe set.
func NewReadiness() *Readiness {
	return &Readiness{checks: make(map[string]Check)}
}

// Add registers a named probe. Nil checks are ignored.
func (r *Readiness) Add(name string, c Check) *Readiness {
	if c != nil {
		r.checks[name] = c
	}
	return r
}

// Probe runs every check with a shared deadline and returns per-dependency
// results.
func (r *Readiness) Probe(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out := make(map[string]error, len(r.checks))
	for name, c := range r.checks {
		out[name] = c(ctx)
	}
	return out
}

// Handler serves 200 when every dependency is reachable and 503 with a
// per-dependency breakdown otherwise.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		results := r.Probe(req.Context())
		body := make(map[string]string, len(results))
		ready := true
		for name, err := range results {
			if err != nil {
				ready = false
				body[name] = err.Error()
			} else {
				body[name] = "ok"
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
