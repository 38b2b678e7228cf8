package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// sseHeartbeat keeps idle connections alive through proxies.
const sseHeartbeat = 15 * time.Second

// EventsHandler streams lifecycle events as server-sent events. The stream
// starts at the time of the call (no backfill) and an optional eval_id query
// parameter narrows it to one evaluation.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		events, err := s.Bus.Tail(ctx, r.URL.Query().Get("eval_id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		lg := LoggerFrom(r)
		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				body, err := json.Marshal(ev)
				if err != nil {
					lg.Error("event marshal failed", slog.Any("error", err))
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, body); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
