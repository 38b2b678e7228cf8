package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/domain"
	"github.com/evalmesh/evalmesh/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Status usecase.StatusService
	Cancel usecase.CancelService
	Bus    domain.Bus
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService, cancel usecase.CancelService, bus domain.Bus) *Server {
	return &Server{Cfg: cfg, Submit: submit, Status: status, Cancel: cancel, Bus: bus}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects requests whose Accept header excludes JSON.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return false
}

// SubmitHandler accepts an evaluation submission and returns 202 with the
// assigned eval id and queue position.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		// Cap the body above the code size limit; JSON framing adds overhead.
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxCodeBytes*2+4096)
		var req struct {
			Code      string `json:"code" validate:"required"`
			Language  string `json:"language" validate:"required"`
			Priority  string `json:"priority" validate:"omitempty,oneof=low normal high"`
			TimeoutMS int64  `json:"timeout_ms" validate:"omitempty,gte=0"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if strings.Contains(err.Error(), "request body too large") {
				writeError(w, r, fmt.Errorf("%w: request body too large", domain.ErrTooLarge), nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		res, err := s.Submit.Submit(r.Context(), usecase.SubmitInput{
			Code:      req.Code,
			Language:  req.Language,
			Priority:  req.Priority,
			TimeoutMS: req.TimeoutMS,
			IdemKey:   r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"eval_id":        res.EvalID,
			"queue_position": res.QueuePosition,
		})
	}
}

// StatusHandler returns one evaluation record, with ETag / If-None-Match
// conditional support.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		v, etag, notModified, err := s.Status.Fetch(r.Context(), id, r.Header.Get("If-None-Match"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("ETag", etag)
		if notModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// ListHandler returns a page of evaluations filtered by status.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := domain.ListFilter{Cursor: r.URL.Query().Get("cursor")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		if raw := r.URL.Query().Get("status"); raw != "" {
			st := domain.Status(raw)
			switch st {
			case domain.StatusQueued, domain.StatusProvisioning, domain.StatusRunning,
				domain.StatusSucceeded, domain.StatusFailed, domain.StatusTimedOut, domain.StatusCancelled:
				f.Status = &st
			default:
				writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, raw), nil)
				return
			}
		}
		page, err := s.Status.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// CancelHandler requests cancellation. 202 means the cancelled event was
// published; the sandbox teardown happens asynchronously.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Cancel.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"eval_id": id, "status": "cancelling"})
	}
}
