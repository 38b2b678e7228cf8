// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/domain"
	obsctx "github.com/evalmesh/evalmesh/internal/observability"
)

// SubmitService validates submissions, records them, and schedules them.
type SubmitService struct {
	Store  domain.EvaluationStore
	Bus    domain.Bus
	Broker domain.Broker

	Runtimes         config.Runtimes
	MaxCodeBytes     int64
	MaxTimeoutMS     int64
	DefaultTimeoutMS int64
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(store domain.EvaluationStore, bus domain.Bus, broker domain.Broker, runtimes config.Runtimes, cfg config.Config) SubmitService {
	return SubmitService{
		Store:            store,
		Bus:              bus,
		Broker:           broker,
		Runtimes:         runtimes,
		MaxCodeBytes:     cfg.MaxCodeBytes,
		MaxTimeoutMS:     cfg.MaxTimeoutMS,
		DefaultTimeoutMS: cfg.DefaultTimeoutMS,
	}
}

// SubmitInput is one submission request after transport decoding.
type SubmitInput struct {
	Code      string
	Language  string
	Priority  string
	TimeoutMS int64
	IdemKey   string
}

// SubmitResult is the accepted-submission receipt.
type SubmitResult struct {
	EvalID        string
	QueuePosition int64
	// Existing is true when an idempotency key matched a previous submission
	// and no new evaluation was scheduled.
	Existing bool
}

// Submit validates the input, creates the record, publishes the queued event,
// and enqueues the task. The record is created before the event so a reader
// who got the 202 never sees a 404.
func (s SubmitService) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	lg := obsctx.LoggerFromContext(ctx)

	priority, timeoutMS, err := s.validate(in)
	if err != nil {
		return SubmitResult{}, err
	}

	if in.IdemKey != "" {
		if e, err := s.Store.FindByIdempotencyKey(ctx, in.IdemKey); err == nil && e.ID != "" {
			lg.Info("idempotent replay of submission", slog.String("eval_id", e.ID))
			return SubmitResult{EvalID: e.ID, Existing: true}, nil
		}
	}

	evalID := ulid.Make().String()
	t := domain.Task{
		EvalID:      evalID,
		Code:        in.Code,
		Language:    in.Language,
		Priority:    priority,
		TimeoutMS:   timeoutMS,
		SubmittedAt: time.Now().UTC(),
		TraceID:     obsctx.TraceIDFromContext(ctx),
	}

	e := domain.Evaluation{
		ID:          evalID,
		Code:        t.Code,
		Language:    t.Language,
		Priority:    t.Priority,
		TimeoutMS:   t.TimeoutMS,
		Status:      domain.StatusQueued,
		LastSeq:     domain.SeqFor(domain.EventQueued),
		SubmittedAt: t.SubmittedAt,
	}
	if in.IdemKey != "" {
		k := in.IdemKey
		e.IdemKey = &k
	}
	if _, err := s.Store.Create(ctx, e); err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: create: %w", err)
	}

	ev := domain.NewEvent(evalID, domain.EventQueued, domain.EventPayload{Task: &t})
	ev.TraceID = t.TraceID
	if err := s.Bus.Publish(ctx, ev); err != nil {
		// The queued record exists but nothing saw it; the stuck-eval sweeper
		// will fail it if the client never retries.
		return SubmitResult{}, fmt.Errorf("op=submit: publish: %w", err)
	}

	depth, err := s.Broker.Enqueue(ctx, t)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: enqueue: %w", err)
	}

	observability.SubmissionsTotal.WithLabelValues(string(priority)).Inc()
	lg.Info("submission accepted",
		slog.String("eval_id", evalID),
		slog.String("language", in.Language),
		slog.String("priority", string(priority)),
		slog.Int64("queue_position", depth))
	return SubmitResult{EvalID: evalID, QueuePosition: depth}, nil
}

func (s SubmitService) validate(in SubmitInput) (domain.Priority, int64, error) {
	if strings.TrimSpace(in.Code) == "" {
		return "", 0, fmt.Errorf("%w: code required", domain.ErrInvalidArgument)
	}
	if int64(len(in.Code)) > s.MaxCodeBytes {
		return "", 0, fmt.Errorf("%w: code exceeds %d bytes", domain.ErrTooLarge, s.MaxCodeBytes)
	}
	if mt := mimetype.Detect([]byte(in.Code)); !strings.HasPrefix(mt.String(), "text/") {
		return "", 0, fmt.Errorf("%w: code must be text, got %s", domain.ErrInvalidArgument, mt.String())
	}
	if !s.Runtimes.Supported(in.Language) {
		return "", 0, fmt.Errorf("%w: unsupported language %q", domain.ErrInvalidArgument, in.Language)
	}
	priority, err := domain.ParsePriority(in.Priority)
	if err != nil {
		return "", 0, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidArgument, in.Priority)
	}
	timeoutMS := in.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = s.DefaultTimeoutMS
	}
	if timeoutMS < 0 || timeoutMS > s.MaxTimeoutMS {
		return "", 0, fmt.Errorf("%w: timeout_ms out of range (max %d)", domain.ErrInvalidArgument, s.MaxTimeoutMS)
	}
	return priority, timeoutMS, nil
}
