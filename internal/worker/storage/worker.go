// Package storage implements the storage worker: the sole writer of
// evaluation records. It consumes every lifecycle channel, creates records
// from queued events, and applies the rest as conditional transitions so
// duplicates and reordering collapse into a single consistent history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/domain"
	obsctx "github.com/evalmesh/evalmesh/internal/observability"
)

// ConsumerGroup names the bus group shared by storage worker replicas.
const ConsumerGroup = "storage-worker"

// Worker applies lifecycle events to the evaluation store.
type Worker struct {
	store   domain.EvaluationStore
	preview int64
}

// New constructs a Worker. previewBytes bounds the stored output previews.
func New(store domain.EvaluationStore, previewBytes int64) *Worker {
	if previewBytes <= 0 {
		previewBytes = 1 << 20
	}
	return &Worker{store: store, preview: previewBytes}
}

// Run subscribes to the bus and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context, bus domain.Bus) error {
	return bus.Subscribe(ctx, ConsumerGroup, w.Handle)
}

// Handle applies one event. Transient store failures are retried here with
// exponential backoff because the bus acknowledges regardless of outcome;
// stale and illegal events are dropped by design.
func (w *Worker) Handle(ctx context.Context, ev domain.Event) error {
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("eval_id", ev.EvalID),
		slog.String("kind", string(ev.Kind)),
		slog.Int64("seq", ev.Seq),
	)

	op := func() error {
		err := w.apply(ctx, ev)
		if err == nil || !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(op, bo)

	switch {
	case err == nil:
		observability.EventsAppliedTotal.WithLabelValues(string(ev.Kind)).Inc()
		if st := domain.StatusFor(ev.Kind); ev.Kind.Terminal() {
			observability.EvaluationsTerminalTotal.WithLabelValues(string(st)).Inc()
		}
		return nil
	case errors.Is(err, domain.ErrStaleEvent):
		observability.EventsRejectedTotal.WithLabelValues(string(ev.Kind), "stale").Inc()
		lg.Debug("stale event dropped")
		return nil
	case errors.Is(err, domain.ErrIllegalTransition):
		observability.EventsRejectedTotal.WithLabelValues(string(ev.Kind), "illegal").Inc()
		lg.Warn("illegal transition dropped", slog.Any("error", err))
		return nil
	case errors.Is(err, domain.ErrNotFound):
		// The record was purged, or the event predates a create that will
		// never come. Either way there is nothing to apply to.
		observability.EventsRejectedTotal.WithLabelValues(string(ev.Kind), "not_found").Inc()
		lg.Warn("event for unknown evaluation dropped")
		return nil
	default:
		observability.EventsRejectedTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		lg.Error("event apply failed after retries", slog.Any("error", err))
		return err
	}
}

func (w *Worker) apply(ctx context.Context, ev domain.Event) error {
	if ev.Kind == domain.EventQueued {
		return w.applyQueued(ctx, ev)
	}

	to := domain.StatusFor(ev.Kind)
	from := domain.TransitionSources(to)
	patch := w.patchFor(ev)
	return w.store.Transition(ctx, ev.EvalID, from, to, patch, ev.Seq)
}

// applyQueued creates the record. The gateway already created it before
// publishing, so this is normally a no-op; it matters when the gateway died
// between publish and create, or when records are rebuilt from the bus.
func (w *Worker) applyQueued(ctx context.Context, ev domain.Event) error {
	t := ev.Payload.Task
	if t == nil {
		return fmt.Errorf("op=storage.applyQueued: queued event without task: %w", domain.ErrInvalidArgument)
	}
	_, err := w.store.Create(ctx, domain.Evaluation{
		ID:          ev.EvalID,
		Code:        t.Code,
		Language:    t.Language,
		Priority:    t.Priority,
		TimeoutMS:   t.TimeoutMS,
		Status:      domain.StatusQueued,
		LastSeq:     ev.Seq,
		SubmittedAt: t.SubmittedAt,
	})
	return err
}

func (w *Worker) patchFor(ev domain.Event) domain.TransitionPatch {
	var patch domain.TransitionPatch
	p := ev.Payload
	if p.WorkerID != "" {
		patch.WorkerID = &p.WorkerID
	}
	if !ev.Kind.Terminal() {
		return patch
	}
	patch.ExitCode = p.ExitCode
	if p.ErrorKind != domain.ErrorKindNone {
		k := p.ErrorKind
		patch.ErrorKind = &k
	}
	stdout, stdoutCut := truncate(p.Stdout, w.preview)
	stderr, stderrCut := truncate(p.Stderr, w.preview)
	stdoutCut = stdoutCut || p.StdoutTruncated
	stderrCut = stderrCut || p.StderrTruncated
	patch.Stdout = &stdout
	patch.Stderr = &stderr
	patch.StdoutTruncated = &stdoutCut
	patch.StderrTruncated = &stderrCut
	return patch
}

// truncate bounds s to max bytes without splitting a UTF-8 rune.
func truncate(s string, max int64) (string, bool) {
	if int64(len(s)) <= max {
		return s, false
	}
	cut := s[:max]
	for i := 0; i < 3 && len(cut) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut, true
}
