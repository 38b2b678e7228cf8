package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evalmesh/evalmesh/internal/domain"
	obsctx "github.com/evalmesh/evalmesh/internal/observability"
)

// CancelService requests cancellation of an in-flight evaluation.
type CancelService struct {
	Store  domain.EvaluationStore
	Bus    domain.Bus
	Broker domain.Broker
}

// NewCancelService constructs a CancelService.
func NewCancelService(store domain.EvaluationStore, bus domain.Bus, broker domain.Broker) CancelService {
	return CancelService{Store: store, Bus: bus, Broker: broker}
}

// Cancel publishes the terminal cancelled event and best-effort revokes the
// queued task. It returns once the event is published; the dispatch worker
// tears the sandbox down asynchronously when it sees the event.
func (s CancelService) Cancel(ctx context.Context, id string) error {
	lg := obsctx.LoggerFromContext(ctx)

	e, err := s.Store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=cancel: %w", err)
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: evaluation already %s", domain.ErrConflict, e.Status)
	}

	ev := domain.NewEvent(id, domain.EventCancelled, domain.EventPayload{ErrorKind: domain.ErrorKindCancelled})
	ev.TraceID = obsctx.TraceIDFromContext(ctx)
	if err := s.Bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("op=cancel: publish: %w", err)
	}

	// The task may never have been leased; pulling it off the queue saves a
	// pointless dispatch round trip. Failure here is harmless, the dispatch
	// worker short-circuits on the terminal record.
	if err := s.Broker.Revoke(ctx, id); err != nil {
		lg.Warn("revoke after cancel failed", slog.String("eval_id", id), slog.Any("error", err))
	}

	lg.Info("cancellation requested", slog.String("eval_id", id))
	return nil
}
