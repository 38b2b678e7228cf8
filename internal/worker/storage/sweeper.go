package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// StaleLister is the slice of the store the sweeper needs.
type StaleLister interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Evaluation, error)
}

const sweepBatch = 50

// Sweeper fails evaluations stuck in a non-terminal status for longer than
// maxAge. It publishes failed events instead of writing the store directly so
// the transition flows through the same event path as everything else and
// streaming watchers see it.
type Sweeper struct {
	lister StaleLister
	bus    domain.Bus
	maxAge time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(lister StaleLister, bus domain.Bus, maxAge time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Sweeper{lister: lister, bus: bus, maxAge: maxAge}
}

// Run sweeps on the interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				slog.Error("stuck evaluation sweep failed", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce fails one batch of stuck evaluations.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	stale, err := s.lister.ListStale(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, e := range stale {
		ev := domain.NewEvent(e.ID, domain.EventFailed, domain.EventPayload{
			ErrorKind: domain.ErrorKindSubstrateLost,
		})
		if err := s.bus.Publish(ctx, ev); err != nil {
			return err
		}
		slog.Warn("stuck evaluation failed by sweeper",
			slog.String("eval_id", e.ID),
			slog.String("status", string(e.Status)),
			slog.Time("last_update", e.UpdatedAt))
	}
	return nil
}
