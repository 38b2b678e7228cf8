package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService purges terminal evaluation records past the retention
// window. Non-terminal records are never purged, however old; the stuck-eval
// sweeper fails them first.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with a default 90 day window.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData deletes terminal records whose last update is older than the
// retention window.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM evaluations
		WHERE status IN ('succeeded','failed','timed_out','cancelled')
		AND updated_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=eval.cleanup: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("evaluation retention purge completed",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// RunPeriodic runs the purge on an interval until ctx is done.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial retention purge failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic retention purge failed", slog.Any("error", err))
			}
		}
	}
}
