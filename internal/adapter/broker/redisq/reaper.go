package redisq

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/domain"
)

const reaperBatch = 100

// RunReaper periodically requeues tasks whose visibility expired and promotes
// delayed (backed-off) tasks that became due. Blocks until ctx is done. Safe
// to run from several processes at once; the scripts are first-writer-wins.
func (b *Broker) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.ReapOnce(ctx); err != nil {
				slog.Error("broker reaper pass failed", slog.Any("error", err))
			}
		}
	}
}

// ReapOnce runs a single expired-lease and delayed-promotion pass.
func (b *Broker) ReapOnce(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	expired, err := b.rdb.ZRangeByScore(ctx, inflightKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: reaperBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range expired {
		class, err := b.rdb.HGet(ctx, taskKey(id), "class").Result()
		if err == redis.Nil {
			_ = b.rdb.ZRem(ctx, inflightKey(), id).Err()
			continue
		}
		if err != nil {
			return err
		}
		n, err := b.requeueExpired.Run(ctx, b.rdb,
			[]string{taskKey(id), inflightKey(), pendingKey(domain.Priority(class)), b.opts.DeadLetterKey},
			id, b.opts.MaxRetries,
		).Int()
		if err != nil {
			return err
		}
		switch n {
		case 1:
			slog.Info("requeued expired lease", slog.String("eval_id", id), slog.String("class", class))
		case -2:
			observability.TasksDeadLetteredTotal.Inc()
			slog.Warn("expired lease dead-lettered", slog.String("eval_id", id))
		}
	}

	due, err := b.rdb.ZRangeByScore(ctx, delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: reaperBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		class, err := b.rdb.HGet(ctx, taskKey(id), "class").Result()
		if err == redis.Nil {
			_ = b.rdb.ZRem(ctx, delayedKey(), id).Err()
			continue
		}
		if err != nil {
			return err
		}
		if _, err := b.promoteDelayed.Run(ctx, b.rdb,
			[]string{taskKey(id), delayedKey(), pendingKey(domain.Priority(class))},
			id,
		).Int(); err != nil {
			return err
		}
	}
	return nil
}
