// Package redisq implements the task broker on Redis: durable priority
// queues with visibility timeouts, retry backoff, and a dead-letter channel.
//
// Every state change runs as a Lua script so a task is always in exactly one
// place. Priority is strict with no anti-starvation: high drains before
// normal drains before low. That is deliberate; an evaluation platform wants
// interactive work ahead of batch work even under sustained batch load.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/domain"
)

const keyPrefix = "broker:"

// Options tune broker behavior. Zero values fall back to defaults.
type Options struct {
	// Visibility is the lease visibility timeout.
	Visibility time.Duration
	// MaxRetries before a task is dead-lettered.
	MaxRetries int
	// DeadLetterKey is the Redis list receiving unrecoverable tasks.
	DeadLetterKey string
	// LeaseWait bounds how long Lease blocks when all classes are empty.
	LeaseWait time.Duration
	// Backoff parameters for retryable nacks.
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     bool
}

func (o *Options) withDefaults() {
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.DeadLetterKey == "" {
		o.DeadLetterKey = keyPrefix + "dead"
	}
	if o.LeaseWait <= 0 {
		o.LeaseWait = 5 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 2.0
	}
}

// Broker implements domain.Broker on a Redis client.
type Broker struct {
	rdb  redis.UniversalClient
	opts Options

	enqueue        *redis.Script
	lease          *redis.Script
	ack            *redis.Script
	extend         *redis.Script
	nack           *redis.Script
	revoke         *redis.Script
	requeueExpired *redis.Script
	promoteDelayed *redis.Script
}

// New constructs a Broker around an existing Redis client.
func New(rdb redis.UniversalClient, opts Options) *Broker {
	opts.withDefaults()
	return &Broker{
		rdb:            rdb,
		opts:           opts,
		enqueue:        redis.NewScript(enqueueScript),
		lease:          redis.NewScript(leaseScript),
		ack:            redis.NewScript(ackScript),
		extend:         redis.NewScript(extendScript),
		nack:           redis.NewScript(nackScript),
		revoke:         redis.NewScript(revokeScript),
		requeueExpired: redis.NewScript(requeueExpiredScript),
		promoteDelayed: redis.NewScript(promoteDelayedScript),
	}
}

// Dial parses a Redis URL, pings it, and returns a Broker.
func Dial(ctx context.Context, url string, opts Options) (*Broker, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=broker.Dial: %w", err)
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=broker.Dial: %w: %w", domain.ErrUnavailable, err)
	}
	return New(rdb, opts), nil
}

// Ping probes the underlying Redis connection (readiness checks).
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func taskKey(evalID string) string            { return keyPrefix + "task:" + evalID }
func pendingKey(class domain.Priority) string { return keyPrefix + "pending:" + string(class) }
func inflightKey() string                     { return keyPrefix + "inflight" }
func delayedKey() string                      { return keyPrefix + "delayed" }

// Enqueue appends the task to its priority class. Idempotent on eval id: a
// duplicate returns the current class depth without double-scheduling.
func (b *Broker) Enqueue(ctx context.Context, t domain.Task) (int64, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("op=broker.Enqueue: marshal: %w", err)
	}
	res, err := b.enqueue.Run(ctx, b.rdb,
		[]string{taskKey(t.EvalID), pendingKey(t.Priority)},
		string(payload), string(t.Priority), t.EvalID,
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("op=broker.Enqueue: %w: %w", domain.ErrUnavailable, err)
	}
	created, _ := res[0].(int64)
	depth, _ := res[1].(int64)
	if created == 0 {
		slog.Debug("duplicate enqueue ignored", slog.String("eval_id", t.EvalID))
	}
	return depth, nil
}

// Lease blocks up to Options.LeaseWait polling classes in strict priority
// order. Returns nil when nothing became leasable in time.
func (b *Broker) Lease(ctx context.Context, consumerID string) (*domain.Lease, error) {
	deadline := time.Now().Add(b.opts.LeaseWait)
	for {
		l, err := b.tryLease(ctx, consumerID)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (b *Broker) tryLease(ctx context.Context, consumerID string) (*domain.Lease, error) {
	token := consumerID + ":" + strconv.FormatInt(time.Now().UnixNano(), 36)
	visDeadline := time.Now().Add(b.opts.Visibility).UnixMilli()
	for _, class := range domain.PriorityClasses {
		res, err := b.lease.Run(ctx, b.rdb,
			[]string{pendingKey(class), inflightKey()},
			visDeadline, token, keyPrefix+"task:",
		).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=broker.Lease: %w: %w", domain.ErrUnavailable, err)
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 3 {
			continue
		}
		payload, ok := vals[1].(string)
		if !ok {
			// Task hash was revoked after the id was queued; skip the orphan.
			continue
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			slog.Error("dropping undecodable task", slog.Any("error", err))
			continue
		}
		switch r := vals[2].(type) {
		case string:
			t.RetryCount, _ = strconv.Atoi(r)
		case int64:
			t.RetryCount = int(r)
		}
		observability.TasksLeasedTotal.WithLabelValues(string(class)).Inc()
		return &domain.Lease{Task: t, Token: token}, nil
	}
	return nil, nil
}

// Ack removes the task permanently. Fails with ErrConflict when the lease
// token no longer holds the task (visibility expired and it was re-leased).
func (b *Broker) Ack(ctx context.Context, evalID, token string) error {
	n, err := b.ack.Run(ctx, b.rdb, []string{taskKey(evalID), inflightKey()}, token, evalID).Int()
	if err != nil {
		return fmt.Errorf("op=broker.Ack: %w: %w", domain.ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("op=broker.Ack: %w: lease token stale", domain.ErrConflict)
	}
	return nil
}

// Extend pushes the visibility deadline out by d from now.
func (b *Broker) Extend(ctx context.Context, evalID, token string, d time.Duration) error {
	newDeadline := time.Now().Add(d).UnixMilli()
	n, err := b.extend.Run(ctx, b.rdb, []string{taskKey(evalID), inflightKey()}, token, evalID, newDeadline).Int()
	if err != nil {
		return fmt.Errorf("op=broker.Extend: %w: %w", domain.ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("op=broker.Extend: %w: lease token stale", domain.ErrConflict)
	}
	return nil
}

// Nack gives the task back. Retryable failures are re-scheduled with
// exponential backoff and jitter; non-retryable failures and exhausted
// retries go to the dead-letter channel.
func (b *Broker) Nack(ctx context.Context, evalID, token string, retryable bool) error {
	retryArg := "0"
	if retryable {
		retryArg = "1"
	}
	// The retry count inside the script is the authoritative one; the backoff
	// here only needs a monotone approximation, so read it best-effort first.
	attempt, _ := b.rdb.HGet(ctx, taskKey(evalID), "retries").Int()
	readyAt := time.Now().Add(b.backoff(attempt + 1)).UnixMilli()
	n, err := b.nack.Run(ctx, b.rdb,
		[]string{taskKey(evalID), inflightKey(), delayedKey(), b.opts.DeadLetterKey},
		token, evalID, retryArg, b.opts.MaxRetries, readyAt,
	).Int()
	if err != nil {
		return fmt.Errorf("op=broker.Nack: %w: %w", domain.ErrUnavailable, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("op=broker.Nack: %w: lease token stale", domain.ErrConflict)
	case -2:
		observability.TasksDeadLetteredTotal.Inc()
		slog.Warn("task dead-lettered", slog.String("eval_id", evalID), slog.Bool("retryable", retryable))
	}
	return nil
}

// Revoke best-effort removes a not-yet-leased task (pending or delayed).
func (b *Broker) Revoke(ctx context.Context, evalID string) error {
	class, err := b.rdb.HGet(ctx, taskKey(evalID), "class").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=broker.Revoke: %w: %w", domain.ErrUnavailable, err)
	}
	_, err = b.revoke.Run(ctx, b.rdb,
		[]string{taskKey(evalID), pendingKey(domain.Priority(class)), delayedKey()},
		evalID,
	).Int()
	if err != nil {
		return fmt.Errorf("op=broker.Revoke: %w: %w", domain.ErrUnavailable, err)
	}
	return nil
}

// Depth returns the pending depth of one priority class.
func (b *Broker) Depth(ctx context.Context, class domain.Priority) (int64, error) {
	n, err := b.rdb.LLen(ctx, pendingKey(class)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=broker.Depth: %w: %w", domain.ErrUnavailable, err)
	}
	return n, nil
}

// DeadLetters returns up to limit dead-lettered task payloads without
// removing them (operator inspection).
func (b *Broker) DeadLetters(ctx context.Context, limit int64) ([]domain.Task, error) {
	raw, err := b.rdb.LRange(ctx, b.opts.DeadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.DeadLetters: %w: %w", domain.ErrUnavailable, err)
	}
	out := make([]domain.Task, 0, len(raw))
	for _, p := range raw {
		var t domain.Task
		if err := json.Unmarshal([]byte(p), &t); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *Broker) backoff(attempt int) time.Duration {
	d := b.opts.BackoffInitial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.opts.BackoffMultiplier)
		if d >= b.opts.BackoffMax {
			d = b.opts.BackoffMax
			break
		}
	}
	if b.opts.BackoffJitter {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1)) //nolint:gosec // jitter needs no crypto randomness
	}
	return d
}
