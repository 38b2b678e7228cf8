package redisq

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalmesh/evalmesh/internal/domain"
)

func newTestBroker(t *testing.T, opts Options) (*Broker, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return New(rdb, opts), cleanup
}

func task(id string, p domain.Priority) domain.Task {
	return domain.Task{
		EvalID:      id,
		Code:        "print('x')",
		Language:    "python",
		Priority:    p,
		TimeoutMS:   5000,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestEnqueueLease_FIFOWithinClass(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 100 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := b.Enqueue(ctx, task(id, domain.PriorityNormal))
		require.NoError(t, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		l, err := b.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, want, l.Task.EvalID)
	}
}

func TestLease_StrictPriorityOrder(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 100 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("low-1", domain.PriorityLow))
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, task("norm-1", domain.PriorityNormal))
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, task("high-1", domain.PriorityHigh))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		l, err := b.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, l)
		got = append(got, l.Task.EvalID)
	}
	assert.Equal(t, []string{"high-1", "norm-1", "low-1"}, got)
}

func TestEnqueue_IdempotentOnEvalID(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	d1, err := b.Enqueue(ctx, task("dup", domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(1), d1)

	d2, err := b.Enqueue(ctx, task("dup", domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(1), d2, "duplicate must not grow the class")

	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	l2, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, l2, "only one copy may be scheduled")
}

func TestAck_RemovesPermanently(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, b.Ack(ctx, "e1", l.Token))
	require.NoError(t, b.ReapOnce(ctx))

	l2, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, l2)
}

func TestAck_StaleTokenConflicts(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	err = b.Ack(ctx, "e1", "not-the-token")
	require.ErrorIs(t, err, domain.ErrConflict)
	// The real holder can still ack.
	require.NoError(t, b.Ack(ctx, "e1", l.Token))
}

func TestVisibilityExpiry_RedeliversWithRetryCount(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{
		Visibility: 10 * time.Millisecond,
		LeaseWait:  50 * time.Millisecond,
		MaxRetries: 3,
	})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 0, l.Task.RetryCount)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.ReapOnce(ctx))

	l2, err := b.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, l2, "expired lease must become leasable again")
	assert.Equal(t, 1, l2.Task.RetryCount)

	// The first holder's ack is now fenced off.
	err = b.Ack(ctx, "e1", l.Token)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestExtend_KeepsLeaseAlive(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{
		Visibility: 10 * time.Millisecond,
		LeaseWait:  50 * time.Millisecond,
	})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, b.Extend(ctx, "e1", l.Token, time.Minute))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.ReapOnce(ctx))

	l2, err := b.Lease(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, l2, "extended lease must not be redelivered")
}

func TestNack_RetryableBacksOffThenPromotes(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{
		LeaseWait:      50 * time.Millisecond,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, b.Nack(ctx, "e1", l.Token, true))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.ReapOnce(ctx))

	l2, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, 1, l2.Task.RetryCount)
}

func TestNack_NonRetryableDeadLetters(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond, MaxRetries: 3})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, b.Nack(ctx, "e1", l.Token, false))

	dead, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "e1", dead[0].EvalID)

	l2, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, l2)
}

func TestNack_ExhaustedRetriesDeadLetters(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{
		LeaseWait:      50 * time.Millisecond,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)

	// Attempt 1: retryable nack stays in the system.
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NoError(t, b.Nack(ctx, "e1", l.Token, true))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.ReapOnce(ctx))

	// Attempt 2: exceeds MaxRetries=1, must dead-letter.
	l, err = b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NoError(t, b.Nack(ctx, "e1", l.Token, true))

	dead, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestRevoke_PendingTaskRemoved(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, b.Revoke(ctx, "e1"))

	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestRevoke_LeasedTaskLeftAlone(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	_, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	l, err := b.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)

	require.NoError(t, b.Revoke(ctx, "e1"))
	// The lease holder can still ack the task.
	require.NoError(t, b.Ack(ctx, "e1", l.Token))
}

func TestDepth_ReportsQueuePosition(t *testing.T) {
	t.Parallel()
	b, cleanup := newTestBroker(t, Options{LeaseWait: 50 * time.Millisecond})
	defer cleanup()
	ctx := context.Background()

	pos, err := b.Enqueue(ctx, task("e1", domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
	pos, err = b.Enqueue(ctx, task("e2", domain.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	n, err := b.Depth(ctx, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
