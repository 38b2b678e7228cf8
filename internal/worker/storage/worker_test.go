package storage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalmesh/evalmesh/internal/adapter/repo/memory"
	"github.com/evalmesh/evalmesh/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published []domain.Event
}

func (b *fakeBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, func(context.Context, domain.Event) error) error {
	return nil
}

func (b *fakeBus) Tail(context.Context, string) (<-chan domain.Event, error) {
	return nil, nil
}

func queuedEvent(id string) domain.Event {
	return domain.NewEvent(id, domain.EventQueued, domain.EventPayload{
		Task: &domain.Task{
			EvalID:      id,
			Code:        "print('x')",
			Language:    "python",
			Priority:    domain.PriorityNormal,
			TimeoutMS:   5000,
			SubmittedAt: time.Now().UTC(),
		},
	})
}

func TestHandle_FullLifecycle(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventAssigned, domain.EventPayload{WorkerID: "w1"})))
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventRunning, domain.EventPayload{WorkerID: "w1"})))
	exit := 0
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventSucceeded, domain.EventPayload{
		WorkerID: "w1", ExitCode: &exit, Stdout: "hello\n",
	})))

	e, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, e.Status)
	assert.Equal(t, "w1", e.WorkerID)
	assert.Equal(t, "hello\n", e.Stdout)
	require.NotNil(t, e.ExitCode)
	assert.Equal(t, 0, *e.ExitCode)
	assert.Equal(t, int64(4), e.LastSeq)
}

func TestHandle_DuplicateEventsAreIdempotent(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))
	running := domain.NewEvent("e1", domain.EventRunning, domain.EventPayload{WorkerID: "w1"})
	require.NoError(t, w.Handle(ctx, running))
	// Redelivery of the same event must be dropped as stale, not error.
	require.NoError(t, w.Handle(ctx, running))

	e, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, e.Status)
	assert.Equal(t, int64(3), e.LastSeq)
}

func TestHandle_TerminalBeforeIntermediates(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))
	// The bus does not order across channels: the terminal event lands first.
	exit := 1
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventFailed, domain.EventPayload{
		WorkerID: "w1", ExitCode: &exit, ErrorKind: domain.ErrorKindExecutionError, Stderr: "boom",
	})))
	// The late intermediates must not regress the terminal status.
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventAssigned, domain.EventPayload{WorkerID: "w1"})))
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventRunning, domain.EventPayload{WorkerID: "w1"})))

	e, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, domain.ErrorKindExecutionError, e.ErrorKind)
	assert.Equal(t, "boom", e.Stderr)
}

func TestHandle_FirstTerminalWins(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventCancelled, domain.EventPayload{
		ErrorKind: domain.ErrorKindCancelled,
	})))
	// A racing success from the dispatch worker arrives second and loses.
	exit := 0
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventSucceeded, domain.EventPayload{
		WorkerID: "w1", ExitCode: &exit, Stdout: "late",
	})))

	e, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, e.Status)
	assert.Empty(t, e.Stdout)
}

func TestHandle_QueuedDuplicateKeepsRecord(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventRunning, domain.EventPayload{WorkerID: "w1"})))
	// Redelivered queued event must not reset progress.
	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))

	e, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, e.Status)
}

func TestHandle_UnknownEvaluationDropped(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)

	err := w.Handle(context.Background(), domain.NewEvent("ghost", domain.EventRunning, domain.EventPayload{}))
	require.NoError(t, err, "events for purged records are dropped, not retried")
}

func TestHandle_OutputPreviewTruncated(t *testing.T) {
	store := memory.New()
	w := New(store, 8)
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("e1")))
	exit := 0
	require.NoError(t, w.Handle(ctx, domain.NewEvent("e1", domain.EventSucceeded, domain.EventPayload{
		WorkerID: "w1", ExitCode: &exit, Stdout: strings.Repeat("a", 100),
	})))

	e, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, e.Stdout, 8)
	assert.True(t, e.StdoutTruncated)
	assert.False(t, e.StderrTruncated)
}

func TestTruncate_DoesNotSplitRunes(t *testing.T) {
	s := "héllo wörld"
	out, cut := truncate(s, 2)
	assert.True(t, cut)
	assert.Equal(t, "h", out, "must not keep half of a multi-byte rune")

	out, cut = truncate("ascii", 100)
	assert.False(t, cut)
	assert.Equal(t, "ascii", out)
}

func TestSweeper_FailsStuckEvaluations(t *testing.T) {
	store := memory.New()
	w := New(store, 1<<20)
	bus := &fakeBus{}
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, queuedEvent("stuck")))
	// Terminal records are never swept, no matter how old.
	require.NoError(t, w.Handle(ctx, queuedEvent("done")))
	exit := 0
	require.NoError(t, w.Handle(ctx, domain.NewEvent("done", domain.EventSucceeded, domain.EventPayload{ExitCode: &exit})))

	// Age both records past the cutoff with a tiny maxAge.
	time.Sleep(5 * time.Millisecond)
	sw := NewSweeper(store, bus, time.Millisecond)
	require.NoError(t, sw.SweepOnce(ctx))

	require.Len(t, bus.published, 1)
	ev := bus.published[0]
	assert.Equal(t, "stuck", ev.EvalID)
	assert.Equal(t, domain.EventFailed, ev.Kind)
	assert.Equal(t, domain.ErrorKindSubstrateLost, ev.Payload.ErrorKind)
}
