package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalmesh/evalmesh/internal/adapter/repo/memory"
	"github.com/evalmesh/evalmesh/internal/adapter/substrate/inproc"
	"github.com/evalmesh/evalmesh/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published []domain.Event
	failKinds map[domain.EventKind]bool
}

func (b *fakeBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failKinds[ev.Kind] {
		return errors.New("bus write refused")
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, func(context.Context, domain.Event) error) error {
	return nil
}

func (b *fakeBus) Tail(ctx context.Context, _ string) (<-chan domain.Event, error) {
	ch := make(chan domain.Event)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (b *fakeBus) kinds() []domain.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventKind, 0, len(b.published))
	for _, ev := range b.published {
		out = append(out, ev.Kind)
	}
	return out
}

func (b *fakeBus) last() domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

type fakeBroker struct {
	mu     sync.Mutex
	acks   []string
	nacks  map[string]bool // eval id -> retryable
	extend int
}

func (b *fakeBroker) Enqueue(context.Context, domain.Task) (int64, error) { return 1, nil }
func (b *fakeBroker) Lease(context.Context, string) (*domain.Lease, error) {
	return nil, nil
}
func (b *fakeBroker) Ack(_ context.Context, evalID, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, evalID)
	return nil
}
func (b *fakeBroker) Extend(context.Context, string, string, time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extend++
	return nil
}
func (b *fakeBroker) Nack(_ context.Context, evalID, _ string, retryable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nacks == nil {
		b.nacks = make(map[string]bool)
	}
	b.nacks[evalID] = retryable
	return nil
}
func (b *fakeBroker) Revoke(context.Context, string) error { return nil }

func (b *fakeBroker) acked(evalID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.acks {
		if id == evalID {
			return true
		}
	}
	return false
}

type fixture struct {
	worker    *Worker
	bus       *fakeBus
	broker    *fakeBroker
	substrate *inproc.Driver
	store     *memory.Store
	cancel    context.CancelFunc
	ctx       context.Context
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := &fakeBus{}
	broker := &fakeBroker{}
	sub := inproc.New()
	store := memory.New()
	opts.WorkerID = "w-test"
	if opts.WatchdogGrace == 0 {
		opts.WatchdogGrace = 200 * time.Millisecond
	}
	w := New(broker, bus, sub, store, opts)
	go func() { _ = w.watchSubstrate(ctx) }()
	// Give the watcher a beat to attach before jobs start finishing.
	time.Sleep(10 * time.Millisecond)
	return &fixture{worker: w, bus: bus, broker: broker, substrate: sub, store: store, ctx: ctx, cancel: cancel}
}

func task(id string) domain.Task {
	return domain.Task{
		EvalID:      id,
		Code:        "print('x')",
		Language:    "python",
		Priority:    domain.PriorityNormal,
		TimeoutMS:   1000,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestRunLease_HappyPath(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.substrate.Script("e1", inproc.Outcome{Phase: domain.JobSucceeded, Stdout: "42\n"})

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	assert.Equal(t, []domain.EventKind{domain.EventAssigned, domain.EventRunning, domain.EventSucceeded}, fx.bus.kinds())
	final := fx.bus.last()
	assert.Equal(t, "42\n", final.Payload.Stdout)
	require.NotNil(t, final.Payload.ExitCode)
	assert.Equal(t, 0, *final.Payload.ExitCode)
	assert.True(t, fx.broker.acked("e1"))
}

func TestRunLease_ExecutionFailure(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.substrate.Script("e1", inproc.Outcome{Phase: domain.JobFailed, ExitCode: 2, Stderr: "SyntaxError"})

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	final := fx.bus.last()
	assert.Equal(t, domain.EventFailed, final.Kind)
	assert.Equal(t, domain.ErrorKindExecutionError, final.Payload.ErrorKind)
	assert.Equal(t, "SyntaxError", final.Payload.Stderr)
	require.NotNil(t, final.Payload.ExitCode)
	assert.Equal(t, 2, *final.Payload.ExitCode)
	assert.True(t, fx.broker.acked("e1"))
	assert.Empty(t, fx.broker.nacks, "attributable failures must not be retried")
}

func TestRunLease_SubstrateKillsAtDeadline(t *testing.T) {
	// Grace is deliberately large: termination must track the requested
	// timeout, not the watchdog.
	fx := newFixture(t, Options{WatchdogGrace: 5 * time.Second})
	fx.substrate.Script("e1", inproc.Outcome{Delay: time.Hour})
	tk := task("e1")
	tk.TimeoutMS = 50

	start := time.Now()
	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: tk, Token: "tok"})
	assert.Less(t, time.Since(start), 2*time.Second)

	final := fx.bus.last()
	assert.Equal(t, domain.EventTimedOut, final.Kind)
	assert.Equal(t, domain.ErrorKindTimedOut, final.Payload.ErrorKind)
	require.NotNil(t, final.Payload.ExitCode)
	assert.Equal(t, 137, *final.Payload.ExitCode)
	assert.True(t, fx.broker.acked("e1"))

	// The sandbox job must actually be dead.
	st, err := fx.substrate.FindJob(fx.ctx, "e1")
	require.NoError(t, err)
	assert.True(t, st.Phase.Terminal())
}

func TestRunLease_WatchdogResolvesMissedObservation(t *testing.T) {
	// No substrate watcher: the terminal observation never reaches the slot
	// and the watchdog has to resolve the job by querying the substrate.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := &fakeBus{}
	broker := &fakeBroker{}
	sub := inproc.New()
	w := New(broker, bus, sub, memory.New(), Options{WorkerID: "w-test", WatchdogGrace: 100 * time.Millisecond})

	sub.Script("e1", inproc.Outcome{Delay: time.Hour})
	tk := task("e1")
	tk.TimeoutMS = 20

	w.runLease(ctx, "slot-0", &domain.Lease{Task: tk, Token: "tok"})

	final := bus.last()
	assert.Equal(t, domain.EventTimedOut, final.Kind)
	assert.Equal(t, domain.ErrorKindTimedOut, final.Payload.ErrorKind)
	assert.True(t, broker.acked("e1"))
}

func TestRunLease_SubstrateRejection(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.substrate.Script("e1", inproc.Outcome{RejectCreate: true})

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	final := fx.bus.last()
	assert.Equal(t, domain.EventFailed, final.Kind)
	assert.Equal(t, domain.ErrorKindSubstrateRejected, final.Payload.ErrorKind)
	assert.True(t, fx.broker.acked("e1"))
	assert.Empty(t, fx.broker.nacks)
}

func TestRunLease_TransientFailureNacksRetryable(t *testing.T) {
	fx := newFixture(t, Options{MaxRetries: 3})
	fx.substrate.Script("e1", inproc.Outcome{UnavailableCreate: true})

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	retryable, nacked := fx.broker.nacks["e1"]
	require.True(t, nacked)
	assert.True(t, retryable)
	assert.False(t, fx.broker.acked("e1"))
	// No terminal event yet; the retry may still succeed.
	for _, k := range fx.bus.kinds() {
		assert.False(t, k.Terminal(), "kind %s", k)
	}
}

func TestRunLease_TransientExhaustedTerminates(t *testing.T) {
	fx := newFixture(t, Options{MaxRetries: 3})
	fx.substrate.Script("e1", inproc.Outcome{UnavailableCreate: true})
	tk := task("e1")
	tk.RetryCount = 3 // final attempt

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: tk, Token: "tok"})

	final := fx.bus.last()
	assert.Equal(t, domain.EventFailed, final.Kind)
	assert.Equal(t, domain.ErrorKindTransientExhausted, final.Payload.ErrorKind)
	assert.True(t, fx.broker.acked("e1"))
	assert.Empty(t, fx.broker.nacks)
}

func TestRunLease_ExhaustedAfterAssignedPublishFailure(t *testing.T) {
	fx := newFixture(t, Options{MaxRetries: 3})
	fx.bus.failKinds = map[domain.EventKind]bool{domain.EventAssigned: true}
	tk := task("e1")
	tk.RetryCount = 3 // final attempt

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: tk, Token: "tok"})

	final := fx.bus.last()
	assert.Equal(t, domain.EventFailed, final.Kind)
	assert.Equal(t, domain.ErrorKindTransientExhausted, final.Payload.ErrorKind)
	assert.True(t, fx.broker.acked("e1"))
	assert.Empty(t, fx.broker.nacks)
}

func TestRunLease_LostLogsStillSettles(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.substrate.Script("e1", inproc.Outcome{Phase: domain.JobSucceeded, LoseLogs: true})

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	final := fx.bus.last()
	assert.Equal(t, domain.EventSucceeded, final.Kind)
	assert.Equal(t, domain.ErrorKindLogsUnavailable, final.Payload.ErrorKind)
	assert.Empty(t, final.Payload.Stdout)
	assert.True(t, fx.broker.acked("e1"))
}

func TestRunLease_TerminalRecordShortCircuits(t *testing.T) {
	fx := newFixture(t, Options{})
	_, err := fx.store.Create(fx.ctx, domain.Evaluation{ID: "e1", Status: domain.StatusCancelled})
	require.NoError(t, err)

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	assert.Empty(t, fx.bus.kinds(), "no events for an already terminal evaluation")
	assert.True(t, fx.broker.acked("e1"))
}

func TestRunLease_CancellationStopsJob(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.substrate.Script("e1", inproc.Outcome{Delay: time.Hour})

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})
	}()

	// Wait for the slot to register, then deliver the cancellation.
	require.Eventually(t, func() bool {
		_, ok := fx.worker.tracked("e1")
		return ok
	}, time.Second, 5*time.Millisecond)
	f, _ := fx.worker.tracked("e1")
	f.signalCancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slot did not settle after cancellation")
	}

	assert.True(t, fx.broker.acked("e1"))
	for _, k := range fx.bus.kinds() {
		assert.False(t, k.Terminal(), "cancel publishes no terminal event from the dispatch side, got %s", k)
	}
	st, err := fx.substrate.FindJob(fx.ctx, "e1")
	require.NoError(t, err)
	assert.True(t, st.Phase.Terminal(), "sandbox job must be stopped")
}

func TestRunLease_AdoptsFinishedJobAfterCrash(t *testing.T) {
	fx := newFixture(t, Options{})
	// A previous holder created the job and it finished; this holder adopts
	// the outcome instead of re-running the code.
	fx.substrate.Script("e1", inproc.Outcome{Phase: domain.JobSucceeded, Stdout: "done"})
	_, err := fx.substrate.CreateJob(fx.ctx, domain.JobSpec{EvalID: "e1", Language: "python", Code: "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := fx.substrate.FindJob(fx.ctx, "e1")
		return err == nil && st.Phase.Terminal()
	}, time.Second, 5*time.Millisecond)

	fx.worker.runLease(fx.ctx, "slot-0", &domain.Lease{Task: task("e1"), Token: "tok"})

	final := fx.bus.last()
	assert.Equal(t, domain.EventSucceeded, final.Kind)
	assert.Equal(t, "done", final.Payload.Stdout)
	assert.True(t, fx.broker.acked("e1"))
}
