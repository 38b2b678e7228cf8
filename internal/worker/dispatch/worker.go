// Package dispatch implements the dispatch worker: it leases tasks from the
// broker, provisions sandbox jobs on the execution substrate, and narrates
// progress onto the event bus. It never writes the evaluation store; the
// storage worker owns the record.
//
// The worker is crash-only. Everything it needs to finish an evaluation is
// reconstructable from the broker (the task redelivers), the substrate (the
// job carries the eval id and deadline as labels), and the store (a terminal
// record short-circuits redeliveries). No local state survives or needs to.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// Options configure the worker.
type Options struct {
	// WorkerID names this process in events and lease tokens.
	WorkerID string
	// Slots is the number of concurrent evaluations.
	Slots int
	// MaxRetries mirrors the broker's retry budget so the final transient
	// failure terminates the evaluation instead of dead-lettering silently.
	MaxRetries int
	// WatchdogGrace is added to the evaluation timeout before the worker
	// queries the substrate about a missed terminal observation.
	WatchdogGrace time.Duration
	// LeaseExtendInterval is how often in-flight leases are extended.
	LeaseExtendInterval time.Duration
	// LeaseVisibility is the extension granted on each beat.
	LeaseVisibility time.Duration
	// Profile is the sandbox isolation contract for every job.
	Profile domain.SandboxProfile
}

func (o *Options) withDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = "dispatch"
	}
	if o.Slots <= 0 {
		o.Slots = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.WatchdogGrace <= 0 {
		o.WatchdogGrace = 15 * time.Second
	}
	if o.LeaseExtendInterval <= 0 {
		o.LeaseExtendInterval = 30 * time.Second
	}
	if o.LeaseVisibility <= 0 {
		o.LeaseVisibility = 2 * time.Minute
	}
}

// inflight tracks one leased evaluation while its sandbox job runs.
type inflight struct {
	jobID  string
	states chan domain.JobState
	cancel chan struct{}
	once   sync.Once
}

func (f *inflight) signalCancel() { f.once.Do(func() { close(f.cancel) }) }

// Worker runs the dispatch loop.
type Worker struct {
	broker    domain.Broker
	bus       domain.Bus
	substrate domain.Substrate
	store     domain.EvaluationStore
	opts      Options

	mu       sync.Mutex
	tracking map[string]*inflight
}

// New constructs a Worker. The store is used read-only, to short-circuit
// redeliveries of already-terminal evaluations.
func New(broker domain.Broker, bus domain.Bus, substrate domain.Substrate, store domain.EvaluationStore, opts Options) *Worker {
	opts.withDefaults()
	return &Worker{
		broker:    broker,
		bus:       bus,
		substrate: substrate,
		store:     store,
		opts:      opts,
		tracking:  make(map[string]*inflight),
	}
}

// Run starts the slot loops, the substrate watcher, and the cancellation
// tail, and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.watchSubstrate(ctx) })
	g.Go(func() error { return w.tailCancellations(ctx) })
	for i := 0; i < w.opts.Slots; i++ {
		slot := i
		g.Go(func() error {
			w.slotLoop(ctx, fmt.Sprintf("%s-%d", w.opts.WorkerID, slot))
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) track(evalID string) *inflight {
	f := &inflight{
		states: make(chan domain.JobState, 4),
		cancel: make(chan struct{}),
	}
	w.mu.Lock()
	w.tracking[evalID] = f
	w.mu.Unlock()
	return f
}

func (w *Worker) untrack(evalID string) {
	w.mu.Lock()
	delete(w.tracking, evalID)
	w.mu.Unlock()
}

func (w *Worker) tracked(evalID string) (*inflight, bool) {
	w.mu.Lock()
	f, ok := w.tracking[evalID]
	w.mu.Unlock()
	return f, ok
}

// watchSubstrate fans substrate observations out to the slots waiting on
// them. Observations for evaluations this process does not hold are ignored;
// their own holder (or the sweeper) handles them.
func (w *Worker) watchSubstrate(ctx context.Context) error {
	states, err := w.substrate.WatchJobs(ctx)
	if err != nil {
		return fmt.Errorf("op=dispatch.watchSubstrate: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return ctx.Err()
			}
			if f, tracked := w.tracked(st.EvalID); tracked {
				select {
				case f.states <- st:
				default:
				}
			}
		}
	}
}

// tailCancellations terminates sandbox jobs whose evaluation was cancelled.
// The gateway already published the terminal cancelled event; the slot only
// has to stop the job and release the lease.
func (w *Worker) tailCancellations(ctx context.Context) error {
	events, err := w.bus.Tail(ctx, "")
	if err != nil {
		return fmt.Errorf("op=dispatch.tailCancellations: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if ev.Kind != domain.EventCancelled {
				continue
			}
			if f, tracked := w.tracked(ev.EvalID); tracked {
				slog.Info("cancellation received for running evaluation",
					slog.String("eval_id", ev.EvalID))
				f.signalCancel()
			}
		}
	}
}
