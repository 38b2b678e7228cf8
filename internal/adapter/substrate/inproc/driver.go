// Package inproc is an in-process substrate for development and tests. Jobs
// finish according to a programmable outcome table instead of running real
// code, but the observable contract (labels, watch stream, log retention,
// idempotent terminate) matches the real drivers.
package inproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// Outcome scripts how a job finishes.
type Outcome struct {
	Delay    time.Duration
	Phase    domain.JobPhase
	ExitCode int
	Stdout   string
	Stderr   string
	// LoseLogs makes ReadLogs fail with ErrNotFound after the job finishes.
	LoseLogs bool
	// RejectCreate fails CreateJob with ErrInvalidArgument.
	RejectCreate bool
	// UnavailableCreate fails CreateJob with ErrUnavailable.
	UnavailableCreate bool
}

type job struct {
	id      string
	evalID  string
	phase   domain.JobPhase
	exit    *int
	stdout  string
	stderr  string
	lost    bool
	timeout time.Duration
	outcome Outcome
	timer   *time.Timer
}

// Driver implements domain.Substrate in memory.
type Driver struct {
	mu       sync.Mutex
	jobs     map[string]*job // by job id
	byEval   map[string]string
	outcomes map[string]Outcome // by eval id
	watchers []chan domain.JobState
}

// New constructs an empty driver; without scripting every job succeeds
// immediately with empty output.
func New() *Driver {
	return &Driver{
		jobs:     make(map[string]*job),
		byEval:   make(map[string]string),
		outcomes: make(map[string]Outcome),
	}
}

// Script sets the outcome for a future job of the given evaluation.
func (d *Driver) Script(evalID string, o Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[evalID] = o
}

// CreateJob registers the job and schedules its scripted completion.
func (d *Driver) CreateJob(_ context.Context, spec domain.JobSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, scripted := d.outcomes[spec.EvalID]
	if !scripted {
		o = Outcome{Phase: domain.JobSucceeded, Stdout: ""}
	}
	if o.RejectCreate {
		return "", fmt.Errorf("op=inproc.CreateJob: %w: scripted rejection", domain.ErrInvalidArgument)
	}
	if o.UnavailableCreate {
		return "", fmt.Errorf("op=inproc.CreateJob: %w: scripted outage", domain.ErrUnavailable)
	}

	j := &job{
		id:      uuid.New().String(),
		evalID:  spec.EvalID,
		phase:   domain.JobRunning,
		timeout: spec.Timeout,
		outcome: o,
	}
	d.jobs[j.id] = j
	d.byEval[spec.EvalID] = j.id
	d.notifyLocked(domain.JobState{JobID: j.id, EvalID: j.evalID, Phase: domain.JobRunning})

	// The sandbox enforces the wall clock: a job whose scripted finish lies
	// past the deadline is killed at the deadline instead.
	if spec.Timeout > 0 && o.Delay > spec.Timeout {
		j.timer = time.AfterFunc(spec.Timeout, func() { d.expire(j.id) })
	} else {
		j.timer = time.AfterFunc(o.Delay, func() { d.finish(j.id) })
	}
	return j.id, nil
}

// expire is the deadline kill: the job ends timed_out with the conventional
// SIGKILL exit.
func (d *Driver) expire(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok || j.phase.Terminal() {
		return
	}
	exit := 137
	j.phase = domain.JobTimedOut
	j.exit = &exit
	d.notifyLocked(domain.JobState{JobID: j.id, EvalID: j.evalID, Phase: j.phase, ExitCode: j.exit})
}

func (d *Driver) finish(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok || j.phase.Terminal() {
		return
	}
	o := j.outcome
	phase := o.Phase
	if phase == "" {
		phase = domain.JobSucceeded
	}
	exit := o.ExitCode
	if phase == domain.JobTimedOut && exit == 0 {
		exit = 137
	}
	j.phase = phase
	j.exit = &exit
	j.stdout = o.Stdout
	j.stderr = o.Stderr
	j.lost = o.LoseLogs
	d.notifyLocked(domain.JobState{JobID: j.id, EvalID: j.evalID, Phase: j.phase, ExitCode: j.exit})
}

// WatchJobs streams every observation made after the call.
func (d *Driver) WatchJobs(ctx context.Context) (<-chan domain.JobState, error) {
	ch := make(chan domain.JobState, 64)
	d.mu.Lock()
	d.watchers = append(d.watchers, ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		for i, w := range d.watchers {
			if w == ch {
				d.watchers = append(d.watchers[:i], d.watchers[i+1:]...)
				close(ch)
				break
			}
		}
		d.mu.Unlock()
	}()
	return ch, nil
}

func (d *Driver) notifyLocked(st domain.JobState) {
	for _, w := range d.watchers {
		select {
		case w <- st:
		default:
		}
	}
}

// GetJob looks a job up by id.
func (d *Driver) GetJob(_ context.Context, jobID string) (domain.JobState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return domain.JobState{}, fmt.Errorf("op=inproc.GetJob: %w", domain.ErrNotFound)
	}
	return domain.JobState{JobID: j.id, EvalID: j.evalID, Phase: j.phase, ExitCode: j.exit}, nil
}

// FindJob looks a job up by eval id.
func (d *Driver) FindJob(_ context.Context, evalID string) (domain.JobState, error) {
	d.mu.Lock()
	id, ok := d.byEval[evalID]
	d.mu.Unlock()
	if !ok {
		return domain.JobState{}, fmt.Errorf("op=inproc.FindJob: %w", domain.ErrNotFound)
	}
	return d.GetJob(context.Background(), id)
}

// ReadLogs returns the scripted output, or ErrNotFound when the script lost
// the logs.
func (d *Driver) ReadLogs(_ context.Context, jobID string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return "", "", fmt.Errorf("op=inproc.ReadLogs: %w", domain.ErrNotFound)
	}
	if j.lost {
		return "", "", fmt.Errorf("op=inproc.ReadLogs: %w", domain.ErrNotFound)
	}
	return j.stdout, j.stderr, nil
}

// Terminate kills a running job. Finished and unknown jobs are a no-op. An
// external kill reads as failed, not timed_out; only the deadline expiry
// classifies as a timeout.
func (d *Driver) Terminate(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok || j.phase.Terminal() {
		return nil
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	exit := 137
	j.phase = domain.JobFailed
	j.exit = &exit
	d.notifyLocked(domain.JobState{JobID: j.id, EvalID: j.evalID, Phase: j.phase, ExitCode: j.exit})
	return nil
}
