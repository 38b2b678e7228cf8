// Package docker runs sandbox jobs as one-shot containers on a Docker
// engine.
//
// Every container carries the platform labels: the eval id for lookup and
// the absolute deadline for timeout classification. The driver arms a timer
// per container that hard-kills it at the deadline; because the deadline
// rides on a label, a restarted driver re-arms the timers from a label scan
// and a kill is still classifiable as a timeout without local state.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/domain"
)

const (
	labelManaged  = "evalmesh.managed"
	labelEvalID   = "evalmesh.eval_id"
	labelDeadline = "evalmesh.deadline"

	sandboxUser = "65534:65534" // nobody
)

// Driver implements domain.Substrate on the Docker engine API.
type Driver struct {
	cli      *client.Client
	runtimes config.Runtimes

	mu    sync.Mutex
	kills map[string]*time.Timer // container id -> pending deadline kill
}

// New connects to the engine from the environment, pings it, and re-arms the
// deadline kill timers of any managed containers left over from a previous
// process.
func New(ctx context.Context, runtimes config.Runtimes) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=docker.New: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("op=docker.New: %w: %w", domain.ErrUnavailable, err)
	}
	d := &Driver{cli: cli, runtimes: runtimes, kills: make(map[string]*time.Timer)}
	d.rearmDeadlines(ctx)
	return d, nil
}

// Close stops the pending kill timers and releases the engine client.
func (d *Driver) Close() error {
	d.mu.Lock()
	for id, t := range d.kills {
		t.Stop()
		delete(d.kills, id)
	}
	d.mu.Unlock()
	return d.cli.Close()
}

// rearmDeadlines scans running managed containers and schedules their
// deadline kills. Best effort: a container the scan misses is still caught by
// the dispatch watchdog.
func (d *Driver) rearmDeadlines(ctx context.Context) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=1")),
	})
	if err != nil {
		slog.Warn("deadline rearm scan failed", slog.Any("error", err))
		return
	}
	for _, c := range list {
		deadline, err := time.Parse(time.RFC3339Nano, c.Labels[labelDeadline])
		if err != nil {
			continue
		}
		d.armKill(c.ID, time.Until(deadline))
	}
}

// armKill schedules a hard kill when the wall-clock deadline passes. The
// watchdog on the dispatch side is a slightly-later backstop, not the
// enforcement.
func (d *Driver) armKill(jobID string, in time.Duration) {
	if in < 0 {
		in = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kills[jobID]; ok {
		return
	}
	d.kills[jobID] = time.AfterFunc(in, func() {
		d.disarm(jobID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stopTimeout := 0 // immediate SIGKILL
		err := d.cli.ContainerStop(ctx, jobID, container.StopOptions{Timeout: &stopTimeout})
		if err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("deadline kill failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	})
}

func (d *Driver) disarm(jobID string) {
	d.mu.Lock()
	if t, ok := d.kills[jobID]; ok {
		t.Stop()
		delete(d.kills, jobID)
	}
	d.mu.Unlock()
}

// Ping probes engine connectivity (readiness checks).
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// CreateJob provisions one sandbox container and starts it. The code is the
// sole command payload; network is disabled, the root filesystem is
// read-only, and the container runs as an unprivileged user.
func (d *Driver) CreateJob(ctx context.Context, spec domain.JobSpec) (string, error) {
	rt, ok := d.runtimes[spec.Language]
	if !ok {
		return "", fmt.Errorf("op=docker.CreateJob: language %q: %w", spec.Language, domain.ErrInvalidArgument)
	}
	deadline := time.Now().UTC().Add(spec.Timeout)

	cfg := &container.Config{
		Image: rt.Image,
		Cmd:   append(append([]string{}, rt.Command...), spec.Code),
		User:  sandboxUser,
		Labels: map[string]string{
			labelManaged:  "1",
			labelEvalID:   spec.EvalID,
			labelDeadline: deadline.Format(time.RFC3339Nano),
		},
		NetworkDisabled: true,
	}
	host := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Resources: container.Resources{
			NanoCPUs:  spec.Profile.CPUMilli * 1_000_000,
			Memory:    spec.Profile.MemoryBytes,
			PidsLimit: &spec.Profile.PidsLimit,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "evalmesh-"+spec.EvalID)
	if err != nil {
		return "", classifyEngineErr("op=docker.CreateJob", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Remove the husk so FindJob does not resolve to a never-started job.
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", classifyEngineErr("op=docker.CreateJob: start", err)
	}
	d.armKill(created.ID, spec.Timeout)
	return created.ID, nil
}

// WatchJobs streams observations for every container carrying the platform
// label, including containers created by other dispatch workers. The channel
// closes when ctx is done or the event stream fails.
func (d *Driver) WatchJobs(ctx context.Context) (<-chan domain.JobState, error) {
	f := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", labelManaged+"=1"),
		filters.Arg("event", "start"),
		filters.Arg("event", "die"),
	)
	msgs, errs := d.cli.Events(ctx, events.ListOptions{Filters: f})

	out := make(chan domain.JobState, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-errs:
				return
			case msg := <-msgs:
				st, ok := stateFromEvent(msg)
				if !ok {
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func stateFromEvent(msg events.Message) (domain.JobState, bool) {
	evalID := msg.Actor.Attributes[labelEvalID]
	if evalID == "" {
		return domain.JobState{}, false
	}
	st := domain.JobState{JobID: msg.Actor.ID, EvalID: evalID}
	switch msg.Action {
	case "start":
		st.Phase = domain.JobRunning
	case "die":
		code, err := strconv.Atoi(msg.Actor.Attributes["exitCode"])
		if err != nil {
			code = -1
		}
		st.ExitCode = &code
		st.Phase = classifyExit(code, msg.Actor.Attributes[labelDeadline])
	default:
		return domain.JobState{}, false
	}
	return st, true
}

// classifyExit decides succeeded / failed / timed_out from the exit code and
// the deadline label. A kill past the deadline is a timeout no matter which
// signal delivered it.
func classifyExit(code int, deadlineLabel string) domain.JobPhase {
	if deadlineLabel != "" {
		if deadline, err := time.Parse(time.RFC3339Nano, deadlineLabel); err == nil && time.Now().After(deadline) {
			return domain.JobTimedOut
		}
	}
	if code == 0 {
		return domain.JobSucceeded
	}
	return domain.JobFailed
}

// GetJob inspects one container by id.
func (d *Driver) GetJob(ctx context.Context, jobID string) (domain.JobState, error) {
	inspect, err := d.cli.ContainerInspect(ctx, jobID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.JobState{}, fmt.Errorf("op=docker.GetJob: %w", domain.ErrNotFound)
		}
		return domain.JobState{}, fmt.Errorf("op=docker.GetJob: %w: %w", domain.ErrUnavailable, err)
	}
	st := domain.JobState{JobID: inspect.ID, EvalID: inspect.Config.Labels[labelEvalID]}
	switch {
	case inspect.State == nil:
		st.Phase = domain.JobPending
	case inspect.State.Running:
		st.Phase = domain.JobRunning
	case inspect.State.StartedAt == "" || inspect.State.StartedAt == "0001-01-01T00:00:00Z":
		st.Phase = domain.JobPending
	default:
		code := inspect.State.ExitCode
		st.ExitCode = &code
		st.Phase = classifyExit(code, inspect.Config.Labels[labelDeadline])
	}
	return st, nil
}

// FindJob looks a container up by eval id label.
func (d *Driver) FindJob(ctx context.Context, evalID string) (domain.JobState, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelEvalID+"="+evalID)),
	})
	if err != nil {
		return domain.JobState{}, fmt.Errorf("op=docker.FindJob: %w: %w", domain.ErrUnavailable, err)
	}
	if len(list) == 0 {
		return domain.JobState{}, fmt.Errorf("op=docker.FindJob: %w", domain.ErrNotFound)
	}
	return d.GetJob(ctx, list[0].ID)
}

// ReadLogs demultiplexes the container's captured stdout and stderr.
func (d *Driver) ReadLogs(ctx context.Context, jobID string) (string, string, error) {
	rc, err := d.cli.ContainerLogs(ctx, jobID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", "", fmt.Errorf("op=docker.ReadLogs: %w", domain.ErrNotFound)
		}
		return "", "", fmt.Errorf("op=docker.ReadLogs: %w: %w", domain.ErrUnavailable, err)
	}
	defer func() { _ = rc.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("op=docker.ReadLogs: demux: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Terminate stops and removes the container. Unknown and already-finished
// containers are not an error.
func (d *Driver) Terminate(ctx context.Context, jobID string) error {
	d.disarm(jobID)
	stopTimeout := 0 // immediate SIGKILL
	err := d.cli.ContainerStop(ctx, jobID, container.StopOptions{Timeout: &stopTimeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("op=docker.Terminate: stop: %w: %w", domain.ErrUnavailable, err)
	}
	err = d.cli.ContainerRemove(ctx, jobID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("op=docker.Terminate: remove: %w: %w", domain.ErrUnavailable, err)
	}
	return nil
}

func classifyEngineErr(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err), errdefs.IsInvalidParameter(err):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInvalidArgument, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
	}
}
