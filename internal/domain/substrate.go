package domain

import (
	"context"
	"time"
)

// JobPhase is the substrate-reported lifecycle phase of a sandbox job.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
	JobTimedOut  JobPhase = "timed_out"
)

// Terminal reports whether the phase is final on the substrate.
func (p JobPhase) Terminal() bool {
	switch p {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// SandboxProfile is the isolation contract handed to the substrate for every
// job: resource ceilings, no network egress, read-only root, non-root user.
type SandboxProfile struct {
	Name        string
	CPUMilli    int64
	MemoryBytes int64
	PidsLimit   int64
}

// JobSpec describes one sandbox job: the code is the sole command payload and
// the wall-clock timeout is enforced by the substrate (hard kill).
type JobSpec struct {
	EvalID   string
	Language string
	Code     string
	Timeout  time.Duration
	Profile  SandboxProfile
}

// JobState is an observation of a sandbox job. ExitCode is set only on
// terminal phases.
type JobState struct {
	JobID    string
	EvalID   string
	Phase    JobPhase
	ExitCode *int
}

// Substrate is the external execution system's observable contract (port).
// Implementations are routed by configuration, never by type inspection.
type Substrate interface {
	// CreateJob provisions an isolated sandbox job labelled with the eval id.
	// Errors wrapping ErrInvalidArgument are attributable to the submission
	// (substrate_rejected); errors wrapping ErrUnavailable are transient.
	CreateJob(ctx context.Context, spec JobSpec) (string, error)
	// WatchJobs streams lifecycle observations for every job carrying this
	// platform's label, including jobs this process never created. The
	// channel closes when ctx is done.
	WatchJobs(ctx context.Context) (<-chan JobState, error)
	// GetJob looks a job up by substrate id. Returns ErrNotFound once the
	// substrate has garbage-collected it.
	GetJob(ctx context.Context, jobID string) (JobState, error)
	// FindJob looks a job up by evaluation label.
	FindJob(ctx context.Context, evalID string) (JobState, error)
	// ReadLogs retrieves captured stdout and stderr. May fail with
	// ErrNotFound before the retention window ends if the job is gone.
	ReadLogs(ctx context.Context, jobID string) (string, string, error)
	// Terminate kills the job. Idempotent: terminating a finished or unknown
	// job is not an error.
	Terminate(ctx context.Context, jobID string) error
}
