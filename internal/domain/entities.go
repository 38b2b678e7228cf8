// Package domain defines the core entities, status machine, and ports of the
// evaluation pipeline. Adapters (bus, broker, store, substrate, HTTP) depend
// on this package; it depends on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrTooLarge          = errors.New("payload too large")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("temporarily unavailable")
	ErrStaleEvent        = errors.New("stale event")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrInternal          = errors.New("internal error")
)

// IsRetryable reports whether err is a transient infrastructure failure that
// the broker retry policy should re-deliver. Everything else is attributable
// to the submission and must terminate the evaluation instead.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Status is the evaluation lifecycle automaton. It is the single source of
// progress truth; only the storage worker mutates it.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is absorbing: once set, status never regresses.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Priority is the broker scheduling class. Policy is strict priority with no
// anti-starvation: high drains before normal drains before low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// PriorityClasses lists classes in lease order (highest first).
var PriorityClasses = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority validates a priority tag; empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), nil
	}
	return "", ErrInvalidArgument
}

// ErrorKind classifies why an evaluation failed to succeed. Kinds, not types:
// they are persisted on the record and surfaced through the API.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindTransientInfra     ErrorKind = "transient_infra"
	ErrorKindSubstrateRejected  ErrorKind = "substrate_rejected"
	ErrorKindExecutionError     ErrorKind = "execution_error"
	ErrorKindTimedOut           ErrorKind = "timed_out"
	ErrorKindSubstrateLost      ErrorKind = "substrate_lost"
	ErrorKindLogsUnavailable    ErrorKind = "logs_unavailable"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindTransientExhausted ErrorKind = "transient_exhausted"
)

// Evaluation is the central entity: one submission's lifetime from accepted
// request to terminal record.
// Invariants: ID globally unique and URL-safe; terminal statuses immutable
// except administrative purges; captured outputs only on terminal states.
type Evaluation struct {
	ID              string
	Code            string
	Language        string
	Priority        Priority
	TimeoutMS       int64
	Status          Status
	WorkerID        string
	ExitCode        *int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ErrorKind       ErrorKind
	RetryCount      int
	LastSeq         int64
	IdemKey         *string
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// TransitionPatch carries the fields a lifecycle event is allowed to change.
// Nil pointers leave the stored value untouched.
type TransitionPatch struct {
	WorkerID        *string
	ExitCode        *int
	Stdout          *string
	Stderr          *string
	StdoutTruncated *bool
	StderrTruncated *bool
	ErrorKind       *ErrorKind
	RetryCount      *int
}

// ListFilter selects a page of evaluations ordered by submission time
// descending. Cursor is an opaque keyset token from a previous page.
type ListFilter struct {
	Status *Status
	Cursor string
	Limit  int
}

// EvaluationStore is the authoritative record of evaluation state (port).
// All writes are linearizable per evaluation id.
type EvaluationStore interface {
	// Create inserts the initial record. Duplicate create is a no-op that
	// returns the existing record.
	Create(ctx context.Context, e Evaluation) (Evaluation, error)
	// Transition conditionally applies patch and moves status to `to` only if
	// the current status is in `from` and seq is greater than the stored
	// sequence. Returns ErrStaleEvent, ErrIllegalTransition, or ErrNotFound.
	Transition(ctx context.Context, id string, from []Status, to Status, patch TransitionPatch, seq int64) error
	Get(ctx context.Context, id string) (Evaluation, error)
	List(ctx context.Context, f ListFilter) ([]Evaluation, string, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Evaluation, error)
}

// Task is the queued representation of an evaluation for the dispatch worker.
// EvalID doubles as the idempotency key on the broker.
type Task struct {
	EvalID      string    `json:"eval_id"`
	Code        string    `json:"code"`
	Language    string    `json:"language"`
	Priority    Priority  `json:"priority"`
	TimeoutMS   int64     `json:"timeout_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
	RetryCount  int       `json:"retry_count"`
	TraceID     string    `json:"trace_id"`
}

// Lease is a task held by a consumer under a visibility timeout. Token fences
// acks from consumers whose lease already expired.
type Lease struct {
	Task  Task
	Token string
}

// Broker is the durable, prioritized, at-least-once task queue (port).
type Broker interface {
	// Enqueue appends the task to its priority class and returns the class
	// depth after the append (the queue position). Duplicate enqueue on the
	// same eval id returns success without double-scheduling.
	Enqueue(ctx context.Context, t Task) (int64, error)
	// Lease blocks up to the broker's configured wait, polling classes in
	// strict priority order, and returns nil when nothing became leasable.
	Lease(ctx context.Context, consumerID string) (*Lease, error)
	Ack(ctx context.Context, evalID, token string) error
	Extend(ctx context.Context, evalID, token string, d time.Duration) error
	// Nack restores a retryable task with incremented retry count and
	// exponential backoff, or moves it to the dead-letter channel when not
	// retryable or when retries are exhausted.
	Nack(ctx context.Context, evalID, token string, retryable bool) error
	// Revoke best-effort removes a not-yet-leased task.
	Revoke(ctx context.Context, evalID string) error
}
