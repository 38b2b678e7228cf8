package domain

import (
	"context"
	"time"
)

// EventKind enumerates lifecycle event kinds published on the bus.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventAssigned  EventKind = "assigned"
	EventRunning   EventKind = "running"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventTimedOut  EventKind = "timed_out"
)

// Terminal reports whether k ends the evaluation lifecycle.
func (k EventKind) Terminal() bool {
	switch k {
	case EventSucceeded, EventFailed, EventCancelled, EventTimedOut:
		return true
	}
	return false
}

// Bus channels. Channels group kinds by lifecycle phase; the transport does
// not guarantee per-evaluation ordering across them, consumers reconcile by
// sequence number.
const (
	ChannelQueued    = "evaluation.queued"
	ChannelRunning   = "evaluation.running"
	ChannelCompleted = "evaluation.completed"
	ChannelFailed    = "evaluation.failed"
	ChannelCancelled = "evaluation.cancelled"
)

// Channels lists every lifecycle channel, in no particular order.
var Channels = []string{ChannelQueued, ChannelRunning, ChannelCompleted, ChannelFailed, ChannelCancelled}

// ChannelFor maps an event kind to its bus channel.
func ChannelFor(k EventKind) string {
	switch k {
	case EventQueued:
		return ChannelQueued
	case EventAssigned, EventRunning:
		return ChannelRunning
	case EventSucceeded:
		return ChannelCompleted
	case EventFailed, EventTimedOut:
		return ChannelFailed
	case EventCancelled:
		return ChannelCancelled
	}
	return ChannelFailed
}

// SeqFor assigns the per-evaluation sequence number for a kind. Sequence
// numbers are fixed per lifecycle step so that independently emitted events
// (gateway, dispatch worker) agree without coordination: the first terminal
// event to reach the store wins at seq 4 and every later one is stale.
func SeqFor(k EventKind) int64 {
	switch k {
	case EventQueued:
		return 1
	case EventAssigned:
		return 2
	case EventRunning:
		return 3
	default:
		return 4
	}
}

// EventPayload carries kind-specific data. Output fields hold previews only;
// full bodies live on the record (bounded) or in external blob storage.
type EventPayload struct {
	WorkerID        string    `json:"worker_id,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	Stdout          string    `json:"stdout,omitempty"`
	Stderr          string    `json:"stderr,omitempty"`
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	StderrTruncated bool      `json:"stderr_truncated,omitempty"`
	// Task mirrors the submission for the queued event so the storage worker
	// can create the record idempotently from the event alone.
	Task *Task `json:"task,omitempty"`
}

// Event is an immutable lifecycle fact about an evaluation.
type Event struct {
	EvalID  string       `json:"eval_id"`
	Kind    EventKind    `json:"kind"`
	Seq     int64        `json:"seq"`
	TS      time.Time    `json:"ts"`
	Payload EventPayload `json:"payload"`
	TraceID string       `json:"trace_id,omitempty"`
}

// NewEvent builds an event with the kind's fixed sequence number.
func NewEvent(evalID string, kind EventKind, payload EventPayload) Event {
	return Event{EvalID: evalID, Kind: kind, Seq: SeqFor(kind), TS: time.Now().UTC(), Payload: payload}
}

// Bus carries lifecycle events between components (port). Delivery is
// at-least-once; a failed publish must never be treated as success.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe consumes every lifecycle channel as the named group and calls
	// handler for each event. The event is acknowledged only after handler
	// returns (any return value acknowledges; handler retries internally).
	// Blocks until ctx is done.
	Subscribe(ctx context.Context, group string, handler func(context.Context, Event) error) error
	// Tail streams events published after the call, with no backfill. evalID
	// filters to a single evaluation when non-empty. The channel closes when
	// ctx is done.
	Tail(ctx context.Context, evalID string) (<-chan Event, error)
}
