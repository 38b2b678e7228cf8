package domain

// transitionSources lists, per target status, the statuses a lifecycle event
// may move the record from. Terminal targets include every pre-terminal
// status: the bus does not order events per evaluation, so a terminal event
// may arrive before the intermediate assigned/running events it followed.
// The record then skips ahead; the late intermediates are rejected as stale
// by the sequence-number guard rather than blocking terminal progress.
var transitionSources = map[Status][]Status{
	StatusProvisioning: {StatusQueued},
	StatusRunning:      {StatusQueued, StatusProvisioning},
	StatusSucceeded:    {StatusQueued, StatusProvisioning, StatusRunning},
	StatusFailed:       {StatusQueued, StatusProvisioning, StatusRunning},
	StatusTimedOut:     {StatusQueued, StatusProvisioning, StatusRunning},
	StatusCancelled:    {StatusQueued, StatusProvisioning, StatusRunning},
}

// TransitionSources returns the legal from-set for a target status. The
// returned slice must not be mutated.
func TransitionSources(to Status) []Status {
	return transitionSources[to]
}

// CanTransition reports whether from -> to is a legal edge. Terminal statuses
// are absorbing: nothing transitions out of them.
func CanTransition(from, to Status) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// StatusFor maps a lifecycle event kind to the status it establishes. The
// queued kind creates the record rather than transitioning it.
func StatusFor(k EventKind) Status {
	switch k {
	case EventQueued:
		return StatusQueued
	case EventAssigned:
		return StatusProvisioning
	case EventRunning:
		return StatusRunning
	case EventSucceeded:
		return StatusSucceeded
	case EventFailed:
		return StatusFailed
	case EventTimedOut:
		return StatusTimedOut
	case EventCancelled:
		return StatusCancelled
	}
	return StatusFailed
}
