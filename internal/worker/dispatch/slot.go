package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evalmesh/evalmesh/internal/adapter/observability"
	"github.com/evalmesh/evalmesh/internal/domain"
	obsctx "github.com/evalmesh/evalmesh/internal/observability"
)

// slotLoop leases and runs evaluations one at a time until ctx is done.
func (w *Worker) slotLoop(ctx context.Context, consumerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := w.broker.Lease(ctx, consumerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("lease failed", slog.String("slot", consumerID), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if lease == nil {
			continue
		}

		observability.DispatchSlotsBusy.Inc()
		w.runLease(ctx, consumerID, lease)
		observability.DispatchSlotsBusy.Dec()
	}
}

// runLease drives one leased evaluation to an acked terminal outcome.
func (w *Worker) runLease(ctx context.Context, consumerID string, lease *domain.Lease) {
	t := lease.Task
	lg := slog.Default().With(
		slog.String("eval_id", t.EvalID),
		slog.String("slot", consumerID),
		slog.Int("retry_count", t.RetryCount),
	)
	ctx = obsctx.ContextWithLogger(obsctx.ContextWithTraceID(ctx, t.TraceID), lg)

	// A redelivered task whose evaluation already reached a terminal record
	// has nothing left to do.
	if e, err := w.store.Get(ctx, t.EvalID); err == nil && e.Status.Terminal() {
		lg.Info("redelivery of terminal evaluation, acking", slog.String("status", string(e.Status)))
		w.ack(ctx, t.EvalID, lease.Token)
		return
	}

	f := w.track(t.EvalID)
	defer w.untrack(t.EvalID)

	jobID, outcome := w.provision(ctx, lg, t)
	if outcome != nil {
		w.settle(ctx, lg, t, lease.Token, *outcome)
		return
	}
	f.jobID = jobID

	started := time.Now()
	final := w.await(ctx, lg, t, lease.Token, f)
	observability.SandboxDuration.WithLabelValues(string(final.phase())).Observe(time.Since(started).Seconds())
	w.settle(ctx, lg, t, lease.Token, final)
}

// outcome is the resolved end of one lease: either a terminal event to
// publish, a nack, or a bare ack (someone else owns the terminal event).
type outcome struct {
	kind      domain.EventKind
	errorKind domain.ErrorKind
	exitCode  *int
	jobID     string

	nack      bool
	retryable bool
	ackOnly   bool
}

func (o outcome) phase() domain.JobPhase {
	switch o.kind {
	case domain.EventSucceeded:
		return domain.JobSucceeded
	case domain.EventTimedOut:
		return domain.JobTimedOut
	default:
		return domain.JobFailed
	}
}

// provision publishes assigned, adopts or creates the sandbox job, and
// publishes running. A non-nil outcome means the lease is already decided.
func (w *Worker) provision(ctx context.Context, lg *slog.Logger, t domain.Task) (string, *outcome) {
	assigned := domain.NewEvent(t.EvalID, domain.EventAssigned, domain.EventPayload{WorkerID: w.opts.WorkerID})
	assigned.TraceID = t.TraceID
	if err := w.publish(ctx, assigned); err != nil {
		lg.Error("assigned event publish failed", slog.Any("error", err))
		return "", &outcome{nack: true, retryable: true}
	}

	// Crash recovery: a previous holder may have created the job already.
	if st, err := w.substrate.FindJob(ctx, t.EvalID); err == nil {
		lg.Info("adopting existing sandbox job", slog.String("job_id", st.JobID))
		if st.Phase.Terminal() {
			o := w.classifyTerminal(st)
			o.jobID = st.JobID
			return st.JobID, &o
		}
		return st.JobID, nil
	}

	jobID, err := w.substrate.CreateJob(ctx, domain.JobSpec{
		EvalID:   t.EvalID,
		Language: t.Language,
		Code:     t.Code,
		Timeout:  time.Duration(t.TimeoutMS) * time.Millisecond,
		Profile:  w.opts.Profile,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			lg.Warn("substrate rejected job", slog.Any("error", err))
			return "", &outcome{kind: domain.EventFailed, errorKind: domain.ErrorKindSubstrateRejected}
		}
		lg.Warn("transient provisioning failure, releasing for retry", slog.Any("error", err))
		return "", &outcome{nack: true, retryable: true}
	}

	running := domain.NewEvent(t.EvalID, domain.EventRunning, domain.EventPayload{WorkerID: w.opts.WorkerID})
	running.TraceID = t.TraceID
	if err := w.publish(ctx, running); err != nil {
		// The record skips ahead from the terminal event; losing this one
		// costs an intermediate status, not correctness.
		lg.Warn("running event publish failed", slog.Any("error", err))
	}
	return jobID, nil
}

// await blocks until the job reaches a terminal phase, the watchdog fires,
// or the evaluation is cancelled.
func (w *Worker) await(ctx context.Context, lg *slog.Logger, t domain.Task, token string, f *inflight) outcome {
	watchdog := time.NewTimer(time.Duration(t.TimeoutMS)*time.Millisecond + w.opts.WatchdogGrace)
	defer watchdog.Stop()
	beat := time.NewTicker(w.opts.LeaseExtendInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown: leave the job running, the lease expires and the next
			// holder adopts it.
			return outcome{ackOnly: true, jobID: f.jobID}

		case st := <-f.states:
			if !st.Phase.Terminal() {
				continue
			}
			o := w.classifyTerminal(st)
			o.jobID = st.JobID
			return o

		case <-f.cancel:
			// The cancelled record is already terminal; stop the job and move
			// on. Terminate is idempotent if the job finished meanwhile.
			if err := w.substrate.Terminate(ctx, f.jobID); err != nil {
				lg.Warn("terminate after cancel failed", slog.Any("error", err))
			}
			return outcome{ackOnly: true, jobID: f.jobID}

		case <-beat.C:
			if err := w.broker.Extend(ctx, t.EvalID, token, w.opts.LeaseVisibility); err != nil {
				lg.Warn("lease extension failed", slog.Any("error", err))
			}

		case <-watchdog.C:
			return w.resolveOverdue(ctx, lg, f.jobID)
		}
	}
}

// resolveOverdue decides an evaluation whose terminal observation never
// arrived: the job may have finished unobserved, still be running past its
// deadline, or be gone from the substrate entirely.
func (w *Worker) resolveOverdue(ctx context.Context, lg *slog.Logger, jobID string) outcome {
	st, err := w.substrate.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		lg.Error("sandbox job lost", slog.String("job_id", jobID))
		return outcome{kind: domain.EventFailed, errorKind: domain.ErrorKindSubstrateLost, jobID: jobID}
	case err != nil:
		lg.Error("substrate query failed past deadline", slog.Any("error", err))
		return outcome{nack: true, retryable: true, jobID: jobID}
	case st.Phase.Terminal():
		o := w.classifyTerminal(st)
		o.jobID = jobID
		return o
	default:
		lg.Warn("job overran deadline, terminating", slog.String("job_id", jobID))
		if err := w.substrate.Terminate(ctx, jobID); err != nil {
			lg.Warn("overdue terminate failed", slog.Any("error", err))
		}
		return outcome{kind: domain.EventTimedOut, errorKind: domain.ErrorKindTimedOut, jobID: jobID}
	}
}

func (w *Worker) classifyTerminal(st domain.JobState) outcome {
	switch st.Phase {
	case domain.JobSucceeded:
		return outcome{kind: domain.EventSucceeded, exitCode: st.ExitCode}
	case domain.JobTimedOut:
		return outcome{kind: domain.EventTimedOut, errorKind: domain.ErrorKindTimedOut, exitCode: st.ExitCode}
	default:
		return outcome{kind: domain.EventFailed, errorKind: domain.ErrorKindExecutionError, exitCode: st.ExitCode}
	}
}

// settle publishes the terminal event (when the outcome carries one),
// cleans the sandbox job up, and releases the lease.
func (w *Worker) settle(ctx context.Context, lg *slog.Logger, t domain.Task, token string, o outcome) {
	// A retryable nack on the final attempt would dead-letter silently and
	// the record would never go terminal; terminate it here instead.
	if o.nack && o.retryable && t.RetryCount >= w.opts.MaxRetries {
		lg.Error("transient failure with retries exhausted, terminating evaluation")
		o = outcome{kind: domain.EventFailed, errorKind: domain.ErrorKindTransientExhausted, jobID: o.jobID}
	}
	if o.nack {
		if err := w.broker.Nack(ctx, t.EvalID, token, o.retryable); err != nil {
			lg.Error("nack failed", slog.Any("error", err))
		}
		return
	}
	if o.ackOnly {
		w.ack(ctx, t.EvalID, token)
		return
	}

	payload := domain.EventPayload{
		WorkerID:  w.opts.WorkerID,
		ExitCode:  o.exitCode,
		ErrorKind: o.errorKind,
	}
	if o.jobID != "" {
		stdout, stderr, err := w.substrate.ReadLogs(ctx, o.jobID)
		if err != nil {
			lg.Warn("sandbox logs unavailable", slog.Any("error", err))
			if payload.ErrorKind == domain.ErrorKindNone {
				payload.ErrorKind = domain.ErrorKindLogsUnavailable
			}
		} else {
			payload.Stdout = stdout
			payload.Stderr = stderr
		}
	}

	ev := domain.NewEvent(t.EvalID, o.kind, payload)
	ev.TraceID = t.TraceID
	if err := w.publish(ctx, ev); err != nil {
		// Without the terminal event the record would hang; release the lease
		// and let the next holder adopt the finished job and republish. If the
		// bus stays down past the retry budget the sweeper fails the record.
		lg.Error("terminal event publish failed, releasing lease", slog.Any("error", err))
		if err := w.broker.Nack(ctx, t.EvalID, token, true); err != nil {
			lg.Error("nack after publish failure failed", slog.Any("error", err))
		}
		return
	}

	if o.jobID != "" {
		if err := w.substrate.Terminate(ctx, o.jobID); err != nil {
			lg.Warn("sandbox cleanup failed", slog.Any("error", err))
		}
	}
	w.ack(ctx, t.EvalID, token)
	lg.Info("evaluation settled", slog.String("kind", string(o.kind)))
}

// publish retries transient bus failures briefly before giving up.
func (w *Worker) publish(ctx context.Context, ev domain.Event) error {
	op := func() error {
		err := w.bus.Publish(ctx, ev)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

func (w *Worker) ack(ctx context.Context, evalID, token string) {
	if err := w.broker.Ack(ctx, evalID, token); err != nil {
		slog.Warn("ack failed", slog.String("eval_id", evalID), slog.Any("error", err))
	}
}
