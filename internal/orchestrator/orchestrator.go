// Package orchestrator drives a job through one execution: claim the
// run slot, persist a run record, invoke the worker under the job's
// timeout, and settle the outcome (record, notification, events).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/notify"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/runtrack"
	"taskpilot/internal/store"
	"taskpilot/internal/worker"
	"taskpilot/pkg/logx"
)

// ErrAlreadyRunning is re-exported so callers do not need to know about
// the tracker. The HTTP layer maps it to 409.
var ErrAlreadyRunning = runtrack.ErrAlreadyRunning

// Event types broadcast on the bus.
const (
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
)

// Notifier is the delivery surface the orchestrator needs. CanDeliverTo
// answers for a specific job destination, so the capability hint is only
// promised when a send could actually go out.
type Notifier interface {
	Send(ctx context.Context, chatID, text string) bool
	CanDeliverTo(chatID string) bool
}

// Schedules exposes the trigger engine's next-fire lookups without a
// package cycle.
type Schedules interface {
	NextFire(jobID string) (time.Time, bool)
}

type Orchestrator struct {
	store    store.Store
	tracker  *runtrack.Tracker
	worker   worker.Worker
	notifier Notifier
	bus      eventbus.Bus
	sched    Schedules
	sup      *supervisor.Supervisor
	log      logx.Logger
}

func New(st store.Store, tracker *runtrack.Tracker, w worker.Worker, n Notifier,
	bus eventbus.Bus, sched Schedules, sup *supervisor.Supervisor, log logx.Logger) *Orchestrator {
	return &Orchestrator{
		store: st, tracker: tracker, worker: w, notifier: n,
		bus: bus, sched: sched, sup: sup, log: log,
	}
}

// Run launches one execution for jobID and returns the new run's id.
// It fails with store.ErrNotFound for unknown jobs and ErrAlreadyRunning
// when the job's previous run has not finished. The execution itself
// proceeds in the background.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (string, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	handle, err := o.tracker.Begin(jobID)
	if err != nil {
		return "", err
	}

	run, err := o.store.CreateRun(ctx, jobID)
	if err != nil {
		handle.Release()
		return "", fmt.Errorf("creating run record: %w", err)
	}
	handle.Bind(run.ID)

	o.bus.Publish(eventbus.Event{
		Type: EventTaskStarted,
		Time: run.StartedAt,
		Data: map[string]any{"job_id": jobID, "run_id": run.ID},
	})
	o.log.Info("run started", logx.String("job_id", jobID), logx.String("run_id", run.ID),
		logx.String("job", job.Name))

	o.sup.Go0("run:"+run.ID, func(ctx context.Context) {
		o.execute(ctx, job, run.ID, run.StartedAt, handle)
	})
	return run.ID, nil
}

// RunScheduled is the trigger engine's entry point. A job that is still
// busy from its previous fire is skipped quietly; a job deleted between
// scheduling and firing likewise.
func (o *Orchestrator) RunScheduled(ctx context.Context, jobID string) {
	switch _, err := o.Run(ctx, jobID); err {
	case nil:
	case ErrAlreadyRunning:
		o.log.Debug("scheduled fire skipped: previous run still active", logx.String("job_id", jobID))
	case store.ErrNotFound:
		o.log.Debug("scheduled fire skipped: job gone", logx.String("job_id", jobID))
	default:
		o.log.Error("scheduled fire failed", logx.String("job_id", jobID), logx.Err(err))
	}
}

// outcome is what execute settles on before finalizing.
type outcome struct {
	status  store.RunStatus
	summary string
	errMsg  string
	steps   []store.Step
}

func (o *Orchestrator) execute(ctx context.Context, job *store.Job, runID string, started time.Time, handle *runtrack.Handle) {
	out := o.invoke(ctx, job)
	o.finalize(ctx, job, runID, started, handle, out)
}

// invoke runs the worker under the job's timeout and classifies the
// result. A panic escaping the worker is downgraded to a run failure.
func (o *Orchestrator) invoke(ctx context.Context, job *store.Job) (out outcome) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := worker.Request{
		Instruction: BuildInstruction(job, o.canNotify(job)),
		Headless:    job.Headless,
	}
	if o.canNotify(job) {
		chatID := job.NotifyChatID
		req.Notify = func(ctx context.Context, text string) bool {
			return o.notifier.Send(ctx, chatID, text)
		}
	}

	type res struct {
		r   *worker.Result
		err error
	}
	ch := make(chan res, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- res{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		r, err := o.worker.Execute(runCtx, req)
		ch <- res{r: r, err: err}
	}()

	var got res
	select {
	case got = <-ch:
	case <-runCtx.Done():
		// Deadline hit. The run context is this run's stop signal (the
		// worker tears down what it started when its ctx ends), so just
		// give it a moment to surface whatever it has. Stopping the
		// shared worker here would reach into other jobs' runs.
		select {
		case got = <-ch:
		case <-time.After(10 * time.Second):
			o.log.Error("worker unresponsive after timeout", logx.String("job_id", job.ID))
		}
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		out.status = store.RunTimeout
		out.errMsg = fmt.Sprintf("Task timed out after %d seconds", int(timeout.Seconds()))
		if got.r != nil {
			out.steps = got.r.Steps
		}
		return out
	}
	if got.err != nil {
		out.status = store.RunFailure
		out.errMsg = got.err.Error()
		if got.r != nil {
			out.steps = got.r.Steps
		}
		return out
	}
	if got.r == nil || got.r.FinalText == "" {
		out.status = store.RunFailure
		out.errMsg = "Agent returned no result"
		if got.r != nil {
			out.steps = got.r.Steps
		}
		return out
	}
	out.status = store.RunSuccess
	out.summary = worker.ClipSummary(got.r.FinalText)
	out.steps = got.r.Steps
	return out
}

// finalize settles the run: persist the outcome, stamp run times, send
// the outcome notification, free the slot, and broadcast completion.
// Every step is best effort; the slot release and the completion event
// happen no matter what.
func (o *Orchestrator) finalize(ctx context.Context, job *store.Job, runID string, started time.Time, handle *runtrack.Handle, out outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic finalizing run", logx.String("run_id", runID), logx.Any("panic", r))
		}
		handle.Release()
		o.bus.Publish(eventbus.Event{
			Type: EventTaskCompleted,
			Time: time.Now().UTC(),
			Data: map[string]any{"job_id": job.ID, "run_id": runID, "status": string(out.status)},
		})
	}()

	// The run may outlive its context (shutdown, deleted job); write with
	// a detached, bounded one.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	status := out.status
	updated, err := o.store.UpdateRun(wctx, runID, store.RunPatch{
		Status:        &status,
		ResultSummary: strPtr(out.summary),
		ErrorMessage:  strPtr(out.errMsg),
		Steps:         out.steps,
	})
	switch err {
	case nil:
	case store.ErrNotFound:
		o.log.Debug("run record gone before finalize", logx.String("run_id", runID))
	default:
		o.log.Error("persisting run outcome failed", logx.String("run_id", runID), logx.Err(err))
	}

	last := started
	var next *time.Time
	if o.sched != nil {
		if n, ok := o.sched.NextFire(job.ID); ok {
			next = &n
		}
	}
	if err := o.store.SetRunTimes(wctx, job.ID, &last, next); err != nil {
		o.log.Warn("stamping run times failed", logx.String("job_id", job.ID), logx.Err(err))
	}

	var dur *time.Duration
	if updated != nil {
		dur = updated.Duration
	}
	o.notifyOutcome(wctx, job, out, dur)

	o.log.Info("run finished", logx.String("job_id", job.ID), logx.String("run_id", runID),
		logx.String("status", string(out.status)))
}

// notifyOutcome applies the job's notification policy: success messages
// only when opted in, failure and timeout share the failure toggle.
func (o *Orchestrator) notifyOutcome(ctx context.Context, job *store.Job, out outcome, dur *time.Duration) {
	if !job.NotifyEnabled {
		return
	}
	var text string
	switch {
	case out.status == store.RunSuccess && job.NotifyOnSuccess:
		text = notify.RenderSuccess(job.Name, out.summary, dur)
	case out.status == store.RunFailure && job.NotifyOnFailure:
		text = notify.RenderFailure(job.Name, out.errMsg, dur)
	case out.status == store.RunTimeout && job.NotifyOnFailure:
		text = notify.RenderTimeout(job.Name, job.Timeout)
	default:
		return
	}
	if !o.notifier.Send(ctx, job.NotifyChatID, text) {
		o.log.Warn("outcome notification not delivered",
			logx.String("job_id", job.ID), logx.String("status", string(out.status)))
	}
}

func (o *Orchestrator) canNotify(job *store.Job) bool {
	return job.NotifyEnabled && o.notifier.CanDeliverTo(job.NotifyChatID)
}

// BuildInstruction renders the worker's task text from the job: the
// description, prefixed with the start hint and suffixed with the
// notification capability note when the run may use it.
func BuildInstruction(job *store.Job, canNotify bool) string {
	instr := job.Description
	if job.StartURL != "" {
		instr = fmt.Sprintf("Starting from %s: %s", job.StartURL, instr)
	}
	if canNotify {
		instr += "\n\nNote: You have access to a send_notification action to send " +
			"custom messages to the user. Use it when appropriate based on the task."
	}
	return instr
}

func strPtr(s string) *string { return &s }
