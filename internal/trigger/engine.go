// Package trigger owns the cron side of the system: one entry per
// schedulable job, per-job timezones, and next-fire bookkeeping.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/store"
	"taskpilot/pkg/logx"
)

// Runner starts a scheduled execution. Implementations must be safe for
// concurrent calls; overlapping fires for the same job are the runner's
// problem, not the engine's.
type Runner interface {
	RunScheduled(ctx context.Context, jobID string)
}

// JobSource is the slice of the store the engine needs.
type JobSource interface {
	ListEnabledSchedulable(ctx context.Context) ([]*store.Job, error)
	SetRunTimes(ctx context.Context, jobID string, lastRun, nextRun *time.Time) error
	ClearNextRun(ctx context.Context, jobID string) error
}

// ScheduleParseError reports a cron expression the parser rejected.
type ScheduleParseError struct {
	Expr string
	Err  error
}

func (e *ScheduleParseError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *ScheduleParseError) Unwrap() error { return e.Err }

type Config struct {
	// Timezone is the default location for jobs that do not set one.
	Timezone string
}

// ScheduledJob is one entry in the engine's snapshot.
type ScheduledJob struct {
	JobID string    `json:"job_id"`
	Next  time.Time `json:"next_run_at"`
}

// Engine maps jobs onto a single cron runtime. Entry replacement is
// remove-then-add under the engine mutex, so a rescheduled job never has
// two live entries.
type Engine struct {
	cfg    Config
	jobs   JobSource
	runner Runner
	sup    *supervisor.Supervisor
	log    logx.Logger

	parser cron.Parser
	loc    *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]entry
	started bool
}

// entry keeps the parsed schedule next to the cron entry id. The cron
// runtime only fills Entry(id).Next once it is running, so next-fire
// lookups before Start (or right after Schedule) recompute from sched.
type entry struct {
	id    cron.EntryID
	sched cron.Schedule
}

func New(cfg Config, jobs JobSource, runner Runner, sup *supervisor.Supervisor, log logx.Logger) (*Engine, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	e := &Engine{
		cfg:     cfg,
		jobs:    jobs,
		runner:  runner,
		sup:     sup,
		log:     log,
		parser:  parser,
		loc:     loc,
		entries: make(map[string]entry),
	}
	e.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	return e, nil
}

// Start loads every enabled schedulable job and begins firing. Jobs
// whose expressions no longer parse are logged and skipped, never fatal.
func (e *Engine) Start(ctx context.Context) error {
	jobs, err := e.jobs.ListEnabledSchedulable(ctx)
	if err != nil {
		return fmt.Errorf("loading schedulable jobs: %w", err)
	}
	for _, j := range jobs {
		if _, err := e.Schedule(ctx, j); err != nil {
			e.log.Error("skipping job with bad schedule",
				logx.String("job_id", j.ID), logx.String("cron", j.CronExpr), logx.Err(err))
		}
	}

	e.mu.Lock()
	e.c.Start()
	e.started = true
	n := len(e.entries)
	e.mu.Unlock()
	e.log.Info("trigger engine started", logx.Int("entries", n), logx.String("tz", e.loc.String()))
	return nil
}

// Stop halts firing and waits for in-flight cron callbacks (not the
// runs they launched) to return, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	done := e.c.Stop().Done()
	e.mu.Unlock()

	select {
	case <-done:
		e.log.Info("trigger engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule adds or replaces the job's cron entry, and reports whether
// the job ended up scheduled. A job that is disabled or has no
// expression is unscheduled and reports false. The computed next-fire
// time is persisted.
func (e *Engine) Schedule(ctx context.Context, job *store.Job) (bool, error) {
	if !job.Schedulable() {
		e.Unschedule(job.ID)
		_ = e.jobs.ClearNextRun(ctx, job.ID)
		return false, nil
	}

	spec := e.specFor(job)
	sched, err := e.parser.Parse(spec)
	if err != nil {
		return false, &ScheduleParseError{Expr: job.CronExpr, Err: err}
	}

	jobID := job.ID
	e.mu.Lock()
	if old, ok := e.entries[jobID]; ok {
		e.c.Remove(old.id)
	}
	id := e.c.Schedule(sched, cron.FuncJob(func() { e.fire(jobID) }))
	e.entries[jobID] = entry{id: id, sched: sched}
	e.mu.Unlock()

	next := sched.Next(time.Now().In(e.loc))
	if err := e.jobs.SetRunTimes(ctx, jobID, nil, &next); err != nil {
		e.log.Warn("persisting next run failed", logx.String("job_id", jobID), logx.Err(err))
	}
	e.log.Debug("job scheduled", logx.String("job_id", jobID), logx.Time("next", next))
	return true, nil
}

// ValidateSpec checks the job's schedule without touching the cron
// runtime, so callers can reject bad expressions before persisting.
func (e *Engine) ValidateSpec(job *store.Job) error {
	if !job.Schedulable() {
		return nil
	}
	if _, err := e.parser.Parse(e.specFor(job)); err != nil {
		return &ScheduleParseError{Expr: job.CronExpr, Err: err}
	}
	return nil
}

// Unschedule removes the job's entry, if any.
func (e *Engine) Unschedule(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[jobID]
	if !ok {
		return false
	}
	e.c.Remove(ent.id)
	delete(e.entries, jobID)
	return true
}

// NextFire reports the job's next scheduled fire.
func (e *Engine) NextFire(jobID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[jobID]
	if !ok {
		return time.Time{}, false
	}
	next := e.nextLocked(ent)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// nextLocked prefers the running cron entry's precomputed time and falls
// back to the schedule itself when the runtime has not filled it in yet.
func (e *Engine) nextLocked(ent entry) time.Time {
	if next := e.c.Entry(ent.id).Next; !next.IsZero() {
		return next
	}
	return ent.sched.Next(time.Now().In(e.loc))
}

// Snapshot lists scheduled jobs sorted by job id.
func (e *Engine) Snapshot() []ScheduledJob {
	e.mu.Lock()
	out := make([]ScheduledJob, 0, len(e.entries))
	for jobID, ent := range e.entries {
		out = append(out, ScheduledJob{JobID: jobID, Next: e.nextLocked(ent)})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Count returns the number of scheduled entries.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// fire hands one scheduled execution to the runner and re-persists the
// recomputed next-fire time afterwards.
func (e *Engine) fire(jobID string) {
	e.sup.Go("fire:"+jobID, func(ctx context.Context) error {
		e.runner.RunScheduled(ctx, jobID)
		if next, ok := e.NextFire(jobID); ok {
			if err := e.jobs.SetRunTimes(ctx, jobID, nil, &next); err != nil {
				e.log.Warn("persisting next run failed", logx.String("job_id", jobID), logx.Err(err))
			}
		}
		return nil
	})
}

// specFor renders the job's schedule for the parser, carrying the
// job's own timezone when it differs from the engine default.
func (e *Engine) specFor(job *store.Job) string {
	tz := strings.TrimSpace(job.Timezone)
	if tz == "" || tz == e.loc.String() {
		return job.CronExpr
	}
	return "CRON_TZ=" + tz + " " + job.CronExpr
}
