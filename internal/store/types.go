package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// RunStatus is the lifecycle status of a single execution attempt.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	RunTimeout RunStatus = "timeout"
)

func (s RunStatus) Terminal() bool { return s != RunRunning && s != "" }

func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunFailure, RunTimeout:
		return true
	}
	return false
}

// Job is a persisted automation definition with an optional recurring trigger.
//
// LastRunAt/NextRunAt are bookkeeping maintained by the orchestrator and the
// trigger engine; the API layer never writes them directly.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CronExpr empty means the job is manual-only.
	CronExpr string `json:"cron_expr,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Enabled  bool   `json:"enabled"`

	Timeout  time.Duration `json:"timeout"`
	Headless bool          `json:"headless"`
	StartURL string        `json:"start_url,omitempty"`

	NotifyEnabled   bool   `json:"notify_enabled"`
	NotifyChatID    string `json:"notify_chat_id,omitempty"`
	NotifyOnSuccess bool   `json:"notify_on_success"`
	NotifyOnFailure bool   `json:"notify_on_failure"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Schedulable reports whether the trigger engine should hold a timer for the job.
func (j *Job) Schedulable() bool { return j.Enabled && j.CronExpr != "" }

// Step is one step record reported by the execution worker.
type Step struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action,omitempty"`
	Result    string    `json:"result,omitempty"`
}

// Run is one execution attempt of a job.
type Run struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	Status        RunStatus      `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Duration      *time.Duration `json:"duration,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Steps         []Step         `json:"steps,omitempty"`
}

// JobPatch is a partial job update; nil fields are left untouched.
type JobPatch struct {
	Name            *string
	Description     *string
	CronExpr        *string
	Timezone        *string
	Enabled         *bool
	Timeout         *time.Duration
	Headless        *bool
	StartURL        *string
	NotifyEnabled   *bool
	NotifyChatID    *string
	NotifyOnSuccess *bool
	NotifyOnFailure *bool
}

// RunPatch is a partial run update. Setting a terminal Status stamps the
// completion time and derived duration.
type RunPatch struct {
	Status        *RunStatus
	ResultSummary *string
	ErrorMessage  *string
	Steps         []Step
}

// RunFilter narrows ListRuns. Zero values mean "no filter"; Limit <= 0
// falls back to a default page size.
type RunFilter struct {
	JobID  string
	Status RunStatus
	Limit  int
	Offset int
}
