// Package worker defines the execution contract between the orchestrator
// and whatever actually performs a job's instruction, plus the production
// agent-CLI implementation.
package worker

import (
	"context"

	"taskpilot/internal/store"
)

// Truncation bounds for text coming back from a worker. Anything longer
// is clipped before it is persisted or rendered.
const (
	MaxSummaryLen = 1000
	MaxStepLen    = 500
)

// NotifyFunc lets a worker push a mid-run message to the job's
// notification destination. It reports delivery, never an error.
type NotifyFunc func(ctx context.Context, text string) bool

// Request carries everything a worker needs for one run.
type Request struct {
	// Instruction is the fully built natural-language task text.
	Instruction string
	// Headless disables any visible browser/UI the worker may open.
	Headless bool
	// Channel names the browser channel the worker should use.
	Channel string
	// Notify is non-nil only when the run may send mid-run messages.
	Notify NotifyFunc
}

// Result is a worker's terminal outcome for a run.
type Result struct {
	FinalText string
	Steps     []store.Step
}

// Worker executes instructions. Execute must honor ctx cancellation:
// cancelling a run's context is the per-run stop signal, so one run's
// timeout never touches another run. Stop asks for best-effort teardown
// of every in-flight execution and is for process shutdown only.
type Worker interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Stop(ctx context.Context) error
}

// ClipSummary bounds a final-result summary.
func ClipSummary(s string) string { return clip(s, MaxSummaryLen) }

// ClipStep bounds a single step's result text.
func ClipStep(s string) string { return clip(s, MaxStepLen) }

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
