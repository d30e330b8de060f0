// Package runtrack guards jobs against overlapping executions.
//
// A job acquires a Handle before anything else happens for the run; the
// handle is later bound to the persisted run id so status queries can
// point at the live run record. Release is idempotent, and Drop clears
// a job's slot when the job itself goes away.
package runtrack

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyRunning reports that the job already holds the run slot.
var ErrAlreadyRunning = errors.New("job is already running")

// Active describes one in-flight run.
type Active struct {
	JobID   string    `json:"job_id"`
	RunID   string    `json:"run_id,omitempty"`
	Started time.Time `json:"started_at"`
}

// Tracker hands out at most one Handle per job id at a time.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Handle
}

func New() *Tracker {
	return &Tracker{active: make(map[string]*Handle)}
}

// Begin claims the run slot for jobID. It fails with ErrAlreadyRunning
// if a previous handle for the job has not been released.
func (t *Tracker) Begin(jobID string) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[jobID]; ok {
		return nil, ErrAlreadyRunning
	}
	h := &Handle{t: t, jobID: jobID, started: time.Now().UTC()}
	t.active[jobID] = h
	return h, nil
}

// Running reports whether jobID currently holds the slot.
func (t *Tracker) Running(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[jobID]
	return ok
}

// Drop force-clears the slot for jobID, if any. Used when a job is
// deleted out from under an in-flight run.
func (t *Tracker) Drop(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, jobID)
}

// Snapshot lists in-flight runs sorted by job id.
func (t *Tracker) Snapshot() []Active {
	t.mu.Lock()
	out := make([]Active, 0, len(t.active))
	for _, h := range t.active {
		out = append(out, Active{JobID: h.jobID, RunID: h.runID, Started: h.started})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Count returns the number of in-flight runs.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Handle is the claim on a job's run slot.
type Handle struct {
	t       *Tracker
	jobID   string
	started time.Time

	runID string
	once  sync.Once
}

// Bind attaches the persisted run id to the handle. The slot is claimed
// before the run record exists, so binding happens after the fact.
func (h *Handle) Bind(runID string) {
	h.t.mu.Lock()
	h.runID = runID
	h.t.mu.Unlock()
}

// Release frees the job's slot. Safe to call more than once, and a
// no-op if Drop already cleared the slot.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.t.mu.Lock()
		if cur, ok := h.t.active[h.jobID]; ok && cur == h {
			delete(h.t.active, h.jobID)
		}
		h.t.mu.Unlock()
	})
}
