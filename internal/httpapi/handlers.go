package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskpilot/internal/orchestrator"
	"taskpilot/internal/store"
	"taskpilot/internal/trigger"
	"taskpilot/pkg/logx"
)

// jobView is the API rendering of a job; timeouts are seconds on the
// wire, not Go duration nanoseconds.
type jobView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	CronExpr        string     `json:"cron_expr,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	Enabled         bool       `json:"enabled"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Headless        bool       `json:"headless"`
	StartURL        string     `json:"start_url,omitempty"`
	NotifyEnabled   bool       `json:"notify_enabled"`
	NotifyChatID    string     `json:"notify_chat_id,omitempty"`
	NotifyOnSuccess bool       `json:"notify_on_success"`
	NotifyOnFailure bool       `json:"notify_on_failure"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
}

func viewJob(j *store.Job) jobView {
	return jobView{
		ID: j.ID, Name: j.Name, Description: j.Description,
		CronExpr: j.CronExpr, Timezone: j.Timezone, Enabled: j.Enabled,
		TimeoutSeconds: int(j.Timeout.Seconds()), Headless: j.Headless, StartURL: j.StartURL,
		NotifyEnabled: j.NotifyEnabled, NotifyChatID: j.NotifyChatID,
		NotifyOnSuccess: j.NotifyOnSuccess, NotifyOnFailure: j.NotifyOnFailure,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
		LastRunAt: j.LastRunAt, NextRunAt: j.NextRunAt,
	}
}

type runView struct {
	ID              string       `json:"id"`
	JobID           string       `json:"job_id"`
	Status          string       `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	DurationSeconds *float64     `json:"duration_seconds,omitempty"`
	ResultSummary   string       `json:"result_summary,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Steps           []store.Step `json:"steps,omitempty"`
}

func viewRun(r *store.Run) runView {
	v := runView{
		ID: r.ID, JobID: r.JobID, Status: string(r.Status),
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		ResultSummary: r.ResultSummary, ErrorMessage: r.ErrorMessage, Steps: r.Steps,
	}
	if r.Duration != nil {
		d := r.Duration.Seconds()
		v.DurationSeconds = &d
	}
	return v
}

// jobRequest is the shared create/update payload; nil fields keep their
// current (or default) values.
type jobRequest struct {
	Name            *string `json:"name"`
	Description     *string `json:"description"`
	CronExpr        *string `json:"cron_expr"`
	Timezone        *string `json:"timezone"`
	Enabled         *bool   `json:"enabled"`
	TimeoutSeconds  *int    `json:"timeout_seconds"`
	Headless        *bool   `json:"headless"`
	StartURL        *string `json:"start_url"`
	NotifyEnabled   *bool   `json:"notify_enabled"`
	NotifyChatID    *string `json:"notify_chat_id"`
	NotifyOnSuccess *bool   `json:"notify_on_success"`
	NotifyOnFailure *bool   `json:"notify_on_failure"`
}

func decodeJobRequest(r *http.Request) (*jobRequest, error) {
	var req jobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds <= 0 {
		return nil, errors.New("timeout_seconds must be > 0")
	}
	return &req, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"time":                time.Now().UTC(),
		"scheduled_jobs":      s.sched.Snapshot(),
		"running":             s.tracker.Snapshot(),
		"event_subscribers":   s.bus.SubscriberCount(),
		"notifier_configured": s.notifier.Configured(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJobRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Description == nil || strings.TrimSpace(*req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	job := &store.Job{
		Name:        strings.TrimSpace(*req.Name),
		Description: *req.Description,
		// Defaults for omitted flags; the store fills timezone/timeout.
		Enabled:         true,
		Headless:        true,
		NotifyOnFailure: true,
	}
	applyRequest(job, req)

	if err := s.sched.ValidateSpec(job); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.scheduleAndRefresh(w, r, job, http.StatusCreated)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJobRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	current, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// Validate the schedule against the merged job before persisting.
	merged := *current
	applyRequest(&merged, req)
	if err := s.sched.ValidateSpec(&merged); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.store.UpdateJob(r.Context(), current.ID, patchFromRequest(req))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.scheduleAndRefresh(w, r, updated, http.StatusOK)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.sched.Unschedule(id)
	s.tracker.Drop(id)
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runs.Run(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "job is already running")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.log.Error("manual run failed", logx.String("job_id", r.PathValue("id")), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "run failed to start")
	}
}

func (s *Server) handleToggleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	enabled := !job.Enabled
	updated, err := s.store.UpdateJob(r.Context(), job.ID, store.JobPatch{Enabled: &enabled})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.scheduleAndRefresh(w, r, updated, http.StatusOK)
}

func (s *Server) handleDuplicateJob(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	copyJob := *src
	copyJob.ID = ""
	copyJob.Name = src.Name + " (copy)"
	copyJob.LastRunAt, copyJob.NextRunAt = nil, nil
	if err := s.store.CreateJob(r.Context(), &copyJob); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.scheduleAndRefresh(w, r, &copyJob, http.StatusCreated)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{JobID: q.Get("job_id")}
	if v := q.Get("status"); v != "" {
		status := store.RunStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, viewRun(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out, "total": total})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

// scheduleAndRefresh re-derives the job's trigger entry after a write
// and responds with the job re-read from the store, so next_run_at
// reflects the new schedule.
func (s *Server) scheduleAndRefresh(w http.ResponseWriter, r *http.Request, job *store.Job, code int) {
	if _, err := s.sched.Schedule(r.Context(), job); err != nil {
		// ValidateSpec ran first, so this is unexpected.
		var perr *trigger.ScheduleParseError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		s.log.Error("scheduling job failed", logx.String("job_id", job.ID), logx.Err(err))
	}
	if fresh, err := s.store.GetJob(r.Context(), job.ID); err == nil {
		job = fresh
	}
	writeJSON(w, code, viewJob(job))
}

func applyRequest(job *store.Job, req *jobRequest) {
	if req.Name != nil {
		job.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.CronExpr != nil {
		job.CronExpr = strings.TrimSpace(*req.CronExpr)
	}
	if req.Timezone != nil {
		job.Timezone = strings.TrimSpace(*req.Timezone)
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.TimeoutSeconds != nil {
		job.Timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	if req.Headless != nil {
		job.Headless = *req.Headless
	}
	if req.StartURL != nil {
		job.StartURL = strings.TrimSpace(*req.StartURL)
	}
	if req.NotifyEnabled != nil {
		job.NotifyEnabled = *req.NotifyEnabled
	}
	if req.NotifyChatID != nil {
		job.NotifyChatID = strings.TrimSpace(*req.NotifyChatID)
	}
	if req.NotifyOnSuccess != nil {
		job.NotifyOnSuccess = *req.NotifyOnSuccess
	}
	if req.NotifyOnFailure != nil {
		job.NotifyOnFailure = *req.NotifyOnFailure
	}
}

func patchFromRequest(req *jobRequest) store.JobPatch {
	p := store.JobPatch{
		Name:            trimPtr(req.Name),
		Description:     req.Description,
		CronExpr:        trimPtr(req.CronExpr),
		Timezone:        trimPtr(req.Timezone),
		Enabled:         req.Enabled,
		Headless:        req.Headless,
		StartURL:        trimPtr(req.StartURL),
		NotifyEnabled:   req.NotifyEnabled,
		NotifyChatID:    trimPtr(req.NotifyChatID),
		NotifyOnSuccess: req.NotifyOnSuccess,
		NotifyOnFailure: req.NotifyOnFailure,
	}
	if req.TimeoutSeconds != nil {
		d := time.Duration(*req.TimeoutSeconds) * time.Second
		p.Timeout = &d
	}
	return p
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
