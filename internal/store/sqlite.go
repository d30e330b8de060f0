package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the persistence API consumed by the trigger engine, the
// orchestrator and the HTTP layer.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	ListEnabledSchedulable(ctx context.Context) ([]*Job, error)
	UpdateJob(ctx context.Context, id string, patch JobPatch) (*Job, error)
	DeleteJob(ctx context.Context, id string) error
	SetRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
	ClearNextRun(ctx context.Context, id string) error

	CreateRun(ctx context.Context, jobID string) (*Run, error)
	UpdateRun(ctx context.Context, id string, patch RunPatch) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*Run, int, error)

	Close() error
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the database file and schema
// as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

const jobCols = `id, name, description, cron_expr, timezone, enabled, timeout_ms, headless,
	start_url, notify_enabled, notify_chat_id, notify_on_success, notify_on_failure,
	created_at, updated_at, last_run_at, next_run_at`

func (s *sqliteStore) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}
	if j.Timeout <= 0 {
		j.Timeout = 5 * time.Minute
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.Description, nullStr(j.CronExpr), j.Timezone, j.Enabled,
		j.Timeout.Milliseconds(), j.Headless, nullStr(j.StartURL),
		j.NotifyEnabled, nullStr(j.NotifyChatID), j.NotifyOnSuccess, j.NotifyOnFailure,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt), fmtTimePtr(j.LastRunAt), fmtTimePtr(j.NextRunAt),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobCols+` FROM jobs ORDER BY created_at DESC`)
}

func (s *sqliteStore) ListEnabledSchedulable(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE enabled = 1 AND cron_expr IS NOT NULL AND cron_expr != ''
		 ORDER BY created_at DESC`)
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	set := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now().UTC())}

	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.CronExpr != nil {
		add("cron_expr", nullStr(*patch.CronExpr))
	}
	if patch.Timezone != nil {
		add("timezone", *patch.Timezone)
	}
	if patch.Enabled != nil {
		add("enabled", *patch.Enabled)
	}
	if patch.Timeout != nil {
		add("timeout_ms", patch.Timeout.Milliseconds())
	}
	if patch.Headless != nil {
		add("headless", *patch.Headless)
	}
	if patch.StartURL != nil {
		add("start_url", nullStr(*patch.StartURL))
	}
	if patch.NotifyEnabled != nil {
		add("notify_enabled", *patch.NotifyEnabled)
	}
	if patch.NotifyChatID != nil {
		add("notify_chat_id", nullStr(*patch.NotifyChatID))
	}
	if patch.NotifyOnSuccess != nil {
		add("notify_on_success", *patch.NotifyOnSuccess)
	}
	if patch.NotifyOnFailure != nil {
		add("notify_on_failure", *patch.NotifyOnFailure)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/// SetRunTimes updates the bookkeeping timestamps. A missing job is a no-op:
// an in-flight run may legitimately finish after its job was deleted.
func (s *sqliteStore) SetRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	set := []string{}
	args := []any{}
	if lastRunAt != nil {
		set = append(set, "last_run_at = ?")
		args = append(args, fmtTime(*lastRunAt))
	}
	if nextRunAt != nil {
		set = append(set, "next_run_at = ?")
		args = append(args, fmtTime(*nextRunAt))
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	return err
}

// ClearNextRun drops the job's next-fire stamp when it leaves the
// schedule. Missing jobs are a no-op like SetRunTimes.
func (s *sqliteStore) ClearNextRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET next_run_at = NULL WHERE id = ?`, id)
	return err
}

// ---- runs ----

const runCols = `id, job_id, status, started_at, completed_at, duration_ms,
	result_summary, error_message, steps`

func (s *sqliteStore) CreateRun(ctx context.Context, jobID string) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, status, started_at) VALUES(?,?,?,?)`,
		r.ID, r.JobID, string(r.Status), fmtTime(r.StartedAt),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqliteStore) UpdateRun(ctx context.Context, id string, patch RunPatch) (*Run, error) {
	cur, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	set := []string{}
	args := []any{}
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
		// Leaving "running" stamps completion time and derived duration.
		if patch.Status.Terminal() && cur.CompletedAt == nil {
			done := time.Now().UTC()
			add("completed_at", fmtTime(done))
			add("duration_ms", done.Sub(cur.StartedAt).Milliseconds())
		}
	}
	if patch.ResultSummary != nil {
		add("result_summary", nullStr(*patch.ResultSummary))
	}
	if patch.ErrorMessage != nil {
		add("error_message", nullStr(*patch.ErrorMessage))
	}
	if patch.Steps != nil {
		b, err := json.Marshal(patch.Steps)
		if err != nil {
			return nil, err
		}
		add("steps", string(b))
	}
	if len(set) == 0 {
		return cur, nil
	}

	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]*Run, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM runs WHERE `+cond+` ORDER BY started_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var cronExpr, startURL, chatID sql.NullString
	var createdAt, updatedAt string
	var lastRunAt, nextRunAt sql.NullString
	var timeoutMS int64
	err := row.Scan(&j.ID, &j.Name, &j.Description, &cronExpr, &j.Timezone, &j.Enabled,
		&timeoutMS, &j.Headless, &startURL, &j.NotifyEnabled, &chatID,
		&j.NotifyOnSuccess, &j.NotifyOnFailure, &createdAt, &updatedAt, &lastRunAt, &nextRunAt)
	if err != nil {
		return nil, err
	}
	j.CronExpr = cronExpr.String
	j.StartURL = startURL.String
	j.NotifyChatID = chatID.String
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	if j.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status, startedAt string
	var completedAt sql.NullString
	var durationMS sql.NullInt64
	var summary, errMsg, steps sql.NullString
	err := row.Scan(&r.ID, &r.JobID, &status, &startedAt, &completedAt, &durationMS,
		&summary, &errMsg, &steps)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if durationMS.Valid {
		d := time.Duration(durationMS.Int64) * time.Millisecond
		r.Duration = &d
	}
	r.ResultSummary = summary.String
	r.ErrorMessage = errMsg.String
	if steps.Valid && steps.String != "" && steps.String != "null" {
		if err := json.Unmarshal([]byte(steps.String), &r.Steps); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
