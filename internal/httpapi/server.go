// Package httpapi exposes the REST and SSE surface: job CRUD, manual
// runs, run history, live events, and a status snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/runtrack"
	"taskpilot/internal/store"
	"taskpilot/internal/trigger"
	"taskpilot/pkg/logx"
)

type Config struct {
	Addr string
}

// RunStarter launches a manual run. The orchestrator implements it.
type RunStarter interface {
	Run(ctx context.Context, jobID string) (string, error)
}

// Scheduler is the trigger engine surface the API needs.
type Scheduler interface {
	Schedule(ctx context.Context, job *store.Job) (bool, error)
	Unschedule(jobID string) bool
	ValidateSpec(job *store.Job) error
	Snapshot() []trigger.ScheduledJob
}

// Notifier reports whether outcome notifications can be delivered.
type Notifier interface {
	Configured() bool
}

type Server struct {
	cfg      Config
	store    store.Store
	runs     RunStarter
	sched    Scheduler
	tracker  *runtrack.Tracker
	bus      eventbus.Bus
	notifier Notifier
	log      logx.Logger

	srv *http.Server
}

func New(cfg Config, st store.Store, runs RunStarter, sched Scheduler,
	tracker *runtrack.Tracker, bus eventbus.Bus, notifier Notifier, log logx.Logger) *Server {
	s := &Server{
		cfg: cfg, store: st, runs: runs, sched: sched,
		tracker: tracker, bus: bus, notifier: notifier, log: log,
	}
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.routes(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: /events streams indefinitely.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/run", s.handleRunJob)
	mux.HandleFunc("POST /api/jobs/{id}/toggle", s.handleToggleJob)
	mux.HandleFunc("POST /api/jobs/{id}/duplicate", s.handleDuplicateJob)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start begins serving. Listen errors surface immediately; serve
// errors after that are reported through the returned channel-free
// logger path, matching a fire-and-forget listener.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeStoreError maps store errors onto HTTP codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("storage error", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "storage error")
}
