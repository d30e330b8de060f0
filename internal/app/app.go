package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/httpapi"
	"taskpilot/internal/notify"
	"taskpilot/internal/orchestrator"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/runtrack"
	"taskpilot/internal/store"
	"taskpilot/internal/trigger"
	"taskpilot/internal/worker"
	"taskpilot/pkg/logx"
)

// App owns the component graph: config, logging, storage, the trigger
// engine, the orchestrator, the agent worker, and the optional HTTP API.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	st      store.Store
	tracker *runtrack.Tracker
	bus     eventbus.Bus
	notif   *notify.Service
	agent   *worker.Agent

	runner *runnerHandle
	sched  *trigger.Engine
	orch   *orchestrator.Orchestrator
	api    *httpapi.Server
	pprof  *pprofServer
}

// runnerHandle breaks the construction cycle between the trigger engine
// (which fires into the orchestrator) and the orchestrator (which asks the
// engine for next-fire times). The engine is built first against the handle;
// the orchestrator is bound afterwards.
type runnerHandle struct {
	orch atomic.Pointer[orchestrator.Orchestrator]
}

func (h *runnerHandle) set(o *orchestrator.Orchestrator) { h.orch.Store(o) }

func (h *runnerHandle) RunScheduled(ctx context.Context, jobID string) {
	if o := h.orch.Load(); o != nil {
		o.RunScheduled(ctx, jobID)
	}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	notif, err := notify.New(notify.Config{
		Token:      cfg.Telegram.Token,
		ChatID:     cfg.Telegram.ChatID,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "notifier")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	agent := worker.NewAgent(worker.AgentConfig{
		Command:        cfg.Worker.Command,
		Args:           cfg.Worker.Args,
		DefaultChannel: cfg.Worker.DefaultChannel,
	}, log.With(logx.String("comp", "worker")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		st:      st,
		tracker: runtrack.New(),
		bus:     eventbus.New(),
		notif:   notif,
		agent:   agent,
		runner:  &runnerHandle{},
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		// The database cannot be reopened live; reject the reload so the
		// running config keeps the original path.
		if next.Storage.Path != cfg.Storage.Path {
			return fmt.Errorf("storage.path cannot change at runtime (restart required)")
		}
		return nil
	})

	sched, err := trigger.New(trigger.Config{
		Timezone: cfg.Scheduler.Timezone,
	}, a.st, a.runner, a.sup, a.log.With(logx.String("comp", "trigger")))
	if err != nil {
		return err
	}
	a.sched = sched

	a.orch = orchestrator.New(a.st, a.tracker, a.agent, a.notif, a.bus,
		a.sched, a.sup, a.log.With(logx.String("comp", "orchestrator")))
	a.runner.set(a.orch)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if cfg.HTTP.HTTPEnabled() {
		a.api = httpapi.New(httpapi.Config{Addr: cfg.HTTP.HTTPAddr()},
			a.st, a.orch, a.sched, a.tracker, a.bus, a.notif,
			a.log.With(logx.String("comp", "http")))
		if err := a.api.Start(); err != nil {
			return err
		}
	}

	a.pprof = newPprofServer(a.log)
	a.pprof.Apply(a.sup.Context(), cfg.Pprof)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies the sections that can change live (logging, pprof)
// and warns about the ones that need a restart.
func (a *App) applyReload(ctx context.Context, old, next *config.Config) {
	if next.Logging != old.Logging {
		a.logs.Apply(logx.Config{
			Level:   next.Logging.Level,
			Console: next.Logging.Console,
			File: logx.FileConfig{
				Enabled: next.Logging.File.Enabled,
				Path:    next.Logging.File.Path,
			},
		})
	}

	a.pprof.Apply(ctx, next.Pprof)

	if restart := restartSections(old, next); len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.log.Info("config reloaded")
}

func restartSections(old, next *config.Config) []string {
	var out []string
	if next.Storage != old.Storage {
		out = append(out, "storage")
	}
	if next.Scheduler != old.Scheduler {
		out = append(out, "scheduler")
	}
	if next.Telegram != old.Telegram {
		out = append(out, "telegram")
	}
	if next.Worker.Command != old.Worker.Command ||
		next.Worker.DefaultChannel != old.Worker.DefaultChannel ||
		strings.Join(next.Worker.Args, "\x00") != strings.Join(old.Worker.Args, "\x00") {
		out = append(out, "worker")
	}
	if next.HTTP.HTTPEnabled() != old.HTTP.HTTPEnabled() || next.HTTP.HTTPAddr() != old.HTTP.HTTPAddr() {
		out = append(out, "http")
	}
	return out
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Close the front door first: no new run requests, no new fires.
	if a.api != nil {
		step("http", 2*time.Second, a.api.Stop)
	}
	if a.sched != nil {
		step("trigger", 2*time.Second, a.sched.Stop)
	}

	// Unwind in-flight executions. The agent gets SIGTERM and the run
	// records are finalized on detached contexts, so cancellation does not
	// lose terminal state.
	a.sup.Cancel()
	step("worker", 2*time.Second, a.agent.Stop)
	step("supervisor", 15*time.Second, a.sup.Wait)

	if a.pprof != nil {
		step("pprof", 2*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	}
	step("store", 2*time.Second, func(context.Context) error { return a.st.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
