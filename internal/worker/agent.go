package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/store"
	"taskpilot/pkg/logx"
)

// AgentConfig configures the external agent CLI.
type AgentConfig struct {
	// Command is the agent binary. Empty means the agent worker is not
	// available and Execute fails fast.
	Command string
	// Args are fixed arguments placed before the per-run flags.
	Args []string
	// DefaultChannel is used when the request does not name one.
	DefaultChannel string
}

// Agent runs instructions by spawning the configured agent CLI once per
// run. The CLI reports progress as JSON lines on stdout:
//
//	{"type":"step","action":"...","result":"..."}
//	{"type":"notify","text":"..."}
//	{"type":"result","final":"..."}
//
// Unparseable lines are ignored. Each process runs in its own process
// group so cancelling its run context tears down any children it
// spawned. Per-run teardown is the context; Stop signals every process
// still tracked and exists for shutdown.
type Agent struct {
	cfg AgentConfig
	log logx.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd // invocation id -> running process
}

// NewAgent builds the exec-based worker. It does not check that the
// command exists; a missing binary surfaces as an Execute error.
func NewAgent(cfg AgentConfig, log logx.Logger) *Agent {
	return &Agent{cfg: cfg, log: log, procs: make(map[string]*exec.Cmd)}
}

// agentLine is one stdout JSON line from the agent CLI.
type agentLine struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Result string `json:"result,omitempty"`
	Text   string `json:"text,omitempty"`
	Final  string `json:"final,omitempty"`
}

func (a *Agent) Execute(ctx context.Context, req Request) (*Result, error) {
	if a.cfg.Command == "" {
		return nil, errors.New("agent command not configured")
	}

	channel := req.Channel
	if channel == "" {
		channel = a.cfg.DefaultChannel
	}
	args := append([]string(nil), a.cfg.Args...)
	args = append(args,
		"--task", req.Instruction,
		"--headless="+fmt.Sprint(req.Headless),
	)
	if channel != "" {
		args = append(args, "--channel", channel)
	}

	invocation := uuid.NewString()
	log := a.log.With(logx.String("invocation", invocation))

	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	log.Debug("agent started", logx.Int("pid", cmd.Process.Pid))

	a.mu.Lock()
	a.procs[invocation] = cmd
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.procs, invocation)
		a.mu.Unlock()
	}()

	res := &Result{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line agentLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		switch line.Type {
		case "step":
			res.Steps = append(res.Steps, store.Step{
				Index:     len(res.Steps),
				Timestamp: time.Now().UTC(),
				Action:    line.Action,
				Result:    ClipStep(line.Result),
			})
		case "notify":
			if req.Notify != nil && line.Text != "" {
				if !req.Notify(ctx, line.Text) {
					log.Warn("mid-run notification not delivered")
				}
			}
		case "result":
			res.FinalText = ClipSummary(line.Final)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("agent: %w: %s", err, firstLine(msg))
		}
		return nil, fmt.Errorf("agent: %w", err)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("reading agent output: %w", scanErr)
	}
	log.Debug("agent finished", logx.Int("steps", len(res.Steps)))
	return res, nil
}

// Stop signals every running agent's process group. Best effort: nothing
// running is not an error. Individual runs are cancelled through their
// own contexts; Stop exists for process shutdown.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(a.procs))
	for _, cmd := range a.procs {
		cmds = append(cmds, cmd)
	}
	a.mu.Unlock()

	var firstErr error
	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			if firstErr == nil {
				firstErr = fmt.Errorf("stopping agent: %w", err)
			}
		}
	}
	return firstErr
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
