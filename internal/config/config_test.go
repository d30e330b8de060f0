package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./data/test.db
  busy_timeout: 2s
scheduler:
  timezone: Europe/Berlin
worker:
  command: /usr/local/bin/agent
  args: ["--profile", "default"]
  default_channel: chrome
telegram:
  token: "123:abc"
  chat_id: "42"
  rate_per_sec: 5
http:
  enabled: false
  addr: "0.0.0.0:9000"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Worker.Command != "/usr/local/bin/agent" || len(cfg.Worker.Args) != 2 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.HTTP.HTTPEnabled() {
		t.Fatal("http explicitly disabled but resolved enabled")
	}
	if cfg.HTTP.HTTPAddr() != "0.0.0.0:9000" {
		t.Fatalf("http addr = %q", cfg.HTTP.HTTPAddr())
	}
	bt, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil || bt != 2*time.Second {
		t.Fatalf("busy timeout = (%v, %v)", bt, err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "storage: {path: ./x.db}\n"))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.HTTP.HTTPEnabled() {
		t.Fatal("omitted http.enabled should default to true")
	}
	if cfg.HTTP.HTTPAddr() != "127.0.0.1:8787" {
		t.Fatalf("default http addr = %q", cfg.HTTP.HTTPAddr())
	}
	if cfg.Pprof.PprofAddr() != "127.0.0.1:6060" {
		t.Fatalf("default pprof addr = %q", cfg.Pprof.PprofAddr())
	}
	bt, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil || bt != 5*time.Second {
		t.Fatalf("default busy timeout = (%v, %v)", bt, err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "storage: {path: ./x.db}\nsurprise: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"missing storage path":  "logging: {level: info}\n",
		"bad timezone":          "storage: {path: ./x.db}\nscheduler: {timezone: Mars/Olympus}\n",
		"bad busy timeout":      "storage: {path: ./x.db, busy_timeout: soon}\n",
		"negative busy timeout": "storage: {path: ./x.db, busy_timeout: -3s}\n",
		"bad log level":         "storage: {path: ./x.db}\nlogging: {level: loud}\n",
	}
	for name, content := range cases {
		name, content := name, content
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", content))
			if _, err := m.Load(); err == nil {
				t.Fatalf("%s accepted", name)
			}
		})
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "storage: {path: ./x.db}\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var rejected atomic.Bool
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			rejected.Store(true)
			return os.ErrInvalid
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	// give the watcher a moment to attach
	time.Sleep(300 * time.Millisecond)

	if err := os.WriteFile(path, []byte("storage: {path: ./y.db}\nlogging: {level: warn}\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Storage.Path != "./y.db" || cfg.Logging.Level != "warn" {
			t.Fatalf("published config = %+v", cfg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reload not published")
	}

	// A reload the validator rejects must not be committed or published.
	if err := os.WriteFile(path, []byte("storage: {path: ./z.db}\nlogging: {level: error}\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for !rejected.Load() {
		if time.Now().After(deadline) {
			t.Fatal("validator never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := m.Get(); got.Storage.Path == "./z.db" {
		t.Fatal("rejected config was committed")
	}

	cancel()
	<-done
}
