package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    WorkerConfig    `json:"worker"`
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the trigger engine.
type SchedulerConfig struct {
	// Timezone is the default cron timezone; jobs may override it.
	Timezone string `json:"timezone,omitempty"`
}

// WorkerConfig points at the agent CLI that executes job instructions.
type WorkerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// DefaultChannel names the browser channel (chrome, msedge, ...).
	DefaultChannel string `json:"default_channel,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
	// RatePerSec caps outgoing notification sends. 0 means 3/s.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the REST/SSE surface.
//
// Enabled is a pointer so an omitted field defaults to true while an
// explicit false still turns the server off.
type HTTPConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8787"
}

// PprofConfig controls the optional pprof HTTP listener.
// Prefer binding to localhost.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
}

// HTTPEnabled resolves the tri-state Enabled flag.
func (h HTTPConfig) HTTPEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// HTTPAddr resolves the listen address.
func (h HTTPConfig) HTTPAddr() string {
	if strings.TrimSpace(h.Addr) == "" {
		return "127.0.0.1:8787"
	}
	return h.Addr
}

// PprofAddr resolves the pprof listen address.
func (p PprofConfig) PprofAddr() string {
	if strings.TrimSpace(p.Addr) == "" {
		return "127.0.0.1:6060"
	}
	return p.Addr
}

// BusyTimeoutDuration parses the storage busy timeout with a 5s default.
func (s StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	return durationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
}

// durationOrDefault parses a Go duration string; empty or zero falls
// back to def, negative values are rejected.
func durationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the fields that would otherwise fail deep inside a
// component at an awkward time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := c.Storage.BusyTimeoutDuration(); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.Telegram.RatePerSec < 0 {
		return fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	return nil
}
