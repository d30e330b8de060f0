package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"taskpilot/internal/config"
	"taskpilot/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestPprofServerApplyEnableDisable(t *testing.T) {
	srv := newPprofServer(logx.Nop())
	t.Cleanup(func() {
		srv.Stop(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv.Apply(ctx, config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0"})

	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected pprof server to expose address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}

	// Disable and ensure the listener shuts down.
	srv.Apply(ctx, config.PprofConfig{Enabled: false})
	if addr := srv.Addr(); addr != "" {
		t.Fatalf("expected pprof server to stop, still at %s", addr)
	}
}

func TestRestartSections(t *testing.T) {
	t.Parallel()

	old := &config.Config{}
	old.Storage.Path = "a.db"
	old.Worker.Command = "agent"

	next := &config.Config{}
	next.Storage.Path = "b.db"
	next.Worker.Command = "agent"
	next.Worker.Args = []string{"--profile", "x"}

	got := restartSections(old, next)
	want := map[string]bool{"storage": true, "worker": true}
	if len(got) != len(want) {
		t.Fatalf("sections = %v, want storage+worker", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, got)
		}
	}

	if got := restartSections(next, next); len(got) != 0 {
		t.Fatalf("identical configs reported sections %v", got)
	}
}
