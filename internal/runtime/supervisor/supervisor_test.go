package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskpilot/pkg/logx"
)

func TestWaitReturnsFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))
	want := errors.New("boom")
	sup.Go("failing", func(ctx context.Context) error { return want })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if !errors.Is(err, want) {
		t.Fatalf("Wait = %v, want wrapped %v", err, want)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))
	sup.Go0("panicky", func(ctx context.Context) { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	sup.Go("failing", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-sup.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after error")
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))
	released := make(chan struct{})
	sup.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		close(released)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-released:
	default:
		t.Fatal("goroutine did not observe cancellation before Stop returned")
	}
	if c := sup.Counters(); c.Started != 1 || c.Active != 0 {
		t.Fatalf("Counters = %+v, want started=1 active=0", c)
	}
}
