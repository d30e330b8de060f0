package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "task_started", Data: map[string]string{"job_id": "j1"}})

	select {
	case e := <-ch:
		if e.Type != "task_started" {
			t.Fatalf("Type = %q, want task_started", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberCount(t *testing.T) {
	t.Parallel()
	b := New()
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
	_, unsub1 := b.Subscribe(1)
	_, unsub2 := b.Subscribe(1)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}
	unsub1()
	unsub1() // idempotent
	unsub2()
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0 after unsubscribe", n)
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	// Must not panic or block.
	b.Publish(Event{Type: "task_completed"})
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped, not blocked

	e := <-ch
	if e.Type != "a" {
		t.Fatalf("Type = %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}
