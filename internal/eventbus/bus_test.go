package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	crank, unsubCrank := b.Subscribe(4, "crank.")
	defer unsubCrank()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeCrankPass})
	b.Publish(Event{Type: TypeEngineFailed})

	select {
	case e := <-crank:
		if e.Type != TypeCrankPass || e.Time.IsZero() {
			t.Fatalf("got %+v, want stamped crank.pass", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("crank subscriber got nothing")
	}
	select {
	case e := <-crank:
		t.Fatalf("crank subscriber got unexpected %q", e.Type)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("catch-all subscriber has %d events, want 2", len(all))
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeCrankTask})
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: TypeCrankPass})
}
