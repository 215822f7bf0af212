package rpc

import (
	"testing"
	"time"

	"github.com/beam-tools/beam/internal/bus"
)

func TestEnsureReusesLiveSession(t *testing.T) {
	s := NewSessions(bus.New(bus.Options{}), 0)

	first := s.Ensure("", "host")
	if first.ID == "" {
		t.Fatal("Ensure returned an empty id")
	}
	if got := s.Ensure(first.ID, "host"); got != first {
		t.Fatal("presenting a live id created a new session")
	}
	if got := s.Ensure("stale", "external"); got == first || got.ID == "stale" {
		t.Fatalf("unknown id must get a fresh session, got %v", got.ID)
	}
}

func TestNotifyWithoutPushIsSkipped(t *testing.T) {
	s := NewSessions(bus.New(bus.Options{}), 0)
	sess := s.Ensure("", "host")

	// No stream attached; must not panic or block.
	s.NotifySession(sess.ID, "notifications/message", "hello")
	s.NotifySession("ghost", "notifications/message", "hello")
}

func TestAttachPushLastConnectionWins(t *testing.T) {
	s := NewSessions(bus.New(bus.Options{}), 0)
	sess := s.Ensure("", "host")

	chA, detachA, ok := s.AttachPush(sess.ID)
	if !ok {
		t.Fatal("AttachPush failed for a live session")
	}
	chB, detachB, ok := s.AttachPush(sess.ID)
	if !ok {
		t.Fatal("second AttachPush failed")
	}
	defer detachB()

	s.NotifySession(sess.ID, "test/ping", nil)
	select {
	case n := <-chB:
		if n.Method != "test/ping" {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("current stream got nothing")
	}
	select {
	case n := <-chA:
		t.Fatalf("stale stream received %+v", n)
	default:
	}

	// Detaching the stale stream must not tear down the current one.
	detachA()
	s.NotifySession(sess.ID, "test/ping", nil)
	select {
	case <-chB:
	case <-time.After(time.Second):
		t.Fatal("current stream lost after stale detach")
	}

	if _, _, ok := s.AttachPush("ghost"); ok {
		t.Fatal("AttachPush accepted an unknown session")
	}
}

func TestViewForwardsLiveEvents(t *testing.T) {
	b := bus.New(bus.Options{})
	s := NewSessions(b, 0)
	sess := s.Ensure("", "host")

	ch, detach, _ := s.AttachPush(sess.ID)
	defer detach()

	b.Publish("demo/events", "status", 1)
	b.Publish("demo/events", "status", 2)

	replay := s.View(sess, "demo/events", 1)
	if replay.RefreshNeeded || len(replay.Events) != 1 || replay.Events[0].ID != 2 {
		t.Fatalf("replay = %+v, want event 2", replay)
	}

	b.Publish("demo/events", "status", 3)
	select {
	case n := <-ch:
		if n.Method != "beam/event" {
			t.Fatalf("push method = %s, want beam/event", n.Method)
		}
		ev, ok := n.Params.(bus.Event)
		if !ok || ev.ID != 3 {
			t.Fatalf("push params = %+v, want event 3", n.Params)
		}
	case <-time.After(time.Second):
		t.Fatal("live event never forwarded")
	}

	s.Unview(sess, "demo/events")
	b.Publish("demo/events", "status", 4)
	select {
	case n := <-ch:
		t.Fatalf("event forwarded after Unview: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPurgeExpired(t *testing.T) {
	b := bus.New(bus.Options{})
	s := NewSessions(b, time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	stale := s.Ensure("", "external")
	s.View(stale, "demo/events", 0)

	now = now.Add(2 * time.Minute)
	fresh := s.Ensure("", "external")

	if n := s.PurgeExpired(); n != 1 {
		t.Fatalf("PurgeExpired = %d, want 1", n)
	}
	if _, ok := s.Get(stale.ID); ok {
		t.Fatal("stale session still present")
	}
	if _, ok := s.Get(fresh.ID); !ok {
		t.Fatal("fresh session was purged")
	}

	// The stale session's bus subscription is gone: publishing must not
	// leak into a closed forwarder.
	b.Publish("demo/events", "status", 1)
}
