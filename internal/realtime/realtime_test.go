package realtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubscribeCreatesTopicLazily(t *testing.T) {
	t.Parallel()
	mgr := NewManager(0, nil)
	ch, unsub, err := mgr.Subscribe("t1", "sub1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	if ch == nil {
		t.Fatal("expected a non-nil channel")
	}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	t.Parallel()
	mgr := NewManager(0, nil)
	ch, unsub, err := mgr.Subscribe("t1", "sub1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	msg := NewMessage("ping", "alice", []byte(`{"x":1}`))
	n := mgr.Publish("t1", msg)
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	select {
	case got := <-ch:
		if got.Cmd != "ping" {
			t.Errorf("expected cmd=ping, got %s", got.Cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("expected message to be delivered")
	}
}

func TestMaxChannelsRefusesBeyondLimit(t *testing.T) {
	t.Parallel()
	mgr := NewManager(1, nil)
	_, unsub1, err := mgr.Subscribe("t1", "s1")
	if err != nil {
		t.Fatalf("subscribe t1: %v", err)
	}
	defer unsub1()

	_, _, err = mgr.Subscribe("t2", "s2")
	if err == nil {
		t.Fatal("expected ErrTooManyChannels beyond max_channels")
	}
}

func TestSendToUserReportsOfflineWithNoSubscription(t *testing.T) {
	t.Parallel()
	mgr := NewManager(0, nil)
	result := mgr.SendToUser("tenant1", "bob", NewMessage("notify", "", nil))
	if result.Online {
		t.Error("expected Online=false for a user with no live subscription")
	}
}

func TestSendToUserDeliversWhenOnline(t *testing.T) {
	t.Parallel()
	mgr := NewManager(0, nil)
	ch, unsub, err := mgr.Subscribe(UserTopic("tenant1", "bob"), "conn1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	result := mgr.SendToUser("tenant1", "bob", NewMessage("notify", "", nil))
	if !result.Online || result.Delivered != 1 {
		t.Fatalf("expected online delivery, got %+v", result)
	}
	<-ch
}

func TestSweepEmptyTopicsRemovesZeroSubscriberTopics(t *testing.T) {
	t.Parallel()
	mgr := NewManager(0, nil)
	_, unsub, err := mgr.Subscribe("t1", "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub() // zero subscribers now, but topic still exists

	removed := mgr.SweepEmptyTopics()
	if removed != 1 {
		t.Fatalf("expected 1 topic removed, got %d", removed)
	}
}

func TestRoutePathDistinguishesThreeProtocols(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path     string
		protocol string
		resource string
		ok       bool
	}{
		{"/ws/bus", "bus", "", true},
		{"/ws/rtdb/file123", "rtdb", "file123", true},
		{"/ws/crdt/doc456", "crdt", "doc456", true},
		{"/not/a/ws/path", "", "", false},
	}
	for _, c := range cases {
		proto, resource, ok := RoutePath(c.path)
		if proto != c.protocol || resource != c.resource || ok != c.ok {
			t.Errorf("RoutePath(%q) = (%q, %q, %v), want (%q, %q, %v)", c.path, proto, resource, ok, c.protocol, c.resource, c.ok)
		}
	}
}

func TestParseAccessOverrideNarrowsNeverWidens(t *testing.T) {
	t.Parallel()
	readOnly := httptest.NewRequest(http.MethodGet, "/ws/bus?access=write", nil)
	level, allowed := ParseAccessOverride(readOnly, AccessRead)
	if allowed {
		t.Error("expected a write override above the computed read level to be disallowed")
	}
	if level != AccessWrite {
		t.Error("expected the requested level to be reported back for the caller to reject")
	}

	writeReq := httptest.NewRequest(http.MethodGet, "/ws/bus?access=read", nil)
	level2, allowed2 := ParseAccessOverride(writeReq, AccessWrite)
	if !allowed2 || level2 != AccessRead {
		t.Errorf("expected narrowing to read to be allowed, got level=%v allowed=%v", level2, allowed2)
	}
}

func TestParseBusCommand(t *testing.T) {
	t.Parallel()
	cmd, err := ParseBusCommand([]byte(`{"cmd":"subscribe","topic":"tenant:abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Cmd != "subscribe" || cmd.Topic != "tenant:abc" {
		t.Errorf("unexpected parse result: %+v", cmd)
	}
}
