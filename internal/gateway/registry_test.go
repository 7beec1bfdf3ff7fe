package gateway

import (
	"errors"
	"testing"
)

// testConn builds a Conn without a socket or writer so queue and registry
// behavior can be exercised in isolation.
func testConn(sessionID string, queueSize int) *Conn {
	return &Conn{
		sessionID: sessionID,
		out:       make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

func TestRegistry_Routing(t *testing.T) {
	r := NewRegistry()
	a := testConn("session-a", 1)
	b := testConn("session-b", 1)

	r.Add(a)
	r.Add(b)
	if r.Len() != 2 {
		t.Fatalf("expected 2 connections, got %d", r.Len())
	}
	if got, ok := r.Get("session-a"); !ok || got != a {
		t.Error("expected to route to connection a")
	}

	// A reconnect for the same session replaces the old route.
	a2 := testConn("session-a", 1)
	r.Add(a2)
	if got, _ := r.Get("session-a"); got != a2 {
		t.Error("expected replacement connection for session-a")
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 connections after replacement, got %d", r.Len())
	}

	ids := r.Sessions()
	if len(ids) != 2 {
		t.Errorf("expected 2 session IDs, got %v", ids)
	}

	r.Remove("session-a")
	if _, ok := r.Get("session-a"); ok {
		t.Error("expected session-a to be gone")
	}
	r.Remove("session-a")
	if r.Len() != 1 {
		t.Errorf("expected 1 connection, got %d", r.Len())
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	c := testConn("session-a", 4)
	close(c.done)

	if err := c.Send(map[string]string{"type": "pong"}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed, got %v", err)
	}
}

func TestConn_QueueOverflow(t *testing.T) {
	r := NewRegistry()
	c := testConn("session-a", 1)
	r.Add(c)

	if err := c.Send(map[string]string{"type": "pong"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No writer drains the queue, so the second send overflows.
	if err := c.Send(map[string]string{"type": "pong"}); err == nil {
		t.Fatal("expected overflow error")
	}
	if got := r.DroppedSends(); got != 1 {
		t.Errorf("expected 1 dropped send, got %d", got)
	}
}

func TestConn_SendUnmarshalable(t *testing.T) {
	c := testConn("session-a", 1)
	if err := c.Send(make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
