package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrConnClosed is returned by [Conn.Send] once the connection has been torn
// down.
var ErrConnClosed = errors.New("gateway: connection closed")

const (
	// outboundQueueSize bounds the per-connection send queue. A client that
	// stops draining for long enough to fill it loses messages rather than
	// stalling the pipeline.
	outboundQueueSize = 64

	// writeTimeout caps a single frame write to a client.
	writeTimeout = 10 * time.Second
)

// Conn wraps one client WebSocket. All outbound frames are funneled through a
// single writer goroutine so that concurrent senders (the read loop replying
// to commands, the bus handler delivering results) never interleave frames.
type Conn struct {
	sessionID string
	ws        *websocket.Conn

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	// pending counts chunks accepted on this connection that have not yet
	// produced a result message. Used for the backpressure cap.
	pending atomic.Int64

	dropped atomic.Uint64
}

func newConn(sessionID string, ws *websocket.Conn) *Conn {
	c := &Conn{
		sessionID: sessionID,
		ws:        ws,
		out:       make(chan []byte, outboundQueueSize),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// SessionID returns the session bound to this connection.
func (c *Conn) SessionID() string { return c.sessionID }

// Pending returns the number of accepted chunks still awaiting a result.
func (c *Conn) Pending() int64 { return c.pending.Load() }

// Send marshals v and queues it for delivery as a text frame. It fails when
// the connection is closed or the outbound queue is full.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal: %w", err)
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.dropped.Add(1)
		return fmt.Errorf("gateway: outbound queue full for session %s", c.sessionID)
	}
}

// writeLoop is the single writer for the underlying WebSocket. A failed write
// tears the connection down; the read loop then observes the closure and runs
// the usual disconnect path.
func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("client write failed, closing connection",
					"session_id", c.sessionID, "error", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close(code, reason)
	})
}

// Registry maps session IDs to their live connections. The gateway handler
// owns the connections; the registry only routes result delivery by session
// ID and is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a connection under its session ID, replacing any previous
// entry for that session.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.sessionID] = c
	r.mu.Unlock()
	slog.Debug("connection registered", "session_id", c.sessionID, "total", r.Len())
}

// Remove drops the connection for the given session. No-op if absent.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.conns, sessionID)
	r.mu.Unlock()
}

// Get returns the connection for a session, if one is registered.
func (r *Registry) Get(sessionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[sessionID]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sessions returns the session IDs of all registered connections.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// DroppedSends sums the outbound queue drops across live connections.
func (r *Registry) DroppedSends() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, c := range r.conns {
		total += c.dropped.Load()
	}
	return total
}

// CloseAll tears down every registered connection. The read loops observe the
// closure and deregister themselves.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close(code, reason)
	}
}
