// Package session tracks the lifecycle of client sessions: identity, chunk
// sequencing and activity counters.
//
// Each websocket connection owns exactly one session. Chunk IDs are allocated
// here so they are strictly increasing from 0 with no gaps, and ended
// sessions are retained for a grace period so that late pipeline results can
// still be attributed before the janitor removes them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for operations on an unknown session ID.
var ErrNotFound = errors.New("session: not found")

// ErrEnded is returned when chunk IDs are requested for an ended session.
var ErrEnded = errors.New("session: already ended")

const (
	defaultGrace         = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive means the session accepts chunks.
	StatusActive Status = "active"

	// StatusEnded means the session is retained only for late results.
	StatusEnded Status = "ended"
)

// Info is a point-in-time snapshot of one session, also used as the body of
// the session_info response.
type Info struct {
	ID           string    `json:"session_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// NextChunkID is the ID the next incoming chunk will receive.
	NextChunkID uint64 `json:"next_chunk_id"`

	ChunksIn uint64 `json:"chunks_in"`
	BytesIn  uint64 `json:"bytes_in"`
}

// Stats summarizes the session table for the stats endpoint.
type Stats struct {
	Active  int    `json:"active"`
	Ended   int    `json:"ended"`
	Created uint64 `json:"created"`
	Swept   uint64 `json:"swept"`
}

type record struct {
	id           string
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	endedAt      time.Time
	nextChunkID  uint64
	chunksIn     uint64
	bytesIn      uint64
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Grace is how long ended sessions are retained. Defaults to 5m.
	Grace time.Duration

	// SweepInterval is how often the janitor removes expired sessions.
	// Defaults to 1m.
	SweepInterval time.Duration
}

// Manager owns the session table. All methods are safe for concurrent use;
// the table is small enough that a single mutex suffices.
type Manager struct {
	grace         time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*record
	created  uint64
	swept    uint64

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. Call [Manager.Start] to run the
// janitor; the table works without it, it just never forgets ended sessions.
func NewManager(cfg ManagerConfig) *Manager {
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &Manager{
		grace:         grace,
		sweepInterval: sweep,
		sessions:      make(map[string]*record),
		done:          make(chan struct{}),
	}
}

// Start launches the janitor goroutine. It runs until [Manager.Stop] is
// called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the janitor. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// Create allocates a new active session with a unique ID and returns its
// snapshot.
func (m *Manager) Create() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	for _, taken := m.sessions[id]; taken; _, taken = m.sessions[id] {
		id = uuid.NewString()
	}

	now := time.Now()
	rec := &record{
		id:           id,
		status:       StatusActive,
		createdAt:    now,
		lastActivity: now,
	}
	m.sessions[id] = rec
	m.created++
	return snapshot(rec)
}

// NextChunkID allocates the next chunk ID for the session, starting at 0
// and increasing by one per call.
func (m *Manager) NextChunkID(id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.status == StatusEnded {
		return 0, ErrEnded
	}
	chunkID := rec.nextChunkID
	rec.nextChunkID++
	rec.lastActivity = time.Now()
	return chunkID, nil
}

// RecordChunk accounts one accepted chunk of the given size against the
// session.
func (m *Manager) RecordChunk(id string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.chunksIn++
	rec.bytesIn += uint64(size)
	rec.lastActivity = time.Now()
	return nil
}

// Touch updates the session's last activity timestamp.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.lastActivity = time.Now()
	return nil
}

// Info returns a snapshot of the session.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return snapshot(rec), nil
}

// End marks the session as ended. The record stays around for the grace
// period so late results can still identify it. Ending an already ended
// session is a no-op.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if rec.status == StatusEnded {
		return nil
	}
	rec.status = StatusEnded
	rec.endedAt = time.Now()
	rec.lastActivity = rec.endedAt
	return nil
}

// List returns snapshots of all live and recently ended sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, snapshot(rec))
	}
	return out
}

// Stats returns session table counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Created: m.created, Swept: m.swept}
	for _, rec := range m.sessions {
		if rec.status == StatusActive {
			st.Active++
		} else {
			st.Ended++
		}
	}
	return st
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep removes ended sessions whose grace period has expired.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		if rec.status == StatusEnded && now.Sub(rec.endedAt) >= m.grace {
			delete(m.sessions, id)
			m.swept++
			slog.Debug("session swept", "session_id", id, "chunks_in", rec.chunksIn)
		}
	}
}

func snapshot(rec *record) Info {
	return Info{
		ID:           rec.id,
		Status:       rec.status,
		CreatedAt:    rec.createdAt,
		LastActivity: rec.lastActivity,
		NextChunkID:  rec.nextChunkID,
		ChunksIn:     rec.chunksIn,
		BytesIn:      rec.bytesIn,
	}
}
