// Package gateway owns the client-facing WebSocket endpoint. It accepts
// connections, binds each one to a processing session, frames inbound audio
// chunks onto the event bus and delivers aggregated results back to the
// originating client.
//
// Shutdown is two-phased: [Handler.StopAccepting] refuses new connections
// while existing clients keep receiving results (the aggregator flushes its
// open entries during this window), then [Handler.Close] tears the remaining
// connections down.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/internal/observe"
	"github.com/MrWong99/phonoxa/internal/session"
	"github.com/MrWong99/phonoxa/internal/transcript"
	"github.com/MrWong99/phonoxa/pkg/audio"
	"github.com/MrWong99/phonoxa/pkg/types"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

var _ bus.Handler = (*Handler)(nil)

// Bus is the event bus surface the gateway needs.
type Bus interface {
	Publish(ev bus.Event)
	Subscribe(topic string, h bus.Handler)
	Unsubscribe(topic string, h bus.Handler)
}

// TranscriptSource resolves a session's assembled transcript for the
// session_info response. Satisfied by the transcript assembler.
type TranscriptSource interface {
	Transcript(sessionID string) (transcript.Transcript, bool)
}

const (
	// DefaultMaxChunkBytes caps a single binary audio frame at 64 KiB.
	DefaultMaxChunkBytes = 64 * 1024

	// DefaultSampleRate is assumed for inbound audio when the deployment does
	// not configure one.
	DefaultSampleRate = 16000

	// DefaultChannels is assumed for inbound audio.
	DefaultChannels = 1

	sourceName = "gateway"
)

// Config configures a [Handler]. Zero fields fall back to defaults; the
// optional limits stay disabled unless set.
type Config struct {
	// Bus receives chunk_in events and delivers chunk_done events.
	Bus Bus

	// Sessions allocates session and chunk identity.
	Sessions *session.Manager

	// Transcripts optionally enriches session_info responses with the
	// session's assembled transcript. Nil omits the preview.
	Transcripts TranscriptSource

	// MaxChunkBytes is the largest accepted binary frame.
	MaxChunkBytes int

	// SampleRate and Channels describe the raw audio clients send.
	SampleRate int
	Channels   int

	// MaxPending caps unresolved chunks per session. Beyond it, further audio
	// frames are acknowledged with a rejection instead of entering the
	// pipeline. Zero disables the cap.
	MaxPending int

	// ChunksPerSecond rate-limits audio frames per connection. Zero disables
	// the limit.
	ChunksPerSecond float64

	// Metrics optionally receives the connection and session gauges and the
	// rejection counter. Nil disables recording.
	Metrics *observe.Metrics
}

// Handler implements the WebSocket ingress endpoint as an [http.Handler].
type Handler struct {
	bus         Bus
	sessions    *session.Manager
	registry    *Registry
	transcripts TranscriptSource
	metrics     *observe.Metrics

	maxChunkBytes int
	sampleRate    int
	channels      int
	maxPending    int
	chunksPerSec  float64

	accepting atomic.Bool

	connsTotal   atomic.Uint64
	chunksIn     atomic.Uint64
	rejected     atomic.Uint64
	staleResults atomic.Uint64
}

// Stats is a point-in-time snapshot of gateway counters.
type Stats struct {
	Accepting            bool   `json:"accepting"`
	ActiveConnections    int    `json:"active_connections"`
	TotalConnections     uint64 `json:"total_connections"`
	ChunksIn             uint64 `json:"chunks_in"`
	RejectedBackpressure uint64 `json:"rejected_backpressure"`
	StaleResults         uint64 `json:"stale_results"`
	DroppedSends         uint64 `json:"dropped_sends"`
}

// NewHandler creates a gateway handler. Call [Handler.Start] before serving.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	return &Handler{
		bus:           cfg.Bus,
		sessions:      cfg.Sessions,
		registry:      NewRegistry(),
		transcripts:   cfg.Transcripts,
		metrics:       cfg.Metrics,
		maxChunkBytes: cfg.MaxChunkBytes,
		sampleRate:    cfg.SampleRate,
		channels:      cfg.Channels,
		maxPending:    cfg.MaxPending,
		chunksPerSec:  cfg.ChunksPerSecond,
	}
}

// Start subscribes to completion events and begins accepting connections.
func (h *Handler) Start() {
	h.bus.Subscribe(types.TopicChunkDone, h)
	h.accepting.Store(true)
	slog.Info("gateway started",
		"max_chunk_bytes", h.maxChunkBytes,
		"sample_rate", h.sampleRate,
		"max_pending", h.maxPending)
}

// StopAccepting refuses new connections while existing ones keep running.
func (h *Handler) StopAccepting() {
	h.accepting.Store(false)
	slog.Info("gateway stopped accepting connections", "active", h.registry.Len())
}

// Close unsubscribes from completion events and tears down every remaining
// connection. Sessions are ended by the per-connection read loops as they
// observe the closure.
func (h *Handler) Close() {
	h.accepting.Store(false)
	h.bus.Unsubscribe(types.TopicChunkDone, h)
	h.registry.CloseAll(websocket.StatusGoingAway, "server shutting down")
	slog.Info("gateway closed")
}

// Stats returns a snapshot of the gateway counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Accepting:            h.accepting.Load(),
		ActiveConnections:    h.registry.Len(),
		TotalConnections:     h.connsTotal.Load(),
		ChunksIn:             h.chunksIn.Load(),
		RejectedBackpressure: h.rejected.Load(),
		StaleResults:         h.staleResults.Load(),
		DroppedSends:         h.registry.DroppedSends(),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection until
// the client disconnects or the gateway closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.accepting.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients are programmatic, not browsers; no origin restriction.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	// Oversized frames must be readable so they can be answered with an error
	// message instead of killing the connection.
	ws.SetReadLimit(int64(2*h.maxChunkBytes) + 1024)

	h.connsTotal.Add(1)
	h.handleConn(r, ws)
}

func (h *Handler) handleConn(r *http.Request, ws *websocket.Conn) {
	info := h.sessions.Create()
	conn := newConn(info.ID, ws)
	h.registry.Add(conn)
	if h.metrics != nil {
		h.metrics.RecordConnection(context.Background(), 1)
		h.metrics.RecordSession(context.Background(), 1)
	}

	defer func() {
		h.registry.Remove(conn.sessionID)
		if err := h.sessions.End(conn.sessionID); err != nil {
			slog.Debug("ending session failed", "session_id", conn.sessionID, "error", err)
		}
		conn.close(websocket.StatusNormalClosure, "session ended")
		if h.metrics != nil {
			h.metrics.RecordConnection(context.Background(), -1)
			h.metrics.RecordSession(context.Background(), -1)
		}
		slog.Info("connection closed", "session_id", conn.sessionID)
	}()

	if err := conn.Send(sessionEstablishedMessage{
		Type:      msgSessionEstablished,
		SessionID: conn.sessionID,
		Message:   "connected to speech processing service",
		Timestamp: wireTime(),
	}); err != nil {
		return
	}
	slog.Info("connection established", "session_id", conn.sessionID, "remote", r.RemoteAddr)

	var limiter *rate.Limiter
	if h.chunksPerSec > 0 {
		burst := int(h.chunksPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.chunksPerSec), burst)
	}

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Debug("client disconnected", "session_id", conn.sessionID)
			} else {
				slog.Debug("connection read ended", "session_id", conn.sessionID, "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			h.handleChunk(conn, data, limiter)
		case websocket.MessageText:
			h.handleCommand(conn, data)
		}
	}
}

// handleChunk validates one binary audio frame, allocates its chunk ID and
// publishes it into the pipeline. Validation failures are answered on the
// connection without allocating an ID so the session's sequence stays gapless.
func (h *Handler) handleChunk(conn *Conn, data []byte, limiter *rate.Limiter) {
	if len(data) == 0 {
		h.recordRejection("empty")
		h.sendError(conn, "empty audio chunk")
		return
	}
	if len(data) > h.maxChunkBytes {
		h.recordRejection("oversized")
		h.sendError(conn, fmt.Sprintf("audio chunk too large: %d bytes (max %d)", len(data), h.maxChunkBytes))
		return
	}
	if limiter != nil && !limiter.Allow() {
		h.recordRejection("rate_limited")
		h.sendError(conn, "chunk rate limit exceeded")
		return
	}

	if h.maxPending > 0 && conn.pending.Load() >= int64(h.maxPending) {
		chunkID, err := h.sessions.NextChunkID(conn.sessionID)
		if err != nil {
			h.sendError(conn, "session not active")
			return
		}
		h.rejected.Add(1)
		h.recordRejection("backpressure")
		slog.Warn("chunk rejected, session backlog full",
			"session_id", conn.sessionID, "chunk_id", chunkID, "pending", conn.pending.Load())
		h.send(conn, rejectedMessage{
			Type:      msgRejected,
			ChunkID:   chunkID,
			Message:   fmt.Sprintf("too many unresolved chunks (max %d)", h.maxPending),
			Timestamp: wireTime(),
		})
		return
	}

	chunkID, err := h.sessions.NextChunkID(conn.sessionID)
	if err != nil {
		h.sendError(conn, "session not active")
		return
	}
	size := len(data)
	if err := h.sessions.RecordChunk(conn.sessionID, size); err != nil {
		slog.Debug("recording chunk failed", "session_id", conn.sessionID, "error", err)
	}

	// Engines expect mono; stereo input is downmixed here so every stage
	// downstream sees a single channel.
	channels := h.channels
	if channels == 2 {
		data = audio.StereoToMono(data)
		channels = 1
	}

	conn.pending.Add(1)
	h.chunksIn.Add(1)
	h.bus.Publish(bus.Event{
		Topic:         types.TopicChunkIn,
		Source:        sourceName,
		CorrelationID: types.Correlation(conn.sessionID, chunkID),
		Payload: types.Chunk{
			SessionID:  conn.sessionID,
			ChunkID:    chunkID,
			Data:       data,
			SampleRate: h.sampleRate,
			Channels:   channels,
		},
	})
	slog.Debug("chunk accepted",
		"session_id", conn.sessionID,
		"chunk_id", chunkID,
		"size", size,
		"duration_ms", audio.DurationMS(data, h.sampleRate, channels))

	h.send(conn, chunkAcceptedMessage{
		Type:      msgChunkAccepted,
		ChunkID:   chunkID,
		Size:      size,
		Timestamp: wireTime(),
	})
}

// handleCommand dispatches one JSON control frame.
func (h *Handler) handleCommand(conn *Conn, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.sendError(conn, "invalid JSON message")
		return
	}

	switch cmd.Command {
	case "ping":
		h.send(conn, pongMessage{Type: msgPong, Timestamp: wireTime()})
	case "get_session_info":
		info, err := h.sessions.Info(conn.sessionID)
		if err != nil {
			h.sendError(conn, "session not found")
			return
		}
		msg := sessionInfoMessage{
			Type:          msgSessionInfo,
			SessionInfo:   info,
			PendingChunks: conn.Pending(),
		}
		if h.transcripts != nil {
			if t, ok := h.transcripts.Transcript(conn.sessionID); ok {
				msg.Transcript = t.Text
				msg.KeywordHits = len(t.Hits)
			}
		}
		h.send(conn, msg)
	default:
		h.sendError(conn, fmt.Sprintf("unknown command: %s", cmd.Command))
	}
}

// HandleEvent delivers one aggregated result to the owning client. Results
// for sessions without a live connection are dropped.
func (h *Handler) HandleEvent(ev bus.Event) {
	res, ok := ev.Payload.(types.AggregatedResult)
	if !ok {
		return
	}
	conn, ok := h.registry.Get(res.SessionID)
	if !ok {
		h.staleResults.Add(1)
		slog.Debug("no connection for completed chunk",
			"session_id", res.SessionID, "chunk_id", res.ChunkID)
		return
	}
	conn.pending.Add(-1)
	h.send(conn, resultMessage{
		Type:             msgResult,
		AggregatedResult: res,
		Timestamp:        wireTime(),
	})
}

func (h *Handler) send(conn *Conn, v any) {
	if err := conn.Send(v); err != nil {
		slog.Debug("send failed", "session_id", conn.sessionID, "error", err)
	}
}

func (h *Handler) sendError(conn *Conn, msg string) {
	h.send(conn, newErrorMessage(msg))
}

func (h *Handler) recordRejection(reason string) {
	if h.metrics != nil {
		h.metrics.RecordRejection(context.Background(), reason)
	}
}
