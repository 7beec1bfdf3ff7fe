package gateway

import (
	"time"

	"github.com/MrWong99/phonoxa/internal/session"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// Wire protocol: clients send binary frames carrying raw audio and text frames
// carrying JSON commands. The server replies with typed JSON text frames.

const (
	msgSessionEstablished = "session_established"
	msgChunkAccepted      = "chunk_accepted"
	msgRejected           = "rejected_backpressure"
	msgResult             = "result"
	msgPong               = "pong"
	msgSessionInfo        = "session_info"
	msgError              = "error"
)

// clientCommand is the envelope for text frames sent by clients.
type clientCommand struct {
	Command string `json:"command"`
}

type sessionEstablishedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

type chunkAcceptedMessage struct {
	Type      string `json:"type"`
	ChunkID   uint64 `json:"chunk_id"`
	Size      int    `json:"size"`
	Timestamp string `json:"timestamp"`
}

// rejectedMessage acknowledges a chunk that was refused at admission because
// too many of the session's chunks are still unresolved. The chunk ID is
// allocated so the client can account for the gap.
type rejectedMessage struct {
	Type      string `json:"type"`
	ChunkID   uint64 `json:"chunk_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type resultMessage struct {
	Type string `json:"type"`
	types.AggregatedResult
	Timestamp string `json:"timestamp"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type sessionInfoMessage struct {
	Type        string       `json:"type"`
	SessionInfo session.Info `json:"session_info"`

	// PendingChunks is the number of this connection's chunks still awaiting
	// their aggregated result.
	PendingChunks int64 `json:"pending_chunks"`

	// Transcript and KeywordHits carry the assembled-text preview when
	// transcript assembly is enabled for the deployment.
	Transcript  string `json:"transcript,omitempty"`
	KeywordHits int    `json:"keyword_hits,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorMessage(msg string) errorMessage {
	return errorMessage{Type: msgError, Message: msg}
}

// wireTime formats timestamps for client-facing messages.
func wireTime() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
