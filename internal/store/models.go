package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Session statuses. A session is terminal once completed or failed;
// at most one session may be non-terminal at a time.
const (
	SessionInitializing = "initializing"
	SessionActive       = "active"
	SessionPaused       = "paused"
	SessionCompleted    = "completed"
	SessionFailed       = "failed"
)

// Chunk statuses. Transitions are monotonic: pending -> processing ->
// completed|failed. A failed chunk may be reset to pending by the
// dispatcher's retry policy; a completed chunk never moves again.
const (
	ChunkPending    = "pending"
	ChunkProcessing = "processing"
	ChunkCompleted  = "completed"
	ChunkFailed     = "failed"
)

// TransferSession records one end-to-end transfer attempt
type TransferSession struct {
	ID             string
	SourceURL      string
	TargetURL      string
	Status         string
	TotalItems     sql.NullInt64 // unknown until the source reports it
	ProcessedItems int64
	PageSize       int
	LastError      sql.NullString
	LastChunkID    sql.NullString // most recently completed chunk
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the session can no longer make progress.
func (s *TransferSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// DataChunk buffers one fetched page of source items until dispatched
type DataChunk struct {
	ID          string
	SessionID   string
	Seq         int64 // monotonic per-store sequence, FIFO dispatch key
	Items       []json.RawMessage
	ItemCount   int
	Status      string
	Error       string // empty unless the chunk failed
	CreatedAt   time.Time
	ProcessedAt sql.NullTime
}

// SessionUpdate is a partial update for a TransferSession.
// Nil fields are left untouched; updated_at is always bumped.
type SessionUpdate struct {
	Status         *string
	TotalItems     *int64
	ProcessedItems *int64
	LastError      *string
	LastChunkID    *string
}
