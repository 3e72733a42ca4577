package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or chunk id does not exist.
// Callers distinguish it from storage failures with errors.Is.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence for sessions and chunks
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer. The dispatcher issues updates from
	// several goroutines, so serialize on one connection instead of
	// surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// TransferSession Operations
// ============================================================================

// SessionConfig holds the caller-supplied fields of a new session.
type SessionConfig struct {
	SourceURL string
	TargetURL string
	PageSize  int
}

// CreateSession allocates an id and persists a new session in status
// "initializing" with zero processed items.
func (s *Store) CreateSession(cfg SessionConfig) (*TransferSession, error) {
	const query = `
		INSERT INTO transfer_sessions (
			id, source_url, target_url, status, processed_items, page_size,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`

	now := time.Now().UTC()
	sess := &TransferSession{
		ID:        uuid.NewString(),
		SourceURL: cfg.SourceURL,
		TargetURL: cfg.TargetURL,
		Status:    SessionInitializing,
		PageSize:  cfg.PageSize,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(
		query,
		sess.ID, sess.SourceURL, sess.TargetURL, sess.Status, sess.PageSize,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return sess, nil
}

const sessionColumns = `
	id, source_url, target_url, status, total_items, processed_items,
	page_size, last_error, last_chunk_id, created_at, updated_at
`

func scanSession(row interface{ Scan(...any) error }) (*TransferSession, error) {
	sess := &TransferSession{}
	err := row.Scan(
		&sess.ID, &sess.SourceURL, &sess.TargetURL, &sess.Status,
		&sess.TotalItems, &sess.ProcessedItems, &sess.PageSize,
		&sess.LastError, &sess.LastChunkID, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(id string) (*TransferSession, error) {
	query := "SELECT " + sessionColumns + " FROM transfer_sessions WHERE id = ?"

	sess, err := scanSession(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return sess, nil
}

// GetActiveSession returns the session in a non-terminal status
// (initializing, active, or paused), or nil when none exists. The
// orchestrator guarantees at most one such session ever exists.
func (s *Store) GetActiveSession() (*TransferSession, error) {
	query := "SELECT " + sessionColumns + ` FROM transfer_sessions
		WHERE status IN (?, ?, ?) ORDER BY created_at DESC LIMIT 1`

	sess, err := scanSession(s.db.QueryRow(query, SessionInitializing, SessionActive, SessionPaused))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}

	return sess, nil
}

// UpdateSession merges the non-nil fields of upd into the session and
// bumps updated_at. Returns the updated session.
func (s *Store) UpdateSession(id string, upd SessionUpdate) (*TransferSession, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.TotalItems != nil {
		sets = append(sets, "total_items = ?")
		args = append(args, *upd.TotalItems)
	}
	if upd.ProcessedItems != nil {
		sets = append(sets, "processed_items = ?")
		args = append(args, *upd.ProcessedItems)
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if upd.LastChunkID != nil {
		sets = append(sets, "last_chunk_id = ?")
		args = append(args, *upd.LastChunkID)
	}

	query := "UPDATE transfer_sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return s.GetSession(id)
}

// AddProcessedItems atomically adds n to the session's processed item
// counter against the persisted value, clamping at total_items when the
// total is known so the counter never overshoots on duplicate deliveries.
func (s *Store) AddProcessedItems(id string, n int64) (*TransferSession, error) {
	const query = `
		UPDATE transfer_sessions SET
			processed_items = CASE
				WHEN total_items IS NOT NULL AND processed_items + ? > total_items
					THEN total_items
				ELSE processed_items + ?
			END,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query, n, n, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to add processed items: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return s.GetSession(id)
}

// ============================================================================
// DataChunk Operations
// ============================================================================

// AddChunk persists a fetched page as a new chunk in status "pending".
// Items are stored as a JSON array and are immutable once written.
func (s *Store) AddChunk(sessionID string, items []json.RawMessage) (*DataChunk, error) {
	const query = `
		INSERT INTO data_chunks (id, session_id, items, item_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk items: %w", err)
	}

	chunk := &DataChunk{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Items:     items,
		ItemCount: len(items),
		Status:    ChunkPending,
		CreatedAt: time.Now().UTC(),
	}

	result, err := s.db.Exec(
		query,
		chunk.ID, chunk.SessionID, string(payload), chunk.ItemCount,
		chunk.Status, chunk.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chunk: %w", err)
	}

	chunk.Seq, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return chunk, nil
}

const chunkColumns = `
	seq, id, session_id, items, item_count, status, error, created_at, processed_at
`

func scanChunk(row interface{ Scan(...any) error }) (*DataChunk, error) {
	chunk := &DataChunk{}
	var payload string
	var errMsg sql.NullString
	err := row.Scan(
		&chunk.Seq, &chunk.ID, &chunk.SessionID, &payload, &chunk.ItemCount,
		&chunk.Status, &errMsg, &chunk.CreatedAt, &chunk.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	chunk.Error = errMsg.String
	if err := json.Unmarshal([]byte(payload), &chunk.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk items: %w", err)
	}
	return chunk, nil
}

// GetChunk retrieves a chunk by id
func (s *Store) GetChunk(id string) (*DataChunk, error) {
	query := "SELECT " + chunkColumns + " FROM data_chunks WHERE id = ?"

	chunk, err := scanChunk(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}

	return chunk, nil
}

// UpdateChunkStatus moves a chunk to the given status. Terminal statuses
// record processed_at and an optional error detail; resetting to pending
// clears both so the chunk can be redispatched.
func (s *Store) UpdateChunkStatus(id, status, errMsg string) (*DataChunk, error) {
	var query string
	var args []any

	switch status {
	case ChunkCompleted, ChunkFailed:
		query = "UPDATE data_chunks SET status = ?, error = NULLIF(?, ''), processed_at = ? WHERE id = ?"
		args = []any{status, errMsg, time.Now().UTC(), id}
	case ChunkPending:
		query = "UPDATE data_chunks SET status = ?, error = NULL, processed_at = NULL WHERE id = ?"
		args = []any{status, id}
	default:
		query = "UPDATE data_chunks SET status = ? WHERE id = ?"
		args = []any{status, id}
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update chunk status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}

	return s.GetChunk(id)
}

// GetPendingChunks returns up to limit pending chunks for the session in
// creation order (FIFO fetch-to-dispatch ordering).
func (s *Store) GetPendingChunks(sessionID string, limit int) ([]DataChunk, error) {
	query := "SELECT " + chunkColumns + ` FROM data_chunks
		WHERE session_id = ? AND status = ? ORDER BY seq ASC`
	args := []any{sessionID, ChunkPending}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryChunks(query, args...)
}

// GetSessionChunks returns all chunks for a session in creation order.
func (s *Store) GetSessionChunks(sessionID string) ([]DataChunk, error) {
	query := "SELECT " + chunkColumns + " FROM data_chunks WHERE session_id = ? ORDER BY seq ASC"
	return s.queryChunks(query, sessionID)
}

func (s *Store) queryChunks(query string, args ...any) ([]DataChunk, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DataChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	return chunks, nil
}

// ResetProcessingChunks moves every processing chunk of the session
// back to pending. A chunk is claimed only by an in-memory set, so a
// persisted "processing" status with no live dispatcher owning it is an
// orphan from an interrupted run. Returns the number of chunks reset.
func (s *Store) ResetProcessingChunks(sessionID string) (int64, error) {
	const query = `
		UPDATE data_chunks SET status = ?, error = NULL, processed_at = NULL
		WHERE session_id = ? AND status = ?
	`

	result, err := s.db.Exec(query, ChunkPending, sessionID, ChunkProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing chunks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// CountUnsettledChunks returns the number of chunks still pending or
// processing for the session. Zero means the dispatcher has drained.
func (s *Store) CountUnsettledChunks(sessionID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM data_chunks
		WHERE session_id = ? AND status IN (?, ?)
	`

	var count int
	err := s.db.QueryRow(query, sessionID, ChunkPending, ChunkProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsettled chunks: %w", err)
	}

	return count, nil
}

// ClearCompletedChunks deletes completed chunks for the session to
// reclaim storage. Safe to call at any time; completed chunks are never
// needed again for correctness.
func (s *Store) ClearCompletedChunks(sessionID string) error {
	const query = "DELETE FROM data_chunks WHERE session_id = ? AND status = ?"

	result, err := s.db.Exec(query, sessionID, ChunkCompleted)
	if err != nil {
		return fmt.Errorf("failed to clear completed chunks: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("cleared completed chunks", "session", sessionID, "count", n)
	}

	return nil
}
