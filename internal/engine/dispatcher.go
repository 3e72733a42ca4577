package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pageferry/pageferry/internal/gateway"
	"github.com/pageferry/pageferry/internal/store"
)

// chunkDispatcher drains pending chunks to the target under a
// concurrency cap. Chunks are claimed FIFO via an in-memory claim set;
// completions may land in any order, so the session counter is only ever
// advanced by commutative increments against the persisted value.
type chunkDispatcher struct {
	store         *store.Store
	gateway       *gateway.Client
	logger        *slog.Logger
	sessionID     string
	targetURL     string
	maxConcurrent int
	maxRetries    int
	retryDelay    time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	paused   bool
	retries  int // session-scoped failure budget, reset on any success

	// Callbacks into the orchestrator, never invoked with mu held.
	processed func(chunk *store.DataChunk, success bool)
	fail      func(err error)

	wg sync.WaitGroup
}

func newChunkDispatcher(
	st *store.Store,
	gw *gateway.Client,
	sessionID, targetURL string,
	cfg Config,
	logger *slog.Logger,
) *chunkDispatcher {
	return &chunkDispatcher{
		store:         st,
		gateway:       gw,
		logger:        logger,
		sessionID:     sessionID,
		targetURL:     targetURL,
		maxConcurrent: cfg.MaxConcurrentChunks,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		inFlight:      make(map[string]struct{}),
	}
}

// kick fills free dispatch slots with pending chunks. Safe to call from
// any goroutine; each call claims chunks under the lock so a chunk is
// never dispatched twice concurrently.
func (d *chunkDispatcher) kick(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.paused || ctx.Err() != nil {
		return
	}

	free := d.maxConcurrent - len(d.inFlight)
	if free <= 0 {
		return
	}

	chunks, err := d.store.GetPendingChunks(d.sessionID, free)
	if err != nil {
		d.logger.Error("failed to list pending chunks", "session", d.sessionID, "error", err)
		return
	}

	for i := range chunks {
		chunk := chunks[i]
		if _, claimed := d.inFlight[chunk.ID]; claimed {
			continue
		}
		if _, err := d.store.UpdateChunkStatus(chunk.ID, store.ChunkProcessing, ""); err != nil {
			d.logger.Error("failed to claim chunk", "chunk", chunk.ID, "error", err)
			continue
		}
		d.inFlight[chunk.ID] = struct{}{}

		d.wg.Add(1)
		go d.dispatch(ctx, &chunk)
	}
}

// dispatch sends one chunk and settles its outcome.
func (d *chunkDispatcher) dispatch(ctx context.Context, chunk *store.DataChunk) {
	defer d.wg.Done()

	_, err := d.gateway.PostChunk(ctx, d.targetURL, chunk.Items)
	if err == nil {
		d.complete(ctx, chunk)
		return
	}

	if gateway.Canceled(err) {
		// The session is being abandoned; pause never cancels uploads,
		// so this is cancel tearing everything down.
		d.release(chunk.ID)
		return
	}

	d.failure(ctx, chunk, err)
}

// complete marks the chunk done and advances the session counter.
func (d *chunkDispatcher) complete(ctx context.Context, chunk *store.DataChunk) {
	if _, err := d.store.UpdateChunkStatus(chunk.ID, store.ChunkCompleted, ""); err != nil {
		d.logger.Error("failed to mark chunk completed", "chunk", chunk.ID, "error", err)
	}
	if _, err := d.store.AddProcessedItems(d.sessionID, int64(chunk.ItemCount)); err != nil {
		d.logger.Error("failed to add processed items", "chunk", chunk.ID, "error", err)
	}
	lastID := chunk.ID
	if _, err := d.store.UpdateSession(d.sessionID, store.SessionUpdate{LastChunkID: &lastID}); err != nil {
		d.logger.Error("failed to record last chunk", "chunk", chunk.ID, "error", err)
	}

	d.mu.Lock()
	d.retries = 0
	delete(d.inFlight, chunk.ID)
	d.mu.Unlock()

	d.logger.Info("chunk delivered", "session", d.sessionID, "chunk", chunk.ID, "items", chunk.ItemCount)

	d.processed(chunk, true)
	d.kick(ctx)
}

// failure settles a failed dispatch: under the retry budget the chunk
// goes back to pending after a delay; at the budget, or on a permanent
// error, the whole session fails.
func (d *chunkDispatcher) failure(ctx context.Context, chunk *store.DataChunk, dispatchErr error) {
	d.mu.Lock()
	d.retries++
	attempts := d.retries
	d.mu.Unlock()

	exhausted := attempts >= d.maxRetries
	if !gateway.Retryable(dispatchErr) {
		exhausted = true
	}

	if exhausted {
		if _, err := d.store.UpdateChunkStatus(chunk.ID, store.ChunkFailed, dispatchErr.Error()); err != nil {
			d.logger.Error("failed to mark chunk failed", "chunk", chunk.ID, "error", err)
		}
		d.release(chunk.ID)
		d.processed(chunk, false)
		d.fail(fmt.Errorf("chunk %s failed after %d attempts: %w", chunk.ID, attempts, dispatchErr))
		return
	}

	d.logger.Warn("chunk dispatch failed, will retry", "session", d.sessionID,
		"chunk", chunk.ID, "attempt", attempts, "error", dispatchErr)

	select {
	case <-time.After(d.retryDelay):
	case <-ctx.Done():
		d.release(chunk.ID)
		return
	}

	if _, err := d.store.UpdateChunkStatus(chunk.ID, store.ChunkPending, ""); err != nil {
		d.logger.Error("failed to requeue chunk", "chunk", chunk.ID, "error", err)
	}
	d.release(chunk.ID)
	d.kick(ctx)
}

func (d *chunkDispatcher) release(chunkID string) {
	d.mu.Lock()
	delete(d.inFlight, chunkID)
	d.mu.Unlock()
}

// setPaused stops new dispatches. In-flight uploads keep running and
// their results still apply.
func (d *chunkDispatcher) setPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
}

func (d *chunkDispatcher) inFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// wait blocks until all in-flight dispatches settle.
func (d *chunkDispatcher) wait() {
	d.wg.Wait()
}
