package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pageferry/pageferry/internal/gateway"
	"github.com/pageferry/pageferry/internal/store"
)

// fetchScheduler issues paginated source reads strictly one at a time,
// persists each non-empty page as a pending chunk, and stops when the
// source looks exhausted. A cancelled read (pause or cancel) ends the
// loop silently; a retry-exhausted read fails the whole session.
type fetchScheduler struct {
	store      *store.Store
	gateway    *gateway.Client
	logger     *slog.Logger
	sessionID  string
	sourceURL  string
	pageSize   int
	maxRetries int
	retryDelay time.Duration

	// Callbacks into the orchestrator. None are invoked with scheduler
	// state locked, so they may take orchestrator locks freely.
	recordTotal func(total int64)
	chunkAdded  func(chunk *store.DataChunk)
	fail        func(err error)
}

// run reads pages starting at offset until the source is exhausted, the
// context is cancelled, or an unrecoverable failure occurs.
func (f *fetchScheduler) run(ctx context.Context, offset int64) {
	skip := offset
	var total *int64

	for {
		page, err := f.fetchWithRetry(ctx, skip)
		if err != nil {
			if gateway.Canceled(err) {
				f.logger.Debug("fetch loop cancelled", "session", f.sessionID, "skip", skip)
				return
			}
			f.fail(err)
			return
		}

		if page.Total != nil {
			total = page.Total
			f.recordTotal(*page.Total)
		}

		if len(page.Items) == 0 {
			// Exhausted. An empty page while the total says more data
			// remains is an anomaly; stall recovery re-fetches later.
			if total != nil && skip < *total {
				f.logger.Warn("source returned empty page before reported total",
					"session", f.sessionID, "skip", skip, "total", *total)
			}
			return
		}

		chunk, err := f.store.AddChunk(f.sessionID, page.Items)
		if err != nil {
			f.fail(fmt.Errorf("failed to buffer page at offset %d: %w", skip, err))
			return
		}
		f.logger.Debug("chunk buffered", "session", f.sessionID, "chunk", chunk.ID,
			"skip", skip, "items", chunk.ItemCount)
		f.chunkAdded(chunk)

		fetched := int64(len(page.Items))

		// Enqueue the next page only when more data likely remains:
		// either the total says so, or the total is unknown and the
		// page came back full.
		if total != nil {
			if skip+fetched >= *total {
				return
			}
		} else if fetched < int64(f.pageSize) {
			return
		}

		skip += fetched
	}
}

// fetchWithRetry reads one page, retrying transient failures with
// exponential backoff (base retryDelay, doubling per attempt) up to
// maxRetries attempts for the same offset.
func (f *fetchScheduler) fetchWithRetry(ctx context.Context, skip int64) (*gateway.Page, error) {
	var lastErr error

	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		page, err := f.gateway.FetchPage(ctx, f.sourceURL, int(skip), f.pageSize)
		if err == nil {
			return page, nil
		}
		if gateway.Canceled(err) {
			return nil, err
		}
		if !gateway.Retryable(err) {
			return nil, fmt.Errorf("fetch at offset %d: %w", skip, err)
		}

		lastErr = err
		f.logger.Warn("fetch attempt failed", "session", f.sessionID,
			"skip", skip, "attempt", attempt, "error", err)

		if attempt < f.maxRetries {
			delay := f.retryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("fetch at offset %d failed after %d attempts: %w", skip, f.maxRetries, lastErr)
}
