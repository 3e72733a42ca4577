package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pageferry/pageferry/internal/gateway"
	"github.com/pageferry/pageferry/internal/safety"
	"github.com/pageferry/pageferry/internal/store"
)

// ErrAlreadyActive is returned by Start while a non-terminal session
// exists. Checked with errors.Is.
var ErrAlreadyActive = errors.New("a transfer is already active")

// Default engine tuning values.
const (
	DefaultMaxConcurrentChunks = 3
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = time.Second
	DefaultStallCheckInterval  = 10 * time.Second
)

// Config tunes the orchestrator. Zero values select the defaults; a
// negative StallCheckInterval disables the stall-detection ticker (the
// event-driven checks remain).
type Config struct {
	MaxConcurrentChunks int
	MaxRetries          int
	RetryDelay          time.Duration
	StallCheckInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentChunks <= 0 {
		c.MaxConcurrentChunks = DefaultMaxConcurrentChunks
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.StallCheckInterval == 0 {
		c.StallCheckInterval = DefaultStallCheckInterval
	}
	return c
}

// Orchestrator owns the session lifecycle: it coordinates the fetch
// scheduler and the chunk dispatcher, evaluates completion after every
// state change, and fans out events to subscribers. The store remains
// the source of truth; the cached session copy exists for emission only.
//
// Pause and cancel differ in what they abort: pause cancels only the
// fetch context (reads), letting in-flight uploads settle naturally;
// cancel tears down the whole run context.
type Orchestrator struct {
	store   *store.Store
	gateway *gateway.Client
	cfg     Config
	logger  *slog.Logger
	events  *broadcaster

	mu          sync.Mutex
	session     *store.TransferSession
	runCtx      context.Context
	runCancel   context.CancelFunc
	fetchCancel context.CancelFunc
	dispatcher  *chunkDispatcher
	schedulerOn bool
	paused      bool
	stallOffset int64
	stallAt     time.Time

	wg sync.WaitGroup
}

// New creates an orchestrator with injected dependencies. It has no
// side effects; call Restore to pick up a persisted session.
func New(st *store.Store, gw *gateway.Client, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   st,
		gateway: gw,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		events:  newBroadcaster(),
	}
}

// Subscribe returns a channel of orchestrator events and a cancel func.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.Subscribe()
}

// Start creates a new session and begins transferring. It fails with
// ErrAlreadyActive when a non-terminal session exists, before any
// state mutation.
func (o *Orchestrator) Start(sourceURL, targetURL string, pageSize int) (*store.TransferSession, error) {
	if _, err := safety.ValidateHTTPURL(sourceURL); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if _, err := safety.ValidateHTTPURL(targetURL); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.store.GetActiveSession()
	if err != nil {
		return nil, fmt.Errorf("failed to check for active session: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("session %s is %s: %w", active.ID, active.Status, ErrAlreadyActive)
	}

	sess, err := o.store.CreateSession(store.SessionConfig{
		SourceURL: sourceURL,
		TargetURL: targetURL,
		PageSize:  pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.session = sess
	o.events.publish(Event{Type: EventSessionCreated, Session: sess})

	sess, err = o.persistStatus(sess.ID, store.SessionActive, "")
	if err != nil {
		return nil, err
	}

	o.logger.Info("transfer started", "session", sess.ID,
		"source", sourceURL, "target", targetURL, "page_size", pageSize)

	o.beginRun(sess, 0, false)
	return sess, nil
}

// Restore reloads a persisted non-terminal session after a process
// restart. An active session resumes transferring immediately; a paused
// session stays paused until an explicit Resume. Returns nil when no
// non-terminal session exists.
func (o *Orchestrator) Restore() (*store.TransferSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil && !o.session.Terminal() {
		return o.session, nil
	}

	sess, err := o.store.GetActiveSession()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	o.session = sess

	switch sess.Status {
	case store.SessionInitializing:
		// Crashed between create and the first fetch; run from zero.
		sess, err = o.persistStatus(sess.ID, store.SessionActive, "")
		if err != nil {
			return nil, err
		}
		o.beginRun(sess, 0, false)
	case store.SessionActive:
		o.beginRun(sess, sess.ProcessedItems, false)
	case store.SessionPaused:
		o.beginRun(sess, 0, true)
	}

	o.logger.Info("session restored", "session", sess.ID,
		"status", sess.Status, "processed", sess.ProcessedItems)
	return sess, nil
}

// Pause suspends the transfer: the in-flight source read is aborted and
// queued reads are dropped, but uploads already dispatched settle
// naturally and their results still apply. The session reports paused
// immediately. Idempotent; returns nil when no pausable session exists.
func (o *Orchestrator) Pause() (*store.TransferSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.session
	if sess == nil || sess.Terminal() {
		return nil, nil
	}
	if sess.Status == store.SessionPaused {
		return sess, nil
	}

	o.paused = true
	if o.fetchCancel != nil {
		o.fetchCancel()
	}
	if o.dispatcher != nil {
		o.dispatcher.setPaused(true)
	}

	updated, err := o.persistStatus(sess.ID, store.SessionPaused, "")
	if err != nil {
		return nil, err
	}
	o.events.publish(Event{Type: EventPaused, Session: updated})

	inFlight := 0
	if o.dispatcher != nil {
		inFlight = o.dispatcher.inFlightCount()
	}
	o.logger.Info("transfer paused", "session", updated.ID, "in_flight", inFlight)
	return updated, nil
}

// Resume continues a paused transfer. Fetching restarts from the
// processed item count; chunks already buffered on disk are picked up by
// the dispatcher independently. Returns nil when not currently paused.
func (o *Orchestrator) Resume() (*store.TransferSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.session
	if sess == nil || sess.Status != store.SessionPaused {
		return nil, nil
	}

	updated, err := o.persistStatus(sess.ID, store.SessionActive, "")
	if err != nil {
		return nil, err
	}
	o.paused = false
	o.dispatcher.setPaused(false)

	o.startScheduler(updated, updated.ProcessedItems)
	o.dispatcher.kick(o.runCtx)

	o.events.publish(Event{Type: EventResumed, Session: updated})
	o.logger.Info("transfer resumed", "session", updated.ID, "offset", updated.ProcessedItems)
	return updated, nil
}

// Cancel abandons the session: all in-flight work is aborted and the
// session is persisted as failed with reason "cancelled by user".
// No-op when there is nothing to cancel or the session completed.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.session
	if sess == nil {
		var err error
		sess, err = o.store.GetActiveSession()
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if sess == nil {
			return nil
		}
		o.session = sess
	}
	if sess.Status == store.SessionCompleted {
		return nil
	}

	if o.runCancel != nil {
		o.runCancel()
	}
	o.paused = false

	if _, err := o.persistStatus(sess.ID, store.SessionFailed, "cancelled by user"); err != nil {
		return err
	}
	o.logger.Info("transfer cancelled", "session", sess.ID)
	return nil
}

// CurrentSession returns the freshest view of the session this
// orchestrator manages, or the persisted active session, or nil.
func (o *Orchestrator) CurrentSession() (*store.TransferSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil {
		sess, err := o.store.GetSession(o.session.ID)
		if err != nil {
			return nil, err
		}
		o.session = sess
		return sess, nil
	}
	return o.store.GetActiveSession()
}

// Close aborts any running work, waits for goroutines to drain, and
// closes all event subscriptions. The session is left as persisted.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.runCancel != nil {
		o.runCancel()
	}
	d := o.dispatcher
	o.mu.Unlock()

	o.wg.Wait()
	if d != nil {
		d.wait()
	}
	o.events.closeAll()
}

// ============================================================================
// Internal coordination
// ============================================================================

// persistStatus writes a status (and optional error reason), refreshes
// the cached session, and emits status-changed. Must hold o.mu.
func (o *Orchestrator) persistStatus(id, status, reason string) (*store.TransferSession, error) {
	upd := store.SessionUpdate{Status: &status}
	if reason != "" {
		upd.LastError = &reason
	}
	sess, err := o.store.UpdateSession(id, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to persist status %q: %w", status, err)
	}
	o.session = sess
	o.events.publish(Event{Type: EventStatusChanged, Session: sess})
	return sess, nil
}

// beginRun sets up the per-session run state: the run context (cancel
// scope), the dispatcher, the stall watcher, and — unless starting
// paused — the fetch scheduler. Must hold o.mu.
func (o *Orchestrator) beginRun(sess *store.TransferSession, offset int64, startPaused bool) {
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.paused = startPaused

	// The dispatcher's claim set died with the previous run, so chunks
	// still persisted as processing belong to no one; requeue them or
	// they would block completion forever.
	if n, err := o.store.ResetProcessingChunks(sess.ID); err != nil {
		o.logger.Error("failed to requeue orphaned chunks", "session", sess.ID, "error", err)
	} else if n > 0 {
		o.logger.Info("requeued orphaned chunks", "session", sess.ID, "count", n)
	}

	o.dispatcher = newChunkDispatcher(o.store, o.gateway, sess.ID, sess.TargetURL, o.cfg, o.logger)
	o.dispatcher.processed = o.onChunkProcessed
	o.dispatcher.fail = o.failSession
	o.dispatcher.setPaused(startPaused)

	if o.cfg.StallCheckInterval > 0 {
		o.wg.Add(1)
		go o.stallWatch(o.runCtx)
	}

	if !startPaused {
		o.startScheduler(sess, offset)
		// Pick up chunks persisted by a previous run.
		o.dispatcher.kick(o.runCtx)
	}
}

// startScheduler launches the sequential fetch loop from the given
// offset. The fetch context is a child of the run context so pause can
// abort reads without touching uploads. Must hold o.mu.
func (o *Orchestrator) startScheduler(sess *store.TransferSession, offset int64) {
	if o.schedulerOn || o.runCtx == nil || o.runCtx.Err() != nil {
		return
	}

	schedCtx, cancel := context.WithCancel(o.runCtx)
	o.fetchCancel = cancel
	o.schedulerOn = true

	sched := &fetchScheduler{
		store:       o.store,
		gateway:     o.gateway,
		logger:      o.logger,
		sessionID:   sess.ID,
		sourceURL:   sess.SourceURL,
		pageSize:    sess.PageSize,
		maxRetries:  o.cfg.MaxRetries,
		retryDelay:  o.cfg.RetryDelay,
		recordTotal: o.onTotalReported,
		chunkAdded:  o.onChunkAdded,
		fail:        o.failSession,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		sched.run(schedCtx, offset)
		cancel()

		o.mu.Lock()
		o.schedulerOn = false
		o.fetchCancel = nil
		o.mu.Unlock()

		o.evaluate()
	}()
}

// stallWatch is a safety net only: progress is normally driven by chunk
// and fetch completions, not polling.
func (o *Orchestrator) stallWatch(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evaluate()
		}
	}
}

// onTotalReported persists the source's total count the first time it
// is seen.
func (o *Orchestrator) onTotalReported(total int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.session
	if sess == nil || sess.TotalItems.Valid {
		return
	}

	updated, err := o.store.UpdateSession(sess.ID, store.SessionUpdate{TotalItems: &total})
	if err != nil {
		o.logger.Error("failed to record total", "session", sess.ID, "error", err)
		return
	}
	o.session = updated
	o.events.publish(progressEvent(updated))
}

// onChunkAdded nudges the dispatcher after the scheduler buffers a page.
func (o *Orchestrator) onChunkAdded(chunk *store.DataChunk) {
	o.mu.Lock()
	ctx := o.runCtx
	d := o.dispatcher
	o.mu.Unlock()

	if d != nil && ctx != nil {
		d.kick(ctx)
	}
}

// onChunkProcessed emits chunk and progress events after the dispatcher
// settles a chunk, then re-evaluates completion.
func (o *Orchestrator) onChunkProcessed(chunk *store.DataChunk, success bool) {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return
	}
	sess, err := o.store.GetSession(o.session.ID)
	if err != nil {
		sess = o.session
	} else {
		o.session = sess
	}
	o.events.publish(Event{
		Type:      EventChunkProcessed,
		Session:   sess,
		ChunkID:   chunk.ID,
		Success:   success,
		ItemCount: chunk.ItemCount,
	})
	o.events.publish(progressEvent(sess))
	o.mu.Unlock()

	if success {
		o.evaluate()
	}
}

// failSession transitions to failed after a retry budget is exhausted.
// Cancellation never reaches here; it is filtered at the gateway layer.
func (o *Orchestrator) failSession(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.session
	if sess == nil || sess.Terminal() {
		return
	}

	if o.runCancel != nil {
		o.runCancel()
	}

	reason := err.Error()
	updated, perr := o.persistStatus(sess.ID, store.SessionFailed, reason)
	if perr != nil {
		o.logger.Error("failed to persist session failure", "session", sess.ID, "error", perr)
		updated = sess
	}
	o.events.publish(Event{Type: EventError, Session: updated, Err: reason})
	o.logger.Error("transfer failed", "session", sess.ID, "reason", reason)
}

// finishSession persists completion and emits the terminal events.
// Must hold o.mu.
func (o *Orchestrator) finishSession(sess *store.TransferSession) {
	done, err := o.persistStatus(sess.ID, store.SessionCompleted, "")
	if err != nil {
		o.logger.Error("failed to persist completion", "session", sess.ID, "error", err)
		return
	}
	o.events.publish(progressEvent(done))
	o.events.publish(Event{Type: EventCompleted, Session: done})
	if o.runCancel != nil {
		o.runCancel()
	}
	o.logger.Info("transfer completed", "session", done.ID, "items", done.ProcessedItems)
}

// evaluate re-checks completion and stall conditions against the store.
// Called after every chunk settlement and scheduler drain, plus the
// stall ticker.
func (o *Orchestrator) evaluate() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return
	}
	sess, err := o.store.GetSession(o.session.ID)
	if err != nil {
		o.logger.Error("failed to reload session", "session", o.session.ID, "error", err)
		return
	}
	o.session = sess

	// Completion and stall recovery only apply to a running transfer.
	if sess.Status != store.SessionActive {
		return
	}

	unsettled, err := o.store.CountUnsettledChunks(sess.ID)
	if err != nil {
		o.logger.Error("failed to count unsettled chunks", "session", sess.ID, "error", err)
		return
	}
	inFlight := 0
	if o.dispatcher != nil {
		inFlight = o.dispatcher.inFlightCount()
	}

	if sess.TotalItems.Valid && sess.ProcessedItems >= sess.TotalItems.Int64 {
		if unsettled == 0 && !o.schedulerOn {
			o.finishSession(sess)
		}
		return
	}

	// A source that never reports a total is exhausted once the fetch
	// loop has stopped on a short page and every buffered chunk has
	// settled. Record what was delivered as the total.
	if !sess.TotalItems.Valid && !o.schedulerOn && unsettled == 0 && inFlight == 0 {
		total := sess.ProcessedItems
		updated, err := o.store.UpdateSession(sess.ID, store.SessionUpdate{TotalItems: &total})
		if err != nil {
			o.logger.Error("failed to record final total", "session", sess.ID, "error", err)
			return
		}
		o.session = updated
		o.finishSession(updated)
		return
	}

	// Stalled: nothing queued, nothing in flight, scheduler idle, but
	// the target count is not reached. Re-issue the fetch from the
	// processed count — the recovery for a dropped continuation.
	if sess.TotalItems.Valid && !o.schedulerOn && unsettled == 0 && inFlight == 0 {
		// Rate-limit recovery at the same offset so a source that keeps
		// returning empty pages doesn't drive a hot fetch loop.
		if sess.ProcessedItems == o.stallOffset && time.Since(o.stallAt) < o.cfg.StallCheckInterval {
			return
		}
		o.stallOffset = sess.ProcessedItems
		o.stallAt = time.Now()

		o.logger.Warn("progress stalled, re-issuing fetch",
			"session", sess.ID, "offset", sess.ProcessedItems)
		o.startScheduler(sess, sess.ProcessedItems)
	}
}
