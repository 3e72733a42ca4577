package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pageferry/pageferry/internal/demo"
	"github.com/pageferry/pageferry/internal/gateway"
	"github.com/pageferry/pageferry/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestOrchestrator wires an orchestrator to an in-memory store with
// fast retry timings.
func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *store.Store) {
	t.Helper()

	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create in-memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	if cfg.StallCheckInterval == 0 {
		cfg.StallCheckInterval = 50 * time.Millisecond
	}

	client := gateway.NewClient(5*time.Second, testLogger())
	o := New(st, client, cfg, testLogger())
	t.Cleanup(o.Close)
	return o, st
}

// newSourceServer serves a generated paginated dataset over httptest.
func newSourceServer(t *testing.T, items int) *httptest.Server {
	t.Helper()
	src := demo.NewSource(items, testLogger())
	server := httptest.NewServer(src.Handler())
	t.Cleanup(server.Close)
	return server
}

// newCollectorServer serves an ingest endpoint, optionally failing the
// first failFirst posts with HTTP 503.
func newCollectorServer(t *testing.T, failFirst int) (*httptest.Server, *demo.Collector) {
	t.Helper()
	col := demo.NewCollector(testLogger())
	if failFirst > 0 {
		col.FailNext(failFirst)
	}
	server := httptest.NewServer(col.Handler())
	t.Cleanup(server.Close)
	return server, col
}

// waitForStatus polls the store until the session reaches the wanted
// status or the deadline passes. Events can be dropped under load, so
// tests assert against persisted state.
func waitForStatus(t *testing.T, st *store.Store, sessionID, want string) *store.TransferSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.GetSession(sessionID)
		if err != nil {
			t.Fatalf("failed to reload session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		if sess.Terminal() && want != sess.Status {
			t.Fatalf("session reached terminal status %q (last error: %v) while waiting for %q",
				sess.Status, sess.LastError.String, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to reach %q", sessionID, want)
	return nil
}

func waitForProgress(t *testing.T, st *store.Store, sessionID string, atLeast int64) *store.TransferSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.GetSession(sessionID)
		if err != nil {
			t.Fatalf("failed to reload session: %v", err)
		}
		if sess.ProcessedItems >= atLeast {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to process %d items", sessionID, atLeast)
	return nil
}

func TestTransferCompletes(t *testing.T) {
	source := newSourceServer(t, 250)
	target, col := newCollectorServer(t, 0)
	o, st := newTestOrchestrator(t, Config{})

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	sess, err := o.Start(source.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 250 {
		t.Errorf("expected 250 processed items, got %d", done.ProcessedItems)
	}
	if !done.TotalItems.Valid || done.TotalItems.Int64 != 250 {
		t.Errorf("expected total 250, got %+v", done.TotalItems)
	}

	batches, items := col.Received()
	if items != 250 {
		t.Errorf("collector received %d items, want 250", items)
	}
	if batches != 3 {
		t.Errorf("collector received %d batches, want 3 (pages of 100, 100, 50)", batches)
	}

	chunks, err := st.GetSessionChunks(sess.ID)
	if err != nil {
		t.Fatalf("failed to list chunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Status != store.ChunkCompleted {
			t.Errorf("chunk %s in status %q, want completed", c.ID, c.Status)
		}
		if !c.ProcessedAt.Valid {
			t.Errorf("chunk %s missing processed_at", c.ID)
		}
	}

	// The event stream saw the lifecycle landmarks.
	var sawCreated, sawCompleted bool
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventSessionCreated:
				sawCreated = true
			case EventCompleted:
				sawCompleted = true
			}
			if sawCreated && sawCompleted {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("missing lifecycle events: created=%v completed=%v", sawCreated, sawCompleted)
		}
	}
}

func TestTransferRetriesTransientTargetFailures(t *testing.T) {
	source := newSourceServer(t, 120)
	target, col := newCollectorServer(t, 2)
	o, st := newTestOrchestrator(t, Config{MaxRetries: 3, MaxConcurrentChunks: 1})

	sess, err := o.Start(source.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 120 {
		t.Errorf("expected 120 processed items, got %d", done.ProcessedItems)
	}
	if _, items := col.Received(); items != 120 {
		t.Errorf("collector received %d items, want 120", items)
	}
}

func TestTransferFailsAfterRetryExhaustion(t *testing.T) {
	source := newSourceServer(t, 100)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "persistent outage", http.StatusServiceUnavailable)
	}))
	t.Cleanup(target.Close)

	o, st := newTestOrchestrator(t, Config{MaxRetries: 3, MaxConcurrentChunks: 1})

	sess, err := o.Start(source.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	failed := waitForStatus(t, st, sess.ID, store.SessionFailed)
	if !failed.LastError.Valid {
		t.Fatal("expected a failure reason to be recorded")
	}
	if want := "after 3 attempts"; !strings.Contains(failed.LastError.String, want) {
		t.Errorf("failure reason %q does not mention %q", failed.LastError.String, want)
	}

	chunks, err := st.GetSessionChunks(sess.ID)
	if err != nil {
		t.Fatalf("failed to list chunks: %v", err)
	}
	var sawFailed bool
	for _, c := range chunks {
		if c.Status == store.ChunkFailed {
			sawFailed = true
			if c.Error == "" {
				t.Errorf("failed chunk %s has no error detail", c.ID)
			}
		}
	}
	if !sawFailed {
		t.Error("expected at least one chunk marked failed")
	}
}

func TestTransferFailsFastOnPermanentError(t *testing.T) {
	source := newSourceServer(t, 100)
	var posts int
	var mu sync.Mutex
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		posts++
		mu.Unlock()
		http.Error(w, "schema rejected", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(target.Close)

	o, st := newTestOrchestrator(t, Config{MaxRetries: 5, MaxConcurrentChunks: 1})

	sess, err := o.Start(source.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitForStatus(t, st, sess.ID, store.SessionFailed)

	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Errorf("a 4xx response should not be retried, saw %d posts", posts)
	}
}

func TestPauseAndResume(t *testing.T) {
	// A slow source keeps the transfer running long enough to pause it
	// mid-flight.
	src := demo.NewSource(300, testLogger())
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		src.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(slow.Close)

	target, col := newCollectorServer(t, 0)
	o, st := newTestOrchestrator(t, Config{MaxConcurrentChunks: 1})

	sess, err := o.Start(slow.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitForProgress(t, st, sess.ID, 100)

	paused, err := o.Pause()
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if paused.Status != store.SessionPaused {
		t.Fatalf("expected paused status immediately, got %q", paused.Status)
	}

	// Pause is idempotent.
	again, err := o.Pause()
	if err != nil {
		t.Fatalf("second pause failed: %v", err)
	}
	if again.Status != store.SessionPaused {
		t.Errorf("second pause changed status to %q", again.Status)
	}

	// Give any in-flight upload time to settle, then confirm nothing new
	// starts while paused.
	time.Sleep(200 * time.Millisecond)
	settled, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	after, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if after.ProcessedItems != settled.ProcessedItems {
		t.Errorf("progress advanced while paused: %d -> %d", settled.ProcessedItems, after.ProcessedItems)
	}

	resumed, err := o.Resume()
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != store.SessionActive {
		t.Fatalf("expected active after resume, got %q", resumed.Status)
	}

	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 300 {
		t.Errorf("expected 300 processed items after resume, got %d", done.ProcessedItems)
	}
	if _, items := col.Received(); items < 300 {
		t.Errorf("collector received %d items, want at least 300", items)
	}
}

func TestTransferCompletesWithoutReportedTotal(t *testing.T) {
	// A source that never reports a total: paging ends on the first
	// short page and completion is detected from queue drain alone.
	const datasetSize = 120
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		top, _ := strconv.Atoi(r.URL.Query().Get("top"))
		n := datasetSize - skip
		if n < 0 {
			n = 0
		}
		if n > top {
			n = top
		}
		items := make([]string, n)
		for i := range items {
			items[i] = fmt.Sprintf(`{"id":%d}`, skip+i+1)
		}
		fmt.Fprintf(w, `{"data": [%s]}`, strings.Join(items, ","))
	}))
	t.Cleanup(source.Close)

	target, col := newCollectorServer(t, 0)
	o, st := newTestOrchestrator(t, Config{})

	sess, err := o.Start(source.URL+"/items", target.URL+"/ingest", 50)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != datasetSize {
		t.Errorf("expected %d processed items, got %d", datasetSize, done.ProcessedItems)
	}
	if !done.TotalItems.Valid || done.TotalItems.Int64 != datasetSize {
		t.Errorf("expected final total %d recorded, got %+v", datasetSize, done.TotalItems)
	}
	if _, items := col.Received(); items != datasetSize {
		t.Errorf("collector received %d items, want %d", items, datasetSize)
	}
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})

	sess, err := o.Resume()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != nil {
		t.Errorf("resume with no session should return nil, got %+v", sess)
	}
}

func TestStartRejectsSecondTransfer(t *testing.T) {
	source := newSourceServer(t, 300)
	target, _ := newCollectorServer(t, 0)
	o, st := newTestOrchestrator(t, Config{})

	first, err := o.Start(source.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err = o.Start(source.URL+"/items", target.URL+"/ingest", 100)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	// The rejected start must not have created a second session.
	active, err := st.GetActiveSession()
	if err != nil {
		t.Fatalf("failed to query active session: %v", err)
	}
	if active == nil || active.ID != first.ID {
		t.Errorf("active session changed after rejected start")
	}

	waitForStatus(t, st, first.ID, store.SessionCompleted)
}

func TestStartValidatesInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})

	if _, err := o.Start("ftp://example.com/items", "http://example.com/ingest", 100); err == nil {
		t.Error("expected error for non-HTTP source scheme")
	}
	if _, err := o.Start("http://example.com/items", "not a url", 100); err == nil {
		t.Error("expected error for malformed target")
	}
	if _, err := o.Start("http://example.com/items", "http://example.com/ingest", 0); err == nil {
		t.Error("expected error for zero page size")
	}
}

func TestCancelMarksSessionFailed(t *testing.T) {
	src := demo.NewSource(500, testLogger())
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		src.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(slow.Close)

	target, _ := newCollectorServer(t, 0)
	o, st := newTestOrchestrator(t, Config{})

	sess, err := o.Start(slow.URL+"/items", target.URL+"/ingest", 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := o.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.Status != store.SessionFailed {
		t.Errorf("expected failed after cancel, got %q", got.Status)
	}
	if !got.LastError.Valid || got.LastError.String != "cancelled by user" {
		t.Errorf("expected cancellation reason, got %+v", got.LastError)
	}

	// Cancelling again is a no-op.
	if err := o.Cancel(); err != nil {
		t.Errorf("second cancel errored: %v", err)
	}
}

func TestRestoreResumesActiveSession(t *testing.T) {
	source := newSourceServer(t, 250)
	target, _ := newCollectorServer(t, 0)

	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// Simulate a crash: an active session with one delivered chunk and
	// no orchestrator attached.
	sess, err := st.CreateSession(store.SessionConfig{
		SourceURL: source.URL + "/items",
		TargetURL: target.URL + "/ingest",
		PageSize:  100,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	active := store.SessionActive
	total := int64(250)
	processed := int64(100)
	if _, err := st.UpdateSession(sess.ID, store.SessionUpdate{
		Status:         &active,
		TotalItems:     &total,
		ProcessedItems: &processed,
	}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	client := gateway.NewClient(5*time.Second, testLogger())
	o := New(st, client, Config{RetryDelay: 10 * time.Millisecond, StallCheckInterval: 50 * time.Millisecond}, testLogger())
	t.Cleanup(o.Close)

	restored, err := o.Restore()
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored == nil || restored.ID != sess.ID {
		t.Fatalf("expected session %s restored", sess.ID)
	}

	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 250 {
		t.Errorf("expected 250 processed after restore, got %d", done.ProcessedItems)
	}
}

func TestRestoreRequeuesInterruptedChunk(t *testing.T) {
	source := newSourceServer(t, 100)
	target, _ := newCollectorServer(t, 0)

	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// A process killed mid-dispatch leaves the chunk persisted as
	// processing with no dispatcher owning it.
	sess, err := st.CreateSession(store.SessionConfig{
		SourceURL: source.URL + "/items",
		TargetURL: target.URL + "/ingest",
		PageSize:  100,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	active := store.SessionActive
	total := int64(100)
	if _, err := st.UpdateSession(sess.ID, store.SessionUpdate{
		Status:     &active,
		TotalItems: &total,
	}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}

	items := make([]json.RawMessage, 100)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1))
	}
	chunk, err := st.AddChunk(sess.ID, items)
	if err != nil {
		t.Fatalf("failed to add chunk: %v", err)
	}
	if _, err := st.UpdateChunkStatus(chunk.ID, store.ChunkProcessing, ""); err != nil {
		t.Fatalf("failed to orphan chunk: %v", err)
	}

	client := gateway.NewClient(5*time.Second, testLogger())
	o := New(st, client, Config{RetryDelay: 10 * time.Millisecond, StallCheckInterval: 50 * time.Millisecond}, testLogger())
	t.Cleanup(o.Close)

	if _, err := o.Restore(); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	// Without requeueing, the orphan would count as unsettled forever
	// and the session could never complete.
	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 100 {
		t.Errorf("expected 100 processed items, got %d", done.ProcessedItems)
	}

	got, err := st.GetChunk(chunk.ID)
	if err != nil {
		t.Fatalf("failed to reload chunk: %v", err)
	}
	if got.Status != store.ChunkCompleted {
		t.Errorf("interrupted chunk ended in status %q, want completed", got.Status)
	}
}

func TestRestorePausedSessionStaysPaused(t *testing.T) {
	source := newSourceServer(t, 250)
	target, _ := newCollectorServer(t, 0)

	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sess, err := st.CreateSession(store.SessionConfig{
		SourceURL: source.URL + "/items",
		TargetURL: target.URL + "/ingest",
		PageSize:  100,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	paused := store.SessionPaused
	if _, err := st.UpdateSession(sess.ID, store.SessionUpdate{Status: &paused}); err != nil {
		t.Fatalf("failed to seed paused session: %v", err)
	}

	client := gateway.NewClient(5*time.Second, testLogger())
	o := New(st, client, Config{RetryDelay: 10 * time.Millisecond}, testLogger())
	t.Cleanup(o.Close)

	restored, err := o.Restore()
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Status != store.SessionPaused {
		t.Fatalf("restored paused session has status %q", restored.Status)
	}

	// No work starts until an explicit resume.
	time.Sleep(100 * time.Millisecond)
	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.Status != store.SessionPaused || got.ProcessedItems != 0 {
		t.Fatalf("paused session made progress before resume: %+v", got)
	}

	if _, err := o.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 250 {
		t.Errorf("expected 250 processed, got %d", done.ProcessedItems)
	}
}

func TestRestoreWithNoSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})

	sess, err := o.Restore()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil session, got %+v", sess)
	}
}

func TestConcurrentChunkDelivery(t *testing.T) {
	source := newSourceServer(t, 150)

	// Track the peak number of simultaneous posts to verify the
	// concurrency cap holds.
	var mu sync.Mutex
	var current, peak, items int
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)
		var batch []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("failed to decode batch: %v", err)
		}

		mu.Lock()
		current--
		items += len(batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "{}")
	}))
	t.Cleanup(target.Close)

	o, st := newTestOrchestrator(t, Config{MaxConcurrentChunks: 2})

	sess, err := o.Start(source.URL+"/items", target.URL+"/ingest", 10)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := waitForStatus(t, st, sess.ID, store.SessionCompleted)
	if done.ProcessedItems != 150 {
		t.Errorf("expected 150 processed, got %d", done.ProcessedItems)
	}

	mu.Lock()
	defer mu.Unlock()
	if items != 150 {
		t.Errorf("target received %d items, want 150", items)
	}
	if peak > 2 {
		t.Errorf("concurrency cap violated: peak %d simultaneous posts", peak)
	}
}

