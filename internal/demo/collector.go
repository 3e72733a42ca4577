package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Collector accepts POST /ingest with a JSON array body and counts what
// it receives. FailNext injects failures so retry behavior can be
// demonstrated against a live endpoint.
type Collector struct {
	logger     *slog.Logger
	httpServer *http.Server

	mu            sync.Mutex
	batches       int
	items         int
	failRemaining int
}

// NewCollector creates an empty collector.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{logger: logger}
}

// FailNext makes the next n ingest calls respond with HTTP 500.
func (c *Collector) FailNext(n int) {
	c.mu.Lock()
	c.failRemaining = n
	c.mu.Unlock()
}

// Received returns the batch and item counts ingested so far.
func (c *Collector) Received() (batches, items int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches, c.items
}

// Handler returns the collector's routes.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", c.handleIngest)
	return mux
}

func (c *Collector) handleIngest(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.failRemaining > 0 {
		c.failRemaining--
		c.mu.Unlock()
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	c.mu.Unlock()

	var items []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.batches++
	c.items += len(items)
	batches, total := c.batches, c.items
	c.mu.Unlock()

	c.logger.Info("batch ingested", "items", len(items), "batches", batches, "total_items", total)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"received": len(items),
		"total":    total,
	})
}

// Start runs the collector on the given listen address, blocking until
// shutdown.
func (c *Collector) Start(listenAddr string) error {
	c.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	c.logger.Info("demo collector listening", "addr", listenAddr)
	if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("collector server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the collector server.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.httpServer == nil {
		return nil
	}
	return c.httpServer.Shutdown(ctx)
}
