// Package demo ships the two endpoints a transfer talks to: a paginated
// source serving a generated dataset and a collector that ingests chunk
// posts. They exist for demos and end-to-end tests; the engine itself
// only knows their wire contracts.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Source serves GET /items?skip=&top= over an in-memory dataset,
// responding with {"total": N, "data": [...]}.
type Source struct {
	items      []json.RawMessage
	logger     *slog.Logger
	httpServer *http.Server
}

// NewSource generates a dataset of itemCount opaque items.
func NewSource(itemCount int, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	items := make([]json.RawMessage, itemCount)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"id":%d,"value":"item-%04d"}`, i+1, i+1))
	}
	return &Source{items: items, logger: logger}
}

// ItemCount returns the size of the generated dataset.
func (s *Source) ItemCount() int {
	return len(s.items)
}

// Handler returns the source's routes.
func (s *Source) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items", s.handleItems)
	return mux
}

func (s *Source) handleItems(w http.ResponseWriter, r *http.Request) {
	skip, err := parseQueryInt(r, "skip", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	top, err := parseQueryInt(r, "top", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if skip < 0 || top <= 0 {
		http.Error(w, "skip must be >= 0 and top > 0", http.StatusBadRequest)
		return
	}

	total := len(s.items)
	start := skip
	if start > total {
		start = total
	}
	end := start + top
	if end > total {
		end = total
	}

	page := s.items[start:end]
	s.logger.Debug("page served", "skip", skip, "top", top, "items", len(page))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total": total,
		"data":  page,
	})
}

func parseQueryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}

// Start runs the source on the given listen address, blocking until
// shutdown.
func (s *Source) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("demo source listening", "addr", listenAddr, "items", len(s.items))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("source server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the source server.
func (s *Source) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
