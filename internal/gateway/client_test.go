package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient() *Client {
	return NewClient(5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("skip") != "100" || r.URL.Query().Get("top") != "50" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"total": 250, "data": [{"id":101},{"id":102}]}`)
	}))
	defer server.Close()

	client := newTestClient()
	page, err := client.FetchPage(context.Background(), server.URL, 100, 50)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if string(page.Items[0]) != `{"id":101}` {
		t.Errorf("payload mismatch: %s", page.Items[0])
	}
	if page.Total == nil || *page.Total != 250 {
		t.Errorf("expected total 250, got %v", page.Total)
	}
}

func TestFetchPageNoTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": [{"id":1}]}`)
	}))
	defer server.Close()

	client := newTestClient()
	page, err := client.FetchPage(context.Background(), server.URL, 0, 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if page.Total != nil {
		t.Errorf("expected nil total, got %d", *page.Total)
	}
}

func TestFetchPageHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.FetchPage(context.Background(), server.URL, 0, 10)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", httpErr.StatusCode)
	}
	if httpErr.Body == "" {
		t.Error("expected error body to be captured")
	}
}

func TestFetchPageCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	client := newTestClient()
	_, err := client.FetchPage(ctx, server.URL, 0, 10)
	if err == nil {
		t.Fatal("expected error from cancelled fetch")
	}
	if !Canceled(err) {
		t.Errorf("expected cancellation to be recognized, got %v", err)
	}
}

func TestPostChunk(t *testing.T) {
	var received []json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		fmt.Fprint(w, `{"received": 2}`)
	}))
	defer server.Close()

	items := []json.RawMessage{
		json.RawMessage(`{"id":1}`),
		json.RawMessage(`{"id":2}`),
	}

	client := newTestClient()
	resp, err := client.PostChunk(context.Background(), server.URL, items)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if len(received) != 2 {
		t.Errorf("expected 2 items delivered, got %d", len(received))
	}
	if string(resp) != `{"received": 2}` {
		t.Errorf("unexpected response body: %s", resp)
	}
}

func TestPostChunkServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient()
	_, err := client.PostChunk(context.Background(), server.URL, []json.RawMessage{json.RawMessage(`{}`)})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if !Retryable(err) {
		t.Error("expected 503 to be retryable")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &HTTPError{StatusCode: http.StatusBadRequest}, false},
		{"not found", &HTTPError{StatusCode: http.StatusNotFound}, false},
		{"unprocessable", &HTTPError{StatusCode: http.StatusUnprocessableEntity}, false},
		{"request timeout", &HTTPError{StatusCode: http.StatusRequestTimeout}, true},
		{"too many requests", &HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{"internal error", &HTTPError{StatusCode: http.StatusInternalServerError}, true},
		{"bad gateway", &HTTPError{StatusCode: http.StatusBadGateway}, true},
		{"network error", errors.New("connection refused"), true},
		{"wrapped client error", fmt.Errorf("post: %w", &HTTPError{StatusCode: 400}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCanceled(t *testing.T) {
	if Canceled(errors.New("plain error")) {
		t.Error("plain error should not read as cancellation")
	}
	if !Canceled(fmt.Errorf("fetch cancelled: %w", context.Canceled)) {
		t.Error("wrapped context.Canceled should read as cancellation")
	}
	if Canceled(context.DeadlineExceeded) {
		t.Error("timeout should not read as cancellation")
	}
}
