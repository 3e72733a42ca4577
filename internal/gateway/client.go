package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pageferry/pageferry/internal/safety"
)

// maxResponseBytes bounds how much of a response body is read. Error
// bodies are captured for diagnostics; source pages are bounded by the
// caller's page size anyway, this guards against a misbehaving endpoint.
const maxResponseBytes = 64 << 20

// DefaultRequestTimeout bounds a single read or write call when the
// caller does not configure one.
const DefaultRequestTimeout = 30 * time.Second

// Page is one fetched page of source items. Total is nil until the
// source reports an overall count.
type Page struct {
	Items []json.RawMessage
	Total *int64
}

// Client performs the outbound HTTP calls of a transfer: paginated reads
// against the source and chunk writes against the target.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a gateway client. requestTimeout bounds each
// individual call; zero selects DefaultRequestTimeout.
func NewClient(requestTimeout time.Duration, logger *slog.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout — each call gets its own deadline so
			// caller cancellation stays distinguishable from a timeout.
		},
		timeout:   requestTimeout,
		logger:    logger,
		userAgent: "pageferry/1.0",
	}
}

// sourceResponse is the wire shape of a paginated source read.
type sourceResponse struct {
	Total *int64            `json:"total"`
	Data  []json.RawMessage `json:"data"`
}

// FetchPage issues one paginated read: GET <sourceURL>?skip=&top=.
// Caller cancellation surfaces as a context error checked with
// errors.Is(err, context.Canceled); a per-call timeout surfaces as a
// plain (retryable) failure.
func (c *Client) FetchPage(ctx context.Context, sourceURL string, skip, top int) (*Page, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	q := u.Query()
	q.Set("skip", strconv.Itoa(skip))
	q.Set("top", strconv.Itoa(top))
	u.RawQuery = q.Encode()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.callError(ctx, "fetch", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, c.callError(ctx, "fetch", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var sr sourceResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode source response: %w", err)
	}

	c.logger.Debug("page fetched", "url", sourceURL, "skip", skip, "top", top,
		"items", len(sr.Data), "total_known", sr.Total != nil)

	return &Page{Items: sr.Data, Total: sr.Total}, nil
}

// PostChunk sends one chunk's items to the target as a JSON array.
// Any 2xx response is success and its body is returned opaque; a non-2xx
// response is an *HTTPError carrying status and body for diagnostics.
func (c *Client) PostChunk(ctx context.Context, targetURL string, items []json.RawMessage) (json.RawMessage, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal items: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.callError(ctx, "post", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, c.callError(ctx, "post", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	c.logger.Debug("chunk posted", "url", targetURL, "items", len(items), "status", resp.StatusCode)

	return json.RawMessage(body), nil
}

// callError maps a transport-level failure. If the caller's context was
// cancelled, that wins over whatever the transport reported so pause and
// cancel never look like I/O failures.
func (c *Client) callError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %w", op, c.timeout, err)
	}
	return fmt.Errorf("%s request failed: %w", op, err)
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// Retryable reports whether a call failure is worth retrying.
// Client errors other than request-timeout and too-many-requests are
// permanent; everything else (5xx, network errors, timeouts) is transient.
func Retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
			httpErr.StatusCode != http.StatusRequestTimeout &&
			httpErr.StatusCode != http.StatusTooManyRequests {
			return false
		}
	}
	return true
}

// Canceled reports whether a call failed because the caller aborted it.
// Cancellation is not an error condition and is never retried.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
