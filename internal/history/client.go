// Package history loads past room messages from the chat backend's HTTP API.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/legalmind/roomchat/internal/backoff"
	"github.com/legalmind/roomchat/internal/chaterr"
	"github.com/legalmind/roomchat/internal/clock"
	"github.com/legalmind/roomchat/internal/metrics"
	"github.com/legalmind/roomchat/internal/protocol"
)

// DefaultLimit is the page size used when a caller passes limit <= 0.
const DefaultLimit = 50

// maxBodyBytes caps a history response.
const maxBodyBytes = 8 << 20

// Fetcher loads one page of history. before is an opaque cursor (the id of
// the oldest message already held); empty means the newest page. Pages are
// ordered oldest-to-newest and hold at most limit messages.
type Fetcher interface {
	Fetch(ctx context.Context, roomID, before string, limit int) ([]protocol.Message, error)
}

// Config holds client parameters.
type Config struct {
	BaseURL string         // e.g. http://localhost:8080
	Timeout time.Duration  // per request (default: 15s)
	Retries int            // extra tries after a failure (default: 0)
	Backoff backoff.Policy // wait between retries
}

// DefaultConfig returns a Config without retries.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
		Backoff: backoff.DefaultPolicy(),
	}
}

// Client is the HTTP Fetcher.
type Client struct {
	config     Config
	httpClient *http.Client
	clock      clock.Clock
}

// NewClient creates a Client.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		clock: clock.Real(),
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetClock replaces the clock that times retry backoff.
func (c *Client) SetClock(clk clock.Clock) {
	if clk != nil {
		c.clock = clk
	}
}

// response is the body of GET .../messages.
type response struct {
	Messages []protocol.Message `json:"messages"`
}

// statusError is a non-2xx reply.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("status %d: %s", e.status, e.body)
	}
	return fmt.Sprintf("status %d", e.status)
}

// Fetch implements Fetcher. Every failure is reported as HistoryUnavailable.
// Transport errors and 5xx replies are retried up to Config.Retries times
// with backoff; 4xx replies and undecodable bodies are not.
func (c *Client) Fetch(ctx context.Context, roomID, before string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			if err := c.config.Backoff.Wait(ctx, c.clock, attempt-1); err != nil {
				break
			}
		}

		start := time.Now()
		page, err := c.fetchOnce(ctx, roomID, before, limit)
		metrics.HistoryFetchDuration.WithLabelValues(metrics.Result(err)).Observe(time.Since(start).Seconds())
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		log.Printf("[history] fetch failed room=%s attempt=%d: %v", roomID, attempt, err)
	}
	return nil, chaterr.Wrap(chaterr.CodeHistoryUnavailable, "room "+roomID, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, roomID, before string, limit int) ([]protocol.Message, error) {
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("history: parse base url: %w", err)
	}
	u = u.JoinPath("api", "communities", roomID, "messages")
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("history: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("history: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("history: decode response: %w", errPermanent{err})
	}
	return normalize(r.Messages, before, limit), nil
}

// normalize drops messages without an id and the cursor message itself,
// sorts oldest-to-newest and keeps the newest limit entries, which are the
// ones adjacent to the cursor.
func normalize(page []protocol.Message, before string, limit int) []protocol.Message {
	out := make([]protocol.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if m.ID == "" || m.ID == before {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.Kind == "" {
			m.Kind = protocol.KindText
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	var pe errPermanent
	return !errors.As(err, &pe)
}
