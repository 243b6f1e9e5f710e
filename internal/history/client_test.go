package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/legalmind/roomchat/internal/backoff"
	"github.com/legalmind/roomchat/internal/chaterr"
	"github.com/legalmind/roomchat/internal/clock"
	"github.com/legalmind/roomchat/internal/protocol"
)

// backend serves GET /api/communities/{roomId}/messages from an in-memory
// list sorted oldest-to-newest, paging by message id like the real backend.
type backend struct {
	rooms    map[string][]protocol.Message
	requests atomic.Int32
	lastURL  atomic.Value
}

func newBackend() *backend {
	return &backend{rooms: make(map[string][]protocol.Message)}
}

func (b *backend) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/communities/{roomId}/messages", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		b.lastURL.Store(r.URL.String())

		msgs := b.rooms[chi.URLParam(r, "roomId")]
		end := len(msgs)
		if before := r.URL.Query().Get("before"); before != "" {
			for i, m := range msgs {
				if m.ID == before {
					end = i
					break
				}
			}
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start := end - limit
		if start < 0 {
			start = 0
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": msgs[start:end]})
	})
	return r
}

func seq(n int) []protocol.Message {
	out := make([]protocol.Message, n)
	for i := range out {
		out[i] = protocol.Message{
			ID:        "m" + strconv.Itoa(100+i),
			UserID:    "u1",
			Content:   "msg",
			CreatedAt: protocol.Timestamp(1000 + i),
		}
	}
	return out
}

func TestFetchNewestPageThenOlder(t *testing.T) {
	b := newBackend()
	b.rooms["room-1"] = seq(120)
	srv := httptest.NewServer(b.router())
	defer srv.Close()

	c := NewClient(DefaultConfig(srv.URL))
	ctx := context.Background()

	page, err := c.Fetch(ctx, "room-1", "", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page) != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, len(page))
	}
	if page[0].ID != "m170" || page[len(page)-1].ID != "m219" {
		t.Fatalf("expected m170..m219, got %s..%s", page[0].ID, page[len(page)-1].ID)
	}

	older, err := c.Fetch(ctx, "room-1", page[0].ID, 50)
	if err != nil {
		t.Fatalf("Fetch older: %v", err)
	}
	if len(older) != 50 || older[len(older)-1].ID != "m169" {
		t.Fatalf("expected page ending at m169, got %d messages", len(older))
	}
	for _, m := range older {
		if !m.Before(page[0]) {
			t.Fatalf("message %s is not strictly older than the cursor", m.ID)
		}
	}

	last, _ := b.lastURL.Load().(string)
	if want := "/api/communities/room-1/messages?before=m170&limit=50"; last != want {
		t.Fatalf("expected request %q, got %q", want, last)
	}
}

func TestFetchEmptyRoom(t *testing.T) {
	for _, body := range []string{`{"messages":[]}`, `{}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		page, err := NewClient(DefaultConfig(srv.URL)).Fetch(context.Background(), "empty", "", 50)
		srv.Close()

		if err != nil {
			t.Fatalf("body %s: unexpected error: %v", body, err)
		}
		if len(page) != 0 {
			t.Fatalf("body %s: expected empty page, got %d", body, len(page))
		}
	}
}

func TestFetchSortsAndTrims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"c","createdAt":30},
			{"id":"a","createdAt":10},
			{"id":"cursor","createdAt":40},
			{"id":"b","createdAt":20},
			{"id":"","createdAt":5},
			{"id":"b","createdAt":20}
		]}`))
	}))
	defer srv.Close()

	page, err := NewClient(DefaultConfig(srv.URL)).Fetch(context.Background(), "r", "cursor", 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
		t.Fatalf("expected [b c], got %+v", page)
	}
	if page[0].Kind != protocol.KindText {
		t.Fatalf("expected default kind, got %q", page[0].Kind)
	}
}

func TestFetchFailuresAreHistoryUnavailable(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"messages":`))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := NewClient(DefaultConfig(srv.URL)).Fetch(context.Background(), "r", "", 10)
			if !errors.Is(err, chaterr.ErrHistoryUnavailable) {
				t.Fatalf("expected history unavailable, got %v", err)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		_, err := NewClient(DefaultConfig(srv.URL)).Fetch(context.Background(), "r", "", 10)
		if !errors.Is(err, chaterr.ErrHistoryUnavailable) {
			t.Fatalf("expected history unavailable, got %v", err)
		}
	})
}

func TestFetchRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.Retries = 2
	cfg.Backoff = backoff.Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 5}

	_, err := NewClient(cfg).Fetch(context.Background(), "r", "", 10)
	if !errors.Is(err, chaterr.ErrHistoryUnavailable) {
		t.Fatalf("expected history unavailable, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 1 try + 2 retries, got %d", got)
	}
}

func TestFetchRetryWaitsOnClientClock(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": seq(1)})
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.Retries = 1
	cfg.Backoff = backoff.Policy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 5}
	clk := clock.NewFake(time.Unix(0, 0))
	client := NewClient(cfg)
	client.SetClock(clk)

	type result struct {
		page []protocol.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		page, err := client.Fetch(context.Background(), "r", "", 10)
		done <- result{page, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry never waited on the injected clock")
		}
		time.Sleep(time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one request before the backoff, got %d", got)
	}

	clk.Advance(time.Hour)
	select {
	case res := <-done:
		if res.err != nil || len(res.page) != 1 {
			t.Fatalf("unexpected result: %v %v", res.page, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not resume after the fake clock advanced")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected a retry, got %d requests", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.Retries = 3
	cfg.Backoff = backoff.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 5}

	if _, err := NewClient(cfg).Fetch(context.Background(), "r", "", 10); err == nil {
		t.Fatal("expected an error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single request, got %d", got)
	}
}

func TestFetchHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(DefaultConfig(srv.URL)).Fetch(ctx, "r", "", 10)
	if !errors.Is(err, chaterr.ErrHistoryUnavailable) {
		t.Fatalf("expected history unavailable, got %v", err)
	}
}
