// Package room orchestrates one chat room view: it loads history, keeps a
// session open to the room, merges history with live messages, debounces
// local typing and tracks remote typers, and delegates membership changes
// to the ledger.
package room

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legalmind/roomchat/internal/backoff"
	"github.com/legalmind/roomchat/internal/chat"
	"github.com/legalmind/roomchat/internal/chaterr"
	"github.com/legalmind/roomchat/internal/clock"
	"github.com/legalmind/roomchat/internal/history"
	"github.com/legalmind/roomchat/internal/membership"
	"github.com/legalmind/roomchat/internal/moderation"
	"github.com/legalmind/roomchat/internal/protocol"
	"github.com/legalmind/roomchat/internal/ratelimit"
	"github.com/legalmind/roomchat/internal/session"
	"github.com/legalmind/roomchat/internal/typing"
)

// ErrNoLedger is returned by membership operations on a controller built
// without a ledger.
var ErrNoLedger = errors.New("room: no membership ledger")

// typingLimitTimeout bounds the typing-rule check so a slow shared limiter
// cannot hold up the debouncer's signal queue.
const typingLimitTimeout = 500 * time.Millisecond

// Info is the room metadata sent in hello.
type Info struct {
	Name        string
	Image       string
	Description string
}

// Config holds controller parameters.
type Config struct {
	RoomID string
	WSBase string // ws://host:port; the session URL is {WSBase}/ws/communities/{RoomID}
	User   membership.User
	Info   Info // missing fields are filled from the ledger's room document

	HistoryLimit     int            // page size (default: history.DefaultLimit)
	QuietPeriod      time.Duration  // typing debounce (default: typing.DefaultQuietPeriod)
	TypingTTL        time.Duration  // remote typer expiry (default: typing.DefaultTTL)
	Backoff          backoff.Policy // reconnect schedule
	HandshakeTimeout time.Duration
	SendRule         ratelimit.Rule // outbound message throttle
	TypingRule       ratelimit.Rule // throttle on typing(true) signals
}

// DefaultConfig returns a Config for roomID with default timings. WSBase and
// User must be filled in by the caller.
func DefaultConfig(roomID string) Config {
	sc := session.DefaultConfig()
	return Config{
		RoomID:           roomID,
		HistoryLimit:     history.DefaultLimit,
		QuietPeriod:      typing.DefaultQuietPeriod,
		TypingTTL:        typing.DefaultTTL,
		Backoff:          sc.Backoff,
		HandshakeTimeout: sc.HandshakeTimeout,
		SendRule:         ratelimit.RuleMessage,
		TypingRule:       ratelimit.RuleTyping,
	}
}

// URL returns the websocket endpoint of a room.
func URL(wsBase, roomID string) string {
	return strings.TrimRight(wsBase, "/") + "/ws/communities/" + url.PathEscape(roomID)
}

// Handlers receive controller events. Any field may be nil. They run on the
// session's event goroutine, except OnError for history failures which runs
// on the fetch goroutine.
type Handlers struct {
	OnReady       func()
	OnStateChange func(session.StateEvent)
	OnError       func(error)
	OnTyping      func(users []string)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used by the session, the debouncer,
// presence expiry and the local rate limiter.
func WithClock(c clock.Clock) Option {
	return func(r *Controller) { r.clock = c }
}

// WithLedger enables Join, Leave and IsMember and room metadata lookup.
func WithLedger(l *membership.Ledger) Option {
	return func(r *Controller) { r.ledger = l }
}

// WithLimiter replaces the in-process send limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(r *Controller) { r.limiter = l }
}

// WithGuard screens outbound messages for spam.
func WithGuard(g *moderation.Guard) Option {
	return func(r *Controller) { r.guard = g }
}

// WithHandlers registers event handlers.
func WithHandlers(h Handlers) Option {
	return func(r *Controller) { r.handlers = h }
}

// Controller drives one room view between Activate and Deactivate. A
// deactivated controller may be activated again; it starts from an empty
// message list.
type Controller struct {
	cfg      Config
	dialer   session.Dialer
	fetcher  history.Fetcher
	ledger   *membership.Ledger
	limiter  ratelimit.Limiter
	guard    *moderation.Guard
	clock    clock.Clock
	handlers Handlers

	// sess is read by the typing emitter without taking mu.
	sess atomic.Pointer[session.Session]

	mu         sync.Mutex
	active     bool
	gen        uint64 // bumped by Activate; session callbacks carry theirs
	merger     *chat.Merger
	debouncer  *typing.Debouncer
	presence   *typing.Presence
	ready      chan struct{}
	readyOnce  *sync.Once
	cancel     context.CancelFunc
	fetches    sync.WaitGroup
	historyErr error
	lastErr    error
}

// New creates an inactive Controller.
func New(cfg Config, dialer session.Dialer, fetcher history.Fetcher, opts ...Option) *Controller {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = history.DefaultLimit
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	r := &Controller{
		cfg:     cfg,
		dialer:  dialer,
		fetcher: fetcher,
		clock:   clock.Real(),
		merger:  chat.NewMerger(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewLocal(r.clock)
	}
	return r
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Activate starts the initial history fetch and opens the session. It
// returns once both are under way; use Ready or WaitReady to learn when the
// room accepts input. ctx bounds the history fetch and the room metadata
// lookup, not the session.
func (r *Controller) Activate(ctx context.Context) error {
	hello := r.hello(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("room: %s already active", r.cfg.RoomID)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	r.active = true
	r.gen++
	gen := r.gen
	r.cancel = cancel
	r.merger = chat.NewMerger()
	r.presence = typing.NewPresence(r.clock, r.cfg.User.ID, r.cfg.TypingTTL)
	r.debouncer = typing.NewDebouncer(r.clock, r.cfg.QuietPeriod, r.emitTyping)
	r.ready = make(chan struct{})
	r.readyOnce = &sync.Once{}
	r.historyErr = nil
	r.lastErr = nil

	r.fetches.Add(1)
	go r.loadInitial(fetchCtx, r.merger)

	cfg := session.DefaultConfig()
	cfg.URL = URL(r.cfg.WSBase, r.cfg.RoomID)
	cfg.Backoff = r.cfg.Backoff
	cfg.HandshakeTimeout = r.cfg.HandshakeTimeout
	cfg.Hello = hello

	merger, presence, debouncer := r.merger, r.presence, r.debouncer
	ready, once := r.ready, r.readyOnce
	presence.OnExpire(func(users []string) {
		if r.live(gen) && r.handlers.OnTyping != nil {
			r.handlers.OnTyping(users)
		}
	})
	sess := session.Open(cfg, r.dialer, session.Handlers{
		OnReady: func() {
			once.Do(func() { close(ready) })
			if r.live(gen) && r.handlers.OnReady != nil {
				r.handlers.OnReady()
			}
		},
		OnMessage: func(m protocol.Message) {
			merger.AddLive(m)
		},
		OnTyping: func(t protocol.Typing) {
			if !r.live(gen) {
				return
			}
			if presence.Apply(t.UserID, t.IsTyping) && r.handlers.OnTyping != nil {
				r.handlers.OnTyping(presence.Users())
			}
		},
		OnError: func(err error) {
			r.onError(gen, err)
		},
		OnStateChange: func(ev session.StateEvent) {
			r.onStateChange(gen, debouncer, presence, ev)
		},
	}, session.WithClock(r.clock))
	r.sess.Store(sess)

	log.Printf("[room] activated room=%s user=%s", r.cfg.RoomID, r.cfg.User.ID)
	return nil
}

// Deactivate closes the session, cancels in-flight history fetches and
// stops every typing timer. It waits for the initial fetch to return, so it
// must not be called from a Handlers callback. It is safe to call more than
// once.
func (r *Controller) Deactivate() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	cancel, debouncer, presence := r.cancel, r.debouncer, r.presence
	r.mu.Unlock()

	cancel()
	if sess := r.sess.Load(); sess != nil {
		if err := sess.Close(); err != nil {
			log.Printf("[room] close session room=%s: %v", r.cfg.RoomID, err)
		}
	}
	debouncer.Stop()
	presence.Clear()
	r.fetches.Wait()

	log.Printf("[room] deactivated room=%s", r.cfg.RoomID)
}

// hello builds the handshake, filling missing room metadata from the
// ledger when one is configured.
func (r *Controller) hello(ctx context.Context) protocol.Hello {
	info := r.cfg.Info
	if r.ledger != nil && (info.Name == "" || info.Image == "" || info.Description == "") {
		if room, err := r.ledger.Room(ctx, r.cfg.RoomID); err == nil {
			if info.Name == "" {
				info.Name = room.Name
			}
			if info.Image == "" {
				info.Image = room.Avatar
			}
			if info.Description == "" {
				info.Description = room.Description
			}
		} else {
			log.Printf("[room] room metadata room=%s: %v", r.cfg.RoomID, err)
		}
	}
	return protocol.Hello{
		UserID:               r.cfg.User.ID,
		UserName:             r.cfg.User.DisplayName(),
		CommunityName:        info.Name,
		CommunityImage:       info.Image,
		CommunityDescription: info.Description,
	}
}

func (r *Controller) loadInitial(ctx context.Context, merger *chat.Merger) {
	defer r.fetches.Done()

	page, err := r.fetcher.Fetch(ctx, r.cfg.RoomID, "", r.cfg.HistoryLimit)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if chaterr.CodeOf(err) != chaterr.CodeHistoryUnavailable {
			err = chaterr.Wrap(chaterr.CodeHistoryUnavailable, "initial history", err)
		}
		log.Printf("[room] history room=%s: %v", r.cfg.RoomID, err)
		r.mu.Lock()
		r.historyErr = err
		r.lastErr = err
		r.mu.Unlock()
		if r.handlers.OnError != nil {
			r.handlers.OnError(err)
		}
		return
	}
	n := merger.AddHistory(page)
	log.Printf("[room] history room=%s fetched=%d added=%d", r.cfg.RoomID, len(page), n)
}

// live reports whether gen is the current activation and still active.
func (r *Controller) live(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active && r.gen == gen
}

// latest reports whether no later Activate has replaced gen. The final
// CLOSED of a deactivated session is still latest.
func (r *Controller) latest(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Controller) onError(gen uint64, err error) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.lastErr = err
	r.mu.Unlock()
	if r.handlers.OnError != nil {
		r.handlers.OnError(err)
	}
}

// onStateChange acts on the debouncer and presence of the activation that
// opened the session, never on a later one.
func (r *Controller) onStateChange(gen uint64, debouncer *typing.Debouncer, presence *typing.Presence, ev session.StateEvent) {
	if ev.From == session.StateOpen && ev.To != session.StateOpen {
		// Typing state does not survive the connection; remote typers will
		// re-announce after the reconnect.
		debouncer.MessageSent()
		hadTypers := presence.Any()
		presence.Clear()
		if hadTypers && r.live(gen) && r.handlers.OnTyping != nil {
			r.handlers.OnTyping(nil)
		}
	}
	if !r.latest(gen) {
		return
	}
	if ev.To == session.StateClosed && ev.Err != nil {
		r.mu.Lock()
		r.lastErr = ev.Err
		r.mu.Unlock()
	}
	if r.handlers.OnStateChange != nil {
		r.handlers.OnStateChange(ev)
	}
}

// emitTyping is the debouncer's emitter. typing(true) is subject to the
// typing rule; typing(false) always goes out. The rule check is bounded by
// typingLimitTimeout.
func (r *Controller) emitTyping(isTyping bool) {
	sess := r.sess.Load()
	if sess == nil {
		return
	}
	if isTyping {
		ctx, cancel := context.WithTimeout(context.Background(), typingLimitTimeout)
		ok, err := r.limiter.Allow(ctx, r.cfg.User.ID, r.cfg.TypingRule)
		cancel()
		if err != nil {
			log.Printf("[room] typing limiter room=%s: %v", r.cfg.RoomID, err)
		}
		if !ok {
			return
		}
	}
	sess.SetTyping(isTyping)
}

// ---------------------------------------------------------------------------
// Readiness and state
// ---------------------------------------------------------------------------

// Ready is closed when the session first becomes OPEN after Activate.
func (r *Controller) Ready() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// WaitReady blocks until the room is ready, the session closes for good, or
// ctx is done.
func (r *Controller) WaitReady(ctx context.Context) error {
	sess := r.sess.Load()
	if sess == nil {
		return chaterr.New(chaterr.CodeNotOpen, "room is not active")
	}
	select {
	case <-r.Ready():
		return nil
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			return err
		}
		return chaterr.New(chaterr.CodeNotOpen, "session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the session state; CLOSED before the first Activate.
func (r *Controller) State() session.State {
	if sess := r.sess.Load(); sess != nil {
		return sess.State()
	}
	return session.StateClosed
}

// HistoryErr returns the initial history failure, if any. The room stays
// usable without its backlog.
func (r *Controller) HistoryErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.historyErr
}

// LastError returns the most recent error surfaced by the session, the
// history fetch or a rejected send.
func (r *Controller) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

// SendMessage validates text, applies the spam guard and the send rule, and
// sends it. typing(false) is emitted right after the send attempt.
func (r *Controller) SendMessage(ctx context.Context, text string) (err error) {
	defer func() {
		if err != nil {
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
		}
	}()

	text, err = chat.ValidateMessage(text)
	if err != nil {
		return err
	}
	if res := r.guard.Check(text); res.Blocked {
		return chaterr.New(chaterr.CodeInvalidMessage, "message blocked: "+res.Reason)
	}

	r.mu.Lock()
	active, debouncer := r.active, r.debouncer
	r.mu.Unlock()
	sess := r.sess.Load()
	if !active || sess == nil {
		return chaterr.New(chaterr.CodeNotOpen, "room is not active")
	}
	if st := sess.State(); st != session.StateOpen {
		return chaterr.New(chaterr.CodeNotOpen, "session is "+st.String())
	}

	ok, lerr := r.limiter.Allow(ctx, r.cfg.User.ID, r.cfg.SendRule)
	if lerr != nil {
		log.Printf("[room] rate limiter user=%s: %v", r.cfg.User.ID, lerr)
	}
	if !ok {
		return chaterr.New(chaterr.CodeRateLimited, "sending too fast, wait a moment")
	}

	err = sess.Send(text)
	debouncer.MessageSent()
	return err
}

// InputChanged records a local keystroke. It is ignored unless the session
// is OPEN.
func (r *Controller) InputChanged() {
	r.mu.Lock()
	active, debouncer := r.active, r.debouncer
	r.mu.Unlock()
	sess := r.sess.Load()
	if !active || sess == nil || sess.State() != session.StateOpen {
		return
	}
	debouncer.Keystroke()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// LoadOlder fetches the page before the oldest message held and returns how
// many messages it added. Zero means the start of the room was reached.
func (r *Controller) LoadOlder(ctx context.Context) (int, error) {
	r.mu.Lock()
	merger := r.merger
	r.mu.Unlock()

	before := ""
	if oldest, ok := merger.Oldest(); ok {
		before = oldest.ID
	}
	page, err := r.fetcher.Fetch(ctx, r.cfg.RoomID, before, r.cfg.HistoryLimit)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return 0, err
	}
	return merger.AddHistory(page), nil
}

// Messages returns a snapshot of the merged message list.
func (r *Controller) Messages() []protocol.Message {
	r.mu.Lock()
	merger := r.merger
	r.mu.Unlock()
	return merger.Snapshot()
}

// All iterates over a snapshot of the merged message list.
func (r *Controller) All() iter.Seq[protocol.Message] {
	r.mu.Lock()
	merger := r.merger
	r.mu.Unlock()
	return merger.All()
}

// Updates signals, coalesced, that the message list changed. The channel
// belongs to the current activation.
func (r *Controller) Updates() <-chan struct{} {
	r.mu.Lock()
	merger := r.merger
	r.mu.Unlock()
	return merger.Updates()
}

// TypingUsers returns the remote users currently typing, sorted.
func (r *Controller) TypingUsers() []string {
	r.mu.Lock()
	presence := r.presence
	r.mu.Unlock()
	if presence == nil {
		return nil
	}
	return presence.Users()
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// Join adds the controller's user to the room.
func (r *Controller) Join(ctx context.Context) error {
	if r.ledger == nil {
		return ErrNoLedger
	}
	return r.ledger.Join(ctx, r.cfg.RoomID, r.cfg.User)
}

// Leave removes the controller's user from the room.
func (r *Controller) Leave(ctx context.Context) error {
	if r.ledger == nil {
		return ErrNoLedger
	}
	return r.ledger.Leave(ctx, r.cfg.RoomID, r.cfg.User)
}

// IsMember reports whether the controller's user belongs to the room.
func (r *Controller) IsMember(ctx context.Context) (bool, error) {
	if r.ledger == nil {
		return false, ErrNoLedger
	}
	return r.ledger.IsMember(ctx, r.cfg.RoomID, r.cfg.User.ID)
}
