// Package session manages one realtime connection to a chat room. A Session
// is a state machine over CONNECTING, OPEN, RECONNECTING and CLOSED: it
// dials, sends hello, waits for ready, and on transport loss reconnects with
// exponential backoff until the attempt budget runs out.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/legalmind/roomchat/internal/backoff"
	"github.com/legalmind/roomchat/internal/chaterr"
	"github.com/legalmind/roomchat/internal/clock"
	"github.com/legalmind/roomchat/internal/metrics"
	"github.com/legalmind/roomchat/internal/protocol"
)

// Config holds session parameters.
type Config struct {
	URL              string         // websocket endpoint of the room
	Hello            protocol.Hello // sent after every successful dial
	Backoff          backoff.Policy // reconnect schedule and budget
	HandshakeTimeout time.Duration  // bound on dial and on hello-to-ready (default: 10s, 0 disables)
}

// DefaultConfig returns a Config with the default backoff policy and
// handshake timeout. URL and Hello must be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		Backoff:          backoff.DefaultPolicy(),
		HandshakeTimeout: 10 * time.Second,
	}
}

// Handlers receive session events. Any field may be nil. Callbacks run one
// at a time on a dedicated goroutine, in the order the events happened, and
// never while the session lock is held; they may call back into the Session.
type Handlers struct {
	OnReady       func()
	OnMessage     func(protocol.Message)
	OnTyping      func(protocol.Typing)
	OnError       func(error)
	OnStateChange func(StateEvent)
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock driving reconnect and handshake timers.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// Session is one logical connection to a room, spanning any number of
// transport connections.
type Session struct {
	cfg      Config
	dialer   Dialer
	clock    clock.Clock
	handlers Handlers
	events   *eventQueue

	ctx    context.Context // cancelled on CLOSED; aborts in-flight dials
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	attempt   int
	gen       uint64 // bumped whenever the current transport is superseded
	conn      Conn
	retry     clock.Timer
	handshake clock.Timer
	err       error
}

// Open creates a Session in CONNECTING and starts the first dial in the
// background.
func Open(cfg Config, dialer Dialer, handlers Handlers, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		clock:    clock.Real(),
		handlers: handlers,
		events:   newEventQueue(),
		state:    StateConnecting,
		gen:      1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	metrics.SessionTransitions.WithLabelValues(StateConnecting.String()).Inc()
	log.Printf("[session] opening url=%s user=%s", cfg.URL, cfg.Hello.UserID)

	go s.connect(s.gen)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of reconnect attempts since the session was
// last OPEN.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Err returns the error that closed the session, or nil while it is still
// running or after an explicit Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is CLOSED and every handler callback has
// been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.events.done
}

// Send publishes a chat message. It returns an error with code NotOpen
// without writing anything unless the session is OPEN.
func (s *Session) Send(content string) error {
	data, err := protocol.EncodeClientFrame(protocol.SendMessage{Content: content})
	if err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return s.write(protocol.TypeMessage, data)
}

// SetTyping sends the local typing indicator. It is silently dropped unless
// the session is OPEN.
func (s *Session) SetTyping(isTyping bool) {
	data, err := protocol.EncodeClientFrame(protocol.SetTyping{IsTyping: isTyping})
	if err != nil {
		return
	}
	_ = s.write(protocol.TypeTyping, data)
}

// Close moves the session to CLOSED: timers are stopped, the transport is
// closed and no reconnect happens afterwards. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.closeLocked(nil)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) write(frameType string, data []byte) error {
	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		return chaterr.New(chaterr.CodeNotOpen, "session is "+state.String())
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	if err := conn.WriteFrame(data); err != nil {
		werr := chaterr.Wrap(chaterr.CodeTransport, "write "+frameType, err)
		s.lost(gen, werr)
		return werr
	}
	metrics.FramesTotal.WithLabelValues("out", frameType).Inc()
	return nil
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (s *Session) connect(gen uint64) {
	ctx := s.ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.lost(gen, chaterr.Wrap(chaterr.CodeTransport, "dial", err))
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	if s.cfg.HandshakeTimeout > 0 {
		s.handshake = s.clock.AfterFunc(s.cfg.HandshakeTimeout, func() {
			s.lost(gen, chaterr.New(chaterr.CodeTransport, "no ready within handshake timeout"))
		})
	}
	s.mu.Unlock()

	hello, err := protocol.EncodeClientFrame(s.cfg.Hello)
	if err == nil {
		err = conn.WriteFrame(hello)
	}
	if err != nil {
		s.lost(gen, chaterr.Wrap(chaterr.CodeTransport, "hello", err))
		return
	}
	metrics.FramesTotal.WithLabelValues("out", protocol.TypeHello).Inc()

	s.readLoop(gen, conn)
}

// readLoop is the only reader of conn. It exits on a read error or once conn
// has been superseded.
func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			s.lost(gen, chaterr.Wrap(chaterr.CodeTransport, "read", err))
			return
		}

		frame, err := protocol.ParseServerFrame(data)
		if err != nil {
			log.Printf("[session] dropping malformed frame url=%s: %v", s.cfg.URL, err)
			continue
		}
		if !s.handle(gen, frame) {
			return
		}
	}
}

// handle applies one inbound frame. It returns false when the reader should
// stop.
func (s *Session) handle(gen uint64, frame protocol.ServerFrame) bool {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateConnecting && s.state != StateOpen) {
		s.mu.Unlock()
		return false
	}

	label := protocol.TypeOf(frame)
	switch f := frame.(type) {
	case protocol.Ready:
		if s.state == StateConnecting {
			s.stopHandshakeLocked()
			s.attempt = 0
			s.setStateLocked(StateOpen, nil, 0)
			if h := s.handlers.OnReady; h != nil {
				s.events.push(h)
			}
		}

	case protocol.MessageFrame:
		if h := s.handlers.OnMessage; h != nil {
			s.events.push(func() { h(f.Message) })
		}

	case protocol.Typing:
		if h := s.handlers.OnTyping; h != nil {
			s.events.push(func() { h(f) })
		}

	case protocol.ErrorFrame:
		if s.state == StateConnecting {
			conn := s.closeLocked(chaterr.New(chaterr.CodeHandshake, f.Error.String()))
			s.mu.Unlock()
			metrics.FramesTotal.WithLabelValues("in", label).Inc()
			if conn != nil {
				_ = conn.Close()
			}
			return false
		}
		if h := s.handlers.OnError; h != nil {
			err := chaterr.New(chaterr.CodeServer, f.Error.String())
			s.events.push(func() { h(err) })
		}

	case protocol.Unknown:
		label = "unknown"
		log.Printf("[session] ignoring frame type=%q url=%s", f.Type, s.cfg.URL)
	}
	s.mu.Unlock()

	metrics.FramesTotal.WithLabelValues("in", label).Inc()
	return true
}

// lost handles the failure of the transport generation gen: it schedules a
// reconnect, or closes the session when the budget is spent. Failures of a
// superseded generation are ignored.
func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateConnecting && s.state != StateOpen) {
		s.mu.Unlock()
		return
	}

	var conn Conn
	if s.cfg.Backoff.Exhausted(s.attempt) {
		metrics.ReconnectsTotal.WithLabelValues("exhausted").Inc()
		err := chaterr.Wrap(chaterr.CodeTransport,
			fmt.Sprintf("giving up after %d reconnect attempts", s.attempt), cause)
		conn = s.closeLocked(err)
	} else {
		conn = s.detachLocked()
		s.gen++
		next := s.gen
		delay := s.cfg.Backoff.Delay(s.attempt)
		s.retry = s.clock.AfterFunc(delay, func() { s.reconnect(next) })
		metrics.ReconnectsTotal.WithLabelValues("scheduled").Inc()
		s.setStateLocked(StateReconnecting, cause, delay)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.attempt++
	s.setStateLocked(StateConnecting, nil, 0)
	s.mu.Unlock()

	go s.connect(gen)
}

// closeLocked moves to CLOSED and returns the transport the caller must
// close after unlocking.
func (s *Session) closeLocked(err error) Conn {
	conn := s.detachLocked()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.gen++
	s.err = err
	s.cancel()

	if err != nil {
		log.Printf("[session] closed url=%s: %v", s.cfg.URL, err)
		if h := s.handlers.OnError; h != nil {
			s.events.push(func() { h(err) })
		}
	}
	s.setStateLocked(StateClosed, err, 0)
	s.events.close()
	return conn
}

func (s *Session) detachLocked() Conn {
	s.stopHandshakeLocked()
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *Session) stopHandshakeLocked() {
	if s.handshake != nil {
		s.handshake.Stop()
		s.handshake = nil
	}
}

func (s *Session) setStateLocked(to State, cause error, delay time.Duration) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	if to == StateOpen {
		metrics.SessionsOpen.Inc()
	} else if from == StateOpen {
		metrics.SessionsOpen.Dec()
	}

	if to == StateReconnecting {
		log.Printf("[session] %s -> %s url=%s attempt=%d retry_in=%s: %v",
			from, to, s.cfg.URL, s.attempt, delay, cause)
	} else {
		log.Printf("[session] %s -> %s url=%s attempt=%d", from, to, s.cfg.URL, s.attempt)
	}

	if h := s.handlers.OnStateChange; h != nil {
		ev := StateEvent{From: from, To: to, Attempt: s.attempt, Delay: delay, Err: cause}
		s.events.push(func() { h(ev) })
	}
}
