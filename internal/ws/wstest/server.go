// Package wstest provides an in-process chat backend for tests. It upgrades
// HTTP connections with gobwas/ws, answers hello with ready, and relays
// messages and typing signals between the connections it holds.
package wstest

import (
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/legalmind/roomchat/internal/protocol"
)

// Conn is one accepted client connection.
type Conn struct {
	ID   string
	Path string // request path, e.g. /ws/communities/room-1

	conn    net.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	hello *protocol.Hello
}

// Send writes a server frame of the given type.
func (c *Conn) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerFrame(msgType, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame, unmodified.
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close drops the underlying connection without a close handshake.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Hello returns the hello frame received on this connection, if any.
func (c *Conn) Hello() (protocol.Hello, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil {
		return protocol.Hello{}, false
	}
	return *c.hello, true
}

// Option configures a Server.
type Option func(*Server)

// WithRejectHello makes the server answer every hello with an error frame
// carrying reason instead of ready.
func WithRejectHello(reason string) Option {
	return func(s *Server) { s.rejectHello = reason }
}

// WithoutReady makes the server ignore hello frames entirely.
func WithoutReady() Option {
	return func(s *Server) { s.noReady = true }
}

// Server is a test chat backend listening on a loopback address.
type Server struct {
	URL string // ws:// base URL

	http        *httptest.Server
	dispatcher  *Dispatcher
	rejectHello string
	noReady     bool
	accepted    chan *Conn

	mu       sync.Mutex
	conns    map[string]*Conn
	received []protocol.ClientFrame
	closed   bool
}

// NewServer starts a Server with the default hello, message and typing
// handlers registered.
func NewServer(opts ...Option) *Server {
	s := &Server{
		dispatcher: NewDispatcher(),
		accepted:   make(chan *Conn, 64),
		conns:      make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dispatcher.Register(protocol.TypeHello, s.handleHello)
	s.dispatcher.Register(protocol.TypeMessage, s.handleMessage)
	s.dispatcher.Register(protocol.TypeTyping, s.handleTyping)

	s.http = httptest.NewServer(http.HandlerFunc(s.handleUpgrade))
	s.URL = "ws" + strings.TrimPrefix(s.http.URL, "http")
	return s
}

// Dispatcher exposes the frame router so tests can override handlers.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Accepted delivers every connection once it is upgraded.
func (s *Server) Accepted() <-chan *Conn {
	return s.accepted
}

// Received returns a copy of every client frame received so far, across
// all connections.
func (s *Server) Received() []protocol.ClientFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ClientFrame, len(s.received))
	copy(out, s.received)
	return out
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends a frame to every live connection.
func (s *Server) Broadcast(msgType string, payload interface{}) {
	for _, c := range s.all() {
		if err := c.Send(msgType, payload); err != nil {
			log.Printf("[wstest] broadcast failed conn=%s: %v", c.ID, err)
		}
	}
}

// DropAll closes every live connection, simulating a network drop.
func (s *Server) DropAll() {
	for _, c := range s.all() {
		_ = c.Close()
	}
}

// Close drops all connections and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DropAll()
	s.http.CloseClientConnections()
	s.http.Close()
}

func (s *Server) all() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[wstest] upgrade failed: %v", err)
		return
	}

	c := &Conn{ID: uuid.New().String(), Path: r.URL.Path, conn: netConn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = netConn.Close()
		return
	}
	s.conns[c.ID] = c
	s.mu.Unlock()

	select {
	case s.accepted <- c:
	default:
	}

	go s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	control := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if frame, err := protocol.ParseClientFrame(data); err == nil {
			s.mu.Lock()
			s.received = append(s.received, frame)
			s.mu.Unlock()
		}
		s.dispatcher.Dispatch(c, data)
	}
}

func (s *Server) handleHello(c *Conn, frame protocol.ClientFrame) {
	hello := frame.(protocol.Hello)
	c.mu.Lock()
	c.hello = &hello
	c.mu.Unlock()

	switch {
	case s.noReady:
	case s.rejectHello != "":
		_ = c.Send(protocol.TypeError, map[string]interface{}{"error": s.rejectHello})
	default:
		_ = c.Send(protocol.TypeReady, struct{}{})
	}
}

func (s *Server) handleMessage(c *Conn, frame protocol.ClientFrame) {
	send := frame.(protocol.SendMessage)
	hello, _ := c.Hello()
	msg := protocol.Message{
		ID:        uuid.New().String(),
		UserID:    hello.UserID,
		UserName:  hello.UserName,
		Content:   send.Content,
		CreatedAt: protocol.TimestampOf(time.Now()),
		Kind:      protocol.KindText,
	}
	s.Broadcast(protocol.TypeMessage, protocol.MessageFrame{Message: msg})
}

func (s *Server) handleTyping(c *Conn, frame protocol.ClientFrame) {
	typing := frame.(protocol.SetTyping)
	hello, _ := c.Hello()
	for _, other := range s.all() {
		if other.ID == c.ID {
			continue
		}
		_ = other.Send(protocol.TypeTyping, protocol.Typing{UserID: hello.UserID, IsTyping: typing.IsTyping})
	}
}
