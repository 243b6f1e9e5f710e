// Package ws provides the websocket transports used by chat sessions. Dialer
// is the default, built on gobwas/ws; CoderDialer is an alternative built on
// coder/websocket. Both carry text frames only and satisfy session.Dialer.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/legalmind/roomchat/internal/session"
)

// Config holds transport tuning parameters.
type Config struct {
	DialTimeout  time.Duration // TCP connect + upgrade (default: 10s)
	ReadTimeout  time.Duration // max silence before a read fails (default: 60s, 0 disables)
	WriteTimeout time.Duration // per-frame write deadline (default: 10s)
	PingInterval time.Duration // client keepalive ping period (default: 25s, 0 disables)
}

// DefaultConfig returns sensible defaults. ReadTimeout is larger than
// PingInterval so a healthy connection answering pings never times out.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
	}
}

// Dialer opens gobwas/ws client connections.
type Dialer struct {
	config Config
}

// NewDialer creates a Dialer with the given config.
func NewDialer(config Config) *Dialer {
	return &Dialer{config: config}
}

// Dial connects to url and completes the websocket upgrade.
func (d *Dialer) Dial(ctx context.Context, url string) (session.Conn, error) {
	dialer := ws.Dialer{Timeout: d.config.DialTimeout}
	netConn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	c := &Connection{
		conn:   netConn,
		r:      netConn,
		config: d.config,
		done:   make(chan struct{}),
	}
	// Frames that arrived together with the handshake response sit in br.
	if br != nil {
		c.r = br
	}
	if d.config.PingInterval > 0 {
		startKeepalive(d.config.PingInterval, c.done, c.WritePing, func(err error) {
			_ = c.conn.Close()
		}, url)
	}
	return c, nil
}

// Connection is a client-side websocket connection. Reads must come from a
// single goroutine; writes are serialized by a mutex so keepalive pings,
// control replies and application frames never interleave.
type Connection struct {
	conn    net.Conn
	r       io.Reader
	config  Config
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// ReadFrame blocks until the next text frame arrives. Ping and close control
// frames are answered inline; binary frames are skipped.
func (c *Connection) ReadFrame() ([]byte, error) {
	control := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		if c.config.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// WriteFrame sends data as a single text frame.
func (c *Connection) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ws.OpPing, nil)
}

func (c *Connection) writeLocked(op ws.OpCode, data []byte) error {
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// Close sends a normal-closure frame (best effort), stops the keepalive and
// closes the network connection. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
