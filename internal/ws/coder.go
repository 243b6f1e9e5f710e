package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/legalmind/roomchat/internal/session"
)

// maxFrameBytes bounds inbound frames on the coder transport. History pages
// never travel over the socket, so single messages stay small.
const maxFrameBytes = 1 << 20

// CoderDialer opens coder/websocket client connections. It honours the same
// Config as Dialer.
type CoderDialer struct {
	config Config
}

// NewCoderDialer creates a CoderDialer with the given config.
func NewCoderDialer(config Config) *CoderDialer {
	return &CoderDialer{config: config}
}

// Dial connects to url and completes the websocket upgrade.
func (d *CoderDialer) Dial(ctx context.Context, url string) (session.Conn, error) {
	dialCtx := ctx
	if d.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.config.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	c := &coderConn{conn: conn, config: d.config, ctx: ctx, cancel: cancel}
	if d.config.PingInterval > 0 {
		startKeepalive(d.config.PingInterval, ctx.Done(), c.ping, func(err error) {
			_ = conn.CloseNow()
		}, url)
	}
	return c, nil
}

type coderConn struct {
	conn   *websocket.Conn
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *coderConn) ReadFrame() ([]byte, error) {
	for {
		ctx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.config.ReadTimeout > 0 {
			ctx, cancel = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *coderConn) WriteFrame(data []byte) error {
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if c.config.WriteTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
	}
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ping needs a concurrent reader to receive the pong; the session read loop
// is that reader.
func (c *coderConn) ping() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout+c.config.PingInterval)
	defer cancel()
	return c.conn.Ping(ctx)
}

func (c *coderConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}
