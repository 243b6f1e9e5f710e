package wstest

import (
	"log"
	"sync"

	"github.com/legalmind/roomchat/internal/protocol"
)

// Handler is the callback signature for a parsed client frame. frame is the
// concrete value returned by protocol.ParseClientFrame (protocol.Hello,
// protocol.SendMessage or protocol.SetTyping).
type Handler func(c *Conn, frame protocol.ClientFrame)

// Dispatcher routes incoming client frames to registered handlers based on
// the frame type. Malformed and unregistered frames are answered with an
// error frame.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a Handler with a frame type, replacing any previous
// handler for that type.
func (d *Dispatcher) Register(frameType string, h Handler) {
	d.mu.Lock()
	d.handlers[frameType] = h
	d.mu.Unlock()
}

// Dispatch parses data and routes it to the handler for its type.
func (d *Dispatcher) Dispatch(c *Conn, data []byte) {
	frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Printf("[wstest] dispatch parse error conn=%s: %v", c.ID, err)
		d.sendError(c, "parse_error", "invalid message format")
		return
	}

	d.mu.RLock()
	h, ok := d.handlers[typeOf(frame)]
	d.mu.RUnlock()
	if !ok {
		d.sendError(c, "unsupported_type", "unsupported message type")
		return
	}
	h(c, frame)
}

func (d *Dispatcher) sendError(c *Conn, code, message string) {
	err := c.Send(protocol.TypeError, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
	if err != nil {
		log.Printf("[wstest] failed to send error conn=%s: %v", c.ID, err)
	}
}

func typeOf(f protocol.ClientFrame) string {
	switch f.(type) {
	case protocol.Hello:
		return protocol.TypeHello
	case protocol.SendMessage:
		return protocol.TypeMessage
	case protocol.SetTyping:
		return protocol.TypeTyping
	default:
		return ""
	}
}
