// Package protocol defines the WebSocket frames exchanged between the room
// chat client and the community chat backend. All frames are JSON objects
// discriminated by a "type" field.
//
// Server frames decode into the ServerFrame sum type. Every known type has
// exactly one concrete variant; unknown types decode into Unknown so that
// callers can switch exhaustively and treat new server frames as no-ops.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeHello   = "hello"
	TypeMessage = "message"
	TypeTyping  = "typing"
)

// Server -> Client frame types. "message" and "typing" are shared with the
// client direction.
const (
	TypeReady = "ready"
	TypeError = "error"
)

// Message kinds.
const (
	KindText   = "text"
	KindSystem = "system"
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// Message is a single chat message as pushed by the server and returned by
// the history endpoint. Messages are immutable once created.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
	Kind      string    `json:"kind,omitempty"`
}

// IsSystem reports whether the message was generated by the backend rather
// than a user.
func (m Message) IsSystem() bool {
	return m.Kind == KindSystem
}

// Before reports whether m sorts strictly before o in the visible sequence:
// by created-at, ties broken by id.
func (m Message) Before(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// ClientFrame is implemented by every frame the client may send.
type ClientFrame interface {
	clientType() string
}

// Hello is the first frame after connecting. It identifies the user and
// carries the room's display metadata.
type Hello struct {
	Type                 string `json:"type"`
	UserID               string `json:"userId"`
	UserName             string `json:"userName"`
	CommunityName        string `json:"communityName"`
	CommunityImage       string `json:"communityImage"`
	CommunityDescription string `json:"communityDescription"`
}

// SendMessage publishes a chat message to the room.
type SendMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// SetTyping toggles the local user's typing indicator.
type SetTyping struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

func (Hello) clientType() string       { return TypeHello }
func (SendMessage) clientType() string { return TypeMessage }
func (SetTyping) clientType() string   { return TypeTyping }

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// ServerFrame is the sum type of frames pushed by the server. The concrete
// variants are Ready, MessageFrame, Typing, ErrorFrame and Unknown.
type ServerFrame interface {
	serverType() string
}

// Ready acknowledges a hello; the session is open after it arrives.
type Ready struct {
	Type string `json:"type"`
}

// MessageFrame carries a newly created message.
type MessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// Typing relays another user's typing indicator.
type Typing struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorFrame reports a server-side error. Before ready it means the hello
// was rejected.
type ErrorFrame struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// Unknown is any frame whose type this client does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Ready) serverType() string        { return TypeReady }
func (MessageFrame) serverType() string { return TypeMessage }
func (Typing) serverType() string       { return TypeTyping }
func (ErrorFrame) serverType() string   { return TypeError }
func (u Unknown) serverType() string    { return u.Type }

// TypeOf returns the wire type of a server frame.
func TypeOf(f ServerFrame) string {
	if f == nil {
		return ""
	}
	return f.serverType()
}

// ErrorDetail is the payload of an error frame. The backend sends either a
// plain string or an object with code and message fields; both decode here.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts both `"text"` and `{"code":..,"message":..}`.
func (d *ErrorDetail) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d.Code = ""
		d.Message = s
		return nil
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("protocol: invalid error payload: %w", err)
	}
	d.Code = obj.Code
	d.Message = obj.Message
	if d.Message == "" {
		d.Message = obj.Msg
	}
	return nil
}

// String returns a human-readable error description.
func (d ErrorDetail) String() string {
	if d.Code != "" && d.Message != "" {
		return d.Code + ": " + d.Message
	}
	if d.Message != "" {
		return d.Message
	}
	return d.Code
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerFrame decodes raw WebSocket bytes into a ServerFrame. An error is
// returned only for malformed JSON or a known type with an undecodable
// payload; unknown types yield an Unknown frame and no error.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		frame ServerFrame
		err   error
	)

	switch env.Type {
	case TypeReady:
		var f Ready
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeMessage:
		var f MessageFrame
		err = json.Unmarshal(env.Raw, &f)
		if err == nil && f.Message.Kind == "" {
			f.Message.Kind = KindText
		}
		frame = f
	case TypeTyping:
		var f Typing
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeError:
		var f ErrorFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return Unknown{Type: env.Type, Raw: env.Raw}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return frame, nil
}

// EncodeClientFrame creates the JSON bytes for a client frame. The type field
// is always set from the frame's variant, whatever the caller put in it.
func EncodeClientFrame(f ClientFrame) ([]byte, error) {
	switch v := f.(type) {
	case Hello:
		v.Type = TypeHello
		return marshal(v)
	case SendMessage:
		v.Type = TypeMessage
		return marshal(v)
	case SetTyping:
		v.Type = TypeTyping
		return marshal(v)
	default:
		return nil, fmt.Errorf("protocol: unsupported client frame %T", f)
	}
}

// ParseClientFrame decodes a client frame. It is the server-side counterpart
// of EncodeClientFrame, used by test backends and tooling. Unknown types are
// an error since a backend must reject them.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		frame ClientFrame
		err   error
	)

	switch env.Type {
	case TypeHello:
		var f Hello
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeMessage:
		var f SendMessage
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeTyping:
		var f SetTyping
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return frame, nil
}

// NewServerFrame creates the JSON bytes for a server frame, injecting
// msgType under the "type" key. It is used by test backends.
func NewServerFrame(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server frame: %w", err)
	}
	return out, nil
}

func marshal(v interface{}) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client frame: %w", err)
	}
	return out, nil
}
