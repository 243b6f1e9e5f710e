// Package chaterr defines the error taxonomy shared by the room chat
// components. Every error carries a Code so callers can decide between
// retrying, showing a recoverable banner, or aborting the operation.
package chaterr

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code int

const (
	CodeUnknown Code = iota

	// CodeTransport is a dropped or failed connection. Retried locally up to
	// the reconnect budget before it is surfaced.
	CodeTransport

	// CodeHandshake is a malformed or rejected hello. Fatal.
	CodeHandshake

	// CodeHistoryUnavailable is a failed history fetch. Recoverable; the live
	// session proceeds without backlog.
	CodeHistoryUnavailable

	// CodeNotAuthenticated means a membership operation was attempted without
	// a user identity.
	CodeNotAuthenticated

	// CodeNotOpen means a send was attempted while the session was not OPEN.
	CodeNotOpen

	// CodeInvalidMessage is outbound content that failed validation.
	CodeInvalidMessage

	// CodeRateLimited means the client-side send limiter rejected a message.
	CodeRateLimited

	// CodeServer is an error frame pushed by the backend on an open session.
	CodeServer
)

// String returns the string representation of a Code.
func (c Code) String() string {
	switch c {
	case CodeUnknown:
		return "unknown"
	case CodeTransport:
		return "transport_error"
	case CodeHandshake:
		return "handshake_error"
	case CodeHistoryUnavailable:
		return "history_unavailable"
	case CodeNotAuthenticated:
		return "not_authenticated"
	case CodeNotOpen:
		return "not_open"
	case CodeInvalidMessage:
		return "invalid_message"
	case CodeRateLimited:
		return "rate_limited"
	case CodeServer:
		return "server_error"
	default:
		return fmt.Sprintf("unknown_code_%d", int(c))
	}
}

// Error is a structured error with a code and optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error with the same code, so the package-level sentinels
// work with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrTransport          = &Error{Code: CodeTransport, Message: "transport error"}
	ErrHandshake          = &Error{Code: CodeHandshake, Message: "handshake rejected"}
	ErrHistoryUnavailable = &Error{Code: CodeHistoryUnavailable, Message: "history unavailable"}
	ErrNotAuthenticated   = &Error{Code: CodeNotAuthenticated, Message: "no user identity"}
	ErrNotOpen            = &Error{Code: CodeNotOpen, Message: "session is not open"}
	ErrInvalidMessage     = &Error{Code: CodeInvalidMessage, Message: "invalid message"}
	ErrRateLimited        = &Error{Code: CodeRateLimited, Message: "sending too fast"}
	ErrServer             = &Error{Code: CodeServer, Message: "server error"}
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps err with the given code and message.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

// IsFatal reports whether err ends a session for good.
func IsFatal(err error) bool {
	return errors.Is(err, ErrHandshake)
}

// IsRetryable reports whether err is retried locally before surfacing.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
