// Package docstore defines the hierarchical document store used for room
// metadata and membership records. Documents live at slash-separated paths
// such as "communities/{roomId}" and are flat maps of field to value.
//
// Implementations: Memory (in-process), redisstore (Redis + a change feed)
// and pgstore (PostgreSQL with LISTEN/NOTIFY).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: not found")

	// ErrInvalidPath is returned for empty paths or segments containing
	// whitespace, dots or wildcards.
	ErrInvalidPath = errors.New("docstore: invalid path")
)

// Doc is a document: a flat map of field name to JSON-compatible value.
type Doc map[string]interface{}

type serverTimestamp struct{}

// MarshalJSON lets a Doc holding the sentinel be logged.
func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"<server timestamp>"`), nil
}

// ServerTimestamp is a write sentinel: a field set to it is stored as the
// store's own clock reading, in Unix milliseconds, at write time.
var ServerTimestamp interface{} = serverTimestamp{}

// Change is one write observed by a subscriber.
type Change struct {
	Path    string `json:"path"`
	Doc     Doc    `json:"doc,omitempty"` // state after the write; nil when Removed
	Removed bool   `json:"removed,omitempty"`
}

// Store is the document store contract.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (Doc, error)

	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, doc Doc) error

	// Update merges fields into an existing document. It returns
	// ErrNotFound if the document does not exist.
	Update(ctx context.Context, path string, fields Doc) error

	// Remove deletes the document at path. Removing a missing document is
	// not an error.
	Remove(ctx context.Context, path string) error

	// Subscribe streams changes to the document at path and to its direct
	// children until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, path string) (<-chan Change, error)
}

// Incrementer is implemented by stores that can add to a numeric field
// atomically. The result is floored at zero and returned. A missing
// document yields ErrNotFound; a missing field counts as zero.
type Incrementer interface {
	Increment(ctx context.Context, path, field string, delta int64) (int64, error)
}

// Lister is implemented by stores that can enumerate the keys of a
// collection's direct children, in lexical order.
type Lister interface {
	List(ctx context.Context, collection string) ([]string, error)
}

// Feed carries Change notifications between processes sharing a store.
type Feed interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, path string) (<-chan Change, error)
	Close() error
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent collection path and the final key of path.
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidatePath checks that path has no empty segment and no characters that
// cannot appear in a change-feed subject.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || strings.ContainsAny(seg, ".*> \t\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// IsChildOf reports whether path is parent itself or a direct child of it.
func IsChildOf(path, parent string) bool {
	if path == parent {
		return true
	}
	p, _ := Split(path)
	return p == parent
}

// Resolve returns a copy of doc with every ServerTimestamp replaced by now.
func Resolve(doc Doc, now time.Time) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		if _, ok := v.(serverTimestamp); ok {
			v = now.UnixMilli()
		}
		out[k] = v
	}
	return out
}

// HasServerTimestamp reports whether any field of doc is the sentinel.
func HasServerTimestamp(doc Doc) bool {
	for _, v := range doc {
		if _, ok := v.(serverTimestamp); ok {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy of doc.
func Clone(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Field accessors
// ---------------------------------------------------------------------------

// String returns the string value of field, or "" if absent or not a string.
func (d Doc) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Int returns the integer value of field. Values decoded from JSON
// (float64, json.Number) and numeric strings are accepted; anything else is
// zero.
func (d Doc) Int(field string) int64 {
	switch v := d[field].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return int64(f)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Time returns a Unix-millisecond field as a time. The zero time is
// returned when the field is absent.
func (d Doc) Time(field string) time.Time {
	ms := d.Int(field)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
