package chat

import (
	"iter"
	"sort"
	"sync"

	"github.com/legalmind/roomchat/internal/metrics"
	"github.com/legalmind/roomchat/internal/protocol"
)

// Merger holds the authoritative ordered message list of one room. It merges
// bulk history pages with live pushes into a single sequence ordered by
// (createdAt, id) with no duplicate ids. It is goroutine-safe.
type Merger struct {
	mu      sync.RWMutex
	msgs    []protocol.Message
	ids     map[string]struct{}
	version uint64
	updates chan struct{}
}

// NewMerger creates an empty Merger.
func NewMerger() *Merger {
	return &Merger{
		ids:     make(map[string]struct{}),
		updates: make(chan struct{}, 1),
	}
}

// AddHistory inserts a page of past messages. It may be called before or
// after live messages arrived; ids already present are skipped. It returns
// the number of messages actually inserted.
func (m *Merger) AddHistory(page []protocol.Message) int {
	m.mu.Lock()
	added := 0
	for _, msg := range page {
		if m.insertLocked(msg) {
			added++
		}
	}
	if added > 0 {
		m.version++
	}
	m.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("history").Add(float64(added))
	if dup := len(page) - added; dup > 0 {
		metrics.MessagesTotal.WithLabelValues("duplicate").Add(float64(dup))
	}
	if added > 0 {
		m.notify()
	}
	return added
}

// AddLive inserts a message pushed over the connection. It returns false if
// the id is already present (e.g. replayed after a reconnect) or empty.
func (m *Merger) AddLive(msg protocol.Message) bool {
	m.mu.Lock()
	ok := m.insertLocked(msg)
	if ok {
		m.version++
	}
	m.mu.Unlock()

	if !ok {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return false
	}
	metrics.MessagesTotal.WithLabelValues("live").Inc()
	m.notify()
	return true
}

// Contains reports whether a message id is present.
func (m *Merger) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok
}

// Len returns the number of messages.
func (m *Merger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.msgs)
}

// Snapshot returns a copy of the ordered list.
func (m *Merger) Snapshot() []protocol.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// All returns a read-only iterator over the list as of the first call to
// the iterator. The list is copied lazily, when iteration starts.
func (m *Merger) All() iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		for _, msg := range m.Snapshot() {
			if !yield(msg) {
				return
			}
		}
	}
}

// Oldest returns the oldest message, which is the cursor for the next
// history page. ok is false when the list is empty.
func (m *Merger) Oldest() (protocol.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.msgs) == 0 {
		return protocol.Message{}, false
	}
	return m.msgs[0], true
}

// Version increases every time the list changes.
func (m *Merger) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Updates returns a channel that receives a value after the list changed.
// Notifications coalesce: a reader that falls behind sees one pending
// signal, not one per message.
func (m *Merger) Updates() <-chan struct{} {
	return m.updates
}

func (m *Merger) insertLocked(msg protocol.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, dup := m.ids[msg.ID]; dup {
		return false
	}
	if msg.Kind == "" {
		msg.Kind = protocol.KindText
	}

	// Live messages almost always belong at the end.
	n := len(m.msgs)
	if n == 0 || m.msgs[n-1].Before(msg) {
		m.msgs = append(m.msgs, msg)
	} else {
		i := sort.Search(n, func(i int) bool { return msg.Before(m.msgs[i]) })
		m.msgs = append(m.msgs, protocol.Message{})
		copy(m.msgs[i+1:], m.msgs[i:])
		m.msgs[i] = msg
	}
	m.ids[msg.ID] = struct{}{}
	return true
}

func (m *Merger) notify() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}
