package docstore

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/legalmind/roomchat/internal/clock"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind loses changes.
const subscriberBuffer = 64

// Memory is an in-process Store. It implements Incrementer and Lister.
type Memory struct {
	clock clock.Clock

	mu   sync.Mutex
	docs map[string]Doc
	subs map[*subscriber]struct{}
}

type subscriber struct {
	path string
	ch   chan Change
}

// NewMemory creates an empty Memory store. c stamps ServerTimestamp fields;
// nil means the wall clock.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real()
	}
	return &Memory{
		clock: c,
		docs:  make(map[string]Doc),
		subs:  make(map[*subscriber]struct{}),
	}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, path string) (Doc, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return Clone(doc), nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, path string, doc Doc) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	stored := Resolve(doc, m.clock.Now())

	m.mu.Lock()
	m.docs[path] = stored
	m.publishLocked(Change{Path: path, Doc: Clone(stored)})
	m.mu.Unlock()
	return nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, path string, fields Doc) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	resolved := Resolve(fields, m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return ErrNotFound
	}
	for k, v := range resolved {
		doc[k] = v
	}
	m.publishLocked(Change{Path: path, Doc: Clone(doc)})
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; !ok {
		return nil
	}
	delete(m.docs, path)
	m.publishLocked(Change{Path: path, Removed: true})
	return nil
}

// Increment implements Incrementer.
func (m *Memory) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	if err := ValidatePath(path); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return 0, ErrNotFound
	}
	n := doc.Int(field) + delta
	if n < 0 {
		n = 0
	}
	doc[field] = n
	m.publishLocked(Change{Path: path, Doc: Clone(doc)})
	return n, nil
}

// List implements Lister.
func (m *Memory) List(ctx context.Context, collection string) ([]string, error) {
	if err := ValidatePath(collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for path := range m.docs {
		if parent, key := Split(path); parent == collection {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, path string) (<-chan Change, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	sub := &subscriber{path: path, ch: make(chan Change, subscriberBuffer)}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, sub)
		close(sub.ch)
		m.mu.Unlock()
	}()
	return sub.ch, nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *Memory) publishLocked(c Change) {
	for sub := range m.subs {
		if !IsChildOf(c.Path, sub.path) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			log.Printf("[docstore] subscriber for %s is full, dropping change to %s", sub.path, c.Path)
		}
	}
}
