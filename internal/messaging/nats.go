// Package messaging provides a NATS client wrapper used as the change feed
// of the shared document store: every write publishes a docstore.Change on a
// subject derived from the document path, so other processes watching a room
// or a user's memberships see it without polling.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/legalmind/roomchat/internal/docstore"
)

// SubjectDocs prefixes document change subjects: a change to
// "communityMembers/r1/u1" is published on "docs.communityMembers.r1.u1".
const SubjectDocs = "docs"

// feedBuffer is the per-subscription channel capacity.
const feedBuffer = 64

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "roomchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject under key and stores the
// subscription for later cleanup.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()

	return nil
}

// Flush round-trips to the server so that subscriptions registered before
// the call are active.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
		return err
	}

	log.Printf("[nats] client closed")
	return nil
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Document change feed
// ---------------------------------------------------------------------------

// DocSubject maps a document path to its NATS subject.
func DocSubject(path string) string {
	return SubjectDocs + "." + strings.ReplaceAll(path, "/", ".")
}

// Feed adapts a NATSClient to docstore.Feed.
type Feed struct {
	client *NATSClient
}

// NewFeed creates a change feed on client.
func NewFeed(client *NATSClient) *Feed {
	return &Feed{client: client}
}

// Publish implements docstore.Feed.
func (f *Feed) Publish(ctx context.Context, change docstore.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("messaging: marshal change: %w", err)
	}
	return f.client.Publish(DocSubject(change.Path), data)
}

// Subscribe implements docstore.Feed. It listens on the document's subject
// and on the wildcard subject of its direct children.
func (f *Feed) Subscribe(ctx context.Context, path string) (<-chan docstore.Change, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}

	out := make(chan docstore.Change, feedBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	handler := func(msg *nats.Msg) {
		var change docstore.Change
		dec := json.NewDecoder(bytes.NewReader(msg.Data))
		dec.UseNumber()
		if err := dec.Decode(&change); err != nil {
			log.Printf("[nats] bad change on %s: %v", msg.Subject, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- change:
		default:
			log.Printf("[nats] subscriber for %s is full, dropping change to %s", path, change.Path)
		}
	}

	id := uuid.New().String()
	keys := []string{id + ":doc", id + ":children"}
	subjects := []string{DocSubject(path), DocSubject(path) + ".*"}
	for i := range keys {
		if err := f.client.Subscribe(keys[i], subjects[i], handler); err != nil {
			for _, k := range keys[:i] {
				_ = f.client.unsubscribe(k)
			}
			return nil, err
		}
	}
	if err := f.client.Flush(); err != nil {
		log.Printf("[nats] flush after subscribe %s: %v", path, err)
	}

	go func() {
		<-ctx.Done()
		for _, k := range keys {
			if err := f.client.unsubscribe(k); err != nil {
				log.Printf("[nats] %v", err)
			}
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Close implements docstore.Feed by closing the underlying client.
func (f *Feed) Close() error {
	return f.client.Close()
}
