package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/legalmind/roomchat/internal/docstore"
)

const (
	listenerMinReconnect = 1 * time.Second
	listenerMaxReconnect = 30 * time.Second
	subscriberBuffer     = 64
)

// Subscribe implements docstore.Store. Each subscription holds its own
// listener connection for the lifetime of ctx.
func (s *Store) Subscribe(ctx context.Context, path string) (<-chan docstore.Change, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}

	l := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Printf("[pgstore] listener for %s disconnected: %v", path, err)
		case pq.ListenerEventReconnected:
			log.Printf("[pgstore] listener for %s reconnected", path)
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("[pgstore] listener for %s connect failed: %v", path, err)
		}
	})
	if err := l.Listen(Channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		_ = l.Close()
		return nil, fmt.Errorf("pgstore: listen %s: %w", path, err)
	}

	out := make(chan docstore.Change, subscriberBuffer)
	go func() {
		defer close(out)
		defer l.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-l.Notify:
				if !ok {
					return
				}
				// nil follows a reconnect; changes in the gap are lost.
				if n == nil {
					continue
				}
				c, err := decodeChange(n.Extra)
				if err != nil {
					log.Printf("[pgstore] bad change: %v", err)
					continue
				}
				if !docstore.IsChildOf(c.Path, path) {
					continue
				}
				if !c.Removed && c.Doc == nil {
					c = s.refetch(ctx, c.Path)
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// refetch reads a document whose change was sent without a body.
func (s *Store) refetch(ctx context.Context, path string) docstore.Change {
	doc, err := s.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Change{Path: path, Removed: true}
	}
	if err != nil {
		log.Printf("[pgstore] refetch %s: %v", path, err)
	}
	if doc == nil {
		doc = docstore.Doc{}
	}
	return docstore.Change{Path: path, Doc: doc}
}

func decodeChange(payload string) (docstore.Change, error) {
	var c docstore.Change
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return docstore.Change{}, err
	}
	return c, nil
}
