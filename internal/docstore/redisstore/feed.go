package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/legalmind/roomchat/internal/docstore"
)

// ChannelPrefix prefixes the pub/sub channel of each document path.
const ChannelPrefix = "docs:"

// pubSubFeed is the default change feed, carried on Redis pub/sub.
type pubSubFeed struct {
	rdb *redis.Client
}

func newPubSubFeed(rdb *redis.Client) *pubSubFeed {
	return &pubSubFeed{rdb: rdb}
}

func (f *pubSubFeed) Publish(ctx context.Context, c docstore.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redisstore: marshal change: %w", err)
	}
	return f.rdb.Publish(ctx, ChannelPrefix+c.Path, data).Err()
}

// Subscribe listens on the document's channel and on a pattern covering its
// descendants; only direct children are forwarded.
func (f *pubSubFeed) Subscribe(ctx context.Context, path string) (<-chan docstore.Change, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}

	ps := f.rdb.Subscribe(ctx, ChannelPrefix+path)
	if err := ps.PSubscribe(ctx, ChannelPrefix+path+"/*"); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisstore: psubscribe %s: %w", path, err)
	}
	// Wait for both confirmations so no write after Subscribe returns is missed.
	for i := 0; i < 2; i++ {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redisstore: subscribe %s: %w", path, err)
		}
	}

	out := make(chan docstore.Change, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c docstore.Change
				dec := json.NewDecoder(bytes.NewReader([]byte(msg.Payload)))
				dec.UseNumber()
				if err := dec.Decode(&c); err != nil {
					log.Printf("[redisstore] bad change on %s: %v", msg.Channel, err)
					continue
				}
				if !docstore.IsChildOf(c.Path, path) {
					continue
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

// Close is a no-op; the Redis client is owned by the Store.
func (f *pubSubFeed) Close() error {
	return nil
}
