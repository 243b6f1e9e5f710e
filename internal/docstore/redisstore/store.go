// Package redisstore implements docstore.Store on Redis. Each document is a
// hash whose field values are JSON-encoded; each collection keeps a set of
// its child keys so it can be listed. Replacements, merges and counter
// updates run as Lua scripts so concurrent writers never interleave.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/legalmind/roomchat/internal/docstore"
)

const (
	// DocPrefix is the Redis key prefix for document hashes.
	DocPrefix = "doc:"

	// markerField is present in every document hash and hidden from readers.
	markerField = "_"

	// IndexPrefix is the Redis key prefix for collection child-key sets.
	IndexPrefix = "idx:"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string // localhost:6379
	Password string
	DB       int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Addr: "localhost:6379"}
}

// Option configures a Store.
type Option func(*Store)

// WithFeed publishes changes on feed instead of Redis pub/sub.
func WithFeed(feed docstore.Feed) Option {
	return func(s *Store) { s.feed = feed }
}

// Store is a Redis-backed docstore.Store. It implements docstore.Incrementer
// and docstore.Lister.
type Store struct {
	rdb             *redis.Client
	feed            docstore.Feed
	setScript       *redis.Script
	updateScript    *redis.Script
	incrementScript *redis.Script
}

// Connect dials Redis, verifies the connection and returns a Store.
func Connect(cfg Config, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: redis connection failed: %w", err)
	}
	return New(rdb, opts...), nil
}

// New creates a Store on an existing client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:             rdb,
		setScript:       redis.NewScript(setDocLua),
		updateScript:    redis.NewScript(updateDocLua),
		incrementScript: redis.NewScript(incrementLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = newPubSubFeed(rdb)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close closes the feed and the Redis client.
func (s *Store) Close() error {
	ferr := s.feed.Close()
	if err := s.rdb.Close(); err != nil {
		return err
	}
	return ferr
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, path string) (docstore.Doc, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}
	fields, err := s.rdb.HGetAll(ctx, DocPrefix+path).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, docstore.ErrNotFound
	}
	return decodeFields(fields)
}

// Set implements docstore.Store.
func (s *Store) Set(ctx context.Context, path string, doc docstore.Doc) error {
	if err := docstore.ValidatePath(path); err != nil {
		return err
	}
	doc, err := s.resolve(ctx, doc)
	if err != nil {
		return err
	}
	parent, key := docstore.Split(path)
	args, err := encodeArgs(doc, key)
	if err != nil {
		return fmt.Errorf("redisstore: set %s: %w", path, err)
	}

	if err := s.setScript.Run(ctx, s.rdb, []string{DocPrefix + path, IndexPrefix + parent}, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: set %s: %w", path, err)
	}
	s.publish(ctx, docstore.Change{Path: path, Doc: doc})
	return nil
}

// Update implements docstore.Store.
func (s *Store) Update(ctx context.Context, path string, fields docstore.Doc) error {
	if err := docstore.ValidatePath(path); err != nil {
		return err
	}
	fields, err := s.resolve(ctx, fields)
	if err != nil {
		return err
	}
	args, err := encodeArgs(fields)
	if err != nil {
		return fmt.Errorf("redisstore: update %s: %w", path, err)
	}

	res, err := s.updateScript.Run(ctx, s.rdb, []string{DocPrefix + path}, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return docstore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redisstore: update %s: %w", path, err)
	}
	doc, err := decodePairs(res)
	if err != nil {
		return fmt.Errorf("redisstore: update %s: %w", path, err)
	}
	s.publish(ctx, docstore.Change{Path: path, Doc: doc})
	return nil
}

// Remove implements docstore.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := docstore.ValidatePath(path); err != nil {
		return err
	}
	parent, key := docstore.Split(path)

	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, DocPrefix+path)
	pipe.SRem(ctx, IndexPrefix+parent, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: remove %s: %w", path, err)
	}
	if del.Val() > 0 {
		s.publish(ctx, docstore.Change{Path: path, Removed: true})
	}
	return nil
}

// Increment implements docstore.Incrementer.
func (s *Store) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return 0, err
	}
	res, err := s.incrementScript.Run(ctx, s.rdb, []string{DocPrefix + path}, field, delta).Slice()
	if errors.Is(err, redis.Nil) {
		return 0, docstore.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redisstore: increment %s.%s: %w", path, field, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("redisstore: increment %s.%s: empty reply", path, field)
	}
	n, _ := res[0].(int64)

	pairs := make([]string, 0, len(res)-1)
	for _, v := range res[1:] {
		str, _ := v.(string)
		pairs = append(pairs, str)
	}
	if doc, err := decodePairs(pairs); err == nil {
		s.publish(ctx, docstore.Change{Path: path, Doc: doc})
	}
	return n, nil
}

// List implements docstore.Lister.
func (s *Store) List(ctx context.Context, collection string) ([]string, error) {
	if err := docstore.ValidatePath(collection); err != nil {
		return nil, err
	}
	keys, err := s.rdb.SMembers(ctx, IndexPrefix+collection).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list %s: %w", collection, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe implements docstore.Store.
func (s *Store) Subscribe(ctx context.Context, path string) (<-chan docstore.Change, error) {
	return s.feed.Subscribe(ctx, path)
}

// resolve replaces ServerTimestamp sentinels with the Redis server clock.
func (s *Store) resolve(ctx context.Context, doc docstore.Doc) (docstore.Doc, error) {
	if !docstore.HasServerTimestamp(doc) {
		return doc, nil
	}
	now, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: server time: %w", err)
	}
	return docstore.Resolve(doc, now), nil
}

// publish notifies other clients. A lost notification does not fail the
// write that caused it.
func (s *Store) publish(ctx context.Context, c docstore.Change) {
	if err := s.feed.Publish(ctx, c); err != nil {
		log.Printf("[redisstore] publish change path=%s: %v", c.Path, err)
	}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// encodeArgs flattens doc into prefix..., field1, json1, field2, json2, ...
func encodeArgs(doc docstore.Doc, prefix ...interface{}) ([]interface{}, error) {
	args := make([]interface{}, 0, len(prefix)+2*len(doc))
	args = append(args, prefix...)
	for k, v := range doc {
		if k == markerField {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		args = append(args, k, string(raw))
	}
	return args, nil
}

func decodeFields(fields map[string]string) (docstore.Doc, error) {
	doc := make(docstore.Doc, len(fields))
	for k, raw := range fields {
		if k == markerField {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("redisstore: field %s: %w", k, err)
		}
		doc[k] = v
	}
	return doc, nil
}

func decodePairs(pairs []string) (docstore.Doc, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("odd number of hash entries: %d", len(pairs))
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields[pairs[i]] = pairs[i+1]
	}
	return decodeFields(fields)
}

func decodeValue(raw string) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// setDocLua replaces a document and registers it in its collection index.
// The marker field keeps empty documents in existence. KEYS[1] = doc hash, KEYS[2] = collection index; ARGV[1] = child key,
// ARGV[2..] = field/value pairs.
const setDocLua = `
local key = KEYS[1]
local index = KEYS[2]

redis.call('DEL', key)
redis.call('HSET', key, '_', '1')
if #ARGV > 1 then
    redis.call('HSET', key, unpack(ARGV, 2))
end
redis.call('SADD', index, ARGV[1])
return 1
`

// updateDocLua merges fields into an existing document and returns it.
// Returns nil if the document does not exist.
const updateDocLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return false end
if #ARGV > 0 then
    redis.call('HSET', key, unpack(ARGV))
end
return redis.call('HGETALL', key)
`

// incrementLua adds ARGV[2] to numeric field ARGV[1], floors the result at
// zero and returns {value, field1, json1, ...}. Returns nil if the document
// does not exist.
const incrementLua = `
local key = KEYS[1]
local field = ARGV[1]
local delta = tonumber(ARGV[2])

if redis.call('EXISTS', key) == 0 then return false end

local current = tonumber(redis.call('HGET', key, field) or '0') or 0
local n = current + delta
if n < 0 then n = 0 end
redis.call('HSET', key, field, string.format('%d', n))

local all = redis.call('HGETALL', key)
table.insert(all, 1, n)
return all
`
