// Package ratelimit throttles outbound client actions. Local keeps token
// buckets in process; Redis counts in a fixed INCR + EXPIRE window shared by
// every process acting for the same identity (e.g. one user on two devices).
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/legalmind/roomchat/internal/clock"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleTyping allows 10 typing signals per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 10, Window: 10 * time.Second}
)

// Limiter reports whether identifier may act once more under rule. A non-nil
// error means the limiter could not decide; implementations fail open and
// return true alongside it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// ---------------------------------------------------------------------------
// Local
// ---------------------------------------------------------------------------

// Local is an in-process Limiter with one token bucket per rule and
// identifier. A bucket holds Limit tokens and refills one every
// Window/Limit.
type Local struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocal creates a Local limiter. A nil clock uses the real clock.
func NewLocal(c clock.Clock) *Local {
	if c == nil {
		c = clock.Real()
	}
	return &Local{clock: c, buckets: make(map[string]*rate.Limiter)}
}

// Allow implements Limiter.
func (l *Local) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.AllowN(l.clock.Now(), 1), nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// Redis performs rate limiting checks against Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Limiter backed by the given Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Allow increments the identifier's counter for rule and sets the expiry on
// first access. On Redis errors it fails open so that an outage does not
// block sending.
func (l *Redis) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment defines the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without a TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window. Returns the full limit if the key does not exist yet or
// on Redis errors.
func (l *Redis) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
