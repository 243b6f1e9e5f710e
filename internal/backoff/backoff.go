// Package backoff computes reconnect and retry delays.
//
// The delay for attempt n (counted from 0) is min(Base * 2^n, Cap). The
// caller owns the attempt counter; a Policy is a pure value.
package backoff

import (
	"context"
	"time"

	"github.com/legalmind/roomchat/internal/clock"
)

const (
	DefaultBase        = 1 * time.Second
	DefaultCap         = 10 * time.Second
	DefaultMaxAttempts = 5
)

// Policy holds the backoff parameters.
type Policy struct {
	Base        time.Duration // delay for attempt 0
	Cap         time.Duration // upper bound for any delay
	MaxAttempts int           // attempts allowed before giving up
}

// DefaultPolicy returns the standard reconnect policy: 1s, 2s, 4s, 8s, 10s
// and terminal failure after 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns min(Base * 2^attempt, Cap). Negative attempts are treated
// as 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Cap {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt has used up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Wait blocks for Delay(attempt) on c, or until ctx is done. A nil c
// means the real clock.
func (p Policy) Wait(ctx context.Context, c clock.Clock, attempt int) error {
	if c == nil {
		c = clock.Real()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	fired := make(chan struct{})
	t := c.AfterFunc(p.Delay(attempt), func() { close(fired) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-fired:
		return nil
	}
}
