package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/legalmind/roomchat/internal/clock"
)

// DefaultTTL bounds how long a remote typing(true) is honoured without a
// matching typing(false), e.g. when the remote client disconnects mid-burst.
const DefaultTTL = 6 * time.Second

// Presence is the set of remote users currently typing in a room. The local
// user's own id is never part of the set. Each entry carries a timer that
// drops it once the ttl passes without a fresh typing(true).
type Presence struct {
	mu       sync.Mutex
	clock    clock.Clock
	selfID   string
	ttl      time.Duration
	users    map[string]*typer
	onExpire func(users []string)
}

type typer struct {
	at    time.Time // last typing(true)
	timer clock.Timer
}

// NewPresence creates an empty set that ignores selfID. A ttl <= 0 uses
// DefaultTTL; a nil clock uses the real clock.
func NewPresence(c clock.Clock, selfID string, ttl time.Duration) *Presence {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Presence{
		clock:  c,
		selfID: selfID,
		ttl:    ttl,
		users:  make(map[string]*typer),
	}
}

// OnExpire registers fn to receive the remaining set whenever a ttl drops a
// user. fn runs on the clock's timer goroutine without the Presence lock.
func (p *Presence) OnExpire(fn func(users []string)) {
	p.mu.Lock()
	p.onExpire = fn
	p.mu.Unlock()
}

// Apply records a remote typing signal. It returns true if the visible set
// changed.
func (p *Presence) Apply(userID string, isTyping bool) bool {
	if userID == "" || userID == p.selfID {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.expireLocked(now)

	cur, present := p.users[userID]
	if present {
		cur.timer.Stop()
	}
	if isTyping {
		e := &typer{at: now}
		e.timer = p.clock.AfterFunc(p.ttl, func() { p.expire(userID, e) })
		p.users[userID] = e
		return !present
	}
	if present {
		delete(p.users, userID)
		return true
	}
	return false
}

// Users returns the ids currently typing, sorted.
func (p *Presence) Users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(p.clock.Now())
	return p.usersLocked()
}

// Any reports whether anyone else is typing.
func (p *Presence) Any() bool {
	return len(p.Users()) > 0
}

// Clear forgets every remote typer, e.g. after the connection dropped.
func (p *Presence) Clear() {
	p.mu.Lock()
	for _, e := range p.users {
		e.timer.Stop()
	}
	p.users = make(map[string]*typer)
	p.mu.Unlock()
}

func (p *Presence) expire(userID string, e *typer) {
	p.mu.Lock()
	if p.users[userID] != e {
		p.mu.Unlock()
		return
	}
	delete(p.users, userID)
	users := p.usersLocked()
	fn := p.onExpire
	p.mu.Unlock()

	if fn != nil {
		fn(users)
	}
}

// expireLocked drops entries whose timer is due but has not run yet.
func (p *Presence) expireLocked(now time.Time) {
	for id, e := range p.users {
		if now.Sub(e.at) >= p.ttl {
			e.timer.Stop()
			delete(p.users, id)
		}
	}
}

func (p *Presence) usersLocked() []string {
	out := make([]string, 0, len(p.users))
	for id := range p.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
