package typing

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/legalmind/roomchat/internal/clock"
)

type recorder struct {
	signals []bool
}

func (r *recorder) emit(isTyping bool) { r.signals = append(r.signals, isTyping) }

func (r *recorder) count(v bool) int {
	n := 0
	for _, s := range r.signals {
		if s == v {
			n++
		}
	}
	return n
}

func newTestDebouncer() (*Debouncer, *clock.Fake, *recorder) {
	c := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	return NewDebouncer(c, 2*time.Second, rec.emit), c, rec
}

func TestBurstEmitsSingleStart(t *testing.T) {
	d, c, rec := newTestDebouncer()

	for i := 0; i < 10; i++ {
		d.Keystroke()
		c.Advance(100 * time.Millisecond)
	}

	if got := rec.count(true); got != 1 {
		t.Fatalf("expected exactly one typing(true), got %d (%v)", got, rec.signals)
	}
	if got := rec.count(false); got != 0 {
		t.Fatalf("expected no typing(false) during the burst, got %d", got)
	}
	if !d.Typing() {
		t.Fatal("expected debouncer to report typing")
	}
}

func TestQuietPeriodEmitsSingleStop(t *testing.T) {
	d, c, rec := newTestDebouncer()

	d.Keystroke()
	c.Advance(1500 * time.Millisecond)
	d.Keystroke() // re-arms the timer
	c.Advance(1500 * time.Millisecond)
	if rec.count(false) != 0 {
		t.Fatalf("timer fired before the quiet period elapsed: %v", rec.signals)
	}

	c.Advance(500 * time.Millisecond)
	c.Advance(10 * time.Second)

	if want := []bool{true, false}; !reflect.DeepEqual(rec.signals, want) {
		t.Fatalf("expected %v, got %v", want, rec.signals)
	}
	if d.Typing() {
		t.Fatal("expected debouncer to be idle after the quiet period")
	}
}

func TestMessageSentStopsImmediately(t *testing.T) {
	d, c, rec := newTestDebouncer()

	d.Keystroke()
	c.Advance(500 * time.Millisecond)
	d.MessageSent()

	if want := []bool{true, false}; !reflect.DeepEqual(rec.signals, want) {
		t.Fatalf("expected %v, got %v", want, rec.signals)
	}

	// The cancelled quiet timer must not emit a second typing(false).
	c.Advance(5 * time.Second)
	if got := rec.count(false); got != 1 {
		t.Fatalf("expected exactly one typing(false), got %d", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no armed timers, got %d", c.Pending())
	}
}

func TestMessageSentWhileIdleStillEmitsStop(t *testing.T) {
	d, _, rec := newTestDebouncer()
	d.MessageSent()
	if want := []bool{false}; !reflect.DeepEqual(rec.signals, want) {
		t.Fatalf("expected %v, got %v", want, rec.signals)
	}
}

func TestNewBurstAfterStop(t *testing.T) {
	d, c, rec := newTestDebouncer()

	d.Keystroke()
	c.Advance(3 * time.Second)
	d.Keystroke()
	c.Advance(3 * time.Second)

	if want := []bool{true, false, true, false}; !reflect.DeepEqual(rec.signals, want) {
		t.Fatalf("expected %v, got %v", want, rec.signals)
	}
}

func TestStopCancelsTimers(t *testing.T) {
	d, c, rec := newTestDebouncer()

	d.Keystroke()
	d.Stop()
	c.Advance(10 * time.Second)
	d.Keystroke()
	d.MessageSent()

	if want := []bool{true}; !reflect.DeepEqual(rec.signals, want) {
		t.Fatalf("expected %v after Stop, got %v", want, rec.signals)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no armed timers after Stop, got %d", c.Pending())
	}
}

func TestSlowEmitterDoesNotHoldState(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu      sync.Mutex
		signals []bool
		first   sync.Once
	)
	d := NewDebouncer(c, 2*time.Second, func(isTyping bool) {
		first.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		signals = append(signals, isTyping)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Keystroke()
	}()
	<-entered

	answered := make(chan bool, 1)
	go func() { answered <- d.Typing() }()
	select {
	case got := <-answered:
		if !got {
			t.Fatal("expected typing while typing(true) is in flight")
		}
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("Typing blocked behind a slow emitter")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.MessageSent()
	}()
	deadline := time.Now().Add(5 * time.Second)
	for d.Typing() {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("MessageSent did not update state while an emit was in flight")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if want := []bool{true, false}; !reflect.DeepEqual(signals, want) {
		t.Fatalf("expected %v in decision order, got %v", want, signals)
	}
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func TestPresenceAddRemove(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	p := NewPresence(c, "me", time.Minute)

	if !p.Apply("alice", true) {
		t.Fatal("expected set to change when alice starts typing")
	}
	if p.Apply("alice", true) {
		t.Fatal("repeated typing(true) must not change the set")
	}
	p.Apply("bob", true)

	if got := p.Users(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("unexpected users: %v", got)
	}

	if !p.Apply("alice", false) {
		t.Fatal("expected set to change when alice stops typing")
	}
	if p.Apply("carol", false) {
		t.Fatal("typing(false) for an absent user must not change the set")
	}
	if got := p.Users(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("unexpected users: %v", got)
	}
}

func TestPresenceExcludesSelf(t *testing.T) {
	p := NewPresence(clock.NewFake(time.Unix(0, 0)), "me", 0)
	if p.Apply("me", true) {
		t.Fatal("own typing signal must be ignored")
	}
	if p.Any() {
		t.Fatal("expected empty set")
	}
}

func TestPresenceExpires(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	p := NewPresence(c, "me", 6*time.Second)

	p.Apply("alice", true)
	c.Advance(5 * time.Second)
	p.Apply("bob", true)
	c.Advance(2 * time.Second)

	if got := p.Users(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("expected only bob after alice's ttl, got %v", got)
	}

	p.Clear()
	if p.Any() {
		t.Fatal("expected empty set after Clear")
	}
}

func TestPresenceExpiryNotifies(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	p := NewPresence(c, "me", 6*time.Second)
	var got [][]string
	p.OnExpire(func(users []string) { got = append(got, users) })

	p.Apply("alice", true)
	p.Apply("bob", true)
	c.Advance(4 * time.Second)
	p.Apply("bob", true) // refresh re-arms bob's ttl
	c.Advance(2 * time.Second)

	if want := [][]string{{"bob"}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected alice's expiry to report %v, got %v", want, got)
	}

	c.Advance(4 * time.Second)
	if want := [][]string{{"bob"}, {}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected bob's expiry to report an empty set, got %v", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no armed timers once everyone expired, got %d", c.Pending())
	}
}

func TestPresenceClearStopsTimers(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	p := NewPresence(c, "me", 6*time.Second)
	fired := false
	p.OnExpire(func([]string) { fired = true })

	p.Apply("alice", true)
	p.Apply("bob", true)
	p.Apply("bob", false)
	if c.Pending() != 1 {
		t.Fatalf("expected one armed timer, got %d", c.Pending())
	}

	p.Clear()
	if c.Pending() != 0 {
		t.Fatalf("expected Clear to stop every timer, got %d", c.Pending())
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("expiry reported after Clear")
	}
}
