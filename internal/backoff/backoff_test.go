package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/legalmind/roomchat/internal/clock"
)

func TestDefaultDelays(t *testing.T) {
	p := DefaultPolicy()
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
	}
	for n, want := range expected {
		if got := p.Delay(n); got != want {
			t.Errorf("Delay(%d): expected %s, got %s", n, want, got)
		}
	}
}

func TestDelayNeverExceedsCap(t *testing.T) {
	p := DefaultPolicy()
	for n := 0; n < 200; n++ {
		if got := p.Delay(n); got > p.Cap {
			t.Fatalf("Delay(%d) = %s exceeds cap %s", n, got, p.Cap)
		}
	}
	if got := p.Delay(-3); got != p.Base {
		t.Fatalf("negative attempt: expected %s, got %s", p.Base, got)
	}
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	for n := 0; n < 5; n++ {
		if p.Exhausted(n) {
			t.Fatalf("attempt %d should still be within budget", n)
		}
	}
	if !p.Exhausted(5) {
		t.Fatal("attempt 5 should exhaust the budget")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	p := Policy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Wait(ctx, nil, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitElapses(t *testing.T) {
	p := Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 3}
	if err := p.Wait(context.Background(), nil, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitFollowsInjectedClock(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 10 * time.Second, MaxAttempts: 5}
	c := clock.NewFake(time.Unix(0, 0))

	done := make(chan error, 1)
	go func() { done <- p.Wait(context.Background(), c, 2) }()

	deadline := time.Now().Add(5 * time.Second)
	for c.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Wait never armed a timer on the injected clock")
		}
		time.Sleep(time.Millisecond)
	}

	c.Advance(4*time.Second - time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Wait returned before the delay elapsed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.Advance(time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return once the fake clock reached the delay")
	}
	if c.Pending() != 0 {
		t.Fatalf("timer left armed: %d", c.Pending())
	}
}
