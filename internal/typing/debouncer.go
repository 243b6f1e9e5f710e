// Package typing turns raw local keystrokes into start/stop typing signals
// and tracks which remote users are currently typing in a room.
package typing

import (
	"sync"
	"time"

	"github.com/legalmind/roomchat/internal/clock"
)

// DefaultQuietPeriod is how long the local user must stop typing before
// typing(false) is emitted.
const DefaultQuietPeriod = 2 * time.Second

// Emitter sends a typing signal. It runs outside the debouncer's state lock,
// so Typing stays answerable while a send is slow. Signals are delivered one
// at a time in the order they were decided; an Emitter must not call
// Keystroke or MessageSent.
type Emitter func(isTyping bool)

// Debouncer emits typing(true) once at the start of a burst of keystrokes
// and typing(false) once the burst has been quiet for the quiet period, or
// immediately when a message is sent.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	quiet   time.Duration
	emit    Emitter
	typing  bool
	timer   clock.Timer
	gen     uint64 // invalidates timers that were stopped too late
	stopped bool

	// Signals are ticketed under mu and sent in ticket order under turnMu.
	turnMu sync.Mutex
	turn   *sync.Cond
	issued uint64
	served uint64
}

// NewDebouncer creates a Debouncer. A quiet period <= 0 uses
// DefaultQuietPeriod; a nil clock uses the real clock.
func NewDebouncer(c clock.Clock, quiet time.Duration, emit Emitter) *Debouncer {
	if c == nil {
		c = clock.Real()
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	d := &Debouncer{clock: c, quiet: quiet, emit: emit}
	d.turn = sync.NewCond(&d.turnMu)
	return d
}

// Keystroke records local input. The first keystroke of a burst emits
// typing(true); every keystroke re-arms the quiet timer.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	start := !d.typing
	d.typing = true

	d.stopTimerLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.expire(gen) })

	if !start {
		d.mu.Unlock()
		return
	}
	d.emitUnlock(true)
}

// MessageSent cancels the quiet timer and emits typing(false) immediately,
// whether or not a burst was in progress.
func (d *Debouncer) MessageSent() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopTimerLocked()
	d.typing = false
	d.emitUnlock(false)
}

// Typing reports whether the local user is currently marked as typing.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Stop cancels the pending timer for good. No signal is decided afterwards;
// one already handed to the emitter still completes.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.typing = false
	d.stopTimerLocked()
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.typing = false
	d.emitUnlock(false)
}

// emitUnlock releases mu and sends v once every earlier signal has been
// sent.
func (d *Debouncer) emitUnlock(v bool) {
	ticket := d.issued
	d.issued++
	d.mu.Unlock()

	d.turnMu.Lock()
	for d.served != ticket {
		d.turn.Wait()
	}
	d.turnMu.Unlock()

	defer func() {
		d.turnMu.Lock()
		d.served++
		d.turn.Broadcast()
		d.turnMu.Unlock()
	}()
	d.emit(v)
}
