package chat

import (
	"sync"
	"time"
)

// TypingDebouncer collapses a burst of keystrokes into one start and one stop signal. The stop
// fires delay after the last keystroke of the burst.
//
// Callbacks run with the debouncer's lock held so start and stop can never be reordered. They
// must not call back into the debouncer.
type TypingDebouncer struct {
	delay   time.Duration
	onStart func()
	onStop  func()

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	typing bool
}

func NewTypingDebouncer(delay time.Duration, onStart, onStop func()) *TypingDebouncer {
	if onStart == nil {
		onStart = func() {}
	}
	if onStop == nil {
		onStop = func() {}
	}
	return &TypingDebouncer{delay: delay, onStart: onStart, onStop: onStop}
}

// Keystroke starts a burst if none is active and restarts the inactivity timer.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.expire(gen) })

	if !d.typing {
		d.typing = true
		d.onStart()
	}
}

// expire ignores callbacks from timers that a later keystroke or Cancel already replaced.
func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || !d.typing {
		return
	}
	d.typing = false
	d.timer = nil
	d.onStop()
}

// Cancel drops the pending timer without signalling stop. It reports whether a burst was active.
func (d *TypingDebouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	was := d.typing
	d.typing = false
	return was
}

func (d *TypingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}
