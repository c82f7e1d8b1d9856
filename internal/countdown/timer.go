// Package countdown implements the authoritative per-session countdown clock.
package countdown

// Timer counts whole seconds down to zero. It is driven by Tick, called once
// per second by the owning session loop, and is not safe for concurrent use.
type Timer struct {
	remaining int
	started   bool
	stopped   bool
	expired   bool
	onExpire  func()
}

// New creates a stopped timer. onExpire may be nil.
func New(initialSeconds int, onExpire func()) *Timer {
	return &Timer{remaining: initialSeconds, onExpire: onExpire}
}

// Start begins counting. Calling it again, or after Stop or expiry, has no
// effect.
func (t *Timer) Start() {
	if t.expired || t.stopped {
		return
	}
	t.started = true
}

// Stop halts counting for good without firing expiry.
func (t *Timer) Stop() {
	t.started = false
	t.stopped = true
}

// Tick advances the clock by one second. Ticks before Start or after
// expiry are ignored. A timer created with zero or negative seconds expires
// on its first tick without decrementing.
func (t *Timer) Tick() {
	if !t.started || t.expired {
		return
	}
	if t.remaining > 0 {
		t.remaining--
	}
	if t.remaining <= 0 {
		t.remaining = 0
		t.expire()
	}
}

func (t *Timer) expire() {
	t.expired = true
	t.started = false
	if t.onExpire != nil {
		t.onExpire()
	}
}

// Remaining returns the seconds left, never negative.
func (t *Timer) Remaining() int {
	if t.remaining < 0 {
		return 0
	}
	return t.remaining
}

// Started reports whether the timer is currently counting.
func (t *Timer) Started() bool { return t.started }

// Expired reports whether expiry has fired.
func (t *Timer) Expired() bool { return t.expired }
