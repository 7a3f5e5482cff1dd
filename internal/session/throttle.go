package session

import (
	"sync"
	"time"
)

// throttle rate-limits with trailing-edge semantics: calls inside the
// window collapse to the most recent one, which fires when the window
// closes. Intermediate calls are dropped, never delayed into later
// windows.
type throttle struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending func()
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval}
}

func (t *throttle) do(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = fn
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.fire)
	}
}

func (t *throttle) fire() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.timer = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *throttle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
}
