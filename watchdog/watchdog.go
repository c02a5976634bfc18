package watchdog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Watchdog is a single-fire cancellable deadline.
type Watchdog struct {
	mu      sync.Mutex
	timer   Timer
	fired   atomic.Bool
	stopped atomic.Bool
}

// Start arms a deadline that calls fire once after d unless stopped first.
func Start(clock Clock, d time.Duration, fire func()) *Watchdog {
	if clock == nil {
		clock = Real()
	}
	w := &Watchdog{}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer = clock.AfterFunc(d, func() {
		if w.stopped.Load() {
			return
		}
		if !w.fired.CompareAndSwap(false, true) {
			return
		}
		if fire != nil {
			fire()
		}
	})
	return w
}

// Stop cancels the deadline. It reports whether the call prevented the
// deadline from firing; stopping after it fired is a no-op.
func (w *Watchdog) Stop() bool {
	if w == nil {
		return false
	}
	if !w.stopped.CompareAndSwap(false, true) {
		return false
	}
	if w.fired.Load() {
		return false
	}
	w.mu.Lock()
	timer := w.timer
	w.mu.Unlock()
	if timer == nil {
		return true
	}
	timer.Stop()
	return true
}

func (w *Watchdog) Fired() bool {
	if w == nil {
		return false
	}
	return w.fired.Load()
}
