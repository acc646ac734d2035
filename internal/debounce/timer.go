// Package debounce provides a settle timer: it restarts on every Arm and
// only settles once no Arm has happened for the configured interval.
package debounce

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by WaitUntilSettled once the timer is stopped.
var ErrStopped = errors.New("debounce timer stopped")

// Timer is a restartable settle timer. The zero value is not usable; call New.
type Timer struct {
	interval  time.Duration
	onSettled func()

	mu        sync.Mutex
	gen       uint64
	timer     *time.Timer
	settled   bool
	settledCh chan struct{}
	stopCh    chan struct{}
	stopped   bool
}

// New creates a settled timer. onSettled, if set, runs on its own
// goroutine each time the timer settles after an Arm.
func New(interval time.Duration, onSettled func()) *Timer {
	if interval < 0 {
		interval = 0
	}
	settledCh := make(chan struct{})
	close(settledCh)
	return &Timer{
		interval:  interval,
		onSettled: onSettled,
		settled:   true,
		settledCh: settledCh,
		stopCh:    make(chan struct{}),
	}
}

// Interval returns the settle interval.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Arm (re)starts the settle interval. Waiters blocked in WaitUntilSettled
// keep waiting until the last Arm's interval elapses. Arm after Stop is a no-op.
func (t *Timer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.settled {
		t.settled = false
		t.settledCh = make(chan struct{})
	}
	t.timer = time.AfterFunc(t.interval, func() {
		t.fire(gen)
	})
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.settled || t.stopped {
		t.mu.Unlock()
		return
	}
	t.settled = true
	close(t.settledCh)
	cb := t.onSettled
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// IsSettled reports whether no Arm is pending.
func (t *Timer) IsSettled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

// WaitUntilSettled blocks until the timer settles, ctx is done, or the
// timer is stopped. It returns immediately if the timer is already settled.
func (t *Timer) WaitUntilSettled(ctx context.Context) error {
	t.mu.Lock()
	settledCh := t.settledCh
	t.mu.Unlock()

	select {
	case <-settledCh:
		return nil
	case <-t.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels any pending interval and releases waiters with ErrStopped.
// Safe to call more than once.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.stopCh)
}
