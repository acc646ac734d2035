// Package trigger turns outside events (file changes, bus messages,
// schedules) into task restarts.
package trigger

import "errors"

// ErrUnknownTask is returned when a trigger names a task that is not managed.
var ErrUnknownTask = errors.New("unknown task")

// Restarter restarts a single task.
type Restarter interface {
	Restart() error
}

// RestarterFunc adapts a function to Restarter.
type RestarterFunc func() error

// Restart calls f.
func (f RestarterFunc) Restart() error {
	return f()
}

// TaskRestarter restarts tasks by name.
type TaskRestarter interface {
	Restart(name string) error
	RestartAll() error
}

// kicker coalesces bursts of events into single Restart calls. A Restart
// that is in progress absorbs every kick that arrives meanwhile except one.
type kicker struct {
	ch   chan struct{}
	done chan struct{}
}

func newKicker() *kicker {
	return &kicker{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (k *kicker) kick() bool {
	select {
	case k.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// run calls fire for every kick until stop is closed.
func (k *kicker) run(stop <-chan struct{}, fire func()) {
	defer close(k.done)
	for {
		select {
		case <-stop:
			return
		case <-k.ch:
			fire()
		}
	}
}
