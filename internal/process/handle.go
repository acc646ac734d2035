// Package process provides the handle for one spawned task process.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrExitUnknown is returned by Wait when the process ended without a
// usable exit status.
var ErrExitUnknown = errors.New("process exit status unknown")

// SpawnError reports that a task command could not be started.
type SpawnError struct {
	Task string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Task, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// SignalOutcome is the result of delivering a signal to a task process.
type SignalOutcome int

const (
	// SignalDelivered means the signal was accepted by the kernel.
	SignalDelivered SignalOutcome = iota

	// SignalAlreadyExited means the process was gone before delivery.
	SignalAlreadyExited

	// SignalFailed means delivery failed for another reason.
	SignalFailed
)

// String returns a human-readable name for the outcome.
func (o SignalOutcome) String() string {
	switch o {
	case SignalDelivered:
		return "delivered"
	case SignalAlreadyExited:
		return "already_exited"
	case SignalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle represents exactly one spawned OS process. The process runs in
// its own process group and its stdout and stderr share one pipe.
type Handle struct {
	task      string
	cmd       *exec.Cmd
	pid       int
	output    *os.File
	startTime time.Time

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// Start spawns the task described by spec. The combined output stream is
// available from Output immediately; nothing written by the child is lost
// because the kernel pipe buffers it until the first read.
func Start(spec TaskSpec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, &SpawnError{Task: spec.Name, Err: ErrEmptyCommand}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Task: spec.Name, Path: spec.Command[0], Err: err}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Environ()
	cmd.Stdout = w
	cmd.Stderr = w

	// Own process group so the termination signal reaches shell wrappers
	// and everything they started.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Task: spec.Name, Path: spec.Command[0], Err: err}
	}

	// The child holds its own copy of the write end; closing ours makes
	// EOF arrive once the child (and its group) is gone.
	w.Close()

	h := &Handle{
		task:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		output:    r,
		startTime: startTime,
		done:      make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

// reap waits for the process and records its exit status.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	code, known := exitStatus(err)

	h.mu.Lock()
	h.exitCode = code
	if !known {
		h.exitErr = fmt.Errorf("%w: %v", ErrExitUnknown, err)
	}
	h.mu.Unlock()

	close(h.done)
}

// Pid returns the process identifier.
func (h *Handle) Pid() int {
	return h.pid
}

// StartTime returns when the process was spawned.
func (h *Handle) StartTime() time.Time {
	return h.startTime
}

// Output returns the combined stdout/stderr stream.
func (h *Handle) Output() io.Reader {
	return h.output
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsRunning reports whether the process has not yet been reaped.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code and whether it is known. The code is not
// known while the process is still running.
func (h *Handle) ExitCode() (int, bool) {
	if h.IsRunning() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exitErr == nil
}

// Signal delivers sig to the process group. It never panics or blocks and
// reports an expected exit race as SignalAlreadyExited rather than an error.
func (h *Handle) Signal(sig syscall.Signal) (SignalOutcome, error) {
	if !h.IsRunning() {
		return SignalAlreadyExited, nil
	}

	err := syscall.Kill(-h.pid, sig)
	if err == nil {
		return SignalDelivered, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return SignalAlreadyExited, nil
	}
	return SignalFailed, err
}

// Kill force-stops the process group.
func (h *Handle) Kill() (SignalOutcome, error) {
	return h.Signal(syscall.SIGKILL)
}

// SignalGroup delivers sig to the process group even after the leader has
// been reaped, reaching children that outlived it. Callers must only use it
// while the group is known to be in use, such as while its output pipe is
// still open; a fully exited group reports SignalAlreadyExited.
func (h *Handle) SignalGroup(sig syscall.Signal) (SignalOutcome, error) {
	err := syscall.Kill(-h.pid, sig)
	if err == nil {
		return SignalDelivered, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return SignalAlreadyExited, nil
	}
	return SignalFailed, err
}

// KillGroup is SignalGroup with SIGKILL.
func (h *Handle) KillGroup() (SignalOutcome, error) {
	return h.SignalGroup(syscall.SIGKILL)
}

// Wait blocks until the process exits or ctx is done. It is safe to call
// from several goroutines and concurrently with Signal.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, h.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close releases the read end of the output pipe. A blocked reader of
// Output returns with an error. Safe to call multiple times.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.output.Close()
	})
	return err
}

// exitStatus extracts the exit code from a Wait() error.
// The boolean is false when no exit status could be recovered.
func exitStatus(err error) (int, bool) {
	if err == nil {
		return 0, true
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal()), true
			}
			return status.ExitStatus(), true
		}
		return exitErr.ExitCode(), true
	}

	// Unknown error, assume exit code 1
	return 1, false
}
