package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-watchdo/internal/capture"
	"github.com/randomizedcoder/go-watchdo/internal/debounce"
	"github.com/randomizedcoder/go-watchdo/internal/logging"
	"github.com/randomizedcoder/go-watchdo/internal/process"
)

// DefaultDrainTimeout bounds how long output capture may lag behind
// process exit before the output stream is closed.
const DefaultDrainTimeout = 5 * time.Second

// ErrSupervisorClosed is returned by Restart after Shutdown.
var ErrSupervisorClosed = errors.New("supervisor is shut down")

// ErrRenameTask is returned by RestartWith when the spec names another task.
var ErrRenameTask = errors.New("spec names a different task")

// Callbacks contains optional callback functions for supervisor events.
// They are called synchronously from the run goroutine and must not call
// Restart, RestartWith or Shutdown on the same supervisor.
type Callbacks struct {
	// OnStateChange is called when the task state changes.
	OnStateChange func(task string, oldState, newState State)

	// OnSettled is called when the debounce interval elapses.
	OnSettled func(task string)

	// OnStart is called when a task process starts.
	OnStart func(task string, pid int, runID string)

	// OnExit is called when a task process exits.
	OnExit func(task string, exitCode int, uptime time.Duration)

	// OnDone is called once per run that got past the debounce wait,
	// whether or not the process could be spawned.
	OnDone func(result RunResult)

	// OnRetry is called when a failed run schedules an automatic re-run.
	OnRetry func(task string, attempt int, delay time.Duration)
}

// RunResult describes one completed run.
type RunResult struct {
	Task      string
	RunID     string
	Pid       int
	ExitCode  int
	ExitKnown bool
	Stopped   bool // output capture was stopped by a restart or shutdown
	Failed    bool // not stopped, and the exit code was nonzero or unknown
	Err       error
	Uptime    time.Duration
	Lines     int64
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Spec      process.TaskSpec
	Sink      logging.Sink
	Logger    *slog.Logger
	Callbacks Callbacks

	// KillTimeout is how long a restart or shutdown waits after the
	// termination signal before sending SIGKILL. 0 waits indefinitely.
	KillTimeout time.Duration

	// DrainTimeout bounds output capture after exit (default 5s).
	DrainTimeout time.Duration

	// Retries is how many automatic re-runs a failed run may trigger.
	Retries int
	Backoff BackoffConfig
	Jitter  *JitterSource
}

// Supervisor manages the debounced restart cycle of a single task.
type Supervisor struct {
	name         string
	logger       *slog.Logger
	sink         logging.Sink
	callbacks    Callbacks
	killTimeout  time.Duration
	drainTimeout time.Duration
	retries      int

	// restartMu serializes Restart, RestartWith, retries and Shutdown.
	restartMu sync.Mutex
	timer     *debounce.Timer

	// State management
	state   State
	stateMu sync.RWMutex

	mu         sync.Mutex
	spec       process.TaskSpec
	handle     *process.Handle
	capture    *capture.Capture
	runSignal  process.TaskSpec
	signalled  bool
	stopped    bool
	stopCh     chan struct{}
	startTime  time.Time
	lastExit   int
	exitKnown  bool
	runs       int
	spawns     int
	closed     bool
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	backoff    *Backoff
	retryGen   uint64
	retryTimer *time.Timer
	attempts   int
}

// New creates a new Supervisor. Nothing runs until the first Restart.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = logging.Discard
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	backoffCfg := cfg.Backoff
	if backoffCfg.Initial <= 0 && backoffCfg.Max <= 0 {
		backoffCfg = DefaultBackoffConfig()
	}

	s := &Supervisor{
		name:         cfg.Spec.Name,
		logger:       logger,
		sink:         sink,
		callbacks:    cfg.Callbacks,
		killTimeout:  cfg.KillTimeout,
		drainTimeout: drain,
		retries:      cfg.Retries,
		state:        StateIdle,
		spec:         cfg.Spec,
		backoff:      NewBackoff(cfg.Spec.Name, cfg.Jitter, backoffCfg),
	}
	s.timer = s.newTimer(cfg.Spec.Debounce)
	return s
}

func (s *Supervisor) newTimer(interval time.Duration) *debounce.Timer {
	return debounce.New(interval, func() {
		if s.callbacks.OnSettled != nil {
			s.callbacks.OnSettled(s.name)
		}
	})
}

// Restart accepts a trigger. It stops the current run (termination signal
// if a process is alive, cancellation if still debouncing), waits for that
// run to finish, then starts a new debounce wait. It returns once the new
// run is accepted, not when its process has started.
func (s *Supervisor) Restart() error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.restartLocked(nil, false)
}

// RestartWith is Restart with a replacement TaskSpec. The new spec is used
// for this and every later run. The spec must keep the task's name; an
// empty name is filled in.
func (s *Supervisor) RestartWith(spec process.TaskSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("%s: %w", s.name, process.ErrEmptyCommand)
	}
	switch spec.Name {
	case "":
		spec.Name = s.name
	case s.name:
	default:
		return fmt.Errorf("%s: %w: %q", s.name, ErrRenameTask, spec.Name)
	}
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	return s.restartLocked(&spec, false)
}

func (s *Supervisor) restartLocked(spec *process.TaskSpec, fromRetry bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	if !fromRetry {
		s.cancelRetryLocked()
		s.attempts = 0
	}
	cancel := s.cancelRun
	done := s.runDone
	s.mu.Unlock()

	// Cancel first so a run that settles right now cannot spawn after
	// StopTaskProc has looked for its process.
	if cancel != nil {
		s.sink.Debug(fmt.Sprintf("Cancelling timer for %s", s.name))
		cancel()
	}
	s.StopTaskProc()

	if done != nil {
		select {
		case <-done:
		default:
			s.sink.Debug(fmt.Sprintf("Waiting for the previous run of %s to finish", s.name))
			s.waitRun(context.Background(), done)
		}
	}

	s.mu.Lock()
	if spec != nil {
		s.spec = *spec
	}
	runSpec := s.spec
	ctx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	s.cancelRun = cancelRun
	s.runDone = runDone
	s.mu.Unlock()

	if runSpec.Debounce != s.timer.Interval() {
		s.timer.Stop()
		s.timer = s.newTimer(runSpec.Debounce)
	}
	timer := s.timer

	s.sink.Debug(fmt.Sprintf("Starting new run for %s", s.name))
	timer.Arm()
	s.setState(StateDebouncing)

	go s.run(ctx, runDone, runSpec, timer)
	return nil
}

// waitRun blocks until done is closed. With a KillTimeout it force-kills
// the process group once the timeout passes; ctx cancellation also
// force-kills and then waits at most DrainTimeout more.
func (s *Supervisor) waitRun(ctx context.Context, done <-chan struct{}) error {
	var killC <-chan time.Time
	if s.killTimeout > 0 {
		t := time.NewTimer(s.killTimeout)
		defer t.Stop()
		killC = t.C
	}

	for {
		select {
		case <-done:
			return nil
		case <-killC:
			s.forceKill()
			killC = nil
		case <-ctx.Done():
			s.forceKill()
			select {
			case <-done:
			case <-time.After(s.drainTimeout):
			}
			return ctx.Err()
		}
	}
}

func (s *Supervisor) forceKill() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}

	s.logger.Warn("force_killing_process",
		"task", s.name,
		"pid", h.Pid(),
		"kill_timeout", s.killTimeout.String(),
	)
	s.sink.Warning(fmt.Sprintf("Force killing %s (pid:%d)", s.name, h.Pid()))
	if outcome, err := h.KillGroup(); outcome == process.SignalFailed {
		s.logger.Error("force_kill_failed", "task", s.name, "pid", h.Pid(), "error", err)
	}
}

// StopTaskProc stops output capture for the current run and sends the
// termination signal to its process group, once per run. It is a no-op
// when no run is in progress. When the leader has already exited but its
// output is still being drained, the exit code is recorded and the rest of
// the group is signalled. It never blocks on the process.
func (s *Supervisor) StopTaskProc() {
	s.sink.Debug(fmt.Sprintf("Attempting to stop the task process for %s", s.name))

	s.mu.Lock()
	if s.capture != nil {
		if !s.stopped {
			close(s.stopCh)
		}
		s.stopped = true
		s.capture.Stop()
	}
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		s.sink.Debug(fmt.Sprintf("No external process found for %s", s.name))
		return
	}
	pid := h.Pid()

	leaderExited := !h.IsRunning()
	if leaderExited {
		if code, known := h.ExitCode(); known {
			s.lastExit = code
			s.exitKnown = true
		}
		s.sink.Debug(fmt.Sprintf("Process finished for %s (pid:%d)", s.name, pid))
	}

	if s.signalled {
		s.mu.Unlock()
		return
	}
	s.signalled = true
	sig := s.runSignal.TermSignal
	s.mu.Unlock()

	if leaderExited {
		s.sink.Debug(fmt.Sprintf("Sending OS signal (%s) to the remaining process group of %s (pgid:%d)", sig, s.name, pid))
	} else {
		s.sink.Debug(fmt.Sprintf("Sending OS signal (%s) to %s (pid:%d)", sig, s.name, pid))
	}
	// The handle is kept until output is drained, so the group is still in
	// use here even when the leader is gone.
	outcome, err := h.SignalGroup(sig)
	switch outcome {
	case process.SignalDelivered:
		s.logger.Debug("termination_signal_sent", "task", s.name, "pid", pid, "signal", sig.String())
	case process.SignalAlreadyExited:
		s.sink.Debug(fmt.Sprintf("No exiting external process found for %s (pid:%d)", s.name, pid))
	case process.SignalFailed:
		s.sink.Error(fmt.Sprintf("Could not send signal (%s) to %s (pid:%d): %v", sig, s.name, pid, err))
		s.logger.Error("signal_delivery_failed",
			"task", s.name,
			"pid", pid,
			"signal", sig.String(),
			"error", err,
		)
	}
}

// run is one debounce-wait, spawn, capture, exit cycle.
func (s *Supervisor) run(ctx context.Context, done chan struct{}, spec process.TaskSpec, timer *debounce.Timer) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run_panic",
				"task", spec.Name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			s.sink.Critical(fmt.Sprintf("Caught unexpected error while running %s task: %v", spec.Name, r))
			s.abandonRun()
			s.setState(StateIdle)
		}
	}()

	s.sink.Debug(fmt.Sprintf("Run for %s waiting %s to settle", spec.Name, spec.Debounce))
	if err := timer.WaitUntilSettled(ctx); err != nil {
		s.sink.Debug(fmt.Sprintf("Debounce wait for %s cancelled", spec.Name))
		return
	}

	result := s.runOnce(ctx, spec)
	if result == nil {
		return
	}

	s.setState(StateIdle)
	if s.callbacks.OnDone != nil {
		s.callbacks.OnDone(*result)
	}
	s.scheduleRetry(*result)
}

// runOnce spawns the process and follows it to exit. It returns nil when
// ctx was cancelled before the spawn.
func (s *Supervisor) runOnce(ctx context.Context, spec process.TaskSpec) *RunResult {
	runID := uuid.NewString()

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.runs++
	s.sink.Debug(fmt.Sprintf("Running %s command [%s]", spec.Name, spec.CommandString()))
	h, err := process.Start(spec)
	if err != nil {
		s.mu.Unlock()

		s.logger.Error("failed_to_start_process",
			"task", spec.Name,
			"run_id", runID,
			"error", err,
		)
		s.sink.Error(err.Error())
		s.sink.Error(fmt.Sprintf("FAILED: %s (spawn error)", spec.Name))
		return &RunResult{Task: spec.Name, RunID: runID, Failed: true, Err: err}
	}

	capt := capture.New(spec.Name, spec.CommandString(), s.sink)
	capt.SetRunID(runID)

	s.spawns++
	s.handle = h
	s.capture = capt
	s.runSignal = spec
	s.signalled = false
	s.stopped = false
	s.stopCh = make(chan struct{})
	s.exitKnown = false
	s.lastExit = 0
	s.startTime = h.StartTime()
	s.mu.Unlock()

	pid := h.Pid()
	s.setState(StateRunning)
	s.logger.Info("task_started",
		"task", spec.Name,
		"pid", pid,
		"run_id", runID,
		"cmd", spec.CommandString(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(spec.Name, pid, runID)
	}

	captureDone := make(chan error, 1)
	go func() {
		captureDone <- capt.Run(pid, h.Output())
	}()

	// Wait for process to exit
	code, waitErr := h.Wait(context.Background())
	uptime := time.Since(h.StartTime())
	known := waitErr == nil

	s.mu.Lock()
	if known {
		s.lastExit = code
		s.exitKnown = true
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	// The handle stays published while draining so a stop can still reach
	// children left in the process group.
	captureErr := s.drainCapture(spec.Name, h, captureDone, stopCh)

	s.mu.Lock()
	stopped := s.stopped
	s.handle = nil
	s.capture = nil
	s.mu.Unlock()

	if known {
		s.sink.Debug(fmt.Sprintf("Return code for %s is %d (pid:%d)", spec.Name, code, pid))
		s.sink.Write(fmt.Sprintf("%s task (%d) exited with %d", spec.Name, pid, code))
		s.sink.Write("")
	} else {
		s.sink.Debug(fmt.Sprintf("No exit status found for %s (pid:%d): %v", spec.Name, pid, waitErr))
	}
	s.sink.Flush()

	failed := !stopped && (!known || code != 0)
	if failed {
		codeStr := "unknown"
		if known {
			codeStr = strconv.Itoa(code)
		}
		s.sink.Error(fmt.Sprintf("FAILED: %s (%s)", spec.Name, codeStr))
	}

	s.logger.Info("task_exited",
		"task", spec.Name,
		"pid", pid,
		"run_id", runID,
		"exit_code", code,
		"exit_known", known,
		"stopped", stopped,
		"failed", failed,
		"uptime", uptime.String(),
		"lines", capt.Lines(),
	)
	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(spec.Name, code, uptime)
	}

	err = captureErr
	if !known {
		err = errors.Join(waitErr, captureErr)
	}
	return &RunResult{
		Task:      spec.Name,
		RunID:     runID,
		Pid:       pid,
		ExitCode:  code,
		ExitKnown: known,
		Stopped:   stopped,
		Failed:    failed,
		Err:       err,
		Uptime:    uptime,
		Lines:     capt.Lines(),
	}
}

// drainCapture waits for the capture loop after the process has exited.
// When the run is stopped, or the drain timeout passes (a detached child
// may still hold the pipe), the output stream is closed to release it.
func (s *Supervisor) drainCapture(task string, h *process.Handle, captureDone <-chan error, stopCh <-chan struct{}) error {
	defer h.Close()

	drain := time.NewTimer(s.drainTimeout)
	defer drain.Stop()

	select {
	case err := <-captureDone:
		return err
	case <-stopCh:
		h.Close()
		return <-captureDone
	case <-drain.C:
		s.logger.Warn("capture_drain_timeout",
			"task", task,
			"timeout", s.drainTimeout.String(),
			"reason", "output stream still open after process exit",
		)
		h.Close()
		return <-captureDone
	}
}

// abandonRun kills and forgets a process left behind by a panicking run.
func (s *Supervisor) abandonRun() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.capture = nil
	s.mu.Unlock()

	if h != nil {
		h.KillGroup()
		h.Close()
	}
}

// scheduleRetry arranges an automatic re-run after a failed run.
func (s *Supervisor) scheduleRetry(result RunResult) {
	if s.retries <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if !result.Failed {
		if ShouldReset(result.Uptime, result.ExitCode) {
			s.backoff.Reset()
			s.attempts = 0
		}
		s.mu.Unlock()
		return
	}

	if s.attempts >= s.retries {
		s.mu.Unlock()
		s.logger.Warn("retries_exhausted",
			"task", result.Task,
			"retries", s.retries,
		)
		s.sink.Warning(fmt.Sprintf("Giving up on %s after %d retries", result.Task, s.retries))
		return
	}

	if result.Uptime >= BackoffResetThreshold {
		s.backoff.Reset()
	}
	delay := s.backoff.Next()
	s.attempts++
	attempt := s.attempts
	s.retryGen++
	gen := s.retryGen
	s.retryTimer = time.AfterFunc(delay, func() {
		s.retry(gen)
	})
	s.mu.Unlock()

	s.logger.Info("task_retry_scheduled",
		"task", result.Task,
		"attempt", attempt,
		"delay", delay.String(),
	)
	s.sink.Info(fmt.Sprintf("Retrying %s in %s (attempt %d of %d)", result.Task, delay.Round(time.Millisecond), attempt, s.retries))
	if s.callbacks.OnRetry != nil {
		s.callbacks.OnRetry(result.Task, attempt, delay)
	}
}

func (s *Supervisor) retry(gen uint64) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	stale := gen != s.retryGen || s.closed
	s.retryTimer = nil
	s.mu.Unlock()
	if stale {
		return
	}

	if err := s.restartLocked(nil, true); err != nil {
		s.logger.Debug("retry_skipped", "task", s.name, "error", err)
	}
}

func (s *Supervisor) cancelRetryLocked() {
	s.retryGen++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// Shutdown cancels any pending debounce wait or retry, stops the current
// process and waits for the run to settle. After Shutdown, Restart returns
// ErrSupervisorClosed. If ctx ends first, the process group is killed and
// ctx.Err() is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelRetryLocked()
	cancel := s.cancelRun
	done := s.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.timer.Stop()
	s.StopTaskProc()

	var err error
	if done != nil {
		err = s.waitRun(ctx, done)
	}

	s.setState(StateStopped)
	s.logger.Debug("supervisor_stopped", "task", s.name)
	return err
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	if oldState == StateStopped {
		s.stateMu.Unlock()
		return
	}
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(s.name, oldState, newState)
	}
}

// Name returns the task name.
func (s *Supervisor) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Spec returns the TaskSpec the next run will use.
func (s *Supervisor) Spec() process.TaskSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// LastExitCode returns the exit code of the most recent process and
// whether it is known. It is cleared when a new process is spawned.
func (s *Supervisor) LastExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit, s.exitKnown
}

// IsRunning reports whether a task process is alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.handle.IsRunning()
}

// Pid returns the pid of the live process, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || !s.handle.IsRunning() {
		return 0
	}
	return s.handle.Pid()
}

// Runs returns how many runs got past the debounce wait.
func (s *Supervisor) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Spawns returns how many processes were started.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// RetryAttempts returns the automatic re-runs used since the last trigger.
func (s *Supervisor) RetryAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Uptime returns the current uptime if running, or 0 if not.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || !s.handle.IsRunning() {
		return 0
	}
	return time.Since(s.startTime)
}
