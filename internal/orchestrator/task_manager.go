package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-watchdo/internal/logging"
	"github.com/randomizedcoder/go-watchdo/internal/metrics"
	"github.com/randomizedcoder/go-watchdo/internal/process"
	"github.com/randomizedcoder/go-watchdo/internal/stats"
	"github.com/randomizedcoder/go-watchdo/internal/supervisor"
	"github.com/randomizedcoder/go-watchdo/internal/trigger"
)

var (
	// ErrDuplicateTask is returned by AddTask for a name already managed.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrManagerClosed is returned by AddTask after Shutdown.
	ErrManagerClosed = errors.New("task manager is shut down")
)

// TaskManager coordinates the supervisors of every task.
// It routes restarts by name, records stats and metrics, and drains all
// supervisors on shutdown.
type TaskManager struct {
	logger       *slog.Logger
	killTimeout  time.Duration
	drainTimeout time.Duration
	backoff      supervisor.BackoffConfig
	jitter       *supervisor.JitterSource

	aggregator *stats.Aggregator
	metrics    *metrics.Collector

	// Supervisors indexed by task name
	supervisors map[string]*supervisor.Supervisor
	sinks       map[string]logging.Sink
	closed      bool
	mu          sync.RWMutex

	// Callbacks for external observers
	callbacks ManagerCallbacks

	// Counters
	activeCount  atomic.Int64
	restartCount atomic.Int64
}

// ManagerCallbacks contains optional callbacks for manager events.
type ManagerCallbacks struct {
	// OnTaskStateChange is called when any task changes state.
	OnTaskStateChange func(task string, oldState, newState supervisor.State)

	// OnTaskSettled is called when a task's debounce interval ends.
	OnTaskSettled func(task string)

	// OnTaskStart is called when a task process starts.
	OnTaskStart func(task string, pid int, runID string)

	// OnTaskDone is called when a run finishes.
	OnTaskDone func(result supervisor.RunResult)

	// OnTaskRetry is called when a failed run schedules a re-run.
	OnTaskRetry func(task string, attempt int, delay time.Duration)
}

// ManagerConfig holds configuration for the TaskManager.
type ManagerConfig struct {
	Logger       *slog.Logger
	KillTimeout  time.Duration
	DrainTimeout time.Duration
	Backoff      supervisor.BackoffConfig
	Jitter       *supervisor.JitterSource
	Callbacks    ManagerCallbacks

	// Optional recorders
	Aggregator *stats.Aggregator
	Metrics    *metrics.Collector
}

// TaskOptions holds per-task settings that are not part of the TaskSpec.
type TaskOptions struct {
	Sink    logging.Sink // closed by Shutdown
	Retries int
}

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	Name          string
	State         supervisor.State
	Pid           int
	Runs          int
	Spawns        int
	RetryAttempts int
	LastExitCode  int
	LastExitKnown bool
	Uptime        time.Duration
	Command       string
}

// NewTaskManager creates a new TaskManager.
func NewTaskManager(cfg ManagerConfig) *TaskManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jitter := cfg.Jitter
	if jitter == nil {
		jitter = supervisor.NewJitterSourceFromTime()
	}

	return &TaskManager{
		logger:       logger,
		killTimeout:  cfg.KillTimeout,
		drainTimeout: cfg.DrainTimeout,
		backoff:      cfg.Backoff,
		jitter:       jitter,
		aggregator:   cfg.Aggregator,
		metrics:      cfg.Metrics,
		callbacks:    cfg.Callbacks,
		supervisors:  make(map[string]*supervisor.Supervisor),
		sinks:        make(map[string]logging.Sink),
	}
}

// AddTask creates a supervisor for spec. Nothing runs until the task is
// restarted.
func (m *TaskManager) AddTask(spec process.TaskSpec, opts TaskOptions) (*supervisor.Supervisor, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("%s: %w", spec.Name, process.ErrEmptyCommand)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.supervisors[spec.Name]; ok {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrDuplicateTask)
	}

	sink := opts.Sink
	if sink == nil {
		sink = logging.Discard
	}

	sup := supervisor.New(supervisor.Config{
		Spec:         spec,
		Sink:         sink,
		Logger:       m.logger,
		KillTimeout:  m.killTimeout,
		DrainTimeout: m.drainTimeout,
		Retries:      opts.Retries,
		Backoff:      m.backoff,
		Jitter:       m.jitter,
		Callbacks: supervisor.Callbacks{
			OnStateChange: m.handleStateChange,
			OnSettled:     m.handleSettled,
			OnStart:       m.handleStart,
			OnDone:        m.handleDone,
			OnRetry:       m.handleRetry,
		},
	})

	m.supervisors[spec.Name] = sup
	m.sinks[spec.Name] = sink

	if m.aggregator != nil {
		m.aggregator.AddTask(spec.Name)
	}
	if m.metrics != nil {
		m.metrics.AddTask(spec.Name)
	}

	m.logger.Debug("task_added", "task", spec.Name, "command", spec.CommandString(), "dir", spec.Dir)
	return sup, nil
}

// Restart restarts one task by name.
func (m *TaskManager) Restart(name string) error {
	return m.restart(name, "manual")
}

// RestartAll restarts every task and joins the errors.
func (m *TaskManager) RestartAll() error {
	return m.restartAll("manual")
}

func (m *TaskManager) restart(name, source string) error {
	sup := m.Supervisor(name)
	if sup == nil {
		return fmt.Errorf("%q: %w", name, trigger.ErrUnknownTask)
	}
	if err := sup.Restart(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	m.restartCount.Add(1)
	if m.aggregator != nil {
		if ts := m.aggregator.Task(name); ts != nil {
			ts.RecordRestart()
		}
	}
	if m.metrics != nil {
		m.metrics.RestartRequested(name, source)
	}
	m.logger.Debug("restart_requested", "task", name, "source", source)
	return nil
}

func (m *TaskManager) restartAll(source string) error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.restart(name, source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// From returns a TaskRestarter that labels its restarts with source.
func (m *TaskManager) From(source string) trigger.TaskRestarter {
	return sourcedRestarter{m: m, source: source}
}

// Restarter returns a Restarter for one task, labelled with source.
func (m *TaskManager) Restarter(name, source string) trigger.Restarter {
	return trigger.RestarterFunc(func() error {
		return m.restart(name, source)
	})
}

type sourcedRestarter struct {
	m      *TaskManager
	source string
}

func (r sourcedRestarter) Restart(name string) error { return r.m.restart(name, r.source) }
func (r sourcedRestarter) RestartAll() error         { return r.m.restartAll(r.source) }

// handleStateChange processes state changes from supervisors.
func (m *TaskManager) handleStateChange(task string, oldState, newState supervisor.State) {
	// Update active count
	wasActive := oldState == supervisor.StateRunning
	isActive := newState == supervisor.StateRunning

	if !wasActive && isActive {
		m.activeCount.Add(1)
	} else if wasActive && !isActive {
		m.activeCount.Add(-1)
	}

	if m.aggregator != nil {
		if ts := m.aggregator.Task(task); ts != nil {
			ts.SetState(newState.String())
		}
	}
	if m.metrics != nil {
		m.metrics.SetState(task, int(newState))
	}

	// Forward to external callback
	if m.callbacks.OnTaskStateChange != nil {
		m.callbacks.OnTaskStateChange(task, oldState, newState)
	}
}

func (m *TaskManager) handleSettled(task string) {
	if m.callbacks.OnTaskSettled != nil {
		m.callbacks.OnTaskSettled(task)
	}
}

// handleStart processes task start events.
func (m *TaskManager) handleStart(task string, pid int, runID string) {
	if m.aggregator != nil {
		if ts := m.aggregator.Task(task); ts != nil {
			ts.RecordStart(pid, runID)
		}
	}
	if m.metrics != nil {
		m.metrics.TaskStarted(task)
	}
	if m.callbacks.OnTaskStart != nil {
		m.callbacks.OnTaskStart(task, pid, runID)
	}
}

// handleDone processes finished runs.
func (m *TaskManager) handleDone(r supervisor.RunResult) {
	spawned := r.Pid > 0
	if m.aggregator != nil {
		m.aggregator.RecordRun(r.Task, stats.RunSample{
			RunID:     r.RunID,
			ExitCode:  r.ExitCode,
			ExitKnown: r.ExitKnown,
			Spawned:   spawned,
			Stopped:   r.Stopped,
			Failed:    r.Failed,
			Uptime:    r.Uptime,
			Lines:     r.Lines,
		})
	}
	if m.metrics != nil {
		m.metrics.RecordRun(r.Task, spawned, r.ExitCode, r.ExitKnown, r.Failed, r.Uptime, r.Lines)
	}
	if m.callbacks.OnTaskDone != nil {
		m.callbacks.OnTaskDone(r)
	}
}

// handleRetry processes retry events.
func (m *TaskManager) handleRetry(task string, attempt int, delay time.Duration) {
	if m.aggregator != nil {
		if ts := m.aggregator.Task(task); ts != nil {
			ts.RecordRetry()
		}
	}
	if m.metrics != nil {
		m.metrics.RetryScheduled(task)
	}
	if m.callbacks.OnTaskRetry != nil {
		m.callbacks.OnTaskRetry(task, attempt, delay)
	}
}

// Shutdown stops every supervisor concurrently, then flushes and closes
// the task sinks. If ctx ends first, supervisors still running have their
// process groups killed and the context error is returned.
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sups := make(map[string]*supervisor.Supervisor, len(m.supervisors))
	for name, sup := range m.supervisors {
		sups[name] = sup
	}
	m.mu.Unlock()

	m.logger.Info("shutdown_initiated", "tasks", len(sups), "active_tasks", m.ActiveCount())

	g, gctx := errgroup.WithContext(ctx)
	for name, sup := range sups {
		g.Go(func() error {
			if err := sup.Shutdown(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	// Sinks are closed once, by the first Shutdown
	m.mu.Lock()
	sinks := make([]logging.Sink, 0, len(m.sinks))
	for name, s := range m.sinks {
		sinks = append(sinks, s)
		delete(m.sinks, name)
	}
	m.mu.Unlock()
	for _, s := range sinks {
		s.Flush()
		if cerr := s.Close(); cerr != nil {
			m.logger.Warn("sink_close_failed", "error", cerr)
		}
	}

	if err != nil {
		m.logger.Warn("shutdown_incomplete", "error", err)
		return err
	}
	m.logger.Info("all_tasks_stopped")
	return nil
}

// ActiveCount returns the number of tasks whose process is alive.
func (m *TaskManager) ActiveCount() int {
	return int(m.activeCount.Load())
}

// RestartCount returns how many restarts were accepted.
func (m *TaskManager) RestartCount() int {
	return int(m.restartCount.Load())
}

// TaskCount returns the number of registered supervisors.
func (m *TaskManager) TaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.supervisors)
}

// Supervisor returns the supervisor for name, or nil.
func (m *TaskManager) Supervisor(name string) *supervisor.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supervisors[name]
}

// Names returns the task names, sorted.
func (m *TaskManager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.supervisors))
	for name := range m.supervisors {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Statuses returns the status of every task, sorted by name.
func (m *TaskManager) Statuses() []TaskStatus {
	names := m.Names()
	out := make([]TaskStatus, 0, len(names))
	for _, name := range names {
		sup := m.Supervisor(name)
		if sup == nil {
			continue
		}
		code, known := sup.LastExitCode()
		out = append(out, TaskStatus{
			Name:          name,
			State:         sup.State(),
			Pid:           sup.Pid(),
			Runs:          sup.Runs(),
			Spawns:        sup.Spawns(),
			RetryAttempts: sup.RetryAttempts(),
			LastExitCode:  code,
			LastExitKnown: known,
			Uptime:        sup.Uptime(),
			Command:       sup.Spec().CommandString(),
		})
	}
	return out
}
