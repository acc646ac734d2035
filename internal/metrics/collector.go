// Package metrics provides Prometheus metrics for go-watchdo.
//
// Every metric is labelled by task. The Collector owns its metric vectors,
// so several collectors can live in one process (tests use private
// registries).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names read back by the scraper.
const (
	namespace = "watchdo"

	MetricInfo         = namespace + "_info"
	MetricTasks        = namespace + "_tasks"
	MetricTaskState    = namespace + "_task_state"
	MetricTaskRunning  = namespace + "_task_running"
	MetricTaskRestarts = namespace + "_task_restarts_total"
	MetricTaskRuns     = namespace + "_task_runs_total"
	MetricTaskSpawns   = namespace + "_task_spawns_total"
	MetricTaskFailures = namespace + "_task_failures_total"
	MetricTaskRetries  = namespace + "_task_retries_total"
	MetricTaskExits    = namespace + "_task_exits_total"
	MetricTaskLines    = namespace + "_task_output_lines_total"
	MetricTaskRunTime  = namespace + "_task_run_duration_seconds"
	MetricTaskLastExit = namespace + "_task_last_exit_code"
)

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Tasks   []string
}

// Collector records task lifecycle events as Prometheus metrics.
type Collector struct {
	info      *prometheus.GaugeVec
	tasks     prometheus.Gauge
	state     *prometheus.GaugeVec
	running   *prometheus.GaugeVec
	restarts  *prometheus.CounterVec
	runs      *prometheus.CounterVec
	spawns    *prometheus.CounterVec
	failures  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	exits     *prometheus.CounterVec
	lines     *prometheus.CounterVec
	runTime   *prometheus.HistogramVec
	lastExit  *prometheus.GaugeVec
	startTime time.Time

	mu         sync.Mutex
	registered map[string]struct{}
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricInfo,
				Help: "Information about the watchdo process (value always 1)",
			},
			[]string{"version"},
		),
		tasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricTasks,
				Help: "Number of supervised tasks",
			},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricTaskState,
				Help: "Current supervisor state (0=idle 1=debouncing 2=running 3=stopped)",
			},
			[]string{"task"},
		),
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricTaskRunning,
				Help: "1 while the task process is alive",
			},
			[]string{"task"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskRestarts,
				Help: "Restart triggers accepted",
			},
			[]string{"task", "source"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskRuns,
				Help: "Runs that got past the debounce wait",
			},
			[]string{"task"},
		),
		spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskSpawns,
				Help: "Processes started",
			},
			[]string{"task"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskFailures,
				Help: "Runs that were not stopped and ended with a nonzero or unknown exit code",
			},
			[]string{"task"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskRetries,
				Help: "Automatic re-runs scheduled after failures",
			},
			[]string{"task"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskExits,
				Help: "Process exits by category (success, error, signal, unknown)",
			},
			[]string{"task", "category"},
		),
		lines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskLines,
				Help: "Output lines captured",
			},
			[]string{"task"},
		),
		runTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: MetricTaskRunTime,
				Help: "Process run time distribution",
				Buckets: []float64{
					0.01, 0.05, 0.1, 0.25, 0.5,
					1, 2.5, 5, 10, 30,
					60, 300, 900, 3600,
				},
			},
			[]string{"task"},
		),
		lastExit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricTaskLastExit,
				Help: "Exit code of the most recent process (-1 = unknown)",
			},
			[]string{"task"},
		),
		startTime:  time.Now(),
		registered: make(map[string]struct{}),
	}

	registry.MustRegister(
		c.info,
		c.tasks,
		c.state,
		c.running,
		c.restarts,
		c.runs,
		c.spawns,
		c.failures,
		c.retries,
		c.exits,
		c.lines,
		c.runTime,
		c.lastExit,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version).Set(1)
	for _, task := range cfg.Tasks {
		c.AddTask(task)
	}

	return c
}

// AddTask initialises the per-task series so they export zero values.
func (c *Collector) AddTask(task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registered[task]; ok {
		return
	}
	c.registered[task] = struct{}{}
	c.tasks.Set(float64(len(c.registered)))

	c.state.WithLabelValues(task).Set(0)
	c.running.WithLabelValues(task).Set(0)
	c.runs.WithLabelValues(task)
	c.spawns.WithLabelValues(task)
	c.failures.WithLabelValues(task)
	c.lines.WithLabelValues(task)
}

// RemoveTask deletes every series of task.
func (c *Collector) RemoveTask(task string) {
	c.mu.Lock()
	delete(c.registered, task)
	c.tasks.Set(float64(len(c.registered)))
	c.mu.Unlock()

	labels := prometheus.Labels{"task": task}
	c.state.DeletePartialMatch(labels)
	c.running.DeletePartialMatch(labels)
	c.restarts.DeletePartialMatch(labels)
	c.runs.DeletePartialMatch(labels)
	c.spawns.DeletePartialMatch(labels)
	c.failures.DeletePartialMatch(labels)
	c.retries.DeletePartialMatch(labels)
	c.exits.DeletePartialMatch(labels)
	c.lines.DeletePartialMatch(labels)
	c.runTime.DeletePartialMatch(labels)
	c.lastExit.DeletePartialMatch(labels)
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RestartRequested records an accepted trigger from source.
func (c *Collector) RestartRequested(task, source string) {
	c.restarts.WithLabelValues(task, source).Inc()
}

// SetState records the supervisor state as its ordinal.
func (c *Collector) SetState(task string, state int) {
	c.state.WithLabelValues(task).Set(float64(state))
}

// TaskStarted records a process start.
func (c *Collector) TaskStarted(task string) {
	c.spawns.WithLabelValues(task).Inc()
	c.running.WithLabelValues(task).Set(1)
}

// RetryScheduled records an automatic re-run.
func (c *Collector) RetryScheduled(task string) {
	c.retries.WithLabelValues(task).Inc()
}

// RecordRun records a finished run. spawned is false when the process
// could not be started.
func (c *Collector) RecordRun(task string, spawned bool, exitCode int, exitKnown, failed bool, uptime time.Duration, lines int64) {
	c.runs.WithLabelValues(task).Inc()
	if failed {
		c.failures.WithLabelValues(task).Inc()
	}
	if lines > 0 {
		c.lines.WithLabelValues(task).Add(float64(lines))
	}
	if !spawned {
		return
	}

	c.running.WithLabelValues(task).Set(0)
	c.exits.WithLabelValues(task, ExitCategory(exitCode, exitKnown)).Inc()
	c.runTime.WithLabelValues(task).Observe(uptime.Seconds())
	if exitKnown {
		c.lastExit.WithLabelValues(task).Set(float64(exitCode))
	} else {
		c.lastExit.WithLabelValues(task).Set(-1)
	}
}

// ExitCategory buckets an exit code for the exits counter.
func ExitCategory(exitCode int, known bool) string {
	switch {
	case !known:
		return "unknown"
	case exitCode == 0:
		return "success"
	case exitCode > 128:
		return "signal"
	default:
		return "error"
	}
}

// Tasks returns the number of registered tasks.
func (c *Collector) Tasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registered)
}

// Uptime returns how long the collector has existed.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
