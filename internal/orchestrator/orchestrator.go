package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-watchdo/internal/config"
	"github.com/randomizedcoder/go-watchdo/internal/logging"
	"github.com/randomizedcoder/go-watchdo/internal/metrics"
	"github.com/randomizedcoder/go-watchdo/internal/preflight"
	"github.com/randomizedcoder/go-watchdo/internal/stats"
	"github.com/randomizedcoder/go-watchdo/internal/supervisor"
	"github.com/randomizedcoder/go-watchdo/internal/trigger"
	"github.com/randomizedcoder/go-watchdo/internal/tui"
)

// ErrPreflightFailed is returned by Run when a preflight check fails.
var ErrPreflightFailed = errors.New("preflight checks failed (use --skip-preflight to override)")

// shutdownMargin is added to the kill and drain timeouts when waiting for
// every task to stop.
const shutdownMargin = 5 * time.Second

// Orchestrator wires tasks, triggers, metrics and the dashboard together
// and runs until a signal arrives or ctx ends.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string
	out     io.Writer // exit summary
	errOut  io.Writer // preflight report

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	aggregator    *stats.Aggregator
	manager       *TaskManager

	rings map[string]*logging.RingSink

	natsConn    *nats.Conn
	natsTrigger *trigger.NatsTrigger
	fsTriggers  []*trigger.FSTrigger
	schedule    *trigger.ScheduleTrigger
	triggerWG   sync.WaitGroup

	startTime time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVersion sets the version reported by the info metric.
func WithVersion(v string) Option {
	return func(o *Orchestrator) { o.version = v }
}

// WithOutput redirects the exit summary and preflight report.
func WithOutput(out, errOut io.Writer) Option {
	return func(o *Orchestrator) {
		o.out = out
		o.errOut = errOut
	}
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		config:     cfg,
		logger:     logger,
		version:    "dev",
		out:        os.Stdout,
		errOut:     os.Stderr,
		registry:   prometheus.NewRegistry(),
		aggregator: stats.NewAggregator(),
		rings:      make(map[string]*logging.RingSink),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: o.version,
		Tasks:   config.TaskNames(cfg),
	}, o.registry)

	o.manager = NewTaskManager(ManagerConfig{
		Logger:       logger,
		KillTimeout:  cfg.KillTimeout,
		DrainTimeout: cfg.DrainTimeout,
		Backoff: supervisor.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  0.2,
		},
		Aggregator: o.aggregator,
		Metrics:    o.metrics,
		Callbacks: ManagerCallbacks{
			OnTaskSettled: o.onSettled,
			OnTaskStart:   o.onStart,
			OnTaskDone:    o.onDone,
			OnTaskRetry:   o.onRetry,
		},
	})

	return o
}

// Run starts every task and blocks until SIGINT/SIGTERM, ctx ending, or
// the dashboard being closed. It then stops triggers and tasks and prints
// the exit summary.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	tasks, err := config.TaskSpecs(o.config)
	if err != nil {
		return err
	}

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflightTargets(tasks))
		preflight.PrintResults(o.errOut, result)
		if !result.Passed {
			return ErrPreflightFailed
		}
	}

	if o.config.MetricsAddr != "" {
		o.metricsServer = metrics.NewServerWithGatherer(o.config.MetricsAddr, o.registry, o.logger)
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if o.config.NatsURL != "" {
		if err := o.connectNats(); err != nil {
			o.stopServers()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.addTasks(ctx, tasks); err != nil {
		o.shutdown()
		return err
	}
	if err := o.startTriggers(ctx, tasks); err != nil {
		o.shutdown()
		return err
	}

	o.logger.Info("tasks_starting", "tasks", len(tasks))
	if err := o.manager.RestartAll(); err != nil {
		o.logger.Warn("initial_restart_failed", "error", err)
	}
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var program *tea.Program
	tuiDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = tea.NewProgram(tui.New(tui.Config{
			Tasks:       len(tasks),
			MetricsAddr: o.config.MetricsAddr,
			StatsSource: o,
			Restarter:   o.manager.From("tui"),
		}), tea.WithAltScreen(), tea.WithContext(ctx))
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				o.logger.Warn("tui_error", "error", err)
			}
		}()
	}

	select {
	case sig := <-sigCh:
		o.logger.Info("received_signal", "signal", sig.String())
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	case <-tuiDone:
		o.logger.Info("tui_closed")
	}

	o.shutdown()
	cancel()

	if program != nil {
		tui.SendQuit(program)
		<-tuiDone
	}

	fmt.Fprint(o.out, stats.FormatExitSummary(o.aggregator.Aggregate(), stats.SummaryConfig{
		Duration:    time.Since(o.startTime),
		MetricsAddr: o.config.MetricsAddr,
		ShowPerTask: true,
	}))

	return nil
}

// addTasks builds each task's sink and registers its supervisor.
func (o *Orchestrator) addTasks(ctx context.Context, tasks []config.Task) error {
	verbosity, err := logging.ParseVerbosity(o.config.Verbosity)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		sink := o.buildSink(t, verbosity)
		if err := sink.Open(ctx); err != nil {
			sink.Close()
			return fmt.Errorf("%s: %w", t.Spec.Name, err)
		}
		if _, err := o.manager.AddTask(t.Spec, TaskOptions{Sink: sink, Retries: t.Retries}); err != nil {
			sink.Close()
			return err
		}
	}
	return nil
}

// buildSink fans a task's output out to its log file, the bus, the
// operator log and the failure ring.
func (o *Orchestrator) buildSink(t config.Task, verbosity logging.Verbosity) *logging.MultiSink {
	name := t.Spec.Name
	var sinks []logging.Sink

	if t.LogFile != "" {
		sinks = append(sinks, logging.NewFileSink(t.LogFile, verbosity))
	}
	if o.config.NatsLogs && o.natsConn != nil {
		subject := strings.TrimSuffix(o.config.NatsPrefix, ".") + ".log." + name
		sinks = append(sinks, logging.NewNatsSink(o.natsConn, subject, verbosity, o.logger))
	}
	if o.config.EchoOutput {
		sinks = append(sinks, logging.NewSlogSink(o.logger, name, verbosity, o.config.Verbose))
	}

	ring := logging.NewRingSink()
	o.rings[name] = ring
	sinks = append(sinks, ring)

	return logging.NewMultiSink(sinks...)
}

// connectNats dials the bus used for restart requests and task logs.
func (o *Orchestrator) connectNats() error {
	conn, err := nats.Connect(o.config.NatsURL,
		nats.Name("go-watchdo"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				o.logger.Warn("nats_disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			o.logger.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", o.config.NatsURL, err)
	}
	o.natsConn = conn
	o.logger.Info("nats_connected", "url", conn.ConnectedUrl())
	return nil
}

// startTriggers starts the file watchers, bus subscriber and schedules.
func (o *Orchestrator) startTriggers(ctx context.Context, tasks []config.Task) error {
	if !o.config.NoWatch {
		exclude := trigger.WithExcludePaths(outputPaths(o.config, tasks)...)
		for _, t := range tasks {
			if len(t.Watch) == 0 {
				continue
			}
			fst, err := trigger.NewFSTrigger(t.Spec.Name, t.Watch, t.Ignore, o.manager.Restarter(t.Spec.Name, "fs"), o.logger, exclude)
			if err != nil {
				return err
			}
			o.fsTriggers = append(o.fsTriggers, fst)
			o.logger.Info("watching", "task", t.Spec.Name, "paths", t.Watch, "dirs", len(fst.WatchedPaths()))

			o.triggerWG.Add(1)
			go func() {
				defer o.triggerWG.Done()
				if err := fst.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, trigger.ErrTriggerClosed) {
					o.logger.Warn("fs_trigger_stopped", "task", t.Spec.Name, "error", err)
				}
			}()
		}
	}

	if o.natsConn != nil {
		o.natsTrigger = trigger.NewNatsTrigger(o.natsConn, o.config.NatsPrefix, o.manager.From("nats"), o.logger)
		if err := o.natsTrigger.Start(); err != nil {
			return err
		}
	}

	if !o.config.NoSchedules {
		var scheduled []config.Task
		for _, t := range tasks {
			if t.Schedule != "" {
				scheduled = append(scheduled, t)
			}
		}
		if len(scheduled) > 0 {
			st, err := trigger.NewScheduleTrigger(o.logger)
			if err != nil {
				return err
			}
			o.schedule = st
			for _, t := range scheduled {
				if err := st.Add(t.Spec.Name, t.Schedule, o.manager.Restarter(t.Spec.Name, "schedule")); err != nil {
					return err
				}
			}
			st.Start()
		}
	}
	return nil
}

// shutdown stops triggers first so nothing restarts a task being stopped,
// then the tasks, then the servers.
func (o *Orchestrator) shutdown() {
	if o.metricsServer != nil {
		o.metricsServer.SetReady(false)
	}

	for _, fst := range o.fsTriggers {
		fst.Close()
	}
	o.triggerWG.Wait()
	if o.natsTrigger != nil {
		o.natsTrigger.Stop()
	}
	if o.schedule != nil {
		if err := o.schedule.Stop(); err != nil {
			o.logger.Warn("schedule_stop_failed", "error", err)
		}
	}

	timeout := o.config.KillTimeout + o.config.DrainTimeout + shutdownMargin
	if o.config.KillTimeout == 0 {
		// Processes may take forever; wait for them.
		timeout = 0
	}
	shutdownCtx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, timeout)
		defer cancel()
	}
	if err := o.manager.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}

	o.stopServers()
}

// stopServers closes the metrics server and the bus connection.
func (o *Orchestrator) stopServers() {
	if o.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
		o.metricsServer = nil
	}
	if o.natsConn != nil {
		if err := o.natsConn.Drain(); err != nil {
			o.natsConn.Close()
		}
		o.natsConn = nil
	}
}

// Callback handlers

func (o *Orchestrator) onSettled(task string) {
	if o.natsTrigger != nil {
		o.natsTrigger.Settled(task)
	}
}

func (o *Orchestrator) onStart(task string, pid int, runID string) {
	if ring := o.rings[task]; ring != nil {
		ring.Reset()
	}
}

func (o *Orchestrator) onDone(r supervisor.RunResult) {
	if !r.Failed {
		return
	}
	attrs := []any{"task", r.Task, "run_id", r.RunID}
	if r.ExitKnown {
		attrs = append(attrs, "exit_code", r.ExitCode)
	}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	if ring := o.rings[r.Task]; ring != nil && o.config.OutputLines > 0 {
		attrs = append(attrs, "output_tail", ring.RecentLines(o.config.OutputLines))
		if counts := ring.CountErrors(); len(counts) > 0 {
			attrs = append(attrs, "error_patterns", counts)
		}
	}
	o.logger.Warn("task_failed", attrs...)
}

func (o *Orchestrator) onRetry(task string, attempt int, delay time.Duration) {
	if o.config.Verbose {
		o.logger.Debug("task_retry_scheduled",
			"task", task,
			"attempt", attempt,
			"delay", delay.String(),
		)
	}
}

// preflightTargets maps resolved tasks to preflight targets.
// outputPaths lists the files and directories go-watchdo itself writes.
// Watchers skip them so a task's log output never restarts a task.
func outputPaths(cfg *config.Config, tasks []config.Task) []string {
	var paths []string
	if cfg.LogDir != "" {
		paths = append(paths, cfg.LogDir)
	}
	for _, t := range tasks {
		if t.LogFile != "" {
			paths = append(paths, t.LogFile)
		}
	}
	return paths
}

func preflightTargets(tasks []config.Task) []preflight.Target {
	targets := make([]preflight.Target, 0, len(tasks))
	for _, t := range tasks {
		var argv0 string
		if len(t.Spec.Command) > 0 {
			argv0 = t.Spec.Command[0]
		}
		targets = append(targets, preflight.Target{
			Name:    t.Spec.Name,
			Command: argv0,
			Dir:     t.Spec.Dir,
			Watch:   t.Watch,
		})
	}
	return targets
}

// GetAggregatedStats returns a stats snapshot for the dashboard.
func (o *Orchestrator) GetAggregatedStats() *stats.AggregatedStats {
	return o.aggregator.Aggregate()
}

// TaskManager returns the task manager for external access.
func (o *Orchestrator) TaskManager() *TaskManager {
	return o.manager
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the Prometheus registry the collector is registered with.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
