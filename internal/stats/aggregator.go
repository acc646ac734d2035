package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// AggregatedStats holds statistics across all tasks.
//
// This is a snapshot - values are computed at the time of Aggregate() call.
type AggregatedStats struct {
	Timestamp time.Time
	Elapsed   time.Duration

	TotalTasks   int
	RunningTasks int
	FailingTasks int // tasks whose last run failed

	TotalRestarts int64
	TotalRuns     int64
	TotalSpawns   int64
	TotalFailures int64
	TotalStopped  int64
	TotalRetries  int64
	TotalLines    int64

	ExitCodes map[int]int64

	// Run time distribution across every task
	RunTimeP50 time.Duration
	RunTimeP95 time.Duration
	RunTimeP99 time.Duration

	PerTask []Summary
}

// Aggregator owns the TaskStats of every task and a run-time digest
// across all of them.
type Aggregator struct {
	mu        sync.RWMutex
	tasks     map[string]*TaskStats
	startTime time.Time

	digestMu    sync.Mutex
	runTimes    *tdigest.TDigest
	runTimeSeen int64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		tasks:     make(map[string]*TaskStats),
		startTime: time.Now(),
		runTimes:  tdigest.NewWithCompression(digestCompression),
	}
}

// AddTask registers a task and returns its stats. Adding a name twice
// returns the existing stats.
func (a *Aggregator) AddTask(name string) *TaskStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tasks[name]; ok {
		return ts
	}
	ts := NewTaskStats(name)
	a.tasks[name] = ts
	return ts
}

// Task returns the stats for name, or nil.
func (a *Aggregator) Task(name string) *TaskStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tasks[name]
}

// RecordRun records r for task and in the overall run-time digest.
func (a *Aggregator) RecordRun(task string, r RunSample) {
	ts := a.Task(task)
	if ts == nil {
		ts = a.AddTask(task)
	}
	ts.RecordRun(r)

	if !r.Spawned {
		return
	}
	a.digestMu.Lock()
	a.runTimes.Add(float64(r.Uptime.Nanoseconds()), 1)
	a.runTimeSeen++
	a.digestMu.Unlock()
}

// Aggregate computes a snapshot across all tasks. PerTask is sorted by name.
func (a *Aggregator) Aggregate() *AggregatedStats {
	a.mu.RLock()
	tasks := make([]*TaskStats, 0, len(a.tasks))
	for _, ts := range a.tasks {
		tasks = append(tasks, ts)
	}
	a.mu.RUnlock()

	now := time.Now()
	agg := &AggregatedStats{
		Timestamp:  now,
		Elapsed:    now.Sub(a.startTime),
		TotalTasks: len(tasks),
		ExitCodes:  make(map[int]int64),
		PerTask:    make([]Summary, 0, len(tasks)),
	}

	for _, ts := range tasks {
		s := ts.Summary()
		agg.PerTask = append(agg.PerTask, s)

		agg.TotalRestarts += s.Restarts
		agg.TotalRuns += s.Runs
		agg.TotalSpawns += s.Spawns
		agg.TotalFailures += s.Failures
		agg.TotalStopped += s.Stopped
		agg.TotalRetries += s.Retries
		agg.TotalLines += s.Lines
		for code, n := range s.ExitCodes {
			agg.ExitCodes[code] += n
		}
		if s.State == "running" {
			agg.RunningTasks++
		}
		if s.LastFailed {
			agg.FailingTasks++
		}
	}
	sort.Slice(agg.PerTask, func(i, j int) bool {
		return agg.PerTask[i].Name < agg.PerTask[j].Name
	})

	a.digestMu.Lock()
	if a.runTimeSeen > 0 {
		agg.RunTimeP50 = time.Duration(a.runTimes.Quantile(0.50))
		agg.RunTimeP95 = time.Duration(a.runTimes.Quantile(0.95))
		agg.RunTimeP99 = time.Duration(a.runTimes.Quantile(0.99))
	}
	a.digestMu.Unlock()

	return agg
}
