// Package stats provides per-task and aggregated run statistics.
//
// This file implements TaskStats which tracks one supervised task:
//   - Trigger, run, spawn and failure counts
//   - Exit code distribution
//   - Run time distribution (T-Digest)
//   - Last run identity and outcome
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression keeps each digest around ~100 centroids (~10KB).
const digestCompression = 100

// RunSample describes one finished run.
type RunSample struct {
	RunID     string
	ExitCode  int
	ExitKnown bool
	Spawned   bool
	Stopped   bool
	Failed    bool
	Uptime    time.Duration
	Lines     int64
}

// TaskStats holds statistics for one task.
//
// Thread-safe: counters are atomics, the rest is guarded by mu.
type TaskStats struct {
	Name      string
	StartTime time.Time

	Restarts atomic.Int64
	Runs     atomic.Int64
	Spawns   atomic.Int64
	Failures atomic.Int64
	Stopped  atomic.Int64
	Retries  atomic.Int64
	Lines    atomic.Int64

	mu            sync.Mutex
	state         string
	pid           int
	exitCodes     map[int]int64
	runTimes      *tdigest.TDigest
	runTimeCount  int64
	runTimeTotal  time.Duration
	runTimeMin    time.Duration
	runTimeMax    time.Duration
	lastRunID     string
	lastExit      int
	lastExitKnown bool
	lastFailed    bool
	lastFinished  time.Time
}

// NewTaskStats creates stats for the named task.
func NewTaskStats(name string) *TaskStats {
	return &TaskStats{
		Name:      name,
		StartTime: time.Now(),
		state:     "idle",
		exitCodes: make(map[int]int64),
		runTimes:  tdigest.NewWithCompression(digestCompression),
	}
}

// RecordRestart counts an accepted trigger.
func (s *TaskStats) RecordRestart() {
	s.Restarts.Add(1)
}

// RecordRetry counts an automatic re-run.
func (s *TaskStats) RecordRetry() {
	s.Retries.Add(1)
}

// RecordStart notes a spawned process.
func (s *TaskStats) RecordStart(pid int, runID string) {
	s.Spawns.Add(1)

	s.mu.Lock()
	s.pid = pid
	s.lastRunID = runID
	s.mu.Unlock()
}

// SetState records the supervisor state name.
func (s *TaskStats) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// RecordRun folds a finished run into the stats.
func (s *TaskStats) RecordRun(r RunSample) {
	s.Runs.Add(1)
	if r.Failed {
		s.Failures.Add(1)
	}
	if r.Stopped {
		s.Stopped.Add(1)
	}
	s.Lines.Add(r.Lines)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pid = 0
	s.lastRunID = r.RunID
	s.lastExit = r.ExitCode
	s.lastExitKnown = r.ExitKnown
	s.lastFailed = r.Failed
	s.lastFinished = time.Now()

	if !r.Spawned {
		return
	}
	if r.ExitKnown {
		s.exitCodes[r.ExitCode]++
	}
	s.runTimes.Add(float64(r.Uptime.Nanoseconds()), 1)
	s.runTimeCount++
	s.runTimeTotal += r.Uptime
	if s.runTimeCount == 1 || r.Uptime < s.runTimeMin {
		s.runTimeMin = r.Uptime
	}
	if r.Uptime > s.runTimeMax {
		s.runTimeMax = r.Uptime
	}
}

// Summary is a point-in-time snapshot of TaskStats.
type Summary struct {
	Name          string
	State         string
	Pid           int
	Restarts      int64
	Runs          int64
	Spawns        int64
	Failures      int64
	Stopped       int64
	Retries       int64
	Lines         int64
	ExitCodes     map[int]int64
	LastRunID     string
	LastExitCode  int
	LastExitKnown bool
	LastFailed    bool
	LastFinished  time.Time

	RunTimeMin time.Duration
	RunTimeMax time.Duration
	RunTimeAvg time.Duration
	RunTimeP50 time.Duration
	RunTimeP95 time.Duration
	RunTimeP99 time.Duration
}

// Summary returns a snapshot.
func (s *TaskStats) Summary() Summary {
	sum := Summary{
		Name:     s.Name,
		Restarts: s.Restarts.Load(),
		Runs:     s.Runs.Load(),
		Spawns:   s.Spawns.Load(),
		Failures: s.Failures.Load(),
		Stopped:  s.Stopped.Load(),
		Retries:  s.Retries.Load(),
		Lines:    s.Lines.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum.State = s.state
	sum.Pid = s.pid
	sum.LastRunID = s.lastRunID
	sum.LastExitCode = s.lastExit
	sum.LastExitKnown = s.lastExitKnown
	sum.LastFailed = s.lastFailed
	sum.LastFinished = s.lastFinished
	sum.ExitCodes = make(map[int]int64, len(s.exitCodes))
	for code, n := range s.exitCodes {
		sum.ExitCodes[code] = n
	}

	if s.runTimeCount > 0 {
		sum.RunTimeMin = s.runTimeMin
		sum.RunTimeMax = s.runTimeMax
		sum.RunTimeAvg = s.runTimeTotal / time.Duration(s.runTimeCount)
		sum.RunTimeP50 = time.Duration(s.runTimes.Quantile(0.50))
		sum.RunTimeP95 = time.Duration(s.runTimes.Quantile(0.95))
		sum.RunTimeP99 = time.Duration(s.runTimes.Quantile(0.99))
	}
	return sum
}
