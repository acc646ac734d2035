package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestRegistry creates a new registry for isolated testing.
func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// newTestCollector creates a collector with a test registry.
func newTestCollector(cfg CollectorConfig) (*Collector, *prometheus.Registry) {
	registry := newTestRegistry()
	c := NewCollectorWithRegistry(cfg, registry)
	return c, registry
}

// =============================================================================
// Tests: NewCollector
// =============================================================================

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{Version: "1.2.3", Tasks: []string{"a", "b", "a"}})

	if c.Tasks() != 2 {
		t.Errorf("Tasks() = %d, want 2", c.Tasks())
	}
	if got := testutil.ToFloat64(c.tasks); got != 2 {
		t.Errorf("%s = %v, want 2", MetricTasks, got)
	}
	if got := testutil.ToFloat64(c.info.WithLabelValues("1.2.3")); got != 1 {
		t.Errorf("%s{version=1.2.3} = %v, want 1", MetricInfo, got)
	}
}

func TestNewCollector_DefaultVersion(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	if got := testutil.ToFloat64(c.info.WithLabelValues("dev")); got != 1 {
		t.Errorf("%s{version=dev} = %v, want 1", MetricInfo, got)
	}
}

func TestNewCollector_TwoRegistries(t *testing.T) {
	// Instance-owned vectors: two collectors must not collide.
	a, _ := newTestCollector(CollectorConfig{Tasks: []string{"x"}})
	b, _ := newTestCollector(CollectorConfig{Tasks: []string{"x"}})

	a.TaskStarted("x")
	if got := testutil.ToFloat64(b.spawns.WithLabelValues("x")); got != 0 {
		t.Errorf("second collector saw spawns = %v", got)
	}
}

// =============================================================================
// Tests: Event Recording
// =============================================================================

func TestCollector_TaskLifecycle(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{Tasks: []string{"build"}})

	c.RestartRequested("build", "fs")
	c.RestartRequested("build", "fs")
	c.RestartRequested("build", "nats")
	c.SetState("build", 2)
	c.TaskStarted("build")

	if got := testutil.ToFloat64(c.running.WithLabelValues("build")); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.state.WithLabelValues("build")); got != 2 {
		t.Errorf("state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.restarts.WithLabelValues("build", "fs")); got != 2 {
		t.Errorf("restarts{fs} = %v, want 2", got)
	}

	c.RecordRun("build", true, 2, true, true, 1500*time.Millisecond, 10)

	if got := testutil.ToFloat64(c.running.WithLabelValues("build")); got != 0 {
		t.Errorf("running after exit = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues("build")); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.failures.WithLabelValues("build")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.lines.WithLabelValues("build")); got != 10 {
		t.Errorf("lines = %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.exits.WithLabelValues("build", "error")); got != 1 {
		t.Errorf("exits{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.lastExit.WithLabelValues("build")); got != 2 {
		t.Errorf("last exit = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(c.runTime); n != 1 {
		t.Errorf("run time series = %d, want 1", n)
	}
}

func TestCollector_RecordRun_SpawnFailure(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{Tasks: []string{"t"}})

	c.RecordRun("t", false, 0, false, true, 0, 0)

	if got := testutil.ToFloat64(c.failures.WithLabelValues("t")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.exits); n != 0 {
		t.Errorf("exits recorded for a process that never started: %d", n)
	}
	if n := testutil.CollectAndCount(c.runTime); n != 0 {
		t.Errorf("run time recorded for a process that never started: %d", n)
	}
}

func TestCollector_RecordRun_UnknownExit(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	c.RecordRun("t", true, 0, false, true, time.Second, 0)

	if got := testutil.ToFloat64(c.lastExit.WithLabelValues("t")); got != -1 {
		t.Errorf("last exit = %v, want -1", got)
	}
	if got := testutil.ToFloat64(c.exits.WithLabelValues("t", "unknown")); got != 1 {
		t.Errorf("exits{unknown} = %v, want 1", got)
	}
}

func TestCollector_RetryScheduled(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{})
	c.RetryScheduled("t")
	c.RetryScheduled("t")
	if got := testutil.ToFloat64(c.retries.WithLabelValues("t")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
}

func TestCollector_RemoveTask(t *testing.T) {
	c, _ := newTestCollector(CollectorConfig{Tasks: []string{"a", "b"}})
	c.TaskStarted("a")
	c.RecordRun("a", true, 0, true, false, time.Second, 1)

	c.RemoveTask("a")

	if c.Tasks() != 1 {
		t.Errorf("Tasks() = %d, want 1", c.Tasks())
	}
	if n := testutil.CollectAndCount(c.spawns); n != 1 {
		t.Errorf("spawn series after removal = %d, want 1 (task b)", n)
	}
	if n := testutil.CollectAndCount(c.runTime); n != 0 {
		t.Errorf("run time series after removal = %d, want 0", n)
	}
}

func TestExitCategory(t *testing.T) {
	tests := []struct {
		code  int
		known bool
		want  string
	}{
		{0, true, "success"},
		{1, true, "error"},
		{128, true, "error"},
		{137, true, "signal"},
		{0, false, "unknown"},
	}

	for _, tt := range tests {
		if got := ExitCategory(tt.code, tt.known); got != tt.want {
			t.Errorf("ExitCategory(%d, %v) = %q, want %q", tt.code, tt.known, got, tt.want)
		}
	}
}
