package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-watchdo/internal/config"
	"github.com/randomizedcoder/go-watchdo/internal/metrics"
)

// syncBuffer is a bytes.Buffer safe for the orchestrator and the test to
// share.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testConfig(t *testing.T, tasks map[string]config.TaskConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tasks = tasks
	cfg.Debounce = 20 * time.Millisecond
	cfg.KillTimeout = 2 * time.Second
	cfg.DrainTimeout = time.Second
	cfg.MetricsAddr = ""
	cfg.SkipPreflight = true
	return cfg
}

func runsOf(o *Orchestrator, name string) int {
	for _, st := range o.TaskManager().Statuses() {
		if st.Name == name {
			return st.Runs
		}
	}
	return 0
}

func TestOrchestrator_RunRestartsOnFileChange(t *testing.T) {
	taskDir := t.TempDir()
	srcDir := filepath.Join(taskDir, "src")
	require.NoError(t, os.Mkdir(srcDir, 0o755))
	logDir := t.TempDir()

	cfg := testConfig(t, map[string]config.TaskConfig{
		"hello": {
			Cmd:        []string{"sh", "-c", "echo hello from task"},
			ProjectDir: taskDir,
			Watch:      []string{"src"},
		},
	})
	cfg.LogDir = logDir

	var out, errOut syncBuffer
	o := New(cfg, discardLogger(), WithVersion("1.2.3"), WithOutput(&out, &errOut))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Every task runs once at startup
	require.Eventually(t, func() bool { return runsOf(o, "hello") == 1 }, 5*time.Second, 10*time.Millisecond)

	// A change below the watch root triggers another run
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.c"), []byte("int main;"), 0o644))
	require.Eventually(t, func() bool { return runsOf(o, "hello") >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	summary := out.String()
	require.Contains(t, summary, "go-watchdo Exit Summary")
	require.Contains(t, summary, "hello")

	log, err := os.ReadFile(filepath.Join(logDir, "hello.log"))
	require.NoError(t, err)
	require.Contains(t, string(log), "hello from task")

	// Restarts are labelled by source
	families, err := o.Registry().Gather()
	require.NoError(t, err)
	var fsRestarts, startupRestarts float64
	for _, mf := range families {
		if mf.GetName() != metrics.MetricTaskRestarts {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() != "source" {
					continue
				}
				switch l.GetValue() {
				case "fs":
					fsRestarts += m.GetCounter().GetValue()
				case "manual":
					startupRestarts += m.GetCounter().GetValue()
				}
			}
		}
	}
	require.GreaterOrEqual(t, fsRestarts, 1.0)
	require.Equal(t, 1.0, startupRestarts)
}

func TestOrchestrator_PreflightFailure(t *testing.T) {
	cfg := testConfig(t, map[string]config.TaskConfig{
		"broken": {
			Cmd:        []string{"definitely-not-a-real-command-xyz"},
			ProjectDir: t.TempDir(),
		},
	})
	cfg.SkipPreflight = false

	var out, errOut syncBuffer
	o := New(cfg, discardLogger(), WithOutput(&out, &errOut))

	err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrPreflightFailed)
	require.Contains(t, errOut.String(), "broken/executable")
	require.Equal(t, 0, o.TaskManager().TaskCount())
}

func TestOrchestrator_InvalidTask(t *testing.T) {
	cfg := testConfig(t, map[string]config.TaskConfig{
		"nodir": {
			Cmd:        []string{"true"},
			ProjectDir: filepath.Join(t.TempDir(), "missing"),
		},
	})

	err := New(cfg, discardLogger(), WithOutput(&syncBuffer{}, &syncBuffer{})).Run(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "nodir"), err.Error())
}

func TestOrchestrator_MetricsInfo(t *testing.T) {
	cfg := testConfig(t, map[string]config.TaskConfig{
		"a": {Cmd: []string{"true"}, ProjectDir: t.TempDir()},
	})
	o := New(cfg, discardLogger(), WithVersion("9.9.9"))

	families, err := o.Registry().Gather()
	require.NoError(t, err)

	var version string
	for _, mf := range families {
		if mf.GetName() == metrics.MetricInfo {
			for _, l := range mf.GetMetric()[0].GetLabel() {
				if l.GetName() == "version" {
					version = l.GetValue()
				}
			}
		}
	}
	require.Equal(t, "9.9.9", version)
	require.NotNil(t, o.Metrics())
}

func TestPreflightTargets(t *testing.T) {
	cfg := testConfig(t, map[string]config.TaskConfig{
		"b": {Cmd: []string{"make", "all"}, ProjectDir: t.TempDir(), Watch: []string{"src"}},
	})
	tasks, err := config.TaskSpecs(cfg)
	require.NoError(t, err)

	targets := preflightTargets(tasks)
	require.Len(t, targets, 1)
	require.Equal(t, "b", targets[0].Name)
	require.Equal(t, "make", targets[0].Command)
	require.Equal(t, tasks[0].Spec.Dir, targets[0].Dir)
	require.Equal(t, []string{filepath.Join(tasks[0].Spec.Dir, "src")}, targets[0].Watch)
}

func TestOrchestrator_LogInsideWatchRootDoesNotLoop(t *testing.T) {
	taskDir := t.TempDir()
	cfg := testConfig(t, map[string]config.TaskConfig{
		"loop": {
			Cmd:        []string{"sh", "-c", "echo one; echo two"},
			ProjectDir: taskDir,
			Watch:      []string{"."},
			LogFile:    "loop.log",
		},
	})
	cfg.LogDir = filepath.Join(taskDir, "logs")
	require.NoError(t, os.Mkdir(cfg.LogDir, 0o755))

	o := New(cfg, discardLogger(), WithOutput(&syncBuffer{}, &syncBuffer{}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return runsOf(o, "loop") == 1 }, 5*time.Second, 10*time.Millisecond)

	// Several debounce intervals pass with only the task's own output written
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, runsOf(o, "loop"))

	cancel()
	require.NoError(t, <-done)

	log, err := os.ReadFile(filepath.Join(cfg.LogDir, "loop.log"))
	require.NoError(t, err)
	require.Contains(t, string(log), "two")
}

func TestOutputPaths(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogDir = "/var/log/watchdo"
	tasks := []config.Task{
		{LogFile: "/var/log/watchdo/a.log"},
		{},
		{LogFile: "/src/b/b.log"},
	}
	require.Equal(t, []string{"/var/log/watchdo", "/var/log/watchdo/a.log", "/src/b/b.log"}, outputPaths(cfg, tasks))

	require.Empty(t, outputPaths(config.DefaultConfig(), []config.Task{{}}))
}
