package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-watchdo/internal/config"
	"github.com/randomizedcoder/go-watchdo/internal/metrics"
)

func resetGlobals(t *testing.T) {
	t.Helper()
	oldCfg, oldAdHoc := cfg, adHoc
	cfg = config.DefaultConfig()
	adHoc = config.AdHocFlags{}
	t.Cleanup(func() {
		cfg, adHoc = oldCfg, oldAdHoc
	})
}

func TestExitReasons(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]float64
		want string
	}{
		{"nil", nil, "-"},
		{"all zero", map[string]float64{"error": 0}, "-"},
		{"sorted", map[string]float64{"success": 5, "error": 2, "signal": 0}, "error=2 success=5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitReasons(tt.in); got != tt.want {
				t.Errorf("exitReasons() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, "http://127.0.0.1:17092/metrics", &metrics.Status{
		Version: "1.0.0",
		Tasks: []metrics.TaskStatus{
			{
				Name: "build", State: "running", Restarts: 3, Runs: 2,
				LastExitKnown: true, LastExitCode: 1,
				RunCount: 2, RunTimeMean: 1500 * time.Millisecond,
				ExitsByReason: map[string]float64{"error": 1, "success": 1},
			},
			{Name: "lint", State: "idle"},
		},
	})

	out := buf.String()
	for _, want := range []string{"go-watchdo 1.0.0 at http://127.0.0.1:17092/metrics", "TASK", "build", "running", "1.5s", "error=1 success=1", "lint"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q:\n%s", want, out)
		}
	}
}

func TestPrintStatus_NoTasks(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, "u", &metrics.Status{})
	out := buf.String()
	if !strings.Contains(out, "go-watchdo unknown at u") || !strings.Contains(out, "no tasks") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestLoadTasks_AdHoc(t *testing.T) {
	resetGlobals(t)
	adHoc.Name = "hello"
	adHoc.Dir = t.TempDir()

	if err := loadTasks([]string{"echo", "hi"}); err != nil {
		t.Fatalf("loadTasks: %v", err)
	}
	tc, ok := cfg.Tasks["hello"]
	if !ok {
		t.Fatalf("task hello missing: %v", cfg.Tasks)
	}
	if len(tc.Cmd) != 2 || tc.Cmd[0] != "echo" {
		t.Errorf("Cmd = %v", tc.Cmd)
	}
}

func TestLoadTasks_BothSources(t *testing.T) {
	resetGlobals(t)
	cfg.TasksFile = "watchdo.yaml"
	if err := loadTasks([]string{"make"}); err == nil {
		t.Error("expected an error for --tasks together with a command")
	}
}

func TestLoadTasks_File(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	doc := "tasks:\n  build:\n    cmd: [make, all]\n    watch: [src]\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.TasksFile = path

	if err := loadTasks(nil); err != nil {
		t.Fatalf("loadTasks: %v", err)
	}
	if cfg.Tasks["build"].ProjectDir != dir {
		t.Errorf("ProjectDir = %q, want %q", cfg.Tasks["build"].ProjectDir, dir)
	}
	if !filepath.IsAbs(cfg.TasksFile) {
		t.Errorf("TasksFile should be absolute, got %q", cfg.TasksFile)
	}
}

func TestLoadTasks_NoDefaultFile(t *testing.T) {
	resetGlobals(t)
	t.Chdir(t.TempDir())
	err := loadTasks(nil)
	if err == nil || !strings.Contains(err.Error(), defaultTasksFile) {
		t.Errorf("expected missing %s error, got %v", defaultTasksFile, err)
	}
}
