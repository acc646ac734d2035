package preflight

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheck_String(t *testing.T) {
	t.Run("passed_with_required", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   200,
			Passed:   true,
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "200") || !strings.Contains(s, "100") {
			t.Errorf("Should contain actual and required values: %s", s)
		}
	})

	t.Run("failed_check", func(t *testing.T) {
		c := Check{Name: "test_check", Required: 100, Actual: 50}
		if !strings.Contains(c.String(), "✗") {
			t.Error("Failed check should have ✗")
		}
	})

	t.Run("warning_check", func(t *testing.T) {
		c := Check{Name: "test_check", Passed: true, Warning: true, Message: "warning message"}
		s := c.String()
		if !strings.Contains(s, "⚠") || !strings.Contains(s, "warning message") {
			t.Errorf("Warning check = %q", s)
		}
	})

	t.Run("task_check", func(t *testing.T) {
		c := Check{Name: "executable", Task: "build", Passed: true, Message: "/usr/bin/make"}
		if s := c.String(); !strings.Contains(s, "build/executable: /usr/bin/make") {
			t.Errorf("Task check = %q", s)
		}
	})
}

// findCheck returns the first check with name (and task, if given).
func findCheck(t *testing.T, r *Result, task, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name && c.Task == task {
			return c
		}
	}
	t.Fatalf("no %s/%s check in %+v", task, name, r.Checks)
	return Check{}
}

func TestRunAll_ValidTask(t *testing.T) {
	dir := t.TempDir()
	result := RunAll([]Target{{Name: "t", Command: "sh", Dir: dir, Watch: []string{dir}}})

	for _, name := range []string{"working_dir", "executable", "watch_paths"} {
		if c := findCheck(t, result, "t", name); !c.Passed {
			t.Errorf("%s failed: %s", name, c.Message)
		}
	}
	if c := findCheck(t, result, "", "inotify_watches"); !c.Passed {
		t.Errorf("inotify_watches must only warn: %s", c.Message)
	}
	if !result.Passed && findCheck(t, result, "", "file_descriptors").Passed &&
		findCheck(t, result, "", "process_limit").Passed {
		t.Error("Result failed although every check passed")
	}
}

func TestRunAll_NoWatchSkipsInotify(t *testing.T) {
	result := RunAll([]Target{{Name: "t", Command: "sh", Dir: t.TempDir()}})
	for _, c := range result.Checks {
		if c.Name == "inotify_watches" || c.Name == "watch_paths" {
			t.Errorf("unexpected %s check without watch paths", c.Name)
		}
	}
}

func TestRunAll_MissingPieces(t *testing.T) {
	result := RunAll([]Target{{
		Name:    "broken",
		Command: "definitely-not-a-real-command-xyz",
		Dir:     "/nonexistent/dir",
		Watch:   []string{"/nonexistent/src"},
	}})

	if result.Passed {
		t.Error("Result should fail")
	}
	if c := findCheck(t, result, "broken", "executable"); c.Passed || !strings.Contains(c.Message, "not found") {
		t.Errorf("executable check = %+v", c)
	}
	if c := findCheck(t, result, "broken", "working_dir"); c.Passed {
		t.Errorf("working_dir check = %+v", c)
	}
	if c := findCheck(t, result, "broken", "watch_paths"); c.Passed || !strings.Contains(c.Message, "/nonexistent/src") {
		t.Errorf("watch_paths check = %+v", c)
	}
}

func TestCheckExecutable_RelativePath(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "build.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		command string
		pass    bool
	}{
		{"relative script", "./build.sh", true},
		{"absolute script", script, true},
		{"not executable", "./notes.txt", false},
		{"directory", "./", false},
		{"missing", "./nope.sh", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := checkExecutable(Target{Name: "t", Command: tt.command, Dir: dir})
			if c.Passed != tt.pass {
				t.Errorf("checkExecutable(%q) passed=%v, want %v: %s", tt.command, c.Passed, tt.pass, c.Message)
			}
		})
	}
}

func TestCheckWorkDir_File(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if c := checkWorkDir(Target{Dir: f}); c.Passed || !strings.Contains(c.Message, "not a directory") {
		t.Errorf("checkWorkDir(file) = %+v", c)
	}
}

func TestParseMaxProcesses(t *testing.T) {
	limits := `Limit                     Soft Limit           Hard Limit           Units
Max cpu time              unlimited            unlimited            seconds
Max processes             4096                 63408                processes
Max open files            1024                 524288               files
`
	if got := parseMaxProcesses(limits); got != 4096 {
		t.Errorf("parseMaxProcesses = %d, want 4096 (soft limit)", got)
	}
	if got := parseMaxProcesses("Max processes unlimited unlimited processes\n"); got != 1000000 {
		t.Errorf("unlimited = %d", got)
	}
	if got := parseMaxProcesses("nothing here"); got != 0 {
		t.Errorf("absent = %d", got)
	}
}

func TestCountDirs(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"a", "a/b", "c"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "a", "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if got := countDirs([]string{root}); got != 4 {
		t.Errorf("countDirs = %d, want 4", got)
	}
	if got := countDirs([]string{"/nonexistent"}); got != 0 {
		t.Errorf("countDirs(missing) = %d, want 0", got)
	}
}

func TestSuggestFix(t *testing.T) {
	testCases := []struct {
		name     string
		expected string
	}{
		{"file_descriptors", "ulimit -n"},
		{"process_limit", "ulimit -u"},
		{"executable", "install"},
		{"inotify_watches", "max_user_watches"},
		{"unknown", "documentation"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fix := suggestFix(tc.name)
			if !strings.Contains(fix, tc.expected) {
				t.Errorf("suggestFix(%q) = %q, should contain %q", tc.name, fix, tc.expected)
			}
		})
	}
}

func TestCheckFileDescriptors_Scaling(t *testing.T) {
	check1 := checkFileDescriptors(1)
	check100 := checkFileDescriptors(100)

	if check1.Warning {
		t.Skip("rlimit unavailable")
	}
	if check1.Actual <= 0 {
		t.Errorf("Actual should be positive: %d", check1.Actual)
	}
	if check100.Required <= check1.Required {
		t.Error("Required FDs should increase with more tasks")
	}
}

func TestPrintResults(t *testing.T) {
	result := &Result{
		Checks: []Check{
			{Name: "test1", Passed: true, Message: "ok"},
			{Name: "executable", Task: "t", Message: "x not found in PATH"},
		},
		Passed: false,
	}

	var buf bytes.Buffer
	PrintResults(&buf, result)
	out := buf.String()

	if !strings.HasPrefix(out, "Preflight checks:") {
		t.Errorf("missing heading: %q", out)
	}
	if !strings.Contains(out, "Fix: install the command") {
		t.Errorf("missing fix for failed check: %q", out)
	}
	if strings.Count(out, "Fix:") != 1 {
		t.Errorf("fix shown for a passing check: %q", out)
	}
}
