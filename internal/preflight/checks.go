// Package preflight provides startup validation checks.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// maxWalkDirs caps the directory count used to estimate inotify usage.
const maxWalkDirs = 200000

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Task     string // Task the check belongs to, empty for host checks
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Target describes what a task needs from the host.
type Target struct {
	Name    string
	Command string // argv[0]
	Dir     string
	Watch   []string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	name := c.Name
	if c.Task != "" {
		name = c.Task + "/" + c.Name
	}
	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes the host checks and the per-task checks.
func RunAll(targets []Target) *Result {
	result := &Result{
		Checks: make([]Check, 0, 3+3*len(targets)),
		Passed: true,
	}

	result.add(checkFileDescriptors(len(targets)))
	result.add(checkProcessLimit(len(targets)))

	var watchDirs []string
	for _, t := range targets {
		result.add(checkWorkDir(t))
		result.add(checkExecutable(t))
		if len(t.Watch) > 0 {
			result.add(checkWatchPaths(t))
			watchDirs = append(watchDirs, t.Watch...)
		}
	}
	if len(watchDirs) > 0 {
		// Warning only
		result.add(checkInotifyWatches(watchDirs))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(tasks int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read limit: %v", err),
		}
	}

	// Each task holds a pipe pair, a log file and a process group
	// Plus orchestrator overhead (metrics server, watcher, bus connection)
	required := tasks*8 + 64
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d tasks)", actual, required, tasks),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(tasks int) Check {
	required := tasks + 50

	// Read soft limit from /proc/self/limits
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit from the text of
// /proc/self/limits. Returns 0 if absent.
func parseMaxProcesses(limits string) int {
	actual := 0
	for _, line := range strings.Split(limits, "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[2] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[2], "%d", &actual)
				}
			}
			break
		}
	}
	return actual
}

// checkWorkDir verifies the task directory exists.
func checkWorkDir(t Target) Check {
	c := Check{Name: "working_dir", Task: t.Name}
	info, err := os.Stat(t.Dir)
	switch {
	case err != nil:
		c.Message = fmt.Sprintf("%s: %v", t.Dir, err)
	case !info.IsDir():
		c.Message = fmt.Sprintf("%s is not a directory", t.Dir)
	default:
		c.Passed = true
		c.Message = t.Dir
	}
	return c
}

// checkExecutable verifies argv[0] resolves to an executable file.
// A path with a separator is resolved against the task directory, like
// the process start does.
func checkExecutable(t Target) Check {
	c := Check{Name: "executable", Task: t.Name}
	if t.Command == "" {
		c.Message = "command is empty"
		return c
	}

	if !strings.ContainsRune(t.Command, filepath.Separator) {
		path, err := exec.LookPath(t.Command)
		if err != nil {
			c.Message = fmt.Sprintf("%s not found in PATH", t.Command)
			return c
		}
		c.Passed = true
		c.Message = path
		return c
	}

	path := t.Command
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.Dir, path)
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		c.Message = fmt.Sprintf("%s: %v", path, err)
	case info.IsDir():
		c.Message = fmt.Sprintf("%s is a directory", path)
	case info.Mode()&0o111 == 0:
		c.Message = fmt.Sprintf("%s is not executable", path)
	default:
		c.Passed = true
		c.Message = path
	}
	return c
}

// checkWatchPaths verifies every watch root exists.
func checkWatchPaths(t Target) Check {
	c := Check{Name: "watch_paths", Task: t.Name, Passed: true}
	var missing []string
	for _, p := range t.Watch {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		c.Passed = false
		c.Message = "missing: " + strings.Join(missing, ", ")
		return c
	}
	c.Message = fmt.Sprintf("%d path(s)", len(t.Watch))
	return c
}

// checkInotifyWatches compares the watched directory count with the
// per-user inotify limit.
func checkInotifyWatches(roots []string) Check {
	data, err := os.ReadFile("/proc/sys/fs/inotify/max_user_watches")
	if err != nil {
		return Check{
			Name:    "inotify_watches",
			Passed:  true,
			Warning: true,
			Message: "unable to read limit (non-Linux?)",
		}
	}

	var limit int
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &limit)
	dirs := countDirs(roots)

	return Check{
		Name:     "inotify_watches",
		Required: dirs,
		Actual:   limit,
		Passed:   true, // Don't fail on this
		Warning:  limit < dirs,
		Message:  fmt.Sprintf("%d directories to watch, limit %d", dirs, limit),
	}
}

// countDirs counts directories below roots, stopping at maxWalkDirs.
func countDirs(roots []string) int {
	n := 0
	errLimit := errors.New("limit")
	for _, root := range roots {
		err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				n++
				if n >= maxWalkDirs {
					return errLimit
				}
			}
			return nil
		})
		if errors.Is(err, errLimit) {
			break
		}
	}
	return n
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "working_dir":
		return "create the directory or fix projectDir in the tasks file"
	case "executable":
		return "install the command or use an absolute path in cmd"
	case "watch_paths":
		return "create the paths or remove them from watch"
	case "inotify_watches":
		return "sysctl fs.inotify.max_user_watches=524288"
	default:
		return "see documentation"
	}
}
