package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// DefaultDebounce is the settle interval used when a task does not set one.
const DefaultDebounce = 500 * time.Millisecond

// DefaultTermSignal is sent to ask a task process to exit gracefully.
const DefaultTermSignal = syscall.SIGHUP

var (
	// ErrEmptyCommand is returned when a task has no argv.
	ErrEmptyCommand = errors.New("task command is empty")

	// ErrWorkDir is returned when a task's working directory is unusable.
	ErrWorkDir = errors.New("task working directory is not usable")
)

// TaskDetails is the recognised configuration table for a task.
type TaskDetails struct {
	Cmd        []string          `yaml:"cmd" json:"cmd"`
	ProjectDir string            `yaml:"projectDir" json:"projectDir"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// TaskSpec is the immutable description of what a supervisor runs.
// Values are copied on construction; callers may reuse the TaskDetails.
type TaskSpec struct {
	Name       string
	Command    []string
	Dir        string
	Env        map[string]string
	Debounce   time.Duration
	TermSignal syscall.Signal
}

// TaskOption adjusts optional TaskSpec fields.
type TaskOption func(*TaskSpec)

// WithDebounce sets the settle interval. Negative values are treated as zero.
func WithDebounce(d time.Duration) TaskOption {
	return func(s *TaskSpec) {
		if d < 0 {
			d = 0
		}
		s.Debounce = d
	}
}

// WithTermSignal sets the graceful termination signal.
func WithTermSignal(sig syscall.Signal) TaskOption {
	return func(s *TaskSpec) {
		if sig != 0 {
			s.TermSignal = sig
		}
	}
}

// NewTaskSpec validates details and builds a TaskSpec.
// The working directory must be absolute and exist; an empty ProjectDir
// resolves to the current directory.
func NewTaskSpec(name string, details TaskDetails, opts ...TaskOption) (TaskSpec, error) {
	if len(details.Cmd) == 0 || strings.TrimSpace(details.Cmd[0]) == "" {
		return TaskSpec{}, fmt.Errorf("%s: %w", name, ErrEmptyCommand)
	}

	dir := details.ProjectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return TaskSpec{}, fmt.Errorf("%s: %w: %v", name, ErrWorkDir, err)
		}
		dir = wd
	}
	if !filepath.IsAbs(dir) {
		return TaskSpec{}, fmt.Errorf("%s: %w: %q is not absolute", name, ErrWorkDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return TaskSpec{}, fmt.Errorf("%s: %w: %v", name, ErrWorkDir, err)
	}
	if !info.IsDir() {
		return TaskSpec{}, fmt.Errorf("%s: %w: %q is not a directory", name, ErrWorkDir, dir)
	}

	spec := TaskSpec{
		Name:       name,
		Command:    append([]string(nil), details.Cmd...),
		Dir:        filepath.Clean(dir),
		Debounce:   DefaultDebounce,
		TermSignal: DefaultTermSignal,
	}
	if len(details.Env) > 0 {
		spec.Env = make(map[string]string, len(details.Env))
		for k, v := range details.Env {
			spec.Env[k] = v
		}
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec, nil
}

// Environ returns the ambient environment with the task overrides applied.
// Ambient variables keep their position; new variables are appended sorted.
func (s TaskSpec) Environ() []string {
	return mergeEnv(os.Environ(), s.Env)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if !seen[key] {
				env = append(env, key+"="+v)
				seen[key] = true
			}
			continue
		}
		env = append(env, kv)
	}

	extra := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// CommandString returns the argv joined with spaces, for display only.
func (s TaskSpec) CommandString() string {
	return strings.Join(s.Command, " ")
}
