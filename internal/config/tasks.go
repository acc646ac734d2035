package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-watchdo/internal/process"
)

// tasksFile is the on-disk layout of a tasks file.
type tasksFile struct {
	Tasks map[string]TaskConfig `yaml:"tasks"`
}

// Task is a fully resolved task ready to be supervised.
type Task struct {
	Spec     process.TaskSpec
	Watch    []string // absolute paths
	Ignore   []string
	Schedule string
	Retries  int
	LogFile  string // absolute path, empty = no file
}

// LoadTasksFile reads a YAML tasks file. Relative projectDir entries are
// resolved against the directory holding the file.
func LoadTasksFile(path string) (map[string]TaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve tasks file: %w", err)
	}
	return ParseTasks(data, filepath.Dir(abs))
}

// ParseTasks decodes a tasks document. baseDir anchors relative projectDir
// entries; a task without one runs in baseDir.
func ParseTasks(data []byte, baseDir string) (map[string]TaskConfig, error) {
	var f tasksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("tasks file defines no tasks")
	}

	for name, tc := range f.Tasks {
		switch {
		case tc.ProjectDir == "":
			tc.ProjectDir = baseDir
		case !filepath.IsAbs(tc.ProjectDir):
			tc.ProjectDir = filepath.Join(baseDir, tc.ProjectDir)
		}
		f.Tasks[name] = tc
	}
	return f.Tasks, nil
}

// AdHocTask builds a one-entry task table from a command given as
// arguments. Without --watch the working directory is watched.
func AdHocTask(f AdHocFlags, args []string) (map[string]TaskConfig, error) {
	if len(args) == 0 {
		return nil, process.ErrEmptyCommand
	}

	name := f.Name
	if name == "" {
		name = filepath.Base(args[0])
	}

	dir := f.Dir
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve --dir: %w", err)
	}

	watch := f.Watch
	if len(watch) == 0 {
		watch = []string{"."}
	}

	return map[string]TaskConfig{
		name: {
			Cmd:        append([]string(nil), args...),
			ProjectDir: dir,
			Watch:      append([]string(nil), watch...),
			Ignore:     append([]string(nil), f.Ignore...),
			Schedule:   f.Schedule,
		},
	}, nil
}

// TaskNames returns the names selected by cfg.Only (or every task),
// sorted.
func TaskNames(cfg *Config) []string {
	var names []string
	if len(cfg.Only) > 0 {
		for _, n := range cfg.Only {
			if _, ok := cfg.Tasks[n]; ok {
				names = append(names, n)
			}
		}
	} else {
		for n := range cfg.Tasks {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// TaskSpecs resolves the selected tasks of cfg. Every problem is reported,
// joined.
func TaskSpecs(cfg *Config) ([]Task, error) {
	var (
		tasks []Task
		errs  []error
	)

	for _, name := range TaskNames(cfg) {
		t, err := resolveTask(cfg, name, cfg.Tasks[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks = append(tasks, t)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tasks, nil
}

func resolveTask(cfg *Config, name string, tc TaskConfig) (Task, error) {
	debounce := cfg.Debounce
	if tc.Debounce != "" {
		d, err := time.ParseDuration(tc.Debounce)
		if err != nil {
			return Task{}, ValidationError{Field: "tasks." + name + ".debounce", Message: err.Error()}
		}
		debounce = d
	}

	sigName := cfg.TermSignal
	if tc.Signal != "" {
		sigName = tc.Signal
	}
	sig, err := process.ParseSignal(sigName)
	if err != nil {
		return Task{}, ValidationError{Field: "tasks." + name + ".signal", Message: err.Error()}
	}

	spec, err := process.NewTaskSpec(name, process.TaskDetails{
		Cmd:        tc.Cmd,
		ProjectDir: tc.ProjectDir,
		Env:        tc.Env,
	}, process.WithDebounce(debounce), process.WithTermSignal(sig))
	if err != nil {
		return Task{}, err
	}

	retries := cfg.Retries
	if tc.Retries != nil {
		retries = *tc.Retries
	}

	t := Task{
		Spec:     spec,
		Ignore:   append([]string(nil), tc.Ignore...),
		Schedule: tc.Schedule,
		Retries:  retries,
		LogFile:  logFilePath(cfg.LogDir, spec.Dir, name, tc.LogFile),
	}
	for _, w := range tc.Watch {
		if !filepath.IsAbs(w) {
			w = filepath.Join(spec.Dir, w)
		}
		t.Watch = append(t.Watch, filepath.Clean(w))
	}
	return t, nil
}

// logFilePath places a task's log file. A relative logFile is anchored in
// logDir when set, else in the task directory.
func logFilePath(logDir, taskDir, name, logFile string) string {
	switch {
	case logFile != "" && filepath.IsAbs(logFile):
		return logFile
	case logFile != "" && logDir != "":
		return filepath.Join(logDir, logFile)
	case logFile != "":
		return filepath.Join(taskDir, logFile)
	case logDir != "":
		return filepath.Join(logDir, name+".log")
	default:
		return ""
	}
}
