package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// flagCategories orders the usage output of the run command.
var flagCategories = []struct {
	title string
	names []string
}{
	{"Tasks", []string{"tasks", "only", "name", "dir", "watch", "ignore", "schedule"}},
	{"Task Defaults", []string{"debounce", "signal", "retries"}},
	{"Stopping", []string{"kill-timeout", "drain-timeout"}},
	{"Retry Backoff", []string{"backoff-initial", "backoff-max", "backoff-multiply"}},
	{"Task Output", []string{"log-dir", "verbosity", "echo", "output-lines"}},
	{"Triggers", []string{"no-watch", "no-schedules", "nats", "nats-prefix", "nats-logs"}},
	{"Observability", []string{"metrics", "v", "log-format", "log-level", "tui"}},
	{"Diagnostics", []string{"skip-preflight"}},
}

// BindFlags registers every option of cfg on fs, using the current
// values of cfg as defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	// Tasks
	fs.StringVarP(&cfg.TasksFile, "tasks", "f", cfg.TasksFile, "YAML tasks file")
	fs.StringSliceVar(&cfg.Only, "only", cfg.Only, "Run only these tasks from the tasks file (repeatable)")

	// Task defaults
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "Settle interval after a trigger before the task runs")
	fs.StringVar(&cfg.TermSignal, "signal", cfg.TermSignal, "Signal sent to a running task on restart")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Automatic re-runs after a failed run")

	// Stopping
	fs.DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "Send SIGKILL if a task ignores its signal this long (0 = wait forever)")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "How long output capture may lag behind a task's exit")

	// Retry backoff
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First retry delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Largest retry delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Retry delay growth factor")

	// Task output
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Write each task's output to <log-dir>/<task>.log")
	fs.StringVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, `Task log verbosity: "silent", "critical", "error", "warning", "info", "debug", "trace" or 0-6`)
	fs.BoolVar(&cfg.EchoOutput, "echo", cfg.EchoOutput, "Forward task output to the operator log")
	fs.IntVar(&cfg.OutputLines, "output-lines", cfg.OutputLines, "Output lines logged when a run fails")

	// Triggers
	fs.BoolVar(&cfg.NoWatch, "no-watch", cfg.NoWatch, "Disable file watching")
	fs.BoolVar(&cfg.NoSchedules, "no-schedules", cfg.NoSchedules, "Disable scheduled restarts")
	fs.StringVar(&cfg.NatsURL, "nats", cfg.NatsURL, "NATS server URL for restart requests (empty = disabled)")
	fs.StringVar(&cfg.NatsPrefix, "nats-prefix", cfg.NatsPrefix, "NATS subject prefix")
	fs.BoolVar(&cfg.NatsLogs, "nats-logs", cfg.NatsLogs, "Publish task output to <prefix>.log.<task>")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "trace", "debug", "info", "warn" or "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show the live terminal dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
}

// AdHocFlags holds the options for a single task given on the command line.
type AdHocFlags struct {
	Name     string
	Dir      string
	Watch    []string
	Ignore   []string
	Schedule string
}

// BindAdHocFlags registers the single-task options on fs.
func BindAdHocFlags(fs *pflag.FlagSet, f *AdHocFlags) {
	fs.StringVar(&f.Name, "name", f.Name, "Task name when the command is given as arguments")
	fs.StringVar(&f.Dir, "dir", f.Dir, "Working directory when the command is given as arguments")
	fs.StringSliceVarP(&f.Watch, "watch", "w", f.Watch, "Paths to watch when the command is given as arguments")
	fs.StringSliceVar(&f.Ignore, "ignore", f.Ignore, "Glob patterns to ignore when the command is given as arguments")
	fs.StringVar(&f.Schedule, "schedule", f.Schedule, "Restart schedule (duration or 5-field cron) when the command is given as arguments")
}

// PrintUsage writes the flags of fs grouped by category.
func PrintUsage(w io.Writer, fs *pflag.FlagSet) {
	seen := make(map[string]bool)
	for _, cat := range flagCategories {
		var lines []string
		for _, name := range cat.names {
			if f := fs.Lookup(name); f != nil && !f.Hidden {
				lines = append(lines, formatFlag(f))
				seen[name] = true
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", cat.title)
		for _, l := range lines {
			fmt.Fprint(w, l)
		}
	}

	var rest []string
	fs.VisitAll(func(f *pflag.Flag) {
		if !seen[f.Name] && !f.Hidden {
			rest = append(rest, formatFlag(f))
		}
	})
	if len(rest) > 0 {
		fmt.Fprintf(w, "\nOther:\n")
		for _, l := range rest {
			fmt.Fprint(w, l)
		}
	}
}

// formatFlag renders one flag line for PrintUsage.
func formatFlag(f *pflag.Flag) string {
	var b strings.Builder
	b.WriteString("  ")
	if f.Shorthand != "" {
		fmt.Fprintf(&b, "-%s, ", f.Shorthand)
	}
	fmt.Fprintf(&b, "--%s", f.Name)
	if t := flagType(f); t != "" {
		b.WriteString(" " + t)
	}
	fmt.Fprintf(&b, "\n    \t%s", f.Usage)
	if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
		fmt.Fprintf(&b, " (default %s)", f.DefValue)
	}
	b.WriteString("\n")
	return b.String()
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch t := f.Value.Type(); t {
	case "bool":
		return ""
	case "stringSlice":
		return "strings"
	case "float64":
		return "float"
	default:
		return t
	}
}
