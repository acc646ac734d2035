// Package config provides configuration management for go-watchdo.
package config

import "time"

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Tasks
	TasksFile string                `json:"tasks_file"`
	Tasks     map[string]TaskConfig `json:"tasks"`
	Only      []string              `json:"only"` // run a subset of Tasks

	// Task defaults (a task's own setting wins)
	Debounce   time.Duration `json:"debounce"`
	TermSignal string        `json:"term_signal"`
	Retries    int           `json:"retries"`

	// Stop behaviour
	KillTimeout  time.Duration `json:"kill_timeout"` // 0 = wait for the process forever
	DrainTimeout time.Duration `json:"drain_timeout"`

	// Retry policy
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Task output
	LogDir      string `json:"log_dir"`
	Verbosity   string `json:"verbosity"` // silent .. trace
	EchoOutput  bool   `json:"echo_output"`
	OutputLines int    `json:"output_lines"` // lines shown after a failure

	// Triggers
	NoWatch     bool   `json:"no_watch"`
	NatsURL     string `json:"nats_url"`
	NatsPrefix  string `json:"nats_prefix"`
	NatsLogs    bool   `json:"nats_logs"`
	NoSchedules bool   `json:"no_schedules"`

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`
	TUIEnabled  bool   `json:"tui"`

	// Diagnostic modes
	SkipPreflight bool `json:"skip_preflight"`
}

// TaskConfig is one entry of the tasks file.
type TaskConfig struct {
	Cmd        []string          `yaml:"cmd" json:"cmd"`
	ProjectDir string            `yaml:"projectDir" json:"projectDir"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Watch      []string          `yaml:"watch,omitempty" json:"watch,omitempty"`
	Ignore     []string          `yaml:"ignore,omitempty" json:"ignore,omitempty"`
	Debounce   string            `yaml:"debounce,omitempty" json:"debounce,omitempty"`
	Signal     string            `yaml:"signal,omitempty" json:"signal,omitempty"`
	Schedule   string            `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Retries    *int              `yaml:"retries,omitempty" json:"retries,omitempty"`
	LogFile    string            `yaml:"logFile,omitempty" json:"logFile,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Task defaults
		Debounce:   500 * time.Millisecond,
		TermSignal: "SIGHUP",
		Retries:    0,

		// Stop behaviour
		KillTimeout:  10 * time.Second,
		DrainTimeout: 5 * time.Second,

		// Retry policy
		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		BackoffMultiply: 2.0,

		// Task output
		Verbosity:   "info",
		OutputLines: 20,

		// Triggers
		NatsPrefix: "watchdo",

		// Observability
		MetricsAddr: "0.0.0.0:17092",
		Verbose:     false,
		LogFormat:   "json",
		LogLevel:    "info",
		TUIEnabled:  false,
	}
}
