package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/randomizedcoder/go-watchdo/internal/logging"
	"github.com/randomizedcoder/go-watchdo/internal/process"
	"github.com/randomizedcoder/go-watchdo/internal/trigger"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Tasks) == 0 {
		errs = append(errs, ValidationError{
			Field:   "tasks",
			Message: "no tasks: give --tasks <file> or a command after --",
		})
	}

	for _, name := range cfg.Only {
		if _, ok := cfg.Tasks[name]; !ok {
			errs = append(errs, ValidationError{
				Field:   "only",
				Message: fmt.Sprintf("unknown task %q", name),
			})
		}
	}

	names := make([]string, 0, len(cfg.Tasks))
	for name := range cfg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, validateTask(name, cfg.Tasks[name])...)
	}

	if cfg.Debounce < 0 {
		errs = append(errs, ValidationError{
			Field:   "debounce",
			Message: "must not be negative",
		})
	}
	if _, err := process.ParseSignal(cfg.TermSignal); err != nil {
		errs = append(errs, ValidationError{
			Field:   "signal",
			Message: err.Error(),
		})
	}
	if cfg.Retries < 0 {
		errs = append(errs, ValidationError{
			Field:   "retries",
			Message: "must not be negative",
		})
	}

	// Stop behaviour
	if cfg.KillTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "kill_timeout",
			Message: "must not be negative (0 disables)",
		})
	}
	if cfg.DrainTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "drain_timeout",
			Message: "must be positive",
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	// Task output
	if _, err := logging.ParseVerbosity(cfg.Verbosity); err != nil {
		errs = append(errs, ValidationError{
			Field:   "verbosity",
			Message: err.Error(),
		})
	}
	if cfg.OutputLines < 0 {
		errs = append(errs, ValidationError{
			Field:   "output_lines",
			Message: "must not be negative",
		})
	}

	// Triggers
	if cfg.NatsLogs && cfg.NatsURL == "" {
		errs = append(errs, ValidationError{
			Field:   "nats_logs",
			Message: "--nats-logs requires --nats",
		})
	}
	if cfg.NatsURL != "" && (cfg.NatsPrefix == "" || strings.ContainsAny(cfg.NatsPrefix, " *>")) {
		errs = append(errs, ValidationError{
			Field:   "nats_prefix",
			Message: fmt.Sprintf("must be a non-empty subject without wildcards (got %q)", cfg.NatsPrefix),
		})
	}

	// Observability
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: err.Error(),
			})
		}
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be one of trace, debug, info, warn, error (got %q)", cfg.LogLevel),
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateTask checks the fields of one tasks-file entry that can be
// checked without touching the filesystem.
func validateTask(name string, tc TaskConfig) []error {
	var errs []error
	field := func(f string) string { return "tasks." + name + "." + f }

	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " .*>") {
		errs = append(errs, ValidationError{
			Field:   "tasks",
			Message: fmt.Sprintf("task name %q must be non-empty without spaces, dots or wildcards", name),
		})
	}
	if len(tc.Cmd) == 0 || strings.TrimSpace(tc.Cmd[0]) == "" {
		errs = append(errs, ValidationError{
			Field:   field("cmd"),
			Message: "must not be empty",
		})
	}
	if tc.Debounce != "" {
		if d, err := time.ParseDuration(tc.Debounce); err != nil {
			errs = append(errs, ValidationError{Field: field("debounce"), Message: err.Error()})
		} else if d < 0 {
			errs = append(errs, ValidationError{Field: field("debounce"), Message: "must not be negative"})
		}
	}
	if tc.Signal != "" {
		if _, err := process.ParseSignal(tc.Signal); err != nil {
			errs = append(errs, ValidationError{Field: field("signal"), Message: err.Error()})
		}
	}
	if tc.Schedule != "" {
		if _, err := trigger.ParseSchedule(tc.Schedule); err != nil {
			errs = append(errs, ValidationError{Field: field("schedule"), Message: err.Error()})
		}
	}
	if tc.Retries != nil && *tc.Retries < 0 {
		errs = append(errs, ValidationError{Field: field("retries"), Message: "must not be negative"})
	}
	for _, p := range tc.Ignore {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, ValidationError{Field: field("ignore"), Message: fmt.Sprintf("pattern %q: %v", p, err)})
		}
	}
	return errs
}
