package logging

import (
	"context"
	"log/slog"
	"strings"
)

// SlogSink forwards task output and messages to the operator logger.
// Output lines are logged at debug unless they look like problems.
type SlogSink struct {
	logger    *slog.Logger
	task      string
	verbosity Verbosity
	verbose   bool
}

// NewSlogSink creates a sink tagging every record with the task name.
// In non-verbose mode only output lines classified as warnings are logged.
func NewSlogSink(logger *slog.Logger, task string, verbosity Verbosity, verbose bool) *SlogSink {
	return &SlogSink{
		logger:    logger,
		task:      task,
		verbosity: verbosity,
		verbose:   verbose,
	}
}

func (s *SlogSink) Open(ctx context.Context) error { return nil }
func (s *SlogSink) Flush()                         {}
func (s *SlogSink) Close() error                   { return nil }

// Write logs one output line.
func (s *SlogSink) Write(line string) {
	level := classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !s.verbose && level == slog.LevelDebug {
		return
	}

	s.logger.Log(context.Background(), level, "task_output",
		"task", s.task,
		"line", line,
	)
}

func (s *SlogSink) Critical(text string) { s.log(VerbosityCritical, slog.LevelError+4, text) }
func (s *SlogSink) Error(text string)    { s.log(VerbosityError, slog.LevelError, text) }
func (s *SlogSink) Warning(text string)  { s.log(VerbosityWarning, slog.LevelWarn, text) }
func (s *SlogSink) Info(text string)     { s.log(VerbosityInfo, slog.LevelInfo, text) }
func (s *SlogSink) Debug(text string)    { s.log(VerbosityDebug, slog.LevelDebug, text) }
func (s *SlogSink) Trace(text string)    { s.log(VerbosityTrace, LevelTrace, text) }

func (s *SlogSink) log(v Verbosity, level slog.Level, text string) {
	if s.verbosity < v {
		return
	}
	s.logger.Log(context.Background(), level, "task_message",
		"task", s.task,
		"msg_level", v.String(),
		"text", text,
	)
}

// classifyLine determines the log level for an output line based on content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Error patterns
	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic:") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "failed") {
		return slog.LevelWarn
	}

	// Warning patterns
	if strings.Contains(lower, "warning") ||
		strings.Contains(lower, "deprecated") {
		return slog.LevelWarn
	}

	// Default to debug
	return slog.LevelDebug
}
