package logging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Verbosity gates the leveled Sink calls. A call at level L is emitted
// only when the sink's verbosity is at least L.
type Verbosity int

const (
	VerbositySilent Verbosity = iota
	VerbosityCritical
	VerbosityError
	VerbosityWarning
	VerbosityInfo
	VerbosityDebug
	VerbosityTrace
)

// DefaultVerbosity keeps errors and warnings in task logs.
const DefaultVerbosity = VerbosityWarning

var verbosityNames = map[string]Verbosity{
	"silent":   VerbositySilent,
	"none":     VerbositySilent,
	"critical": VerbosityCritical,
	"error":    VerbosityError,
	"warn":     VerbosityWarning,
	"warning":  VerbosityWarning,
	"info":     VerbosityInfo,
	"debug":    VerbosityDebug,
	"trace":    VerbosityTrace,
}

// ParseVerbosity accepts a level name or a number from 0 to 6.
func ParseVerbosity(s string) (Verbosity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, ok := verbosityNames[s]; ok {
		return v, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(VerbositySilent) || n > int(VerbosityTrace) {
		return 0, fmt.Errorf("invalid verbosity %q (want 0-6 or silent/critical/error/warning/info/debug/trace)", s)
	}
	return Verbosity(n), nil
}

// String returns the level name.
func (v Verbosity) String() string {
	switch v {
	case VerbositySilent:
		return "silent"
	case VerbosityCritical:
		return "critical"
	case VerbosityError:
		return "error"
	case VerbosityWarning:
		return "warning"
	case VerbosityInfo:
		return "info"
	case VerbosityDebug:
		return "debug"
	case VerbosityTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// prefix is the one-letter marker written before a leveled line.
func (v Verbosity) prefix() string {
	switch v {
	case VerbosityCritical:
		return "C:"
	case VerbosityError:
		return "E:"
	case VerbosityWarning:
		return "W:"
	case VerbosityInfo:
		return "I:"
	case VerbosityDebug:
		return "D:"
	case VerbosityTrace:
		return "T:"
	default:
		return "  "
	}
}

// Sink is a destination for task output and task lifecycle text.
//
// Write carries one line of captured output; the leveled calls carry
// messages about the task. Implementations must be safe for concurrent use
// and must tolerate calls made before Open has returned.
type Sink interface {
	Open(ctx context.Context) error
	Write(text string)
	Flush()
	Close() error

	Critical(text string)
	Error(text string)
	Warning(text string)
	Info(text string)
	Debug(text string)
	Trace(text string)
}

// leveled adapts a single log(level, text) function to the leveled
// half of Sink. Sinks embed it and set emit.
type leveled struct {
	emit func(v Verbosity, text string)
}

func (l leveled) Critical(text string) { l.emit(VerbosityCritical, text) }
func (l leveled) Error(text string)    { l.emit(VerbosityError, text) }
func (l leveled) Warning(text string)  { l.emit(VerbosityWarning, text) }
func (l leveled) Info(text string)     { l.emit(VerbosityInfo, text) }
func (l leveled) Debug(text string)    { l.emit(VerbosityDebug, text) }
func (l leveled) Trace(text string)    { l.emit(VerbosityTrace, text) }

// Discard is a Sink that drops everything.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Open(context.Context) error { return nil }
func (discardSink) Write(string)               {}
func (discardSink) Flush()                     {}
func (discardSink) Close() error               { return nil }
func (discardSink) Critical(string)            {}
func (discardSink) Error(string)               {}
func (discardSink) Warning(string)             {}
func (discardSink) Info(string)                {}
func (discardSink) Debug(string)               {}
func (discardSink) Trace(string)               {}
