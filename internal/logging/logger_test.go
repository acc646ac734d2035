package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"TRACE":   LevelTrace,
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Verbose(t *testing.T) {
	ctx := context.Background()

	if NewLogger("text", "warn", false).Enabled(ctx, slog.LevelDebug) {
		t.Error("warn logger should not log debug")
	}
	if !NewLogger("json", "warn", true).Enabled(ctx, slog.LevelDebug) {
		t.Error("verbose should lower the level to debug")
	}
	// verbose never raises a lower level
	if !NewLogger("json", "trace", true).Enabled(ctx, LevelTrace) {
		t.Error("verbose trace logger should keep trace")
	}
}

func TestNewLoggerWithWriter_TraceRendering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "json", "trace")

	logger.Log(context.Background(), LevelTrace, "line_captured", "task", "build")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if entry["level"] != "TRACE" {
		t.Errorf("level = %v, want TRACE", entry["level"])
	}
	if entry["msg"] != "line_captured" || entry["task"] != "build" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerWithWriter_DebugFiltersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "text", "debug")

	logger.Log(context.Background(), LevelTrace, "hidden")
	logger.Debug("task_settled", "task", "lint")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("trace entry leaked at debug level: %s", out)
	}
	if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "task=lint") {
		t.Errorf("debug entry missing: %s", out)
	}
}

func TestNewLoggerWithWriter_GroupedLevelKeyUntouched(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "text", "info")

	logger.Info("task_started", slog.Group("run", slog.Any("level", LevelTrace)))
	if strings.Contains(buf.String(), "run.level=TRACE") {
		t.Errorf("attrs inside groups should keep their value: %s", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	orig := slog.Default()
	defer slog.SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(NewLoggerWithWriter(&buf, "text", "info"))
	slog.Info("from_default")

	if !strings.Contains(buf.String(), "from_default") {
		t.Errorf("default logger not replaced: %q", buf.String())
	}
}
