package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// closeFlushTimeout bounds the server round trip made on Close.
const closeFlushTimeout = 2 * time.Second

// Publisher is the part of *nats.Conn a NatsSink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// flusher is implemented by *nats.Conn.
type flusher interface {
	FlushTimeout(timeout time.Duration) error
}

// NatsSink publishes every line as a JSON string on one subject.
// Output lines are prefixed with two spaces, leveled lines with "E:" etc.
type NatsSink struct {
	leveled

	pub       Publisher
	subject   string
	verbosity Verbosity
	logger    *slog.Logger

	failures atomic.Int64
}

// NewNatsSink creates a sink publishing on subject.
func NewNatsSink(pub Publisher, subject string, verbosity Verbosity, logger *slog.Logger) *NatsSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NatsSink{
		pub:       pub,
		subject:   subject,
		verbosity: verbosity,
		logger:    logger,
	}
	s.leveled = leveled{emit: s.log}
	return s
}

// Subject returns the subject lines are published on.
func (s *NatsSink) Subject() string {
	return s.subject
}

// Failures returns how many publishes have failed.
func (s *NatsSink) Failures() int64 {
	return s.failures.Load()
}

// Open is a no-op; the connection is owned by the caller.
func (s *NatsSink) Open(ctx context.Context) error {
	return ctx.Err()
}

// Write publishes one line of task output.
func (s *NatsSink) Write(text string) {
	s.publish("  " + text)
}

// Flush is a no-op. Publishes are buffered by the connection and sent by
// its own flusher, and a server round trip per line would stall capture.
func (s *NatsSink) Flush() {}

// Close waits, bounded, for the server to acknowledge what was published.
// The connection itself is left open.
func (s *NatsSink) Close() error {
	if f, ok := s.pub.(flusher); ok {
		if err := f.FlushTimeout(closeFlushTimeout); err != nil {
			s.logger.Debug("nats_flush_failed", "subject", s.subject, "error", err)
		}
	}
	return nil
}

func (s *NatsSink) log(v Verbosity, text string) {
	if v == VerbositySilent || s.verbosity < v {
		return
	}
	s.publish(v.prefix() + text)
}

func (s *NatsSink) publish(msg string) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		// Only the first failure is worth a warning; the bus is likely down.
		if s.failures.Add(1) == 1 {
			s.logger.Warn("nats_publish_failed", "subject", s.subject, "error", err)
		}
	}
}
