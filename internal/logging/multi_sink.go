package logging

import (
	"context"
	"errors"
)

// MultiSink fans every call out to several sinks, in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Sinks returns the fan-out targets.
func (m *MultiSink) Sinks() []Sink {
	return m.sinks
}

// Open opens every sink and joins the errors.
func (m *MultiSink) Open(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Open(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins the errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Write(text string) {
	for _, s := range m.sinks {
		s.Write(text)
	}
}

func (m *MultiSink) Flush() {
	for _, s := range m.sinks {
		s.Flush()
	}
}

func (m *MultiSink) Critical(text string) {
	for _, s := range m.sinks {
		s.Critical(text)
	}
}

func (m *MultiSink) Error(text string) {
	for _, s := range m.sinks {
		s.Error(text)
	}
}

func (m *MultiSink) Warning(text string) {
	for _, s := range m.sinks {
		s.Warning(text)
	}
}

func (m *MultiSink) Info(text string) {
	for _, s := range m.sinks {
		s.Info(text)
	}
}

func (m *MultiSink) Debug(text string) {
	for _, s := range m.sinks {
		s.Debug(text)
	}
}

func (m *MultiSink) Trace(text string) {
	for _, s := range m.sinks {
		s.Trace(text)
	}
}
