package logging

import (
	"context"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single buffered line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines to buffer per task.
	MaxBufferedLines = 100
)

// RingSink keeps the most recent output lines of a task for the exit
// summary. Leveled calls are ignored.
type RingSink struct {
	leveled

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	total  int
	mu     sync.Mutex
}

// NewRingSink creates an empty ring of MaxBufferedLines.
func NewRingSink() *RingSink {
	s := &RingSink{
		buffer: make([]string, MaxBufferedLines),
	}
	s.leveled = leveled{emit: func(Verbosity, string) {}}
	return s
}

func (s *RingSink) Open(ctx context.Context) error { return nil }
func (s *RingSink) Flush()                         {}
func (s *RingSink) Close() error                   { return nil }

// Write stores one line, truncating very long ones.
func (s *RingSink) Write(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	s.mu.Lock()
	s.buffer[s.bufIdx] = line
	s.bufIdx = (s.bufIdx + 1) % MaxBufferedLines
	s.total++
	s.mu.Unlock()
}

// Total returns how many lines were written overall.
func (s *RingSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Reset clears the buffer, typically at the start of a run.
func (s *RingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buffer {
		s.buffer[i] = ""
	}
	s.bufIdx = 0
	s.total = 0
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (s *RingSink) RecentLines(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > s.total {
		n = s.total
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (s.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, s.buffer[idx])
	}

	return lines
}

// ErrorPatterns are common build failure markers counted for the exit summary.
var ErrorPatterns = []string{
	"error:",
	"Error:",
	"FAIL",
	"panic:",
	"undefined:",
	"No such file or directory",
	"Permission denied",
	"command not found",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (s *RingSink) CountErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range s.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
