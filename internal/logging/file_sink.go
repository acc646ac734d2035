package logging

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MaxPendingLines bounds what a FileSink holds before Open.
const MaxPendingLines = 1000

// FileSink writes one task's log to a file. The file is truncated on Open.
// Lines written before Open are kept (up to MaxPendingLines) and replayed.
type FileSink struct {
	leveled

	path      string
	verbosity Verbosity

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	pending []string
	dropped int
	closed  bool
}

// NewFileSink creates a sink for path. Nothing touches the disk until Open.
func NewFileSink(path string, verbosity Verbosity) *FileSink {
	s := &FileSink{
		path:      path,
		verbosity: verbosity,
	}
	s.leveled = leveled{emit: s.log}
	return s
}

// Path returns the log file location.
func (s *FileSink) Path() string {
	return s.path
}

// Open creates (or truncates) the log file and replays pending lines.
func (s *FileSink) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("open task log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		f.Close()
		return nil
	}

	s.file = f
	s.w = bufio.NewWriter(f)
	for _, line := range s.pending {
		s.writeLocked(line)
	}
	if s.dropped > 0 {
		s.writeLocked(fmt.Sprintf("W:%d lines dropped before log file was opened", s.dropped))
	}
	s.pending = nil
	s.dropped = 0
	return s.w.Flush()
}

// Write records one line of task output.
func (s *FileSink) Write(text string) {
	s.put("  " + text)
}

// Flush pushes buffered lines to the file.
func (s *FileSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		s.w.Flush()
	}
}

// Close flushes and closes the file. Later writes are dropped.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.file == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (s *FileSink) log(v Verbosity, text string) {
	if v == VerbositySilent || s.verbosity < v {
		return
	}
	s.put(v.prefix() + text)
}

func (s *FileSink) put(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.w == nil {
		if len(s.pending) < MaxPendingLines {
			s.pending = append(s.pending, line)
		} else {
			s.dropped++
		}
		return
	}
	s.writeLocked(line)
}

func (s *FileSink) writeLocked(line string) {
	s.w.WriteString(line)
	s.w.WriteByte('\n')
}
