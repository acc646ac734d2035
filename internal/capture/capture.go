// Package capture drains a task's combined output into a log sink.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-watchdo/internal/logging"
)

const (
	// MaxLineLength is the longest output line accepted before the read fails.
	MaxLineLength = 1024 * 1024

	// StoppedMarker is written when capture was stopped before end of stream.
	StoppedMarker = "[Stopped collecting output]"

	// TimeLayout formats the header and footer timestamps.
	TimeLayout = "2006/01/02 15:04:05"
)

var (
	headerRule = strings.Repeat("=", 76)
	footerRule = strings.Repeat("-", 76)
)

// OutputReadError reports a failure while reading process output.
type OutputReadError struct {
	Task string
	Err  error
}

func (e *OutputReadError) Error() string {
	return fmt.Sprintf("read %s output: %v", e.Task, e.Err)
}

func (e *OutputReadError) Unwrap() error {
	return e.Err
}

// Capture copies one run's output to a sink, framed by a header and footer.
// Stop may be called from any goroutine; no line read after Stop is written.
type Capture struct {
	label   string
	cmdLine string
	runID   string
	sink    logging.Sink
	now     func() time.Time

	stopped atomic.Bool
	lines   atomic.Int64
}

// New creates a capture for the task called label.
func New(label, cmdLine string, sink logging.Sink) *Capture {
	if sink == nil {
		sink = logging.Discard
	}
	return &Capture{
		label:   label,
		cmdLine: cmdLine,
		sink:    sink,
		now:     time.Now,
	}
}

// SetRunID tags the header with a run identifier. Call before Run.
func (c *Capture) SetRunID(id string) {
	c.runID = id
}

// Stop asks Run to stop writing lines. Safe to call more than once.
func (c *Capture) Stop() {
	c.stopped.Store(true)
}

// Stopped reports whether Stop has been called.
func (c *Capture) Stopped() bool {
	return c.stopped.Load()
}

// Lines returns how many output lines were forwarded.
func (c *Capture) Lines() int64 {
	return c.lines.Load()
}

// Run reads r line by line until end of stream or Stop, flushing the sink
// after every line. A read error ends the loop and is returned as an
// *OutputReadError; errors caused by the stream being closed after Stop
// are not reported.
func (c *Capture) Run(pid int, r io.Reader) error {
	c.writeHeader(pid)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineLength)

	for !c.Stopped() && scanner.Scan() {
		if c.Stopped() {
			break
		}
		c.sink.Trace(fmt.Sprintf("Collecting %s output (%d)", c.label, pid))
		c.sink.Write(scanner.Text())
		c.sink.Flush()
		c.lines.Add(1)
	}

	var readErr error
	if err := scanner.Err(); err != nil && !c.Stopped() {
		readErr = &OutputReadError{Task: c.label, Err: err}
		c.sink.Error(readErr.Error())
	}

	if c.Stopped() {
		c.sink.Write("")
		c.sink.Write(StoppedMarker)
		c.sink.Debug(fmt.Sprintf("Stopped collecting output for %s (%d)", c.label, pid))
	} else {
		c.sink.Debug(fmt.Sprintf("Finished collecting %s output (%d)", c.label, pid))
	}

	c.writeFooter(pid)
	return readErr
}

func (c *Capture) writeHeader(pid int) {
	title := fmt.Sprintf("%s (%d) output @ %s", c.label, pid, c.now().Format(TimeLayout))
	if c.runID != "" {
		title += " run " + c.runID
	}
	c.sink.Write("")
	c.sink.Write(headerRule)
	c.sink.Write(title)
	c.sink.Write(c.cmdLine)
	c.sink.Write(footerRule)
	c.sink.Flush()
}

func (c *Capture) writeFooter(pid int) {
	c.sink.Write(footerRule)
	c.sink.Write(fmt.Sprintf("%s (%d) output @ %s", c.label, pid, c.now().Format(TimeLayout)))
	c.sink.Flush()
}
