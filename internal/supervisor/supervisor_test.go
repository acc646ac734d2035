package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-watchdo/internal/process"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test Helpers
// =============================================================================

// recordSink keeps everything in memory. Leveled calls carry their prefix.
type recordSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordSink) Open(context.Context) error { return nil }
func (r *recordSink) Close() error               { return nil }
func (r *recordSink) Flush()                     {}
func (r *recordSink) Write(text string)          { r.add(text) }
func (r *recordSink) Critical(text string)       { r.add("C:" + text) }
func (r *recordSink) Error(text string)          { r.add("E:" + text) }
func (r *recordSink) Warning(text string)        { r.add("W:" + text) }
func (r *recordSink) Info(text string)           { r.add("I:" + text) }
func (r *recordSink) Debug(text string)          { r.add("D:" + text) }
func (r *recordSink) Trace(string)               {}

func (r *recordSink) add(s string) {
	r.mu.Lock()
	r.lines = append(r.lines, s)
	r.mu.Unlock()
}

func (r *recordSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recordSink) contains(line string) bool {
	for _, l := range r.snapshot() {
		if l == line {
			return true
		}
	}
	return false
}

// body returns the task output of the first run, without framing or
// leveled messages.
func (r *recordSink) body() []string {
	rule := strings.Repeat("-", 76)
	var out []string
	seen := 0
	for _, l := range r.snapshot() {
		if l == rule {
			seen++
			if seen == 2 {
				break
			}
			continue
		}
		if seen == 1 && !isLeveled(l) {
			out = append(out, l)
		}
	}
	return out
}

func isLeveled(l string) bool {
	for _, p := range []string{"C:", "E:", "W:", "I:", "D:"} {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newShellSpec(t *testing.T, script string, opts ...process.TaskOption) process.TaskSpec {
	t.Helper()
	spec, err := process.NewTaskSpec("t", process.TaskDetails{
		Cmd:        []string{"sh", "-c", script},
		ProjectDir: t.TempDir(),
	}, opts...)
	require.NoError(t, err)
	return spec
}

type harness struct {
	sup     *Supervisor
	sink    *recordSink
	results chan RunResult

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sink:    &recordSink{},
		results: make(chan RunResult, 32),
	}
	cfg.Sink = h.sink
	cfg.Logger = newTestLogger()
	cfg.Callbacks.OnDone = func(r RunResult) {
		h.record("done")
		h.results <- r
	}
	cfg.Callbacks.OnStart = func(task string, pid int, runID string) {
		h.record("start")
	}
	cfg.Callbacks.OnStateChange = func(task string, oldState, newState State) {
		h.record("state:" + newState.String())
	}
	h.sup = New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, h.sup.Shutdown(ctx))
	})
	return h
}

func (h *harness) record(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *harness) eventLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *harness) next(t *testing.T) RunResult {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for run result")
		return RunResult{}
	}
}

func (h *harness) waitForLine(t *testing.T, line string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sink.contains(line)
	}, 10*time.Second, 5*time.Millisecond, "line %q never captured", line)
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	spec := newShellSpec(t, "true")
	s := New(Config{Spec: spec})
	defer s.Shutdown(context.Background())

	require.Equal(t, StateIdle, s.State())
	require.Equal(t, "t", s.Name())
	require.Equal(t, spec.Command, s.Spec().Command)
	require.Equal(t, DefaultDrainTimeout, s.drainTimeout)
	require.Zero(t, s.Runs())
	require.Zero(t, s.Spawns())
	require.Zero(t, s.Pid())
	require.Zero(t, s.Uptime())
	require.False(t, s.IsRunning())

	code, known := s.LastExitCode()
	require.Zero(t, code)
	require.False(t, known)
}

// =============================================================================
// Debounce
// =============================================================================

func TestRestart_CoalescesBurst(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, `echo "mark=$MARK"`, process.WithDebounce(150*time.Millisecond))})

	base := h.sup.Spec()
	for i := 0; i < 5; i++ {
		spec := base
		spec.Env = map[string]string{"MARK": strconv.Itoa(i)}
		require.NoError(t, h.sup.RestartWith(spec))
		require.Equal(t, StateDebouncing, h.sup.State())
		time.Sleep(20 * time.Millisecond)
	}

	r := h.next(t)
	require.False(t, r.Failed)
	require.True(t, r.ExitKnown)
	require.Equal(t, []string{"mark=4"}, h.sink.body())

	// Nothing else is pending.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, h.sup.Spawns())
	require.Equal(t, 1, h.sup.Runs())
	require.Equal(t, "4", h.sup.Spec().Env["MARK"])
}

func TestRestart_StateTransitions(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "true", process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	h.next(t)

	require.Equal(t, StateIdle, h.sup.State())
	require.Equal(t, []string{
		"state:debouncing",
		"state:running",
		"start",
		"state:idle",
		"done",
	}, h.eventLog())
}

// =============================================================================
// Output
// =============================================================================

func TestRun_OutputComplete(t *testing.T) {
	script := `i=0; while [ $i -lt 200 ]; do echo "line$i"; i=$((i+1)); done; echo err >&2`
	h := newHarness(t, Config{Spec: newShellSpec(t, script, process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	r := h.next(t)

	want := make([]string, 0, 201)
	for i := 0; i < 200; i++ {
		want = append(want, "line"+strconv.Itoa(i))
	}
	want = append(want, "err")

	require.Equal(t, want, h.sink.body())
	require.EqualValues(t, 201, r.Lines)
	require.Equal(t, 0, r.ExitCode)
	require.True(t, h.sink.contains("t task ("+strconv.Itoa(r.Pid)+") exited with 0"))
	require.NotContains(t, h.sink.snapshot(), "[Stopped collecting output]")
}

func TestRun_EnvRoundTrip(t *testing.T) {
	spec, err := process.NewTaskSpec("t", process.TaskDetails{
		Cmd:        []string{"sh", "-c", `echo "$WATCHDO_TEST_VAR"`},
		ProjectDir: t.TempDir(),
		Env:        map[string]string{"WATCHDO_TEST_VAR": "hello world"},
	}, process.WithDebounce(0))
	require.NoError(t, err)

	h := newHarness(t, Config{Spec: spec})
	require.NoError(t, h.sup.Restart())
	h.next(t)

	require.Equal(t, []string{"hello world"}, h.sink.body())
}

// =============================================================================
// Exit codes
// =============================================================================

func TestRun_FailedExitCode(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "echo oops; exit 7", process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	r := h.next(t)

	require.True(t, r.Failed)
	require.False(t, r.Stopped)
	require.True(t, r.ExitKnown)
	require.Equal(t, 7, r.ExitCode)
	require.NotEmpty(t, r.RunID)
	require.True(t, h.sink.contains("E:FAILED: t (7)"))

	code, known := h.sup.LastExitCode()
	require.Equal(t, 7, code)
	require.True(t, known)
}

func TestRun_SpawnError(t *testing.T) {
	spec, err := process.NewTaskSpec("t", process.TaskDetails{
		Cmd:        []string{"/nonexistent/watchdo-test-binary"},
		ProjectDir: t.TempDir(),
	}, process.WithDebounce(0))
	require.NoError(t, err)

	h := newHarness(t, Config{Spec: spec})
	require.NoError(t, h.sup.Restart())
	r := h.next(t)

	require.True(t, r.Failed)
	var spawnErr *process.SpawnError
	require.ErrorAs(t, r.Err, &spawnErr)
	require.Equal(t, 1, h.sup.Runs())
	require.Zero(t, h.sup.Spawns())
	require.Equal(t, StateIdle, h.sup.State())
	require.True(t, h.sink.contains("E:FAILED: t (spawn error)"))
}

// =============================================================================
// Stopping
// =============================================================================

func TestStopTaskProc_NoProcess(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "true")})

	h.sup.StopTaskProc()
	h.sup.StopTaskProc()

	_, known := h.sup.LastExitCode()
	require.False(t, known)
	require.True(t, h.sink.contains("D:No external process found for t"))
}

func TestRestart_StopsRunningProcess(t *testing.T) {
	script := `trap 'exit 0' HUP; echo ready; while true; do sleep 0.05; done`
	h := newHarness(t, Config{Spec: newShellSpec(t, script, process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	h.waitForLine(t, "ready")
	require.True(t, h.sup.IsRunning())
	require.NotZero(t, h.sup.Pid())
	require.Greater(t, h.sup.Uptime(), time.Duration(0))

	require.NoError(t, h.sup.Restart())

	// Restart returns only after the previous run has finished.
	first := h.next(t)
	require.True(t, first.Stopped)
	require.False(t, first.Failed)
	require.True(t, first.ExitKnown)
	require.Equal(t, 0, first.ExitCode)
	require.True(t, h.sink.contains("[Stopped collecting output]"))

	require.Eventually(t, func() bool {
		return h.sup.Spawns() == 2
	}, 10*time.Second, 5*time.Millisecond)

	events := h.eventLog()
	firstDone := indexOf(events, "done")
	require.GreaterOrEqual(t, firstDone, 0)
	require.Equal(t, 1, count(events[:firstDone], "start"))
}

func TestStopTaskProc_SignalOnce(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "echo ready; sleep 5", process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	h.waitForLine(t, "ready")

	h.sup.StopTaskProc()
	h.sup.StopTaskProc()

	r := h.next(t)
	require.True(t, r.Stopped)
	require.False(t, r.Failed)
	require.Equal(t, 128+1, r.ExitCode) // SIGHUP

	sent := 0
	for _, l := range h.sink.snapshot() {
		if strings.HasPrefix(l, "D:Sending OS signal") {
			sent++
		}
	}
	require.Equal(t, 1, sent)
}

func TestRestart_KillTimeoutEscalates(t *testing.T) {
	script := `trap '' HUP; echo ready; while true; do sleep 0.05; done`
	h := newHarness(t, Config{
		Spec:        newShellSpec(t, script, process.WithDebounce(0)),
		KillTimeout: 200 * time.Millisecond,
	})

	require.NoError(t, h.sup.Restart())
	h.waitForLine(t, "ready")

	start := time.Now()
	require.NoError(t, h.sup.Restart())
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	r := h.next(t)
	require.True(t, r.Stopped)
	require.Equal(t, 128+9, r.ExitCode) // SIGKILL
	require.True(t, h.sink.contains("W:Force killing t (pid:"+strconv.Itoa(r.Pid)+")"))
}

func TestRestart_StopsGroupLeftAfterLeaderExit(t *testing.T) {
	// The leader exits at once; a background loop keeps the output pipe
	// open and appends to tick until it is signalled.
	script := `(while true; do echo x >> tick; sleep 0.05; done) & echo ready; exit 0`
	spec := newShellSpec(t, script, process.WithDebounce(0))
	tick := filepath.Join(spec.Dir, "tick")

	h := newHarness(t, Config{Spec: spec, DrainTimeout: 5 * time.Second})

	require.NoError(t, h.sup.Restart())
	h.waitForLine(t, "ready")
	require.Eventually(t, func() bool {
		_, err := os.Stat(tick)
		return err == nil && !h.sup.IsRunning()
	}, 10*time.Second, 5*time.Millisecond)
	require.Zero(t, h.sup.Pid())

	start := time.Now()
	require.NoError(t, h.sup.RestartWith(newShellSpec(t, "echo second", process.WithDebounce(0))))
	require.Less(t, time.Since(start), 2*time.Second, "restart waited for the drain timeout")

	first := h.next(t)
	require.True(t, first.Stopped)
	require.True(t, first.ExitKnown)
	require.Equal(t, 0, first.ExitCode)

	// The background loop was signalled with the group and stops ticking.
	var size int64 = -1
	require.Eventually(t, func() bool {
		info, err := os.Stat(tick)
		if err != nil {
			return false
		}
		prev := size
		size = info.Size()
		return prev == size
	}, 5*time.Second, 300*time.Millisecond)

	second := h.next(t)
	require.False(t, second.Failed)
	require.Equal(t, "t", second.Task)
}

// =============================================================================
// Retry
// =============================================================================

func TestRetry_ReRunsFailedTask(t *testing.T) {
	var retryMu sync.Mutex
	var retries []int

	h := newHarness(t, Config{
		Spec:    newShellSpec(t, "exit 3", process.WithDebounce(0)),
		Retries: 2,
		Backoff: BackoffConfig{
			Initial:    10 * time.Millisecond,
			Max:        20 * time.Millisecond,
			Multiplier: 2,
		},
		Callbacks: Callbacks{
			OnRetry: func(task string, attempt int, delay time.Duration) {
				retryMu.Lock()
				retries = append(retries, attempt)
				retryMu.Unlock()
			},
		},
	})

	require.NoError(t, h.sup.Restart())
	for i := 0; i < 3; i++ {
		r := h.next(t)
		require.True(t, r.Failed)
		require.Equal(t, 3, r.ExitCode)
	}

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 3, h.sup.Spawns())
	require.Equal(t, 2, h.sup.RetryAttempts())

	retryMu.Lock()
	require.Equal(t, []int{1, 2}, retries)
	retryMu.Unlock()

	require.Eventually(t, func() bool {
		return h.sink.contains("W:Giving up on t after 2 retries")
	}, time.Second, 5*time.Millisecond)

	// A fresh trigger resets the retry budget.
	require.NoError(t, h.sup.Restart())
	for i := 0; i < 3; i++ {
		h.next(t)
	}
	require.Eventually(t, func() bool {
		retryMu.Lock()
		defer retryMu.Unlock()
		return len(retries) == 4
	}, time.Second, 5*time.Millisecond)

	retryMu.Lock()
	require.Equal(t, []int{1, 2, 1, 2}, retries)
	retryMu.Unlock()
}

func TestRetry_NotOnSuccess(t *testing.T) {
	h := newHarness(t, Config{
		Spec:    newShellSpec(t, "true", process.WithDebounce(0)),
		Retries: 3,
		Backoff: BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	})

	require.NoError(t, h.sup.Restart())
	require.False(t, h.next(t).Failed)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, h.sup.Spawns())
	require.Zero(t, h.sup.RetryAttempts())
}

// =============================================================================
// Shutdown
// =============================================================================

func TestShutdown_CancelsDebounce(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "true", process.WithDebounce(time.Hour))})

	require.NoError(t, h.sup.Restart())
	require.Equal(t, StateDebouncing, h.sup.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))
	require.NoError(t, h.sup.Shutdown(ctx))

	require.Equal(t, StateStopped, h.sup.State())
	require.Zero(t, h.sup.Spawns())
	require.ErrorIs(t, h.sup.Restart(), ErrSupervisorClosed)
}

func TestShutdown_StopsProcess(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "echo ready; sleep 10", process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	h.waitForLine(t, "ready")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	r := h.next(t)
	require.True(t, r.Stopped)
	require.False(t, h.sup.IsRunning())
	require.Equal(t, StateStopped, h.sup.State())
}

func TestShutdown_ContextExpiryKills(t *testing.T) {
	script := `trap '' HUP; echo ready; while true; do sleep 0.05; done`
	h := newHarness(t, Config{Spec: newShellSpec(t, script, process.WithDebounce(0))})

	require.NoError(t, h.sup.Restart())
	h.waitForLine(t, "ready")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.sup.Shutdown(ctx), context.DeadlineExceeded)

	r := h.next(t)
	require.Equal(t, 128+9, r.ExitCode)
}

func TestRestartWith_EmptyCommand(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "true")})

	err := h.sup.RestartWith(process.TaskSpec{Name: "t"})
	require.ErrorIs(t, err, process.ErrEmptyCommand)
	require.Equal(t, StateIdle, h.sup.State())
}

func TestRestartWith_KeepsTaskName(t *testing.T) {
	h := newHarness(t, Config{Spec: newShellSpec(t, "true", process.WithDebounce(0))})

	other := newShellSpec(t, "echo other", process.WithDebounce(0))
	other.Name = "renamed"
	err := h.sup.RestartWith(other)
	require.ErrorIs(t, err, ErrRenameTask)
	require.Equal(t, "t", h.sup.Name())
	require.Equal(t, StateIdle, h.sup.State())
	require.Zero(t, h.sup.Runs())

	// An unnamed spec takes the supervisor's name
	other.Name = ""
	require.NoError(t, h.sup.RestartWith(other))
	r := h.next(t)
	require.Equal(t, "t", r.Task)
	require.Equal(t, "t", h.sup.Spec().Name)
	require.Equal(t, []string{"sh", "-c", "echo other"}, h.sup.Spec().Command)
}

func indexOf(events []string, e string) int {
	for i, v := range events {
		if v == e {
			return i
		}
	}
	return -1
}

func count(events []string, e string) int {
	n := 0
	for _, v := range events {
		if v == e {
			n++
		}
	}
	return n
}
