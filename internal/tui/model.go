package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-watchdo/internal/stats"
	"github.com/randomizedcoder/go-watchdo/internal/trigger"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatsMsg carries updated statistics.
type StatsMsg struct {
	Stats *stats.AggregatedStats
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// restartResultMsg reports the outcome of a restart key press.
type restartResultMsg struct {
	target string
	err    error
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	tasks       int
	metricsAddr string

	// Current state
	stats      *stats.AggregatedStats
	startTime  time.Time
	lastUpdate time.Time
	selected   int
	notice     string

	// Display options
	width  int
	height int

	statsSource StatsSource
	restarter   trigger.TaskRestarter

	quitting bool
}

// StatsSource provides aggregated statistics.
type StatsSource interface {
	GetAggregatedStats() *stats.AggregatedStats
}

// Config holds TUI configuration.
type Config struct {
	Tasks       int
	MetricsAddr string
	StatsSource StatsSource

	// Restarter is used by the restart keys; nil disables them.
	Restarter trigger.TaskRestarter
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		tasks:       cfg.Tasks,
		metricsAddr: cfg.MetricsAddr,
		statsSource: cfg.StatsSource,
		restarter:   cfg.Restarter,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down", "j":
			if m.selected < m.taskCount()-1 {
				m.selected++
			}
			return m, nil
		case "enter", "r":
			name := m.SelectedTask()
			if name == "" || m.restarter == nil {
				return m, nil
			}
			return m, restartCmd(m.restarter, name)
		case "R":
			if m.restarter == nil {
				return m, nil
			}
			return m, restartCmd(m.restarter, "")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.statsSource != nil {
			m.stats = m.statsSource.GetAggregatedStats()
			m.clampSelection()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case StatsMsg:
		m.stats = msg.Stats
		m.clampSelection()
		m.lastUpdate = time.Now()
		return m, nil

	case restartResultMsg:
		target := msg.target
		if target == "" {
			target = "all tasks"
		}
		if msg.err != nil {
			m.notice = fmt.Sprintf("restart %s failed: %v", target, msg.err)
		} else {
			m.notice = "restarted " + target
		}
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// restartCmd restarts name, or every task if name is empty. Restart may
// block until the previous run stops, so it runs as a command.
func restartCmd(r trigger.TaskRestarter, name string) tea.Cmd {
	return func() tea.Msg {
		var err error
		if name == "" {
			err = r.RestartAll()
		} else {
			err = r.Restart(name)
		}
		return restartResultMsg{target: name, err: err}
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// RunningTasks returns the number of tasks with a live process.
func (m Model) RunningTasks() int {
	if m.stats == nil {
		return 0
	}
	return m.stats.RunningTasks
}

// FailingTasks returns the number of tasks whose last run failed.
func (m Model) FailingTasks() int {
	if m.stats == nil {
		return 0
	}
	return m.stats.FailingTasks
}

// FailureRate returns failed runs over all runs.
func (m Model) FailureRate() float64 {
	if m.stats == nil || m.stats.TotalRuns == 0 {
		return 0
	}
	return float64(m.stats.TotalFailures) / float64(m.stats.TotalRuns)
}

// SelectedTask returns the name of the highlighted task, or "".
func (m Model) SelectedTask() string {
	if m.stats == nil || m.selected >= len(m.stats.PerTask) {
		return ""
	}
	return m.stats.PerTask[m.selected].Name
}

func (m Model) taskCount() int {
	if m.stats == nil {
		return 0
	}
	return len(m.stats.PerTask)
}

func (m *Model) clampSelection() {
	if n := m.taskCount(); m.selected >= n {
		m.selected = n - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendStats sends a stats update to the TUI.
func SendStats(p *tea.Program, stats *stats.AggregatedStats) {
	if p != nil {
		p.Send(StatsMsg{Stats: stats})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatRunTime formats a run duration compactly.
func formatRunTime(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return formatDuration(d)
	}
}

// formatPercent formats a ratio as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}
