package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-watchdo/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the header, overview, task table and footer.
func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderOverview(),
	}
	if m.stats != nil {
		sections = append(sections, m.renderTaskTable())
		if m.stats.TotalRuns > 0 {
			sections = append(sections, m.renderRunTimes())
		}
	}
	if m.notice != "" {
		sections = append(sections, noticeStyle.Render(m.notice))
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-watchdo │ Running: %d/%d │ Failing: %d │ Elapsed: %s ",
		m.RunningTasks(),
		m.tasks,
		m.FailingTasks(),
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Overview
// =============================================================================

func (m Model) renderOverview() string {
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	rows := []string{
		sectionHeaderStyle.Render("Tasks"),
		RenderCountBar(m.RunningTasks(), m.tasks, barWidth),
	}
	if m.stats == nil {
		rows = append(rows, dimStyle.Render("Waiting for first update..."))
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	s := m.stats
	rows = append(rows,
		RenderKeyValue("Restarts", formatNumber(s.TotalRestarts)),
		RenderKeyValue("Runs", fmt.Sprintf("%s (%s spawned)", formatNumber(s.TotalRuns), formatNumber(s.TotalSpawns))),
		RenderKeyValue("Retries", formatNumber(s.TotalRetries)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failures:"),
			GetFailureRateStyle(m.FailureRate()).Render(
				fmt.Sprintf("%s (%s)", formatNumber(s.TotalFailures), formatPercent(m.FailureRate())),
			),
		),
		RenderKeyValue("Output lines", formatNumber(s.TotalLines)),
	)
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Task Table
// =============================================================================

func (m Model) renderTaskTable() string {
	if len(m.stats.PerTask) == 0 {
		return boxStyle.Width(m.width - 2).Render(dimStyle.Render("No tasks."))
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-16s %-14s %-8s %-6s %-6s %-10s %-8s",
			"TASK", "STATE", "PID", "RUNS", "FAIL", "LAST EXIT", "P50"),
	)

	maxRows := m.height - 18
	if maxRows < 5 {
		maxRows = 5
	}
	first := 0
	if m.selected >= maxRows {
		first = m.selected - maxRows + 1
	}

	var rows []string
	for i := first; i < len(m.stats.PerTask) && i < first+maxRows; i++ {
		rows = append(rows, m.renderTaskRow(i, m.stats.PerTask[i]))
	}
	if hidden := len(m.stats.PerTask) - len(rows); hidden > 0 {
		rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more tasks", hidden)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Per-Task"), header}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderTaskRow(i int, s stats.Summary) string {
	pid := "-"
	if s.Pid > 0 {
		pid = fmt.Sprintf("%d", s.Pid)
	}
	last := "-"
	if s.Runs > 0 {
		last = "?"
		if s.LastExitKnown {
			last = fmt.Sprintf("%d", s.LastExitCode)
		}
	}

	// Pad before styling so escape codes do not break the columns.
	state := GetStateLabel(s.State)
	state += strings.Repeat(" ", max(0, 14-lipgloss.Width(state)))
	exit := GetExitStyle(s.LastExitCode, s.LastExitKnown, s.LastFailed).Render(fmt.Sprintf("%-10s", last))

	row := fmt.Sprintf("%-16s %s %-8s %-6d %-6d %s %-8s",
		truncate(s.Name, 16),
		state,
		pid,
		s.Runs,
		s.Failures,
		exit,
		formatRunTime(s.RunTimeP50),
	)

	switch {
	case i == m.selected:
		return selectedRowStyle.Render(row)
	case i%2 == 1:
		return tableRowOddStyle.Render(row)
	default:
		return tableRowEvenStyle.Render(row)
	}
}

// =============================================================================
// Run Times
// =============================================================================

func (m Model) renderRunTimes() string {
	s := m.stats
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Run Time"),
		RenderKeyValue("P50", formatRunTime(s.RunTimeP50)),
		RenderKeyValue("P95", formatRunTime(s.RunTimeP95)),
		RenderKeyValue("P99", formatRunTime(s.RunTimeP99)),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{"q: quit", "↑/↓: select"}
	if m.restarter != nil {
		shortcuts = append(shortcuts, "r: restart", "R: restart all")
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// truncate shortens s to n runes, marking the cut with "…".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
