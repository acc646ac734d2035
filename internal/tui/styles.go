// Package tui provides a live terminal dashboard for supervised tasks.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
// - How many tasks are running, settling or idle
// - Per-task state, pid, runs and last exit
// - Run time percentiles
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	// Primary colors
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	// Status colors
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	// Neutral colors
	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(colorWarning)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)
)

// =============================================================================
// Table Styles
// =============================================================================

var (
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true)

	tableRowEvenStyle = lipgloss.NewStyle().
				Foreground(colorText)

	tableRowOddStyle = lipgloss.NewStyle().
				Foreground(colorTextMuted)

	selectedRowStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Background(colorBorder).
				Bold(true)
)

// =============================================================================
// Task State Indicator
// =============================================================================

// GetStateStyle returns the style for a task state name.
func GetStateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return valueGoodStyle
	case "debouncing":
		return valueWarnStyle
	case "stopped":
		return dimStyle
	default:
		return lipgloss.NewStyle().Foreground(colorInfo)
	}
}

// GetStateLabel returns a styled state indicator.
func GetStateLabel(state string) string {
	if state == "" {
		state = "idle"
	}
	return GetStateStyle(state).Render("● " + state)
}

// =============================================================================
// Exit Indicator
// =============================================================================

// GetExitStyle returns a style for a run outcome.
func GetExitStyle(code int, known, failed bool) lipgloss.Style {
	switch {
	case failed:
		return valueBadStyle
	case !known:
		return dimStyle
	case code == 0:
		return valueGoodStyle
	default:
		// Stopped by us, or non-zero without retries configured
		return valueWarnStyle
	}
}

// GetFailureRateStyle returns a style based on the share of failed runs.
func GetFailureRateStyle(rate float64) lipgloss.Style {
	switch {
	case rate == 0:
		return valueGoodStyle
	case rate < 0.25:
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderCountBar renders n of total as a bar of fixed width.
func RenderCountBar(n, total, width int) string {
	if width < 10 {
		width = 10
	}
	filled := 0
	if total > 0 {
		filled = n * width / total
	}
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	return valueGoodStyle.Render(repeatChar('█', filled)) +
		dimStyle.Render(repeatChar('░', width-filled)) +
		valueStyle.Render(fmt.Sprintf(" %d/%d", n, total))
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
