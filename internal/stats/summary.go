package stats

// This file implements the exit summary formatter shown when go-watchdo stops.

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	summaryRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	sectionRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// ShowPerTask enables the per-task table
	ShowPerTask bool
}

// FormatExitSummary formats aggregated stats for display at program exit.
func FormatExitSummary(stats *AggregatedStats, cfg SummaryConfig) string {
	if stats == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(summaryRule)
	b.WriteString("                           go-watchdo Exit Summary\n")
	b.WriteString(summaryRule + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Tasks:                  %d\n", stats.TotalTasks)
	if stats.FailingTasks > 0 {
		fmt.Fprintf(&b, "Failing Tasks:          %d\n", stats.FailingTasks)
	}
	b.WriteString("\n")

	// Lifecycle
	writeSection(&b, "Lifecycle")
	fmt.Fprintf(&b, "  Triggers:             %s\n", FormatNumber(stats.TotalRestarts))
	fmt.Fprintf(&b, "  Runs:                 %s\n", FormatNumber(stats.TotalRuns))
	fmt.Fprintf(&b, "  Processes Spawned:    %s\n", FormatNumber(stats.TotalSpawns))
	fmt.Fprintf(&b, "  Stopped Early:        %s\n", FormatNumber(stats.TotalStopped))
	fmt.Fprintf(&b, "  Failed:               %s\n", FormatNumber(stats.TotalFailures))
	if stats.TotalRetries > 0 {
		fmt.Fprintf(&b, "  Retries:              %s\n", FormatNumber(stats.TotalRetries))
	}
	fmt.Fprintf(&b, "  Output Lines:         %s\n", FormatNumber(stats.TotalLines))
	b.WriteString("\n")

	// Run time distribution
	if stats.RunTimeP50 > 0 || stats.RunTimeP95 > 0 {
		writeSection(&b, "Run Time Distribution")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(stats.RunTimeP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(stats.RunTimeP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(stats.RunTimeP99))
		b.WriteString("\n")
	}

	// Exit codes
	if len(stats.ExitCodes) > 0 {
		writeSection(&b, "Exit Codes")

		// Sort exit codes for consistent output
		codes := make([]int, 0, len(stats.ExitCodes))
		for code := range stats.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, ExitCodeLabel(code), stats.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if cfg.ShowPerTask && len(stats.PerTask) > 0 {
		writeSection(&b, "Tasks")
		fmt.Fprintf(&b, "  %-20s %6s %6s %6s %8s %10s\n", "Task", "Runs", "Spawns", "Failed", "Last", "P50")
		b.WriteString("  " + strings.Repeat("─", 62) + "\n")
		for _, t := range stats.PerTask {
			fmt.Fprintf(&b, "  %-20s %6d %6d %6d %8s %10s\n",
				truncate(t.Name, 20),
				t.Runs,
				t.Spawns,
				t.Failures,
				lastExitString(t),
				FormatMs(t.RunTimeP50),
			)
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(summaryRule)

	return b.String()
}

// formatBasicSummary formats a basic summary when stats are not available.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(summaryRule)
	b.WriteString("                           go-watchdo Exit Summary\n")
	b.WriteString(summaryRule + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(cfg.Duration))
	b.WriteString("(No task statistics were collected)\n\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(summaryRule)

	return b.String()
}

func writeSection(b *strings.Builder, title string) {
	b.WriteString(sectionRule)
	pad := (len([]rune(sectionRule)) - 1 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(sectionRule + "\n")
}

func lastExitString(s Summary) string {
	switch {
	case s.Runs == 0:
		return "-"
	case !s.LastExitKnown:
		return "?"
	default:
		return fmt.Sprintf("%d", s.LastExitCode)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

// ExitCodeLabel returns a human-readable label for common exit codes.
func ExitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 126:
		return "(not executable)"
	case 127:
		return "(not found)"
	case 129:
		return "(SIGHUP)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
