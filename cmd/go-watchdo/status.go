package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/randomizedcoder/go-watchdo/internal/logging"
	"github.com/randomizedcoder/go-watchdo/internal/metrics"
)

var (
	statusAddr    = "127.0.0.1:17092"
	statusTimeout = 5 * time.Second
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tasks of a running go-watchdo via its metrics endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.NewLoggerWithWriter(cmd.ErrOrStderr(), "text", "warn")
		scraper := metrics.NewScraper(statusAddr, statusTimeout, logger)

		status, err := scraper.Scrape(cmd.Context())
		if err != nil {
			return fmt.Errorf("%s: %w", scraper.URL(), err)
		}
		printStatus(cmd.OutOrStdout(), scraper.URL(), status)
		return nil
	},
}

func bindStatusFlags(fs *pflag.FlagSet) {
	fs.StringVar(&statusAddr, "addr", statusAddr, "Metrics address (host:port or URL) of the running instance")
	fs.DurationVar(&statusTimeout, "timeout", statusTimeout, "Scrape timeout")
}

// printStatus writes one row per task.
func printStatus(w io.Writer, url string, s *metrics.Status) {
	version := s.Version
	if version == "" {
		version = "unknown"
	}
	fmt.Fprintf(w, "go-watchdo %s at %s\n\n", version, url)
	if len(s.Tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tRESTARTS\tRUNS\tFAILURES\tRETRIES\tLAST EXIT\tMEAN RUN\tEXITS")
	for _, t := range s.Tasks {
		last := "-"
		if t.LastExitKnown {
			last = fmt.Sprintf("%d", t.LastExitCode)
		}
		mean := "-"
		if t.RunCount > 0 {
			mean = t.RunTimeMean.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.0f\t%.0f\t%.0f\t%s\t%s\t%s\n",
			t.Name, t.State, t.Restarts, t.Runs, t.Failures, t.Retries, last, mean, exitReasons(t.ExitsByReason))
	}
	tw.Flush()
}

// exitReasons formats exit counts as "error=2 success=5".
func exitReasons(m map[string]float64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "-"
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.0f", k, m[k]))
	}
	return strings.Join(parts, " ")
}
