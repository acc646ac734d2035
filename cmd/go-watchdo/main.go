// Package main provides the go-watchdo CLI entry point.
//
// go-watchdo supervises long-running or repeatable commands and restarts
// them when their source files change, on a schedule, or on request over
// NATS, debouncing bursts of triggers into a single restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-watchdo/internal/config"
	"github.com/randomizedcoder/go-watchdo/internal/logging"
	"github.com/randomizedcoder/go-watchdo/internal/orchestrator"
	"github.com/randomizedcoder/go-watchdo/internal/preflight"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-watchdo
var version = "dev"

// defaultTasksFile is looked up in the working directory when neither
// --tasks nor a command is given.
const defaultTasksFile = "watchdo.yaml"

var (
	cfg   = config.DefaultConfig()
	adHoc config.AdHocFlags
)

func main() {
	for _, c := range []*cobra.Command{runCmd, checkCmd} {
		config.BindFlags(c.Flags(), cfg)
		config.BindAdHocFlags(c.Flags(), &adHoc)
		// Everything after the command's first word belongs to it
		c.Flags().SetInterspersed(false)
		c.SetUsageFunc(usage)
	}
	bindStatusFlags(statusCmd.Flags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "go-watchdo",
	Short:         "Restart commands when their sources change",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] [--] [command [args...]]",
	Short: "Run the tasks and restart them on every trigger",
	Example: `  go-watchdo run --tasks watchdo.yaml
  go-watchdo run -w src -- make all
  go-watchdo run --schedule 10m --name backup -- ./backup.sh`,
	Args: cobra.ArbitraryArgs,
	RunE: doRun,
}

var checkCmd = &cobra.Command{
	Use:   "check [flags] [--] [command [args...]]",
	Short: "Validate the configuration and run the preflight checks",
	Args:  cobra.ArbitraryArgs,
	RunE:  doCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "go-watchdo: %s\n", buildVersion())

		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:      %s\n", s.Value)
			}
		}
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	if err := loadTasks(args); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration error:\n%w", err)
	}

	// The dashboard owns the terminal; keep the operator log off it
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, cfg.LogFormat, cfg.LogLevel)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	logger.Info("starting",
		"version", buildVersion(),
		"tasks", config.TaskNames(cfg),
		"tasks_file", cfg.TasksFile,
		"metrics_addr", cfg.MetricsAddr,
		"nats", cfg.NatsURL,
	)

	orch := orchestrator.New(cfg, logger,
		orchestrator.WithVersion(buildVersion()),
		orchestrator.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
	)
	if err := orch.Run(cmd.Context()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		return err
	}
	return nil
}

func doCheck(cmd *cobra.Command, args []string) error {
	if err := loadTasks(args); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration error:\n%w", err)
	}
	tasks, err := config.TaskSpecs(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, t := range tasks {
		fmt.Fprintf(out, "%s: %s (in %s)\n", t.Spec.Name, t.Spec.CommandString(), t.Spec.Dir)
		if len(t.Watch) > 0 {
			fmt.Fprintf(out, "  watch:    %s\n", strings.Join(t.Watch, ", "))
		}
		if t.Schedule != "" {
			fmt.Fprintf(out, "  schedule: %s\n", t.Schedule)
		}
		if t.LogFile != "" {
			fmt.Fprintf(out, "  log:      %s\n", t.LogFile)
		}
	}
	fmt.Fprintln(out)

	targets := make([]preflight.Target, 0, len(tasks))
	for _, t := range tasks {
		targets = append(targets, preflight.Target{
			Name:    t.Spec.Name,
			Command: t.Spec.Command[0],
			Dir:     t.Spec.Dir,
			Watch:   t.Watch,
		})
	}
	result := preflight.RunAll(targets)
	preflight.PrintResults(out, result)
	if !result.Passed {
		return orchestrator.ErrPreflightFailed
	}
	fmt.Fprintln(out, "Configuration OK.")
	return nil
}

// loadTasks fills cfg.Tasks from the command line, --tasks, or the
// default tasks file.
func loadTasks(args []string) error {
	if len(args) > 0 {
		if cfg.TasksFile != "" {
			return errors.New("give either --tasks or a command, not both")
		}
		tasks, err := config.AdHocTask(adHoc, args)
		if err != nil {
			return err
		}
		cfg.Tasks = tasks
		return nil
	}

	path := cfg.TasksFile
	if path == "" {
		if _, err := os.Stat(defaultTasksFile); err != nil {
			return fmt.Errorf("no tasks: give --tasks <file>, a command after --, or create %s", defaultTasksFile)
		}
		path = defaultTasksFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	tasks, err := config.LoadTasksFile(abs)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	cfg.TasksFile = abs
	cfg.Tasks = tasks
	return nil
}

// usage prints the command's flags grouped by category.
func usage(cmd *cobra.Command) error {
	out := cmd.OutOrStderr()
	fmt.Fprintf(out, "Usage:\n  %s\n", cmd.UseLine())
	if cmd.Example != "" {
		fmt.Fprintf(out, "\nExamples:\n%s\n", cmd.Example)
	}
	config.PrintUsage(out, cmd.Flags())
	return nil
}

// buildVersion prefers the ldflags version, then the module version.
func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}
