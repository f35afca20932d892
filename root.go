package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/canopyfs/canopy/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "canopy",
		Short:   "Multi-backend file gateway",
		Long:    "A virtual filesystem gateway over local, S3, WebDAV, and OneDrive backends.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it
		// ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// buildLogger creates an slog.Logger from the logging config. The "auto"
// format picks text on a terminal and JSON otherwise, so service logs stay
// machine-parseable without configuration. --verbose and --quiet win over
// the config file.
func buildLogger(lc config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo

	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := lc.Format
	if format == "" || format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
