package main

import (
	"os"

	"github.com/cosmicboots/phoenix/internal/observability"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phoenix",
		Short: "Chunk-deduplicated file synchronization",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "phoenix.toml", "path to the TOML config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default: text on a TTY, json otherwise)")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(dumpConfigCmd())
	cmd.AddCommand(dumpDBCmd())
	cmd.AddCommand(genKeyCmd())
	return cmd
}

func rootLogger() observability.Logger {
	pretty := logFormat == "text"
	if logFormat == "" {
		pretty = isTerminal(os.Stderr)
	}
	return observability.New(logLevel, pretty, os.Stderr)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
