// Package cli implements the meshchat commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-mesh/internal/config"
	"github.com/pelusa-v/pelusa-mesh/internal/logger"
)

// cfg starts from defaults and MESHCHAT_* variables; flags override it.
var cfg = config.FromEnv()

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "meshchat",
	Short:         "Peer mesh and room chat with a rendezvous hub",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := RootCmd.PersistentFlags()
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for local state (env MESHCHAT_DATA_DIR)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	f.BoolVar(&cfg.LogPretty, "pretty", cfg.LogPretty, "Human-readable logs")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return logger.Init(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
}
