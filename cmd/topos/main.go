// Package main implements the topos CLI, a thin front-end over the
// analysis engine's query interface.
//
// Commands:
//   - check    workspace diagnostics; exit 1 when errors exist
//   - symbols  file outline, or symbol search against the saved index
//   - trace    traceability report
//   - diff     structural or hybrid drift between two workspaces
//   - hover    hover info at file:line:col
//   - index    persist the workspace symbol/coverage index
//   - watch    re-check on file changes
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rand/topos/internal/logging"
)

var (
	verbose     bool
	workspaceFl string
	jsonOut     bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "topos",
	Short: "topos - specification language analysis toolchain",
	Long: `topos parses, validates, indexes and compares structured-prose
specification documents across a workspace.

The engine exposes its knowledge through memoized queries; every
command here is a thin consumer of that query interface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if verbose {
			if err := logging.Initialize(logging.Options{Debug: true}); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to initialize engine logging: %v\n", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspaceFl, "workspace", "w", "", "workspace root (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit JSON instead of styled text")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(hoverCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(watchCmd)
}

// workspaceRoot resolves the root directory for commands.
func workspaceRoot(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if workspaceFl != "" {
		return workspaceFl
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
