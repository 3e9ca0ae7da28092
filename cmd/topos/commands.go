package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rand/topos/internal/differ"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/source"
	"github.com/rand/topos/internal/store"
	"github.com/rand/topos/internal/workspace"
)

var checkCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validate the workspace and print diagnostics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Load(cmd.Context(), workspaceRoot(args))
		if err != nil {
			return err
		}
		diags, hasErrors, err := ws.Check(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			if err := printJSON(diags); err != nil {
				return err
			}
		} else {
			renderDiagnostics(ws, diags)
		}
		if hasErrors {
			os.Exit(1)
		}
		return nil
	},
}

var symbolsDB bool

var symbolsCmd = &cobra.Command{
	Use:   "symbols <file | prefix>",
	Short: "Print a file's symbol outline, or search the saved index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if symbolsDB {
			s, err := store.Open(workspaceRoot(nil))
			if err != nil {
				return err
			}
			defer s.Close()
			symbols, err := s.FindSymbols(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(symbols)
			}
			renderStoredSymbols(symbols)
			return nil
		}

		ws, err := workspace.Load(cmd.Context(), workspaceRoot(nil))
		if err != nil {
			return err
		}
		id, ok := ws.DB.FileByPath(args[0])
		if !ok {
			return fmt.Errorf("file %q is not part of the workspace", args[0])
		}
		symbols, err := ws.SymbolsIn(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(symbols)
		}
		renderSymbols(args[0], symbols)
		return nil
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace [path]",
	Short: "Build the requirement traceability report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Load(cmd.Context(), workspaceRoot(args))
		if err != nil {
			return err
		}
		report, err := ws.DB.Traceability(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(report)
		}
		renderTrace(report)
		return nil
	},
}

var diffMode string

var diffCmd = &cobra.Command{
	Use:   "diff <rootA> <rootB>",
	Short: "Compare two workspace snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := differ.Mode(diffMode)
		if mode != differ.ModeStructural && mode != differ.ModeHybrid {
			return fmt.Errorf("unknown diff mode %q (want structural or hybrid)", diffMode)
		}

		wsA, err := workspace.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		wsB, err := workspace.Load(cmd.Context(), args[1])
		if err != nil {
			return err
		}

		var judge differ.ProseJudge
		if mode == differ.ModeHybrid {
			apiKey := os.Getenv(wsA.Cfg.Judge.APIKeyEnv)
			judge, err = differ.NewGenAIJudge(cmd.Context(), apiKey, wsA.Cfg.Judge.Model)
			if err != nil {
				return fmt.Errorf("hybrid mode needs a prose judge: %w", err)
			}
		}

		report, err := wsA.Diff(cmd.Context(), wsB, mode, judge)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(report)
		}
		renderDrift(report)
		return nil
	},
}

var hoverCmd = &cobra.Command{
	Use:   "hover <file> <line> <col>",
	Short: "Describe the entity at a position",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("line must be a number: %w", err)
		}
		col, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("column must be a number: %w", err)
		}

		ws, err := workspace.Load(cmd.Context(), workspaceRoot(nil))
		if err != nil {
			return err
		}
		id, ok := ws.DB.FileByPath(args[0])
		if !ok {
			return fmt.Errorf("file %q is not part of the workspace", args[0])
		}
		info, err := ws.HoverAt(cmd.Context(), id, source.Position{Line: line, Column: col})
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Println("nothing here")
			return nil
		}
		if jsonOut {
			return printJSON(info)
		}
		renderHover(info)
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Persist the workspace symbol and coverage index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := workspaceRoot(args)
		ws, err := workspace.Load(cmd.Context(), root)
		if err != nil {
			return err
		}
		return saveIndex(cmd.Context(), root, ws)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch the workspace and re-check on changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Load(cmd.Context(), workspaceRoot(args))
		if err != nil {
			return err
		}

		runCheck := func(changed string) {
			diags, _, err := ws.Check(cmd.Context())
			if err != nil {
				fmt.Fprintln(os.Stderr, "check failed:", err)
				return
			}
			if changed != "" {
				fmt.Printf("── %s changed ──\n", changed)
			}
			renderDiagnostics(ws, diags)
		}
		runCheck("")

		w, err := ws.Watch(runCheck)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = w.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	symbolsCmd.Flags().BoolVar(&symbolsDB, "db", false, "search the saved index instead of a live file")
	diffCmd.Flags().StringVar(&diffMode, "mode", "structural", "comparison mode: structural or hybrid")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// saveIndex snapshots every file's symbol table plus the traceability
// report into the persisted index.
func saveIndex(ctx context.Context, root string, ws *workspace.Workspace) error {
	tables := make(map[string]*index.SymbolTable)
	for _, file := range ws.DB.AllFiles() {
		table, err := ws.DB.FileSymbols(ctx, file)
		if err != nil {
			return err
		}
		tables[ws.DB.PathOf(file)] = table
	}
	report, err := ws.DB.Traceability(ctx)
	if err != nil {
		return err
	}

	s, err := store.Open(root)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.SaveSnapshot(ctx, store.SnapshotInput{
		Root:   root,
		Tables: tables,
		Report: report,
	})
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d files as snapshot %s\n", len(tables), id)
	return nil
}
