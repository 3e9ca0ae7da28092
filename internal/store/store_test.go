package store

import (
	"context"
	"testing"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/source"
	"github.com/rand/topos/internal/syntax"
	"github.com/rand/topos/internal/trace"
)

func buildTables(t *testing.T, texts map[string]string) (map[string]*index.SymbolTable, *trace.Report) {
	t.Helper()
	tables := make(map[string]*index.SymbolTable)
	files := make(map[string]*ast.File)
	next := source.FileID(1)
	for p, text := range texts {
		f, _ := ast.Lower(syntax.Parse(text, nil))
		tables[p] = index.Build(next, f)
		files[p] = f
		next++
	}
	return tables, trace.Build(files)
}

func TestSaveAndQuerySnapshot(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	tables, report := buildTables(t, map[string]string{
		"a.tps": "Concept User:\n  field id (`UUID`)\n\n## REQ-1: R\nwhen: x\nthe system shall: y\n",
	})
	id, err := s.SaveSnapshot(context.Background(), SnapshotInput{
		Root:   root,
		Tables: tables,
		Report: report,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty snapshot id")
	}

	symbols, err := s.FindSymbols(context.Background(), "Use")
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 1 || symbols[0].Name != "User" || symbols[0].Kind != "concept" {
		t.Errorf("symbol search wrong: %+v", symbols)
	}

	history, err := s.CoverageHistory(context.Background(), "REQ-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].HasBehavior {
		t.Errorf("coverage history wrong: %+v", history)
	}
}

func TestLatestSnapshotWins(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	first, _ := buildTables(t, map[string]string{"a.tps": "Concept Old:\n  field x (`String`)\n"})
	if _, err := s.SaveSnapshot(context.Background(), SnapshotInput{Root: root, Tables: first}); err != nil {
		t.Fatal(err)
	}
	second, _ := buildTables(t, map[string]string{"a.tps": "Concept New:\n  field x (`String`)\n"})
	if _, err := s.SaveSnapshot(context.Background(), SnapshotInput{Root: root, Tables: second}); err != nil {
		t.Fatal(err)
	}

	if got, err := s.FindSymbols(context.Background(), "Old"); err != nil || len(got) != 0 {
		t.Errorf("stale snapshot served: %+v (%v)", got, err)
	}
	if got, err := s.FindSymbols(context.Background(), "New"); err != nil || len(got) != 1 {
		t.Errorf("latest snapshot missing: %+v (%v)", got, err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()
	s2, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	s2.Close()
}
