package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rand/topos/internal/differ"
	"github.com/rand/topos/internal/source"
	"github.com/rand/topos/internal/validation"
)

func writeWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, text := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestLoadAndCheck(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"demo.tps": "spec Demo\n\n# Requirements\n\n## REQ-1: Hello\nwhen: user waves\nthe system shall: wave back\n",
		"notes.md": "not a topos file\n",
	})
	ws, err := Load(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ws.DB.FileByPath("demo.tps"); !ok {
		t.Fatal("demo.tps not registered")
	}
	if _, ok := ws.DB.FileByPath("notes.md"); ok {
		t.Error("non-topos file registered")
	}

	diags, hasErrors, err := ws.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if hasErrors {
		t.Errorf("no error-severity findings expected: %+v", diags)
	}
	var warnings int
	for _, d := range diags {
		if d.Severity == validation.SeverityWarning {
			warnings++
		}
	}
	if warnings != 2 {
		t.Errorf("expected W202+W203, got %+v", diags)
	}
}

func TestHighDurabilityAssignment(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"std/common.tps": "Concept Shared:\n  field x (`String`)\n",
		"user.tps":       "spec User\n",
	})
	ws, err := Load(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	// Both load; durability tiers must not change semantics.
	if _, ok := ws.DB.FileByPath("std/common.tps"); !ok {
		t.Error("std file missing")
	}
	if _, ok := ws.DB.FileByPath("user.tps"); !ok {
		t.Error("user file missing")
	}
}

func TestResolveAtAndHoverAt(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"a.tps": "spec A\n\nConcept User:\n  A person.\n  field id (`UUID`)\n",
		"b.tps": "spec B\n\nimport from \"./a.tps\": `User`\n\nConcept Session:\n  field user (`User`)\n",
	})
	ws, err := Load(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := ws.DB.FileByPath("b.tps")
	pr, err := ws.DB.Parse(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var userPos source.Position
	for _, use := range pr.File.Refs {
		if use.Ref.Name == "User" {
			userPos = use.Ref.Span.StartPos
		}
	}
	if userPos.Line == 0 {
		t.Fatal("no User reference in b.tps")
	}

	def, err := ws.ResolveAt(context.Background(), id, userPos)
	if err != nil {
		t.Fatal(err)
	}
	aID, _ := ws.DB.FileByPath("a.tps")
	if def == nil || def.File != aID {
		t.Fatalf("goto-definition wrong: %+v", def)
	}

	info, err := ws.HoverAt(context.Background(), id, userPos)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.Kind != "concept" || info.Name != "User" {
		t.Fatalf("hover wrong: %+v", info)
	}
	if info.Documentation == "" {
		t.Error("hover should carry the concept doc")
	}
}

func TestReferencesTo(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"a.tps": "Concept User:\n  field id (`UUID`)\n",
		"b.tps": "import from \"./a.tps\": `User`\n\nConcept S1:\n  field u (`User`)\n",
		"c.tps": "import from \"./a.tps\": `User`\n\nConcept S2:\n  field u (`User`)\n",
	})
	ws, err := Load(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	bID, _ := ws.DB.FileByPath("b.tps")
	pr, _ := ws.DB.Parse(context.Background(), bID)
	var use = pr.File.Refs[0]
	def, err := ws.DB.Resolve(context.Background(), bID, use)
	if err != nil || def == nil {
		t.Fatalf("resolve failed: %v %v", def, err)
	}

	locs, err := ws.ReferencesTo(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 {
		t.Errorf("expected 2 references (b and c), got %+v", locs)
	}
}

func TestEditThroughFacade(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"a.tps": "## REQ-1: Old\nwhen: x\nthe system shall: y\n",
	})
	ws, err := Load(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	ws.SetFile("a.tps", "## REQ-1: New title\nwhen: x\nthe system shall: y\n")

	id, _ := ws.DB.FileByPath("a.tps")
	pr, err := ws.DB.Parse(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if pr.File.Requirements()[0].Title != "New title" {
		t.Error("edit not visible through parse")
	}

	ws.RemoveFile("a.tps")
	if _, ok := ws.DB.FileByPath("a.tps"); ok {
		t.Error("file still present after removal")
	}
}

func TestSnapshotDiffStructural(t *testing.T) {
	rootA := writeWorkspace(t, map[string]string{
		"s.tps": "## REQ-1: H\nwhen: user waves\nthe system shall: wave back\n",
	})
	rootB := writeWorkspace(t, map[string]string{
		"s.tps": "## REQ-1: H\nwhen: user bows\nthe system shall: wave back\n",
	})
	wsA, err := Load(context.Background(), rootA)
	if err != nil {
		t.Fatal(err)
	}
	wsB, err := Load(context.Background(), rootB)
	if err != nil {
		t.Fatal(err)
	}
	report, err := wsA.Diff(context.Background(), wsB, differ.ModeStructural, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Structural) != 1 || report.Structural[0].Kind != differ.RequirementEarsChanged {
		t.Errorf("diff wrong: %+v", report.Structural)
	}
	if len(report.Semantic) != 0 {
		t.Error("structural mode must not produce semantic findings")
	}
}
