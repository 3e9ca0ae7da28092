package index

import (
	"testing"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/syntax"
)

func fileOf(t *testing.T, text string) *ast.File {
	t.Helper()
	f, _ := ast.Lower(syntax.Parse(text, nil))
	return f
}

const indexedSpec = `spec A

Concept User:
  field id (` + "`UUID`" + `): unique
  field email (` + "`Email`" + `)

private Concept Internal:
  field secret (` + "`String`" + `)

Concept Color:
  one of Red, Green, Blue

Behavior login(user ` + "`User`" + `):
  Implements ` + "`REQ-1`" + `.
  requires: user is active

Invariant UniqueEmails:
  for each ` + "`u`" + ` in ` + "`User`" + `: u.email is unique

# Requirements

## REQ-1: Login works
when: credentials are valid
the system shall: create a session

# Tasks

## TASK-1: Wire it up
[REQ-1]
`

func TestSymbolTable(t *testing.T) {
	table := Build(1, fileOf(t, indexedSpec))

	wantKinds := map[string]SymbolKind{
		"User":         KindConcept,
		"Internal":     KindConcept,
		"Color":        KindConcept,
		"login":        KindBehavior,
		"UniqueEmails": KindInvariant,
		"REQ-1":        KindRequirement,
		"TASK-1":       KindTask,
	}
	for name, kind := range wantKinds {
		s := table.Lookup(name)
		if s == nil {
			t.Errorf("symbol %s missing", name)
			continue
		}
		if s.Kind != kind {
			t.Errorf("symbol %s: kind %v, want %v", name, s.Kind, kind)
		}
	}

	if s := table.Lookup("Internal"); s == nil || !s.Private {
		t.Error("Internal should be private")
	}

	children := table.Children("User")
	if len(children) != 2 {
		t.Fatalf("expected 2 child symbols of User, got %d", len(children))
	}
	if children[0].Name != "id" || children[0].Kind != KindField {
		t.Errorf("child symbol wrong: %+v", children[0])
	}

	variants := table.Children("Color")
	if len(variants) != 3 || variants[0].Kind != KindVariant {
		t.Errorf("enum variants wrong: %+v", variants)
	}

	params := table.Children("login")
	if len(params) != 1 || params[0].Kind != KindParam {
		t.Errorf("behavior params wrong: %+v", params)
	}
}

func TestExportsExcludePrivateAndChildren(t *testing.T) {
	table := Build(1, fileOf(t, indexedSpec))
	exports := Exports(table)

	if _, ok := exports.Symbols["Internal"]; ok {
		t.Error("private symbol exported")
	}
	if _, ok := exports.Symbols["id"]; ok {
		t.Error("child symbol exported at top level")
	}
	if _, ok := exports.Symbols["User"]; !ok {
		t.Error("public concept not exported")
	}
	if _, ok := exports.Symbols["REQ-1"]; !ok {
		t.Error("requirement not exported")
	}
}

func TestImportMap(t *testing.T) {
	text := "import from \"./a.tps\": `User`, `Role` as `Kind`, `User`\nimport from \"./b.tps\": *\nimport \"./c.tps\" as common\n"
	m := BuildImports(1, fileOf(t, text))

	if rec, ok := m.ByName["User"]; !ok || rec.OriginalName != "User" || rec.SourcePath != "./a.tps" {
		t.Errorf("User binding wrong: %+v", rec)
	}
	if rec, ok := m.ByName["Kind"]; !ok || rec.OriginalName != "Role" || rec.Alias != "Kind" {
		t.Errorf("renamed binding wrong: %+v", rec)
	}
	if len(m.Duplicates) != 1 || m.Duplicates[0].OriginalName != "User" {
		t.Errorf("duplicate tracking wrong: %+v", m.Duplicates)
	}
	if len(m.Globs) != 1 || m.Globs[0].SourcePath != "./b.tps" {
		t.Errorf("glob wrong: %+v", m.Globs)
	}
	if rec, ok := m.Namespaces["common"]; !ok || !rec.Namespace || rec.SourcePath != "./c.tps" {
		t.Errorf("namespace wrong: %+v", rec)
	}
}

func TestBehaviorDetailRendering(t *testing.T) {
	table := Build(1, fileOf(t, indexedSpec))
	s := table.Lookup("login")
	if s.Detail != "login(user `User`)" {
		t.Errorf("behavior detail = %q", s.Detail)
	}
}
