package syntax

import (
	"strings"
	"testing"
)

const minimalSpec = `spec Demo

# Requirements

## REQ-1: Hello
when: user waves
the system shall: wave back
`

func TestParseMinimalSpec(t *testing.T) {
	tree := Parse(minimalSpec, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("expected no parse errors, got %v", tree.Errors)
	}
	if tree.Root.Kind != KindSourceFile {
		t.Fatalf("root kind = %v", tree.Root.Kind)
	}

	if len(tree.Root.Children) != 2 {
		t.Fatalf("expected spec decl + section, got %d blocks", len(tree.Root.Children))
	}
	spec := tree.Root.Children[0]
	if spec.Kind != KindSpecDecl || spec.Child(KindName).Text != "Demo" {
		t.Errorf("spec decl wrong: %+v", spec)
	}

	section := tree.Root.Children[1]
	if section.Kind != KindSection || section.Text != "Requirements" {
		t.Fatalf("section wrong: kind=%v text=%q", section.Kind, section.Text)
	}
	req := section.Child(KindRequirement)
	if req == nil {
		t.Fatal("requirement missing")
	}
	if id := req.Child(KindHeaderID); id == nil || id.Text != "REQ-1" {
		t.Errorf("requirement id wrong: %+v", id)
	}
	if title := req.Child(KindHeaderTitle); title == nil || title.Text != "Hello" {
		t.Errorf("requirement title wrong: %+v", title)
	}

	ears := req.Child(KindEars)
	if ears == nil {
		t.Fatal("ears clause missing")
	}
	if trig := ears.Child(KindTrigger); trig == nil || trig.Text != "when" {
		t.Errorf("trigger wrong: %+v", trig)
	}
	if cond := ears.Child(KindCondition); cond == nil || cond.Text != "user waves" {
		t.Errorf("condition wrong: %+v", cond)
	}
	if shall := ears.Child(KindShall); shall == nil || shall.Text != "wave back" {
		t.Errorf("shall wrong: %+v", shall)
	}
}

func TestParseConceptWithFields(t *testing.T) {
	text := "spec A\n\nConcept User:\n  A user of the system.\n  field id (`UUID`): unique\n  field name (`String`): optional, default \"anon\"\n"
	tree := Parse(text, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", tree.Errors)
	}
	concept := tree.Root.Children[1]
	if concept.Kind != KindConcept {
		t.Fatalf("expected concept, got %v", concept.Kind)
	}
	if name := concept.Child(KindName); name.Text != "User" {
		t.Errorf("concept name = %q", name.Text)
	}
	fields := concept.ChildrenOf(KindField)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Child(KindName).Text != "id" {
		t.Errorf("field 0 name wrong")
	}
	constraints := fields[1].ChildrenOf(KindConstraint)
	if len(constraints) != 2 || constraints[0].Text != "optional" {
		t.Errorf("field 1 constraints wrong: %+v", constraints)
	}
	if te := fields[0].Child(KindTypeExpr); te == nil || te.Child(KindReference).Text != "UUID" {
		t.Errorf("field 0 type wrong")
	}
}

func TestParseBehaviorBody(t *testing.T) {
	text := strings.Join([]string{
		"Behavior create_session(user `User`):",
		"  Implements `REQ-1`.",
		"  Creates a session.",
		"  returns: `Session` or `AuthError`",
		"  requires: user is active",
		"  ensures: `result`.user = user",
		"",
	}, "\n")
	tree := Parse(text, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", tree.Errors)
	}
	b := tree.Root.Children[0]
	if b.Kind != KindBehavior || b.Child(KindName).Text != "create_session" {
		t.Fatalf("behavior header wrong: %+v", b)
	}
	param := b.Child(KindParam)
	if param == nil || param.Child(KindName).Text != "user" {
		t.Fatalf("param wrong: %+v", param)
	}
	impl := b.Child(KindImplements)
	if impl == nil || impl.Child(KindReference).Text != "REQ-1" {
		t.Errorf("implements wrong: %+v", impl)
	}
	ret := b.Child(KindReturns)
	if ret == nil || len(ret.ChildrenOf(KindTypeExpr)) != 2 {
		t.Errorf("returns wrong: %+v", ret)
	}
	if b.Child(KindRequires) == nil || b.Child(KindEnsures) == nil {
		t.Error("requires/ensures missing")
	}
}

func TestParseTaskBody(t *testing.T) {
	text := strings.Join([]string{
		"# Tasks",
		"",
		"## TASK-1: Implement login",
		"[REQ-1] [REQ-2]",
		"file: src/auth.go",
		"tests: src/auth_test.go",
		"depends: TASK-0",
		"status: done",
		"evidence:",
		"  pr: #42",
		"  commit: abc123",
		"",
	}, "\n")
	tree := Parse(text, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", tree.Errors)
	}
	task := tree.Root.Children[0].Child(KindTask)
	if task == nil || task.Child(KindHeaderID).Text != "TASK-1" {
		t.Fatalf("task header wrong")
	}
	refs := task.ChildrenOf(KindReference)
	if len(refs) != 2 || refs[0].Text != "REQ-1" || refs[1].Text != "REQ-2" {
		t.Errorf("task refs wrong: %+v", refs)
	}
	if task.Child(KindFilePath).Text != "src/auth.go" {
		t.Errorf("file path wrong")
	}
	if task.Child(KindStatus).Text != "done" {
		t.Errorf("status wrong")
	}
	ev := task.Child(KindEvidence)
	if ev == nil || len(ev.ChildrenOf(KindEvidenceItem)) != 2 {
		t.Errorf("evidence wrong: %+v", ev)
	}
}

func TestParseImportForms(t *testing.T) {
	text := "import from \"./a.tps\": `User`, `Role` as `Kind`\nimport from \"./b.tps\": *\nimport \"./c.tps\" as common\n"
	tree := Parse(text, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", tree.Errors)
	}
	imports := tree.Root.ChildrenOf(KindImport)
	if len(imports) != 3 {
		t.Fatalf("expected 3 imports, got %d", len(imports))
	}
	items := imports[0].ChildrenOf(KindImportItem)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	names := items[1].ChildrenOf(KindName)
	if len(names) != 2 || names[0].Text != "Role" || names[1].Text != "Kind" {
		t.Errorf("renamed item wrong: %+v", names)
	}
	if glob := imports[1].Child(KindImportItem); glob == nil || glob.Text != "*" {
		t.Errorf("glob import wrong")
	}
	if alias := imports[2].Child(KindName); alias == nil || alias.Text != "common" {
		t.Errorf("module alias wrong")
	}
}

func TestForeignBlockPreservedVerbatim(t *testing.T) {
	text := "# Design\n\n```rust\nfn main() {\n    println!(\"hi\");\n}\n```\nafter\n"
	tree := Parse(text, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", tree.Errors)
	}
	foreign := tree.Root.Children[0].Child(KindForeign)
	if foreign == nil || foreign.Text != "rust" {
		t.Fatalf("foreign block wrong: %+v", foreign)
	}
	lines := foreign.ChildrenOf(KindProse)
	if len(lines) != 3 {
		t.Fatalf("expected 3 content lines, got %d", len(lines))
	}
	if lines[1].Text != "    println!(\"hi\");" {
		t.Errorf("fence content not verbatim: %q", lines[1].Text)
	}
}

func TestErrorRecoveryKeepsParsing(t *testing.T) {
	text := "spec Demo\n\nfield stray (`X`)\n\n# Requirements\n\n## REQ-1: Works\nwhen: x\nthe system shall: y\n"
	tree := Parse(text, nil)
	if len(tree.Errors) == 0 {
		t.Fatal("expected a recovered error for the stray field line")
	}
	// The requirement after the bad line still parses.
	var found bool
	for _, block := range tree.Root.Children {
		if block.Kind == KindSection && block.Child(KindRequirement) != nil {
			found = true
		}
	}
	if !found {
		t.Error("requirement after error was lost")
	}
}

func TestTotalParseOnGarbage(t *testing.T) {
	for _, text := range []string{
		"",
		"\n\n\n",
		"   \t\n  x\n",
		"## \n#\n```\nunterminated",
		"\xff\xfe garbage bytes\n",
		"[? unterminated hole\n",
	} {
		tree := Parse(text, nil)
		if tree.Root == nil || tree.Root.Kind != KindSourceFile {
			t.Errorf("%q: no source file produced", text)
		}
		for i := 1; i < len(tree.Errors); i++ {
			if tree.Errors[i-1].Span.Compare(tree.Errors[i].Span) > 0 {
				t.Errorf("%q: errors not sorted", text)
			}
		}
	}
}

func TestSubsectionHeading(t *testing.T) {
	tree := Parse("# Requirements\n\n## Overview\nsome prose\n", nil)
	sub := tree.Root.Children[0].Child(KindSubsection)
	if sub == nil {
		t.Fatal("expected subsection for non-ID heading")
	}
	if sub.Child(KindHeaderTitle).Text != "Overview" {
		t.Errorf("subsection title wrong")
	}
}

func TestHoleForms(t *testing.T) {
	text := "## REQ-1: H\nwhen: x\nthe system shall: [? `U` -> `V` | `E` where: v is valid involving: `U`]\n"
	tree := Parse(text, nil)
	if len(tree.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", tree.Errors)
	}
	req := tree.Root.Children[0]
	if req.Kind != KindRequirement {
		t.Fatalf("expected a top-level requirement, got %v", req.Kind)
	}
	shall := req.Child(KindEars).Child(KindShall)
	hole := shall.Child(KindHole)
	if hole == nil {
		t.Fatal("hole missing from shall clause")
	}
	types := hole.ChildrenOf(KindTypeExpr)
	if len(types) != 3 {
		t.Fatalf("expected 3 typed roles, got %d", len(types))
	}
	roles := map[string]bool{}
	for _, te := range types {
		roles[te.Text] = true
	}
	if !roles["input"] || !roles["output"] || !roles["error"] {
		t.Errorf("hole roles wrong: %v", roles)
	}
	if hole.Child(KindRequires) == nil {
		t.Error("where: constraint missing")
	}
	if hole.Child(KindDepends) == nil {
		t.Error("involving: clause missing")
	}
}
