package trace

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/syntax"
)

func files(t *testing.T, texts map[string]string) map[string]*ast.File {
	t.Helper()
	out := make(map[string]*ast.File, len(texts))
	for p, text := range texts {
		f, _ := ast.Lower(syntax.Parse(text, nil))
		out[p] = f
	}
	return out
}

const tracedSpec = `spec Demo

# Requirements

## REQ-1: Login
when: credentials are valid
the system shall: create a session

# Behaviors

Behavior foo:
  Implements ` + "`REQ-1`" + `.
  ensures: session exists

Behavior orphan:
  ensures: nothing links here

# Tasks

## TASK-1: Build login
[REQ-1]
file: src/foo.rs
status: done

## TASK-2: Orphaned
status: pending
`

func TestCoverageFlags(t *testing.T) {
	report := Build(files(t, map[string]string{"demo.tps": tracedSpec}))

	if report.Coverage.TotalRequirements != 1 {
		t.Fatalf("total requirements = %d", report.Coverage.TotalRequirements)
	}
	entry := report.Entry("REQ-1")
	if entry == nil {
		t.Fatal("REQ-1 missing from report")
	}
	want := Coverage{HasBehavior: true, HasTask: true, HasImplementation: true, HasTests: false}
	if diff := cmp.Diff(want, entry.Coverage); diff != "" {
		t.Errorf("coverage mismatch:\n%s", diff)
	}
	if len(entry.Behaviors) != 1 || entry.Behaviors[0].Name != "foo" {
		t.Errorf("behavior links wrong: %+v", entry.Behaviors)
	}
	if len(entry.Tasks) != 1 || entry.Tasks[0].ID != "TASK-1" || entry.Tasks[0].Status != "done" {
		t.Errorf("task links wrong: %+v", entry.Tasks)
	}
}

func TestOrphans(t *testing.T) {
	report := Build(files(t, map[string]string{"demo.tps": tracedSpec}))
	if len(report.OrphanBehaviors) != 1 || report.OrphanBehaviors[0].Name != "orphan" {
		t.Errorf("orphan behaviors wrong: %+v", report.OrphanBehaviors)
	}
	if len(report.OrphanTasks) != 1 || report.OrphanTasks[0].ID != "TASK-2" {
		t.Errorf("orphan tasks wrong: %+v", report.OrphanTasks)
	}
}

func TestCoverageTotalsConsistent(t *testing.T) {
	// Per-flag counts never exceed the total, and every counted
	// requirement appears exactly once.
	report := Build(files(t, map[string]string{
		"a.tps": "## REQ-1: A\nwhen: x\nthe system shall: y\n",
		"b.tps": "## REQ-2: B\nwhen: x\nthe system shall: y\n\nBehavior impl_b:\n  Implements `REQ-2`.\n",
		"c.tps": "## TASK-1: T\n[REQ-1]\ntests: a_test.go\n",
	}))
	c := report.Coverage
	if c.TotalRequirements != 2 {
		t.Fatalf("total = %d", c.TotalRequirements)
	}
	for name, n := range map[string]int{
		"with_behaviors":      c.WithBehaviors,
		"with_tasks":          c.WithTasks,
		"with_implementation": c.WithImplementation,
		"with_tests":          c.WithTests,
	} {
		if n < 0 || n > c.TotalRequirements {
			t.Errorf("%s = %d out of range", name, n)
		}
	}
	if c.WithBehaviors != 1 || c.WithTasks != 1 || c.WithTests != 1 || c.WithImplementation != 0 {
		t.Errorf("counts wrong: %+v", c)
	}
}

func TestCrossFileLinks(t *testing.T) {
	report := Build(files(t, map[string]string{
		"req.tps":  "## REQ-9: Cross\nwhen: x\nthe system shall: y\n",
		"impl.tps": "Behavior doer:\n  Implements `REQ-9`.\n",
	}))
	entry := report.Entry("REQ-9")
	if entry == nil || len(entry.Behaviors) != 1 {
		t.Fatalf("cross-file link missing: %+v", entry)
	}
	if entry.Behaviors[0].File != "impl.tps" {
		t.Errorf("link file wrong: %+v", entry.Behaviors[0])
	}
}

func TestDeterministicOrder(t *testing.T) {
	texts := map[string]string{
		"z.tps": "## REQ-30: Z\nwhen: x\nthe system shall: y\n",
		"a.tps": "## REQ-10: A\nwhen: x\nthe system shall: y\n",
		"m.tps": "## REQ-20: M\nwhen: x\nthe system shall: y\n",
	}
	first := Build(files(t, texts))
	second := Build(files(t, texts))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("report not deterministic:\n%s", diff)
	}
	var ids []string
	for _, entry := range first.Requirements {
		ids = append(ids, entry.ID)
	}
	if strings.Join(ids, ",") != "REQ-10,REQ-20,REQ-30" {
		t.Errorf("requirements not in path order: %v", ids)
	}
}

func TestStableJSONShape(t *testing.T) {
	report := Build(files(t, map[string]string{"demo.tps": tracedSpec}))
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		`"requirements"`, `"orphan_behaviors"`, `"orphan_tasks"`, `"coverage"`,
		`"has_behavior"`, `"has_task"`, `"has_implementation"`, `"has_tests"`,
		`"total_requirements"`, `"with_behaviors"`, `"with_tasks"`,
		`"with_implementation"`, `"with_tests"`,
	} {
		if !strings.Contains(string(data), key) {
			t.Errorf("JSON missing key %s", key)
		}
	}
}
