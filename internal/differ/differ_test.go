package differ

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-test/deep"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/syntax"
)

func snapshot(t *testing.T, texts map[string]string) *Snapshot {
	t.Helper()
	snap := &Snapshot{Files: make(map[string]*ast.File, len(texts))}
	for p, text := range texts {
		f, _ := ast.Lower(syntax.Parse(text, nil))
		snap.Files[p] = f
	}
	return snap
}

func kindsOf(changes []Change) []ChangeKind {
	out := make([]ChangeKind, len(changes))
	for i, c := range changes {
		out[i] = c.Kind
	}
	return out
}

func TestEarsTextChange(t *testing.T) {
	a := snapshot(t, map[string]string{
		"spec.tps": "## REQ-1: Hello\nwhen: user waves\nthe system shall: wave back\n",
	})
	b := snapshot(t, map[string]string{
		"spec.tps": "## REQ-1: Hello\nwhen: user nods\nthe system shall: wave back\n",
	})
	changes := Structural(a, b, DefaultOptions())
	if len(changes) != 1 {
		t.Fatalf("expected exactly one change, got %+v", changes)
	}
	got := changes[0]
	want := Change{
		Kind:   RequirementEarsChanged,
		Path:   "spec.tps#REQ-1",
		ID:     "REQ-1",
		Field:  "when",
		Index:  0,
		Before: "user waves",
		After:  "user nods",
		Span:   got.Span,
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("change mismatch: %v", diff)
	}
	if got.Span == nil {
		t.Error("change should carry the new clause span")
	}
}

func TestRequirementAddRemove(t *testing.T) {
	a := snapshot(t, map[string]string{
		"s.tps": "## REQ-1: Keep\nwhen: x\nthe system shall: y\n\n## REQ-2: Drop\nwhen: p\nthe system shall: q\n",
	})
	b := snapshot(t, map[string]string{
		"s.tps": "## REQ-1: Keep\nwhen: x\nthe system shall: y\n\n## REQ-3: Fresh entirely different\nwhen: not even close to the other\nthe system shall: do a brand new unrelated thing\n",
	})
	changes := Structural(a, b, DefaultOptions())
	kinds := kindsOf(changes)
	if len(changes) != 2 {
		t.Fatalf("expected add+remove, got %+v", changes)
	}
	var hasAdd, hasRemove bool
	for _, k := range kinds {
		if k == RequirementAdded {
			hasAdd = true
		}
		if k == RequirementRemoved {
			hasRemove = true
		}
	}
	if !hasAdd || !hasRemove {
		t.Errorf("kinds wrong: %v", kinds)
	}
}

func TestRequirementRenameDetected(t *testing.T) {
	text := "## %s: Same title here\nwhen: identical condition text\nthe system shall: identical behavior text\n"
	a := snapshot(t, map[string]string{"s.tps": fmt.Sprintf(text, "REQ-1")})
	b := snapshot(t, map[string]string{"s.tps": fmt.Sprintf(text, "REQ-100")})
	changes := Structural(a, b, DefaultOptions())
	if len(changes) != 1 || changes[0].Kind != RequirementRenamed {
		t.Fatalf("expected a single rename, got %+v", changes)
	}
	if changes[0].Before != "REQ-1" || changes[0].After != "REQ-100" {
		t.Errorf("rename ids wrong: %+v", changes[0])
	}
}

func TestConceptFieldChanges(t *testing.T) {
	a := snapshot(t, map[string]string{
		"s.tps": "Concept User:\n  field id (`UUID`): unique\n  field gone (`String`)\n",
	})
	b := snapshot(t, map[string]string{
		"s.tps": "Concept User:\n  field id (`Identifier`): unique, optional\n  field fresh (`String`)\n",
	})
	changes := Structural(a, b, DefaultOptions())
	want := map[ChangeKind]bool{
		FieldTypeChanged:        true,
		FieldConstraintsChanged: true,
		FieldAdded:              true,
		FieldRemoved:            true,
	}
	got := map[ChangeKind]bool{}
	for _, c := range changes {
		got[c.Kind] = true
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("field change kinds: %v (changes: %+v)", diff, changes)
	}
}

func TestBehaviorChanges(t *testing.T) {
	a := snapshot(t, map[string]string{
		"s.tps": "Behavior login(user `User`):\n  Implements `REQ-1`.\n  requires: user is active\n  ensures: session exists\n",
	})
	b := snapshot(t, map[string]string{
		"s.tps": "Behavior login(user `User`, mfa `Boolean`):\n  Implements `REQ-1`, `REQ-2`.\n  requires: user is active\n  ensures: session exists and is fresh\n",
	})
	changes := Structural(a, b, DefaultOptions())
	got := map[ChangeKind]bool{}
	for _, c := range changes {
		got[c.Kind] = true
	}
	for _, k := range []ChangeKind{BehaviorSignatureChanged, BehaviorImplementsChanged, BehaviorEnsuresChanged} {
		if !got[k] {
			t.Errorf("missing %s in %+v", k, changes)
		}
	}
	if got[BehaviorRequiresChanged] {
		t.Error("requires did not change")
	}
}

func TestTaskChanges(t *testing.T) {
	a := snapshot(t, map[string]string{
		"s.tps": "## TASK-1: Build\n[REQ-1]\nstatus: pending\n",
	})
	b := snapshot(t, map[string]string{
		"s.tps": "## TASK-1: Build\n[REQ-1] [REQ-2]\nstatus: done\nevidence:\n  pr: #9\n",
	})
	changes := Structural(a, b, DefaultOptions())
	got := map[ChangeKind]bool{}
	for _, c := range changes {
		got[c.Kind] = true
	}
	for _, k := range []ChangeKind{TaskStatusChanged, TaskEvidenceChanged, TaskRequirementRefsChanged} {
		if !got[k] {
			t.Errorf("missing %s in %+v", k, changes)
		}
	}
}

func TestHoleTransitions(t *testing.T) {
	a := snapshot(t, map[string]string{
		"s.tps": "## REQ-1: H\nfirst [?] second [? `T`]\n",
	})
	b := snapshot(t, map[string]string{
		"s.tps": "## REQ-1: H\nfirst [?]\n",
	})
	changes := Structural(a, b, DefaultOptions())
	var resolved int
	for _, c := range changes {
		if c.Kind == HoleResolved {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("expected 1 resolved hole, got %+v", changes)
	}
}

func TestStructuralIsDeterministic(t *testing.T) {
	a := snapshot(t, map[string]string{
		"a.tps": "## REQ-1: X\nwhen: a\nthe system shall: b\n",
		"b.tps": "Concept User:\n  field id (`UUID`)\n",
	})
	b := snapshot(t, map[string]string{
		"a.tps": "## REQ-1: X\nwhen: changed\nthe system shall: b\n",
		"b.tps": "Concept User:\n  field id (`Identifier`)\n",
	})
	first := Structural(a, b, DefaultOptions())
	second := Structural(a, b, DefaultOptions())
	if diff := deep.Equal(first, second); diff != nil {
		t.Errorf("structural diff not deterministic: %v", diff)
	}
}

func TestSimilarityRatio(t *testing.T) {
	if similarity("abc", "abc") != 1 {
		t.Error("identical strings must score 1")
	}
	if s := similarity("abc", "xyz"); s > 0.1 {
		t.Errorf("disjoint strings scored %v", s)
	}
	if s := similarity("the quick brown fox", "the quick brown cat"); s < 0.7 {
		t.Errorf("near-identical strings scored %v", s)
	}
}

// stubJudge returns a fixed judgement or error.
type stubJudge struct {
	judgement SemanticJudgement
	err       error
	calls     int
}

func (s *stubJudge) Compare(ctx context.Context, a, b, c string) (SemanticJudgement, error) {
	s.calls++
	return s.judgement, s.err
}

func TestHybridRoutesJudgements(t *testing.T) {
	a := snapshot(t, map[string]string{
		"s.tps": "## REQ-1: H\nwhen: user waves\nthe system shall: wave back\n",
	})
	b := snapshot(t, map[string]string{
		"s.tps": "## REQ-1: H\nwhen: user salutes\nthe system shall: wave back\n",
	})

	confident := &stubJudge{judgement: SemanticJudgement{AlignmentScore: 0.9, Severity: "low", Category: "rewording", Confidence: 0.95}}
	report, err := Hybrid(context.Background(), a, b, confident, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if confident.calls != 1 {
		t.Errorf("judge called %d times", confident.calls)
	}
	if len(report.Semantic) != 1 || len(report.Inconclusive) != 0 {
		t.Errorf("routing wrong: %+v", report)
	}

	shaky := &stubJudge{judgement: SemanticJudgement{AlignmentScore: 0.5, Confidence: 0.1}}
	report, err = Hybrid(context.Background(), a, b, shaky, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Semantic) != 0 || len(report.Inconclusive) != 1 {
		t.Errorf("low-confidence routing wrong: %+v", report)
	}

	failing := &stubJudge{err: errors.New("quota")}
	report, err = Hybrid(context.Background(), a, b, failing, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Inconclusive) != 1 || report.Inconclusive[0].Category != "judge-error" {
		t.Errorf("judge errors should land in inconclusive: %+v", report)
	}
}

func TestHybridWithoutJudgeIsStructuralOnly(t *testing.T) {
	a := snapshot(t, map[string]string{"s.tps": "## REQ-1: H\nwhen: x\nthe system shall: y\n"})
	b := snapshot(t, map[string]string{"s.tps": "## REQ-1: H\nwhen: z\nthe system shall: y\n"})
	report, err := Hybrid(context.Background(), a, b, nil, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Structural) != 1 || len(report.Semantic) != 0 {
		t.Errorf("judge-less hybrid wrong: %+v", report)
	}
}
