package query

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/source"
	"github.com/rand/topos/internal/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const minimalSpec = `spec Demo

# Requirements

## REQ-1: Hello
when: user waves
the system shall: wave back
`

func newDB() *Database { return New(nil) }

func TestMinimalSpecEndToEnd(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	file := db.SetFile("demo.tps", minimalSpec, source.DurabilityLow)

	pr, err := db.Parse(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if len(pr.Errors) != 0 {
		t.Fatalf("expected zero parse errors, got %v", pr.Errors)
	}
	reqs := pr.File.Requirements()
	if len(reqs) != 1 || reqs[0].ID != "REQ-1" || reqs[0].Title != "Hello" {
		t.Fatalf("requirement wrong: %+v", reqs)
	}
	e := reqs[0].Ears[0]
	if e.Trigger != "when" || e.Condition != "user waves" || e.Behavior != "wave back" {
		t.Fatalf("ears clause wrong: %+v", e)
	}

	report, err := db.Traceability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c := report.Coverage
	if c.TotalRequirements != 1 || c.WithBehaviors != 0 || c.WithTasks != 0 ||
		c.WithImplementation != 0 || c.WithTests != 0 {
		t.Errorf("coverage wrong: %+v", c)
	}

	diags, err := db.FileDiagnostics(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	var w202, w203, errs int
	for _, d := range diags {
		switch {
		case d.Code == validation.CodeNoBehavior:
			w202++
		case d.Code == validation.CodeNoTask:
			w203++
		case d.Severity == validation.SeverityError:
			errs++
		}
	}
	if w202 != 1 || w203 != 1 || errs != 0 {
		t.Errorf("expected one W202, one W203, no errors; got %+v", diags)
	}
}

func TestCrossFileImport(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	a := db.SetFile("a.tps", "spec A\n\nConcept User:\n  field id (`UUID`)\n", source.DurabilityLow)
	b := db.SetFile("b.tps", "spec B\n\nimport from \"./a.tps\": `User`\n\nConcept Session:\n  field user (`User`)\n", source.DurabilityLow)

	pr, err := db.Parse(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	var userUse ast.RefUse
	for _, use := range pr.File.Refs {
		if use.Ref.Name == "User" {
			userUse = use
		}
	}
	if userUse.Ref == nil {
		t.Fatal("no User reference found in b")
	}
	def, err := db.Resolve(ctx, b, userUse)
	if err != nil {
		t.Fatal(err)
	}
	if def == nil || def.File != a {
		t.Fatalf("User should resolve into a.tps: %+v", def)
	}

	diags, err := db.FileDiagnostics(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(diags) != 0 {
		t.Errorf("expected no diagnostics for b, got %+v", diags)
	}
}

func TestQueryPurity(t *testing.T) {
	// Re-invoking any derived query without input changes returns
	// equal values.
	db := newDB()
	ctx := context.Background()
	file := db.SetFile("demo.tps", minimalSpec, source.DurabilityLow)

	d1, err := db.FileDiagnostics(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := db.FileDiagnostics(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d1, d2); diff != "" {
		t.Errorf("diagnostics differ across runs:\n%s", diff)
	}
	if n := db.ExecutionCount(QFileDiagnostics, file, ""); n != 1 {
		t.Errorf("file_diagnostics executed %d times, want 1", n)
	}
}

func TestEarlyCutoff(t *testing.T) {
	// Changing an input a query does not read must not re-execute it.
	db := newDB()
	ctx := context.Background()
	a := db.SetFile("a.tps", "Concept A:\n  field x (`String`)\n", source.DurabilityLow)
	b := db.SetFile("b.tps", "Concept B:\n  field y (`String`)\n", source.DurabilityLow)

	if _, err := db.FileSymbols(ctx, a); err != nil {
		t.Fatal(err)
	}
	if n := db.ExecutionCount(QSymbols, a, ""); n != 1 {
		t.Fatalf("symbols(a) executed %d times", n)
	}

	db.SetFileText(b, "Concept B:\n  field z (`String`)\n")

	if _, err := db.FileSymbols(ctx, a); err != nil {
		t.Fatal(err)
	}
	if n := db.ExecutionCount(QSymbols, a, ""); n != 1 {
		t.Errorf("symbols(a) re-executed after unrelated edit: %d", n)
	}
	if n := db.ExecutionCount(QParse, a, ""); n != 1 {
		t.Errorf("parse(a) re-executed after unrelated edit: %d", n)
	}
}

func TestEarlyCutoffThroughEqualValues(t *testing.T) {
	// A whitespace-only edit changes the parse result (spans move), but
	// a same-shape edit that produces an equal symbol table must not
	// re-run consumers of file_symbols.
	db := newDB()
	ctx := context.Background()
	file := db.SetFile("a.tps", "Concept A:\n  field x (`String`)\n", source.DurabilityLow)

	if _, err := db.FileExports(ctx, file); err != nil {
		t.Fatal(err)
	}
	before := db.ExecutionCount(QExports, file, "")

	// Re-setting identical text does not bump the revision at all.
	db.SetFileText(file, "Concept A:\n  field x (`String`)\n")
	if _, err := db.FileExports(ctx, file); err != nil {
		t.Fatal(err)
	}
	if n := db.ExecutionCount(QExports, file, ""); n != before {
		t.Errorf("exports re-executed after no-op edit: %d -> %d", before, n)
	}

	// A trailing blank line changes the parse result but leaves the
	// symbol table equal, so exports are not re-executed.
	db.SetFileText(file, "Concept A:\n  field x (`String`)\n\n")
	if _, err := db.FileExports(ctx, file); err != nil {
		t.Fatal(err)
	}
	if n := db.ExecutionCount(QExports, file, ""); n != before {
		t.Errorf("exports re-executed after an edit with an equal symbol table: %d -> %d", before, n)
	}
}

func TestInvalidationOnRealChange(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	file := db.SetFile("a.tps", "Concept A:\n  field x (`String`)\n", source.DurabilityLow)

	table, err := db.FileSymbols(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if table.Lookup("A") == nil {
		t.Fatal("A missing before edit")
	}

	db.SetFileText(file, "Concept Renamed:\n  field x (`String`)\n")
	table, err = db.FileSymbols(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if table.Lookup("Renamed") == nil || table.Lookup("A") != nil {
		t.Error("symbols did not track the edit")
	}
}

func TestCancellation(t *testing.T) {
	// A cancelled query aborts and retains no memo; a retry works.
	db := newDB()
	file := db.SetFile("demo.tps", minimalSpec, source.DurabilityLow)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Parse(cancelled, file)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	if _, err := db.Parse(context.Background(), file); err != nil {
		t.Fatalf("retry after cancellation failed: %v", err)
	}
}

func TestDuplicateIDAcrossFiles(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	db.SetFile("a.tps", "## REQ-1: First\nwhen: x\nthe system shall: y\n", source.DurabilityLow)
	second := db.SetFile("b.tps", "## REQ-1: Second\nwhen: x\nthe system shall: y\n", source.DurabilityLow)

	diags, err := db.FileDiagnostics(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, d := range diags {
		if d.Code == validation.CodeDuplicateID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected E103 in the later file, got %+v", diags)
	}
}

func TestImportCycleDiagnosed(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	a := db.SetFile("a.tps", "import from \"./b.tps\": `B`\n\nConcept A:\n  field x (`String`)\n", source.DurabilityLow)
	db.SetFile("b.tps", "import from \"./a.tps\": `A`\n\nConcept B:\n  field y (`String`)\n", source.DurabilityLow)

	diags, err := db.FileDiagnostics(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	var cycle, unresolved bool
	for _, d := range diags {
		if d.Code == validation.CodeCircularImport {
			cycle = true
		}
		if d.Code == validation.CodeUnresolved {
			unresolved = true
		}
	}
	if !cycle {
		t.Errorf("expected E104, got %+v", diags)
	}
	// References along the cycle stay unresolved.
	_ = unresolved
}

func TestUnknownImportPath(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	file := db.SetFile("a.tps", "import from \"./missing.tps\": `X`\n", source.DurabilityLow)
	diags, err := db.FileDiagnostics(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, d := range diags {
		if d.Code == validation.CodeUnknownImport {
			found = true
		}
	}
	if !found {
		t.Errorf("expected E105, got %+v", diags)
	}
}

func TestPrivateImportDiagnosed(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	db.SetFile("a.tps", "private Concept Hidden:\n  field x (`String`)\n", source.DurabilityLow)
	b := db.SetFile("b.tps", "import from \"./a.tps\": `Hidden`\n", source.DurabilityLow)

	diags, err := db.FileDiagnostics(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, d := range diags {
		if d.Code == validation.CodePrivateImport {
			found = true
		}
	}
	if !found {
		t.Errorf("expected E106, got %+v", diags)
	}
}

func TestWorkspaceDiagnosticsAggregates(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	db.SetFile("a.tps", "## REQ-1: A\nwhen: x\nthe system shall: y\n", source.DurabilityLow)
	db.SetFile("b.tps", "## REQ-2: B\nwhen: x\nthe system shall: y\n", source.DurabilityLow)

	diags, err := db.WorkspaceDiagnostics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Two uncovered requirements, two warnings each.
	var warnings int
	for _, d := range diags {
		if d.Severity == validation.SeverityWarning {
			warnings++
		}
	}
	if warnings != 4 {
		t.Errorf("expected 4 warnings, got %d (%+v)", warnings, diags)
	}
}

func TestDiagnosticDeterminismAcrossOrderings(t *testing.T) {
	// Building the same workspace with different insertion orders
	// yields identical diagnostics.
	build := func(order []string) []validation.Diagnostic {
		db := newDB()
		texts := map[string]string{
			"a.tps": "## REQ-1: A\nwhen: x\nthe system shall: y\nuses `Nope`\n",
			"b.tps": "Behavior lonely:\n  ensures: z\n",
		}
		for _, p := range order {
			db.SetFile(p, texts[p], source.DurabilityLow)
		}
		ds, err := db.WorkspaceDiagnostics(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return ds
	}
	first := build([]string{"a.tps", "b.tps"})
	second := build([]string{"b.tps", "a.tps"})
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("diagnostics depend on input order:\n%s", diff)
	}
}

func TestHoleContextQuery(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	file := db.SetFile("a.tps", "Behavior b(x `String`):\n  ensures: [? `String`]\n", source.DurabilityLow)

	hc, err := db.HoleContext(ctx, file, 0)
	if err != nil {
		t.Fatal(err)
	}
	if hc == nil || hc.EnclosingBehavior != "b" {
		t.Fatalf("hole context wrong: %+v", hc)
	}

	verdict, diags, err := db.CheckHoleFill(ctx, file, 0, &ast.TypeExpr{Kind: ast.TypeRef, Name: "String"})
	if err != nil {
		t.Fatal(err)
	}
	if verdict == nil || !verdict.Compatible || len(diags) != 0 {
		t.Errorf("String should fill a `String` hole: %+v %+v", verdict, diags)
	}

	verdict, diags, err = db.CheckHoleFill(ctx, file, 0, &ast.TypeExpr{Kind: ast.TypeRef, Name: "Boolean"})
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Compatible || len(diags) == 0 || diags[0].Code != validation.CodeIncompatibleFill {
		t.Errorf("Boolean should be rejected with I302: %+v %+v", verdict, diags)
	}
}

func TestConcurrentReaders(t *testing.T) {
	// Many readers may hit the database at once.
	db := newDB()
	file := db.SetFile("demo.tps", minimalSpec, source.DurabilityLow)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.FileDiagnostics(context.Background(), file); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRemoveFileInvalidatesWorkspace(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	db.SetFile("a.tps", "## REQ-1: A\nwhen: x\nthe system shall: y\n", source.DurabilityLow)
	b := db.SetFile("b.tps", "Behavior impl:\n  Implements `REQ-1`.\n", source.DurabilityLow)

	report, err := db.Traceability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Coverage.WithBehaviors != 1 {
		t.Fatalf("behavior link missing before removal: %+v", report.Coverage)
	}

	db.RemoveFile(b)
	report, err = db.Traceability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Coverage.WithBehaviors != 0 {
		t.Errorf("removed file still contributes links: %+v", report.Coverage)
	}
}

func TestTrimLowDurability(t *testing.T) {
	db := newDB()
	ctx := context.Background()
	high := db.SetFile("std/common.tps", "Concept Shared:\n  field x (`String`)\n", source.DurabilityHigh)
	var lows []source.FileID
	for _, p := range []string{"a.tps", "b.tps", "c.tps"} {
		lows = append(lows, db.SetFile(p, "spec "+p+"\n", source.DurabilityLow))
	}
	for _, f := range append(lows, high) {
		if _, err := db.Parse(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	evicted := db.TrimLowDurability(1)
	if evicted != 2 {
		t.Errorf("expected 2 evictions, got %d", evicted)
	}
	// Evicted parses recompute on demand.
	if _, err := db.Parse(ctx, lows[0]); err != nil {
		t.Fatal(err)
	}
}
