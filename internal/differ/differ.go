// Package differ compares two parsed workspace snapshots. Structural
// comparison is a pure function of the two inputs; semantic comparison
// delegates prose judgement to a pluggable collaborator and is reported
// separately as non-deterministic.
package differ

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/source"
)

// Snapshot is one parsed workspace, keyed by canonical file path.
type Snapshot struct {
	Files map[string]*ast.File
}

// Mode selects the comparison depth.
type Mode string

const (
	ModeStructural Mode = "structural"
	ModeHybrid     Mode = "hybrid"
)

// ChangeKind enumerates structural change kinds; the set is closed.
type ChangeKind string

const (
	RequirementAdded             ChangeKind = "RequirementAdded"
	RequirementRemoved           ChangeKind = "RequirementRemoved"
	RequirementRenamed           ChangeKind = "RequirementRenamed"
	RequirementTitleChanged      ChangeKind = "RequirementTitleChanged"
	RequirementEarsChanged       ChangeKind = "RequirementEarsChanged"
	RequirementAcceptanceChanged ChangeKind = "RequirementAcceptanceChanged"

	ConceptAdded            ChangeKind = "ConceptAdded"
	ConceptRemoved          ChangeKind = "ConceptRemoved"
	FieldAdded              ChangeKind = "FieldAdded"
	FieldRemoved            ChangeKind = "FieldRemoved"
	FieldTypeChanged        ChangeKind = "FieldTypeChanged"
	FieldConstraintsChanged ChangeKind = "FieldConstraintsChanged"

	BehaviorAdded             ChangeKind = "BehaviorAdded"
	BehaviorRemoved           ChangeKind = "BehaviorRemoved"
	BehaviorSignatureChanged  ChangeKind = "BehaviorSignatureChanged"
	BehaviorImplementsChanged ChangeKind = "BehaviorImplementsChanged"
	BehaviorRequiresChanged   ChangeKind = "BehaviorRequiresChanged"
	BehaviorEnsuresChanged    ChangeKind = "BehaviorEnsuresChanged"

	TaskAdded                  ChangeKind = "TaskAdded"
	TaskRemoved                ChangeKind = "TaskRemoved"
	TaskStatusChanged          ChangeKind = "TaskStatusChanged"
	TaskEvidenceChanged        ChangeKind = "TaskEvidenceChanged"
	TaskRequirementRefsChanged ChangeKind = "TaskRequirementRefsChanged"

	HoleResolved   ChangeKind = "HoleResolved"
	HoleIntroduced ChangeKind = "HoleIntroduced"
)

// Change is one structural finding.
type Change struct {
	Kind   ChangeKind   `json:"kind"`
	Path   string       `json:"path"`
	ID     string       `json:"id,omitempty"`
	Field  string       `json:"field,omitempty"`
	Index  int          `json:"index"`
	Before string       `json:"before,omitempty"`
	After  string       `json:"after,omitempty"`
	Span   *source.Span `json:"span,omitempty"`
}

// SemanticJudgement is the collaborator's verdict on one prose pair.
type SemanticJudgement struct {
	AlignmentScore float64 `json:"alignment_score"`
	Severity       string  `json:"severity"`
	Category       string  `json:"category"`
	Confidence     float64 `json:"confidence"`
}

// ProseJudge compares two prose fragments in context. Implementations
// may call external services; the differ treats results as
// non-deterministic and reports them apart from structural output.
type ProseJudge interface {
	Compare(ctx context.Context, before, after, context_ string) (SemanticJudgement, error)
}

// SemanticFinding is one judged prose change.
type SemanticFinding struct {
	Path           string  `json:"path"`
	AlignmentScore float64 `json:"alignment_score"`
	Category       string  `json:"category"`
	Severity       string  `json:"severity"`
	Confidence     float64 `json:"confidence"`
}

// DriftReport merges structural and semantic findings.
type DriftReport struct {
	Structural   []Change          `json:"structural"`
	Semantic     []SemanticFinding `json:"semantic"`
	Inconclusive []SemanticFinding `json:"inconclusive"`
}

// Options tunes matching.
type Options struct {
	// SimilarityThreshold is the minimum Levenshtein ratio for matching
	// requirements whose stable IDs changed.
	SimilarityThreshold float64
	// MinConfidence routes weaker judgements to the inconclusive bucket.
	MinConfidence float64
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{SimilarityThreshold: 0.8, MinConfidence: 0.5}
}

var dmp = diffmatchpatch.New()

// similarity is the Levenshtein ratio of two strings in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(longest)
}

// Structural compares two snapshots and returns the typed change list
// in deterministic order.
func Structural(a, b *Snapshot, opts Options) []Change {
	timer := logging.StartTimer(logging.CategoryDiff, "Structural")
	defer timer.Stop()

	d := &differ{a: a, b: b, opts: opts}
	d.requirements()
	d.concepts()
	d.behaviors()
	d.tasks()
	d.holes()

	sort.SliceStable(d.changes, func(i, j int) bool {
		if d.changes[i].Path != d.changes[j].Path {
			return d.changes[i].Path < d.changes[j].Path
		}
		if d.changes[i].Kind != d.changes[j].Kind {
			return d.changes[i].Kind < d.changes[j].Kind
		}
		return d.changes[i].Index < d.changes[j].Index
	})
	logging.Diff("structural diff produced %d changes", len(d.changes))
	return d.changes
}

// Hybrid runs the structural pass, then judges every changed prose pair
// through the collaborator. Judge errors leave findings in the
// inconclusive bucket rather than failing the diff.
func Hybrid(ctx context.Context, a, b *Snapshot, judge ProseJudge, opts Options) (*DriftReport, error) {
	report := &DriftReport{
		Structural:   Structural(a, b, opts),
		Semantic:     []SemanticFinding{},
		Inconclusive: []SemanticFinding{},
	}
	if judge == nil {
		return report, nil
	}
	for _, change := range report.Structural {
		if !proseBearing(change.Kind) || change.Before == "" || change.After == "" {
			continue
		}
		judgement, err := judge.Compare(ctx, change.Before, change.After,
			fmt.Sprintf("%s %s", change.Kind, change.Path))
		finding := SemanticFinding{
			Path:           change.Path,
			AlignmentScore: judgement.AlignmentScore,
			Category:       judgement.Category,
			Severity:       judgement.Severity,
			Confidence:     judgement.Confidence,
		}
		if err != nil {
			logging.Get(logging.CategoryDiff).Warn("prose judge failed for %s: %v", change.Path, err)
			finding.Category = "judge-error"
			report.Inconclusive = append(report.Inconclusive, finding)
			continue
		}
		if judgement.Confidence < opts.MinConfidence {
			report.Inconclusive = append(report.Inconclusive, finding)
			continue
		}
		report.Semantic = append(report.Semantic, finding)
	}
	return report, nil
}

// proseBearing reports whether a change kind carries judgeable prose.
func proseBearing(kind ChangeKind) bool {
	switch kind {
	case RequirementEarsChanged, RequirementAcceptanceChanged,
		BehaviorRequiresChanged, BehaviorEnsuresChanged, RequirementTitleChanged:
		return true
	}
	return false
}

type differ struct {
	a, b    *Snapshot
	opts    Options
	changes []Change
}

func (d *differ) add(c Change) { d.changes = append(d.changes, c) }

// sortedPaths returns the union of both snapshots' paths in order.
func (d *differ) sortedPaths() []string {
	set := map[string]bool{}
	for p := range d.a.Files {
		set[p] = true
	}
	for p := range d.b.Files {
		set[p] = true
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type located[T any] struct {
	path string
	node T
}

func collect[T any](s *Snapshot, pick func(*ast.File) []T) []located[T] {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var out []located[T]
	for _, p := range paths {
		for _, n := range pick(s.Files[p]) {
			out = append(out, located[T]{path: p, node: n})
		}
	}
	return out
}

// requirements matches by stable ID, then pairs the remaining
// requirements by textual similarity above the threshold where the best
// match is unambiguous.
func (d *differ) requirements() {
	as := collect(d.a, func(f *ast.File) []*ast.Requirement { return f.Requirements() })
	bs := collect(d.b, func(f *ast.File) []*ast.Requirement { return f.Requirements() })

	aByID := map[string]located[*ast.Requirement]{}
	for _, r := range as {
		if _, dup := aByID[r.node.ID]; !dup {
			aByID[r.node.ID] = r
		}
	}
	matchedA := map[string]bool{}
	var unmatchedB []located[*ast.Requirement]

	for _, rb := range bs {
		ra, ok := aByID[rb.node.ID]
		if !ok {
			unmatchedB = append(unmatchedB, rb)
			continue
		}
		matchedA[rb.node.ID] = true
		d.compareRequirement(ra, rb)
	}

	var unmatchedA []located[*ast.Requirement]
	for _, ra := range as {
		if !matchedA[ra.node.ID] {
			unmatchedA = append(unmatchedA, ra)
		}
	}

	// Rename detection between the leftovers.
	usedB := map[int]bool{}
	for _, ra := range unmatchedA {
		best, bestRatio, ties := -1, 0.0, false
		for i, rb := range unmatchedB {
			if usedB[i] {
				continue
			}
			ratio := similarity(requirementText(ra.node), requirementText(rb.node))
			switch {
			case ratio > bestRatio:
				best, bestRatio, ties = i, ratio, false
			case ratio == bestRatio && best >= 0:
				ties = true
			}
		}
		if best >= 0 && bestRatio >= d.opts.SimilarityThreshold && !ties {
			rb := unmatchedB[best]
			usedB[best] = true
			d.add(Change{
				Kind:   RequirementRenamed,
				Path:   rb.path + "#" + rb.node.ID,
				ID:     rb.node.ID,
				Before: ra.node.ID,
				After:  rb.node.ID,
				Span:   spanOf(rb.node.IDSpan),
			})
			d.compareRequirement(ra, rb)
			continue
		}
		d.add(Change{
			Kind:   RequirementRemoved,
			Path:   ra.path + "#" + ra.node.ID,
			ID:     ra.node.ID,
			Before: ra.node.Title,
		})
	}
	for i, rb := range unmatchedB {
		if usedB[i] {
			continue
		}
		d.add(Change{
			Kind:  RequirementAdded,
			Path:  rb.path + "#" + rb.node.ID,
			ID:    rb.node.ID,
			After: rb.node.Title,
			Span:  spanOf(rb.node.IDSpan),
		})
	}
}

func requirementText(r *ast.Requirement) string {
	var sb strings.Builder
	sb.WriteString(r.Title)
	for _, e := range r.Ears {
		sb.WriteString("\n")
		sb.WriteString(e.Trigger)
		sb.WriteString(": ")
		sb.WriteString(e.Condition)
		sb.WriteString(" -> ")
		sb.WriteString(e.Behavior)
	}
	for _, p := range r.Body {
		sb.WriteString("\n")
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func (d *differ) compareRequirement(ra, rb located[*ast.Requirement]) {
	path := rb.path + "#" + rb.node.ID
	if ra.node.Title != rb.node.Title {
		d.add(Change{
			Kind:   RequirementTitleChanged,
			Path:   path,
			ID:     rb.node.ID,
			Before: ra.node.Title,
			After:  rb.node.Title,
			Span:   spanOf(rb.node.IDSpan),
		})
	}

	max := len(ra.node.Ears)
	if len(rb.node.Ears) > max {
		max = len(rb.node.Ears)
	}
	for i := 0; i < max; i++ {
		switch {
		case i >= len(ra.node.Ears):
			e := rb.node.Ears[i]
			d.add(Change{
				Kind: RequirementEarsChanged, Path: path, ID: rb.node.ID,
				Field: e.Trigger, Index: i, After: e.Condition, Span: spanOf(e.Span),
			})
		case i >= len(rb.node.Ears):
			e := ra.node.Ears[i]
			d.add(Change{
				Kind: RequirementEarsChanged, Path: path, ID: rb.node.ID,
				Field: e.Trigger, Index: i, Before: e.Condition,
			})
		default:
			ea, eb := ra.node.Ears[i], rb.node.Ears[i]
			if ea.Condition != eb.Condition || ea.Trigger != eb.Trigger {
				d.add(Change{
					Kind: RequirementEarsChanged, Path: path, ID: rb.node.ID,
					Field: eb.Trigger, Index: i,
					Before: ea.Condition, After: eb.Condition, Span: spanOf(eb.Span),
				})
			}
			if ea.Behavior != eb.Behavior {
				d.add(Change{
					Kind: RequirementEarsChanged, Path: path, ID: rb.node.ID,
					Field: "shall", Index: i,
					Before: ea.Behavior, After: eb.Behavior, Span: spanOf(eb.Span),
				})
			}
		}
	}

	if acceptanceText(ra.node) != acceptanceText(rb.node) {
		d.add(Change{
			Kind: RequirementAcceptanceChanged, Path: path, ID: rb.node.ID,
			Before: acceptanceText(ra.node), After: acceptanceText(rb.node),
			Span: spanOf(rb.node.Span),
		})
	}
}

func acceptanceText(r *ast.Requirement) string {
	var parts []string
	for _, t := range r.Acceptance {
		parts = append(parts, "given "+t.Given+" when "+t.When+" then "+t.Then)
	}
	return strings.Join(parts, "\n")
}

// concepts matches by name within the concept namespace.
func (d *differ) concepts() {
	as := collect(d.a, func(f *ast.File) []*ast.Concept { return f.Concepts() })
	bs := collect(d.b, func(f *ast.File) []*ast.Concept { return f.Concepts() })

	aByName := map[string]located[*ast.Concept]{}
	for _, c := range as {
		if _, dup := aByName[c.node.Name]; !dup {
			aByName[c.node.Name] = c
		}
	}
	matched := map[string]bool{}

	for _, cb := range bs {
		ca, ok := aByName[cb.node.Name]
		if !ok {
			d.add(Change{Kind: ConceptAdded, Path: cb.path + "#" + cb.node.Name, Span: spanOf(cb.node.NameSpan)})
			continue
		}
		matched[cb.node.Name] = true
		d.compareConcept(ca, cb)
	}
	for _, ca := range as {
		if !matched[ca.node.Name] {
			d.add(Change{Kind: ConceptRemoved, Path: ca.path + "#" + ca.node.Name})
		}
	}
}

func (d *differ) compareConcept(ca, cb located[*ast.Concept]) {
	path := cb.path + "#" + cb.node.Name
	aFields := map[string]*ast.Field{}
	for _, f := range ca.node.Fields {
		aFields[f.Name] = f
	}
	matched := map[string]bool{}
	for _, fb := range cb.node.Fields {
		fa, ok := aFields[fb.Name]
		if !ok {
			d.add(Change{Kind: FieldAdded, Path: path + "." + fb.Name, After: fb.Type.String(), Span: spanOf(fb.Span)})
			continue
		}
		matched[fb.Name] = true
		if fa.Type.String() != fb.Type.String() {
			d.add(Change{
				Kind: FieldTypeChanged, Path: path + "." + fb.Name,
				Before: fa.Type.String(), After: fb.Type.String(), Span: spanOf(fb.Span),
			})
		}
		if constraintText(fa) != constraintText(fb) {
			d.add(Change{
				Kind: FieldConstraintsChanged, Path: path + "." + fb.Name,
				Before: constraintText(fa), After: constraintText(fb), Span: spanOf(fb.Span),
			})
		}
	}
	for _, fa := range ca.node.Fields {
		if !matched[fa.Name] {
			d.add(Change{Kind: FieldRemoved, Path: path + "." + fa.Name, Before: fa.Type.String()})
		}
	}
}

func constraintText(f *ast.Field) string {
	var parts []string
	for _, c := range f.Constraints {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, ", ")
}

// behaviors matches by name within the behavior namespace.
func (d *differ) behaviors() {
	as := collect(d.a, func(f *ast.File) []*ast.Behavior { return f.Behaviors() })
	bs := collect(d.b, func(f *ast.File) []*ast.Behavior { return f.Behaviors() })

	aByName := map[string]located[*ast.Behavior]{}
	for _, b := range as {
		if _, dup := aByName[b.node.Name]; !dup {
			aByName[b.node.Name] = b
		}
	}
	matched := map[string]bool{}

	for _, bb := range bs {
		ba, ok := aByName[bb.node.Name]
		if !ok {
			d.add(Change{Kind: BehaviorAdded, Path: bb.path + "#" + bb.node.Name, Span: spanOf(bb.node.NameSpan)})
			continue
		}
		matched[bb.node.Name] = true
		path := bb.path + "#" + bb.node.Name
		if signature(ba.node) != signature(bb.node) {
			d.add(Change{
				Kind: BehaviorSignatureChanged, Path: path,
				Before: signature(ba.node), After: signature(bb.node), Span: spanOf(bb.node.NameSpan),
			})
		}
		if refsText(ba.node.Implements) != refsText(bb.node.Implements) {
			d.add(Change{
				Kind: BehaviorImplementsChanged, Path: path,
				Before: refsText(ba.node.Implements), After: refsText(bb.node.Implements), Span: spanOf(bb.node.NameSpan),
			})
		}
		if predsText(ba.node.Requires) != predsText(bb.node.Requires) {
			d.add(Change{
				Kind: BehaviorRequiresChanged, Path: path,
				Before: predsText(ba.node.Requires), After: predsText(bb.node.Requires), Span: spanOf(bb.node.NameSpan),
			})
		}
		if predsText(ba.node.Ensures) != predsText(bb.node.Ensures) {
			d.add(Change{
				Kind: BehaviorEnsuresChanged, Path: path,
				Before: predsText(ba.node.Ensures), After: predsText(bb.node.Ensures), Span: spanOf(bb.node.NameSpan),
			})
		}
	}
	for _, ba := range as {
		if !matched[ba.node.Name] {
			d.add(Change{Kind: BehaviorRemoved, Path: ba.path + "#" + ba.node.Name})
		}
	}
}

func signature(b *ast.Behavior) string {
	var sb strings.Builder
	sb.WriteString(b.Name)
	sb.WriteString("(")
	for i, p := range b.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		if p.Type != nil {
			sb.WriteString(" ")
			sb.WriteString(p.Type.String())
		}
	}
	sb.WriteString(")")
	if b.Returns != nil {
		sb.WriteString(" -> ")
		sb.WriteString(b.Returns.Success.String())
		if b.Returns.Error != nil {
			sb.WriteString(" or ")
			sb.WriteString(b.Returns.Error.String())
		}
	}
	return sb.String()
}

func refsText(refs []*ast.Reference) string {
	var parts []string
	for _, r := range refs {
		parts = append(parts, r.Name)
	}
	return strings.Join(parts, ", ")
}

func predsText(preds []*ast.Predicate) string {
	var parts []string
	for _, p := range preds {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n")
}

// tasks matches by stable ID.
func (d *differ) tasks() {
	as := collect(d.a, func(f *ast.File) []*ast.Task { return f.Tasks() })
	bs := collect(d.b, func(f *ast.File) []*ast.Task { return f.Tasks() })

	aByID := map[string]located[*ast.Task]{}
	for _, t := range as {
		if _, dup := aByID[t.node.ID]; !dup {
			aByID[t.node.ID] = t
		}
	}
	matched := map[string]bool{}

	for _, tb := range bs {
		ta, ok := aByID[tb.node.ID]
		if !ok {
			d.add(Change{Kind: TaskAdded, Path: tb.path + "#" + tb.node.ID, ID: tb.node.ID, After: tb.node.Title, Span: spanOf(tb.node.IDSpan)})
			continue
		}
		matched[tb.node.ID] = true
		path := tb.path + "#" + tb.node.ID
		if ta.node.Status != tb.node.Status {
			d.add(Change{
				Kind: TaskStatusChanged, Path: path, ID: tb.node.ID,
				Before: string(ta.node.Status), After: string(tb.node.Status), Span: spanOf(tb.node.StatusSpan),
			})
		}
		if evidenceText(ta.node) != evidenceText(tb.node) {
			d.add(Change{
				Kind: TaskEvidenceChanged, Path: path, ID: tb.node.ID,
				Before: evidenceText(ta.node), After: evidenceText(tb.node), Span: spanOf(tb.node.Span),
			})
		}
		if refsText(ta.node.Requirements) != refsText(tb.node.Requirements) {
			d.add(Change{
				Kind: TaskRequirementRefsChanged, Path: path, ID: tb.node.ID,
				Before: refsText(ta.node.Requirements), After: refsText(tb.node.Requirements), Span: spanOf(tb.node.IDSpan),
			})
		}
	}
	for _, ta := range as {
		if !matched[ta.node.ID] {
			d.add(Change{Kind: TaskRemoved, Path: ta.path + "#" + ta.node.ID, ID: ta.node.ID, Before: ta.node.Title})
		}
	}
}

func evidenceText(t *ast.Task) string {
	var parts []string
	for _, e := range t.Evidence {
		parts = append(parts, e.Key+": "+e.Value)
	}
	return strings.Join(parts, "\n")
}

// holes reports per-file hole count transitions.
func (d *differ) holes() {
	for _, p := range d.sortedPaths() {
		var aHoles, bHoles []*ast.TypedHole
		if f, ok := d.a.Files[p]; ok {
			aHoles = f.Holes
		}
		if f, ok := d.b.Files[p]; ok {
			bHoles = f.Holes
		}
		for i := len(bHoles); i < len(aHoles); i++ {
			d.add(Change{
				Kind: HoleResolved, Path: fmt.Sprintf("%s#hole-%d", p, aHoles[i].ID),
				Index: aHoles[i].ID,
			})
		}
		for i := len(aHoles); i < len(bHoles); i++ {
			d.add(Change{
				Kind: HoleIntroduced, Path: fmt.Sprintf("%s#hole-%d", p, bHoles[i].ID),
				Index: bHoles[i].ID, Span: spanOf(bHoles[i].Span),
			})
		}
	}
}

func spanOf(s source.Span) *source.Span {
	if s.End == 0 && s.Start == 0 {
		return nil
	}
	copied := s
	return &copied
}
