// Package validation implements the diagnostic rule set. Rules are
// pure: everything they need beyond the file's own AST arrives through
// the FileContext callbacks, which the query database implements with
// dependency tracking.
package validation

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/source"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one ranked finding with its source span.
type Diagnostic struct {
	Severity Severity    `json:"severity"`
	Code     string      `json:"code"`
	Span     source.Span `json:"span"`
	Message  string      `json:"message"`
	// Hints are optional quick-fix suggestions.
	Hints []string `json:"hints,omitempty"`
}

// Rule codes.
const (
	CodeParseError        = "E001"
	CodeUnresolved        = "E101"
	CodeKindMismatch      = "E102"
	CodeDuplicateID       = "E103"
	CodeCircularImport    = "E104"
	CodeUnknownImport     = "E105"
	CodePrivateImport     = "E106"
	CodeUnknownReqRef     = "W201"
	CodeNoBehavior        = "W202"
	CodeNoTask            = "W203"
	CodeNoImplements      = "W204"
	CodeDuplicateField    = "W205"
	CodeConflictingConstr = "W206"
	CodeSoftRatio         = "W207"
	CodeOddHeading        = "W208"
	CodeDuplicateImport   = "W209"
	CodeUnresolvedHole    = "I301"
	CodeIncompatibleFill  = "I302"
)

// Sort orders diagnostics by span start, then code. The order is part
// of the engine's determinism contract.
func Sort(ds []Diagnostic) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Span.Start != ds[j].Span.Start {
			return ds[i].Span.Start < ds[j].Span.Start
		}
		return ds[i].Code < ds[j].Code
	})
}

// ResolveOutcome is the validation-facing result of resolving one
// reference use.
type ResolveOutcome struct {
	Found bool
	// KindMismatch is true when the name exists in the other stable-ID
	// namespace, e.g. a TASK-* used where a requirement is expected.
	KindMismatch bool
}

// FileContext supplies a file's AST plus the workspace callbacks the
// rules need.
type FileContext struct {
	Path        string
	File        *ast.File
	ParseErrors []ast.ParseError

	// Resolve resolves one reference use.
	Resolve func(ast.RefUse) (ResolveOutcome, error)

	// DefinedEarlier reports whether a stable ID is already defined in a
	// file that sorts before this one.
	DefinedEarlier func(id string) (bool, error)

	// ReqCoverage reports traceability coverage for a requirement ID.
	ReqCoverage func(id string) (hasBehavior, hasTask bool)

	// ImportDiagnostics are the precomputed import findings (E104, E105,
	// E106, W209) for this file.
	ImportDiagnostics []Diagnostic
}

var idAttemptPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(-[A-Z0-9]+)*-\d+\b`)

// FileDiagnostics runs every per-file rule and returns the findings in
// deterministic order.
func FileDiagnostics(ctx FileContext) ([]Diagnostic, error) {
	timer := logging.StartTimer(logging.CategoryValidation, "FileDiagnostics")
	defer timer.Stop()

	var ds []Diagnostic

	// E001: recovered parse errors.
	for _, pe := range ctx.ParseErrors {
		ds = append(ds, Diagnostic{
			Severity: SeverityError,
			Code:     CodeParseError,
			Span:     pe.Span,
			Message:  pe.Message,
		})
	}

	// Reference rules. Task requirement references get the softer W201
	// when unknown; everything else gets E101/E102.
	taskReqRefs := map[*ast.Reference]bool{}
	for _, t := range ctx.File.Tasks() {
		for _, ref := range t.Requirements {
			taskReqRefs[ref] = true
		}
	}
	for _, use := range ctx.File.Refs {
		outcome, err := ctx.Resolve(use)
		if err != nil {
			return nil, err
		}
		if outcome.Found {
			continue
		}
		switch {
		case outcome.KindMismatch:
			ds = append(ds, Diagnostic{
				Severity: SeverityError,
				Code:     CodeKindMismatch,
				Span:     use.Ref.Span,
				Message:  fmt.Sprintf("`%s` names the wrong kind of definition for this position", use.Ref.Name),
			})
		case taskReqRefs[use.Ref]:
			ds = append(ds, Diagnostic{
				Severity: SeverityWarning,
				Code:     CodeUnknownReqRef,
				Span:     use.Ref.Span,
				Message:  fmt.Sprintf("task references unknown requirement ID %s", use.Ref.Name),
			})
		default:
			ds = append(ds, Diagnostic{
				Severity: SeverityError,
				Code:     CodeUnresolved,
				Span:     use.Ref.Span,
				Message:  fmt.Sprintf("unresolved reference `%s`", use.Ref.Name),
			})
		}
	}

	// E103: duplicate stable IDs, within the file and across the
	// workspace. Both definitions stay in the AST.
	seen := map[string]bool{}
	checkID := func(id string, span source.Span) error {
		if id == "" {
			return nil
		}
		dup := seen[id]
		if !dup && ctx.DefinedEarlier != nil {
			earlier, err := ctx.DefinedEarlier(id)
			if err != nil {
				return err
			}
			dup = earlier
		}
		if dup {
			ds = append(ds, Diagnostic{
				Severity: SeverityError,
				Code:     CodeDuplicateID,
				Span:     span,
				Message:  fmt.Sprintf("duplicate stable ID %s", id),
			})
		}
		seen[id] = true
		return nil
	}
	for _, sec := range ctx.File.Sections {
		for _, item := range sec.Items {
			var err error
			switch n := item.(type) {
			case *ast.Requirement:
				err = checkID(n.ID, n.IDSpan)
			case *ast.Task:
				err = checkID(n.ID, n.IDSpan)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	// W202/W203: uncovered requirements.
	if ctx.ReqCoverage != nil {
		for _, req := range ctx.File.Requirements() {
			hasBehavior, hasTask := ctx.ReqCoverage(req.ID)
			if !hasBehavior {
				ds = append(ds, Diagnostic{
					Severity: SeverityWarning,
					Code:     CodeNoBehavior,
					Span:     req.IDSpan,
					Message:  fmt.Sprintf("requirement %s has no implementing behavior", req.ID),
				})
			}
			if !hasTask {
				ds = append(ds, Diagnostic{
					Severity: SeverityWarning,
					Code:     CodeNoTask,
					Span:     req.IDSpan,
					Message:  fmt.Sprintf("requirement %s has no implementing task", req.ID),
				})
			}
		}
	}

	// W204: behaviors without an Implements clause.
	for _, b := range ctx.File.Behaviors() {
		if len(b.Implements) == 0 {
			ds = append(ds, Diagnostic{
				Severity: SeverityWarning,
				Code:     CodeNoImplements,
				Span:     orSpan(b.NameSpan, b.Span),
				Message:  fmt.Sprintf("behavior %s lacks an Implements clause", b.Name),
				Hints:    []string{"add `Implements `REQ-...`.` naming the requirement it realizes"},
			})
		}
	}

	// W205/W206: field-level concept rules.
	for _, c := range ctx.File.Concepts() {
		names := map[string]bool{}
		for _, field := range c.Fields {
			if names[field.Name] {
				ds = append(ds, Diagnostic{
					Severity: SeverityWarning,
					Code:     CodeDuplicateField,
					Span:     orSpan(field.NameSpan, field.Span),
					Message:  fmt.Sprintf("duplicate field name %s in concept %s", field.Name, c.Name),
				})
			}
			names[field.Name] = true

			var unique, optional, def bool
			for _, constraint := range field.Constraints {
				switch constraint.Kind {
				case ast.ConstraintUnique:
					unique = true
				case ast.ConstraintOptional:
					optional = true
				case ast.ConstraintDefault:
					def = true
				}
			}
			if unique && (optional || def) {
				ds = append(ds, Diagnostic{
					Severity: SeverityWarning,
					Code:     CodeConflictingConstr,
					Span:     orSpan(field.NameSpan, field.Span),
					Message:  fmt.Sprintf("conflicting constraints on field %s: unique cannot combine with optional or default", field.Name),
				})
			}
		}
	}

	// W208: a ## heading whose identifier looks like an attempted stable
	// ID but is neither REQ-* nor TASK-*.
	for _, sec := range ctx.File.Sections {
		for _, item := range sec.Items {
			sub, ok := item.(*ast.Subsection)
			if !ok {
				continue
			}
			if idAttemptPattern.MatchString(sub.Title) {
				ds = append(ds, Diagnostic{
					Severity: SeverityWarning,
					Code:     CodeOddHeading,
					Span:     sub.Span,
					Message:  "heading identifier is neither REQ-* nor TASK-*; treated as a subsection",
				})
			}
		}
	}

	// I301: every hole still unresolved.
	for _, hole := range ctx.File.Holes {
		name := ""
		if hole.Name != "" {
			name = " " + hole.Name
		}
		ds = append(ds, Diagnostic{
			Severity: SeverityInfo,
			Code:     CodeUnresolvedHole,
			Span:     hole.Span,
			Message:  fmt.Sprintf("typed hole%s is still unresolved", name),
		})
	}

	ds = append(ds, ctx.ImportDiagnostics...)

	Sort(ds)
	return ds, nil
}

func orSpan(primary, fallback source.Span) source.Span {
	if primary.End > primary.Start || primary.Start > 0 {
		return primary
	}
	return fallback
}

// SoftRatio counts the workspace's soft and hard constraint units.
// Soft units are [~] markers on aesthetic fields and in section-level
// and requirement prose. Hard units are unmarked aesthetic fields, EARS
// clauses, field constraints, requires and ensures predicates, and
// invariant predicates.
func SoftRatio(files map[string]*ast.File) (soft, hard int) {
	for _, f := range files {
		for _, a := range f.Aesthetics() {
			for _, field := range a.Fields {
				if field.Soft {
					soft++
				} else {
					hard++
				}
			}
		}
		for _, sec := range f.Sections {
			for _, item := range sec.Items {
				if p, ok := item.(*ast.Prose); ok {
					soft += len(p.Soft)
				}
			}
		}
		for _, req := range f.Requirements() {
			for _, p := range req.Body {
				soft += len(p.Soft)
			}
			hard += len(req.Ears)
		}
		for _, c := range f.Concepts() {
			for _, field := range c.Fields {
				hard += len(field.Constraints)
			}
		}
		for _, b := range f.Behaviors() {
			hard += len(b.Requires) + len(b.Ensures)
		}
		for _, inv := range f.Invariants() {
			if inv.Predicate != nil {
				hard++
			}
		}
	}
	return soft, hard
}

// SoftRatioDiagnostic returns the W207 finding when the workspace's
// soft-to-hard ratio exceeds the threshold, anchored at the given span.
func SoftRatioDiagnostic(files map[string]*ast.File, threshold float64, anchor source.Span) *Diagnostic {
	soft, hard := SoftRatio(files)
	if hard == 0 || soft == 0 {
		return nil
	}
	ratio := float64(soft) / float64(hard)
	if ratio <= threshold {
		return nil
	}
	return &Diagnostic{
		Severity: SeverityWarning,
		Code:     CodeSoftRatio,
		Span:     anchor,
		Message: fmt.Sprintf("soft-to-hard constraint ratio %.2f exceeds threshold %.2f (%d soft, %d hard)",
			ratio, threshold, soft, hard),
	}
}
