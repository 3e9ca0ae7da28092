// Package holes analyzes typed holes: the context a hole appears in,
// the constraints that context implies, and whether a proposed type
// expression is compatible with them.
package holes

import (
	"fmt"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/resolve"
	"github.com/rand/topos/internal/source"
)

// Direction of a type constraint.
type Direction int

const (
	// Input constrains what flows into the hole: a fill T must satisfy
	// T <: expected.
	Input Direction = iota
	// Output constrains what the hole produces: a fill T must satisfy
	// expected <: T.
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// TypeConstraint is one positional or declared type bound.
type TypeConstraint struct {
	Dir      Direction
	Expected *ast.TypeExpr
	// Origin describes where the constraint came from.
	Origin string
}

// SemanticConstraint is a `where:` predicate with its references
// resolved in place.
type SemanticConstraint struct {
	Text string
	Span source.Span
	Refs []ResolvedRef
}

// ResolvedRef pairs a referenced name with its resolution outcome.
type ResolvedRef struct {
	Name     string
	Resolved bool
	// Kind is the resolved symbol kind; empty for built-ins, contextual
	// bindings and unresolved names.
	Kind index.SymbolKind
}

// AvailableSymbol is one name usable inside the hole.
type AvailableSymbol struct {
	Name string
	Kind index.SymbolKind
	// Detail is a short type or signature description.
	Detail string
}

// Context is the full analysis of one hole.
type Context struct {
	File source.FileID
	Hole *ast.TypedHole

	// EnclosingBehavior names the behavior the hole sits in, if any.
	EnclosingBehavior string
	// EnclosingConcept names the concept the hole sits in, if any.
	EnclosingConcept string

	Available       []AvailableSymbol
	TypeConstraints []TypeConstraint
	Semantic        []SemanticConstraint
}

// Analyze builds the context for the hole with the given identifier.
// Returns nil when the file has no such hole.
func Analyze(ws resolve.Workspace, file source.FileID, f *ast.File, holeID int) (*Context, error) {
	timer := logging.StartTimer(logging.CategoryHoles, "Analyze")
	defer timer.Stop()

	if holeID < 0 || holeID >= len(f.Holes) {
		return nil, nil
	}
	hole := f.Holes[holeID]
	ctx := &Context{File: file, Hole: hole}

	behavior := f.BehaviorAt(hole.Span.Start)
	concept := f.ConceptAt(hole.Span.Start)
	if behavior != nil {
		ctx.EnclosingBehavior = behavior.Name
		for _, p := range behavior.Params {
			ctx.Available = append(ctx.Available, AvailableSymbol{
				Name: p.Name, Kind: index.KindParam, Detail: p.Type.String(),
			})
		}
	}
	if concept != nil {
		ctx.EnclosingConcept = concept.Name
		for _, field := range concept.Fields {
			ctx.Available = append(ctx.Available, AvailableSymbol{
				Name: field.Name, Kind: index.KindField, Detail: field.Type.String(),
			})
		}
	}

	// Every concept in scope: local first, then explicit imports and
	// glob imports by way of the resolver's own rules.
	symbols, err := ws.Symbols(file)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, s := range symbols.Symbols {
		if s.Parent == "" && s.Kind == index.KindConcept && !seen[s.Name] {
			seen[s.Name] = true
			ctx.Available = append(ctx.Available, AvailableSymbol{Name: s.Name, Kind: index.KindConcept})
		}
	}
	imports, err := ws.Imports(file)
	if err != nil {
		return nil, err
	}
	r := resolve.New(ws, file, f)
	for _, rec := range imports.Order {
		def, err := r.ResolveName(rec.Local(), hole.Span)
		if err != nil {
			return nil, err
		}
		if def != nil && def.Symbol != nil && def.Symbol.Kind == index.KindConcept && !seen[rec.Local()] {
			seen[rec.Local()] = true
			ctx.Available = append(ctx.Available, AvailableSymbol{Name: rec.Local(), Kind: index.KindConcept})
		}
	}
	for _, rec := range imports.Globs {
		target, ok := ws.ImportTarget(file, rec.SourcePath)
		if !ok {
			continue
		}
		exports, err := ws.Exports(target)
		if err != nil {
			return nil, err
		}
		for name, s := range exports.Symbols {
			if s.Kind == index.KindConcept && !seen[name] {
				seen[name] = true
				ctx.Available = append(ctx.Available, AvailableSymbol{Name: name, Kind: index.KindConcept})
			}
		}
	}

	// Declared signature constraints.
	if hole.Input != nil {
		ctx.TypeConstraints = append(ctx.TypeConstraints, TypeConstraint{Dir: Input, Expected: hole.Input, Origin: "declared input type"})
	}
	if hole.Output != nil {
		ctx.TypeConstraints = append(ctx.TypeConstraints, TypeConstraint{Dir: Output, Expected: hole.Output, Origin: "declared output type"})
	}

	// Positional constraints from the surrounding node.
	ctx.TypeConstraints = append(ctx.TypeConstraints, positional(f, hole)...)

	// Semantic constraints with resolved references.
	for _, pred := range hole.Constraints {
		sc := SemanticConstraint{Text: pred.Text, Span: pred.Span}
		for _, ref := range pred.Refs {
			def, err := r.ResolveName(ref.Name, ref.Span)
			if err != nil {
				return nil, err
			}
			rr := ResolvedRef{Name: ref.Name, Resolved: def != nil}
			if def != nil && def.Symbol != nil {
				rr.Kind = def.Symbol.Kind
			}
			sc.Refs = append(sc.Refs, rr)
		}
		ctx.Semantic = append(ctx.Semantic, sc)
	}

	return ctx, nil
}

// positional derives constraints from the position the hole occupies:
// a hole standing for a field's type is constrained on both sides by
// the declared signature, since whatever fills it becomes the field
// type exactly.
func positional(f *ast.File, hole *ast.TypedHole) []TypeConstraint {
	var out []TypeConstraint
	for _, c := range f.Concepts() {
		for _, field := range c.Fields {
			if field.Type == nil || field.Type.Kind != ast.TypeHole || field.Type.Hole != hole {
				continue
			}
			origin := fmt.Sprintf("type of field %s.%s", c.Name, field.Name)
			if hole.Output != nil {
				out = append(out, TypeConstraint{Dir: Input, Expected: hole.Output, Origin: origin})
			}
		}
	}
	for _, b := range f.Behaviors() {
		for _, p := range b.Params {
			if p.Type != nil && p.Type.Kind == ast.TypeHole && p.Type.Hole == hole && hole.Output != nil {
				out = append(out, TypeConstraint{
					Dir: Input, Expected: hole.Output,
					Origin: fmt.Sprintf("type of parameter %s of %s", p.Name, b.Name),
				})
			}
		}
		if b.Returns != nil {
			for _, te := range []*ast.TypeExpr{b.Returns.Success, b.Returns.Error} {
				if te != nil && te.Kind == ast.TypeHole && te.Hole == hole && hole.Output != nil {
					out = append(out, TypeConstraint{
						Dir: Input, Expected: hole.Output,
						Origin: fmt.Sprintf("return type of %s", b.Name),
					})
				}
			}
		}
	}
	return out
}

// ConstraintResult explains one constraint check of a compatibility
// verdict.
type ConstraintResult struct {
	Constraint TypeConstraint
	OK         bool
	Reason     string
}

// Verdict is the outcome of a compatibility check.
type Verdict struct {
	Compatible bool
	Results    []ConstraintResult
}

// CheckCompatibility reports whether the proposed type satisfies every
// type constraint of the context: for Input constraints the proposal
// must be a subtype of the expected type, for Output constraints the
// expected type must be a subtype of the proposal.
func CheckCompatibility(ctx *Context, proposed *ast.TypeExpr) Verdict {
	v := Verdict{Compatible: true}
	for _, c := range ctx.TypeConstraints {
		var ok bool
		if c.Dir == Input {
			ok = Subtype(proposed, c.Expected)
		} else {
			ok = Subtype(c.Expected, proposed)
		}
		res := ConstraintResult{Constraint: c, OK: ok}
		if !ok {
			v.Compatible = false
			if c.Dir == Input {
				res.Reason = fmt.Sprintf("%s is not a subtype of %s (%s)", proposed.String(), c.Expected.String(), c.Origin)
			} else {
				res.Reason = fmt.Sprintf("%s is not a subtype of %s (%s)", c.Expected.String(), proposed.String(), c.Origin)
			}
		}
		v.Results = append(v.Results, res)
	}
	return v
}

// Subtype implements the nominal-by-name subtype relation: identical
// names, with `Optional T` and `List of T` covariant in T. Everything
// else relates only to itself.
func Subtype(sub, super *ast.TypeExpr) bool {
	if sub == nil || super == nil {
		return false
	}
	switch {
	case sub.Kind == ast.TypeRef && super.Kind == ast.TypeRef:
		return sub.Name == super.Name
	case sub.Kind == ast.TypeOptional && super.Kind == ast.TypeOptional:
		return Subtype(sub.Elem, super.Elem)
	case sub.Kind == ast.TypeList && super.Kind == ast.TypeList:
		return Subtype(sub.Elem, super.Elem)
	case sub.Kind == ast.TypeEnum && super.Kind == ast.TypeEnum:
		if len(sub.Variants) != len(super.Variants) {
			return false
		}
		for i := range sub.Variants {
			if sub.Variants[i] != super.Variants[i] {
				return false
			}
		}
		return true
	}
	return false
}
