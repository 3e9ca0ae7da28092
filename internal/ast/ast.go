// Package ast defines the typed syntax tree for topos documents and
// the lowering pass that builds it from the concrete syntax tree.
//
// AST nodes are immutable values owned by the parse query result; they
// carry spans but never references into source text. Node families are
// a closed sum: consumers dispatch with type switches, not virtual
// calls.
package ast

import (
	"strings"

	"github.com/rand/topos/internal/source"
)

// Node is implemented by every AST node.
type Node interface {
	NodeSpan() source.Span
}

// ParseError is a recovered syntax error surfaced by lowering.
type ParseError struct {
	Span    source.Span
	Message string
}

// File is the root node. Every parse yields a File, even for input that
// failed to parse completely.
type File struct {
	Span source.Span

	// Spec is the declared spec name; empty when absent.
	Spec     string
	SpecSpan source.Span

	Imports  []*Import
	Sections []*Section

	// Holes lists every typed hole in the file in source order; the
	// slice index equals the hole's identifier.
	Holes []*TypedHole

	// Refs lists every reference use in the file in source order with
	// its expected namespace.
	Refs []RefUse
}

func (f *File) NodeSpan() source.Span { return f.Span }

// RefKind is the namespace a reference use expects.
type RefKind int

const (
	// RefSymbol expects a concept, behavior or other named definition.
	RefSymbol RefKind = iota
	// RefRequirement expects a REQ-* stable ID.
	RefRequirement
	// RefTask expects a TASK-* stable ID.
	RefTask
)

// RefUse pairs a reference with the namespace its position demands.
type RefUse struct {
	Ref  *Reference
	Kind RefKind
}

// Import is one import statement.
type Import struct {
	Span source.Span

	// Path is the quoted source path as written.
	Path string
	// Glob is true for `import from "p": *`.
	Glob bool
	// Alias is the module alias for `import "p" as alias`.
	Alias string
	// Items are the explicit imported names; empty for glob and module
	// forms.
	Items []ImportItem
}

func (n *Import) NodeSpan() source.Span { return n.Span }

// ImportItem is one explicitly imported name with an optional rename.
type ImportItem struct {
	Span  source.Span
	Name  string
	Alias string
}

// Local returns the name the item binds locally.
func (it ImportItem) Local() string {
	if it.Alias != "" {
		return it.Alias
	}
	return it.Name
}

// SectionKind enumerates the known section headers.
type SectionKind int

const (
	SectionUnknown SectionKind = iota
	SectionPrinciples
	SectionRequirements
	SectionDesign
	SectionConcepts
	SectionBehaviors
	SectionInvariants
	SectionAesthetics
	SectionTasks
)

var sectionKindNames = map[SectionKind]string{
	SectionUnknown:      "unknown",
	SectionPrinciples:   "principles",
	SectionRequirements: "requirements",
	SectionDesign:       "design",
	SectionConcepts:     "concepts",
	SectionBehaviors:    "behaviors",
	SectionInvariants:   "invariants",
	SectionAesthetics:   "aesthetics",
	SectionTasks:        "tasks",
}

func (k SectionKind) String() string { return sectionKindNames[k] }

// SectionKindForTitle maps a header title to its section kind.
func SectionKindForTitle(title string) SectionKind {
	switch strings.ToLower(strings.TrimSpace(title)) {
	case "principles":
		return SectionPrinciples
	case "requirements":
		return SectionRequirements
	case "design":
		return SectionDesign
	case "concepts":
		return SectionConcepts
	case "behaviors", "behaviours":
		return SectionBehaviors
	case "invariants":
		return SectionInvariants
	case "aesthetics":
		return SectionAesthetics
	case "tasks":
		return SectionTasks
	}
	return SectionUnknown
}

// Section is one document section with its ordered members.
type Section struct {
	Span  source.Span
	Kind  SectionKind
	Title string
	// Synthetic marks sections the lowering invented to host top-level
	// constructs that appear outside any `#` header.
	Synthetic bool
	// Items preserves document order across member kinds.
	Items []Node
}

func (n *Section) NodeSpan() source.Span { return n.Span }

// Requirements returns the section's requirement members in order.
func (n *Section) Requirements() []*Requirement {
	var out []*Requirement
	for _, it := range n.Items {
		if r, ok := it.(*Requirement); ok {
			out = append(out, r)
		}
	}
	return out
}

// Tasks returns the section's task members in order.
func (n *Section) Tasks() []*Task {
	var out []*Task
	for _, it := range n.Items {
		if t, ok := it.(*Task); ok {
			out = append(out, t)
		}
	}
	return out
}

// Concepts returns the section's concept members in order.
func (n *Section) Concepts() []*Concept {
	var out []*Concept
	for _, it := range n.Items {
		if c, ok := it.(*Concept); ok {
			out = append(out, c)
		}
	}
	return out
}

// Behaviors returns the section's behavior members in order.
func (n *Section) Behaviors() []*Behavior {
	var out []*Behavior
	for _, it := range n.Items {
		if b, ok := it.(*Behavior); ok {
			out = append(out, b)
		}
	}
	return out
}

// Invariants returns the section's invariant members in order.
func (n *Section) Invariants() []*Invariant {
	var out []*Invariant
	for _, it := range n.Items {
		if v, ok := it.(*Invariant); ok {
			out = append(out, v)
		}
	}
	return out
}

// Aesthetics returns the section's aesthetic members in order.
func (n *Section) Aesthetics() []*Aesthetic {
	var out []*Aesthetic
	for _, it := range n.Items {
		if a, ok := it.(*Aesthetic); ok {
			out = append(out, a)
		}
	}
	return out
}

// Requirement is a `## REQ-*` block.
type Requirement struct {
	Span   source.Span
	ID     string
	IDSpan source.Span
	Title  string

	// Story is the optional `As a ...` user story line.
	Story string

	Ears       []*EarsClause
	Acceptance []*AcceptanceTriple

	// Body holds the requirement's free prose in order.
	Body []*Prose
}

func (n *Requirement) NodeSpan() source.Span { return n.Span }

// EarsClause is a (trigger, condition, behavior) triple. Trigger is
// empty when the clause recovered from a dangling behavior line. The
// behavior is either prose or a typed hole.
type EarsClause struct {
	Span      source.Span
	Trigger   string
	Condition string
	CondSpan  source.Span
	Behavior  string
	BehSpan   source.Span
	Hole      *TypedHole
}

func (n *EarsClause) NodeSpan() source.Span { return n.Span }

// AcceptanceTriple is one given/when/then group.
type AcceptanceTriple struct {
	Span  source.Span
	Given string
	When  string
	Then  string
}

func (n *AcceptanceTriple) NodeSpan() source.Span { return n.Span }

// Concept is a named data concept with fields and/or enum variants.
type Concept struct {
	Span     source.Span
	Name     string
	NameSpan source.Span
	Private  bool
	Doc      string
	Fields   []*Field
	Variants []*Variant
}

func (n *Concept) NodeSpan() source.Span { return n.Span }

// Field is one concept field. Type is nil when unannotated.
type Field struct {
	Span        source.Span
	Name        string
	NameSpan    source.Span
	Type        *TypeExpr
	Constraints []*Constraint
}

func (n *Field) NodeSpan() source.Span { return n.Span }

// ConstraintKind classifies a field constraint.
type ConstraintKind int

const (
	ConstraintFreeForm ConstraintKind = iota
	ConstraintUnique
	ConstraintOptional
	ConstraintDefault
	ConstraintAtLeast
	ConstraintDerived
	ConstraintInvariant
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "unique"
	case ConstraintOptional:
		return "optional"
	case ConstraintDefault:
		return "default"
	case ConstraintAtLeast:
		return "at-least"
	case ConstraintDerived:
		return "derived"
	case ConstraintInvariant:
		return "invariant"
	}
	return "free-form"
}

// ClassifyConstraint maps constraint text to its kind.
func ClassifyConstraint(text string) ConstraintKind {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	switch {
	case lower == "unique":
		return ConstraintUnique
	case lower == "optional":
		return ConstraintOptional
	case strings.HasPrefix(lower, "default"):
		return ConstraintDefault
	case strings.HasPrefix(lower, "at least"):
		return ConstraintAtLeast
	case strings.HasPrefix(lower, "derived"):
		return ConstraintDerived
	case strings.HasPrefix(lower, "invariant"):
		return ConstraintInvariant
	}
	return ConstraintFreeForm
}

// Constraint is one ordered field constraint; ordering from source is
// preserved.
type Constraint struct {
	Span source.Span
	Kind ConstraintKind
	Text string
}

func (n *Constraint) NodeSpan() source.Span { return n.Span }

// Variant is one enumeration variant of a concept.
type Variant struct {
	Span source.Span
	Name string
}

func (n *Variant) NodeSpan() source.Span { return n.Span }

// TypeKind enumerates type expression forms.
type TypeKind int

const (
	TypeRef TypeKind = iota
	TypeList
	TypeOptional
	TypeEnum
	TypeHole
	TypeInvalid
)

// TypeExpr is a type annotation.
type TypeExpr struct {
	Span source.Span
	Kind TypeKind
	// Name is the referenced type name for TypeRef.
	Name string
	// Elem is the element type for TypeList and TypeOptional.
	Elem *TypeExpr
	// Variants are the inline enum members for TypeEnum.
	Variants []string
	// Hole is set for TypeHole.
	Hole *TypedHole
}

func (n *TypeExpr) NodeSpan() source.Span { return n.Span }

// String renders the type the way it is written in source.
func (n *TypeExpr) String() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case TypeRef:
		return "`" + n.Name + "`"
	case TypeList:
		return "List of " + n.Elem.String()
	case TypeOptional:
		return "Optional " + n.Elem.String()
	case TypeEnum:
		return "one of " + strings.Join(n.Variants, ", ")
	case TypeHole:
		return "[?]"
	}
	return "<invalid>"
}

// Behavior is a named behavior with its contract clauses.
type Behavior struct {
	Span     source.Span
	Name     string
	NameSpan source.Span
	Private  bool
	Doc      string

	Implements []*Reference
	Params     []*Param
	Returns    *Returns
	Requires   []*Predicate
	Ensures    []*Predicate
	Ears       []*EarsClause
	Examples   []string
}

func (n *Behavior) NodeSpan() source.Span { return n.Span }

// Param is one behavior parameter.
type Param struct {
	Span source.Span
	Name string
	Type *TypeExpr
}

func (n *Param) NodeSpan() source.Span { return n.Span }

// Returns is a behavior's result declaration.
type Returns struct {
	Span    source.Span
	Success *TypeExpr
	Error   *TypeExpr
}

func (n *Returns) NodeSpan() source.Span { return n.Span }

// Invariant is a quantified predicate over a concept.
type Invariant struct {
	Span     source.Span
	Name     string
	NameSpan source.Span
	Private  bool
	Doc      string

	// Var is the bound variable of the for-each quantifier.
	Var string
	// Over is the quantified concept reference; nil when the quantifier
	// failed to parse.
	Over      *Reference
	Predicate *Predicate
}

func (n *Invariant) NodeSpan() source.Span { return n.Span }

// Aesthetic is a named set of soft presentation requirements.
type Aesthetic struct {
	Span     source.Span
	Name     string
	NameSpan source.Span
	Private  bool
	Fields   []*AestheticField
}

func (n *Aesthetic) NodeSpan() source.Span { return n.Span }

// AestheticField is one named aesthetic field, optionally marked soft.
type AestheticField struct {
	Span      source.Span
	Name      string
	Soft      bool
	Permanent bool
	Text      string
}

func (n *AestheticField) NodeSpan() source.Span { return n.Span }

// TaskStatus enumerates task states.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// ValidStatus reports whether s is a recognized status value.
func ValidStatus(s string) bool {
	switch TaskStatus(s) {
	case StatusPending, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Task is a `## TASK-*` block.
type Task struct {
	Span   source.Span
	ID     string
	IDSpan source.Span
	Title  string

	// Requirements are the task's [REQ-*] references in order.
	Requirements []*Reference
	FilePath     string
	FileSpan     source.Span
	TestsPath    string
	TestsSpan    source.Span
	DependsOn    []*Reference
	Status       TaskStatus
	// StatusRaw preserves the written status text even when it is not a
	// recognized value.
	StatusRaw  string
	StatusSpan source.Span
	Evidence     []*EvidenceItem
	Body         []*Prose
}

func (n *Task) NodeSpan() source.Span { return n.Span }

// EvidenceItem is one key/value line of a task's evidence block.
type EvidenceItem struct {
	Span  source.Span
	Key   string
	Value string
}

func (n *EvidenceItem) NodeSpan() source.Span { return n.Span }

// TypedHole is a marked unknown. ID is unique within the file and
// assigned in source order, so holes keep their identity across edits
// that do not add or remove earlier holes.
type TypedHole struct {
	Span source.Span
	ID   int
	Name string

	Input  *TypeExpr
	Output *TypeExpr
	Error  *TypeExpr

	// Constraints are the hole's `where:` predicates in order.
	Constraints []*Predicate
	// Involving lists explicitly related symbols.
	Involving []*Reference
}

func (n *TypedHole) NodeSpan() source.Span { return n.Span }

// Reference is a backtick identifier use, possibly dotted or absolute.
type Reference struct {
	Span source.Span
	Name string
}

func (n *Reference) NodeSpan() source.Span { return n.Span }

// Qualifier returns the namespace portion of a dotted reference, or "".
func (n *Reference) Qualifier() string {
	if i := strings.LastIndex(n.Name, "."); i >= 0 && !strings.HasPrefix(n.Name, "/") {
		return n.Name[:i]
	}
	return ""
}

// Base returns the final name component.
func (n *Reference) Base() string {
	name := n.Name
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// AbsolutePath splits an absolute `/path/file.Name` reference into its
// file path and symbol name; ok is false for ordinary references.
func (n *Reference) AbsolutePath() (path, name string, ok bool) {
	if !strings.HasPrefix(n.Name, "/") {
		return "", "", false
	}
	i := strings.LastIndex(n.Name, ".")
	if i <= 0 {
		return "", "", false
	}
	return n.Name[:i], n.Name[i+1:], true
}

// Predicate is free predicate text with its resolved-in-place inline
// elements.
type Predicate struct {
	Span  source.Span
	Text  string
	Refs  []*Reference
	Holes []*TypedHole
}

func (n *Predicate) NodeSpan() source.Span { return n.Span }

// Prose is a free text line with its inline elements.
type Prose struct {
	Span  source.Span
	Text  string
	Refs  []*Reference
	Holes []*TypedHole
	Soft  []*SoftMarker
}

func (n *Prose) NodeSpan() source.Span { return n.Span }

// SoftMarker is a `[~]` or `[~permanent]` marker.
type SoftMarker struct {
	Span      source.Span
	Permanent bool
}

func (n *SoftMarker) NodeSpan() source.Span { return n.Span }

// Subsection is a `##` heading that is neither a requirement nor a
// task.
type Subsection struct {
	Span  source.Span
	Title string
	Body  []*Prose
}

func (n *Subsection) NodeSpan() source.Span { return n.Span }

// ForeignBlock is a fenced block with a lowercase language tag; its
// content is preserved verbatim and never interpreted.
type ForeignBlock struct {
	Span     source.Span
	Language string
	Content  []string
}

func (n *ForeignBlock) NodeSpan() source.Span { return n.Span }

// Requirements returns every requirement in the file in order.
func (f *File) Requirements() []*Requirement {
	var out []*Requirement
	for _, s := range f.Sections {
		out = append(out, s.Requirements()...)
	}
	return out
}

// Tasks returns every task in the file in order.
func (f *File) Tasks() []*Task {
	var out []*Task
	for _, s := range f.Sections {
		out = append(out, s.Tasks()...)
	}
	return out
}

// Concepts returns every concept in the file in order.
func (f *File) Concepts() []*Concept {
	var out []*Concept
	for _, s := range f.Sections {
		out = append(out, s.Concepts()...)
	}
	return out
}

// Behaviors returns every behavior in the file in order.
func (f *File) Behaviors() []*Behavior {
	var out []*Behavior
	for _, s := range f.Sections {
		out = append(out, s.Behaviors()...)
	}
	return out
}

// Invariants returns every invariant in the file in order.
func (f *File) Invariants() []*Invariant {
	var out []*Invariant
	for _, s := range f.Sections {
		out = append(out, s.Invariants()...)
	}
	return out
}

// Aesthetics returns every aesthetic in the file in order.
func (f *File) Aesthetics() []*Aesthetic {
	var out []*Aesthetic
	for _, s := range f.Sections {
		out = append(out, s.Aesthetics()...)
	}
	return out
}

// HoleAt returns the hole enclosing the byte offset, or nil.
func (f *File) HoleAt(off int) *TypedHole {
	for _, h := range f.Holes {
		if h.Span.Contains(off) {
			return h
		}
	}
	return nil
}

// BehaviorAt returns the behavior whose span contains the offset, or nil.
func (f *File) BehaviorAt(off int) *Behavior {
	for _, b := range f.Behaviors() {
		if b.Span.Contains(off) {
			return b
		}
	}
	return nil
}

// ConceptAt returns the concept whose span contains the offset, or nil.
func (f *File) ConceptAt(off int) *Concept {
	for _, c := range f.Concepts() {
		if c.Span.Contains(off) {
			return c
		}
	}
	return nil
}
