// Package syntax parses topos source text into a concrete syntax tree
// with error recovery and incremental reparse. The CST is an internal
// representation; downstream consumers work with the typed AST produced
// by the ast package.
package syntax

import (
	"github.com/rand/topos/internal/scanner"
	"github.com/rand/topos/internal/source"
)

// NodeKind enumerates concrete syntax node kinds.
type NodeKind uint8

const (
	KindSourceFile NodeKind = iota
	KindSpecDecl
	KindImport
	KindImportItem
	KindSection
	KindRequirement
	KindTask
	KindSubsection
	KindHeaderID
	KindHeaderTitle
	KindUserStory
	KindEars
	KindTrigger
	KindCondition
	KindShall
	KindAcceptance
	KindAcceptanceStep
	KindConcept
	KindField
	KindConstraint
	KindTypeExpr
	KindEnumVariants
	KindVariant
	KindBehavior
	KindParam
	KindReturns
	KindImplements
	KindRequires
	KindEnsures
	KindExample
	KindInvariant
	KindQuantifier
	KindAesthetic
	KindAestheticField
	KindSoftMarker
	KindHole
	KindReference
	KindTaskRef
	KindFilePath
	KindTestsPath
	KindDepends
	KindStatus
	KindEvidence
	KindEvidenceItem
	KindPredicate
	KindProse
	KindForeign
	KindComment
	KindName
	KindPath
	KindError
	KindMissing
)

var kindNames = map[NodeKind]string{
	KindSourceFile:     "source_file",
	KindSpecDecl:       "spec_decl",
	KindImport:         "import",
	KindImportItem:     "import_item",
	KindSection:        "section",
	KindRequirement:    "requirement",
	KindTask:           "task",
	KindSubsection:     "subsection",
	KindHeaderID:       "header_id",
	KindHeaderTitle:    "header_title",
	KindUserStory:      "user_story",
	KindEars:           "ears_clause",
	KindTrigger:        "trigger",
	KindCondition:      "condition",
	KindShall:          "shall",
	KindAcceptance:     "acceptance",
	KindAcceptanceStep: "acceptance_step",
	KindConcept:        "concept",
	KindField:          "field",
	KindConstraint:     "constraint",
	KindTypeExpr:       "type_expr",
	KindEnumVariants:   "enum_variants",
	KindVariant:        "variant",
	KindBehavior:       "behavior",
	KindParam:          "param",
	KindReturns:        "returns",
	KindImplements:     "implements",
	KindRequires:       "requires",
	KindEnsures:        "ensures",
	KindExample:        "example",
	KindInvariant:      "invariant",
	KindQuantifier:     "quantifier",
	KindAesthetic:      "aesthetic",
	KindAestheticField: "aesthetic_field",
	KindSoftMarker:     "soft_marker",
	KindHole:           "typed_hole",
	KindReference:      "reference",
	KindTaskRef:        "task_ref",
	KindFilePath:       "file_path",
	KindTestsPath:      "tests_path",
	KindDepends:        "depends",
	KindStatus:         "status",
	KindEvidence:       "evidence",
	KindEvidenceItem:   "evidence_item",
	KindPredicate:      "predicate",
	KindProse:          "prose",
	KindForeign:        "foreign_block",
	KindComment:        "comment",
	KindName:           "name",
	KindPath:           "path",
	KindError:          "error",
	KindMissing:        "missing",
}

func (k NodeKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Node is a concrete syntax node. Leaves carry their raw text slice;
// interior nodes carry ordered children. Nodes are immutable once the
// parse returns.
type Node struct {
	Kind     NodeKind
	Span     source.Span
	Text     string
	Children []*Node
}

// Child returns the first child of the given kind, or nil.
func (n *Node) Child(kind NodeKind) *Node {
	for _, c := range n.Children {
		if c.Kind == kind {
			return c
		}
	}
	return nil
}

// ChildrenOf returns all children of the given kind in order.
func (n *Node) ChildrenOf(kind NodeKind) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// ParseError is a recovered syntax error with its covering span.
type ParseError struct {
	Span    source.Span
	Message string
}

// Tree is a parse result. Trees are immutable and shared by reference;
// incremental reparse builds a new Tree, cloning any reused subtrees
// whose spans must shift.
type Tree struct {
	// Text is the exact source the tree was parsed from.
	Text string
	// Index converts offsets to positions for Text.
	Index *source.LineIndex
	// Root is the source_file node; never nil, even for garbage input.
	Root *Node
	// Errors lists recovered parse errors in span order.
	Errors []ParseError
	// FinalState is the scanner state at end of input. Incremental
	// reparse does not read it; each fragment starts from the default
	// scanner state.
	FinalState scanner.State
}

// blockExtents returns the byte extents of Root's direct children, used
// by incremental reparse to find reusable top-level blocks.
func (t *Tree) blockExtents() []blockExtent {
	blocks := make([]blockExtent, 0, len(t.Root.Children))
	for i, child := range t.Root.Children {
		ext := blockExtent{node: child, start: child.Span.Start, end: child.Span.End}
		if i+1 < len(t.Root.Children) {
			ext.end = t.Root.Children[i+1].Span.Start
		} else {
			ext.end = len(t.Text)
		}
		blocks = append(blocks, ext)
	}
	return blocks
}

type blockExtent struct {
	node  *Node
	start int
	end   int
}

// cloneShifted deep-copies a node with every span moved by deltaBytes
// and deltaLines. Reused subtrees from a prior tree are cloned rather
// than mutated so the prior tree stays valid for concurrent readers.
func cloneShifted(n *Node, deltaBytes, deltaLines int) *Node {
	out := &Node{
		Kind: n.Kind,
		Span: n.Span.Shift(deltaBytes, deltaLines),
		Text: n.Text,
	}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = cloneShifted(c, deltaBytes, deltaLines)
		}
	}
	return out
}
