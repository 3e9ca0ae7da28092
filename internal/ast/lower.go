package ast

import (
	"regexp"
	"strings"

	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/syntax"
)

var (
	reqIDShape  = regexp.MustCompile(`^REQ-([A-Z][A-Z0-9]*-)*\d+$`)
	taskIDShape = regexp.MustCompile(`^TASK-([A-Z][A-Z0-9]*-)*\d+$`)
)

// Lower converts a concrete syntax tree into the typed AST. Lowering is
// total: any tree, including one full of error nodes, yields a File.
// Recovered parse errors are returned alongside, in span order.
func Lower(tree *syntax.Tree) (*File, []ParseError) {
	timer := logging.StartTimer(logging.CategoryAST, "Lower")
	defer timer.Stop()

	lw := &lowerer{}
	file := &File{Span: tree.Root.Span}

	var current *Section
	flush := func() {
		if current != nil {
			file.Sections = append(file.Sections, current)
			current = nil
		}
	}

	for _, block := range tree.Root.Children {
		switch block.Kind {
		case syntax.KindSpecDecl:
			if name := block.Child(syntax.KindName); name != nil {
				file.Spec = name.Text
				file.SpecSpan = name.Span
			}
		case syntax.KindImport:
			file.Imports = append(file.Imports, lw.lowerImport(block))
		case syntax.KindSection:
			flush()
			file.Sections = append(file.Sections, lw.lowerSection(block))
		case syntax.KindComment, syntax.KindError, syntax.KindMissing:
			// Comments are not semantically processed; error nodes were
			// already reported through the parse-error channel.
		default:
			item := lw.lowerSectionItem(block)
			if item == nil {
				continue
			}
			kind := syntheticKindFor(item)
			if current == nil || current.Kind != kind {
				flush()
				current = &Section{Span: block.Span, Kind: kind, Synthetic: true}
			}
			current.Items = append(current.Items, item)
			if block.Span.End > current.Span.End {
				current.Span.End = block.Span.End
				current.Span.EndPos = block.Span.EndPos
			}
		}
	}
	flush()

	file.Holes = lw.holes
	file.Refs = lw.refs

	errs := make([]ParseError, len(tree.Errors))
	for i, e := range tree.Errors {
		errs[i] = ParseError{Span: e.Span, Message: e.Message}
	}
	return file, errs
}

// lowerer carries the per-file hole counter and reference accumulator.
type lowerer struct {
	holes []*TypedHole
	refs  []RefUse
}

// syntheticKindFor picks the section kind that hosts a bare construct.
func syntheticKindFor(item Node) SectionKind {
	switch item.(type) {
	case *Requirement:
		return SectionRequirements
	case *Task:
		return SectionTasks
	case *Concept:
		return SectionConcepts
	case *Behavior:
		return SectionBehaviors
	case *Invariant:
		return SectionInvariants
	case *Aesthetic:
		return SectionAesthetics
	}
	return SectionUnknown
}

func (lw *lowerer) lowerSection(n *syntax.Node) *Section {
	sec := &Section{
		Span:  n.Span,
		Kind:  SectionKindForTitle(n.Text),
		Title: strings.TrimSpace(n.Text),
	}
	for _, child := range n.Children {
		if item := lw.lowerSectionItem(child); item != nil {
			sec.Items = append(sec.Items, item)
		}
	}
	return sec
}

// lowerSectionItem lowers one section member; nil for nodes with no AST
// counterpart.
func (lw *lowerer) lowerSectionItem(n *syntax.Node) Node {
	switch n.Kind {
	case syntax.KindRequirement:
		return lw.lowerRequirement(n)
	case syntax.KindTask:
		return lw.lowerTask(n)
	case syntax.KindSubsection:
		return lw.lowerSubsection(n)
	case syntax.KindConcept:
		return lw.lowerConcept(n)
	case syntax.KindBehavior:
		return lw.lowerBehavior(n)
	case syntax.KindInvariant:
		return lw.lowerInvariant(n)
	case syntax.KindAesthetic:
		return lw.lowerAesthetic(n)
	case syntax.KindProse, syntax.KindUserStory:
		return lw.lowerProse(n)
	case syntax.KindForeign:
		return lw.lowerForeign(n)
	}
	return nil
}

func (lw *lowerer) lowerImport(n *syntax.Node) *Import {
	imp := &Import{Span: n.Span}
	if p := n.Child(syntax.KindPath); p != nil {
		imp.Path = p.Text
	}
	items := n.ChildrenOf(syntax.KindImportItem)
	if len(items) == 1 && items[0].Text == "*" {
		imp.Glob = true
		return imp
	}
	if len(items) == 0 {
		// `import "p" as alias` form: alias is the lone name child.
		if alias := n.Child(syntax.KindName); alias != nil {
			imp.Alias = alias.Text
		}
		return imp
	}
	for _, item := range items {
		names := item.ChildrenOf(syntax.KindName)
		it := ImportItem{Span: item.Span}
		if len(names) > 0 {
			it.Name = names[0].Text
		}
		if len(names) > 1 {
			it.Alias = names[1].Text
		}
		imp.Items = append(imp.Items, it)
	}
	return imp
}

func (lw *lowerer) lowerRequirement(n *syntax.Node) *Requirement {
	req := &Requirement{Span: n.Span}
	if id := n.Child(syntax.KindHeaderID); id != nil {
		req.ID = id.Text
		req.IDSpan = id.Span
	}
	if title := n.Child(syntax.KindHeaderTitle); title != nil {
		req.Title = title.Text
	}
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindUserStory:
			if req.Story == "" {
				req.Story = child.Text
			}
			req.Body = append(req.Body, lw.lowerProse(child))
		case syntax.KindEars:
			req.Ears = append(req.Ears, lw.lowerEars(child))
		case syntax.KindAcceptance:
			req.Acceptance = append(req.Acceptance, lw.lowerAcceptance(child)...)
		case syntax.KindProse:
			req.Body = append(req.Body, lw.lowerProse(child))
		}
	}
	return req
}

func (lw *lowerer) lowerEars(n *syntax.Node) *EarsClause {
	clause := &EarsClause{Span: n.Span}
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindTrigger:
			clause.Trigger = child.Text
		case syntax.KindCondition:
			clause.Condition = child.Text
			clause.CondSpan = child.Span
			lw.lowerInline(child.Children)
		case syntax.KindShall:
			clause.Behavior = child.Text
			clause.BehSpan = child.Span
			refs, holes, _ := lw.lowerInline(child.Children)
			_ = refs
			if len(holes) > 0 {
				clause.Hole = holes[0]
			}
		}
	}
	return clause
}

// lowerAcceptance groups acceptance steps into given/when/then triples.
// A step whose slot is already filled starts a new triple.
func (lw *lowerer) lowerAcceptance(n *syntax.Node) []*AcceptanceTriple {
	var out []*AcceptanceTriple
	var cur *AcceptanceTriple
	for _, step := range n.ChildrenOf(syntax.KindAcceptanceStep) {
		text := ""
		if pred := step.Child(syntax.KindPredicate); pred != nil {
			text = pred.Text
			lw.lowerInline(pred.Children)
		}
		slotFilled := func(t *AcceptanceTriple, key string) bool {
			switch key {
			case "given":
				return t.Given != ""
			case "when":
				return t.When != ""
			default:
				return t.Then != ""
			}
		}
		if cur == nil || slotFilled(cur, step.Text) {
			cur = &AcceptanceTriple{Span: step.Span}
			out = append(out, cur)
		}
		switch step.Text {
		case "given":
			cur.Given = text
		case "when":
			cur.When = text
		case "then":
			cur.Then = text
		}
		if step.Span.End > cur.Span.End {
			cur.Span.End = step.Span.End
			cur.Span.EndPos = step.Span.EndPos
		}
	}
	return out
}

func (lw *lowerer) lowerSubsection(n *syntax.Node) *Subsection {
	sub := &Subsection{Span: n.Span}
	if title := n.Child(syntax.KindHeaderTitle); title != nil {
		sub.Title = title.Text
	} else {
		sub.Title = n.Text
	}
	for _, child := range n.ChildrenOf(syntax.KindProse) {
		sub.Body = append(sub.Body, lw.lowerProse(child))
	}
	return sub
}

func (lw *lowerer) lowerConcept(n *syntax.Node) *Concept {
	c := &Concept{Span: n.Span, Private: n.Text == "private"}
	var doc []string
	sawMember := false
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindName:
			c.Name = child.Text
			c.NameSpan = child.Span
		case syntax.KindProse:
			if !sawMember {
				doc = append(doc, child.Text)
			}
			lw.lowerInline(child.Children)
		case syntax.KindField:
			sawMember = true
			c.Fields = append(c.Fields, lw.lowerField(child))
		case syntax.KindEnumVariants:
			sawMember = true
			for _, v := range child.ChildrenOf(syntax.KindVariant) {
				c.Variants = append(c.Variants, &Variant{Span: v.Span, Name: v.Text})
			}
		}
	}
	c.Doc = strings.Join(doc, "\n")
	return c
}

func (lw *lowerer) lowerField(n *syntax.Node) *Field {
	f := &Field{Span: n.Span}
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindName:
			f.Name = child.Text
			f.NameSpan = child.Span
		case syntax.KindTypeExpr:
			f.Type = lw.lowerTypeExpr(child)
		case syntax.KindConstraint:
			lw.lowerInline(child.Children)
			f.Constraints = append(f.Constraints, &Constraint{
				Span: child.Span,
				Kind: ClassifyConstraint(child.Text),
				Text: child.Text,
			})
		}
	}
	return f
}

func (lw *lowerer) lowerBehavior(n *syntax.Node) *Behavior {
	b := &Behavior{Span: n.Span, Private: n.Text == "private"}
	var doc []string
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindName:
			b.Name = child.Text
			b.NameSpan = child.Span
		case syntax.KindParam:
			param := &Param{Span: child.Span}
			if name := child.Child(syntax.KindName); name != nil {
				param.Name = name.Text
			}
			if te := child.Child(syntax.KindTypeExpr); te != nil {
				param.Type = lw.lowerTypeExpr(te)
			}
			b.Params = append(b.Params, param)
		case syntax.KindImplements:
			for _, ref := range child.ChildrenOf(syntax.KindReference) {
				b.Implements = append(b.Implements, lw.reference(ref, RefRequirement))
			}
		case syntax.KindReturns:
			ret := &Returns{Span: child.Span}
			types := child.ChildrenOf(syntax.KindTypeExpr)
			if len(types) > 0 {
				ret.Success = lw.lowerTypeExpr(types[0])
			}
			if len(types) > 1 {
				ret.Error = lw.lowerTypeExpr(types[1])
			}
			b.Returns = ret
		case syntax.KindRequires:
			b.Requires = append(b.Requires, lw.lowerPredicateChild(child))
		case syntax.KindEnsures:
			b.Ensures = append(b.Ensures, lw.lowerPredicateChild(child))
		case syntax.KindExample:
			if pred := child.Child(syntax.KindPredicate); pred != nil {
				b.Examples = append(b.Examples, pred.Text)
				lw.lowerInline(pred.Children)
			}
		case syntax.KindEars:
			b.Ears = append(b.Ears, lw.lowerEars(child))
		case syntax.KindProse:
			doc = append(doc, child.Text)
			lw.lowerInline(child.Children)
		}
	}
	b.Doc = strings.Join(doc, "\n")
	return b
}

func (lw *lowerer) lowerPredicateChild(n *syntax.Node) *Predicate {
	if pred := n.Child(syntax.KindPredicate); pred != nil {
		return lw.lowerPredicate(pred)
	}
	return &Predicate{Span: n.Span}
}

func (lw *lowerer) lowerPredicate(n *syntax.Node) *Predicate {
	refs, holes, _ := lw.lowerInline(n.Children)
	return &Predicate{Span: n.Span, Text: n.Text, Refs: refs, Holes: holes}
}

func (lw *lowerer) lowerInvariant(n *syntax.Node) *Invariant {
	inv := &Invariant{Span: n.Span, Private: n.Text == "private"}
	var doc []string
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindName:
			inv.Name = child.Text
			inv.NameSpan = child.Span
		case syntax.KindProse:
			doc = append(doc, child.Text)
			lw.lowerInline(child.Children)
		case syntax.KindQuantifier:
			names := child.ChildrenOf(syntax.KindName)
			if len(names) > 0 {
				inv.Var = names[0].Text
			}
			if ref := child.Child(syntax.KindReference); ref != nil {
				inv.Over = lw.reference(ref, RefSymbol)
			}
			if pred := child.Child(syntax.KindPredicate); pred != nil {
				inv.Predicate = lw.lowerPredicate(pred)
			}
		}
	}
	inv.Doc = strings.Join(doc, "\n")
	return inv
}

func (lw *lowerer) lowerAesthetic(n *syntax.Node) *Aesthetic {
	a := &Aesthetic{Span: n.Span, Private: n.Text == "private"}
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindName:
			a.Name = child.Text
			a.NameSpan = child.Span
		case syntax.KindAestheticField:
			field := &AestheticField{Span: child.Span}
			if name := child.Child(syntax.KindName); name != nil {
				field.Name = name.Text
			}
			if mark := child.Child(syntax.KindSoftMarker); mark != nil {
				field.Soft = true
				field.Permanent = mark.Text == "[~permanent]"
			}
			if prose := child.Child(syntax.KindProse); prose != nil {
				field.Text = prose.Text
				lw.lowerInline(prose.Children)
			}
			a.Fields = append(a.Fields, field)
		case syntax.KindProse:
			lw.lowerInline(child.Children)
		}
	}
	return a
}

func (lw *lowerer) lowerTask(n *syntax.Node) *Task {
	t := &Task{Span: n.Span, Status: StatusPending}
	if id := n.Child(syntax.KindHeaderID); id != nil {
		t.ID = id.Text
		t.IDSpan = id.Span
	}
	if title := n.Child(syntax.KindHeaderTitle); title != nil {
		t.Title = title.Text
	}
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindReference:
			t.Requirements = append(t.Requirements, lw.reference(child, RefRequirement))
		case syntax.KindFilePath:
			t.FilePath = child.Text
			t.FileSpan = child.Span
		case syntax.KindTestsPath:
			t.TestsPath = child.Text
			t.TestsSpan = child.Span
		case syntax.KindStatus:
			t.StatusRaw = child.Text
			t.StatusSpan = child.Span
			if ValidStatus(child.Text) {
				t.Status = TaskStatus(child.Text)
			}
		case syntax.KindDepends:
			for _, ref := range child.ChildrenOf(syntax.KindTaskRef) {
				t.DependsOn = append(t.DependsOn, lw.reference(ref, RefTask))
			}
		case syntax.KindEvidence:
			for _, item := range child.ChildrenOf(syntax.KindEvidenceItem) {
				ev := &EvidenceItem{Span: item.Span, Key: item.Text}
				if v := item.Child(syntax.KindPredicate); v != nil {
					ev.Value = v.Text
				}
				t.Evidence = append(t.Evidence, ev)
			}
		case syntax.KindProse:
			t.Body = append(t.Body, lw.lowerProse(child))
		}
	}
	return t
}

func (lw *lowerer) lowerProse(n *syntax.Node) *Prose {
	refs, holes, soft := lw.lowerInline(n.Children)
	return &Prose{Span: n.Span, Text: n.Text, Refs: refs, Holes: holes, Soft: soft}
}

func (lw *lowerer) lowerForeign(n *syntax.Node) *ForeignBlock {
	fb := &ForeignBlock{Span: n.Span, Language: n.Text}
	for _, line := range n.ChildrenOf(syntax.KindProse) {
		fb.Content = append(fb.Content, line.Text)
	}
	return fb
}

// lowerInline converts inline CST children into references, holes and
// soft markers, registering each in the file-wide accumulators.
func (lw *lowerer) lowerInline(children []*syntax.Node) (refs []*Reference, holes []*TypedHole, soft []*SoftMarker) {
	for _, child := range children {
		switch child.Kind {
		case syntax.KindReference:
			refs = append(refs, lw.reference(child, refKindForName(child.Text)))
		case syntax.KindHole:
			holes = append(holes, lw.lowerHole(child))
		case syntax.KindSoftMarker:
			soft = append(soft, &SoftMarker{Span: child.Span, Permanent: child.Text == "[~permanent]"})
		}
	}
	return refs, holes, soft
}

// refKindForName infers the expected namespace from the identifier
// shape: stable IDs carry their namespace in their prefix.
func refKindForName(name string) RefKind {
	switch {
	case reqIDShape.MatchString(name):
		return RefRequirement
	case taskIDShape.MatchString(name):
		return RefTask
	}
	return RefSymbol
}

// reference builds a Reference and records its use.
func (lw *lowerer) reference(n *syntax.Node, kind RefKind) *Reference {
	ref := &Reference{Span: n.Span, Name: n.Text}
	lw.refs = append(lw.refs, RefUse{Ref: ref, Kind: kind})
	return ref
}

// lowerHole builds a TypedHole, assigning the next per-file identifier.
func (lw *lowerer) lowerHole(n *syntax.Node) *TypedHole {
	h := &TypedHole{Span: n.Span, ID: len(lw.holes)}
	lw.holes = append(lw.holes, h)
	for _, child := range n.Children {
		switch child.Kind {
		case syntax.KindName:
			h.Name = child.Text
		case syntax.KindTypeExpr:
			te := lw.lowerTypeExpr(child)
			switch child.Text {
			case "input":
				h.Input = te
			case "error":
				h.Error = te
			default:
				h.Output = te
			}
		case syntax.KindRequires:
			h.Constraints = append(h.Constraints, lw.lowerPredicateChild(child))
		case syntax.KindDepends:
			refs, _, _ := lw.lowerInline(child.Children)
			h.Involving = append(h.Involving, refs...)
		}
	}
	return h
}

// lowerTypeExpr builds a TypeExpr from a CST type node.
func (lw *lowerer) lowerTypeExpr(n *syntax.Node) *TypeExpr {
	te := &TypeExpr{Span: n.Span, Kind: TypeInvalid}
	form := ""
	if name := n.Child(syntax.KindName); name != nil {
		form = name.Text
	}
	switch {
	case n.Child(syntax.KindHole) != nil:
		te.Kind = TypeHole
		te.Hole = lw.lowerHole(n.Child(syntax.KindHole))
		// A hole in type position constrains itself to the annotated slot;
		// the hole analyzer derives that from the surrounding node.
	case form == "List":
		te.Kind = TypeList
		if elem := n.Child(syntax.KindTypeExpr); elem != nil {
			te.Elem = lw.lowerTypeExpr(elem)
		}
	case form == "Optional":
		te.Kind = TypeOptional
		if elem := n.Child(syntax.KindTypeExpr); elem != nil {
			te.Elem = lw.lowerTypeExpr(elem)
		}
	case n.Child(syntax.KindEnumVariants) != nil:
		te.Kind = TypeEnum
		for _, v := range n.Child(syntax.KindEnumVariants).ChildrenOf(syntax.KindVariant) {
			te.Variants = append(te.Variants, v.Text)
		}
	case n.Child(syntax.KindReference) != nil:
		ref := n.Child(syntax.KindReference)
		te.Kind = TypeRef
		te.Name = ref.Text
		lw.reference(ref, RefSymbol)
	}
	return te
}
