package syntax

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/scanner"
	"github.com/rand/topos/internal/source"
)

var (
	reqIDPattern  = regexp.MustCompile(`^REQ-([A-Z][A-Z0-9]*-)*\d+$`)
	taskIDPattern = regexp.MustCompile(`^TASK-([A-Z][A-Z0-9]*-)*\d+$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fencePattern  = regexp.MustCompile("^```([a-z][a-z0-9+-]*)?\\s*$")
)

// Parse parses text into a concrete syntax tree. When prior is non-nil
// and was produced for an earlier revision of the same file, unaffected
// top-level blocks are reused; the result is observationally identical
// to a from-scratch parse of text.
func Parse(text string, prior *Tree) *Tree {
	if prior != nil {
		if prior.Text == text {
			return prior
		}
		if t := parseIncremental(text, prior); t != nil {
			return t
		}
	}
	return parseFull(text)
}

func parseFull(text string) *Tree {
	timer := logging.StartTimer(logging.CategoryParser, "parseFull")
	defer timer.Stop()

	ix := source.NewLineIndex(text)
	p := newParser(text, ix, 0, len(text), scanner.DefaultState())
	blocks := p.parseBlocks()

	root := &Node{
		Kind:     KindSourceFile,
		Span:     ix.SpanBetween(0, len(text)),
		Children: blocks,
	}
	sort.SliceStable(p.errors, func(i, j int) bool {
		return p.errors[i].Span.Compare(p.errors[j].Span) < 0
	})
	return &Tree{
		Text:       text,
		Index:      ix,
		Root:       root,
		Errors:     p.errors,
		FinalState: p.sc.State(),
	}
}

// parser is a recursive-descent parser over the scanner's token stream.
// It holds one token of lookahead; the valid-symbols set for that token
// is fixed at fill time, which is fine because prose is a valid symbol
// everywhere outside fenced blocks and fences manage their own reads.
type parser struct {
	text   string
	ix     *source.LineIndex
	sc     *scanner.Scanner
	tok    scanner.Token
	filled bool
	errors []ParseError
}

func newParser(text string, ix *source.LineIndex, start, limit int, st scanner.State) *parser {
	return &parser{
		text: text,
		ix:   ix,
		sc:   scanner.NewRange(text, ix, start, limit, st),
	}
}

// peek returns the current token without consuming it.
func (p *parser) peek() scanner.Token {
	if !p.filled {
		p.tok = p.sc.Next(scanner.Valid{Prose: true})
		p.filled = true
	}
	return p.tok
}

// next consumes and returns the current token.
func (p *parser) next() scanner.Token {
	tok := p.peek()
	p.filled = false
	return tok
}

// nextVerbatim reads a raw line, bypassing lookahead classification.
// Only legal when no lookahead is buffered.
func (p *parser) nextVerbatim() scanner.Token {
	if p.filled {
		p.filled = false
		return p.tok
	}
	return p.sc.Next(scanner.Valid{Verbatim: true})
}

// skipBreaks consumes newline tokens.
func (p *parser) skipBreaks() {
	for p.peek().Kind == scanner.Newline {
		p.next()
	}
}

// peekContent skips newlines and returns the next structural token.
func (p *parser) peekContent() scanner.Token {
	p.skipBreaks()
	return p.peek()
}

func (p *parser) errorAt(span source.Span, msg string) {
	p.errors = append(p.errors, ParseError{Span: span, Message: msg})
}

// errorNode records an error and returns an ERROR node covering span.
func (p *parser) errorNode(span source.Span, raw, msg string) *Node {
	p.errorAt(span, msg)
	return &Node{Kind: KindError, Span: span, Text: raw}
}

// parseBlocks parses top-level blocks until EOF. Every block begins at
// indent level 0; INDENT/DEDENT pairs only occur inside keyword bodies.
func (p *parser) parseBlocks() []*Node {
	var blocks []*Node
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF:
			return blocks
		case scanner.Indent:
			// Stray indentation at top level: absorb the block as errors.
			p.next()
			blocks = append(blocks, p.recoverIndentedRegion()...)
		case scanner.Dedent:
			p.next()
		case scanner.Prose:
			p.next()
			blocks = append(blocks, p.proseNode(tok))
		case scanner.Line:
			blocks = append(blocks, p.parseConstruct(tok))
		}
	}
}

// parseConstruct dispatches one structured construct starting at the
// current Line token. The token is not yet consumed.
func (p *parser) parseConstruct(tok scanner.Token) *Node {
	first := scanner.FirstWord(tok.Text)
	switch {
	case first == "spec":
		return p.parseSpecDecl()
	case first == "import":
		return p.parseImport()
	case strings.HasPrefix(first, "##"):
		return p.parseHeading()
	case strings.HasPrefix(first, "#"):
		return p.parseSection()
	case strings.HasPrefix(first, "```"):
		return p.parseFence()
	case strings.HasPrefix(first, "//"):
		line := p.next()
		return &Node{Kind: KindComment, Span: line.Span, Text: line.Text}
	case first == "Concept" || first == "private" && secondWord(tok.Text) == "Concept":
		return p.parseConcept()
	case first == "Behavior" || first == "private" && secondWord(tok.Text) == "Behavior":
		return p.parseBehavior()
	case first == "Invariant" || first == "private" && secondWord(tok.Text) == "Invariant":
		return p.parseInvariant()
	case first == "Aesthetic" || first == "private" && secondWord(tok.Text) == "Aesthetic":
		return p.parseAesthetic()
	default:
		// A reserved-word line with no matching rule at this level; keep
		// parsing around it.
		line := p.next()
		return p.errorNode(line.Span, line.Text, "unexpected "+first+" at top level")
	}
}

// recoverIndentedRegion consumes an unexpected indented region, turning
// its lines into error nodes until the matching dedent.
func (p *parser) recoverIndentedRegion() []*Node {
	var out []*Node
	depth := 1
	for depth > 0 {
		tok := p.next()
		switch tok.Kind {
		case scanner.EOF:
			return out
		case scanner.Indent:
			depth++
		case scanner.Dedent:
			depth--
		case scanner.Line, scanner.Prose:
			out = append(out, p.errorNode(tok.Span, tok.Text, "unexpected indented line"))
		}
	}
	return out
}

func (p *parser) proseNode(tok scanner.Token) *Node {
	n := &Node{Kind: KindProse, Span: tok.Span, Text: tok.Text}
	n.Children = p.parseInline(tok.Text, tok.Span.Start)
	return n
}

// parseSpecDecl parses `spec Name`.
func (p *parser) parseSpecDecl() *Node {
	line := p.next()
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), "spec"))
	n := &Node{Kind: KindSpecDecl, Span: line.Span, Text: line.Text}
	if rest == "" {
		n.Children = append(n.Children, &Node{Kind: KindMissing, Span: endSpan(line.Span)})
		p.errorAt(line.Span, "spec declaration is missing a name")
		return n
	}
	nameStart := line.Span.Start + strings.Index(line.Text, rest)
	n.Children = append(n.Children, &Node{
		Kind: KindName,
		Span: p.ix.SpanBetween(nameStart, nameStart+len(rest)),
		Text: rest,
	})
	return n
}

// parseImport parses the three import forms:
//
//	import from "./a.tps": `A`, `B` as `C`
//	import from "./a.tps": *
//	import "./a.tps" as mod
func (p *parser) parseImport() *Node {
	line := p.next()
	n := &Node{Kind: KindImport, Span: line.Span, Text: line.Text}
	text := strings.TrimSpace(line.Text)

	body := strings.TrimSpace(strings.TrimPrefix(text, "import"))
	if strings.HasPrefix(body, "from") {
		rest := strings.TrimSpace(strings.TrimPrefix(body, "from"))
		path, tail, ok := cutQuoted(rest)
		if !ok {
			return p.errorNode(line.Span, line.Text, "import is missing a quoted source path")
		}
		pathStart := line.Span.Start + strings.Index(line.Text, `"`+path+`"`)
		n.Children = append(n.Children, &Node{
			Kind: KindPath,
			Span: p.ix.SpanBetween(pathStart, pathStart+len(path)+2),
			Text: path,
		})
		tail = strings.TrimSpace(tail)
		if !strings.HasPrefix(tail, ":") {
			p.errorAt(line.Span, "import from is missing ':' before its item list")
			return n
		}
		items := strings.TrimSpace(tail[1:])
		if items == "*" {
			n.Children = append(n.Children, &Node{Kind: KindImportItem, Span: line.Span, Text: "*"})
			return n
		}
		if items == "" {
			p.errorAt(line.Span, "import item list must not be empty")
			n.Children = append(n.Children, &Node{Kind: KindMissing, Span: endSpan(line.Span)})
			return n
		}
		for _, item := range splitTopLevel(items, ',') {
			item = strings.TrimSpace(item)
			itemNode := &Node{Kind: KindImportItem, Span: line.Span, Text: item}
			name, alias := item, ""
			if i := strings.Index(item, " as "); i >= 0 {
				name = strings.TrimSpace(item[:i])
				alias = strings.TrimSpace(item[i+4:])
			}
			itemNode.Children = append(itemNode.Children, &Node{Kind: KindName, Span: line.Span, Text: unbacktick(name)})
			if alias != "" {
				itemNode.Children = append(itemNode.Children, &Node{Kind: KindName, Span: line.Span, Text: unbacktick(alias)})
			}
			n.Children = append(n.Children, itemNode)
		}
		return n
	}

	path, tail, ok := cutQuoted(body)
	if !ok {
		return p.errorNode(line.Span, line.Text, "import is missing a quoted source path")
	}
	n.Children = append(n.Children, &Node{Kind: KindPath, Span: line.Span, Text: path})
	tail = strings.TrimSpace(tail)
	if strings.HasPrefix(tail, "as ") {
		alias := strings.TrimSpace(tail[3:])
		n.Children = append(n.Children, &Node{Kind: KindName, Span: line.Span, Text: alias})
	} else {
		p.errorAt(line.Span, "module import requires 'as <alias>'")
		n.Children = append(n.Children, &Node{Kind: KindMissing, Span: endSpan(line.Span)})
	}
	return n
}

// parseSection parses `# Title` followed by its members, ending at the
// next single-# header or EOF.
func (p *parser) parseSection() *Node {
	header := p.next()
	title := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header.Text), "#"))
	n := &Node{Kind: KindSection, Span: header.Span, Text: title}

	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF:
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		case scanner.Indent:
			p.next()
			n.Children = append(n.Children, p.recoverIndentedRegion()...)
			continue
		case scanner.Dedent:
			p.next()
			continue
		case scanner.Prose:
			p.next()
			n.Children = append(n.Children, p.proseNode(tok))
			continue
		}
		first := scanner.FirstWord(tok.Text)
		if strings.HasPrefix(first, "#") && !strings.HasPrefix(first, "##") {
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		}
		if first == "spec" || first == "import" {
			// A new preamble construct ends the section.
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		}
		n.Children = append(n.Children, p.parseConstruct(tok))
	}
}

// extendSpan widens a node span to cover its children.
func (p *parser) extendSpan(span source.Span, children []*Node) source.Span {
	if len(children) == 0 {
		return span
	}
	last := children[len(children)-1].Span
	if last.End > span.End {
		return p.ix.SpanBetween(span.Start, last.End)
	}
	return span
}

// parseHeading parses a `##`-prefixed heading: a requirement when the
// identifier matches REQ-*, a task for TASK-*, otherwise a subsection.
func (p *parser) parseHeading() *Node {
	header := p.next()
	trimmed := strings.TrimSpace(header.Text)
	marker := trimmed[:countLeading(trimmed, '#')]
	rest := strings.TrimSpace(trimmed[len(marker):])

	id, title := rest, ""
	if i := strings.Index(rest, ":"); i >= 0 {
		id = strings.TrimSpace(rest[:i])
		title = strings.TrimSpace(rest[i+1:])
	}

	var kind NodeKind
	switch {
	case len(marker) == 2 && reqIDPattern.MatchString(id):
		kind = KindRequirement
	case len(marker) == 2 && taskIDPattern.MatchString(id):
		kind = KindTask
	default:
		kind = KindSubsection
		id, title = "", rest
	}

	n := &Node{Kind: kind, Span: header.Span, Text: rest}
	if id != "" {
		idStart := header.Span.Start + strings.Index(header.Text, id)
		n.Children = append(n.Children, &Node{
			Kind: KindHeaderID,
			Span: p.ix.SpanBetween(idStart, idStart+len(id)),
			Text: id,
		})
	}
	if title != "" {
		titleStart := header.Span.Start + strings.LastIndex(header.Text, title)
		n.Children = append(n.Children, &Node{
			Kind: KindHeaderTitle,
			Span: p.ix.SpanBetween(titleStart, titleStart+len(title)),
			Text: title,
		})
	}

	switch kind {
	case KindRequirement:
		p.parseRequirementBody(n)
	case KindTask:
		p.parseTaskBody(n)
	default:
		p.parseSubsectionBody(n)
	}
	n.Span = p.extendSpan(n.Span, n.Children)
	return n
}

// headingBodyEnds reports whether a line terminates a heading body:
// any heading, fence, or block-starting keyword at indent level 0.
func headingBodyEnds(first string) bool {
	switch first {
	case "spec", "import", "Concept", "Behavior", "Invariant", "Aesthetic", "private":
		return true
	}
	return strings.HasPrefix(first, "#") || strings.HasPrefix(first, "```")
}

// parseRequirementBody parses EARS clauses, user story, acceptance
// blocks, and free prose until the body ends.
func (p *parser) parseRequirementBody(n *Node) {
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF, scanner.Dedent:
			return
		case scanner.Indent:
			p.next()
			n.Children = append(n.Children, p.recoverIndentedRegion()...)
			continue
		case scanner.Prose:
			p.next()
			if strings.HasPrefix(tok.Text, "As a ") || strings.HasPrefix(tok.Text, "As an ") {
				story := &Node{Kind: KindUserStory, Span: tok.Span, Text: tok.Text}
				story.Children = p.parseInline(tok.Text, tok.Span.Start)
				n.Children = append(n.Children, story)
			} else {
				n.Children = append(n.Children, p.proseNode(tok))
			}
			continue
		}
		first := scanner.FirstWord(tok.Text)
		if headingBodyEnds(first) {
			return
		}
		switch first {
		case "when:", "while:", "if:", "where:":
			n.Children = append(n.Children, p.parseEars())
		case "the", "system", "shall:":
			line := p.next()
			ears := &Node{Kind: KindEars, Span: line.Span}
			ears.Children = append(ears.Children,
				&Node{Kind: KindMissing, Span: p.ix.SpanBetween(line.Span.Start, line.Span.Start)},
				p.shallNode(line))
			p.errorAt(line.Span, "behavior clause has no preceding trigger")
			n.Children = append(n.Children, ears)
		case "acceptance:":
			n.Children = append(n.Children, p.parseAcceptance())
		default:
			line := p.next()
			n.Children = append(n.Children, p.errorNode(line.Span, line.Text, "unexpected "+first+" in requirement body"))
		}
	}
}

// parseEars parses a trigger line plus an optional following behavior
// line (`the system shall: ...`).
func (p *parser) parseEars() *Node {
	trigger := p.next()
	first := scanner.FirstWord(trigger.Text)
	cond := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(trigger.Text), first))

	n := &Node{Kind: KindEars, Span: trigger.Span}
	trigWord := strings.TrimSuffix(first, ":")
	trigStart := trigger.Span.Start + strings.Index(trigger.Text, first)
	n.Children = append(n.Children, &Node{
		Kind: KindTrigger,
		Span: p.ix.SpanBetween(trigStart, trigStart+len(trigWord)),
		Text: trigWord,
	})
	condNode := &Node{Kind: KindCondition, Span: trigger.Span, Text: cond}
	if cond != "" {
		condStart := trigger.Span.Start + strings.LastIndex(trigger.Text, cond)
		condNode.Span = p.ix.SpanBetween(condStart, condStart+len(cond))
		condNode.Children = p.parseInline(cond, condStart)
	}
	n.Children = append(n.Children, condNode)

	next := p.peekContent()
	if next.Kind == scanner.Line {
		w := scanner.FirstWord(next.Text)
		if w == "the" || w == "shall:" {
			line := p.next()
			n.Children = append(n.Children, p.shallNode(line))
			n.Span = p.ix.SpanBetween(n.Span.Start, line.Span.End)
		}
	}
	return n
}

// shallNode extracts the behavior text of a `the system shall:` line.
func (p *parser) shallNode(line scanner.Token) *Node {
	text := strings.TrimSpace(line.Text)
	for _, prefix := range []string{"the system shall:", "shall:"} {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}
	n := &Node{Kind: KindShall, Span: line.Span, Text: text}
	if text != "" {
		start := line.Span.Start + strings.LastIndex(line.Text, text)
		n.Span = p.ix.SpanBetween(start, start+len(text))
		n.Children = p.parseInline(text, start)
	}
	return n
}

// parseAcceptance parses `acceptance:` followed by an indented block of
// given/when/then steps.
func (p *parser) parseAcceptance() *Node {
	header := p.next()
	n := &Node{Kind: KindAcceptance, Span: header.Span}
	if p.peekContent().Kind != scanner.Indent {
		p.errorAt(header.Span, "acceptance block has no indented steps")
		return n
	}
	p.next()
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF:
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		case scanner.Dedent:
			p.next()
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		case scanner.Indent:
			p.next()
			n.Children = append(n.Children, p.recoverIndentedRegion()...)
			continue
		}
		line := p.next()
		first := scanner.FirstWord(line.Text)
		switch first {
		case "given:", "when:", "then:":
			step := &Node{Kind: KindAcceptanceStep, Span: line.Span, Text: strings.TrimSuffix(first, ":")}
			body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), first))
			pred := &Node{Kind: KindPredicate, Span: line.Span, Text: body}
			if body != "" {
				start := line.Span.Start + strings.LastIndex(line.Text, body)
				pred.Span = p.ix.SpanBetween(start, start+len(body))
				pred.Children = p.parseInline(body, start)
			}
			step.Children = append(step.Children, pred)
			n.Children = append(n.Children, step)
		default:
			n.Children = append(n.Children, p.errorNode(line.Span, line.Text, "acceptance steps must start with given:, when: or then:"))
		}
	}
}

// parseSubsectionBody absorbs prose lines under a subsection heading.
func (p *parser) parseSubsectionBody(n *Node) {
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF, scanner.Dedent:
			return
		case scanner.Indent:
			p.next()
			n.Children = append(n.Children, p.recoverIndentedRegion()...)
			continue
		case scanner.Prose:
			p.next()
			n.Children = append(n.Children, p.proseNode(tok))
			continue
		}
		first := scanner.FirstWord(tok.Text)
		if headingBodyEnds(first) {
			return
		}
		line := p.next()
		n.Children = append(n.Children, p.errorNode(line.Span, line.Text, "unexpected "+first+" in subsection"))
	}
}

// parseTaskBody parses requirement references, file/tests/depends/
// status lines and the evidence block.
func (p *parser) parseTaskBody(n *Node) {
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF, scanner.Dedent:
			return
		case scanner.Indent:
			p.next()
			n.Children = append(n.Children, p.recoverIndentedRegion()...)
			continue
		case scanner.Prose:
			p.next()
			if refs := p.bracketRefs(tok); len(refs) > 0 {
				n.Children = append(n.Children, refs...)
			} else {
				n.Children = append(n.Children, p.proseNode(tok))
			}
			continue
		}
		first := scanner.FirstWord(tok.Text)
		if headingBodyEnds(first) {
			return
		}
		line := p.next()
		switch first {
		case "file:":
			n.Children = append(n.Children, p.keyedLine(line, first, KindFilePath))
		case "tests:":
			n.Children = append(n.Children, p.keyedLine(line, first, KindTestsPath))
		case "status:":
			n.Children = append(n.Children, p.keyedLine(line, first, KindStatus))
		case "depends:":
			dep := &Node{Kind: KindDepends, Span: line.Span}
			body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), first))
			for _, ref := range splitTopLevel(body, ',') {
				ref = strings.TrimSpace(ref)
				if ref == "" {
					continue
				}
				start := line.Span.Start + strings.Index(line.Text, ref)
				dep.Children = append(dep.Children, &Node{
					Kind: KindTaskRef,
					Span: p.ix.SpanBetween(start, start+len(ref)),
					Text: strings.Trim(ref, "[]`"),
				})
			}
			n.Children = append(n.Children, dep)
		case "evidence:":
			n.Children = append(n.Children, p.parseEvidence(line))
		default:
			if refs := p.bracketRefs(line); len(refs) > 0 {
				n.Children = append(n.Children, refs...)
			} else {
				n.Children = append(n.Children, p.errorNode(line.Span, line.Text, "unexpected "+first+" in task body"))
			}
		}
	}
}

// keyedLine wraps the value after a `key:` prefix in a node of the
// given kind.
func (p *parser) keyedLine(line scanner.Token, key string, kind NodeKind) *Node {
	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), key))
	n := &Node{Kind: kind, Span: line.Span, Text: body}
	if body != "" {
		start := line.Span.Start + strings.LastIndex(line.Text, body)
		n.Span = p.ix.SpanBetween(start, start+len(body))
	}
	return n
}

var bracketRefPattern = regexp.MustCompile(`\[(REQ-(?:[A-Z][A-Z0-9]*-)*\d+)\]`)

// bracketRefs extracts [REQ-*] references from a line; a line with any
// such reference contributes only reference nodes.
func (p *parser) bracketRefs(line scanner.Token) []*Node {
	matches := bracketRefPattern.FindAllStringSubmatchIndex(line.Text, -1)
	var out []*Node
	for _, m := range matches {
		start := line.Span.Start + m[2]
		out = append(out, &Node{
			Kind: KindReference,
			Span: p.ix.SpanBetween(start, start+(m[3]-m[2])),
			Text: line.Text[m[2]:m[3]],
		})
	}
	return out
}

// parseEvidence parses `evidence:` plus its indented key/value items.
func (p *parser) parseEvidence(header scanner.Token) *Node {
	n := &Node{Kind: KindEvidence, Span: header.Span}
	if p.peekContent().Kind != scanner.Indent {
		p.errorAt(header.Span, "evidence block has no indented items")
		return n
	}
	p.next()
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF:
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		case scanner.Dedent:
			p.next()
			n.Span = p.extendSpan(n.Span, n.Children)
			return n
		case scanner.Indent:
			p.next()
			n.Children = append(n.Children, p.recoverIndentedRegion()...)
			continue
		}
		line := p.next()
		text := strings.TrimSpace(line.Text)
		key, value, found := strings.Cut(text, ":")
		if !found {
			n.Children = append(n.Children, p.errorNode(line.Span, line.Text, "evidence items are key: value lines"))
			continue
		}
		item := &Node{Kind: KindEvidenceItem, Span: line.Span, Text: strings.TrimSpace(key)}
		item.Children = append(item.Children, &Node{Kind: KindPredicate, Span: line.Span, Text: strings.TrimSpace(value)})
		n.Children = append(n.Children, item)
	}
}

// parseFence parses a fenced code block. A lowercase language tag marks
// a foreign block whose content is preserved verbatim.
func (p *parser) parseFence() *Node {
	open := p.next()
	m := fencePattern.FindStringSubmatch(strings.TrimSpace(open.Text))
	lang := ""
	if m != nil {
		lang = m[1]
	}
	n := &Node{Kind: KindForeign, Span: open.Span, Text: lang}

	end := open.Span.End
	for {
		tok := p.nextVerbatim()
		switch tok.Kind {
		case scanner.EOF:
			p.errorAt(p.ix.SpanBetween(end, end), "unterminated fenced block")
			n.Span = p.ix.SpanBetween(n.Span.Start, end)
			return n
		case scanner.Newline, scanner.Indent, scanner.Dedent:
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(tok.Text), "```") {
			n.Span = p.ix.SpanBetween(n.Span.Start, tok.Span.End)
			return n
		}
		n.Children = append(n.Children, &Node{Kind: KindProse, Span: tok.Span, Text: tok.Text})
		end = tok.Span.End
	}
}

// keywordHeader splits a `[private] Keyword Name...:` construct header.
// It returns the private flag, the name portion and whether the header
// ended with a colon.
func keywordHeader(text, keyword string) (private bool, rest string, colon bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "private ") {
		private = true
		trimmed = strings.TrimSpace(trimmed[len("private "):])
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, keyword))
	colon = strings.HasSuffix(trimmed, ":")
	rest = strings.TrimSpace(strings.TrimSuffix(trimmed, ":"))
	return private, rest, colon
}

// constructShell builds the header node for a keyword construct and
// records the name child. Returns nil name when the header is malformed.
func (p *parser) constructShell(line scanner.Token, keyword string, kind NodeKind) *Node {
	private, rest, colon := keywordHeader(line.Text, keyword)
	n := &Node{Kind: kind, Span: line.Span}
	if private {
		n.Text = "private"
	}
	if !colon {
		p.errorAt(line.Span, keyword+" header must end with ':'")
	}

	name := rest
	if i := strings.IndexAny(rest, "( "); i >= 0 {
		name = rest[:i]
	}
	if name == "" || !namePattern.MatchString(name) {
		p.errorAt(line.Span, keyword+" name is missing or malformed")
		n.Children = append(n.Children, &Node{Kind: KindMissing, Span: endSpan(line.Span)})
	} else {
		start := line.Span.Start + strings.Index(line.Text, name)
		n.Children = append(n.Children, &Node{
			Kind: KindName,
			Span: p.ix.SpanBetween(start, start+len(name)),
			Text: name,
		})
	}
	return n
}

// parseConcept parses a Concept header plus its indented body of doc
// prose, fields and enumeration variants.
func (p *parser) parseConcept() *Node {
	line := p.next()
	n := p.constructShell(line, "Concept", KindConcept)
	p.parseIndentedBody(n, func(tok scanner.Token) *Node {
		first := scanner.FirstWord(tok.Text)
		line := p.next()
		switch {
		case first == "field":
			return p.parseField(line)
		case first == "one" && strings.HasPrefix(strings.TrimSpace(line.Text), "one of"):
			return p.parseEnumVariants(line)
		default:
			return p.errorNode(line.Span, line.Text, "unexpected "+first+" in concept body")
		}
	})
	n.Span = p.extendSpan(n.Span, n.Children)
	return n
}

// parseField parses `field name (`Type`): constraints` with every part
// after the name optional. The line token is already consumed.
func (p *parser) parseField(tok scanner.Token) *Node {
	text := strings.TrimSpace(tok.Text)
	rest := strings.TrimSpace(strings.TrimPrefix(text, "field"))
	n := &Node{Kind: KindField, Span: tok.Span}

	name := rest
	if i := strings.IndexAny(rest, "( :"); i >= 0 {
		name = rest[:i]
	}
	if name == "" || !namePattern.MatchString(name) {
		p.errorAt(tok.Span, "field name is missing or malformed")
		n.Children = append(n.Children, &Node{Kind: KindMissing, Span: endSpan(tok.Span)})
	} else {
		start := tok.Span.Start + strings.Index(tok.Text, name)
		n.Children = append(n.Children, &Node{Kind: KindName, Span: p.ix.SpanBetween(start, start+len(name)), Text: name})
		rest = strings.TrimSpace(rest[len(name):])
	}

	if strings.HasPrefix(rest, "(") {
		if close := matchParen(rest); close > 0 {
			typeText := strings.TrimSpace(rest[1:close])
			typeStart := tok.Span.Start + strings.Index(tok.Text, rest) + 1
			n.Children = append(n.Children, p.parseTypeExpr(typeText, typeStart))
			rest = strings.TrimSpace(rest[close+1:])
		} else {
			p.errorAt(tok.Span, "field type annotation is missing ')'")
			rest = ""
		}
	}

	if strings.HasPrefix(rest, ":") {
		constraints := strings.TrimSpace(rest[1:])
		for _, c := range splitTopLevel(constraints, ',') {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			start := tok.Span.Start + strings.Index(tok.Text, c)
			cn := &Node{Kind: KindConstraint, Span: p.ix.SpanBetween(start, start+len(c)), Text: c}
			cn.Children = p.parseInline(c, start)
			n.Children = append(n.Children, cn)
		}
	}
	return n
}

// parseEnumVariants parses `one of A, B, C`.
func (p *parser) parseEnumVariants(tok scanner.Token) *Node {
	text := strings.TrimSpace(tok.Text)
	body := strings.TrimSpace(strings.TrimPrefix(text, "one of"))
	n := &Node{Kind: KindEnumVariants, Span: tok.Span}
	for _, v := range splitTopLevel(body, ',') {
		v = strings.Trim(strings.TrimSpace(v), "`")
		if v == "" {
			continue
		}
		start := tok.Span.Start + strings.Index(tok.Text, v)
		n.Children = append(n.Children, &Node{Kind: KindVariant, Span: p.ix.SpanBetween(start, start+len(v)), Text: v})
	}
	if len(n.Children) == 0 {
		p.errorAt(tok.Span, "enumeration must list at least one variant")
	}
	return n
}

// parseBehavior parses a Behavior header with an optional parameter
// list, plus its indented body.
func (p *parser) parseBehavior() *Node {
	line := p.next()
	n := p.constructShell(line, "Behavior", KindBehavior)

	// Parameters: `Behavior name(param `T`, other `U`):`
	if open := strings.Index(line.Text, "("); open >= 0 {
		if close := strings.LastIndex(line.Text, ")"); close > open {
			params := line.Text[open+1 : close]
			for _, param := range splitTopLevel(params, ',') {
				trimmed := strings.TrimSpace(param)
				if trimmed == "" {
					continue
				}
				pn := &Node{Kind: KindParam, Span: line.Span}
				name := trimmed
				if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
					name = trimmed[:i]
					typeText := strings.TrimSpace(trimmed[i:])
					typeStart := line.Span.Start + strings.Index(line.Text, typeText)
					pn.Children = append(pn.Children, p.parseTypeExpr(typeText, typeStart))
				}
				nameStart := line.Span.Start + strings.Index(line.Text, name)
				pn.Children = append([]*Node{{
					Kind: KindName,
					Span: p.ix.SpanBetween(nameStart, nameStart+len(name)),
					Text: name,
				}}, pn.Children...)
				pn.Span = p.ix.SpanBetween(nameStart, nameStart+len(trimmed))
				n.Children = append(n.Children, pn)
			}
		} else {
			p.errorAt(line.Span, "behavior parameter list is missing ')'")
		}
	}

	p.parseIndentedBody(n, func(tok scanner.Token) *Node {
		first := scanner.FirstWord(tok.Text)
		switch first {
		case "Implements":
			return p.parseImplements()
		case "returns:":
			return p.parseReturns()
		case "requires:":
			return p.predicateLine(first, KindRequires)
		case "ensures:":
			return p.predicateLine(first, KindEnsures)
		case "example:":
			return p.predicateLine(first, KindExample)
		case "when:", "while:", "if:", "where:":
			return p.parseEars()
		case "the", "shall:":
			return p.shallOnly()
		default:
			line := p.next()
			return p.errorNode(line.Span, line.Text, "unexpected "+first+" in behavior body")
		}
	})
	n.Span = p.extendSpan(n.Span, n.Children)
	return n
}

// shallOnly wraps a dangling behavior line in an EARS clause with a
// missing trigger.
func (p *parser) shallOnly() *Node {
	line := p.next()
	ears := &Node{Kind: KindEars, Span: line.Span}
	ears.Children = append(ears.Children,
		&Node{Kind: KindMissing, Span: p.ix.SpanBetween(line.Span.Start, line.Span.Start)},
		p.shallNode(line))
	p.errorAt(line.Span, "behavior clause has no preceding trigger")
	return ears
}

// parseImplements parses `Implements `REQ-1`, `REQ-2`.`
func (p *parser) parseImplements() *Node {
	line := p.next()
	n := &Node{Kind: KindImplements, Span: line.Span}
	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), "Implements"))
	body = strings.TrimSuffix(body, ".")
	for _, child := range p.parseInline(body, line.Span.Start+strings.Index(line.Text, body)) {
		if child.Kind == KindReference {
			n.Children = append(n.Children, child)
		}
	}
	if len(n.Children) == 0 {
		p.errorAt(line.Span, "Implements clause lists no requirement references")
	}
	return n
}

// parseReturns parses `returns: `T`` or `returns: `T` or `E``.
func (p *parser) parseReturns() *Node {
	line := p.next()
	n := &Node{Kind: KindReturns, Span: line.Span}
	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), "returns:"))
	success, errPart := body, ""
	if i := strings.Index(body, " or "); i >= 0 {
		success = strings.TrimSpace(body[:i])
		errPart = strings.TrimSpace(body[i+4:])
	}
	if success != "" {
		start := line.Span.Start + strings.Index(line.Text, success)
		n.Children = append(n.Children, p.parseTypeExpr(success, start))
	} else {
		p.errorAt(line.Span, "returns clause is missing a type")
		n.Children = append(n.Children, &Node{Kind: KindMissing, Span: endSpan(line.Span)})
	}
	if errPart != "" {
		start := line.Span.Start + strings.LastIndex(line.Text, errPart)
		n.Children = append(n.Children, p.parseTypeExpr(errPart, start))
	}
	return n
}

// predicateLine parses a `key: text` line into kind with a Predicate child.
func (p *parser) predicateLine(key string, kind NodeKind) *Node {
	line := p.next()
	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line.Text), key))
	n := &Node{Kind: kind, Span: line.Span}
	pred := &Node{Kind: KindPredicate, Span: line.Span, Text: body}
	if body != "" {
		start := line.Span.Start + strings.LastIndex(line.Text, body)
		pred.Span = p.ix.SpanBetween(start, start+len(body))
		pred.Children = p.parseInline(body, start)
	}
	n.Children = append(n.Children, pred)
	return n
}

// parseInvariant parses an Invariant header plus doc prose and its
// quantified predicate.
func (p *parser) parseInvariant() *Node {
	line := p.next()
	n := p.constructShell(line, "Invariant", KindInvariant)
	p.parseIndentedBody(n, func(tok scanner.Token) *Node {
		first := scanner.FirstWord(tok.Text)
		if first == "for" {
			return p.parseQuantified()
		}
		line := p.next()
		return p.errorNode(line.Span, line.Text, "unexpected "+first+" in invariant body")
	})
	n.Span = p.extendSpan(n.Span, n.Children)
	return n
}

var forEachPattern = regexp.MustCompile("^for each `([^`]+)` in `([^`]+)`\\s*:?\\s*(.*)$")

// parseQuantified parses `for each `x` in `T`: predicate`.
func (p *parser) parseQuantified() *Node {
	line := p.next()
	m := forEachPattern.FindStringSubmatch(strings.TrimSpace(line.Text))
	if m == nil {
		return p.errorNode(line.Span, line.Text, "malformed quantifier; expected for each `x` in `T`: predicate")
	}
	q := &Node{Kind: KindQuantifier, Span: line.Span}
	q.Children = append(q.Children,
		&Node{Kind: KindName, Span: line.Span, Text: m[1]},
		&Node{Kind: KindReference, Span: p.refSpan(line, m[2]), Text: m[2]},
	)
	pred := &Node{Kind: KindPredicate, Span: line.Span, Text: strings.TrimSpace(m[3])}
	if pred.Text != "" {
		start := line.Span.Start + strings.LastIndex(line.Text, pred.Text)
		pred.Span = p.ix.SpanBetween(start, start+len(pred.Text))
		pred.Children = p.parseInline(pred.Text, start)
	}
	q.Children = append(q.Children, pred)
	return q
}

func (p *parser) refSpan(line scanner.Token, name string) source.Span {
	if i := strings.Index(line.Text, "`"+name+"`"); i >= 0 {
		start := line.Span.Start + i + 1
		return p.ix.SpanBetween(start, start+len(name))
	}
	return line.Span
}

// parseAesthetic parses an Aesthetic header plus its named fields, each
// optionally carrying a soft marker.
func (p *parser) parseAesthetic() *Node {
	line := p.next()
	n := p.constructShell(line, "Aesthetic", KindAesthetic)
	p.parseIndentedBody(n, func(tok scanner.Token) *Node {
		bad := p.next()
		return p.errorNode(bad.Span, bad.Text, "unexpected "+scanner.FirstWord(bad.Text)+" in aesthetic body")
	})
	// Re-home plain prose children: inside an aesthetic body, `name: prose`
	// lines are fields, optionally marked soft.
	for i, child := range n.Children {
		if child.Kind != KindProse {
			continue
		}
		if field := p.aestheticField(child); field != nil {
			n.Children[i] = field
		}
	}
	n.Span = p.extendSpan(n.Span, n.Children)
	return n
}

var aestheticFieldPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(\[~(?:permanent)?\])?\s*:\s*(.*)$`)

// aestheticField reinterprets a prose line as `name [~]: prose`.
func (p *parser) aestheticField(prose *Node) *Node {
	m := aestheticFieldPattern.FindStringSubmatch(prose.Text)
	if m == nil {
		return nil
	}
	n := &Node{Kind: KindAestheticField, Span: prose.Span}
	n.Children = append(n.Children, &Node{Kind: KindName, Span: prose.Span, Text: m[1]})
	if m[2] != "" {
		markStart := prose.Span.Start + strings.Index(prose.Text, m[2])
		n.Children = append(n.Children, &Node{
			Kind: KindSoftMarker,
			Span: p.ix.SpanBetween(markStart, markStart+len(m[2])),
			Text: m[2],
		})
	}
	body := strings.TrimSpace(m[3])
	pn := &Node{Kind: KindProse, Span: prose.Span, Text: body}
	if body != "" {
		start := prose.Span.Start + strings.LastIndex(prose.Text, body)
		pn.Span = p.ix.SpanBetween(start, start+len(body))
		pn.Children = p.parseInline(body, start)
	}
	n.Children = append(n.Children, pn)
	return n
}

// parseIndentedBody consumes an INDENT...DEDENT body. Prose lines
// become doc/prose children; Line tokens go through the construct's
// structured callback. A missing indent yields an empty body.
func (p *parser) parseIndentedBody(n *Node, structured func(scanner.Token) *Node) {
	if p.peekContent().Kind != scanner.Indent {
		return
	}
	p.next()
	depth := 1
	for {
		tok := p.peekContent()
		switch tok.Kind {
		case scanner.EOF:
			return
		case scanner.Indent:
			p.next()
			depth++
			continue
		case scanner.Dedent:
			p.next()
			depth--
			if depth == 0 {
				return
			}
			continue
		case scanner.Prose:
			p.next()
			n.Children = append(n.Children, p.proseNode(tok))
			continue
		}
		n.Children = append(n.Children, structured(tok))
	}
}

// ---- small lexical helpers ----

func secondWord(line string) string {
	trimmed := strings.TrimSpace(line)
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		return scanner.FirstWord(trimmed[i:])
	}
	return ""
}

func countLeading(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}

// cutQuoted extracts the first double-quoted string from s.
func cutQuoted(s string) (quoted, rest string, ok bool) {
	start := strings.Index(s, `"`)
	if start < 0 {
		return "", s, false
	}
	end := strings.Index(s[start+1:], `"`)
	if end < 0 {
		return "", s, false
	}
	return s[start+1 : start+1+end], s[start+end+2:], true
}

func unbacktick(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`")
}

// matchParen returns the index of the ')' matching the '(' at index 0,
// or -1. Backticked content is opaque.
func matchParen(s string) int {
	depth := 0
	inTick := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '`':
			inTick = !inTick
		case '(':
			if !inTick {
				depth++
			}
		case ')':
			if !inTick {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

// splitTopLevel splits on sep outside backticks, brackets and parens.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inTick := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '`':
			inTick = !inTick
		case '(', '[':
			if !inTick {
				depth++
			}
		case ')', ']':
			if !inTick {
				depth--
			}
		case sep:
			if !inTick && depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

func endSpan(s source.Span) source.Span {
	return source.Span{Start: s.End, End: s.End, StartPos: s.EndPos, EndPos: s.EndPos}
}
