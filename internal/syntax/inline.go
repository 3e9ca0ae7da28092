package syntax

import (
	"strings"
)

// parseInline scans a text fragment at base offset for inline elements:
// backtick references, typed holes and soft markers. The returned nodes
// appear in source order and carry exact spans into the file.
func (p *parser) parseInline(text string, base int) []*Node {
	var out []*Node
	i := 0
	for i < len(text) {
		switch {
		case text[i] == '`':
			end := strings.IndexByte(text[i+1:], '`')
			if end < 0 {
				i = len(text)
				continue
			}
			name := text[i+1 : i+1+end]
			if isReferenceName(name) {
				out = append(out, &Node{
					Kind: KindReference,
					Span: p.ix.SpanBetween(base+i+1, base+i+1+len(name)),
					Text: name,
				})
			}
			i += end + 2
		case strings.HasPrefix(text[i:], "[?"):
			hole, consumed := p.parseHole(text[i:], base+i)
			out = append(out, hole)
			i += consumed
		case strings.HasPrefix(text[i:], "[~permanent]"):
			out = append(out, &Node{
				Kind: KindSoftMarker,
				Span: p.ix.SpanBetween(base+i, base+i+len("[~permanent]")),
				Text: "[~permanent]",
			})
			i += len("[~permanent]")
		case strings.HasPrefix(text[i:], "[~]"):
			out = append(out, &Node{
				Kind: KindSoftMarker,
				Span: p.ix.SpanBetween(base+i, base+i+3),
				Text: "[~]",
			})
			i += 3
		default:
			i++
		}
	}
	return out
}

// isReferenceName accepts identifiers, dotted paths and absolute
// /path/file.Name references; stable IDs are references too.
func isReferenceName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '.' || r == '/' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// parseHole parses `[? ...]` starting at the beginning of text.
// The interior grammar is:
//
//	[?]                                      anonymous hole
//	[? `Out`]                                output type
//	[? `In` -> `Out`]                        input and output types
//	[? `In` -> `Out` | `Err`]                plus error type
//	[? name: ...]                            named hole
//	[? ... where: predicate]                 repeated constraints
//	[? ... involving: `A`, `B`]              related symbols
//
// Type expression children carry a role marker in Text ("input",
// "output", "error") so lowering can place them without guessing.
func (p *parser) parseHole(text string, base int) (*Node, int) {
	depth := 0
	end := -1
	inTick := false
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '`':
			inTick = !inTick
		case '[':
			if !inTick {
				depth++
			}
		case ']':
			if !inTick {
				depth--
				if depth == 0 {
					end = i
				}
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		// Unterminated hole: cover the rest of the fragment.
		n := &Node{Kind: KindHole, Span: p.ix.SpanBetween(base, base+len(text)), Text: text}
		p.errorAt(n.Span, "unterminated typed hole")
		return n, len(text)
	}

	inner := strings.TrimSpace(text[2:end])
	n := &Node{Kind: KindHole, Span: p.ix.SpanBetween(base, base+end+1), Text: inner}

	// Split off where:/involving: clauses, right to left.
	sig := inner
	var involving string
	var wheres []string
	for {
		if i := lastClauseIndex(sig, "involving:"); i >= 0 && involving == "" {
			involving = strings.TrimSpace(sig[i+len("involving:"):])
			sig = strings.TrimSpace(sig[:i])
			continue
		}
		if i := lastClauseIndex(sig, "where:"); i >= 0 {
			wheres = append([]string{strings.TrimSpace(sig[i+len("where:"):])}, wheres...)
			sig = strings.TrimSpace(sig[:i])
			continue
		}
		break
	}

	// Optional leading `name:`.
	if i := strings.Index(sig, ":"); i >= 0 {
		candidate := strings.TrimSpace(sig[:i])
		if namePattern.MatchString(candidate) && !strings.Contains(candidate, "`") {
			n.Children = append(n.Children, &Node{Kind: KindName, Span: n.Span, Text: candidate})
			sig = strings.TrimSpace(sig[i+1:])
		}
	}

	// Signature: [in ->] out [| err]
	if sig != "" {
		out := sig
		if i := strings.Index(sig, "->"); i >= 0 {
			in := strings.TrimSpace(sig[:i])
			out = strings.TrimSpace(sig[i+2:])
			if in != "" {
				te := p.parseTypeExpr(in, base+2+strings.Index(text[2:end], in))
				te.Text = "input"
				n.Children = append(n.Children, te)
			}
		}
		if i := strings.Index(out, "|"); i >= 0 {
			errPart := strings.TrimSpace(out[i+1:])
			out = strings.TrimSpace(out[:i])
			if errPart != "" {
				te := p.parseTypeExpr(errPart, base+2+strings.Index(text[2:end], errPart))
				te.Text = "error"
				n.Children = append(n.Children, te)
			}
		}
		if out != "" {
			te := p.parseTypeExpr(out, base+2+strings.Index(text[2:end], out))
			te.Text = "output"
			n.Children = append(n.Children, te)
		}
	}

	for _, w := range wheres {
		pred := &Node{Kind: KindPredicate, Span: n.Span, Text: w}
		if w != "" {
			start := base + 2 + strings.Index(text[2:end], w)
			pred.Span = p.ix.SpanBetween(start, start+len(w))
			pred.Children = p.parseInline(w, start)
		}
		wn := &Node{Kind: KindRequires, Span: pred.Span, Children: []*Node{pred}}
		n.Children = append(n.Children, wn)
	}

	if involving != "" {
		inv := &Node{Kind: KindDepends, Span: n.Span, Text: "involving"}
		start := base + 2 + strings.Index(text[2:end], involving)
		inv.Children = p.parseInline(involving, start)
		n.Children = append(n.Children, inv)
	}
	return n, end + 1
}

// lastClauseIndex finds the last occurrence of a clause keyword outside
// backticks.
func lastClauseIndex(s, keyword string) int {
	for i := len(s) - len(keyword); i >= 0; i-- {
		if !strings.HasPrefix(s[i:], keyword) {
			continue
		}
		ticks := strings.Count(s[:i], "`")
		if ticks%2 == 0 {
			return i
		}
	}
	return -1
}

// parseTypeExpr parses one type expression:
//
//	`Ref`            reference (possibly dotted or absolute)
//	List of `T`      covariant list
//	Optional `T`     covariant optional
//	one of A, B, C   inline enumeration
//	[? ...]          hole in type position
//
// The node's children identify the form; Text is left free for callers
// that need a role marker.
func (p *parser) parseTypeExpr(text string, base int) *Node {
	trimmed := strings.TrimSpace(text)
	n := &Node{Kind: KindTypeExpr, Span: p.ix.SpanBetween(base, base+len(text))}

	switch {
	case strings.HasPrefix(trimmed, "[?"):
		hole, _ := p.parseHole(trimmed, base+strings.Index(text, trimmed))
		n.Children = append(n.Children, hole)
	case strings.HasPrefix(trimmed, "List of "):
		elem := strings.TrimSpace(trimmed[len("List of "):])
		child := p.parseTypeExpr(elem, base+strings.LastIndex(text, elem))
		child.Text = "elem"
		n.Children = append(n.Children, &Node{Kind: KindName, Span: n.Span, Text: "List"}, child)
	case strings.HasPrefix(trimmed, "Optional "):
		elem := strings.TrimSpace(trimmed[len("Optional "):])
		child := p.parseTypeExpr(elem, base+strings.LastIndex(text, elem))
		child.Text = "elem"
		n.Children = append(n.Children, &Node{Kind: KindName, Span: n.Span, Text: "Optional"}, child)
	case strings.HasPrefix(trimmed, "one of "):
		body := strings.TrimSpace(trimmed[len("one of "):])
		variants := &Node{Kind: KindEnumVariants, Span: n.Span}
		for _, v := range splitTopLevel(body, ',') {
			v = strings.Trim(strings.TrimSpace(v), "`")
			if v == "" {
				continue
			}
			variants.Children = append(variants.Children, &Node{Kind: KindVariant, Span: n.Span, Text: v})
		}
		n.Children = append(n.Children, variants)
	default:
		name := strings.Trim(trimmed, "`")
		if name == "" || !isReferenceName(name) {
			p.errorAt(n.Span, "malformed type expression")
			n.Children = append(n.Children, &Node{Kind: KindError, Span: n.Span, Text: trimmed})
			return n
		}
		refStart := base + strings.Index(text, name)
		n.Children = append(n.Children, &Node{
			Kind: KindReference,
			Span: p.ix.SpanBetween(refStart, refStart+len(name)),
			Text: name,
		})
	}
	return n
}
