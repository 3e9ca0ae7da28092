package syntax

import (
	"sort"
	"strings"

	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/scanner"
	"github.com/rand/topos/internal/source"
)

// parseIncremental reparses text reusing unaffected top-level blocks of
// the prior tree. It returns nil when no reuse is possible, in which
// case the caller falls back to a full parse.
//
// Reuse happens at section granularity. The grammar guarantees that a
// line opening with `#`, `spec` or `import` at indent level 0 always
// starts a fresh top-level block no matter what precedes it, so a
// damaged region can be extended to such anchors on both sides and the
// fragment between them parsed in isolation. Reused subtrees after the
// edit are cloned with shifted spans; the prior tree is never mutated.
func parseIncremental(text string, prior *Tree) *Tree {
	old := prior.Text
	timer := logging.StartTimer(logging.CategoryParser, "parseIncremental")
	defer timer.Stop()

	// Common prefix and suffix, non-overlapping.
	prefix := 0
	max := len(old)
	if len(text) < max {
		max = len(text)
	}
	for prefix < max && old[prefix] == text[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(text)-prefix &&
		old[len(old)-1-suffix] == text[len(text)-1-suffix] {
		suffix++
	}

	damageStart := prefix
	damageEnd := len(old) - suffix
	delta := len(text) - len(old)

	// Align outward to line boundaries in the old text.
	damageStart = strings.LastIndexByte(old[:damageStart], '\n') + 1
	if i := strings.IndexByte(old[damageEnd:], '\n'); i >= 0 {
		damageEnd += i + 1
	} else {
		damageEnd = len(old)
	}

	blocks := prior.blockExtents()
	if len(blocks) == 0 {
		return nil
	}

	// Leading blocks strictly before the damage.
	leadCount := 0
	for leadCount < len(blocks) && blocks[leadCount].end <= damageStart {
		leadCount++
	}
	// The damaged region must begin at an absorption-proof anchor:
	// retreat until the first reparsed block opens with #, spec or import
	// (or we reparse from the start of the file).
	for leadCount > 0 {
		boundary := blocks[leadCount-1].end
		if boundary >= len(old) {
			leadCount--
			continue
		}
		if anchoredAt(old, boundary) {
			break
		}
		leadCount--
	}

	// Trailing blocks strictly after the damage, starting at an anchor.
	trailStart := len(blocks)
	for trailStart > leadCount && blocks[trailStart-1].start >= damageEnd &&
		isAnchorBlock(blocks[trailStart-1].node) {
		trailStart--
	}
	// The run must begin with an anchor block; trim from the front.
	for trailStart < len(blocks) && !isAnchorBlock(blocks[trailStart].node) {
		trailStart++
	}

	if leadCount == 0 && trailStart >= len(blocks) {
		return nil
	}

	midStart := 0
	if leadCount > 0 {
		midStart = blocks[leadCount-1].end
	}
	midEndNew := len(text)
	trailStartOld := len(old)
	if trailStart < len(blocks) {
		trailStartOld = blocks[trailStart].start
		midEndNew = trailStartOld + delta
	}
	if midStart > midEndNew || midEndNew > len(text) {
		return nil
	}

	ix := source.NewLineIndex(text)
	frag := newParser(text, ix, midStart, midEndNew, scanner.DefaultState())
	midBlocks := frag.parseBlocks()

	deltaLines := strings.Count(text[:midEndNew], "\n") - strings.Count(old[:trailStartOld], "\n")

	children := make([]*Node, 0, leadCount+len(midBlocks)+len(blocks)-trailStart)
	for i := 0; i < leadCount; i++ {
		children = append(children, blocks[i].node)
	}
	children = append(children, midBlocks...)
	for i := trailStart; i < len(blocks); i++ {
		children = append(children, cloneShifted(blocks[i].node, delta, deltaLines))
	}

	errors := make([]ParseError, 0, len(prior.Errors)+len(frag.errors))
	for _, e := range prior.Errors {
		if e.Span.End <= midStart {
			errors = append(errors, e)
		}
	}
	errors = append(errors, frag.errors...)
	for _, e := range prior.Errors {
		if e.Span.Start >= trailStartOld {
			errors = append(errors, ParseError{Span: e.Span.Shift(delta, deltaLines), Message: e.Message})
		}
	}
	sort.SliceStable(errors, func(i, j int) bool {
		return errors[i].Span.Compare(errors[j].Span) < 0
	})
	if len(errors) == 0 {
		errors = nil
	}

	logging.ParserDebug("incremental reparse reused %d leading and %d trailing blocks", leadCount, len(blocks)-trailStart)

	return &Tree{
		Text:  text,
		Index: ix,
		Root: &Node{
			Kind:     KindSourceFile,
			Span:     ix.SpanBetween(0, len(text)),
			Children: children,
		},
		Errors:     errors,
		FinalState: scanner.DefaultState(),
	}
}

// anchoredAt reports whether the line starting at off opens with an
// absorption-proof construct.
func anchoredAt(text string, off int) bool {
	end := strings.IndexByte(text[off:], '\n')
	if end < 0 {
		end = len(text) - off
	}
	line := text[off : off+end]
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		return false
	}
	first := scanner.FirstWord(line)
	if strings.HasPrefix(first, "#") {
		return true
	}
	return first == "spec" || first == "import"
}

// isAnchorBlock reports whether a top-level block always starts fresh
// regardless of preceding context.
func isAnchorBlock(n *Node) bool {
	switch n.Kind {
	case KindSection, KindSpecDecl, KindImport:
		return true
	}
	return false
}
