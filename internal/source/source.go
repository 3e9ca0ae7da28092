// Package source holds the leaf types shared by every analysis layer:
// file identities, byte spans with line/column endpoints, durability
// tiers, and the line index used to convert offsets to positions.
package source

import (
	"fmt"
	"sort"
)

// FileID is an opaque identifier for a file input. IDs are allocated by
// the query database and are stable for the lifetime of a database.
type FileID uint32

// NoFile is the zero FileID; it never names a real input.
const NoFile FileID = 0

// Durability classifies how often an input is expected to change.
// Semantic results are identical across tiers; the tier only governs
// how aggressively memoized downstream values are revalidated.
type Durability int

const (
	// DurabilityLow marks frequently edited user files.
	DurabilityLow Durability = iota
	// DurabilityHigh marks rarely changing files (stdlib specs, vendored specs).
	DurabilityHigh

	durabilityCount
)

// Tiers returns the number of durability tiers.
func Tiers() int { return int(durabilityCount) }

func (d Durability) String() string {
	switch d {
	case DurabilityHigh:
		return "high"
	default:
		return "low"
	}
}

// Position is a 1-based line and column. Columns count bytes from the
// start of the line; a tab counts as one column.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Span is a half-open byte range [Start, End) plus the line/column of
// both endpoints. Spans are immutable values.
type Span struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	StartPos Position `json:"start_pos"`
	EndPos   Position `json:"end_pos"`
}

// Len returns the byte length of the span.
func (s Span) Len() int { return s.End - s.Start }

// Contains reports whether the byte offset falls inside the span.
func (s Span) Contains(off int) bool { return off >= s.Start && off < s.End }

// Within reports whether s is fully contained in outer.
func (s Span) Within(outer Span) bool { return s.Start >= outer.Start && s.End <= outer.End }

// Shift returns a copy of the span moved by deltaBytes and deltaLines.
// Columns are preserved; callers must only shift spans whose lines are
// untouched by the edit.
func (s Span) Shift(deltaBytes, deltaLines int) Span {
	return Span{
		Start:    s.Start + deltaBytes,
		End:      s.End + deltaBytes,
		StartPos: Position{Line: s.StartPos.Line + deltaLines, Column: s.StartPos.Column},
		EndPos:   Position{Line: s.EndPos.Line + deltaLines, Column: s.EndPos.Column},
	}
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", s.StartPos.Line, s.StartPos.Column, s.EndPos.Line, s.EndPos.Column)
}

// Compare orders spans by start offset, then end offset.
func (s Span) Compare(o Span) int {
	switch {
	case s.Start != o.Start:
		return s.Start - o.Start
	default:
		return s.End - o.End
	}
}

// LineIndex maps byte offsets to line/column positions for one text.
// It is immutable once built and safe for concurrent readers.
type LineIndex struct {
	text       string
	lineStarts []int
}

// NewLineIndex builds the index for text. Lines are separated by LF;
// a CR immediately before LF belongs to the terminator.
func NewLineIndex(text string) *LineIndex {
	starts := make([]int, 1, 64)
	starts[0] = 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{text: text, lineStarts: starts}
}

// LineCount returns the number of lines, counting a trailing partial line.
func (ix *LineIndex) LineCount() int { return len(ix.lineStarts) }

// PositionFor converts a byte offset into a 1-based position. Offsets
// past the end of text clamp to the final position.
func (ix *LineIndex) PositionFor(off int) Position {
	if off < 0 {
		off = 0
	}
	if off > len(ix.text) {
		off = len(ix.text)
	}
	line := sort.Search(len(ix.lineStarts), func(i int) bool { return ix.lineStarts[i] > off }) - 1
	return Position{Line: line + 1, Column: off - ix.lineStarts[line] + 1}
}

// OffsetFor converts a 1-based position back to a byte offset, clamping
// out-of-range lines and columns.
func (ix *LineIndex) OffsetFor(pos Position) int {
	if pos.Line < 1 {
		return 0
	}
	if pos.Line > len(ix.lineStarts) {
		return len(ix.text)
	}
	off := ix.lineStarts[pos.Line-1] + pos.Column - 1
	end := len(ix.text)
	if pos.Line < len(ix.lineStarts) {
		end = ix.lineStarts[pos.Line]
	}
	if off > end {
		off = end
	}
	if off < 0 {
		off = 0
	}
	return off
}

// LineStart returns the byte offset at which the 1-based line begins.
func (ix *LineIndex) LineStart(line int) int {
	if line < 1 {
		return 0
	}
	if line > len(ix.lineStarts) {
		return len(ix.text)
	}
	return ix.lineStarts[line-1]
}

// SpanBetween builds a span from two byte offsets using this index.
func (ix *LineIndex) SpanBetween(start, end int) Span {
	return Span{Start: start, End: end, StartPos: ix.PositionFor(start), EndPos: ix.PositionFor(end)}
}

// Slice returns the text covered by span.
func (ix *LineIndex) Slice(s Span) string {
	start, end := s.Start, s.End
	if start < 0 {
		start = 0
	}
	if end > len(ix.text) {
		end = len(ix.text)
	}
	if start > end {
		return ""
	}
	return ix.text[start:end]
}
