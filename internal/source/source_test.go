package source

import "testing"

func TestLineIndexPositions(t *testing.T) {
	text := "spec Demo\n\n# Requirements\n"
	ix := NewLineIndex(text)

	if got := ix.PositionFor(0); got.Line != 1 || got.Column != 1 {
		t.Errorf("offset 0: got %v, want 1:1", got)
	}
	if got := ix.PositionFor(5); got.Line != 1 || got.Column != 6 {
		t.Errorf("offset 5: got %v, want 1:6", got)
	}
	// First byte after the blank line.
	if got := ix.PositionFor(11); got.Line != 3 || got.Column != 1 {
		t.Errorf("offset 11: got %v, want 3:1", got)
	}
	// Past EOF clamps.
	if got := ix.PositionFor(1000); got.Line != 4 {
		t.Errorf("offset past end: got line %d, want 4", got.Line)
	}
}

func TestLineIndexRoundTrip(t *testing.T) {
	text := "abc\ndef\n\nghi"
	ix := NewLineIndex(text)
	for off := 0; off <= len(text); off++ {
		pos := ix.PositionFor(off)
		if back := ix.OffsetFor(pos); back != off {
			t.Fatalf("offset %d -> %v -> %d", off, pos, back)
		}
	}
}

func TestSpanContainment(t *testing.T) {
	outer := Span{Start: 10, End: 30}
	inner := Span{Start: 12, End: 20}
	if !inner.Within(outer) {
		t.Error("inner should be within outer")
	}
	if outer.Within(inner) {
		t.Error("outer should not be within inner")
	}
	if !outer.Contains(10) || outer.Contains(30) {
		t.Error("half-open containment is wrong")
	}
}

func TestSpanShift(t *testing.T) {
	s := Span{Start: 5, End: 9, StartPos: Position{Line: 2, Column: 1}, EndPos: Position{Line: 2, Column: 5}}
	shifted := s.Shift(3, 1)
	if shifted.Start != 8 || shifted.End != 12 {
		t.Errorf("byte shift wrong: %+v", shifted)
	}
	if shifted.StartPos.Line != 3 || shifted.StartPos.Column != 1 {
		t.Errorf("line shift wrong: %+v", shifted.StartPos)
	}
}

func TestSliceClamps(t *testing.T) {
	ix := NewLineIndex("hello")
	if got := ix.Slice(Span{Start: 1, End: 99}); got != "ello" {
		t.Errorf("Slice clamp: got %q", got)
	}
}
