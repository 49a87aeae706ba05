package graph

import "testing"

func TestParseLineSimpleChain(t *testing.T) {
	links, err := ParseLine("foo => bar => baz")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
	if links[0].RightAtoms[0].TaskName != "bar" {
		t.Fatalf("link 0 target = %q, want bar", links[0].RightAtoms[0].TaskName)
	}
	if links[1].RightAtoms[0].TaskName != "baz" {
		t.Fatalf("link 1 target = %q, want baz", links[1].RightAtoms[0].TaskName)
	}
	left, ok := links[0].Left.(*Atom)
	if !ok || left.TaskName != "foo" {
		t.Fatalf("link 0 left = %#v, want atom foo", links[0].Left)
	}
}

func TestParseLineOffsetAndQualifier(t *testing.T) {
	links, err := ParseLine("foo[-P1D]:failed => bar")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	left := links[0].Left.(*Atom)
	if left.Offset != "-P1D" || left.Qualifier != "failed" {
		t.Fatalf("unexpected atom %#v", left)
	}
}

func TestParseLineAndOr(t *testing.T) {
	links, err := ParseLine("foo & bar => baz")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	and, ok := links[0].Left.(*And)
	if !ok || len(and.Operands) != 2 {
		t.Fatalf("expected And of 2 operands, got %#v", links[0].Left)
	}

	links, err = ParseLine("foo | bar => baz")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	or, ok := links[0].Left.(*Or)
	if !ok || len(or.Operands) != 2 {
		t.Fatalf("expected Or of 2 operands, got %#v", links[0].Left)
	}
}

func TestParseLineAnchorAndPointOffsets(t *testing.T) {
	links, err := ParseLine("start[^] => foo")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if left := links[0].Left.(*Atom); left.Offset != "^" {
		t.Fatalf("expected anchor offset ^, got %q", left.Offset)
	}

	links, err = ParseLine("finalise[$]:finish => archive")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	left := links[0].Left.(*Atom)
	if left.Offset != "$" || left.Qualifier != QualFinish {
		t.Fatalf("expected $ offset with finish qualifier, got %#v", left)
	}

	// A literal cycle point's time-of-day colons must survive the lexer.
	links, err = ParseLine("obs[2020-01-01T00:00:00Z] => model")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if left := links[0].Left.(*Atom); left.Offset != "2020-01-01T00:00:00Z" {
		t.Fatalf("expected full point literal offset, got %q", left.Offset)
	}
}

func TestParseLineUnterminatedOffset(t *testing.T) {
	if _, err := ParseLine("foo[-P1D => bar"); err == nil {
		t.Fatalf("expected error for unterminated offset bracket")
	}
}

func TestParseLineSuicideMarker(t *testing.T) {
	links, err := ParseLine("foo => !bar")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	target := links[0].RightAtoms[0]
	if !target.Suicide || target.TaskName != "bar" {
		t.Fatalf("expected suicide trigger on bar, got %#v", target)
	}
}

func TestParseLineGrouping(t *testing.T) {
	links, err := ParseLine("(foo | bar) & baz => qux")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	and, ok := links[0].Left.(*And)
	if !ok || len(and.Operands) != 2 {
		t.Fatalf("expected top-level And, got %#v", links[0].Left)
	}
	if _, ok := and.Operands[0].(*Or); !ok {
		t.Fatalf("expected first operand to be an Or group, got %#v", and.Operands[0])
	}
}

func TestParseLineStandaloneDeclaration(t *testing.T) {
	links, err := ParseLine("foo")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(links) != 1 || links[0].Left != nil {
		t.Fatalf("expected one standalone link with no prerequisite, got %#v", links)
	}
}

func TestParseLineSuicideOnGroupIsError(t *testing.T) {
	_, err := ParseLine("foo => !(bar & baz)")
	if err == nil {
		t.Fatalf("expected error for suicide marker on a group")
	}
}
