package cycle

import "testing"

func mustISO(t *testing.T, s string, cal Calendar) ISOPoint {
	t.Helper()
	p, err := ParseISOPoint(s, cal)
	if err != nil {
		t.Fatalf("ParseISOPoint(%q): %v", s, err)
	}
	return p
}

func TestSequenceStartPeriod(t *testing.T) {
	cal := ProlepticGregorian
	initial := mustISO(t, "2020-01-01T00:00:00Z", cal)
	final := mustISO(t, "2020-01-10T00:00:00Z", cal)

	seq, err := ParseSequence("R/^/P1D", cal, false, initial, final)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}

	if !seq.Contains(initial) {
		t.Fatalf("expected initial point to be a member")
	}
	next, ok := seq.Next(initial)
	if !ok {
		t.Fatalf("expected a next point after initial")
	}
	want := mustISO(t, "2020-01-02T00:00:00Z", cal)
	if !Equal(next, want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}

	prev, ok := seq.Prev(next)
	if !ok || !Equal(prev, initial) {
		t.Fatalf("Prev(next) = %v,%v want %v,true", prev, ok, initial)
	}
}

func TestSequenceRCountLimitsMembership(t *testing.T) {
	cal := ProlepticGregorian
	initial := mustISO(t, "2020-01-01T00:00:00Z", cal)
	final := mustISO(t, "2020-12-31T00:00:00Z", cal)

	seq, err := ParseSequence("R3/^/P1D", cal, false, initial, final)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}

	p0 := initial
	p1, _ := seq.Next(p0)
	p2, _ := seq.Next(p1)
	if !seq.Contains(p2) {
		t.Fatalf("expected 3rd occurrence (index 2) to be a member")
	}
	p3, ok := seq.Next(p2)
	if ok {
		t.Fatalf("expected no 4th occurrence, got %v", p3)
	}
}

func TestSequenceOnceForm(t *testing.T) {
	cal := ProlepticGregorian
	initial := mustISO(t, "2020-01-01T00:00:00Z", cal)
	final := mustISO(t, "2020-12-31T00:00:00Z", cal)

	seq, err := ParseSequence("R1", cal, false, initial, final)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}
	if !seq.Contains(initial) {
		t.Fatalf("expected single occurrence at initial point")
	}
	if !seq.IsFinite() {
		t.Fatalf("expected R1 to be finite")
	}
	if _, ok := seq.Next(initial); ok {
		t.Fatalf("expected no next occurrence after the only one")
	}
}

func TestSequenceExclusion(t *testing.T) {
	cal := ProlepticGregorian
	initial := mustISO(t, "2020-01-01T00:00:00Z", cal)
	final := mustISO(t, "2020-01-10T00:00:00Z", cal)

	seq, err := ParseSequence("R/^/P1D!2020-01-03T00:00:00Z", cal, false, initial, final)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}
	excluded := mustISO(t, "2020-01-03T00:00:00Z", cal)
	if seq.Contains(excluded) {
		t.Fatalf("expected excluded point to not be a member")
	}
	after := mustISO(t, "2020-01-02T00:00:00Z", cal)
	next, ok := seq.Next(after)
	if !ok {
		t.Fatalf("expected a next point skipping the exclusion")
	}
	want := mustISO(t, "2020-01-04T00:00:00Z", cal)
	if !Equal(next, want) {
		t.Fatalf("Next skipping exclusion = %v, want %v", next, want)
	}
}

func TestSequenceIntegerCycling(t *testing.T) {
	initial := IntegerPoint(1)
	final := IntegerPoint(100)
	seq, err := ParseSequence("R/^/P2", ProlepticGregorian, true, initial, final)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}
	if !seq.Contains(IntegerPoint(1)) {
		t.Fatalf("expected 1 to be a member")
	}
	if seq.Contains(IntegerPoint(2)) {
		t.Fatalf("expected 2 to not be a member")
	}
	next, ok := seq.Next(IntegerPoint(1))
	if !ok || next.(IntegerPoint) != 3 {
		t.Fatalf("Next(1) = %v,%v want 3,true", next, ok)
	}
}

func TestSequencePeriodEndForm(t *testing.T) {
	cal := ProlepticGregorian
	initial := mustISO(t, "2020-01-01T00:00:00Z", cal)
	end := mustISO(t, "2020-01-05T00:00:00Z", cal)
	final := mustISO(t, "2020-12-31T00:00:00Z", cal)

	seq, err := ParseSequence("R/P1D/2020-01-05T00:00:00Z", cal, false, initial, final)
	if err != nil {
		t.Fatalf("ParseSequence: %v", err)
	}
	if !seq.Contains(end) {
		t.Fatalf("expected end point to be a member")
	}
	if seq.Contains(mustISO(t, "2020-01-06T00:00:00Z", cal)) {
		t.Fatalf("expected no membership past the end bound")
	}
}
