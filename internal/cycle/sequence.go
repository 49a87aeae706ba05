// Sequence implements cycle-point recurrences in the canonical forms
// R[n]/start/period, R[n]/period/end, and R[n] (once, at an implicit
// anchor), each optionally carrying an exclusion set. A Sequence
// never materializes an infinite point list; Next/Prev/Contains are
// computed on demand and iteration is always bounded by the workflow's
// initial/final cycle points or by runahead.
package cycle

import (
	"fmt"
	"strconv"
	"strings"
)

// Sequence is a bounded-or-unbounded recurrence of cycle points.
type Sequence struct {
	// Count is the R[n] repetition limit; 0 means unlimited within
	// Start/End.
	Count int
	// Start is the first point of the recurrence. AnchorInitial marks
	// that Start should track the workflow's initial cycle point (the
	// "^" anchor) rather than a literal value.
	Start         Point
	AnchorInitial bool
	// Period is nil for a single-occurrence ("R1") recurrence.
	Period Interval
	// End bounds the recurrence from above. AnchorFinal marks the "$"
	// anchor (the workflow's final cycle point).
	End         Point
	HasEnd      bool
	AnchorFinal bool

	// Exclusions removes points that would otherwise be members.
	Exclusions []*Sequence

	// Bounds resolved at compile time from workflow configuration, used
	// to realize AnchorInitial/AnchorFinal and to cap unbounded
	// recurrences during iteration.
	InitialBound, FinalBound Point
}

// resolvedStart returns Start, substituting InitialBound if anchored.
func (s *Sequence) resolvedStart() Point {
	if s.AnchorInitial {
		return s.InitialBound
	}
	return s.Start
}

// resolvedEnd returns (End, true) if the sequence is upper-bounded,
// substituting FinalBound if anchored to "$".
func (s *Sequence) resolvedEnd() (Point, bool) {
	if s.AnchorFinal {
		return s.FinalBound, s.FinalBound != nil
	}
	if s.HasEnd {
		return s.End, true
	}
	return nil, false
}

// IsFinite reports whether the sequence yields a bounded number of
// points: true if it carries an explicit Count, an End bound, or no
// Period at all (a single occurrence).
func (s *Sequence) IsFinite() bool {
	return s.Count > 0 || s.HasEnd || s.AnchorFinal || s.Period == nil
}

// nthPoint returns the n-th (0-indexed) point of the raw recurrence,
// ignoring Count/End bounds and exclusions.
func (s *Sequence) nthPoint(n int) Point {
	start := s.resolvedStart()
	if s.Period == nil || n == 0 {
		return start
	}
	p := start
	for i := 0; i < n; i++ {
		p = p.Add(s.Period)
	}
	return p
}

// Contains reports whether p is a member of the sequence: on the
// period's cadence from Start, within Count/End bounds, and not
// removed by an exclusion.
func (s *Sequence) Contains(p Point) bool {
	start := s.resolvedStart()
	if s.Period == nil {
		if !Equal(p, start) {
			return false
		}
	} else {
		if !s.onCadence(p, start) {
			return false
		}
	}
	if end, ok := s.resolvedEnd(); ok && After(p, end) {
		return false
	}
	if Before(p, start) {
		return false
	}
	if s.Count > 0 {
		idx, ok := s.indexOf(p, start)
		if !ok || idx >= s.Count {
			return false
		}
	}
	for _, excl := range s.Exclusions {
		if excl.Contains(p) {
			return false
		}
	}
	return true
}

// onCadence reports whether p lies exactly on start + k*Period for
// some non-negative integer k, without bounding by Count/End.
func (s *Sequence) onCadence(p Point, start Point) bool {
	_, ok := s.indexOf(p, start)
	return ok
}

// indexOf returns the step count k such that start + k*Period == p, by
// walking forward or backward from start. Bounded by a generous step
// cap so a point far outside the sequence's cadence fails fast rather
// than looping indefinitely.
func (s *Sequence) indexOf(p Point, start Point) (int, bool) {
	const maxSteps = 1_000_000
	if Equal(p, start) {
		return 0, true
	}
	if s.Period == nil {
		return 0, false
	}
	if After(p, start) {
		cur := start
		for k := 1; k <= maxSteps; k++ {
			cur = cur.Add(s.Period)
			if Equal(cur, p) {
				return k, true
			}
			if After(cur, p) {
				return 0, false
			}
		}
		return 0, false
	}
	cur := start
	neg := s.Period.Negate()
	for k := 1; k <= maxSteps; k++ {
		cur = cur.Add(neg)
		if Equal(cur, p) {
			return -k, true
		}
		if Before(cur, p) {
			return 0, false
		}
	}
	return 0, false
}

// Next returns the first sequence member strictly after p, honoring
// Count/End bounds and exclusions, or (nil, false) if none exists.
func (s *Sequence) Next(p Point) (Point, bool) {
	start := s.resolvedStart()
	if s.Period == nil {
		if Before(p, start) {
			return start, true
		}
		return nil, false
	}
	var candidate Point
	if Before(p, start) || Equal(p, start) {
		candidate = start
		if Equal(p, start) {
			candidate = start.Add(s.Period)
		}
	} else {
		idx, ok := s.indexOf(p, start)
		if ok {
			candidate = s.nthPoint(idx + 1)
		} else {
			// p is off-cadence; step from start until we pass p.
			candidate = start
			for !After(candidate, p) {
				candidate = candidate.Add(s.Period)
			}
		}
	}
	for {
		if end, ok := s.resolvedEnd(); ok && After(candidate, end) {
			return nil, false
		}
		if s.Count > 0 {
			idx, _ := s.indexOf(candidate, start)
			if idx >= s.Count {
				return nil, false
			}
		}
		excluded := false
		for _, excl := range s.Exclusions {
			if excl.Contains(candidate) {
				excluded = true
				break
			}
		}
		if !excluded {
			return candidate, true
		}
		candidate = candidate.Add(s.Period)
	}
}

// Prev returns the last sequence member strictly before p, or
// (nil, false) if none exists.
func (s *Sequence) Prev(p Point) (Point, bool) {
	start := s.resolvedStart()
	if !After(p, start) {
		return nil, false
	}
	if s.Period == nil {
		return start, true
	}
	idx, ok := s.indexOf(p, start)
	var candidate Point
	if ok {
		if idx == 0 {
			return nil, false
		}
		candidate = s.nthPoint(idx - 1)
	} else {
		candidate = start
		next := start.Add(s.Period)
		for Before(next, p) {
			candidate = next
			next = next.Add(s.Period)
		}
	}
	for {
		if Before(candidate, start) {
			return nil, false
		}
		excluded := false
		for _, excl := range s.Exclusions {
			if excl.Contains(candidate) {
				excluded = true
				break
			}
		}
		if !excluded {
			return candidate, true
		}
		neg := s.Period.Negate()
		candidate = candidate.Add(neg)
	}
}

// First returns the first member of the sequence, if any.
func (s *Sequence) First() (Point, bool) {
	start := s.resolvedStart()
	if end, ok := s.resolvedEnd(); ok && After(start, end) {
		return nil, false
	}
	for _, excl := range s.Exclusions {
		if excl.Contains(start) {
			return s.Next(start)
		}
	}
	return start, true
}

// ParseSequence parses a canonical recurrence spec: "R[n]/start/period",
// "R[n]/period/end", or "R[n]" (once, at an anchor). "^" and "$" denote
// anchors to the workflow initial/final cycle point. isInteger selects
// integer vs. ISO-8601 parsing of start/period/end literals.
func ParseSequence(spec string, cal Calendar, isInteger bool, initial, final Point) (*Sequence, error) {
	spec = strings.TrimSpace(spec)
	var exclSpec string
	if i := strings.Index(spec, "!"); i >= 0 {
		exclSpec = spec[i+1:]
		spec = strings.TrimSpace(spec[:i])
	}

	parts := strings.Split(spec, "/")
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "R") {
		return nil, fmt.Errorf("recurrence must start with R[n]: %q", spec)
	}
	count := 0
	if n := strings.TrimPrefix(parts[0], "R"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid repeat count in %q: %w", spec, err)
		}
		count = v
	}

	s := &Sequence{Count: count, InitialBound: initial, FinalBound: final}

	parsePoint := func(tok string) (Point, bool, error) {
		switch tok {
		case "^":
			return nil, true, nil // anchor-initial; caller sets AnchorInitial
		case "$":
			return final, false, nil
		default:
			if isInteger {
				n, err := strconv.ParseInt(tok, 10, 64)
				if err != nil {
					return nil, false, fmt.Errorf("invalid integer cycle point %q: %w", tok, err)
				}
				return IntegerPoint(n), false, nil
			}
			p, err := ParseISOPoint(tok, cal)
			return p, false, err
		}
	}

	switch len(parts) {
	case 1:
		// R[n]: a single occurrence at the initial point.
		s.AnchorInitial = true
		s.Period = nil
	case 3:
		left, middle := parts[1], parts[2]
		isPeriodTok := func(tok string) bool {
			return strings.HasPrefix(tok, "P") || strings.HasPrefix(tok, "-P")
		}
		if isPeriodTok(left) {
			// R[n]/period/end
			period, err := parsePeriod(left, isInteger)
			if err != nil {
				return nil, err
			}
			s.AnchorInitial = true
			s.Period = period
			if middle == "$" {
				s.AnchorFinal = true
			} else {
				end, _, err := parsePoint(middle)
				if err != nil {
					return nil, err
				}
				s.End = end
				s.HasEnd = true
			}
		} else {
			// R[n]/start/period
			if left == "^" {
				s.AnchorInitial = true
			} else {
				start, _, err := parsePoint(left)
				if err != nil {
					return nil, err
				}
				s.Start = start
			}
			period, err := parsePeriod(middle, isInteger)
			if err != nil {
				return nil, err
			}
			s.Period = period
		}
	default:
		return nil, fmt.Errorf("unrecognized recurrence form: %q", spec)
	}

	if exclSpec != "" {
		for _, e := range strings.Split(exclSpec, ",") {
			e = strings.TrimSpace(e)
			var excl *Sequence
			if strings.HasPrefix(e, "R") {
				// A sub-sequence exclusion.
				sub, err := ParseSequence(e, cal, isInteger, initial, final)
				if err != nil {
					return nil, fmt.Errorf("invalid exclusion %q: %w", e, err)
				}
				excl = sub
			} else {
				// A single excluded point.
				p, anchorInitial, err := parsePoint(e)
				if err != nil {
					return nil, fmt.Errorf("invalid exclusion %q: %w", e, err)
				}
				excl = &Sequence{Start: p, AnchorInitial: anchorInitial, InitialBound: initial, FinalBound: final}
			}
			s.Exclusions = append(s.Exclusions, excl)
		}
	}

	return s, nil
}

func parsePeriod(tok string, isInteger bool) (Interval, error) {
	if isInteger {
		neg := strings.HasPrefix(tok, "-")
		body := strings.TrimPrefix(strings.TrimPrefix(tok, "-"), "P")
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer period %q: %w", tok, err)
		}
		if neg {
			n = -n
		}
		return IntegerDelta(n), nil
	}
	return ParseISODuration(tok)
}
