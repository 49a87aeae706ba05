package pool

import (
	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
)

// OutputIndex answers whether a given upstream task instance has
// completed a given output, across any flow that satisfies flow, and
// whether a point falls before the workflow's initial cycle point
// (making any dependency on it trivially satisfied). It is implemented
// by Pool, kept as an interface here so prerequisite evaluation has no
// circular dependency on the pool's full type.
type OutputIndex interface {
	OutputSatisfied(name string, point cycle.Point, q graph.Qualifier, flow int) bool
	BeforeInitial(point cycle.Point) bool
}

// depState tracks one leaf dependency's resolved upstream point and
// last-known satisfaction.
type depState struct {
	dep       graph.Dependency
	satisfied bool
}

// PrereqState is a Prerequisite tree with per-leaf satisfaction
// caching, re-evaluated incrementally as output events arrive.
type PrereqState struct {
	leaves []*depState
	any    []*PrereqState
}

// NewPrereqState builds a PrereqState mirroring p's shape.
func NewPrereqState(p *graph.Prerequisite) *PrereqState {
	s := &PrereqState{}
	for _, d := range p.All {
		s.leaves = append(s.leaves, &depState{dep: d})
	}
	for _, sub := range p.Any {
		s.any = append(s.any, NewPrereqState(sub))
	}
	return s
}

// Satisfied reports whether the cached state currently holds: every
// leaf marked satisfied, and, when the node has Any sub-groups, at
// least one of them satisfied.
func (s *PrereqState) Satisfied() bool {
	for _, l := range s.leaves {
		if !l.satisfied {
			return false
		}
	}
	for _, sub := range s.any {
		if sub.Satisfied() {
			return true
		}
	}
	return len(s.any) == 0
}

// Refresh re-checks every unsatisfied leaf against idx for the given
// point and flow, marking newly-satisfied leaves. Returns true if any
// leaf's state changed.
func (s *PrereqState) Refresh(point cycle.Point, flow int, idx OutputIndex) bool {
	changed := false
	for _, l := range s.leaves {
		if l.satisfied {
			continue
		}
		upstreamPoint := point
		switch {
		case l.dep.AbsPoint != nil:
			upstreamPoint = l.dep.AbsPoint
		case l.dep.Offset != nil:
			upstreamPoint = point.Add(l.dep.Offset)
		}
		// A relative offset reaching before the workflow's first cycle
		// point references a task instance that can never exist; the
		// dependency holds trivially rather than stalling the child.
		// Absolute points never get that shortcut: "^" is the initial
		// point itself and a literal point is whatever was written.
		trivial := l.dep.AbsPoint == nil && idx.BeforeInitial(upstreamPoint)
		if trivial || idx.OutputSatisfied(l.dep.UpstreamName, upstreamPoint, l.dep.Qualifier, flow) {
			l.satisfied = true
			changed = true
		}
	}
	for _, sub := range s.any {
		if sub.Refresh(point, flow, idx) {
			changed = true
		}
	}
	return changed
}

// UnsatisfiedUpstreams returns the upstream task names of every leaf
// dependency not yet satisfied, used by the pool's housekeeping pass
// to decide whether a terminal proxy still has a child that might
// need it.
func (s *PrereqState) UnsatisfiedUpstreams() []string {
	var out []string
	for _, l := range s.leaves {
		if !l.satisfied {
			out = append(out, l.dep.UpstreamName)
		}
	}
	for _, sub := range s.any {
		out = append(out, sub.UnsatisfiedUpstreams()...)
	}
	return out
}
