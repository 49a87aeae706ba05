package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cylc-go/scheduler/internal/cycle"
)

// reservedQualifiers are the built-in output names every task carries
// regardless of its script; a namespace cannot declare a custom output
// under one of these names.
var reservedQualifiers = map[Qualifier]bool{
	QualSucceeded: true, QualFailed: true, QualSubmitted: true,
	QualSubmitFailed: true, QualStarted: true, QualExpired: true, QualFinish: true,
}

// IsReservedQualifier reports whether name collides with a built-in
// task output.
func IsReservedQualifier(name string) bool {
	return reservedQualifiers[Qualifier(name)]
}

// Dependency is one fully-resolved trigger condition on a task
// definition: an upstream task name, either a cycle-point offset
// interval (relative to the owner's point) or an absolute cycle point,
// and the output it waits on.
type Dependency struct {
	UpstreamName string
	Offset       cycle.Interval
	// AbsPoint, if non-nil, pins the dependency to one fixed cycle
	// point for every instance of the owning task: the "^" anchor
	// (workflow initial point), the "$" anchor (final point), or a
	// literal point written in the offset brackets. Mutually exclusive
	// with Offset.
	AbsPoint  cycle.Point
	Qualifier Qualifier
	Suicide   bool
}

// Prerequisite is a boolean combination of Dependencies, mirroring the
// shape of the parsed Expr but with offsets resolved to Intervals.
type Prerequisite struct {
	All []Dependency // conjunctive leaves, grouped under this node
	Any []*Prerequisite // disjunctive sub-groups (at least one must hold)
}

// TaskDefinition is the compiled, immutable definition of a named task
// within one graph sequence.
type TaskDefinition struct {
	Name          string
	Sequence      *cycle.Sequence
	Prerequisites []*Prerequisite // one entry per arrow-chain the name appeared as a right-hand target on
	// RemovalPrerequisites are suicide triggers ("X => !Y"): satisfying
	// one removes the task from the pool without running it, so they
	// are kept apart from the run prerequisites above and never count
	// toward readiness.
	RemovalPrerequisites []*Prerequisite
	CustomOutputs        []string // declared via runtime [outputs], validated against reservedQualifiers elsewhere

	// ClockTriggerOffset, if non-nil, gates release from waiting behind
	// a wall-clock check: now() must reach cycle_point+offset before
	// the proxy may queue, even with prerequisites satisfied. Nil means
	// no gate.
	ClockTriggerOffset cycle.Interval
	// ClockExpireOffset, if non-nil, forces a still-waiting proxy to
	// StateExpired once now() passes cycle_point+offset. Nil means no
	// gate.
	ClockExpireOffset cycle.Interval
}

// CompileInput is one graph section: a recurrence spec string and its
// dependency-line text.
type CompileInput struct {
	SequenceSpec string
	Lines        []string
}

// Compile turns a set of graph sections into one TaskDefinition per
// distinct task name: each section's lines are parsed into dependency
// links, family references expand over their members, and every
// right-hand target accumulates a prerequisite group per link. knownNames, if non-nil, is the set of task/family names
// declared in the runtime namespace; a task referenced only in the
// graph and absent from knownNames is a ghost node and compilation
// fails. families maps a family name to its flattened member task
// names (config.Config.Families); a nil or empty families leaves "FAM"
// tokens to be treated as ordinary (and, since never declared, ghost)
// task names, matching pre-family behavior.
func Compile(inputs []CompileInput, cal cycle.Calendar, isInteger bool, initial, final cycle.Point, knownNames map[string]bool, families map[string][]string) (map[string]*TaskDefinition, error) {
	defs := make(map[string]*TaskDefinition)

	getDef := func(name string, seq *cycle.Sequence) *TaskDefinition {
		d, ok := defs[name]
		if !ok {
			d = &TaskDefinition{Name: name, Sequence: seq}
			defs[name] = d
		}
		return d
	}

	for _, in := range inputs {
		seq, err := cycle.ParseSequence(in.SequenceSpec, cal, isInteger, initial, final)
		if err != nil {
			return nil, fmt.Errorf("graph section %q: %w", in.SequenceSpec, err)
		}
		for _, line := range in.Lines {
			links, err := ParseLine(line)
			if err != nil {
				return nil, err
			}
			for _, link := range links {
				left, err := expandFamilyExpr(link.Left, families)
				if err != nil {
					return nil, fmt.Errorf("graph line %q: %w", line, err)
				}
				for _, target := range link.RightAtoms {
					for _, targetName := range expandRightFamily(target.TaskName, families) {
						def := getDef(targetName, seq)
						if def.Sequence == nil {
							def.Sequence = seq
						}
						if left == nil {
							continue // standalone declaration, no prerequisite
						}
						prereq, err := resolvePrerequisite(left, cal, isInteger, initial, final)
						if err != nil {
							return nil, fmt.Errorf("task %q: %w", targetName, err)
						}
						if err := checkCyclicSamePoint(targetName, prereq); err != nil {
							return nil, err
						}
						if target.Suicide {
							markSuicide(prereq)
							def.RemovalPrerequisites = append(def.RemovalPrerequisites, prereq)
						} else {
							def.Prerequisites = append(def.Prerequisites, prereq)
						}
						// A same-point left-side reference implies the
						// upstream task exists on this sequence too;
						// offset and absolute-point references do not,
						// the task must be declared elsewhere.
						for _, dep := range flattenDeps(prereq) {
							d := getDef(dep.UpstreamName, nil)
							if d.Sequence == nil && dep.AbsPoint == nil && (dep.Offset == nil || dep.Offset.IsZero()) {
								d.Sequence = seq
							}
						}
					}
				}
			}
		}
	}

	if knownNames != nil {
		for name := range defs {
			if !knownNames[name] {
				return nil, fmt.Errorf("graph references undefined task %q (ghost node)", name)
			}
		}
	}
	for name, def := range defs {
		if def.Sequence == nil {
			return nil, fmt.Errorf("task %q is referenced with a cycle offset but declared on no sequence (ghost node)", name)
		}
	}

	return defs, nil
}

// ApplyClockGates wires the special_tasks.clock_trigger and
// clock_expire tables into the matching TaskDefinitions' wall-clock
// gates. An offset of "" resolves to a zero-valued interval (the gate
// fires exactly at the cycle point), distinct from the task being
// absent from the map entirely (no gate).
func ApplyClockGates(defs map[string]*TaskDefinition, clockTrigger, clockExpire map[string]string, cal cycle.Calendar, isInteger bool) error {
	for name, offset := range clockTrigger {
		def, ok := defs[name]
		if !ok {
			return fmt.Errorf("special_tasks.clock_trigger references undefined task %q", name)
		}
		iv, err := resolveClockOffset(offset, cal, isInteger)
		if err != nil {
			return fmt.Errorf("special_tasks.clock_trigger %q: %w", name, err)
		}
		def.ClockTriggerOffset = iv
	}
	for name, offset := range clockExpire {
		def, ok := defs[name]
		if !ok {
			return fmt.Errorf("special_tasks.clock_expire references undefined task %q", name)
		}
		iv, err := resolveClockOffset(offset, cal, isInteger)
		if err != nil {
			return fmt.Errorf("special_tasks.clock_expire %q: %w", name, err)
		}
		def.ClockExpireOffset = iv
	}
	return nil
}

func resolveClockOffset(offset string, cal cycle.Calendar, isInteger bool) (cycle.Interval, error) {
	if offset == "" {
		if isInteger {
			return cycle.IntegerDelta(0), nil
		}
		return cycle.ISODuration{}, nil
	}
	if isInteger {
		return parseIntegerOffset(offset)
	}
	return cycle.ParseISODuration(offset)
}

// familyQualifier describes how a family-referencing atom's qualifier
// suffix expands: the base per-member output it waits on, and whether
// members combine with AND (all) or OR (any).
type familyQualifier struct {
	Base Qualifier
	All  bool
}

var familyQualifierSuffixes = map[Qualifier]familyQualifier{
	"succeed-all": {QualSucceeded, true},
	"succeed-any": {QualSucceeded, false},
	"fail-all":    {QualFailed, true},
	"fail-any":    {QualFailed, false},
	"finish-all":  {QualFinish, true},
	"finish-any":  {QualFinish, false},
	"submit-all":  {QualSubmitted, true},
	"submit-any":  {QualSubmitted, false},
	"start-all":   {QualStarted, true},
	"start-any":   {QualStarted, false},
	"expire-all":  {QualExpired, true},
	"expire-any":  {QualExpired, false},
}

// expandRightFamily returns the task names a right-hand target expands
// to: its members if name is a family (one edge per member), or just
// name itself otherwise.
func expandRightFamily(name string, families map[string][]string) []string {
	if members, ok := families[name]; ok {
		out := make([]string, len(members))
		copy(out, members)
		return out
	}
	return []string{name}
}

// expandFamilyExpr walks e, replacing any atom whose task name is a
// family with an And/Or group over its members ("FAM:succeed-all"
// expands to an AND, "FAM:succeed-any" to an OR). Non-family atoms and
// nil pass through unchanged.
func expandFamilyExpr(e Expr, families map[string][]string) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	switch n := e.(type) {
	case *Atom:
		members, ok := families[n.TaskName]
		if !ok {
			return n, nil
		}
		fq, ok := familyQualifierSuffixes[n.Qualifier]
		if !ok {
			if n.Qualifier != DefaultQualifier {
				return nil, fmt.Errorf("unknown family qualifier %q on %q (expected succeed-all/succeed-any or a similar -all/-any suffix)", n.Qualifier, n.TaskName)
			}
			fq = familyQualifier{Base: QualSucceeded, All: true} // bare "FAM" on the left implies succeed-all
		}
		subs := make([]Expr, len(members))
		for i, member := range members {
			subs[i] = &Atom{TaskName: member, Offset: n.Offset, Qualifier: fq.Base, Suicide: n.Suicide}
		}
		if fq.All {
			return &And{Operands: subs}, nil
		}
		return &Or{Operands: subs}, nil
	case *And:
		operands := make([]Expr, len(n.Operands))
		for i, op := range n.Operands {
			sub, err := expandFamilyExpr(op, families)
			if err != nil {
				return nil, err
			}
			operands[i] = sub
		}
		return &And{Operands: operands}, nil
	case *Or:
		operands := make([]Expr, len(n.Operands))
		for i, op := range n.Operands {
			sub, err := expandFamilyExpr(op, families)
			if err != nil {
				return nil, err
			}
			operands[i] = sub
		}
		return &Or{Operands: operands}, nil
	default:
		return nil, fmt.Errorf("unknown expression node %T", e)
	}
}

func resolvePrerequisite(e Expr, cal cycle.Calendar, isInteger bool, initial, final cycle.Point) (*Prerequisite, error) {
	switch n := e.(type) {
	case *Atom:
		dep, err := resolveDependency(n, cal, isInteger, initial, final)
		if err != nil {
			return nil, err
		}
		return &Prerequisite{All: []Dependency{dep}}, nil
	case *And:
		p := &Prerequisite{}
		for _, op := range n.Operands {
			sub, err := resolvePrerequisite(op, cal, isInteger, initial, final)
			if err != nil {
				return nil, err
			}
			if sub.Any == nil && len(sub.All) > 0 {
				p.All = append(p.All, sub.All...)
			} else {
				p.Any = append(p.Any, sub)
			}
		}
		return p, nil
	case *Or:
		p := &Prerequisite{}
		for _, op := range n.Operands {
			sub, err := resolvePrerequisite(op, cal, isInteger, initial, final)
			if err != nil {
				return nil, err
			}
			p.Any = append(p.Any, sub)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown expression node %T", e)
	}
}

func resolveDependency(a *Atom, cal cycle.Calendar, isInteger bool, initial, final cycle.Point) (Dependency, error) {
	dep := Dependency{UpstreamName: a.TaskName, Qualifier: a.Qualifier, Suicide: a.Suicide}
	switch a.Offset {
	case "":
		return dep, nil
	case "^":
		if initial == nil {
			return Dependency{}, fmt.Errorf("offset %q on task %q requires an initial cycle point", a.Offset, a.TaskName)
		}
		dep.AbsPoint = initial
		return dep, nil
	case "$":
		if final == nil {
			return Dependency{}, fmt.Errorf("offset %q on task %q requires a final cycle point", a.Offset, a.TaskName)
		}
		dep.AbsPoint = final
		return dep, nil
	}

	if isIntervalLiteral(a.Offset) {
		var iv cycle.Interval
		var err error
		if isInteger {
			iv, err = parseIntegerOffset(a.Offset)
		} else {
			iv, err = cycle.ParseISODuration(a.Offset)
		}
		if err != nil {
			return Dependency{}, fmt.Errorf("invalid offset %q on task %q: %w", a.Offset, a.TaskName, err)
		}
		dep.Offset = iv
		return dep, nil
	}

	// Not an interval: a literal cycle point.
	if isInteger {
		n, err := strconv.ParseInt(a.Offset, 10, 64)
		if err != nil {
			return Dependency{}, fmt.Errorf("invalid offset %q on task %q: %w", a.Offset, a.TaskName, err)
		}
		dep.AbsPoint = cycle.IntegerPoint(n)
		return dep, nil
	}
	p, err := cycle.ParseISOPoint(a.Offset, cal)
	if err != nil {
		return Dependency{}, fmt.Errorf("invalid offset %q on task %q: %w", a.Offset, a.TaskName, err)
	}
	dep.AbsPoint = p
	return dep, nil
}

// isIntervalLiteral distinguishes an interval offset ("P1D", "-PT6H",
// "-P2" under integer cycling) from an absolute cycle point.
func isIntervalLiteral(s string) bool {
	return strings.HasPrefix(s, "P") || strings.HasPrefix(s, "-P") || strings.HasPrefix(s, "+P")
}

func parseIntegerOffset(s string) (cycle.Interval, error) {
	neg := false
	body := s
	if len(body) > 0 && body[0] == '-' {
		neg = true
		body = body[1:]
	}
	if len(body) > 0 && body[0] == 'P' {
		body = body[1:]
	}
	var n int64
	if _, err := fmt.Sscanf(body, "%d", &n); err != nil {
		return nil, fmt.Errorf("invalid integer offset %q", s)
	}
	if neg {
		n = -n
	}
	return cycle.IntegerDelta(n), nil
}

// markSuicide flags every leaf of a removal prerequisite, so index
// builders can tell a removal dependency from a run dependency.
func markSuicide(p *Prerequisite) {
	for i := range p.All {
		p.All[i].Suicide = true
	}
	for _, sub := range p.Any {
		markSuicide(sub)
	}
}

// Deps returns every leaf dependency in the prerequisite tree, used by
// the scheduler to build its children index (which downstream tasks
// each upstream output can spawn or satisfy).
func (p *Prerequisite) Deps() []Dependency {
	return flattenDeps(p)
}

func flattenDeps(p *Prerequisite) []Dependency {
	out := append([]Dependency{}, p.All...)
	for _, sub := range p.Any {
		out = append(out, flattenDeps(sub)...)
	}
	return out
}

// checkCyclicSamePoint rejects a task depending on itself with no
// cycle-point offset: "foo => foo" within the same sequence would
// never become satisfiable, since foo's own prerequisite can never be
// met before foo itself exists at that point.
func checkCyclicSamePoint(taskName string, p *Prerequisite) error {
	for _, dep := range flattenDeps(p) {
		if dep.UpstreamName == taskName && dep.AbsPoint == nil && (dep.Offset == nil || dep.Offset.IsZero()) {
			return fmt.Errorf("task %q cannot depend on itself at the same cycle point (use a cycle offset)", taskName)
		}
	}
	return nil
}
