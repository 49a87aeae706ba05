// Package graph compiles graph-section text into task definitions:
// split into dependency lines, parse each line's trigger expression,
// resolve qualifiers to concrete outputs, synthesize family triggers,
// accumulate a task definition per distinct task name, and validate
// the result.
package graph

import "fmt"

// Qualifier names the output a trigger atom waits on. The empty string
// is not valid standalone; ParseLine resolves a bare atom's qualifier
// to DefaultQualifier ("succeeded").
type Qualifier string

const (
	QualSucceeded    Qualifier = "succeeded"
	QualFailed       Qualifier = "failed"
	QualSubmitted    Qualifier = "submitted"
	QualSubmitFailed Qualifier = "submit-failed"
	QualStarted      Qualifier = "started"
	QualExpired      Qualifier = "expired"
	QualFinish       Qualifier = "finish" // succeeded or failed, whichever occurs

	DefaultQualifier = QualSucceeded
)

// Expr is a boolean trigger expression: an Atom, or an And/Or
// combination of sub-expressions. It never materializes into anything
// but a tree walked at satisfaction-check time.
type Expr interface {
	exprNode()
	String() string
}

// Atom references one upstream task's output at a cycle offset,
// optionally marked as a suicide trigger.
type Atom struct {
	TaskName  string
	Offset    string // raw interval literal, e.g. "-P1D"; "" means no offset
	Qualifier Qualifier
	Suicide   bool
}

func (*Atom) exprNode() {}
func (a *Atom) String() string {
	s := a.TaskName
	if a.Offset != "" {
		s += "[" + a.Offset + "]"
	}
	s += ":" + string(a.Qualifier)
	if a.Suicide {
		s = "!" + s
	}
	return s
}

// And requires every operand to be satisfied.
type And struct{ Operands []Expr }

func (*And) exprNode() {}
func (e *And) String() string { return joinExpr(e.Operands, " & ") }

// Or requires at least one operand to be satisfied.
type Or struct{ Operands []Expr }

func (*Or) exprNode() {}
func (e *Or) String() string { return joinExpr(e.Operands, " | ") }

func joinExpr(operands []Expr, sep string) string {
	s := ""
	for i, op := range operands {
		if i > 0 {
			s += sep
		}
		s += op.String()
	}
	return s
}

// Atoms returns every Atom reachable from e, in left-to-right order.
func Atoms(e Expr) []*Atom {
	var out []*Atom
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *Atom:
			out = append(out, n)
		case *And:
			for _, op := range n.Operands {
				walk(op)
			}
		case *Or:
			for _, op := range n.Operands {
				walk(op)
			}
		default:
			panic(fmt.Sprintf("graph: unknown expr node %T", e))
		}
	}
	walk(e)
	return out
}
