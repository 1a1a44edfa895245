// Package expr implements the typed, side-effect-free expression language
// evaluated against a read-only data context.
//
// Expressions are immutable trees built once from declarative definitions
// and evaluated many times, one event per evaluation. Evaluation is a pure
// function of (AST, Env) -> Value with one exception: aggregation calls,
// whose results depend on external event history but not on prior
// evaluator calls.
//
// Semantics enforced here:
//   - all/any short-circuit left to right; subexpressions past the
//     short-circuit point are never evaluated (cost contract: authors
//     order expensive checks last)
//   - ternary and ?? evaluate only the selected operand
//   - typed comparisons raise TypeMismatch instead of coercing
//   - a.b?.c short-circuits to Null instead of raising FieldNotFound
package expr

import (
	"strings"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/types"
)

// Node is an immutable expression tree node. Evaluation dispatches on the
// concrete type; nodes carry no behavior of their own beyond rendering.
type Node interface {
	// String renders the canonical form used in reasons, validation
	// output, and filter fingerprints.
	String() string
}

// Literal is a constant value.
type Literal struct {
	Val types.Value
}

// Field accesses a context path. The first segment names a root region
// (event, vars, context, sys) or resolves through the Env's scoping rules
// (step ids, ruleset locals, bare event fields).
type Field struct {
	Path []PathSegment
}

// Exists tests whether a path resolves to a non-null value. Never raises
// FieldNotFound; a miss is simply false.
type Exists struct {
	Path []PathSegment
}

// Not negates a boolean operand.
type Not struct {
	X Node
}

// Neg negates a numeric operand.
type Neg struct {
	X Node
}

// All is logical AND over ordered terms; stops at the first false.
type All struct {
	Terms []Node
}

// Any is logical OR over ordered terms; stops at the first true.
type Any struct {
	Terms []Node
}

// CmpOp enumerates comparison operators.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNeq
	CmpLt
	CmpLte
	CmpGt
	CmpGte
)

func (o CmpOp) String() string {
	switch o {
	case CmpEq:
		return "=="
	case CmpNeq:
		return "!="
	case CmpLt:
		return "<"
	case CmpLte:
		return "<="
	case CmpGt:
		return ">"
	case CmpGte:
		return ">="
	default:
		return "?"
	}
}

// Compare applies a typed comparison. Both operands must resolve to
// Number, or to the same comparable kind (String-String for all
// operators, Boolean-Boolean for equality only).
type Compare struct {
	Op   CmpOp
	L, R Node
}

// ArithOp enumerates arithmetic operators.
type ArithOp int

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithMul
	ArithDiv
	ArithMod
)

func (o ArithOp) String() string {
	switch o {
	case ArithAdd:
		return "+"
	case ArithSub:
		return "-"
	case ArithMul:
		return "*"
	case ArithDiv:
		return "/"
	case ArithMod:
		return "%"
	default:
		return "?"
	}
}

// Arith applies numeric arithmetic.
type Arith struct {
	Op   ArithOp
	L, R Node
}

// In is the membership test against an array literal or array-typed
// field. Value equality; Fold selects the case-insensitive variant for
// strings. Negate yields not_in.
type In struct {
	Negate bool
	Fold   bool
	X, Set Node
}

// Contains is substring test for string operands, element membership for
// array operands.
type Contains struct {
	X, Sub Node
}

// Ternary evaluates only the selected branch.
type Ternary struct {
	Cond, Then, Else Node
}

// Coalesce returns the right operand when the left is Null or missing,
// without raising.
type Coalesce struct {
	L, R Node
}

// Call invokes a builtin function (abs, min, len, lower, ...).
type Call struct {
	Fn   string
	Args []Node
}

// AggCall delegates to the Aggregation Provider. It is the evaluator's
// only suspension point: the result, once obtained, is deterministic for
// a given (metric, filter, window, asOf) tuple within one evaluation.
type AggCall struct {
	Op     agg.Op
	Metric string
	Filter Node // nil means match-all; record fields are primary scope
	Window time.Duration
	Param  float64 // percentile rank
}

func (n *Literal) String() string { return n.Val.Display() }
func (n *Field) String() string   { return PathString(n.Path) }
func (n *Exists) String() string  { return "exists(" + PathString(n.Path) + ")" }
func (n *Not) String() string     { return "!(" + n.X.String() + ")" }
func (n *Neg) String() string     { return "-(" + n.X.String() + ")" }

func (n *All) String() string { return renderList("all", n.Terms) }
func (n *Any) String() string { return renderList("any", n.Terms) }

func renderList(name string, terms []Node) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

func (n *Compare) String() string {
	return n.L.String() + " " + n.Op.String() + " " + n.R.String()
}

func (n *Arith) String() string {
	return "(" + n.L.String() + " " + n.Op.String() + " " + n.R.String() + ")"
}

func (n *In) String() string {
	op := "in"
	if n.Negate {
		op = "not_in"
	}
	if n.Fold {
		op += "~"
	}
	return n.X.String() + " " + op + " " + n.Set.String()
}

func (n *Contains) String() string {
	return "contains(" + n.X.String() + ", " + n.Sub.String() + ")"
}

func (n *Ternary) String() string {
	return n.Cond.String() + " ? " + n.Then.String() + " : " + n.Else.String()
}

func (n *Coalesce) String() string {
	return "(" + n.L.String() + " ?? " + n.R.String() + ")"
}

func (n *Call) String() string { return renderList(n.Fn, n.Args) }

func (n *AggCall) String() string {
	var b strings.Builder
	b.WriteString(n.Op.String())
	b.WriteString("(")
	b.WriteString(n.Metric)
	if n.Op == agg.OpPercentile {
		b.WriteString(", p=")
		b.WriteString(types.Number(n.Param).Display())
	}
	if n.Filter != nil {
		b.WriteString(", {")
		b.WriteString(n.Filter.String())
		b.WriteString("}")
	}
	b.WriteString(", ")
	b.WriteString(agg.FormatWindow(n.Window))
	b.WriteString(")")
	return b.String()
}
