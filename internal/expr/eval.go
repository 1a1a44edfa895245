// internal/expr/eval.go
package expr

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Expression evaluation.
 *
 * Evaluate dispatches on concrete node types via a type switch: the
 * operator set is closed and switch dispatch keeps all semantics in one
 * place instead of spreading them over interface implementations.
 *
 * Error discipline: every failure is an *types.EvalError carrying the
 * kind (field_not_found, type_mismatch, invalid_arguments,
 * aggregation_timeout) and the canonical rendering of the offending
 * subexpression. Propagation policy belongs to the caller.
 */

// Env supplies the read-only data context for one evaluation.
type Env interface {
	// Root resolves the first path segment: reserved regions (event,
	// vars, context, sys), step outputs, scope locals, or bare event
	// payload fields, per the implementation's scoping rules.
	Root(name string) (types.Value, bool)

	// Aggregate answers a time-windowed query. Implementations derive
	// AsOf from Now() and route through the provider cache.
	Aggregate(ctx context.Context, q agg.Query) (float64, error)

	// Now is the evaluation reference time, fixed per execution so two
	// evaluations of one pipeline run observe identical time.
	Now() time.Time
}

// Evaluate computes the value of an expression against env.
func Evaluate(ctx context.Context, n Node, env Env) (types.Value, error) {
	switch node := n.(type) {
	case *Literal:
		return node.Val, nil

	case *Field:
		res, err := resolveField(node.Path, env)
		if err != nil {
			return types.Null(), err
		}
		return res, nil

	case *Exists:
		res, err := resolveField(node.Path, env)
		if err != nil {
			var ee *types.EvalError
			if errors.As(err, &ee) && ee.Kind == types.FieldNotFound {
				return types.Bool(false), nil
			}
			return types.Null(), err
		}
		return types.Bool(!res.IsNull()), nil

	case *Not:
		b, err := EvalBool(ctx, node.X, env)
		if err != nil {
			return types.Null(), err
		}
		return types.Bool(!b), nil

	case *Neg:
		v, err := Evaluate(ctx, node.X, env)
		if err != nil {
			return types.Null(), err
		}
		f, ok := v.AsNumber()
		if !ok {
			return types.Null(), mismatch(node, "cannot negate %s", v.Kind())
		}
		return types.Number(-f), nil

	case *All:
		// Short-circuit: stop at first false, later terms never run
		for _, term := range node.Terms {
			b, err := EvalBool(ctx, term, env)
			if err != nil {
				return types.Null(), err
			}
			if !b {
				return types.Bool(false), nil
			}
		}
		return types.Bool(true), nil

	case *Any:
		// Short-circuit: stop at first true
		for _, term := range node.Terms {
			b, err := EvalBool(ctx, term, env)
			if err != nil {
				return types.Null(), err
			}
			if b {
				return types.Bool(true), nil
			}
		}
		return types.Bool(false), nil

	case *Compare:
		l, err := Evaluate(ctx, node.L, env)
		if err != nil {
			return types.Null(), err
		}
		r, err := Evaluate(ctx, node.R, env)
		if err != nil {
			return types.Null(), err
		}
		return compareValues(node, l, r)

	case *Arith:
		return evalArith(ctx, node, env)

	case *In:
		return evalIn(ctx, node, env)

	case *Contains:
		return evalContains(ctx, node, env)

	case *Ternary:
		b, err := EvalBool(ctx, node.Cond, env)
		if err != nil {
			return types.Null(), err
		}
		// Only the selected branch is evaluated
		if b {
			return Evaluate(ctx, node.Then, env)
		}
		return Evaluate(ctx, node.Else, env)

	case *Coalesce:
		l, err := Evaluate(ctx, node.L, env)
		if err != nil {
			var ee *types.EvalError
			if errors.As(err, &ee) && ee.Kind == types.FieldNotFound {
				return Evaluate(ctx, node.R, env)
			}
			return types.Null(), err
		}
		if l.IsNull() {
			return Evaluate(ctx, node.R, env)
		}
		return l, nil

	case *Call:
		return evalCall(ctx, node, env)

	case *AggCall:
		return evalAgg(ctx, node, env)

	default:
		return types.Null(), types.NewEvalError(types.InvalidArguments, n.String(), "unknown node type %T", n)
	}
}

// EvalBool evaluates n and requires a boolean result.
func EvalBool(ctx context.Context, n Node, env Env) (bool, error) {
	v, err := Evaluate(ctx, n, env)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, mismatch(n, "expected bool, got %s", v.Kind())
	}
	return b, nil
}

func resolveField(path []PathSegment, env Env) (types.Value, error) {
	if len(path) == 0 {
		return types.Null(), types.NewEvalError(types.InvalidArguments, "", "empty field path")
	}
	head := path[0]
	if head.Key == "" {
		return types.Null(), types.NewEvalError(types.InvalidArguments, PathString(path), "path must start with a named segment")
	}

	root, ok := env.Root(head.Key)
	if !ok {
		if head.Optional {
			return types.Null(), nil
		}
		return types.Null(), types.NewEvalError(types.FieldNotFound, PathString(path), "unknown root %q", head.Key)
	}
	if head.Optional && root.IsNull() {
		return types.Null(), nil
	}

	res, err := ResolveIn(path[1:], root)
	if err != nil {
		if errors.Is(err, types.ErrFieldNotFound) {
			return types.Null(), types.NewEvalError(types.FieldNotFound, PathString(path), "")
		}
		return types.Null(), types.NewEvalError(types.InvalidArguments, PathString(path), "%v", err)
	}
	return res.Value, nil
}

func compareValues(node *Compare, l, r types.Value) (types.Value, error) {
	// Numbers compare numerically
	if ln, ok := l.AsNumber(); ok {
		rn, ok := r.AsNumber()
		if !ok {
			return types.Null(), mismatch(node, "number %s %s", node.Op, r.Kind())
		}
		return types.Bool(compareOrdered(node.Op, compareFloat(ln, rn))), nil
	}

	// Strings compare lexically for ordering, exactly for equality
	if ls, ok := l.AsString(); ok {
		rs, ok := r.AsString()
		if !ok {
			return types.Null(), mismatch(node, "string %s %s", node.Op, r.Kind())
		}
		return types.Bool(compareOrdered(node.Op, strings.Compare(ls, rs))), nil
	}

	// Booleans support equality only
	if lb, ok := l.AsBool(); ok {
		rb, ok := r.AsBool()
		if !ok {
			return types.Null(), mismatch(node, "bool %s %s", node.Op, r.Kind())
		}
		switch node.Op {
		case CmpEq:
			return types.Bool(lb == rb), nil
		case CmpNeq:
			return types.Bool(lb != rb), nil
		default:
			return types.Null(), mismatch(node, "bool does not support %s", node.Op)
		}
	}

	return types.Null(), mismatch(node, "%s %s %s", l.Kind(), node.Op, r.Kind())
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareOrdered(op CmpOp, cmp int) bool {
	switch op {
	case CmpEq:
		return cmp == 0
	case CmpNeq:
		return cmp != 0
	case CmpLt:
		return cmp < 0
	case CmpLte:
		return cmp <= 0
	case CmpGt:
		return cmp > 0
	case CmpGte:
		return cmp >= 0
	default:
		return false
	}
}

func evalArith(ctx context.Context, node *Arith, env Env) (types.Value, error) {
	l, err := Evaluate(ctx, node.L, env)
	if err != nil {
		return types.Null(), err
	}
	r, err := Evaluate(ctx, node.R, env)
	if err != nil {
		return types.Null(), err
	}

	ln, lok := l.AsNumber()
	rn, rok := r.AsNumber()
	if !lok || !rok {
		return types.Null(), mismatch(node, "%s %s %s", l.Kind(), node.Op, r.Kind())
	}

	switch node.Op {
	case ArithAdd:
		return types.Number(ln + rn), nil
	case ArithSub:
		return types.Number(ln - rn), nil
	case ArithMul:
		return types.Number(ln * rn), nil
	case ArithDiv:
		if rn == 0 {
			return types.Null(), types.NewEvalError(types.InvalidArguments, node.String(), "division by zero")
		}
		return types.Number(ln / rn), nil
	case ArithMod:
		if rn == 0 {
			return types.Null(), types.NewEvalError(types.InvalidArguments, node.String(), "modulo by zero")
		}
		return types.Number(math.Mod(ln, rn)), nil
	default:
		return types.Null(), types.NewEvalError(types.InvalidArguments, node.String(), "unknown arithmetic operator")
	}
}

func evalIn(ctx context.Context, node *In, env Env) (types.Value, error) {
	x, err := Evaluate(ctx, node.X, env)
	if err != nil {
		return types.Null(), err
	}
	set, err := Evaluate(ctx, node.Set, env)
	if err != nil {
		return types.Null(), err
	}

	elems, ok := set.AsArray()
	if !ok {
		return types.Null(), mismatch(node, "membership target is %s, want array", set.Kind())
	}
	if len(elems) > types.MaxInOperatorValues {
		return types.Null(), types.NewEvalError(types.InvalidArguments, node.String(), "%v", types.ErrTooManyInValues)
	}

	found := false
	for _, e := range elems {
		if memberEqual(x, e, node.Fold) {
			found = true
			break
		}
	}
	if node.Negate {
		found = !found
	}
	return types.Bool(found), nil
}

func memberEqual(a, b types.Value, fold bool) bool {
	if fold {
		as, aok := a.AsString()
		bs, bok := b.AsString()
		if aok && bok {
			return strings.EqualFold(as, bs)
		}
	}
	return a.Equal(b)
}

func evalContains(ctx context.Context, node *Contains, env Env) (types.Value, error) {
	x, err := Evaluate(ctx, node.X, env)
	if err != nil {
		return types.Null(), err
	}
	sub, err := Evaluate(ctx, node.Sub, env)
	if err != nil {
		return types.Null(), err
	}

	switch x.Kind() {
	case types.KindString:
		s, _ := x.AsString()
		subStr, ok := sub.AsString()
		if !ok {
			return types.Null(), mismatch(node, "substring operand is %s, want string", sub.Kind())
		}
		return types.Bool(strings.Contains(s, subStr)), nil

	case types.KindArray:
		elems, _ := x.AsArray()
		for _, e := range elems {
			if e.Equal(sub) {
				return types.Bool(true), nil
			}
		}
		return types.Bool(false), nil

	default:
		return types.Null(), mismatch(node, "contains operand is %s, want string or array", x.Kind())
	}
}

func evalAgg(ctx context.Context, node *AggCall, env Env) (types.Value, error) {
	q := agg.Query{
		Metric: node.Metric,
		Window: node.Window,
		Op:     node.Op,
		Param:  node.Param,
		AsOf:   env.Now(),
	}
	if node.Filter != nil {
		pred := newFilterPredicate(node.Filter, env)
		q.Filter = pred
		q.FilterHash = pred.Hash()
	}

	result, err := env.Aggregate(ctx, q)
	if err != nil {
		if errors.Is(err, agg.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return types.Null(), types.NewEvalError(types.AggregationTimeout, node.String(), "%v", err)
		}
		return types.Null(), err
	}
	return types.Number(result), nil
}

func mismatch(n Node, format string, args ...any) *types.EvalError {
	return types.NewEvalError(types.TypeMismatch, n.String(), format, args...)
}
