// internal/expr/functions.go
package expr

import (
	"context"
	"math"
	"strings"

	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Builtin function table.
 *
 * Functions are pure over their argument values. Arity and argument kinds
 * are checked here and violations surface as InvalidArguments with the
 * call's canonical rendering as the path. now() is the one env-dependent
 * builtin: it returns the execution's fixed reference time as unix
 * seconds, so repeated calls within one execution are identical.
 */

type builtin struct {
	minArgs int
	maxArgs int // -1 for variadic
	apply   func(args []types.Value) (types.Value, error)
}

var builtins = map[string]builtin{
	"abs":   {1, 1, numeric1(math.Abs)},
	"ceil":  {1, 1, numeric1(math.Ceil)},
	"floor": {1, 1, numeric1(math.Floor)},
	"round": {1, 1, numeric1(math.Round)},
	"min":   {2, -1, numericFold(math.Min)},
	"max":   {2, -1, numericFold(math.Max)},
	"len":   {1, 1, applyLen},
	"lower": {1, 1, string1(strings.ToLower)},
	"upper": {1, 1, string1(strings.ToUpper)},
	"trim":  {1, 1, string1(strings.TrimSpace)},
	"starts_with": {2, 2, string2(func(s, p string) bool {
		return strings.HasPrefix(s, p)
	})},
	"ends_with": {2, 2, string2(func(s, p string) bool {
		return strings.HasSuffix(s, p)
	})},
}

func evalCall(ctx context.Context, node *Call, env Env) (types.Value, error) {
	// now() reads the execution clock, not the wall clock
	if node.Fn == "now" {
		if len(node.Args) != 0 {
			return types.Null(), badArgs(node, "now takes no arguments")
		}
		return types.Number(float64(env.Now().Unix())), nil
	}

	fn, ok := builtins[node.Fn]
	if !ok {
		return types.Null(), badArgs(node, "unknown function %q", node.Fn)
	}
	if len(node.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(node.Args) > fn.maxArgs) {
		return types.Null(), badArgs(node, "%s expects %d argument(s), got %d", node.Fn, fn.minArgs, len(node.Args))
	}

	args := make([]types.Value, len(node.Args))
	for i, a := range node.Args {
		v, err := Evaluate(ctx, a, env)
		if err != nil {
			return types.Null(), err
		}
		args[i] = v
	}

	v, err := fn.apply(args)
	if err != nil {
		return types.Null(), badArgs(node, "%v", err)
	}
	return v, nil
}

// KnownFunction reports whether name is a valid builtin; used by loaders
// for load-time validation.
func KnownFunction(name string) bool {
	if name == "now" {
		return true
	}
	_, ok := builtins[name]
	return ok
}

func numeric1(f func(float64) float64) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		n, ok := args[0].AsNumber()
		if !ok {
			return types.Null(), argKindError("number", args[0])
		}
		return types.Number(f(n)), nil
	}
}

func numericFold(f func(a, b float64) float64) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		acc, ok := args[0].AsNumber()
		if !ok {
			return types.Null(), argKindError("number", args[0])
		}
		for _, a := range args[1:] {
			n, ok := a.AsNumber()
			if !ok {
				return types.Null(), argKindError("number", a)
			}
			acc = f(acc, n)
		}
		return types.Number(acc), nil
	}
}

func string1(f func(string) string) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		s, ok := args[0].AsString()
		if !ok {
			return types.Null(), argKindError("string", args[0])
		}
		return types.String(f(s)), nil
	}
}

func string2(f func(a, b string) bool) func([]types.Value) (types.Value, error) {
	return func(args []types.Value) (types.Value, error) {
		a, aok := args[0].AsString()
		b, bok := args[1].AsString()
		if !aok || !bok {
			return types.Null(), argKindError("string", args[0])
		}
		return types.Bool(f(a, b)), nil
	}
}

func applyLen(args []types.Value) (types.Value, error) {
	n, ok := args[0].Len()
	if !ok {
		return types.Null(), argKindError("string, array, or object", args[0])
	}
	return types.Int(n), nil
}

type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func argKindError(want string, got types.Value) error {
	return &argError{msg: "expected " + want + ", got " + got.Kind().String()}
}

func badArgs(n Node, format string, args ...any) *types.EvalError {
	return types.NewEvalError(types.InvalidArguments, n.String(), format, args...)
}
