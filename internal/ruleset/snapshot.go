// internal/ruleset/snapshot.go
package ruleset

import (
	"context"
	"strings"

	"github.com/verdictlab/verdict/internal/expr"
	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Data snapshot extraction for infer actions.
 *
 * The snapshot is built from declared include paths only; nothing is
 * captured implicitly. Excludes are applied after extraction so a broad
 * include ("event.payment") can still drop a sensitive leaf
 * ("event.payment.card_number"). Missing paths are silently omitted: an
 * inference payload is best-effort, never a reason to fail the decision.
 */

// BuildSnapshot extracts the declared paths from the execution scope
// into a nested object mirroring the path structure.
func BuildSnapshot(ctx context.Context, spec types.SnapshotSpec, env expr.Env) types.Value {
	out := make(map[string]any)

	paths := spec.Paths
	if len(paths) > types.MaxSnapshotPaths {
		paths = paths[:types.MaxSnapshotPaths]
	}

	for _, p := range paths {
		segs, err := expr.ParsePath(p)
		if err != nil {
			continue
		}
		v, err := expr.Evaluate(ctx, &expr.Field{Path: segs}, env)
		if err != nil {
			continue
		}
		insertPath(out, strings.Split(p, "."), v)
	}

	for _, p := range spec.Exclude {
		deletePath(out, strings.Split(p, "."))
	}

	return toValue(out)
}

// insertPath places v under the dotted key sequence, creating
// intermediate objects. A leaf already holding a non-object value is
// overwritten; later declarations win.
func insertPath(node map[string]any, keys []string, v types.Value) {
	for i, k := range keys {
		k = strings.TrimSuffix(k, "?")
		if i == len(keys)-1 {
			node[k] = v
			return
		}
		child, ok := node[k].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[k] = child
		}
		node = child
	}
}

// deletePath removes the dotted key sequence. The skeleton holds
// intermediate maps for declared prefixes and opaque Value subtrees at
// include leaves; an exclude reaching into an included subtree prunes
// the Value itself.
func deletePath(node map[string]any, keys []string) {
	for i, k := range keys {
		k = strings.TrimSuffix(k, "?")
		if i == len(keys)-1 {
			delete(node, k)
			return
		}
		switch child := node[k].(type) {
		case map[string]any:
			node = child
		case types.Value:
			node[k] = pruneValue(child, keys[i+1:])
			return
		default:
			return
		}
	}
}

// pruneValue rebuilds an object value without the member addressed by
// keys. Non-object values and unresolved keys are returned unchanged.
func pruneValue(v types.Value, keys []string) types.Value {
	k := strings.TrimSuffix(keys[0], "?")
	child, ok := v.Field(k)
	if !ok {
		return v
	}
	obj := make(map[string]types.Value)
	for _, key := range v.Keys() {
		member, _ := v.Field(key)
		obj[key] = member
	}
	if len(keys) == 1 {
		delete(obj, k)
	} else {
		obj[k] = pruneValue(child, keys[1:])
	}
	return types.Object(obj)
}

func toValue(node map[string]any) types.Value {
	obj := make(map[string]types.Value, len(node))
	for k, v := range node {
		switch t := v.(type) {
		case types.Value:
			obj[k] = t
		case map[string]any:
			obj[k] = toValue(t)
		}
	}
	return types.Object(obj)
}
