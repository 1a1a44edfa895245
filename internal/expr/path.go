// internal/expr/path.go
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/verdictlab/verdict/internal/types"
)

/*
 * Field path parsing and resolution over Value trees.
 *
 * Resolves arbitrary paths through nested objects and arrays with wildcard
 * support. Wildcards use ANY semantics (first match wins) with sorted key
 * iteration on objects for deterministic order. Enforces MaxPathDepth and
 * MaxNestedWildcards at parse and resolution time.
 *
 * Null-safe segments (`a.b?.c`) short-circuit to Null instead of raising
 * field-not-found when the guarded member is missing or null. Resolution
 * distinguishes the two outcomes: (Null, found=true) for a null-safe stop,
 * ErrFieldNotFound for a hard miss.
 */

// PathSegment represents one component of a field path.
// Key for object members, Index for array elements, Wildcard for ANY-match
// expansion. Optional marks a null-safe access point (`seg?.rest`).
type PathSegment struct {
	Key      string
	Index    int
	IsIndex  bool // disambiguates Index=0 from unset
	Wildcard bool
	Optional bool
}

// String renders the segment in path syntax.
func (s PathSegment) String() string {
	switch {
	case s.Wildcard:
		return "[*]"
	case s.IsIndex:
		return "[" + strconv.Itoa(s.Index) + "]"
	case s.Optional:
		return s.Key + "?"
	default:
		return s.Key
	}
}

// PathString renders a full path in dotted syntax.
func PathString(path []PathSegment) string {
	var b strings.Builder
	for i, seg := range path {
		if i > 0 && !seg.IsIndex && !seg.Wildcard {
			b.WriteByte('.')
		}
		b.WriteString(seg.String())
	}
	return b.String()
}

// ParsePath parses dotted path syntax into segments.
// Supported: `a.b.c`, null-safe `a.b?.c`, array index `a[0].b`, wildcard
// `items[*].price`. Validates depth and wildcard limits.
func ParsePath(s string) ([]PathSegment, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segs []PathSegment
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", s)
		}

		name := part
		var brackets string
		if i := strings.IndexByte(part, '['); i >= 0 {
			name = part[:i]
			brackets = part[i:]
		}

		if name != "" {
			seg := PathSegment{Key: name}
			if strings.HasSuffix(name, "?") {
				seg.Key = strings.TrimSuffix(name, "?")
				seg.Optional = true
				if seg.Key == "" {
					return nil, fmt.Errorf("invalid path %q: bare null-safe marker", s)
				}
			}
			segs = append(segs, seg)
		}

		for brackets != "" {
			if brackets[0] != '[' {
				return nil, fmt.Errorf("invalid path %q: malformed index", s)
			}
			end := strings.IndexByte(brackets, ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid path %q: unterminated index", s)
			}
			inner := brackets[1:end]
			brackets = brackets[end+1:]

			optional := false
			if strings.HasPrefix(brackets, "?") {
				optional = true
				brackets = brackets[1:]
			}

			if inner == "*" {
				segs = append(segs, PathSegment{Wildcard: true, Optional: optional})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid path %q: bad array index %q", s, inner)
			}
			segs = append(segs, PathSegment{Index: idx, IsIndex: true, Optional: optional})
		}
	}

	if err := ValidatePath(segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// MustParsePath is ParsePath for static paths in tests and fixtures.
func MustParsePath(s string) []PathSegment {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidatePath enforces resource limits on a segment chain.
func ValidatePath(path []PathSegment) error {
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}
	wildcards := 0
	for _, seg := range path {
		if seg.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxNestedWildcards {
		return types.ErrTooManyWildcards
	}
	return nil
}

// ResolveResult contains the resolved value and whether it was found.
type ResolveResult struct {
	Value types.Value
	Found bool
}

// ResolveIn traverses data following path segments.
// Returns ErrFieldNotFound if the path does not exist and no null-safe
// segment covers the miss. A null-safe miss yields (Null, Found=true).
func ResolveIn(path []PathSegment, data types.Value) (ResolveResult, error) {
	if err := ValidatePath(path); err != nil {
		return ResolveResult{}, err
	}
	return resolveRecursive(path, data)
}

func resolveRecursive(path []PathSegment, current types.Value) (ResolveResult, error) {
	if len(path) == 0 {
		return ResolveResult{Value: current, Found: true}, nil
	}

	seg := path[0]
	remaining := path[1:]

	miss := func() (ResolveResult, error) {
		if seg.Optional {
			return ResolveResult{Value: types.Null(), Found: true}, nil
		}
		return ResolveResult{}, types.ErrFieldNotFound
	}

	switch current.Kind() {
	case types.KindObject:
		if seg.Wildcard {
			// Sorted keys keep wildcard iteration deterministic
			for _, key := range current.Keys() {
				val, _ := current.Field(key)
				result, err := resolveRecursive(remaining, val)
				if err == nil && result.Found {
					return result, nil
				}
			}
			return miss()
		}
		if seg.IsIndex {
			return miss()
		}
		val, ok := current.Field(seg.Key)
		if !ok {
			return miss()
		}
		if seg.Optional && val.IsNull() {
			return ResolveResult{Value: types.Null(), Found: true}, nil
		}
		return resolveRecursive(remaining, val)

	case types.KindArray:
		if seg.Wildcard {
			elems, _ := current.AsArray()
			// ANY semantics: first match wins (short-circuit)
			for _, elem := range elems {
				result, err := resolveRecursive(remaining, elem)
				if err == nil && result.Found {
					return result, nil
				}
			}
			return miss()
		}
		if !seg.IsIndex {
			return miss()
		}
		val, ok := current.Index(seg.Index)
		if !ok {
			return miss()
		}
		if seg.Optional && val.IsNull() {
			return ResolveResult{Value: types.Null(), Found: true}, nil
		}
		return resolveRecursive(remaining, val)

	case types.KindNull:
		// Null at an intermediate position
		return miss()

	default:
		// Scalar but path continues
		return miss()
	}
}
