package condition

import (
	"encoding/json"
	"strings"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Lookup resolves a dotted field path against the evaluation context.
// The second return reports whether the path resolved at all.
type Lookup func(path string) (any, bool)

// Evaluate walks a validated condition tree against the context exposed by
// lookup. An unresolvable path makes the comparison false rather than an
// error, except for is_null where an absent field counts as null.
// Evaluation is pure projection and comparison: no calls, no loops beyond
// the tree itself.
func Evaluate(c *schema.Condition, lookup Lookup) bool {
	if c == nil {
		return true
	}

	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !Evaluate(&c.All[i], lookup) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if Evaluate(&c.Any[i], lookup) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !Evaluate(c.Not, lookup)
	}

	return evaluateLeaf(c, lookup)
}

func evaluateLeaf(c *schema.Condition, lookup Lookup) bool {
	val, ok := lookup(c.Field)

	if c.Op == schema.OpIsNull {
		return !ok || val == nil
	}
	if !ok {
		return false
	}

	var literal any
	if len(c.Value) > 0 {
		if err := json.Unmarshal(c.Value, &literal); err != nil {
			return false
		}
	}

	switch c.Op {
	case schema.OpEquals:
		return equals(val, literal)
	case schema.OpNotEquals:
		return !equals(val, literal)
	case schema.OpGreaterThan:
		return compareNumbers(val, literal, func(a, b float64) bool { return a > b })
	case schema.OpLessThan:
		return compareNumbers(val, literal, func(a, b float64) bool { return a < b })
	case schema.OpContains:
		return contains(val, literal)
	case schema.OpIn:
		arr, ok := literal.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if equals(val, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func equals(a, b any) bool {
	// Numeric values may arrive as any mix of int/int64/float64 depending
	// on whether they came through JSON or Go code.
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// contains matches substrings for strings and membership for slices.
func contains(val, literal any) bool {
	switch v := val.(type) {
	case string:
		s, ok := literal.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			if equals(item, literal) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
