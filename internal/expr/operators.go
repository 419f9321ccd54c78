package expr

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// matchTimeout bounds MATCHES evaluation so a pathological pattern
// cannot stall a rule sweep.
const matchTimeout = 500 * time.Millisecond

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp2.Regexp)
)

// SupportedOperator reports whether Apply understands the operator.
// Useful for validating stored rule conditions before they run.
func SupportedOperator(operator string) bool {
	switch operator {
	case "=", "==", "!=", "<", "<=", ">", ">=", "IN", "NOT IN", "CONTAINS", "MATCHES":
		return true
	}
	return false
}

// Apply evaluates one condition operator against resolved values.
// A nil operand compares as unequal and fails ordering checks rather
// than erroring; missing context fields degrade, they do not abort.
// Detection rule conditions accept "==" as an alias for "=".
func Apply(operator string, actual, expected interface{}) (bool, error) {
	switch operator {
	case "=", "==":
		return equal(actual, expected), nil

	case "!=":
		return !equal(actual, expected), nil

	case "<", "<=", ">", ">=":
		if actual == nil || expected == nil {
			return false, nil
		}
		af, aok := toFloat(actual)
		ef, eok := toFloat(expected)
		if !aok || !eok {
			return false, fmt.Errorf("operator %q requires numeric operands, got %T and %T", operator, actual, expected)
		}
		switch operator {
		case "<":
			return af < ef, nil
		case "<=":
			return af <= ef, nil
		case ">":
			return af > ef, nil
		default:
			return af >= ef, nil
		}

	case "IN":
		items, err := toList(expected)
		if err != nil {
			return false, fmt.Errorf("IN requires a list value: %w", err)
		}
		return containsValue(items, actual), nil

	case "NOT IN":
		items, err := toList(expected)
		if err != nil {
			return false, fmt.Errorf("NOT IN requires a list value: %w", err)
		}
		return !containsValue(items, actual), nil

	case "CONTAINS":
		switch c := actual.(type) {
		case nil:
			return false, nil
		case string:
			return strings.Contains(c, toString(expected)), nil
		default:
			items, err := toList(actual)
			if err != nil {
				return false, fmt.Errorf("CONTAINS requires a collection field: %w", err)
			}
			return containsValue(items, expected), nil
		}

	case "MATCHES":
		if actual == nil {
			return false, nil
		}
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("MATCHES requires a string pattern, got %T", expected)
		}
		return matchPattern(toString(actual), pattern)
	}

	return false, fmt.Errorf("unsupported operator %q", operator)
}

// equal compares loosely across numeric widths; mixed types are unequal.
func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}

	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}

	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}

	return false
}

func containsValue(items []interface{}, v interface{}) bool {
	for _, item := range items {
		if equal(item, v) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toList(v interface{}) ([]interface{}, error) {
	switch items := v.(type) {
	case []interface{}:
		return items, nil
	case []string:
		out := make([]interface{}, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	case []float64:
		out := make([]interface{}, len(items))
		for i, f := range items {
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// matchPattern compiles patterns once and matches with a timeout so
// user-supplied patterns with heavy backtracking cannot run away.
func matchPattern(input, pattern string) (bool, error) {
	patternMu.RLock()
	re := patternCache[pattern]
	patternMu.RUnlock()

	if re == nil {
		patternMu.Lock()
		re = patternCache[pattern]
		if re == nil {
			compiled, err := regexp2.Compile(pattern, 0)
			if err != nil {
				patternMu.Unlock()
				return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			compiled.MatchTimeout = matchTimeout
			patternCache[pattern] = compiled
			re = compiled
		}
		patternMu.Unlock()
	}

	matched, err := re.MatchString(input)
	if err != nil {
		return false, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return matched, nil
}
