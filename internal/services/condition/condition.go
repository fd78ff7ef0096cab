// Package condition evaluates field/operator/value predicates. Automation
// rules, approval policies, workflow steps and delegations all share it.
package condition

import (
	"fmt"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/huangang/repoflow/internal/models"
)

const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpMatches  = "matches"
	OpIn       = "in"
	OpExists   = "exists"
)

var knownOperators = map[string]bool{
	OpEq:       true,
	OpNe:       true,
	OpGt:       true,
	OpGte:      true,
	OpLt:       true,
	OpLte:      true,
	OpContains: true,
	OpMatches:  true,
	OpIn:       true,
	OpExists:   true,
}

// Resolver looks up the value of a dotted field path.
type Resolver interface {
	Resolve(field string) (interface{}, bool)
}

// MapResolver resolves dotted paths over nested maps.
type MapResolver map[string]interface{}

func (m MapResolver) Resolve(field string) (interface{}, bool) {
	if v, ok := m[field]; ok {
		return v, true
	}
	var cur interface{} = map[string]interface{}(m)
	for _, part := range strings.Split(field, ".") {
		next, ok := lookup(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func lookup(container interface{}, key string) (interface{}, bool) {
	if container == nil {
		return nil, false
	}
	if m, ok := container.(map[string]interface{}); ok {
		v, found := m[key]
		return v, found
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
	if !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}

// Validate checks that a condition is well formed without evaluating it.
func Validate(cond models.Condition) error {
	if cond.Field == "" {
		return fmt.Errorf("condition field is empty")
	}
	if !knownOperators[cond.Operator] {
		return fmt.Errorf("unknown operator %q", cond.Operator)
	}
	if cond.Operator == OpMatches {
		pattern, ok := cond.Value.(string)
		if !ok {
			return fmt.Errorf("matches needs a string pattern, got %T", cond.Value)
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// ValidateAll validates every condition.
func ValidateAll(conds []models.Condition) error {
	for i, c := range conds {
		if err := Validate(c); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Evaluate applies one condition. A missing field is false for every
// operator except ne.
func Evaluate(cond models.Condition, r Resolver) (bool, error) {
	if err := Validate(cond); err != nil {
		return false, err
	}

	actual, found := r.Resolve(cond.Field)
	if cond.Operator == OpExists {
		want := true
		if b, ok := cond.Value.(bool); ok {
			want = b
		}
		return found == want, nil
	}
	if !found {
		return cond.Operator == OpNe, nil
	}

	switch cond.Operator {
	case OpEq:
		return equal(actual, cond.Value), nil
	case OpNe:
		return !equal(actual, cond.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		return compare(cond.Operator, actual, cond.Value)
	case OpContains:
		return contains(actual, cond.Value)
	case OpMatches:
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("field %q: matches needs a string, got %T", cond.Field, actual)
		}
		return path.Match(cond.Value.(string), s)
	case OpIn:
		return contains(cond.Value, actual)
	}
	return false, fmt.Errorf("unknown operator %q", cond.Operator)
}

// EvaluateAll ANDs the conditions. An empty list is true.
func EvaluateAll(conds []models.Condition, r Resolver) (bool, error) {
	for _, c := range conds {
		ok, err := Evaluate(c, r)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", c.Field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(op string, a, b interface{}) (bool, error) {
	fa, ok := toFloat(a)
	if !ok {
		return false, fmt.Errorf("%s needs a number, got %T", op, a)
	}
	fb, ok := toFloat(b)
	if !ok {
		return false, fmt.Errorf("%s needs a numeric value, got %T", op, b)
	}
	switch op {
	case OpGt:
		return fa > fb, nil
	case OpGte:
		return fa >= fb, nil
	case OpLt:
		return fa < fb, nil
	default:
		return fa <= fb, nil
	}
}

// contains reports whether haystack (a string or slice) holds needle.
func contains(haystack, needle interface{}) (bool, error) {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("cannot search a string for %T", needle)
		}
		return strings.Contains(s, n), nil
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, fmt.Errorf("cannot search %T", haystack)
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true, nil
		}
	}
	return false, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
