package microtetherdb

import (
	"fmt"
	"strings"
)

// LimitField is the reserved top-level predicate key bounding the number
// of documents a query returns.
const LimitField = "$limit"

// evaluatePredicate reports whether doc matches every field/operator
// clause in predicate. Field predicates are conjunctive; $limit is
// skipped here (handled by the caller during iteration). Mirrors
// original_source/core/query_engine.py's matches_query control flow.
func evaluatePredicate(doc Document, predicate Document) (bool, error) {
	for field, condition := range predicate {
		if field == LimitField {
			continue
		}

		docValue, exists := fieldValue(doc, field)

		ops, isOpMap := condition.(map[string]any)
		if !isOpMap {
			if asDoc, ok := condition.(Document); ok {
				ops = asDoc
				isOpMap = true
			}
		}

		if isOpMap {
			ok, err := evaluateOps(docValue, exists, ops)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			continue
		}

		// Implicit equality.
		if !exists || !valuesEqual(docValue, condition) {
			return false, nil
		}
	}
	return true, nil
}

func evaluateOps(docValue any, exists bool, ops map[string]any) (bool, error) {
	for op, operand := range ops {
		var ok bool
		var err error

		switch op {
		case "$eq":
			ok = exists && valuesEqual(docValue, operand)
		case "$ne":
			ok = !exists || !valuesEqual(docValue, operand)
		case "$gt":
			ok, err = numericCompare(docValue, exists, operand, func(a, b float64) bool { return a > b })
		case "$gte":
			ok, err = numericCompare(docValue, exists, operand, func(a, b float64) bool { return a >= b })
		case "$lt":
			ok, err = numericCompare(docValue, exists, operand, func(a, b float64) bool { return a < b })
		case "$lte":
			ok, err = numericCompare(docValue, exists, operand, func(a, b float64) bool { return a <= b })
		case "$in":
			ok = exists && memberOf(docValue, operand)
		case "$contains":
			ok = exists && contains(docValue, operand)
		case "$exists":
			want, isBool := operand.(bool)
			if !isBool {
				return false, fmt.Errorf("%w: $exists operand must be a bool", ErrEncoding)
			}
			ok = exists == want
		default:
			return false, fmt.Errorf("%w: unknown operator %q", ErrEncoding, op)
		}

		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// numericCompare fails the clause (not the whole query) when docValue
// isn't numeric, per spec.md §4.5's operator table.
func numericCompare(docValue any, exists bool, operand any, cmp func(a, b float64) bool) (bool, error) {
	if !exists {
		return false, nil
	}
	a, aok := toFloat(docValue)
	b, bok := toFloat(operand)
	if !aok || !bok {
		return false, nil
	}
	return cmp(a, b), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func memberOf(docValue any, operand any) bool {
	arr, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, item := range arr {
		if valuesEqual(docValue, item) {
			return true
		}
	}
	return false
}

func contains(docValue any, operand any) bool {
	switch v := docValue.(type) {
	case string:
		s, ok := operand.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			if valuesEqual(item, operand) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// valuesEqual compares two decoded JSON values for equality, treating
// numeric values by their float64 magnitude regardless of concrete Go
// type (json.Unmarshal into any always yields float64, but this also
// matches caller-constructed predicates written with int literals).
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case nil:
		return b == nil
	default:
		return true
	}
}
