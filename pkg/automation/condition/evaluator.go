package condition

import (
	"fmt"
	"regexp"
	"strings"
)

// Error reports a malformed component or an unknown field reference.
// Evaluation fails closed: a rule whose condition produced an Error is
// treated as non-matching.
type Error struct {
	Expression string
	Reason     string
}

func (e *Error) Error() string {

	if len(e.Expression) == 0 {
		return e.Reason
	}

	return fmt.Sprintf("%s: %s", e.Expression, e.Reason)
}

func evalError(expression string, format string, args ...interface{}) *Error {
	return &Error{
		Expression: expression,
		Reason:     fmt.Sprintf(format, args...),
	}
}

// Evaluate decides whether the condition matches the given context values.
// It is pure and total: any malformed component or unknown expression
// returns (false, *Error) rather than panicking. A nil condition or a
// condition with no clauses always matches.
func Evaluate(cond *Condition, values map[string]interface{}) (bool, error) {

	if cond == nil || len(cond.Clauses) == 0 {
		return true, nil
	}

	// Clauses are combined with AND
	for _, clause := range cond.Clauses {

		matched, err := evaluateClause(&clause, values)
		if err != nil {
			return false, err
		}

		if !matched {
			return false, nil
		}
	}

	return true, nil
}

func evaluateClause(clause *Clause, values map[string]interface{}) (bool, error) {

	if len(clause.Components) == 0 {
		return false, evalError("", "clause has no components")
	}

	switch clause.LogicalOperator {
	case LOGICAL_AND:

		for _, comp := range clause.Components {
			matched, err := evaluateComponent(&comp, values)
			if err != nil {
				return false, err
			}

			if !matched {
				return false, nil
			}
		}

		return true, nil

	case LOGICAL_OR:

		for _, comp := range clause.Components {
			matched, err := evaluateComponent(&comp, values)
			if err != nil {
				return false, err
			}

			if matched {
				return true, nil
			}
		}

		return false, nil
	}

	return false, evalError("", "unknown logical operator \"%s\"", clause.LogicalOperator)
}

func evaluateComponent(comp *Component, values map[string]interface{}) (bool, error) {

	if len(comp.Expression) == 0 {
		return false, evalError("", "empty expression")
	}

	fieldValue, exists := values[comp.Expression]

	// Null checks do not require the field to be present
	switch comp.Operator {
	case OP_IS_NULL:
		return !exists || fieldValue == nil, nil
	case OP_IS_NOT_NULL:
		return exists && fieldValue != nil, nil
	}

	if !exists {
		return false, evalError(comp.Expression, "unknown expression")
	}

	caseSensitive := comp.Flags != nil && comp.Flags.CaseSensitive

	switch comp.Operator {
	case OP_EQUAL:
		return equalValues(comp.Expression, fieldValue, comp.Value, caseSensitive)

	case OP_NOT_EQUAL:
		matched, err := equalValues(comp.Expression, fieldValue, comp.Value, caseSensitive)
		if err != nil {
			return false, err
		}
		return !matched, nil

	case OP_LESS, OP_LESS_OR_EQUAL, OP_GREATER, OP_GREATER_OR_EQUAL:
		cmp, err := compareValues(comp.Expression, fieldValue, comp.Value, caseSensitive)
		if err != nil {
			return false, err
		}

		switch comp.Operator {
		case OP_LESS:
			return cmp < 0, nil
		case OP_LESS_OR_EQUAL:
			return cmp <= 0, nil
		case OP_GREATER:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}

	case OP_IN:
		return containsValue(comp.Expression, fieldValue, comp.Value, caseSensitive)

	case OP_NOT_IN:
		matched, err := containsValue(comp.Expression, fieldValue, comp.Value, caseSensitive)
		if err != nil {
			return false, err
		}
		return !matched, nil

	case OP_LIKE:
		return matchPattern(comp.Expression, fieldValue, comp.Value, false)

	case OP_ILIKE:
		return matchPattern(comp.Expression, fieldValue, comp.Value, true)
	}

	return false, evalError(comp.Expression, "unknown operator \"%s\"", comp.Operator)
}

func equalValues(expression string, fieldValue interface{}, value interface{}, caseSensitive bool) (bool, error) {

	if fieldValue == nil || value == nil {
		return fieldValue == nil && value == nil, nil
	}

	// Numeric comparison when both sides are numbers
	fn, fok := toNumber(fieldValue)
	vn, vok := toNumber(value)
	if fok && vok {
		return fn == vn, nil
	}

	fs, fok := fieldValue.(string)
	vs, vok := value.(string)
	if fok && vok {
		if caseSensitive {
			return fs == vs, nil
		}
		return strings.EqualFold(fs, vs), nil
	}

	fb, fok := fieldValue.(bool)
	vb, vok := value.(bool)
	if fok && vok {
		return fb == vb, nil
	}

	return false, evalError(expression, "incomparable types %T and %T", fieldValue, value)
}

func compareValues(expression string, fieldValue interface{}, value interface{}, caseSensitive bool) (int, error) {

	fn, fok := toNumber(fieldValue)
	vn, vok := toNumber(value)
	if fok && vok {
		switch {
		case fn < vn:
			return -1, nil
		case fn > vn:
			return 1, nil
		}
		return 0, nil
	}

	fs, fok := fieldValue.(string)
	vs, vok := value.(string)
	if fok && vok {
		if !caseSensitive {
			fs = strings.ToLower(fs)
			vs = strings.ToLower(vs)
		}
		return strings.Compare(fs, vs), nil
	}

	return 0, evalError(expression, "unorderable types %T and %T", fieldValue, value)
}

func containsValue(expression string, fieldValue interface{}, value interface{}, caseSensitive bool) (bool, error) {

	items, ok := value.([]interface{})
	if !ok {
		return false, evalError(expression, "IN operand must be a list, got %T", value)
	}

	for _, item := range items {
		matched, err := equalValues(expression, fieldValue, item, caseSensitive)
		if err != nil {
			return false, err
		}

		if matched {
			return true, nil
		}
	}

	return false, nil
}

// matchPattern implements SQL LIKE semantics: "%" matches any run of
// characters, "_" matches a single character.
func matchPattern(expression string, fieldValue interface{}, value interface{}, caseInsensitive bool) (bool, error) {

	fs, ok := fieldValue.(string)
	if !ok {
		return false, evalError(expression, "LIKE target must be a string, got %T", fieldValue)
	}

	pattern, ok := value.(string)
	if !ok {
		return false, evalError(expression, "LIKE pattern must be a string, got %T", value)
	}

	var sb strings.Builder
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	sb.WriteString("^")

	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false, evalError(expression, "invalid pattern \"%s\"", pattern)
	}

	return re.MatchString(fs), nil
}

func toNumber(v interface{}) (float64, bool) {

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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}

	return 0, false
}
