package query

import (
	"fmt"
	"reflect"
	"strings"
)

// comparison operators accepted in a Criterion. Anything else is a
// translation error.
var operators = map[string]string{
	"=":    "=",
	"!=":   "!=",
	"<>":   "!=",
	"<":    "<",
	"<=":   "<=",
	">":    ">",
	">=":   ">=",
	"like": "LIKE",
	"in":   "IN",
}

// BuildPredicate renders a QuerySpec into a SQL trailer (WHERE/ORDER
// BY/LIMIT/OFFSET) and its ordered bind parameters. Criteria combine by
// conjunction only; the returned text starts with a leading space so it can
// be appended directly to a SELECT.
func BuildPredicate(spec QuerySpec, mapping *Mapping, dialect Dialect) (string, []any, error) {
	spec = spec.normalized()

	var sb strings.Builder
	var args []any
	next := func() string { return dialect.Placeholder(len(args) + 1) }

	for i, c := range spec.Criteria {
		field, err := mapping.Resolve(c.OperandLeft)
		if err != nil {
			return "", nil, err
		}
		op, ok := operators[strings.ToLower(strings.TrimSpace(c.Operator))]
		if !ok {
			return "", nil, &TranslationError{Path: c.OperandLeft, Reason: fmt.Sprintf("unsupported operator %q", c.Operator)}
		}

		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		expr := field.Column
		if field.JSON() {
			expr = dialect.JSONExtract(field.Column, field.JSONPath)
		}

		if op == "IN" {
			values, err := sliceValues(c)
			if err != nil {
				return "", nil, err
			}
			placeholders := make([]string, 0, len(values))
			for _, v := range values {
				args = append(args, v)
				placeholders = append(placeholders, dialect.Placeholder(len(args)))
			}
			fmt.Fprintf(&sb, "%s IN (%s)", expr, strings.Join(placeholders, ", "))
			continue
		}

		if isSlice(c.OperandRight) {
			return "", nil, &TranslationError{Path: c.OperandLeft, Reason: fmt.Sprintf("operator %q takes a scalar value", c.Operator)}
		}
		fmt.Fprintf(&sb, "%s %s %s", expr, op, next())
		args = append(args, c.OperandRight)
	}

	if spec.SortField != "" {
		field, err := mapping.Resolve(spec.SortField)
		if err != nil {
			return "", nil, err
		}
		expr := field.Column
		if field.JSON() {
			expr = dialect.JSONExtract(field.Column, field.JSONPath)
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", expr, spec.SortOrder)
	}

	fmt.Fprintf(&sb, " LIMIT %s", next())
	args = append(args, spec.Limit)
	fmt.Fprintf(&sb, " OFFSET %s", next())
	args = append(args, spec.Offset)

	return sb.String(), args, nil
}

func sliceValues(c Criterion) ([]any, error) {
	rv := reflect.ValueOf(c.OperandRight)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, &TranslationError{Path: c.OperandLeft, Reason: `operator "in" takes a slice value`}
	}
	if rv.Len() == 0 {
		return nil, &TranslationError{Path: c.OperandLeft, Reason: `operator "in" takes a non-empty slice`}
	}
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values, nil
}

func isSlice(v any) bool {
	if _, isBytes := v.([]byte); isBytes {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.IsValid() && rv.Kind() == reflect.Slice
}
