// Package query translates canonical, backend-agnostic filter expressions
// into SQL predicates. A Criterion is a single (field, operator, value)
// comparison; a QuerySpec bundles criteria with paging and sorting. Field
// paths are resolved against a Mapping tree so column layouts stay data,
// not code.
package query

// SortOrder controls the direction of the single optional sort field.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// DefaultLimit bounds unpaged queries so a missing limit can never pull an
// entire table.
const DefaultLimit = 50

// Criterion is one canonical comparison: left operand is a dotted field
// path, right operand is the value (or slice of values for "in").
type Criterion struct {
	OperandLeft  string
	Operator     string
	OperandRight any
}

// Eq builds an equality criterion.
func Eq(field string, value any) Criterion {
	return Criterion{OperandLeft: field, Operator: "=", OperandRight: value}
}

// In builds a set-membership criterion. The value must be a slice.
func In(field string, values ...any) Criterion {
	return Criterion{OperandLeft: field, Operator: "in", OperandRight: values}
}

// QuerySpec is an unordered conjunction of criteria plus paging and at most
// one sort field. Disjunction and multi-field sorting are deliberately
// unsupported.
type QuerySpec struct {
	Criteria  []Criterion
	Limit     int
	Offset    int
	SortField string
	SortOrder SortOrder
}

// Spec returns a QuerySpec with default paging and the given criteria.
func Spec(criteria ...Criterion) QuerySpec {
	return QuerySpec{
		Criteria:  criteria,
		Limit:     DefaultLimit,
		SortOrder: SortAsc,
	}
}

// normalized returns a copy with paging and sort defaults applied.
func (q QuerySpec) normalized() QuerySpec {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.SortOrder != SortDesc {
		q.SortOrder = SortAsc
	}
	return q
}
