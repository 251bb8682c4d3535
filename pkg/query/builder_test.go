package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPredicate_ConjunctionPostgres(t *testing.T) {
	spec := Spec(
		Eq("state", 200),
		Criterion{OperandLeft: "dataRequest.assetId", Operator: "=", OperandRight: "asset-1"},
	)

	text, args, err := BuildPredicate(spec, testMapping(), Postgres)
	require.NoError(t, err)

	assert.Equal(t, " WHERE state = $1 AND asset_id = $2 LIMIT $3 OFFSET $4", text)
	assert.Equal(t, []any{200, "asset-1", 50, 0}, args)
}

func TestBuildPredicate_SQLitePlaceholders(t *testing.T) {
	spec := Spec(Eq("id", "neg-1"))

	text, args, err := BuildPredicate(spec, testMapping(), SQLite)
	require.NoError(t, err)

	assert.Equal(t, " WHERE id = ? LIMIT ? OFFSET ?", text)
	assert.Equal(t, []any{"neg-1", 50, 0}, args)
}

func TestBuildPredicate_NoFilterStillPages(t *testing.T) {
	text, args, err := BuildPredicate(QuerySpec{Limit: 10, Offset: 20}, testMapping(), Postgres)
	require.NoError(t, err)

	assert.Equal(t, " LIMIT $1 OFFSET $2", text)
	assert.Equal(t, []any{10, 20}, args)
}

func TestBuildPredicate_SortField(t *testing.T) {
	spec := Spec(Eq("state", 100))
	spec.SortField = "stateTimestamp"
	spec.SortOrder = SortDesc

	mapping := testMapping().Scalar("stateTimestamp", "state_timestamp")
	text, _, err := BuildPredicate(spec, mapping, Postgres)
	require.NoError(t, err)

	assert.Contains(t, text, "ORDER BY state_timestamp DESC")
}

func TestBuildPredicate_JSONLeafUsesExtraction(t *testing.T) {
	spec := Spec(Eq("traceContext.traceparent", "00-abc"))

	pgText, _, err := BuildPredicate(spec, testMapping(), Postgres)
	require.NoError(t, err)
	assert.Contains(t, pgText, "trace_context #>> '{traceparent}' = $1")

	liteText, _, err := BuildPredicate(spec, testMapping(), SQLite)
	require.NoError(t, err)
	assert.Contains(t, liteText, "json_extract(trace_context, '$.traceparent') = ?")
}

func TestBuildPredicate_InExpandsPlaceholders(t *testing.T) {
	spec := Spec(In("state", 100, 200, 300))

	text, args, err := BuildPredicate(spec, testMapping(), Postgres)
	require.NoError(t, err)

	assert.Contains(t, text, "state IN ($1, $2, $3)")
	assert.Equal(t, []any{100, 200, 300, 50, 0}, args)
}

func TestBuildPredicate_UnsupportedOperator(t *testing.T) {
	spec := Spec(Criterion{OperandLeft: "state", Operator: "between", OperandRight: 1})

	_, _, err := BuildPredicate(spec, testMapping(), Postgres)

	var translationErr *TranslationError
	require.ErrorAs(t, err, &translationErr)
	assert.Contains(t, translationErr.Reason, "unsupported operator")
}

func TestBuildPredicate_ScalarOperatorRejectsSlice(t *testing.T) {
	spec := Spec(Criterion{OperandLeft: "state", Operator: "=", OperandRight: []int{1, 2}})

	_, _, err := BuildPredicate(spec, testMapping(), Postgres)
	assert.Error(t, err)
}

func TestBuildPredicate_InRejectsScalar(t *testing.T) {
	spec := Spec(Criterion{OperandLeft: "state", Operator: "in", OperandRight: 100})

	_, _, err := BuildPredicate(spec, testMapping(), Postgres)
	assert.Error(t, err)
}

func TestBuildPredicate_UnknownFieldFails(t *testing.T) {
	spec := Spec(Eq("nope", 1))

	_, _, err := BuildPredicate(spec, testMapping(), Postgres)
	assert.Error(t, err)
}

func TestBuildPredicate_UnknownSortFieldFails(t *testing.T) {
	spec := Spec()
	spec.SortField = "nope"

	_, _, err := BuildPredicate(spec, testMapping(), Postgres)
	assert.Error(t, err)
}
