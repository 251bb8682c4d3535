package store

import "github.com/tradelane/dataspace/pkg/query"

// BaseMapping returns the canonical-path mapping for the lifecycle columns
// every family shares. Families extend it with their payload fields.
func BaseMapping() *query.Mapping {
	return query.NewMapping().
		Scalar("id", "id").
		Scalar("state", "state").
		Scalar("stateCount", "state_count").
		Scalar("stateTimestamp", "state_timestamp").
		Scalar("errorDetail", "error_detail").
		Scalar("pending", "pending").
		Scalar("createdAt", "created_at").
		Scalar("updatedAt", "updated_at").
		JSON("traceContext", "trace_context")
}
