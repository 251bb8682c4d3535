package query

import (
	"fmt"
	"strings"
)

// Dialect captures the backend-specific pieces of statement construction:
// parameter placeholders, JSON extraction, and the column type used for
// JSON documents in DDL. Everything else is shared SQL.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// JSONExtract renders an expression extracting a text value at the
	// given path inside a JSON column.
	JSONExtract func(column string, path []string) string
	// JSONColumnType is the DDL type for JSON document columns.
	JSONColumnType string
	// BooleanColumnType is the DDL type for boolean columns.
	BooleanColumnType string
}

// Postgres is the dialect for lib/pq connections.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	JSONExtract: func(column string, path []string) string {
		return fmt.Sprintf("%s #>> '{%s}'", column, strings.Join(path, ","))
	},
	JSONColumnType:    "JSONB",
	BooleanColumnType: "BOOLEAN",
}

// SQLite is the dialect for modernc.org/sqlite connections, used for the
// embedded single-node mode and for tests.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(n int) string { return "?" },
	JSONExtract: func(column string, path []string) string {
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, strings.Join(path, "."))
	},
	JSONColumnType:    "TEXT",
	BooleanColumnType: "INTEGER",
}
