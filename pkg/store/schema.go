package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradelane/dataspace/pkg/lease"
	"github.com/tradelane/dataspace/pkg/query"
)

// Schema returns the DDL for one entity family's table in the given
// dialect, extra columns included. The lease table (lease.Schema) must be
// created first because of the foreign key.
func Schema(def Definition, dialect query.Dialect) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", def.Table)
	sb.WriteString("\tid TEXT PRIMARY KEY,\n")
	sb.WriteString("\tstate INTEGER NOT NULL,\n")
	sb.WriteString("\tstate_count INTEGER NOT NULL DEFAULT 0,\n")
	sb.WriteString("\tstate_timestamp BIGINT NOT NULL,\n")
	sb.WriteString("\terror_detail TEXT,\n")
	fmt.Fprintf(&sb, "\tpending %s NOT NULL DEFAULT FALSE,\n", dialect.BooleanColumnType)
	fmt.Fprintf(&sb, "\ttrace_context %s,\n", dialect.JSONColumnType)
	fmt.Fprintf(&sb, "\tlease_id TEXT REFERENCES %s (lease_id),\n", lease.TableName)
	sb.WriteString("\tcreated_at BIGINT NOT NULL,\n")
	sb.WriteString("\tupdated_at BIGINT NOT NULL,\n")
	fmt.Fprintf(&sb, "\tpayload %s", dialect.JSONColumnType)
	for _, extra := range def.Extra {
		fmt.Fprintf(&sb, ",\n\t%s %s", extra.Name, extra.Type)
	}
	sb.WriteString("\n);")
	return sb.String()
}

// Migrate creates the lease table and every given family table.
func Migrate(ctx context.Context, db DBTX, dialect query.Dialect, defs ...Definition) error {
	statements := []string{lease.Schema()}
	for _, def := range defs {
		statements = append(statements, Schema(def, dialect))
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
