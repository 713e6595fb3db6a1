// Package audit provides the audit-schema model, revision strategies, and
// the reader/recorder used to verify audited entities in tests. It restores
// the audit-service surface that the factory exposes via unwrapping.
package audit

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Column describes a single non-key column of an audited entity table.
type Column struct {
	Name string // column name, must be a valid PostgreSQL identifier
	Type string // PostgreSQL column type, e.g. "text" or "bigint"
}

// Entity describes one audited entity registered with the factory scope.
// Every entity table gets a bigint identity primary key named "id"; the
// audit table mirrors the entity columns plus the strategy's audit columns.
type Entity struct {
	Name    string   // logical entity name, e.g. "Customer"
	Table   string   // table name; defaults to lowercase Name when empty
	Schema  string   // optional schema; empty means the default search path
	Columns []Column // payload columns beyond the primary key
}

// TableName returns the effective table name for the entity.
func (e Entity) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return strings.ToLower(e.Name)
}

// QualifiedTable returns the schema-qualified, quoted table reference.
func (e Entity) QualifiedTable() string {
	return qualify(e.Schema, e.TableName())
}

func qualify(schema, table string) string {
	quoted := pgx.Identifier{table}.Sanitize()
	if schema == "" {
		return quoted
	}
	return fmt.Sprintf("%s.%s", pgx.Identifier{schema}.Sanitize(), quoted)
}
