// Package schema exports the entity, audit, and revision tables a factory
// needs. The exporter implements migration.Migrator so it slots into the
// same Apply phase as user-configured migrators; the matching drop is
// subsumed by dropping the test database at scope cleanup.
package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/auditkit/audit"
	"github.com/veiloq/auditkit/config"
	"go.uber.org/zap"
)

// ErrSecondarySchemaUnsupported is returned when a secondary schema is
// requested but the scope does not own a dedicated embedded server.
var ErrSecondarySchemaUnsupported = errors.New(
	"only a dedicated embedded server supports creation of a secondary schema")

// Exporter creates the database objects for a factory's audited entities.
type Exporter struct {
	mode            config.ExportMode
	service         *audit.Service
	mappings        []string // normalized mapping file paths
	secondarySchema string
	dedicatedEngine bool
}

// NewExporter builds an exporter for the given unit. dedicatedEngine
// reports whether the scope owns the backing server.
func NewExporter(mode config.ExportMode, service *audit.Service, mappings []string, secondarySchema string, dedicatedEngine bool) *Exporter {
	return &Exporter{
		mode:            mode,
		service:         service,
		mappings:        mappings,
		secondarySchema: secondarySchema,
		dedicatedEngine: dedicatedEngine,
	}
}

// Validate reports configuration mismatches that must fail factory
// production before any connection is made.
func (e *Exporter) Validate() error {
	if e.mode == config.ExportCreateDrop && e.secondarySchema != "" && !e.dedicatedEngine {
		return fmt.Errorf("secondary schema %q requested: %w", e.secondarySchema, ErrSecondarySchemaUnsupported)
	}
	return nil
}

// Apply implements migration.Migrator. With ExportNone it is a no-op;
// otherwise it creates the secondary schema (when requested), the revision
// table, the entity and audit tables, and finally applies mapping files.
func (e *Exporter) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if e.mode != config.ExportCreateDrop {
		logger.Debug("Schema export skipped", zap.String("mode", string(e.mode)))
		return nil
	}
	if err := e.Validate(); err != nil {
		return err
	}

	if e.secondarySchema != "" {
		quoted := pgx.Identifier{e.secondarySchema}.Sanitize()
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoted)); err != nil {
			return fmt.Errorf("failed to create secondary schema %q: %w", e.secondarySchema, err)
		}
		logger.Debug("Created secondary schema", zap.String("schema", e.secondarySchema))
	}

	if _, err := pool.Exec(ctx, e.revisionTableDDL()); err != nil {
		return fmt.Errorf("failed to create revision table: %w", err)
	}

	for _, entity := range e.service.Entities() {
		if _, err := pool.Exec(ctx, e.entityDDL(entity)); err != nil {
			return fmt.Errorf("failed to create table for entity %q: %w", entity.Name, err)
		}
		if _, err := pool.Exec(ctx, e.auditDDL(entity)); err != nil {
			return fmt.Errorf("failed to create audit table for entity %q: %w", entity.Name, err)
		}
		logger.Debug("Exported entity schema",
			zap.String("entity", entity.Name),
			zap.String("table", entity.TableName()),
			zap.String("audit_table", e.service.AuditTableName(entity.TableName())))
	}

	for _, mapping := range e.mappings {
		ddl, err := os.ReadFile(mapping)
		if err != nil {
			return fmt.Errorf("failed to read mapping file %q: %w", mapping, err)
		}
		// Mapping files may hold several statements; simple protocol
		// allows executing them in one round trip.
		if _, err := pool.Exec(ctx, string(ddl), pgx.QueryExecModeSimpleProtocol); err != nil {
			return fmt.Errorf("failed to apply mapping file %q: %w", mapping, err)
		}
		logger.Debug("Applied mapping file", zap.String("path", mapping))
	}

	logger.Info("Schema export complete",
		zap.Int("entities", len(e.service.Entities())),
		zap.Int("mappings", len(e.mappings)),
		zap.String("strategy", e.service.Strategy().Name()))
	return nil
}

func (e *Exporter) revisionTableDDL() string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (rev bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY, revtstmp bigint NOT NULL)",
		e.service.RevisionTable(),
	)
}

func (e *Exporter) entityDDL(entity audit.Entity) string {
	cols := []string{"id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"}
	for _, c := range entity.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", entity.QualifiedTable(), strings.Join(cols, ", "))
}

func (e *Exporter) auditDDL(entity audit.Entity) string {
	cols := []string{"id bigint NOT NULL"}
	for _, c := range e.service.Strategy().AuditColumns() {
		col := fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type)
		if c.Name == "rev" || c.Name == "revtype" {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	for _, c := range entity.Columns {
		// Audit snapshots keep payload columns nullable; a delete row
		// carries no state.
		cols = append(cols, fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type))
	}
	cols = append(cols, "PRIMARY KEY (id, rev)")

	auditTable := audit.Entity{
		Name:   e.service.AuditEntityName(entity.Name),
		Table:  e.service.AuditTableName(entity.TableName()),
		Schema: entity.Schema,
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", auditTable.QualifiedTable(), strings.Join(cols, ", "))
}
