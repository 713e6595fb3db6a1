// Package migration defines the interface for applying database migrations
// within the auditkit testing toolkit. It allows different migration
// strategies (Atlas, the built-in schema exporter, custom scripts) to be
// plugged in.
package migration

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrator is implemented by types that can apply schema migrations.
// The factory scope runs the configured Migrator after schema export to
// bring the test database to the desired state.
type Migrator interface {
	// Apply executes the migration process against the database behind the
	// pool. Implementations log through the provided logger and respect
	// the context for cancellation.
	Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error
}

// NoOpMigrator performs no migrations. It is the default when no migrator
// is configured; schema export alone then defines the database state.
type NoOpMigrator struct{}

// Apply implements Migrator and does nothing.
func (m *NoOpMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger.Debug("Migration skipped (NoOpMigrator).")
	return nil
}
