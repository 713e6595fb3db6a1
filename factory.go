package auditkit

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/auditkit/audit"
	"github.com/veiloq/auditkit/connection"
	"github.com/veiloq/auditkit/descriptor"
	"github.com/veiloq/auditkit/session"
	"go.uber.org/zap"
)

// ErrFactoryReleased is returned when a released factory is used.
var ErrFactoryReleased = errors.New("factory has been released")

// Factory is the long-lived resource produced once per audit-strategy
// configuration. It is shared read-only by all sessions derived from it
// and must not be used after release.
type Factory struct {
	db       *sql.DB
	pool     *pgxpool.Pool
	dsn      string
	desc     descriptor.Descriptor
	service  *audit.Service
	reader   *audit.Reader
	logger   *zap.Logger
	released bool
}

// ConnectionString returns the DSN of the test database.
func (f *Factory) ConnectionString() string { return f.dsn }

// DB returns the standard library connection pool.
func (f *Factory) DB() *sql.DB { return f.db }

// Pool returns the pgx connection pool.
func (f *Factory) Pool() *pgxpool.Pool { return f.pool }

// Descriptor returns the unit descriptor the factory was bootstrapped
// from.
func (f *Factory) Descriptor() descriptor.Descriptor { return f.desc }

// AuditService unwraps the factory to its audit naming/recording service.
func (f *Factory) AuditService() *audit.Service { return f.service }

// AuditReader unwraps the factory to a revision reader over its pool.
func (f *Factory) AuditReader() *audit.Reader { return f.reader }

// StrategyName returns the audit strategy the factory was produced for.
func (f *Factory) StrategyName() string { return f.service.Strategy().Name() }

// OpenSession opens an untracked session on the factory's pool. Callers
// own closing it; prefer Scope.OpenSession, which tracks the session for
// teardown.
func (f *Factory) OpenSession(ctx context.Context) (*session.Session, error) {
	if f.released {
		return nil, ErrFactoryReleased
	}
	return session.Open(ctx, f.pool, f.logger)
}

// Release closes the factory's pools. Release is idempotent; the factory
// is unusable afterwards.
func (f *Factory) Release() error {
	if f.released {
		return nil
	}
	f.released = true
	f.logger.Debug("Releasing factory", zap.String("strategy", f.StrategyName()))
	if err := connection.ClosePgxPool(&f.pool, f.dsn, f.logger)(); err != nil {
		return err
	}
	return connection.CloseTestDBConnection(&f.db, f.dsn, f.logger)()
}
