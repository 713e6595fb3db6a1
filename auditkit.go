package auditkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/veiloq/auditkit/audit"
	"github.com/veiloq/auditkit/config"
	"github.com/veiloq/auditkit/connection"
	"github.com/veiloq/auditkit/db"
	"github.com/veiloq/auditkit/descriptor"
	"github.com/veiloq/auditkit/internal/cleanup"
	"github.com/veiloq/auditkit/internal/logger"
	"github.com/veiloq/auditkit/migration"
	"github.com/veiloq/auditkit/schema"
	"github.com/veiloq/auditkit/session"
	"github.com/veiloq/auditkit/txmgr"

	_ "github.com/lib/pq" // Driver for sql.Open
	"go.uber.org/zap"
)

const defaultRuntimeBasePath = ".auditkit" // Base directory for runtime data

// abandonTimeout bounds how long a timed-out action is waited on before
// its session is abandoned to the registry for teardown recovery.
const abandonTimeout = 5 * time.Second

// Scope owns the long-lived factory resource for one test-suite
// configuration: the backing server, the uniquely named test database, the
// factory produced per audit strategy, and the registry of sessions opened
// during the current test.
type Scope struct {
	cfg       config.Config
	settings  *config.Settings
	dedicated bool // scope owns the backing engine

	embeddedDB *embeddedpostgres.EmbeddedPostgres
	adminDSN   string
	testDBName string

	factory     *Factory
	registry    *session.Registry
	coordinator *txmgr.Manager

	logger  *zap.Logger
	cleanup *cleanup.Manager
}

var _ Harness = (*Scope)(nil)

// NewScope starts a dedicated embedded PostgreSQL instance (or joins a
// shared server), creates a unique test database, and returns the factory
// scope for it. The factory itself is produced on first use or via
// ProduceFactory. When t is non-nil, logging goes through zaptest and
// AfterAll is registered with t.Cleanup; otherwise the caller must invoke
// AfterAll.
func NewScope(ctx context.Context, t *testing.T, initialConfig config.Config, opts ...config.Option) (_ *Scope, err error) {
	if err := initialConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial configuration provided: %w", err)
	}

	settings, finalConfig := config.ApplyOptions(&initialConfig, opts...)

	log, _, err := logger.InitLogger(t, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cleanupMgr := cleanup.NewManager(log)

	s := &Scope{
		settings: settings,
		logger:   log,
		cleanup:  cleanupMgr,
	}
	s.registry = session.NewRegistry(nil, log)

	// If anything below fails, unwind what was already set up.
	defer func() {
		if err != nil {
			if cleanupErr := s.cleanup.Execute(); cleanupErr != nil {
				s.logger.Error("Error during cleanup after setup failure", zap.Error(cleanupErr))
			}
		}
	}()

	if settings.UseSharedServer() {
		s.logger.Info("Using shared PostgreSQL server instance.")
		s.dedicated = false

		// The shared server's config is the base; the test's own DSN
		// params, tx options, and KeepDatabase overlay it.
		s.cfg = settings.SharedConfig()
		s.cfg.DSNParams = finalConfig.DSNParams
		s.cfg.PgxTxOptions = finalConfig.PgxTxOptions
		s.cfg.KeepDatabase = finalConfig.KeepDatabase

		s.adminDSN = settings.DSN()
		if s.adminDSN == "" {
			return nil, fmt.Errorf("dsn cannot be empty when using WithSharedServer")
		}
	} else {
		s.logger.Info("Starting dedicated PostgreSQL server instance for this scope.")
		s.dedicated = true
		s.cfg = finalConfig

		if err = db.AssignRandomPort(&s.cfg, s.logger); err != nil {
			return nil, fmt.Errorf("failed to assign port for dedicated server: %w", err)
		}

		runtimeDirName, err := db.GenerateUniqueDBName("runtime_")
		if err != nil {
			return nil, fmt.Errorf("failed to generate unique name for runtime path: %w", err)
		}
		if err := os.MkdirAll(defaultRuntimeBasePath, 0750); err != nil {
			return nil, fmt.Errorf("failed to create base runtime directory %q: %w", defaultRuntimeBasePath, err)
		}
		instanceWorkDir, err := filepath.Abs(filepath.Join(defaultRuntimeBasePath, runtimeDirName))
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for runtime directory: %w", err)
		}

		s.embeddedDB, err = db.StartServer(ctx, s.cfg, instanceWorkDir, s.logger)
		if err != nil {
			_ = os.RemoveAll(instanceWorkDir)
			return nil, fmt.Errorf("failed to start dedicated embedded server at %s: %w", instanceWorkDir, err)
		}
		// Runtime-directory cleanup first so it runs last, after the
		// server has stopped.
		s.cleanup.Add(func() error {
			s.logger.Debug("Cleaning up dedicated server runtime directory", zap.String("path", instanceWorkDir))
			if err := os.RemoveAll(instanceWorkDir); err != nil {
				return fmt.Errorf("failed to remove runtime dir %q: %w", instanceWorkDir, err)
			}
			return nil
		})
		s.cleanup.Add(db.StopEmbeddedServer(&s.embeddedDB, s.logger))

		// Admin operations go through the 'postgres' database on the new
		// server.
		s.adminDSN = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			s.cfg.Username, s.cfg.Password, s.cfg.Host, s.cfg.Port, "postgres")
		s.logger.Debug("Dedicated server started",
			zap.String("host", s.cfg.Host),
			zap.Uint32("port", s.cfg.Port),
		)
	}

	s.testDBName, err = db.GenerateUniqueDBName("test_")
	if err != nil {
		return nil, fmt.Errorf("failed to generate unique test database name: %w", err)
	}

	if _, err = db.CreateDatabase(ctx, s.cfg, s.testDBName, s.logger); err != nil {
		return nil, fmt.Errorf("failed to create test database %q on server %s:%d: %w",
			s.testDBName, s.cfg.Host, s.cfg.Port, err)
	}
	s.cleanup.Add(db.DropTestDatabaseFunc(s.adminDSN, s.testDBName, s.cfg.KeepDatabase, s.logger))

	// Registered after the drop so the factory's pools are released before
	// the database goes away.
	s.cleanup.Add(func() error {
		if s.factory == nil {
			return nil
		}
		err := s.factory.Release()
		s.factory = nil
		return err
	})

	if t != nil {
		t.Cleanup(func() {
			if cleanupErr := s.AfterAll(context.Background()); cleanupErr != nil {
				t.Errorf("Error during automatic scope cleanup: %v", cleanupErr)
			}
		})
	} else {
		s.logger.Warn("t *testing.T was nil; caller MUST call AfterAll manually (e.g., using defer)")
	}

	s.logger.Info("Factory scope initialized", zap.String("database", s.testDBName))
	return s, nil
}

// ConnectionString returns the admin DSN of the backing server.
func (s *Scope) ConnectionString() string { return s.adminDSN }

// Registry exposes the session registry, mainly for assertions in tests.
func (s *Scope) Registry() *session.Registry { return s.registry }

// --- Factory production ---

// ProduceFactory builds the factory for the named audit strategy,
// assembling the settings map and unit descriptor consumed by the
// bootstrap. The handle is cached per strategy; requesting a different
// strategy releases the previous factory first. Configuration mismatches
// (e.g. a secondary schema on a shared server) fail here, before any
// schema export.
func (s *Scope) ProduceFactory(ctx context.Context, strategyName string) (*Factory, error) {
	if strategyName == "" {
		strategyName = s.settings.StrategyName()
	}
	strategy, err := audit.StrategyByName(strategyName)
	if err != nil {
		return nil, err
	}

	if s.factory != nil {
		if s.factory.StrategyName() == strategy.Name() {
			return s.factory, nil
		}
		s.logger.Info("Releasing factory before producing a new strategy",
			zap.String("old", s.factory.StrategyName()),
			zap.String("new", strategy.Name()))
		if err := s.factory.Release(); err != nil {
			s.logger.Error("Error releasing previous factory", zap.Error(err))
		}
		s.factory = nil
	}

	// The settings map is immutable once assembled here.
	settingsMap := map[string]any{
		config.KeySchemaExport:     s.settings.ExportMode(),
		config.KeyTransactionType:  s.settings.TransactionType(),
		config.KeySecondarySchema:  s.settings.SecondarySchema(),
		config.KeyEntities:         s.settings.Entities(),
		config.KeyMappings:         s.settings.NormalizedMappings(),
		config.KeyAuditTableSuffix: s.settings.AuditTableSuffix(),
		config.KeyRevisionTable:    s.settings.RevisionTable(),
		config.KeyStrategy:         strategy.Name(),
	}

	entityNames := make([]string, 0, len(s.settings.Entities()))
	for _, e := range s.settings.Entities() {
		entityNames = append(entityNames, e.Name)
	}
	desc := descriptor.New().
		WithTransactionType(string(s.settings.TransactionType())).
		WithManagedEntityNames(entityNames...).
		WithMappingFileNames(s.settings.NormalizedMappings()...)

	factory, err := s.buildFactory(ctx, desc, settingsMap)
	if err != nil {
		return nil, err
	}
	s.factory = factory
	return factory, nil
}

// buildFactory is the bootstrap: it consumes the descriptor and settings
// map, connects the pools, exports the schema, and runs the configured
// migrator.
func (s *Scope) buildFactory(ctx context.Context, desc descriptor.Descriptor, settingsMap map[string]any) (_ *Factory, err error) {
	mode := settingsMap[config.KeySchemaExport].(config.ExportMode)
	txType := settingsMap[config.KeyTransactionType].(config.TransactionType)
	secondarySchema := settingsMap[config.KeySecondarySchema].(string)
	entities := settingsMap[config.KeyEntities].([]audit.Entity)
	strategy, err := audit.StrategyByName(settingsMap[config.KeyStrategy].(string))
	if err != nil {
		return nil, err
	}

	service := audit.NewService(
		settingsMap[config.KeyAuditTableSuffix].(string),
		settingsMap[config.KeyRevisionTable].(string),
		strategy,
		entities,
	)
	exporter := schema.NewExporter(mode, service, desc.MappingFileNames(), secondarySchema, s.dedicated)
	if err := exporter.Validate(); err != nil {
		return nil, fmt.Errorf("cannot produce factory %q: %w", desc.Name(), err)
	}

	sqlDB, pool, dsn, err := connection.ConnectPools(ctx, s.cfg, s.testDBName, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect pools: %w", err)
	}
	defer func() {
		if err != nil {
			pool.Close()
			_ = sqlDB.Close()
		}
	}()

	if hook := s.settings.AfterConnectionHook(); hook != nil {
		if err = hook(ctx, sqlDB, pool, s.logger); err != nil {
			return nil, fmt.Errorf("afterConnectionHook failed: %w", err)
		}
	}
	if hook := s.settings.BeforeMigrationHook(); hook != nil {
		if err = hook(ctx, dsn, s.logger); err != nil {
			return nil, fmt.Errorf("beforeMigrationHook failed: %w", err)
		}
	}

	if err = exporter.Apply(ctx, pool, s.logger); err != nil {
		return nil, fmt.Errorf("failed to export schema: %w", err)
	}
	if err = s.migrator().Apply(ctx, pool, s.logger); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if txType == config.TxCoordinated {
		s.coordinator = txmgr.NewManager(pool, s.logger)
	} else {
		s.coordinator = nil
	}
	s.registry.SetCoordinator(s.coordinator)

	factory := &Factory{
		db:      sqlDB,
		pool:    pool,
		dsn:     dsn,
		desc:    desc,
		service: service,
		reader:  audit.NewReader(pool, service),
		logger:  s.logger,
	}
	s.logger.Info("Factory produced",
		zap.String("unit", desc.Name()),
		zap.String("strategy", strategy.Name()),
		zap.Int("entities", len(entities)))
	return factory, nil
}

func (s *Scope) migrator() migration.Migrator {
	return s.settings.Migrator()
}

// --- Sessions and transaction runners ---

// OpenSession opens a session on the factory and tracks it for teardown.
// The default strategy's factory is produced on first use.
func (s *Scope) OpenSession(ctx context.Context) (*session.Session, error) {
	factory, err := s.ProduceFactory(ctx, "")
	if err != nil {
		return nil, err
	}
	sess, err := factory.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	s.registry.Track(sess)
	return sess, nil
}

// executeAction runs an action, converting a panic into an error so the
// surrounding runner can roll back. A test expecting a panic still sees it
// as the returned error.
func executeAction[R any](ctx context.Context, sess *session.Session, fn func(context.Context, *session.Session) (R, error)) (_ R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction action panicked: %v", r)
		}
	}()
	return fn(ctx, sess)
}

// InSession runs the action on a tracked session without a transaction.
func (s *Scope) InSession(ctx context.Context, fn Action) error {
	sess, err := s.OpenSession(ctx)
	if err != nil {
		return err
	}
	_, actionErr := executeAction(ctx, sess, func(ctx context.Context, sess *session.Session) (struct{}, error) {
		return struct{}{}, fn(ctx, sess)
	})
	if closeErr := sess.Close(ctx); closeErr != nil && actionErr == nil {
		return closeErr
	}
	return actionErr
}

// InTransaction runs the action in one transaction: commit on normal
// return, rollback-then-close on any failure path. The action's own error
// (or panic) is surfaced, never the rollback's.
func (s *Scope) InTransaction(ctx context.Context, fn Action) error {
	_, err := InTransactionReturning(ctx, s, func(ctx context.Context, sess *session.Session) (struct{}, error) {
		return struct{}{}, fn(ctx, sess)
	})
	return err
}

// InTransactionReturning is InTransaction for actions that produce a
// result.
func InTransactionReturning[R any](ctx context.Context, s *Scope, fn func(ctx context.Context, sess *session.Session) (R, error)) (R, error) {
	var zero R
	sess, err := s.OpenSession(ctx)
	if err != nil {
		return zero, err
	}
	if err := sess.Begin(ctx, s.cfg.PgxTxOptions); err != nil {
		_ = sess.Close(ctx)
		return zero, err
	}

	out, actionErr := executeAction(ctx, sess, fn)
	if actionErr != nil {
		s.rollbackQuietly(ctx, sess)
		_ = sess.Close(ctx)
		return zero, actionErr
	}
	if err := sess.Commit(ctx); err != nil {
		_ = sess.Close(ctx)
		return zero, err
	}
	return out, sess.Close(ctx)
}

// rollbackQuietly rolls back a session transaction during a failure path.
// ErrTxNotActive means explicit and implicit transaction management raced;
// that is benign and only logged.
func (s *Scope) rollbackQuietly(ctx context.Context, sess *session.Session) {
	if err := sess.Rollback(ctx); err != nil && !errors.Is(err, session.ErrTxNotActive) {
		s.logger.Warn("Failed to rollback transaction after action failure", zap.Error(err))
	}
}

// InTransactions runs each action in its own transaction, stopping at the
// first failure.
func (s *Scope) InTransactions(ctx context.Context, fns ...Action) error {
	for i, fn := range fns {
		if err := s.InTransaction(ctx, fn); err != nil {
			return fmt.Errorf("transaction %d of %d failed: %w", i+1, len(fns), err)
		}
	}
	return nil
}

// InTransactionsWithTimeout runs each action in its own transaction under
// a per-action wall-clock timeout. It returns the elapsed time of every
// completed action; an overrunning action is cancelled, rolled back, and
// aborts the batch without executing the remaining actions.
//
// Cancellation relies on the action honoring its context; pgx aborts an
// in-flight statement promptly. An action that ignores its context is
// waited on for a short grace period, after which its session is left to
// AfterEach, which rolls it back and closes it.
func (s *Scope) InTransactionsWithTimeout(ctx context.Context, timeout time.Duration, fns ...Action) ([]time.Duration, error) {
	timings := make([]time.Duration, 0, len(fns))
	for i, fn := range fns {
		start := time.Now()
		if err := s.inTransactionWithTimeout(ctx, timeout, fn); err != nil {
			return timings, fmt.Errorf("transaction %d of %d: %w", i+1, len(fns), err)
		}
		timings = append(timings, time.Since(start))
	}
	return timings, nil
}

func (s *Scope) inTransactionWithTimeout(ctx context.Context, timeout time.Duration, fn Action) error {
	sess, err := s.OpenSession(ctx)
	if err != nil {
		return err
	}
	if err := sess.Begin(ctx, s.cfg.PgxTxOptions); err != nil {
		_ = sess.Close(ctx)
		return err
	}

	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, actionErr := executeAction(actionCtx, sess, func(ctx context.Context, sess *session.Session) (struct{}, error) {
			return struct{}{}, fn(ctx, sess)
		})
		done <- actionErr
	}()

	select {
	case actionErr := <-done:
		if actionErr != nil {
			s.rollbackQuietly(ctx, sess)
			_ = sess.Close(ctx)
			return actionErr
		}
		if err := sess.Commit(ctx); err != nil {
			_ = sess.Close(ctx)
			return err
		}
		return sess.Close(ctx)
	case <-actionCtx.Done():
		// Cancellation aborts the in-flight statement; roll back on a
		// fresh context since the action's is already dead. The wait for
		// the action goroutine is bounded: an action that ignores its
		// context must not stall the timeout failure, so past the grace
		// period the session is abandoned to the registry, which rolls it
		// back and closes it at teardown.
		rbCtx, rbCancel := context.WithTimeout(context.Background(), abandonTimeout)
		defer rbCancel()
		select {
		case <-done:
			s.rollbackQuietly(rbCtx, sess)
			_ = sess.Close(rbCtx)
		case <-rbCtx.Done():
			s.logger.Warn("Action did not observe cancellation; abandoning session to teardown",
				zap.Duration("grace", abandonTimeout))
		}
		return fmt.Errorf("action exceeded timeout of %s: %w", timeout, actionCtx.Err())
	}
}

// InCoordinatedTransaction runs the action inside the externally
// coordinated transaction: commit on normal return, rollback on failure.
func (s *Scope) InCoordinatedTransaction(ctx context.Context, fn CoordinatedAction) error {
	if _, err := s.ProduceFactory(ctx, ""); err != nil {
		return err
	}
	if s.coordinator == nil {
		return fmt.Errorf("coordinated transactions require WithTransactionType(config.TxCoordinated)")
	}
	if err := s.coordinator.Begin(ctx); err != nil {
		return err
	}
	tx, err := s.coordinator.Tx()
	if err != nil {
		return err
	}

	actionErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("coordinated action panicked: %v", r)
			}
		}()
		return fn(ctx, tx)
	}()
	if actionErr != nil {
		if rbErr := s.coordinator.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, txmgr.ErrTxNotActive) {
			s.logger.Warn("Failed to rollback coordinated transaction", zap.Error(rbErr))
		}
		return actionErr
	}
	return s.coordinator.Commit(ctx)
}

// --- Lifecycle ---

// AfterEach releases every session opened during the current test. It runs
// after every test method regardless of outcome; leftover transactions are
// rolled back before their sessions are closed.
func (s *Scope) AfterEach(ctx context.Context) error {
	rec, err := s.registry.ReleaseAll(ctx)
	if rec.CoordinatorRollback || rec.LocalRollback || rec.ForcedClose {
		s.logger.Warn("Teardown recovered leftover session state",
			zap.Bool("coordinator_rollback", rec.CoordinatorRollback),
			zap.Bool("local_rollback", rec.LocalRollback),
			zap.Bool("forced_close", rec.ForcedClose))
	}
	for _, ignored := range rec.Ignored {
		s.logger.Debug("Ignored recovery failure during teardown", zap.Error(ignored))
	}
	return err
}

// AfterAll releases the factory and all scope-owned resources. It runs
// once per configuration and is idempotent.
func (s *Scope) AfterAll(ctx context.Context) error {
	// Safety net in case the runner skipped the last AfterEach.
	if _, err := s.registry.ReleaseAll(ctx); err != nil {
		s.logger.Error("Error releasing sessions during final teardown", zap.Error(err))
	}
	return s.cleanup.Execute()
}
