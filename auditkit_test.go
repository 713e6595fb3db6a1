package auditkit_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/veiloq/auditkit"
	"github.com/veiloq/auditkit/audit"
	"github.com/veiloq/auditkit/config"
	"github.com/veiloq/auditkit/db"
	"github.com/veiloq/auditkit/internal/logger"
	"github.com/veiloq/auditkit/schema"
	"github.com/veiloq/auditkit/session"
)

// --- Shared Server Setup ---

var (
	sharedServer          *embeddedpostgres.EmbeddedPostgres
	sharedAdminDSN        string
	sharedConfig          config.Config
	sharedServerErr       error
	startServerOnce       sync.Once
	sharedServerLock      sync.Mutex
	sharedLogger          *zap.Logger
	sharedInstanceWorkDir string
)

const sharedRuntimeBasePath = ".auditkit"

// startSharedServer initializes and starts the single shared PostgreSQL
// server instance used by the whole package. Called via startServerOnce.
func startSharedServer() {
	var err error
	sharedLogger, _, err = logger.InitLogger(nil, nil)
	if err != nil {
		sharedServerErr = fmt.Errorf("failed to initialize logger for shared server setup: %w", err)
		return
	}

	sharedLogger.Info("Initializing shared PostgreSQL server for test suite...")

	cfg := config.DefaultConfig()
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	sharedConfig = cfg

	if err := db.AssignRandomPort(&sharedConfig, sharedLogger); err != nil {
		sharedServerErr = fmt.Errorf("failed to assign random port for shared server: %w", err)
		return
	}

	instanceWorkDir := filepath.Join(sharedRuntimeBasePath, "sharedserver")
	if err := os.MkdirAll(instanceWorkDir, 0750); err != nil {
		sharedServerErr = fmt.Errorf("failed to create shared server runtime directory %q: %w", instanceWorkDir, err)
		return
	}
	sharedInstanceWorkDir = instanceWorkDir

	ctx, cancel := context.WithTimeout(context.Background(), sharedConfig.StartTimeout)
	defer cancel()
	server, err := db.StartServer(ctx, sharedConfig, instanceWorkDir, sharedLogger)
	if err != nil {
		sharedServerErr = fmt.Errorf("failed to start shared embedded server: %w", err)
		_ = os.RemoveAll(instanceWorkDir)
		return
	}
	sharedServer = server

	// Admin operations go through the 'postgres' database.
	sharedAdminDSN = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		sharedConfig.Username, sharedConfig.Password, sharedConfig.Host, sharedConfig.Port, "postgres")

	sharedLogger.Info("Shared PostgreSQL server started successfully",
		zap.Uint32("port", sharedConfig.Port),
		zap.String("adminDSN", strings.Replace(sharedAdminDSN, sharedConfig.Password, "****", 1)),
		zap.String("runtimePath", instanceWorkDir),
	)
}

// stopSharedServer stops the shared server and removes its runtime
// directory.
func stopSharedServer() {
	sharedServerLock.Lock()
	defer sharedServerLock.Unlock()

	if sharedServer == nil {
		if sharedLogger != nil {
			sharedLogger.Debug("Shared server already stopped or never started.")
		}
		return
	}
	if sharedLogger == nil {
		sharedLogger, _ = zap.NewDevelopment()
	}

	sharedLogger.Info("Stopping shared PostgreSQL server...")
	if err := db.StopEmbeddedServer(&sharedServer, sharedLogger)(); err != nil {
		sharedLogger.Error("Error stopping shared server", zap.Error(err))
	}

	if sharedInstanceWorkDir != "" {
		if err := os.RemoveAll(sharedInstanceWorkDir); err != nil {
			sharedLogger.Error("Error removing shared server instance directory",
				zap.String("path", sharedInstanceWorkDir), zap.Error(err))
		}
	}
}

// TestMain manages the lifecycle of the shared PostgreSQL server.
func TestMain(m *testing.M) {
	startServerOnce.Do(startSharedServer)

	if sharedServerErr != nil {
		fmt.Printf("CRITICAL: Failed to initialize shared PostgreSQL server, aborting tests. Error: %v\n", sharedServerErr)
		os.Exit(1)
	}

	defer stopSharedServer()

	exitCode := m.Run()
	os.Exit(exitCode)
}

// --- Test Helpers ---

func customerEntity() audit.Entity {
	return audit.Entity{
		Name: "Customer",
		Columns: []audit.Column{
			{Name: "name", Type: "text"},
			{Name: "email", Type: "text"},
		},
	}
}

// newSharedScope builds a scope joined to the shared server.
func newSharedScope(t *testing.T, opts ...config.Option) *auditkit.Scope {
	t.Helper()
	ctx := context.Background()
	allOpts := append([]config.Option{
		config.WithSharedServer(sharedAdminDSN, sharedConfig),
	}, opts...)

	scope, err := auditkit.NewScope(ctx, t, config.DefaultConfig(), allOpts...)
	require.NoError(t, err, "NewScope on shared server failed")
	require.NotNil(t, scope)
	return scope
}

// insertCustomer writes a customer row plus its audit row and returns the
// new id and the revision it was recorded under.
func insertCustomer(ctx context.Context, t *testing.T, sess *session.Session, service *audit.Service, name, email string) (int64, int64) {
	t.Helper()
	var id int64
	err := sess.QueryRow(ctx,
		"INSERT INTO customer (name, email) VALUES ($1, $2) RETURNING id", name, email,
	).Scan(&id)
	require.NoError(t, err)

	rev, err := service.Record(ctx, sess, "Customer", id,
		map[string]any{"name": name, "email": email}, audit.RevTypeInsert)
	require.NoError(t, err)
	return id, rev
}

// updateCustomer updates the entity row and records the change.
func updateCustomer(ctx context.Context, t *testing.T, sess *session.Session, service *audit.Service, id int64, name, email string) int64 {
	t.Helper()
	_, err := sess.Exec(ctx, "UPDATE customer SET name = $1, email = $2 WHERE id = $3", name, email, id)
	require.NoError(t, err)

	rev, err := service.Record(ctx, sess, "Customer", id,
		map[string]any{"name": name, "email": email}, audit.RevTypeUpdate)
	require.NoError(t, err)
	return rev
}

func countCustomers(ctx context.Context, t *testing.T, scope *auditkit.Scope) int64 {
	t.Helper()
	var count int64
	err := scope.InSession(ctx, func(ctx context.Context, sess *session.Session) error {
		return sess.QueryRow(ctx, "SELECT count(*) FROM customer").Scan(&count)
	})
	require.NoError(t, err)
	return count
}

// --- Tests ---

func TestNewScope_Defaults(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t)

	factory, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err, "ProduceFactory with defaults failed")
	require.NotNil(t, factory)

	require.NotNil(t, factory.Pool())
	require.NotNil(t, factory.DB())
	require.NotEmpty(t, factory.ConnectionString())
	require.NoError(t, factory.Pool().Ping(ctx))

	assert.Equal(t, audit.StrategyDefault, factory.StrategyName())
	assert.NotEmpty(t, factory.Descriptor().Name())

	// Schema export creates the revision table even without entities.
	var exists bool
	err = factory.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'revinfo')`,
	).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "revinfo should exist after schema export")
}

func TestProduceFactory_UnknownStrategy(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t)

	_, err := scope.ProduceFactory(ctx, "bitemporal")
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrUnknownStrategy)
}

func TestProduceFactory_SwitchingStrategyReleasesPrevious(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	first, err := scope.ProduceFactory(ctx, audit.StrategyDefault)
	require.NoError(t, err)

	// Same strategy returns the cached factory.
	again, err := scope.ProduceFactory(ctx, audit.StrategyDefault)
	require.NoError(t, err)
	assert.Same(t, first, again)

	second, err := scope.ProduceFactory(ctx, audit.StrategyValidity)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, audit.StrategyValidity, second.StrategyName())

	_, err = first.OpenSession(ctx)
	assert.ErrorIs(t, err, auditkit.ErrFactoryReleased, "previous factory must be released")
}

func TestFactory_ReleaseClosesPoolsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	factory, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, factory.Pool())
	require.NotNil(t, factory.DB())

	require.NoError(t, factory.Release())
	assert.Nil(t, factory.Pool(), "release must nil the pgx pool")
	assert.Nil(t, factory.DB(), "release must nil the sql.DB pool")

	require.NoError(t, factory.Release(), "a second release is a no-op")

	_, err = factory.OpenSession(ctx)
	assert.ErrorIs(t, err, auditkit.ErrFactoryReleased)
}

func TestSecondarySchema_RequiresDedicatedServer(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t,
		config.WithEntities(customerEntity()),
		config.WithSecondarySchema("auxiliary"),
	)

	_, err := scope.ProduceFactory(ctx, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrSecondarySchemaUnsupported,
		"a shared server must refuse secondary-schema creation")
}

func TestAuditRoundTrip_DefaultStrategy(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	factory, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)
	service := factory.AuditService()

	var id, rev1, rev2 int64
	err = scope.InTransaction(ctx, func(ctx context.Context, sess *session.Session) error {
		id, rev1 = insertCustomer(ctx, t, sess, service, "Ada", "ada@example.com")
		rev2 = updateCustomer(ctx, t, sess, service, id, "Ada Lovelace", "ada@example.com")
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, rev2, rev1)

	reader := factory.AuditReader()

	revs, err := reader.Revisions(ctx, "Customer", id)
	require.NoError(t, err)
	assert.Equal(t, []int64{rev1, rev2}, revs, "revisions are returned in ascending order")

	state, err := reader.Find(ctx, "Customer", id, rev1)
	require.NoError(t, err)
	assert.Equal(t, "Ada", state["name"])

	state, err = reader.Find(ctx, "Customer", id, rev2)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", state["name"])

	ts, err := reader.RevisionTimestamp(ctx, rev1)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestAuditRoundTrip_ValidityStrategy(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t,
		config.WithEntities(customerEntity()),
		config.WithAuditStrategy(audit.StrategyValidity),
	)

	factory, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)
	service := factory.AuditService()

	var id, rev1, rev2, rev3 int64
	err = scope.InTransaction(ctx, func(ctx context.Context, sess *session.Session) error {
		id, rev1 = insertCustomer(ctx, t, sess, service, "Grace", "grace@example.com")
		rev2 = updateCustomer(ctx, t, sess, service, id, "Grace Hopper", "grace@example.com")

		_, err := sess.Exec(ctx, "DELETE FROM customer WHERE id = $1", id)
		if err != nil {
			return err
		}
		rev3, err = service.Record(ctx, sess, "Customer", id, nil, audit.RevTypeDelete)
		return err
	})
	require.NoError(t, err)

	// The first audit row's validity interval was closed at rev2.
	var revend int64
	err = factory.Pool().QueryRow(ctx,
		"SELECT revend FROM customer_aud WHERE id = $1 AND rev = $2", id, rev1,
	).Scan(&revend)
	require.NoError(t, err)
	assert.Equal(t, rev2, revend)

	reader := factory.AuditReader()

	state, err := reader.Find(ctx, "Customer", id, rev1)
	require.NoError(t, err)
	assert.Equal(t, "Grace", state["name"])

	state, err = reader.Find(ctx, "Customer", id, rev2)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", state["name"])

	// After the delete no snapshot is valid.
	_, err = reader.Find(ctx, "Customer", id, rev3)
	require.Error(t, err)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestInTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	factory, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)
	service := factory.AuditService()

	sentinel := errors.New("business rule violated")
	err = scope.InTransaction(ctx, func(ctx context.Context, sess *session.Session) error {
		insertCustomer(ctx, t, sess, service, "Ghost", "ghost@example.com")
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel, "the action's error is surfaced, not the rollback's")

	assert.EqualValues(t, 0, countCustomers(ctx, t, scope), "failed transaction must leave no rows")
}

func TestInTransaction_RecoversPanic(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	_, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)

	err = scope.InTransaction(ctx, func(ctx context.Context, sess *session.Session) error {
		if _, err := sess.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('Boom', 'boom@example.com')"); err != nil {
			return err
		}
		panic("unexpected state")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	assert.EqualValues(t, 0, countCustomers(ctx, t, scope), "a panicking action must be rolled back")
}

func TestInTransactions_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	_, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)

	sentinel := errors.New("second action fails")
	thirdRan := false

	err = scope.InTransactions(ctx,
		func(ctx context.Context, sess *session.Session) error {
			_, err := sess.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('First', 'first@example.com')")
			return err
		},
		func(ctx context.Context, sess *session.Session) error {
			return sentinel
		},
		func(ctx context.Context, sess *session.Session) error {
			thirdRan = true
			return nil
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "transaction 2 of 3")
	assert.False(t, thirdRan, "actions after the failing one must not run")

	assert.EqualValues(t, 1, countCustomers(ctx, t, scope),
		"each action runs in its own transaction; the first one committed")
}

func TestInTransactionsWithTimeout(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	_, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)

	thirdRan := false
	timings, err := scope.InTransactionsWithTimeout(ctx, 200*time.Millisecond,
		func(ctx context.Context, sess *session.Session) error {
			_, err := sess.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('Quick', 'quick@example.com')")
			return err
		},
		func(ctx context.Context, sess *session.Session) error {
			// Deliberately ignores ctx so the runner's timeout must fire.
			time.Sleep(time.Second)
			_, err := sess.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('Slow', 'slow@example.com')")
			return err
		},
		func(ctx context.Context, sess *session.Session) error {
			thirdRan = true
			return nil
		},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction 2 of 3")
	assert.Contains(t, err.Error(), "exceeded timeout")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, thirdRan, "an overrunning action aborts the batch")

	require.Len(t, timings, 1, "only completed actions report a timing")
	assert.Less(t, timings[0], 200*time.Millisecond)

	assert.EqualValues(t, 1, countCustomers(ctx, t, scope),
		"the timed-out action is rolled back; the quick one committed")
}

func TestInTransactionsWithTimeout_AbandonsUnresponsiveAction(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	_, err := scope.ProduceFactory(ctx, "")
	require.NoError(t, err)

	// Sleeps past the runner's grace period without ever checking ctx.
	const actionSleep = 7 * time.Second
	start := time.Now()
	_, err = scope.InTransactionsWithTimeout(ctx, 100*time.Millisecond,
		func(ctx context.Context, sess *session.Session) error {
			time.Sleep(actionSleep)
			return nil
		},
	)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded timeout")
	assert.Less(t, elapsed, actionSleep,
		"the timeout failure must surface before an unresponsive action returns")

	// The abandoned session stays tracked until teardown recovers it.
	assert.Equal(t, 1, scope.Registry().Len())
	require.NoError(t, scope.AfterEach(ctx))
	assert.Equal(t, 0, scope.Registry().Len())
}

func TestInCoordinatedTransaction(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t,
		config.WithEntities(customerEntity()),
		config.WithTransactionType(config.TxCoordinated),
	)

	err := scope.InCoordinatedTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('Coord', 'coord@example.com')")
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, countCustomers(ctx, t, scope))

	sentinel := errors.New("coordinated failure")
	err = scope.InCoordinatedTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('Lost', 'lost@example.com')"); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.EqualValues(t, 1, countCustomers(ctx, t, scope), "a failing coordinated action is rolled back")
}

func TestInCoordinatedTransaction_RequiresConfiguration(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	err := scope.InCoordinatedTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithTransactionType")
}

func TestAfterEach_ReleasesLeftoverSessions(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	sess, err := scope.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Begin(ctx, pgx.TxOptions{}))
	_, err = sess.Exec(ctx, "INSERT INTO customer (name, email) VALUES ('Leftover', 'leftover@example.com')")
	require.NoError(t, err)

	// Simulate a test that forgot to commit and close.
	require.NoError(t, scope.AfterEach(ctx))
	assert.False(t, sess.IsOpen(), "teardown must close leftover sessions")
	assert.Equal(t, 0, scope.Registry().Len())

	assert.EqualValues(t, 0, countCustomers(ctx, t, scope),
		"teardown must roll back leftover transactions before closing")
}

func TestAfterEach_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	_, err := scope.OpenSession(ctx)
	require.NoError(t, err)

	require.NoError(t, scope.AfterEach(ctx))
	require.NoError(t, scope.AfterEach(ctx), "a second AfterEach has nothing left to release")
}

func TestInSession_ClosesSession(t *testing.T) {
	ctx := context.Background()
	scope := newSharedScope(t, config.WithEntities(customerEntity()))

	var captured *session.Session
	err := scope.InSession(ctx, func(ctx context.Context, sess *session.Session) error {
		captured = sess
		var one int
		return sess.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.False(t, captured.IsOpen(), "InSession closes its session on return")
}
