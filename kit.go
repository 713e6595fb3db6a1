package auditkit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/veiloq/auditkit/session"
)

// Lifecycle is invoked by the test runner around its callback phases.
// AfterEach runs after every test method regardless of outcome; AfterAll
// runs once after all tests in a configuration complete. Both are
// idempotent.
type Lifecycle interface {
	AfterEach(ctx context.Context) error
	AfterAll(ctx context.Context) error
}

// Action is a unit of work executed against a session.
type Action func(ctx context.Context, s *session.Session) error

// CoordinatedAction is a unit of work enlisted in the coordinated
// transaction.
type CoordinatedAction func(ctx context.Context, tx pgx.Tx) error

// Harness is the interface a factory scope presents to tests. It manages
// one long-lived factory per audit-strategy configuration, tracks every
// session opened through it, and provides transactional runners with
// commit-on-success, rollback-on-failure semantics.
type Harness interface {
	Lifecycle

	// ProduceFactory builds (or returns the cached) factory for the named
	// audit strategy. An empty name selects the configured default.
	ProduceFactory(ctx context.Context, strategyName string) (*Factory, error)
	// OpenSession opens a session on the factory and tracks it for
	// teardown.
	OpenSession(ctx context.Context) (*session.Session, error)
	// InSession runs the action on a tracked session without a
	// transaction, closing the session afterwards.
	InSession(ctx context.Context, fn Action) error
	// InTransaction runs the action in one transaction: commit on normal
	// return, rollback-then-close on any failure path.
	InTransaction(ctx context.Context, fn Action) error
	// InTransactions runs each action in its own transaction, stopping at
	// the first failure.
	InTransactions(ctx context.Context, fns ...Action) error
	// InTransactionsWithTimeout runs each action in its own transaction
	// under a per-action wall-clock timeout, returning the elapsed time of
	// every completed action. An overrunning action is cancelled, rolled
	// back, and aborts the batch. Actions are expected to honor their
	// context; one that does not is waited on for a bounded grace period
	// and then left to AfterEach recovery.
	InTransactionsWithTimeout(ctx context.Context, timeout time.Duration, fns ...Action) ([]time.Duration, error)
	// InCoordinatedTransaction runs the action inside the externally
	// coordinated transaction. Requires TxCoordinated configuration.
	InCoordinatedTransaction(ctx context.Context, fn CoordinatedAction) error
}
