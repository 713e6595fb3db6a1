// Package txmgr manages transactions coordinated outside the session that
// does the work, the analog of an external transaction manager. The
// session registry consults the manager at teardown and force-rolls-back a
// transaction a test left active.
package txmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	// ErrTxActive is returned by Begin while a coordinated transaction is
	// already in progress.
	ErrTxActive = errors.New("a coordinated transaction is already active")
	// ErrTxNotActive is returned by Commit/Rollback without an active
	// coordinated transaction.
	ErrTxNotActive = errors.New("no coordinated transaction is active")
)

// Manager coordinates at most one transaction at a time on a dedicated
// pooled connection. Work enlisted in the coordinated transaction runs
// through Tx() rather than through a session-local transaction.
type Manager struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	conn   *pgxpool.Conn
	tx     pgx.Tx
	logger *zap.Logger
}

// NewManager creates a coordinator over the given pool.
func NewManager(pool *pgxpool.Pool, logger *zap.Logger) *Manager {
	return &Manager{pool: pool, logger: logger}
}

// Active reports whether a coordinated transaction is in progress.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx != nil
}

// Begin acquires a dedicated connection and starts the coordinated
// transaction.
func (m *Manager) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		return ErrTxActive
	}
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire coordinator connection: %w", err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return fmt.Errorf("failed to begin coordinated transaction: %w", err)
	}
	m.conn = conn
	m.tx = tx
	m.logger.Debug("Coordinated transaction started")
	return nil
}

// Tx returns the active coordinated transaction.
func (m *Manager) Tx() (pgx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return nil, ErrTxNotActive
	}
	return m.tx, nil
}

// Commit commits the coordinated transaction and releases its connection.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return ErrTxNotActive
	}
	err := m.tx.Commit(ctx)
	m.release()
	if err != nil {
		return fmt.Errorf("failed to commit coordinated transaction: %w", err)
	}
	m.logger.Debug("Coordinated transaction committed")
	return nil
}

// Rollback rolls back the coordinated transaction and releases its
// connection. Rolling back a transaction the engine already resolved
// returns ErrTxNotActive.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return ErrTxNotActive
	}
	err := m.tx.Rollback(ctx)
	m.release()
	if err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxNotActive
		}
		return fmt.Errorf("failed to rollback coordinated transaction: %w", err)
	}
	m.logger.Debug("Coordinated transaction rolled back")
	return nil
}

// release drops the transaction state; callers hold the mutex.
func (m *Manager) release() {
	m.tx = nil
	if m.conn != nil {
		m.conn.Release()
		m.conn = nil
	}
}
