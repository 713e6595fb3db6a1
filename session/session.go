// Package session provides the short-lived session handle bound to one
// unit of work, and the registry that guarantees every handle opened
// during a test is closed exactly once at teardown.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session is closed")
	// ErrTxActive is returned by Begin when a transaction is already open.
	ErrTxActive = errors.New("session already has an active transaction")
	// ErrTxNotActive is returned by Commit/Rollback without a transaction.
	ErrTxNotActive = errors.New("session has no active transaction")
)

// Session is a short-lived handle over one pooled connection, optionally
// carrying a local transaction. Sessions are bound to a single test and
// must not be shared across goroutines.
type Session struct {
	conn   *pgxpool.Conn
	tx     pgx.Tx
	open   bool
	logger *zap.Logger
}

// Open acquires a connection from the pool and wraps it in a session.
func Open(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Session, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for session: %w", err)
	}
	logger.Debug("Opened session")
	return &Session{conn: conn, open: true, logger: logger}, nil
}

// IsOpen reports whether the session still owns its connection.
func (s *Session) IsOpen() bool { return s.open }

// TxActive reports whether a local transaction is open on the session.
func (s *Session) TxActive() bool { return s.tx != nil }

// Begin starts a local transaction with the given options.
func (s *Session) Begin(ctx context.Context, opts pgx.TxOptions) error {
	if !s.open {
		return ErrSessionClosed
	}
	if s.tx != nil {
		return ErrTxActive
	}
	tx, err := s.conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the active transaction.
func (s *Session) Commit(ctx context.Context) error {
	if !s.open {
		return ErrSessionClosed
	}
	if s.tx == nil {
		return ErrTxNotActive
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the active transaction. Rolling back a transaction
// the engine already resolved returns ErrTxNotActive so callers can treat
// the race between explicit and implicit resolution as benign.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.open {
		return ErrSessionClosed
	}
	if s.tx == nil {
		return ErrTxNotActive
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxNotActive
		}
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Close releases the session's connection back to the pool. Close is
// idempotent; a transaction still open on the connection is rolled back by
// the pool on release.
func (s *Session) Close(ctx context.Context) error {
	if !s.open {
		return nil
	}
	s.open = false
	s.tx = nil
	s.conn.Release()
	s.logger.Debug("Closed session")
	return nil
}

// Exec runs a statement on the active transaction, or directly on the
// session's connection when no transaction is open.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if !s.open {
		return pgconn.CommandTag{}, ErrSessionClosed
	}
	if s.tx != nil {
		return s.tx.Exec(ctx, sql, args...)
	}
	return s.conn.Exec(ctx, sql, args...)
}

// Query runs a query on the active transaction or the connection.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if !s.open {
		return nil, ErrSessionClosed
	}
	if s.tx != nil {
		return s.tx.Query(ctx, sql, args...)
	}
	return s.conn.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query on the active transaction or the
// connection.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if !s.open {
		return errRow{ErrSessionClosed}
	}
	if s.tx != nil {
		return s.tx.QueryRow(ctx, sql, args...)
	}
	return s.conn.QueryRow(ctx, sql, args...)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
