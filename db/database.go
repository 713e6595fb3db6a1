// Package db also includes functions related to database management tasks
// like creating, dropping, and generating unique names for test databases.
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/veiloq/auditkit/config"
	"github.com/veiloq/auditkit/internal/cleanup"
	"go.uber.org/zap"
)

// CreateDatabase connects to the administrative database (e.g. "postgres")
// named in the config and creates the uniquely named test database.
// It pings the admin database first and returns the admin DSN used, so the
// caller can register the matching drop function.
func CreateDatabase(ctx context.Context, config config.Config, testDBName string, logger *zap.Logger) (adminDSN string, err error) {
	adminDSN = config.DSN()
	logger.Debug("Connecting to admin database to create test database", zap.String("db", config.Database))

	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return adminDSN, fmt.Errorf("failed to open connection to admin database '%s': %w", config.Database, err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		return adminDSN, fmt.Errorf("failed to ping admin database '%s': %w", config.Database, err)
	}

	quotedTestDBName := pgx.Identifier{testDBName}.Sanitize()
	logger.Debug("Creating test database", zap.String("database", testDBName))
	if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quotedTestDBName)); err != nil {
		return adminDSN, fmt.Errorf("failed to execute create database command for %q: %w", testDBName, err)
	}

	logger.Info("Successfully created test database", zap.String("database", testDBName))
	return adminDSN, nil
}

// DropTestDatabaseFunc returns a cleanup function that terminates active
// connections to the test database and drops it through the admin DSN.
// When keepDatabase is set the drop is skipped with a log line.
func DropTestDatabaseFunc(adminDSN, testDBName string, keepDatabase bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keepDatabase {
			logger.Info("Skipping database drop because KeepDatabase is enabled.", zap.String("database", testDBName))
			return nil
		}

		logger.Debug("Attempting to drop test database", zap.String("database", testDBName))
		dropAdminDB, err := sql.Open("postgres", adminDSN)
		if err != nil {
			logger.Error("Cleanup: error connecting to admin DB to drop test DB", zap.String("database", testDBName), zap.Error(err))
			return fmt.Errorf("cleanup: error connecting to admin DB to drop test DB %q: %w", testDBName, err)
		}
		defer dropAdminDB.Close()

		// Cleanup runs after the test context may be gone; use background
		// contexts with their own deadlines.
		termCtx, termCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer termCancel()
		_, termErr := dropAdminDB.ExecContext(termCtx,
			`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
			testDBName,
		)
		if termErr != nil {
			logger.Warn("Cleanup: failed to terminate connections to test DB before drop, proceeding anyway", zap.String("database", testDBName), zap.Error(termErr))
		}

		dropCtx, dropCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer dropCancel()
		quotedTestDBName := pgx.Identifier{testDBName}.Sanitize()
		if _, dropErr := dropAdminDB.ExecContext(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quotedTestDBName)); dropErr != nil {
			logger.Error("Cleanup: error dropping test database", zap.String("database", testDBName), zap.Error(dropErr))
			return fmt.Errorf("cleanup: error dropping test database %q: %w", testDBName, dropErr)
		}

		logger.Info("Cleanup: successfully dropped test database", zap.String("database", testDBName))
		return nil
	}
}

// GenerateUniqueDBName creates a unique, sanitized database or runtime
// directory name from a prefix plus random hex, lowercased and truncated
// to the 63-character PostgreSQL identifier limit.
func GenerateUniqueDBName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for db name: %w", err)
	}
	name := prefix + hex.EncodeToString(b)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name, nil
}
