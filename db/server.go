// Package db provides functionality for managing the embedded PostgreSQL
// server instance a factory scope owns, including starting, stopping, and
// port assignment.
package db

import (
	"context"
	"fmt"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/veiloq/auditkit/config"
	"github.com/veiloq/auditkit/connection"
	"github.com/veiloq/auditkit/internal/cleanup"
	"go.uber.org/zap"
)

// AssignRandomPort fills in a free TCP port when the config's Port is 0.
// It modifies the provided config pointer directly.
func AssignRandomPort(config *config.Config, logger *zap.Logger) error {
	if config.Port == 0 {
		freePort, err := connection.GetFreePort(config.Host)
		if err != nil {
			return fmt.Errorf("failed to get free port: %w", err)
		}
		config.Port = uint32(freePort)
		logger.Info("Assigned random free port", zap.Uint32("port", config.Port))
	}
	return nil
}

// StartServer initializes and starts an embedded PostgreSQL server using
// the given config, with runtime data under instanceWorkDir.
func StartServer(ctx context.Context, config config.Config, instanceWorkDir string, logger *zap.Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	embeddedConfig := embeddedpostgres.DefaultConfig().
		Version(embeddedpostgres.PostgresVersion(config.Version)).
		Port(config.Port).
		Database(config.Database). // Initial DB (e.g., 'postgres')
		Username(config.Username).
		Password(config.Password).
		RuntimePath(instanceWorkDir).
		BinariesPath(config.BinariesPath).
		StartTimeout(config.StartTimeout)

	if config.Logger != nil {
		embeddedConfig = embeddedConfig.Logger(config.Logger)
	} else {
		embeddedConfig = embeddedConfig.Logger(nil)
	}

	if len(config.StartupParams) > 0 {
		// The embedded-postgres library does not expose arbitrary startup
		// flags; some params only take effect via PGOPTIONS.
		logger.Warn("Applying Config.StartupParams may have limitations",
			zap.Any("params", config.StartupParams))
	}

	embeddedDB := embeddedpostgres.NewDatabase(embeddedConfig)
	logger.Info("Starting embedded postgres server...", zap.Uint32("port", config.Port), zap.String("version", string(config.Version)))

	if err := embeddedDB.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}

	logger.Info("Embedded postgres server started successfully.")
	return embeddedDB, nil
}

// StopEmbeddedServer returns a cleanup function that stops the embedded
// server. It takes a pointer-to-pointer so the original variable is set to
// nil after a successful stop, making a second stop a no-op.
func StopEmbeddedServer(embeddedDBPtr **embeddedpostgres.EmbeddedPostgres, logger *zap.Logger) cleanup.Func {
	return func() error {
		embeddedDB := *embeddedDBPtr
		if embeddedDB == nil {
			logger.Debug("Embedded postgres server already stopped or never started.")
			return nil
		}

		logger.Debug("Stopping embedded postgres server...")
		if err := embeddedDB.Stop(); err != nil {
			// State is uncertain; leave the pointer set.
			logger.Error("Error stopping embedded postgres server", zap.Error(err))
			return fmt.Errorf("error stopping embedded postgres: %w", err)
		}

		logger.Debug("Embedded postgres server stopped successfully.")
		*embeddedDBPtr = nil
		return nil
	}
}
