// Package config holds the embedded-server configuration and the
// functional options that shape a factory scope.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ExportMode controls schema export at factory production time.
type ExportMode string

const (
	// ExportCreateDrop creates the entity, audit, and revision tables when
	// the factory is produced and drops them with the test database.
	ExportCreateDrop ExportMode = "create-drop"
	// ExportNone leaves the schema untouched.
	ExportNone ExportMode = "none"
)

// TransactionType selects how test transactions are managed.
type TransactionType string

const (
	// TxLocal manages transactions on the session performing the work.
	TxLocal TransactionType = "local"
	// TxCoordinated manages transactions through the external coordinator.
	TxCoordinated TransactionType = "coordinated"
)

// Settings-map keys consumed by the factory bootstrap. The map assembled
// from these keys at factory production is immutable once built.
const (
	KeySchemaExport     = "auditkit.schema.export"
	KeyTransactionType  = "auditkit.transaction.type"
	KeySecondarySchema  = "auditkit.schema.secondary"
	KeyEntities         = "auditkit.entities"
	KeyMappings         = "auditkit.mappings"
	KeyAuditTableSuffix = "auditkit.audit.table_suffix"
	KeyRevisionTable    = "auditkit.audit.revision_table"
	KeyStrategy         = "auditkit.audit.strategy"
)

// Config defines the configuration for the embedded PostgreSQL instance.
type Config struct {
	Version      PostgresVersion // e.g. config.V16
	Host         string          // Host for the DB to listen on. Defaults to "localhost".
	Port         uint32          // Port for the DB to listen on. 0 means select a random free port.
	Database     string          // Initial database to create and connect to. Must not be empty.
	Username     string          // Database user. Must not be empty.
	Password     string          // Database password. Must not be empty.
	BinariesPath string          // Optional: Path to existing postgres binaries. If empty, downloads.
	StartTimeout time.Duration   // How long to wait for Postgres to start. Default 15s.
	Logger       *os.File        // Where to log raw Postgres output. Default os.Stderr. Set to nil to discard.

	StartupParams map[string]string // Additional server parameters for postgresql.conf
	DSNParams     map[string]string // Additional parameters to append to the DSN (e.g., "search_path=public").
	KeepDatabase  bool              // If true, do not drop the database on cleanup. Default false.
	PgxTxOptions  pgx.TxOptions     // Transaction options for session transactions. Default empty struct.
}

// Validate checks if the essential configuration fields are set correctly.
func (c *Config) Validate() error {
	var errs []string
	// Port 0 is valid, indicating random port selection.
	if c.Database == "" {
		errs = append(errs, "Database must not be empty")
	}
	if c.Username == "" {
		errs = append(errs, "Username must not be empty")
	}
	if c.Password == "" {
		errs = append(errs, "Password must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}

// DefaultConfig returns a default configuration for the embedded database.
func DefaultConfig() Config {
	return Config{
		Version:       V16,
		Host:          "localhost",
		Port:          0, // random port selection
		Database:      "testdb",
		Username:      "testuser",
		Password:      "testpassword",
		StartTimeout:  15 * time.Second,
		StartupParams: map[string]string{},
		Logger:        os.Stderr,
		DSNParams:     nil,
		KeepDatabase:  false,
		PgxTxOptions:  pgx.TxOptions{},
	}
}

// DSN constructs a DSN string from the Config struct.
// Note: Assumes config.Port has been assigned (either initially or randomly).
func (c *Config) DSN() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	baseDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Username,
		c.Password,
		host,
		c.Port,
		c.Database,
	)

	if len(c.DSNParams) > 0 {
		var params []string
		for k, v := range c.DSNParams {
			params = append(params, fmt.Sprintf("%s=%s", k, v))
		}
		return baseDSN + "&" + strings.Join(params, "&")
	}

	return baseDSN
}
