// Package atlas provides an Atlas-backed migrator for auditkit. It reads
// the migration directory from an atlas.hcl file and applies the versioned
// migrations to the test database after schema export.
package atlas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ariga.io/atlas/sql/migrate"
	postgres "ariga.io/atlas/sql/postgres"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration
	"github.com/veiloq/auditkit/connection"
	"go.uber.org/zap"
)

// Migrator implements migration.Migrator using the Atlas library.
type Migrator struct {
	hclPath    string
	logger     *zap.Logger
	initOnce   func() error // lazy one-shot initialization
	migrateDir migrate.Dir
	dirPath    string // resolved migration directory path
	dirURL     string // resolved file URL for the migration directory
	initErr    error  // first critical initialization error
}

// NewMigrator creates a Migrator. HCL parsing and directory resolution are
// deferred until the first Apply call.
func NewMigrator(hclPath string, logger *zap.Logger) *Migrator {
	m := &Migrator{
		hclPath: hclPath,
		logger:  logger.With(zap.String("migrator", "atlas")),
	}
	var ran bool
	m.initOnce = func() error {
		if ran {
			return m.initErr
		}
		ran = true
		m.migrateDir, m.dirPath, m.dirURL = m.initialize()

		if m.initErr != nil {
			m.logger.Warn("Atlas migrator initialization failed. Apply will be skipped.", zap.Error(m.initErr))
		} else if m.migrateDir == nil || m.dirURL == "" {
			m.logger.Info("Atlas migrator initialized, but no migration directory was resolved. Apply will be skipped.")
		} else {
			m.logger.Info("Atlas migrator initialized.", zap.String("migration_dir", m.dirPath), zap.String("migration_url", m.dirURL))
		}
		return m.initErr
	}
	return m
}

// Apply applies pending migrations to the database behind the pool.
func (m *Migrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	_ = m.initOnce()

	if m.initErr != nil {
		logger.Warn("Migrations skipped due to Atlas initialization error.", zap.Error(m.initErr))
		return nil
	}
	if m.migrateDir == nil {
		logger.Warn("Migrations skipped: Atlas migration directory is missing or could not be resolved.")
		return nil
	}

	dsn := pool.Config().ConnString()
	dbName := connection.DBNameFromDSN(dsn)

	logger.Info("Applying Atlas migrations...",
		zap.String("database", dbName),
		zap.String("source_dir", m.dirPath),
	)

	applyCtx, applyCancel := context.WithTimeout(ctx, 90*time.Second)
	defer applyCancel()

	drv, cleanup, err := m.openDriver(applyCtx, dsn)
	if err != nil {
		logger.Error("Failed to open Atlas driver", zap.String("database", dbName), zap.Error(err))
		return fmt.Errorf("failed to prepare Atlas driver for %q: %w", dbName, err)
	}
	defer cleanup()

	if err := m.execute(applyCtx, drv, dbName); err != nil {
		return fmt.Errorf("failed to apply Atlas migrations to database %q from %q: %w", dbName, m.dirPath, err)
	}
	return nil
}

// recordInitError stores the first critical initialization error and
// returns the formatted error.
func (m *Migrator) recordInitError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	formattedErr := fmt.Errorf(format, args...)
	m.logger.Error("Atlas initialization error", zap.Error(formattedErr), zap.NamedError("original_error", err))
	if m.initErr == nil {
		m.initErr = formattedErr
	}
	return formattedErr
}

// initialize parses the HCL file, discovers the migration directory, and
// builds the migrate.Dir.
func (m *Migrator) initialize() (migrate.Dir, string, string) {
	absHCLPath, err := filepath.Abs(m.hclPath)
	if err = m.recordInitError(err, "failed to determine absolute path for atlas HCL file %q", m.hclPath); err != nil {
		return nil, "", ""
	}

	if _, statErr := os.Stat(absHCLPath); statErr != nil {
		if os.IsNotExist(statErr) {
			m.logger.Info("Atlas HCL file not found, skipping Atlas migrations.", zap.String("path", absHCLPath))
			return nil, "", ""
		}
		_ = m.recordInitError(statErr, "failed to stat atlas HCL file %q", absHCLPath)
		return nil, "", ""
	}

	var conf hclConfig
	err = hclsimple.DecodeFile(absHCLPath, nil, &conf)
	if err = m.recordInitError(err, "failed to decode atlas HCL file %q", absHCLPath); err != nil {
		return nil, "", ""
	}

	migrationDirRel, found := findMigrationDir(&conf, absHCLPath, m.logger)
	if !found {
		return nil, "", ""
	}

	hclDir := filepath.Dir(absHCLPath)
	relativePath := strings.TrimPrefix(migrationDirRel, "file://")
	absMigrationDir, err := filepath.Abs(filepath.Join(hclDir, relativePath))
	if err = m.recordInitError(err, "failed to resolve absolute path for migration dir %q (relative to %q)", migrationDirRel, hclDir); err != nil {
		return nil, "", ""
	}

	dir, err := migrate.NewLocalDir(absMigrationDir)
	if err = m.recordInitError(err, "failed to create migrate.Dir for %q", absMigrationDir); err != nil {
		return nil, absMigrationDir, ""
	}

	migrationURL := fmt.Sprintf("file://%s", filepath.ToSlash(absMigrationDir))
	return dir, absMigrationDir, migrationURL
}

// findMigrationDir searches the parsed HCL config for the migration
// directory, preferring the 'local' env block.
func findMigrationDir(conf *hclConfig, hclPath string, logger *zap.Logger) (dir string, found bool) {
	for _, env := range conf.Envs {
		if env.Name == "local" && env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	if len(conf.Envs) > 0 && conf.Envs[0].Migration != nil && conf.Envs[0].Migration.Dir != "" {
		envName := conf.Envs[0].Name
		if envName == "" {
			envName = "[unnamed first env]"
		}
		dir = conf.Envs[0].Migration.Dir
		logger.Warn("Atlas 'local' env not found or missing migration dir. Falling back to first env.",
			zap.String("hcl_path", hclPath),
			zap.String("fallback_env", envName),
			zap.String("dir", dir))
		return dir, true
	}

	logger.Warn("Could not find migration directory definition (env.migration.dir) in atlas config", zap.String("hcl_path", hclPath))
	return "", false
}

// openDriver opens the standard DB connection and the Atlas driver over it.
func (m *Migrator) openDriver(ctx context.Context, dsn string) (drv migrate.Driver, cleanup func(), err error) {
	cleanup = func() {}

	stdDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to open standard db connection via pgx: %w", err)
	}
	cleanup = func() {
		if closeErr := stdDB.Close(); closeErr != nil {
			m.logger.Warn("Error closing standard DB connection used for Atlas driver", zap.Error(closeErr))
		}
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err = stdDB.PingContext(pingCtx); err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to ping database via standard connection: %w", err)
	}

	drv, err = postgres.Open(stdDB)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("failed to open atlas postgres driver: %w", err)
	}

	return drv, cleanup, nil
}

// execute creates and runs the Atlas executor over all pending files.
func (m *Migrator) execute(ctx context.Context, drv migrate.Driver, dbName string) error {
	// Schema export runs before migrations, so the database may already
	// contain tables.
	exec, err := migrate.NewExecutor(drv, m.migrateDir, migrate.NopRevisionReadWriter{},
		migrate.WithLogger(&migrateLogger{logger: m.logger}),
		migrate.WithAllowDirty(true),
	)
	if err != nil {
		m.logger.Error("Failed to create atlas executor", zap.String("database", dbName), zap.Error(err))
		return fmt.Errorf("failed to create atlas executor for %q: %w", dbName, err)
	}

	// n=0 means all pending files.
	if err := exec.ExecuteN(ctx, 0); err != nil {
		if errors.Is(err, migrate.ErrNoPendingFiles) {
			m.logger.Info("No pending Atlas migrations to apply.", zap.String("database", dbName))
			return nil
		}
		m.logger.Error("Failed to apply Atlas migrations",
			zap.String("database", dbName),
			zap.String("source_dir", m.dirPath),
			zap.Error(err))
		return err
	}

	m.logger.Info("Successfully applied Atlas migrations", zap.String("database", dbName))
	return nil
}

// --- HCL parsing ---

type hclConfig struct {
	Envs []*hclEnv `hcl:"env,block"`
}

type hclEnv struct {
	Name      string        `hcl:"name,label"`
	Migration *hclMigration `hcl:"migration,block"`
}

type hclMigration struct {
	Dir string `hcl:"dir"`
}

// migrateLogger adapts a *zap.Logger to the migrate.Logger interface.
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Log(entry migrate.LogEntry) {
	switch e := entry.(type) {
	case migrate.LogExecution:
		l.logger.Info("Atlas migration execution starting",
			zap.String("from_version", e.From),
			zap.String("to_version", e.To),
			zap.Int("num_files", len(e.Files)),
		)
	case migrate.LogFile:
		l.logger.Info("Applying migration file",
			zap.String("file", e.File.Name()),
			zap.Int("skip_stmts", e.Skip),
		)
	case migrate.LogStmt:
		l.logger.Debug("Executing statement", zap.String("sql", e.SQL))
	case migrate.LogError:
		l.logger.Error("Atlas migration error",
			zap.Stringp("sql", &e.SQL),
			zap.Error(e.Error),
		)
	case migrate.LogDone:
		l.logger.Info("Atlas migration execution finished")
	default:
		l.logger.Warn("Received unknown Atlas log entry type", zap.Any("entry", entry))
	}
}
