package config

import (
	"context"
	"database/sql"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/auditkit/audit"
	"github.com/veiloq/auditkit/migration"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMappingBase is the base path prepended to mapping resource paths
// that are not already anchored there.
const DefaultMappingBase = "testdata/mappings"

// Settings holds configuration applied via functional options.
type Settings struct {
	atlasHCLPath        string             // Path to the atlas.hcl file
	migrator            migration.Migrator // Migrator instance (defaults to NoOpMigrator)
	keepDatabase        bool               // Explicitly keep the database via option
	pgxTxOptions        pgx.TxOptions      // Custom transaction options for session transactions
	dsnParams           map[string]string  // Additional DSN parameters
	startupParams       map[string]string  // Additional server startup parameters (ignored if using shared server)
	zapOptions          []zap.Option       // Options for zap logger creation (e.g., zap.AddCaller(false))
	zapTestLevel        *zap.AtomicLevel   // Specific level for zaptest logger
	beforeMigrationHook func(ctx context.Context, dsn string, logger *zap.Logger) error
	afterConnectionHook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error

	// Audit unit settings consumed at factory production.
	entities        []audit.Entity
	mappings        []string
	mappingBase     string
	exportMode      ExportMode
	txType          TransactionType
	secondarySchema string
	auditSuffix     string
	revisionTable   string
	strategyName    string

	// Shared server options. When useSharedServer is set the scope joins a
	// pre-existing PostgreSQL server instead of starting its own. The
	// scope still creates a uniquely named database there, but it does not
	// own the engine, so engine-level operations such as secondary-schema
	// creation are refused.
	useSharedServer bool
	dsn             string // DSN for the shared server's admin connection (e.g., to 'postgres' db)
	sharedConfig    Config // Config used by the shared server (primarily for Host, Port, User, Pass)
}

// --- Getters ---

func (sts *Settings) AtlasHCLPath() string {
	return sts.atlasHCLPath
}

func (sts *Settings) Migrator() migration.Migrator {
	return sts.migrator
}

func (sts *Settings) BeforeMigrationHook() func(ctx context.Context, dsn string, logger *zap.Logger) error {
	return sts.beforeMigrationHook
}

func (sts *Settings) AfterConnectionHook() func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error {
	return sts.afterConnectionHook
}

func (sts *Settings) ZapTestLevel() *zap.AtomicLevel {
	return sts.zapTestLevel
}

func (sts *Settings) ZapOptions() []zap.Option {
	return sts.zapOptions
}

func (sts *Settings) UseSharedServer() bool {
	return sts.useSharedServer
}

func (sts *Settings) DSN() string {
	return sts.dsn
}

func (sts *Settings) SharedConfig() Config {
	return sts.sharedConfig
}

func (sts *Settings) Entities() []audit.Entity {
	return sts.entities
}

func (sts *Settings) ExportMode() ExportMode {
	return sts.exportMode
}

func (sts *Settings) TransactionType() TransactionType {
	return sts.txType
}

func (sts *Settings) SecondarySchema() string {
	return sts.secondarySchema
}

func (sts *Settings) AuditTableSuffix() string {
	return sts.auditSuffix
}

func (sts *Settings) RevisionTable() string {
	return sts.revisionTable
}

func (sts *Settings) StrategyName() string {
	return sts.strategyName
}

// NormalizedMappings returns the mapping resource paths with the mapping
// base path prepended to every path not already anchored there.
func (sts *Settings) NormalizedMappings() []string {
	base := sts.mappingBase
	if base == "" {
		base = DefaultMappingBase
	}
	out := make([]string, len(sts.mappings))
	for i, m := range sts.mappings {
		if strings.HasPrefix(m, base) {
			out[i] = m
		} else {
			out[i] = path.Join(base, m)
		}
	}
	return out
}

// --- Setters ---

func (sts *Settings) SetMigrator(m migration.Migrator) {
	sts.migrator = m
}

// Option defines a function type for configuring the factory scope.
type Option func(*Settings)

// WithAtlasHCLPath specifies the path to the atlas.hcl configuration file.
func WithAtlasHCLPath(path string) Option {
	return func(sts *Settings) { sts.atlasHCLPath = path }
}

// WithKeepDatabase prevents the test database from being dropped during cleanup.
func WithKeepDatabase() Option {
	return func(sts *Settings) { sts.keepDatabase = true }
}

// WithPgxTxOptions provides custom transaction options for session transactions.
func WithPgxTxOptions(txsts pgx.TxOptions) Option {
	return func(sts *Settings) { sts.pgxTxOptions = txsts }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapsts ...zap.Option) Option {
	return func(sts *Settings) { sts.zapOptions = append(sts.zapOptions, zapsts...) }
}

// WithZapTestLevel sets the minimum log level specifically for the zaptest logger.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(sts *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		sts.zapTestLevel = &atomicLevel
	}
}

// WithDSNParams provides additional parameters to be appended to the DSN.
func WithDSNParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.dsnParams == nil {
			sts.dsnParams = make(map[string]string)
		}
		for k, v := range params {
			sts.dsnParams[k] = v
		}
	}
}

// WithStartupParams provides additional parameters for the PostgreSQL server startup.
func WithStartupParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.startupParams == nil {
			sts.startupParams = make(map[string]string)
		}
		for k, v := range params {
			sts.startupParams[k] = v
		}
	}
}

// WithBeforeMigrationHook registers a function to run before migrations are applied.
func WithBeforeMigrationHook(hook func(ctx context.Context, dsn string, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.beforeMigrationHook = hook }
}

// WithAfterConnectionHook registers a function to run after database connections (sql.DB, pgxpool.Pool) are established.
func WithAfterConnectionHook(hook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.afterConnectionHook = hook }
}

// WithEntities registers the audited entities for the factory. Schema
// export creates one table per entity plus its audit table.
func WithEntities(entities ...audit.Entity) Option {
	return func(sts *Settings) { sts.entities = append(sts.entities, entities...) }
}

// WithMappings registers mapping resource paths (SQL files) applied during
// schema export. Paths are normalized to the mapping base path.
func WithMappings(paths ...string) Option {
	return func(sts *Settings) { sts.mappings = append(sts.mappings, paths...) }
}

// WithMappingBase overrides the base path for mapping resources.
func WithMappingBase(base string) Option {
	return func(sts *Settings) { sts.mappingBase = base }
}

// WithSchemaExport sets the schema export mode. Default is ExportCreateDrop.
func WithSchemaExport(mode ExportMode) Option {
	return func(sts *Settings) { sts.exportMode = mode }
}

// WithTransactionType selects local or coordinated transaction management.
func WithTransactionType(t TransactionType) Option {
	return func(sts *Settings) { sts.txType = t }
}

// WithSecondarySchema requests creation of a named secondary schema during
// schema export. Only supported when the scope owns a dedicated embedded
// server.
func WithSecondarySchema(name string) Option {
	return func(sts *Settings) { sts.secondarySchema = name }
}

// WithAuditTableSuffix overrides the audit table suffix. Default "_aud".
func WithAuditTableSuffix(suffix string) Option {
	return func(sts *Settings) { sts.auditSuffix = suffix }
}

// WithRevisionTable overrides the revision table name. Default "revinfo".
func WithRevisionTable(name string) Option {
	return func(sts *Settings) { sts.revisionTable = name }
}

// WithAuditStrategy selects the audit strategy produced by default, e.g.
// audit.StrategyValidity. ProduceFactory's strategy argument overrides it.
func WithAuditStrategy(name string) Option {
	return func(sts *Settings) { sts.strategyName = name }
}

// WithSharedServer configures the scope to use a pre-existing shared server instance.
// It provides the necessary admin DSN and the configuration that was used to start the shared server.
// When this option is used, NewScope will skip starting/stopping its own server instance.
func WithSharedServer(dsn string, cfg Config) Option {
	return func(sts *Settings) {
		sts.useSharedServer = true
		sts.dsn = dsn
		sts.sharedConfig = cfg // Store the config of the shared server
	}
}

// ApplyOptions processes functional options and merges them into an initial Config.
// It returns the processed Settings struct and the final merged Config.
func ApplyOptions(initialConfig *Config, options ...Option) (*Settings, Config) {
	// Initialize with defaults, including the NoOpMigrator
	settings := &Settings{
		atlasHCLPath:  "atlas.hcl",               // Default HCL path
		migrator:      &migration.NoOpMigrator{}, // Default to no-op migrations
		dsnParams:     make(map[string]string),
		startupParams: make(map[string]string),
		zapOptions:    make([]zap.Option, 0),
		exportMode:    ExportCreateDrop,
		txType:        TxLocal,
	}
	for _, opt := range options {
		opt(settings)
	}

	// Start with a copy of the initial config
	finalConfig := *initialConfig

	// Merge DSN Params (options override config)
	mergedDSNParams := make(map[string]string)
	for k, v := range finalConfig.DSNParams {
		mergedDSNParams[k] = v
	}
	for k, v := range settings.dsnParams {
		mergedDSNParams[k] = v // Option overrides
	}
	finalConfig.DSNParams = mergedDSNParams

	// Merge Startup Params (options override config)
	mergedStartupParams := make(map[string]string)
	for k, v := range finalConfig.StartupParams {
		mergedStartupParams[k] = v
	}
	for k, v := range settings.startupParams {
		mergedStartupParams[k] = v // Option overrides
	}
	finalConfig.StartupParams = mergedStartupParams

	// Determine final KeepDatabase setting (config OR option enables it)
	finalConfig.KeepDatabase = finalConfig.KeepDatabase || settings.keepDatabase

	// Copy transaction options from functional options to config
	if settings.pgxTxOptions != (pgx.TxOptions{}) {
		finalConfig.PgxTxOptions = settings.pgxTxOptions
	}

	return settings, finalConfig
}
