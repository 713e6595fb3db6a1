package config

// Supported PostgreSQL Versions
// Source: https://www.postgresql.org/support/versioning/
// (Add more versions as needed and supported by embedded-postgres)
type PostgresVersion string

const (
	// PostgreSQL 17
	V17 PostgresVersion = "17.4.0"

	// PostgreSQL 16
	V16 PostgresVersion = "16.8.0"

	// PostgreSQL 15
	V15 PostgresVersion = "15.12.0"
)
