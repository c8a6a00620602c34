// Package dbkit holds the shared Postgres connection and per-store
// configuration types used by every work-queue-backed package (outbox,
// inbox, scheduler, lease, fanout, join). One StoreConfig describes one
// tenant database; multi-tenant fleets carry a list of them.
package dbkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaydb/relaydb/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	// DefaultSchemaName is used when a StoreConfig does not set SchemaName.
	DefaultSchemaName = "infra"

	defaultRetentionPeriod  = 7 * 24 * time.Hour
	defaultCleanupInterval  = time.Hour
	defaultLeaseDuration    = 5 * time.Minute
	ctxHealthCheckTimeout   = 5 * time.Second
)

// Static validation errors, checked with errors.Is.
var (
	ErrConnectionStringEmpty = errors.New("dbkit: connection string cannot be empty")
	ErrSchemaNameEmpty       = errors.New("dbkit: schema name cannot be empty")
	ErrTableNameEmpty        = errors.New("dbkit: table name cannot be empty")
	ErrNonPositiveDuration   = errors.New("dbkit: duration must be positive")
)

// StoreConfig describes one per-database work-queue store.
// A StoreConfig is immutable after construction: callers build one with
// LoadStoreConfigFromEnv or by populating the struct directly, then call
// Validate once before handing it to a provider.
type StoreConfig struct {
	// Identifier names this store for logging and store-provider lookups
	// (GetStoreIdentifier / GetStoreByKey). Not persisted.
	Identifier string

	// ConnectionString is the Postgres DSN. Required.
	ConnectionString string

	// SchemaName qualifies every table this store touches. Default "infra".
	SchemaName string

	// TableNames overrides the canonical table name for a given logical
	// table (see schema.CanonicalTables); entries not present fall back to
	// the canonical name. Most deployments leave this empty.
	TableNames map[string]string

	EnableSchemaDeployment bool
	RetentionPeriod        time.Duration
	EnableAutomaticCleanup bool
	CleanupInterval        time.Duration
	LeaseDuration          time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultStoreConfig returns a StoreConfig with every default applied, and
// an empty ConnectionString/Identifier that the caller must fill in.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		SchemaName:             DefaultSchemaName,
		EnableSchemaDeployment: true,
		RetentionPeriod:        defaultRetentionPeriod,
		EnableAutomaticCleanup: true,
		CleanupInterval:        defaultCleanupInterval,
		LeaseDuration:          defaultLeaseDuration,
		MaxOpenConns:           defaultMaxOpenConns,
		MaxIdleConns:           defaultMaxIdleConns,
		ConnMaxLifetime:        defaultConnMaxLifetime,
		ConnMaxIdleTime:        defaultConnMaxIdleTime,
	}
}

// LoadStoreConfigFromEnv loads a single StoreConfig from environment
// variables. Intended for single-tenant deployments / cmd/schedulerd's control-plane
// connection; multi-tenant fleets use the YAML-driven Configured provider
// instead (internal/multistore).
func LoadStoreConfigFromEnv(prefix string) StoreConfig {
	c := DefaultStoreConfig()
	c.Identifier = config.GetEnvStr(prefix+"_IDENTIFIER", "default")
	c.ConnectionString = config.GetEnvStr(prefix+"_DATABASE_URL", "")
	c.SchemaName = config.GetEnvStr(prefix+"_SCHEMA", DefaultSchemaName)
	c.EnableSchemaDeployment = config.GetEnvBool(prefix+"_ENABLE_SCHEMA_DEPLOYMENT", true)
	c.RetentionPeriod = config.GetEnvDuration(prefix+"_RETENTION_PERIOD", defaultRetentionPeriod)
	c.EnableAutomaticCleanup = config.GetEnvBool(prefix+"_ENABLE_AUTOMATIC_CLEANUP", true)
	c.CleanupInterval = config.GetEnvDuration(prefix+"_CLEANUP_INTERVAL", defaultCleanupInterval)
	c.LeaseDuration = config.GetEnvDuration(prefix+"_LEASE_DURATION", defaultLeaseDuration)

	return c
}

// Validate checks required fields: connection string and schema must be
// set; retention, cleanup interval (when enabled), and lease duration must
// be > 0. Table names are not checked: TableName falls back to the
// canonical logical name when no override is configured.
func (c *StoreConfig) Validate() error {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return ErrConnectionStringEmpty
	}

	if strings.TrimSpace(c.SchemaName) == "" {
		return ErrSchemaNameEmpty
	}

	if c.RetentionPeriod <= 0 {
		return fmt.Errorf("%w: retention period", ErrNonPositiveDuration)
	}

	if c.EnableAutomaticCleanup && c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cleanup interval", ErrNonPositiveDuration)
	}

	if c.LeaseDuration <= 0 {
		return fmt.Errorf("%w: lease duration", ErrNonPositiveDuration)
	}

	return nil
}

// TableName resolves the schema-qualified, quoted identifier for a
// canonical logical table name (e.g. "outbox", "inbox", "jobs"),
// honoring any TableNames override.
func (c *StoreConfig) TableName(logical string) string {
	name := logical
	if override, ok := c.TableNames[logical]; ok && override != "" {
		name = override
	}

	return QuoteIdentifier(c.SchemaName) + "." + QuoteIdentifier(name)
}

// MaskConnectionString returns a copy of the connection string with any
// password replaced by "***", safe for logging.
func MaskConnectionString(dsn string) string {
	if dsn == "" {
		return ""
	}

	schemeEnd := strings.Index(dsn, "://")
	if schemeEnd == -1 {
		return dsn
	}

	afterScheme := dsn[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return dsn
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 {
		return dsn
	}

	username := userInfo[:colon]
	password := userInfo[colon+1:]

	if password == "" {
		return dsn
	}

	scheme := dsn[:schemeEnd]
	hostAndRest := afterScheme[lastAt:]

	return scheme + "://" + username + ":***" + hostAndRest
}
