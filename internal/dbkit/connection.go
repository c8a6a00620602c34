package dbkit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const postgresDriver = "postgres"

// Connection wraps *sql.DB with production connection-pool defaults and
// health-check behavior, configured per store.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled connection for the given StoreConfig,
// performing an immediate health check so misconfiguration fails fast at
// store-construction time rather than on first use.
func NewConnection(ctx context.Context, cfg StoreConfig) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("dbkit: open connection for %q: %w", cfg.Identifier, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, ctxHealthCheckTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("dbkit: health check failed for %q: %w", cfg.Identifier, err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the database. A nil ctx is replaced by one bounded by
// the health-check timeout; a non-nil ctx is used as given.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxHealthCheckTimeout)
		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats exposes pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// QuoteIdentifier quotes a Postgres identifier (schema or table name) using
// lib/pq's quoting rules, so schema/table names supplied via StoreConfig
// can never be misinterpreted as SQL even though they are trusted
// operator-supplied configuration rather than end-user input.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// Placeholders returns "$1, $2, ..., $n" for building IN (...) clauses
// against a batch of ids, starting at the given 1-based offset.
func Placeholders(count, offset int) string {
	if count <= 0 {
		return ""
	}

	b := strings.Builder{}
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "$%d", offset+i)
	}

	return b.String()
}
