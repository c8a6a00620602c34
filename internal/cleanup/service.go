// Package cleanup implements the retention-based row deletion service:
// periodically delete terminal rows older than each store's configured
// retention window. This operates only through a store's public capability
// fields (Identifier, Config, Conn), never private state.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/lease"
	"github.com/relaydb/relaydb/internal/multistore"
	"github.com/relaydb/relaydb/internal/workqueue"
)

// Result reports how many rows were deleted per table for one store pass.
type Result struct {
	Identifier string
	DeletedBy  map[string]int64
}

// Service deletes terminal, retention-expired rows from every store a
// Provider returns, gated by a per-store singleton lease so only one
// cleanup process acts on a given store's tables concurrently.
type Service struct {
	provider multistore.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs a Service whose clock is time.Now().UTC.
func NewService(provider multistore.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{provider: provider, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// RunOnce sweeps every store with EnableAutomaticCleanup set, deleting
// terminal rows older than RetentionPeriod. Stores whose lease is
// unavailable this cycle are skipped, not retried within the same call.
func (s *Service) RunOnce(ctx context.Context) ([]Result, error) {
	stores, err := s.provider.GetAllStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: list stores: %w", err)
	}

	var results []Result

	for _, store := range stores {
		if !store.Config.EnableAutomaticCleanup {
			continue
		}

		res, err := s.sweepStore(ctx, store)
		if err != nil {
			s.logger.Error("cleanup: sweep failed, continuing with other stores",
				slog.String("store", store.Identifier), slog.String("error", err.Error()))

			continue
		}

		if res != nil {
			results = append(results, *res)
		}
	}

	return results, nil
}

func (s *Service) sweepStore(ctx context.Context, store *multistore.Store) (*Result, error) {
	leaseStore := lease.NewStore(store.Conn, store.Config, nil)

	held, err := leaseStore.Acquire(ctx, "cleanup:"+store.Identifier, store.Config.CleanupInterval, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire cleanup lease: %w", err)
	}

	if held == nil {
		return nil, nil
	}

	cutoff := s.clock().Add(-store.Config.RetentionPeriod)

	deleted := make(map[string]int64)

	for _, stmt := range deleteStatements(store.Config, cutoff) {
		n, err := execDelete(ctx, store.Conn, stmt.query, stmt.args...)
		if err != nil {
			return nil, fmt.Errorf("delete from %s: %w", stmt.table, err)
		}

		deleted[stmt.table] = n
	}

	return &Result{Identifier: store.Identifier, DeletedBy: deleted}, nil
}

type deleteStatement struct {
	table string
	query string
	args  []any
}

func deleteStatements(cfg dbkit.StoreConfig, cutoff time.Time) []deleteStatement {
	return []deleteStatement{
		{
			table: "outbox",
			query: fmt.Sprintf(`DELETE FROM %s WHERE status IN ($1, $2) AND created_at < $3`, cfg.TableName("outbox")),
			args:  []any{int(workqueue.StatusDone), int(workqueue.StatusFailed), cutoff},
		},
		{
			table: "inbox",
			query: fmt.Sprintf(`DELETE FROM %s WHERE status IN ('Done', 'Dead') AND last_seen_utc < $1`, cfg.TableName("inbox")),
			args:  []any{cutoff},
		},
		{
			table: "job_runs",
			query: fmt.Sprintf(`DELETE FROM %s WHERE status_code IN ($1, $2) AND created_at < $3`, cfg.TableName("job_runs")),
			args:  []any{int(workqueue.StatusDone), int(workqueue.StatusFailed), cutoff},
		},
		{
			table: "timers",
			query: fmt.Sprintf(`DELETE FROM %s WHERE status_code IN ($1, $2) AND created_at < $3`, cfg.TableName("timers")),
			args:  []any{int(workqueue.StatusDone), int(workqueue.StatusFailed), cutoff},
		},
		{
			table: "outbox_join",
			query: fmt.Sprintf(`DELETE FROM %s WHERE status != 0 AND last_updated_utc < $1`, cfg.TableName("outbox_join")),
			args:  []any{cutoff},
		},
	}
}

func execDelete(ctx context.Context, conn *dbkit.Connection, query string, args ...any) (int64, error) {
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
