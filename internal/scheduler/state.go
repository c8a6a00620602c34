package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaydb/relaydb/internal/clock"
	"github.com/relaydb/relaydb/internal/dbkit"
)

// StateStore manages the singleton SchedulerState row (Id=1).
type StateStore struct {
	conn  *dbkit.Connection
	cfg   dbkit.StoreConfig
	clock clock.WallClock
}

// NewStateStore constructs a StateStore.
func NewStateStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *StateStore {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}

	return &StateStore{conn: conn, cfg: cfg, clock: clk}
}

// RecordRun upserts the singleton row, bumping CurrentFencingToken to the
// fencing token the caller used to acquire its materializer lease and
// stamping LastRunAt.
func (s *StateStore) RecordRun(ctx context.Context, fencingToken int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, current_fencing_token, last_run_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET current_fencing_token = $1, last_run_at = $2
	`, s.cfg.TableName("scheduler_state"))

	_, err := s.conn.ExecContext(ctx, query, fencingToken, s.clock.Now())
	if err != nil {
		return fmt.Errorf("scheduler: record run: %w", err)
	}

	return nil
}

// LastRunAt returns the last recorded materializer run time, if any.
func (s *StateStore) LastRunAt(ctx context.Context) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT last_run_at FROM %s WHERE id = 1`, s.cfg.TableName("scheduler_state"))

	var t *time.Time

	err := s.conn.QueryRowContext(ctx, query).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("scheduler: last run at: %w", err)
	}

	return t, nil
}
