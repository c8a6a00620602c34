// Package join implements fan-in coordination: a Join tracks
// expected/completed/failed step counts across a set of attached outbox
// messages, with idempotent step-reporting transitions.
package join

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaydb/relaydb/internal/clock"
	"github.com/relaydb/relaydb/internal/dbkit"
)

// Status is the Join lifecycle state.
type Status int16

const (
	StatusPending Status = iota
	StatusCompleted
	StatusFailed
)

// ErrJoinNotFound is returned by operations on a missing join id.
var ErrJoinNotFound = errors.New("join: not found")

// Join is the row shape returned by read paths.
type Join struct {
	JoinID         uuid.UUID
	TenantID       string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         Status
	CreatedUtc     time.Time
	LastUpdatedUtc time.Time
	Metadata       *string
}

// Store implements the join table operations against one (connection,
// schema) pair.
type Store struct {
	conn   *dbkit.Connection
	cfg    dbkit.StoreConfig
	clock  clock.WallClock
	logger *slog.Logger
}

// NewStore constructs a join Store.
func NewStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{conn: conn, cfg: cfg, clock: clk, logger: logger}
}

func (s *Store) joinTable() string { return s.cfg.TableName("outbox_join") }
func (s *Store) memberTable() string { return s.cfg.TableName("outbox_join_member") }

// CreateJoin inserts a new Pending join expecting the given number of steps.
func (s *Store) CreateJoin(ctx context.Context, tenantID string, expectedSteps int, metadata any) (*Join, error) {
	var metaJSON []byte

	if metadata != nil {
		var err error

		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("join: marshal metadata: %w", err)
		}
	}

	now := s.clock.Now()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, expected_steps, completed_steps, failed_steps, status, created_utc, last_updated_utc, metadata)
		VALUES ($1, $2, 0, 0, $3, $4, $4, $5)
		RETURNING join_id, tenant_id, expected_steps, completed_steps, failed_steps, status, created_utc, last_updated_utc, metadata
	`, s.joinTable())

	var j Join

	err := s.conn.QueryRowContext(ctx, query, tenantID, expectedSteps, int(StatusPending), now, metaJSON).Scan(
		&j.JoinID, &j.TenantID, &j.ExpectedSteps, &j.CompletedSteps, &j.FailedSteps, &j.Status, &j.CreatedUtc, &j.LastUpdatedUtc, &j.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("join: create: %w", err)
	}

	return &j, nil
}

// AttachMessage idempotently attaches an outbox message id to a join.
func (s *Store) AttachMessage(ctx context.Context, joinID, outboxMessageID uuid.UUID) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (join_id, outbox_message_id)
		VALUES ($1, $2)
		ON CONFLICT (join_id, outbox_message_id) DO NOTHING
	`, s.memberTable())

	_, err := s.conn.ExecContext(ctx, query, joinID, outboxMessageID)
	if err != nil {
		return fmt.Errorf("join: attach message: %w", err)
	}

	return nil
}

// IncrementCompleted reports a member as completed: a single transaction
// requires the member row exists, neither CompletedAt nor FailedAt is set,
// and CompletedSteps+FailedSteps < ExpectedSteps; it then increments
// CompletedSteps and stamps CompletedAt. Replaying an already-reported
// member is a no-op returning the current (unchanged) join state.
func (s *Store) IncrementCompleted(ctx context.Context, joinID, outboxMessageID uuid.UUID) (*Join, error) {
	return s.incrementStep(ctx, joinID, outboxMessageID, "completed_at", "completed_steps")
}

// IncrementFailed mirrors IncrementCompleted for the failed-steps counter.
func (s *Store) IncrementFailed(ctx context.Context, joinID, outboxMessageID uuid.UUID) (*Join, error) {
	return s.incrementStep(ctx, joinID, outboxMessageID, "failed_at", "failed_steps")
}

func (s *Store) incrementStep(ctx context.Context, joinID, outboxMessageID uuid.UUID, stampColumn, counterColumn string) (*Join, error) {
	now := s.clock.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("join: begin increment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the join row first so concurrent step reports for the same join
	// serialize here; otherwise two reports near the expected-count boundary
	// could both pass the precondition and overshoot ExpectedSteps.
	lockQuery := fmt.Sprintf(`
		SELECT expected_steps, completed_steps, failed_steps
		FROM %s WHERE join_id = $1 FOR UPDATE
	`, s.joinTable())

	var expected, completed, failed int

	err = tx.QueryRowContext(ctx, lockQuery, joinID).Scan(&expected, &completed, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJoinNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("join: lock join row: %w", err)
	}

	if completed+failed < expected {
		memberQuery := fmt.Sprintf(`
			UPDATE %s
			SET %s = $1
			WHERE join_id = $2 AND outbox_message_id = $3 AND completed_at IS NULL AND failed_at IS NULL
		`, s.memberTable(), stampColumn)

		res, err := tx.ExecContext(ctx, memberQuery, now, joinID, outboxMessageID)
		if err != nil {
			return nil, fmt.Errorf("join: stamp member: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("join: stamp member rows affected: %w", err)
		}

		if rows == 1 {
			joinQuery := fmt.Sprintf(`
				UPDATE %s SET %s = %s + 1, last_updated_utc = $1 WHERE join_id = $2
			`, s.joinTable(), counterColumn, counterColumn)

			if _, err := tx.ExecContext(ctx, joinQuery, now, joinID); err != nil {
				return nil, fmt.Errorf("join: increment counter: %w", err)
			}
		}
	}

	j, err := s.getTx(ctx, tx, joinID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("join: commit increment: %w", err)
	}

	return j, nil
}

// UpdateStatus sets the join's status. A missing join logs a warning and
// is otherwise a no-op.
func (s *Store) UpdateStatus(ctx context.Context, joinID uuid.UUID, status Status) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, last_updated_utc = $2 WHERE join_id = $3`, s.joinTable())

	res, err := s.conn.ExecContext(ctx, query, int(status), s.clock.Now(), joinID)
	if err != nil {
		return fmt.Errorf("join: update status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("join: update status rows affected: %w", err)
	}

	if n == 0 {
		s.logger.Warn("join: update status on missing join", slog.String("join_id", joinID.String()))
	}

	return nil
}

// GetJoinMessages returns all outbox message ids attached to a join.
func (s *Store) GetJoinMessages(ctx context.Context, joinID uuid.UUID) ([]uuid.UUID, error) {
	query := fmt.Sprintf(`SELECT outbox_message_id FROM %s WHERE join_id = $1`, s.memberTable())

	rows, err := s.conn.QueryContext(ctx, query, joinID)
	if err != nil {
		return nil, fmt.Errorf("join: get messages: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("join: scan message id: %w", err)
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

// Get fetches a join by id.
func (s *Store) Get(ctx context.Context, joinID uuid.UUID) (*Join, error) {
	return s.getTx(ctx, s.conn, joinID)
}

// execer is the subset of *dbkit.Connection and *sql.Tx that Get needs.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getTx(ctx context.Context, ex execer, joinID uuid.UUID) (*Join, error) {
	query := fmt.Sprintf(`
		SELECT join_id, tenant_id, expected_steps, completed_steps, failed_steps, status, created_utc, last_updated_utc, metadata
		FROM %s WHERE join_id = $1
	`, s.joinTable())

	var j Join

	err := ex.QueryRowContext(ctx, query, joinID).Scan(
		&j.JoinID, &j.TenantID, &j.ExpectedSteps, &j.CompletedSteps, &j.FailedSteps, &j.Status, &j.CreatedUtc, &j.LastUpdatedUtc, &j.Metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJoinNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("join: get %s: %w", joinID, err)
	}

	return &j, nil
}
