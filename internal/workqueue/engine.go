package workqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaydb/relaydb/internal/clock"
	"github.com/relaydb/relaydb/internal/dbkit"
)

// TableSpec names the columns of a concrete work-queue table. Every field
// defaults to the canonical outbox column name; callers only need to set
// SchemaName, TableName, and (for tables whose due-time column isn't
// literally "due_time_utc", e.g. JobRuns' ScheduledTime) DueColumn.
type TableSpec struct {
	SchemaName string
	TableName  string

	IDColumn          string
	StatusColumn      string
	LockedUntilColumn string
	OwnerTokenColumn  string
	RetryCountColumn  string
	LastErrorColumn   string
	DueColumn         string
	CreatedAtColumn   string
}

// WithDefaults fills unset column names with the canonical outbox names.
func (t TableSpec) WithDefaults() TableSpec {
	if t.IDColumn == "" {
		t.IDColumn = "id"
	}

	if t.StatusColumn == "" {
		t.StatusColumn = "status"
	}

	if t.LockedUntilColumn == "" {
		t.LockedUntilColumn = "locked_until"
	}

	if t.OwnerTokenColumn == "" {
		t.OwnerTokenColumn = "owner_token"
	}

	if t.RetryCountColumn == "" {
		t.RetryCountColumn = "retry_count"
	}

	if t.LastErrorColumn == "" {
		t.LastErrorColumn = "last_error"
	}

	if t.DueColumn == "" {
		t.DueColumn = "due_time_utc"
	}

	if t.CreatedAtColumn == "" {
		t.CreatedAtColumn = "created_at"
	}

	return t
}

func (t TableSpec) qualifiedTable() string {
	return dbkit.QuoteIdentifier(t.SchemaName) + "." + dbkit.QuoteIdentifier(t.TableName)
}

// ExtraColumn lets a caller fold additional column assignments into the
// same Ack/Abandon/Fail UPDATE statement the Engine builds, so that e.g.
// Outbox's IsProcessed/ProcessedAt/ProcessedBy bookkeeping transitions
// atomically with the generic status change instead of as a second
// statement.
type ExtraColumn struct {
	// Column is the unquoted column name to assign.
	Column string
	// Value is bound as a query parameter.
	Value any
}

// Engine implements the claim/ack/abandon/fail/reap protocol against one
// Postgres table described by a TableSpec.
type Engine struct {
	spec  TableSpec
	clock clock.WallClock
}

// NewEngine constructs an Engine for the given table, defaulting to a
// clock.System if clk is nil.
func NewEngine(spec TableSpec, clk clock.WallClock) *Engine {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}

	return &Engine{spec: spec.WithDefaults(), clock: clk}
}

func (e *Engine) extraSet(extra []ExtraColumn, startArg int) (string, []any) {
	if len(extra) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(extra))
	args := make([]any, 0, len(extra))

	for i, ec := range extra {
		parts = append(parts, fmt.Sprintf("%s = $%d", dbkit.QuoteIdentifier(ec.Column), startArg+i))
		args = append(args, ec.Value)
	}

	return ", " + strings.Join(parts, ", "), args
}

// Claim selects up to batchSize Ready rows that are due now (DueColumn IS
// NULL OR <= now), orders them by CreatedAt (FIFO), and atomically marks
// them InProgress under ownerToken with a lease expiring in leaseSeconds.
// Uses FOR UPDATE SKIP LOCKED so concurrent claimers receive disjoint sets.
func (e *Engine) Claim(
	ctx context.Context,
	exec Execer,
	ownerToken OwnerToken,
	leaseSeconds int,
	batchSize int,
) ([]uuid.UUID, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	now := e.clock.Now()
	lockedUntil := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := fmt.Sprintf(`
		WITH due AS (
			SELECT %[1]s AS id
			FROM %[2]s
			WHERE %[3]s = $1 AND (%[4]s IS NULL OR %[4]s <= $2)
			ORDER BY %[5]s ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE %[2]s t
		SET %[3]s = $4, %[6]s = $5, %[7]s = $6
		FROM due
		WHERE t.%[1]s = due.id
		RETURNING t.%[1]s
	`,
		e.spec.IDColumn, e.qualified(), e.spec.StatusColumn, e.spec.DueColumn, e.spec.CreatedAtColumn,
		e.spec.OwnerTokenColumn, e.spec.LockedUntilColumn,
	)

	rows, err := exec.QueryContext(ctx, query,
		int(StatusReady), now, batchSize,
		int(StatusInProgress), ownerToken, lockedUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("workqueue: claim %s: %w", e.spec.TableName, err)
	}
	defer rows.Close()

	var ids []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workqueue: scan claimed id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workqueue: claim rows: %w", err)
	}

	return ids, nil
}

func (e *Engine) qualified() string { return e.spec.qualifiedTable() }

// Ack transitions InProgress rows owned by ownerToken to Done, clearing
// owner/lock. Rows owned by a different token, already terminal, or
// unknown ids are left untouched (no error).
// Empty id lists are no-ops.
func (e *Engine) Ack(ctx context.Context, exec Execer, ownerToken OwnerToken, ids []uuid.UUID, extra ...ExtraColumn) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	extraSQL, extraArgs := e.extraSet(extra, 5)

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $1, %s = NULL, %s = NULL%s
		WHERE %s = $2 AND %s = $3 AND %s = ANY($4)
	`,
		e.qualified(), e.spec.StatusColumn, e.spec.OwnerTokenColumn, e.spec.LockedUntilColumn, extraSQL,
		e.spec.OwnerTokenColumn, e.spec.StatusColumn, e.spec.IDColumn,
	)

	args := append([]any{int(StatusDone), ownerToken, int(StatusInProgress), pq.Array(ids)}, extraArgs...)

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("workqueue: ack %s: %w", e.spec.TableName, err)
	}

	return res.RowsAffected()
}

// Abandon transitions InProgress rows owned by ownerToken back to Ready,
// incrementing RetryCount and optionally recording LastError and a new
// DueTimeUtc (now + delay). delay < 0 is a programming error.
func (e *Engine) Abandon(
	ctx context.Context,
	exec Execer,
	ownerToken OwnerToken,
	ids []uuid.UUID,
	lastError *string,
	delay *time.Duration,
	extra ...ExtraColumn,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	if delay != nil && *delay < 0 {
		return 0, ErrNegativeDelay
	}

	var due any
	if delay != nil {
		due = e.clock.Now().Add(*delay)
	}

	extraSQL, extraArgs := e.extraSet(extra, 7)

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $1, %s = NULL, %s = NULL, %s = %s + 1, %s = COALESCE($5, %s), %s = COALESCE($6, %s)%s
		WHERE %s = $2 AND %s = $3 AND %s = ANY($4)
	`,
		e.qualified(),
		e.spec.StatusColumn, e.spec.OwnerTokenColumn, e.spec.LockedUntilColumn,
		e.spec.RetryCountColumn, e.spec.RetryCountColumn,
		e.spec.LastErrorColumn, e.spec.LastErrorColumn,
		e.spec.DueColumn, e.spec.DueColumn,
		extraSQL,
		e.spec.OwnerTokenColumn, e.spec.StatusColumn, e.spec.IDColumn,
	)

	args := append([]any{int(StatusReady), ownerToken, int(StatusInProgress), pq.Array(ids), lastError, due}, extraArgs...)

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("workqueue: abandon %s: %w", e.spec.TableName, err)
	}

	return res.RowsAffected()
}

// Fail transitions InProgress rows owned by ownerToken to the terminal
// Failed state, clearing owner/lock and recording lastError.
func (e *Engine) Fail(ctx context.Context, exec Execer, ownerToken OwnerToken, ids []uuid.UUID, lastError string, extra ...ExtraColumn) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	extraSQL, extraArgs := e.extraSet(extra, 6)

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $1, %s = NULL, %s = NULL, %s = $5%s
		WHERE %s = $2 AND %s = $3 AND %s = ANY($4)
	`,
		e.qualified(), e.spec.StatusColumn, e.spec.OwnerTokenColumn, e.spec.LockedUntilColumn, e.spec.LastErrorColumn, extraSQL,
		e.spec.OwnerTokenColumn, e.spec.StatusColumn, e.spec.IDColumn,
	)

	args := append([]any{int(StatusFailed), ownerToken, int(StatusInProgress), pq.Array(ids), lastError}, extraArgs...)

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("workqueue: fail %s: %w", e.spec.TableName, err)
	}

	return res.RowsAffected()
}

// ReapExpired resets every InProgress row whose LockedUntil has passed
// back to Ready, clearing owner/lock, with no ownership check; safe to
// run from any process.
func (e *Engine) ReapExpired(ctx context.Context, exec Execer, extra ...ExtraColumn) (int64, error) {
	now := e.clock.Now()

	extraSQL, extraArgs := e.extraSet(extra, 4)

	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = $1, %s = NULL, %s = NULL%s
		WHERE %s = $2 AND %s < $3
	`,
		e.qualified(), e.spec.StatusColumn, e.spec.OwnerTokenColumn, e.spec.LockedUntilColumn, extraSQL,
		e.spec.StatusColumn, e.spec.LockedUntilColumn,
	)

	args := append([]any{int(StatusReady), int(StatusInProgress), now}, extraArgs...)

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("workqueue: reap %s: %w", e.spec.TableName, err)
	}

	return res.RowsAffected()
}
