package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableSpec_WithDefaults(t *testing.T) {
	t.Parallel()

	spec := TableSpec{SchemaName: "infra", TableName: "outbox"}.WithDefaults()

	assert.Equal(t, "id", spec.IDColumn)
	assert.Equal(t, "status", spec.StatusColumn)
	assert.Equal(t, "locked_until", spec.LockedUntilColumn)
	assert.Equal(t, "owner_token", spec.OwnerTokenColumn)
	assert.Equal(t, "retry_count", spec.RetryCountColumn)
	assert.Equal(t, "last_error", spec.LastErrorColumn)
	assert.Equal(t, "due_time_utc", spec.DueColumn)
	assert.Equal(t, "created_at", spec.CreatedAtColumn)

	custom := TableSpec{SchemaName: "infra", TableName: "job_runs", DueColumn: "scheduled_time"}.WithDefaults()
	assert.Equal(t, "scheduled_time", custom.DueColumn)
}

func TestEngine_Claim_RejectsNonPositiveBatchSize(t *testing.T) {
	t.Parallel()

	e := NewEngine(TableSpec{SchemaName: "infra", TableName: "outbox"}, nil)

	for _, batchSize := range []int{0, -1, -100} {
		_, err := e.Claim(context.Background(), nil, NewOwnerToken(), 30, batchSize)
		require.ErrorIs(t, err, ErrInvalidBatchSize)
	}
}

func TestEngine_Abandon_RejectsNegativeDelay(t *testing.T) {
	t.Parallel()

	e := NewEngine(TableSpec{SchemaName: "infra", TableName: "outbox"}, nil)
	negDelay := -time.Second

	_, err := e.Abandon(context.Background(), nil, NewOwnerToken(), []uuid.UUID{uuid.New()}, nil, &negDelay)
	require.ErrorIs(t, err, ErrNegativeDelay)
}

func TestEngine_EmptyIDLists_AreNoOps(t *testing.T) {
	t.Parallel()

	e := NewEngine(TableSpec{SchemaName: "infra", TableName: "outbox"}, nil)

	// A nil exec would panic if the engine actually issued a query for an
	// empty id list, so passing nil here doubles as a behavioral check
	// that Ack/Abandon/Fail treat an empty batch as a no-op without touching the database at all.
	n, err := e.Ack(context.Background(), nil, NewOwnerToken(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.Abandon(context.Background(), nil, NewOwnerToken(), nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.Fail(context.Background(), nil, NewOwnerToken(), nil, "boom")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_ExtraSet_BuildsAssignmentsWithOffsetPlaceholders(t *testing.T) {
	t.Parallel()

	e := NewEngine(TableSpec{SchemaName: "infra", TableName: "outbox"}, nil)

	sql, args := e.extraSet(nil, 5)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	sql, args = e.extraSet([]ExtraColumn{
		{Column: "is_processed", Value: true},
		{Column: "processed_by", Value: "owner-1"},
	}, 5)

	assert.Equal(t, `, "is_processed" = $5, "processed_by" = $6`, sql)
	assert.Equal(t, []any{true, "owner-1"}, args)
}

func TestStatus_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Ready", StatusReady.String())
	assert.Equal(t, "InProgress", StatusInProgress.String())
	assert.Equal(t, "Done", StatusDone.String())
	assert.Equal(t, "Failed", StatusFailed.String())
	assert.Equal(t, "Unknown", Status(99).String())
}
