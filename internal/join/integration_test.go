//go:build integration

package join_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/join"
)

func newTestStore(ctx context.Context, t *testing.T) *join.Store {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := dbkit.DefaultStoreConfig()
	cfg.Identifier = "join-it"
	cfg.ConnectionString = connStr

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return join.NewStore(conn, cfg, nil, nil)
}

func TestJoin_IdempotentCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	j, err := store.CreateJoin(ctx, "tenant-1", 2, nil)
	require.NoError(t, err)

	m1 := uuid.New()
	m2 := uuid.New()

	require.NoError(t, store.AttachMessage(ctx, j.JoinID, m1))
	require.NoError(t, store.AttachMessage(ctx, j.JoinID, m2))

	updated, err := store.IncrementCompleted(ctx, j.JoinID, m1)
	require.NoError(t, err)
	require.Equal(t, 1, updated.CompletedSteps)

	updated, err = store.IncrementCompleted(ctx, j.JoinID, m2)
	require.NoError(t, err)
	require.Equal(t, 2, updated.CompletedSteps)

	// Replay must be a no-op.
	replayed, err := store.IncrementCompleted(ctx, j.JoinID, m2)
	require.NoError(t, err)
	require.Equal(t, 2, replayed.CompletedSteps)
	require.LessOrEqual(t, replayed.CompletedSteps+replayed.FailedSteps, replayed.ExpectedSteps)
}
