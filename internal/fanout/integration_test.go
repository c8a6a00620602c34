//go:build integration

package fanout_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/fanout"
	"github.com/relaydb/relaydb/internal/lease"
)

func TestCoordinator_LeaseGating(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := dbkit.DefaultStoreConfig()
	cfg.Identifier = "fanout-it"
	cfg.ConnectionString = connStr

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	leaseStore := lease.NewStore(conn, cfg, nil)

	_, err = conn.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (topic, work_key, every_seconds) VALUES ($1, $2, 1)`, cfg.TableName("fanout_policy")), "billing", "default")
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (topic, work_key, shard_key) VALUES ($1, $2, $3)`, cfg.TableName("fanout_cursor")), "billing", "default", "shard-0")
	require.NoError(t, err)

	planner := fanout.NewCursorPlanner(conn, cfg)

	var enqueued int
	enqueue := func(ctx context.Context, tx *sql.Tx, slice fanout.Slice) error {
		enqueued++

		return nil
	}

	coordinator := fanout.NewCoordinator(conn, cfg, leaseStore, planner, enqueue, time.Minute)

	held, err := leaseStore.Acquire(ctx, "fanout:billing", 200*time.Millisecond, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, held)

	n, err := coordinator.Run(ctx, "billing", nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	time.Sleep(400 * time.Millisecond)

	n, err = coordinator.Run(ctx, "billing", nil, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, enqueued)
}
