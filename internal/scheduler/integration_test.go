//go:build integration

package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/scheduler"
)

func newTestJobStore(ctx context.Context, t *testing.T) (*scheduler.JobStore, *dbkit.Connection, dbkit.StoreConfig) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := dbkit.DefaultStoreConfig()
	cfg.Identifier = "scheduler-it"
	cfg.ConnectionString = connStr

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return scheduler.NewJobStore(conn, cfg, nil), conn, cfg
}

func TestJobStore_MaterializeDue_IsIdempotentPerJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	jobs, _, _ := newTestJobStore(ctx, t)

	_, err := jobs.CreateOrUpdateJob(ctx, "nightly-report", "Reports.Nightly", "* * * * *", nil)
	require.NoError(t, err)

	n, err := jobs.MaterializeDue(ctx, scheduler.NextOccurrence)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := jobs.GetJob(ctx, "nightly-report")
	require.NoError(t, err)
	require.NotNil(t, job.NextDueTime)

	// A second pass before NextDueTime has elapsed must not re-materialize.
	n, err = jobs.MaterializeDue(ctx, scheduler.NextOccurrence)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestJobStore_TriggerJob_InsertsReadyRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	jobs, _, _ := newTestJobStore(ctx, t)

	_, err := jobs.CreateOrUpdateJob(ctx, "ad-hoc", "Reports.AdHoc", "0 0 * * *", nil)
	require.NoError(t, err)

	id, err := jobs.TriggerJob(ctx, "ad-hoc")
	require.NoError(t, err)
	require.NotEmpty(t, id)
}
