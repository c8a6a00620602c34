//go:build integration

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/dispatch"
	"github.com/relaydb/relaydb/internal/scheduler"
	"github.com/relaydb/relaydb/internal/workqueue"
)

func newTestSchedulerStores(ctx context.Context, t *testing.T) (*scheduler.JobStore, *scheduler.TimerStore, *scheduler.JobRunStore) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := dbkit.DefaultStoreConfig()
	cfg.Identifier = "scheduler-dispatch-it"
	cfg.ConnectionString = connStr

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return scheduler.NewJobStore(conn, cfg, nil), scheduler.NewTimerStore(conn, cfg, nil), scheduler.NewJobRunStore(conn, cfg, nil)
}

func TestDispatcher_RunOnce_AcksTimerOnSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	_, timers, jobRuns := newTestSchedulerStores(ctx, t)

	_, err := timers.ScheduleTimer(ctx, "reminders.send", `{"userId":"u1"}`, time.Now().UTC().Add(-time.Second), nil)
	require.NoError(t, err)

	var handled []string

	registry := dispatch.NewHandlerRegistry()
	registry.Register("reminders.send", func(_ context.Context, msg dispatch.Message) error {
		handled = append(handled, msg.Payload)

		return nil
	})

	d := scheduler.NewDispatcher(timers, jobRuns, registry)

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{`{"userId":"u1"}`}, handled)
}

func TestDispatcher_RunOnce_FailsTimerWithNoHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	_, timers, jobRuns := newTestSchedulerStores(ctx, t)

	id, err := timers.ScheduleTimer(ctx, "unregistered.topic", "{}", time.Now().UTC().Add(-time.Second), nil)
	require.NoError(t, err)

	registry := dispatch.NewHandlerRegistry()
	d := scheduler.NewDispatcher(timers, jobRuns, registry)

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	timer, err := timers.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, timer)
	require.Equal(t, workqueue.StatusFailed, timer.Status)
}

func TestDispatcher_RunOnce_ProcessesDueJobRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	jobs, timers, jobRuns := newTestSchedulerStores(ctx, t)

	_, err := jobs.CreateOrUpdateJob(ctx, "nightly-report", "Reports.Nightly", "* * * * *", nil)
	require.NoError(t, err)

	id, err := jobs.TriggerJob(ctx, "nightly-report")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var handledTopics []string

	registry := dispatch.NewHandlerRegistry()
	registry.Register("Reports.Nightly", func(_ context.Context, msg dispatch.Message) error {
		handledTopics = append(handledTopics, msg.Topic)

		return nil
	})

	d := scheduler.NewDispatcher(timers, jobRuns, registry)

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"Reports.Nightly"}, handledTopics)
}
