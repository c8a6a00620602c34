//go:build integration

package inbox_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/inbox"
)

func newTestStore(ctx context.Context, t *testing.T) *inbox.Store {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := dbkit.DefaultStoreConfig()
	cfg.Identifier = "inbox-it"
	cfg.ConnectionString = connStr

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return inbox.NewStore(conn, cfg, nil)
}

func TestInbox_ConcurrentDuplicateReceipt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	const callers = 10

	results := make([]bool, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup

	wg.Add(callers)

	for i := 0; i < callers; i++ {
		i := i

		go func() {
			defer wg.Done()

			results[i], errs[i] = store.AlreadyProcessed(ctx, "msg-1", "src", nil)
		}()
	}

	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.False(t, results[i])
	}

	row, err := store.Get(ctx, "msg-1", "src")
	require.NoError(t, err)
	require.Equal(t, 10, row.Attempts)
}

func TestInbox_ReceiveClaimAckLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newTestStore(ctx, t)

	dup, err := store.Receive(ctx, "msg-2", "src", "billing.invoice", `{"n":1}`, nil)
	require.NoError(t, err)
	require.False(t, dup)

	claimed, err := store.Claim(ctx, 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "billing.invoice", claimed[0].Topic)
	require.Equal(t, `{"n":1}`, claimed[0].Payload)
	require.Equal(t, inbox.StatusProcessing, claimed[0].Status)

	require.NoError(t, store.Ack(ctx, "msg-2", "src"))

	row, err := store.Get(ctx, "msg-2", "src")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusDone, row.Status)
	require.NotNil(t, row.ProcessedUtc)

	// A duplicate receipt after completion reports already-processed and
	// never creates a second row.
	dup, err = store.Receive(ctx, "msg-2", "src", "billing.invoice", `{"n":1}`, nil)
	require.NoError(t, err)
	require.True(t, dup)
}
