//go:build integration

package cleanup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/cleanup"
	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/multistore"
	"github.com/relaydb/relaydb/internal/outbox"
)

type staticProvider struct{ stores []*multistore.Store }

func (p staticProvider) GetAllStores(context.Context) ([]*multistore.Store, error) { return p.stores, nil }
func (p staticProvider) GetStoreIdentifier(s *multistore.Store) string             { return s.Identifier }
func (p staticProvider) GetStoreByKey(_ context.Context, key string) (*multistore.Store, error) {
	return nil, nil
}

func TestService_RunOnce_DeletesOnlyExpiredTerminalRows(t *testing.T) {
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
	cfg.Identifier = "cleanup-it"
	cfg.ConnectionString = connStr
	cfg.RetentionPeriod = time.Millisecond

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	outboxStore := outbox.NewStore(conn, cfg, nil)
	store := &multistore.Store{Identifier: cfg.Identifier, Config: cfg, Conn: conn, Outbox: outboxStore}

	expiredID, err := outboxStore.Enqueue(ctx, "t", "{}", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, outboxStore.MarkDispatched(ctx, expiredID, "test"))

	liveID, err := outboxStore.Enqueue(ctx, "t", "{}", nil, nil, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	svc := cleanup.NewService(staticProvider{stores: []*multistore.Store{store}}, nil)

	results, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(1), results[0].DeletedBy["outbox"])

	_, err = outboxStore.Get(ctx, expiredID)
	require.Error(t, err)

	_, err = outboxStore.Get(ctx, liveID)
	require.NoError(t, err)
}
