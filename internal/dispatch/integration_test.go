//go:build integration

package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/relaydb/relaydb/internal/config"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/dispatch"
	"github.com/relaydb/relaydb/internal/inbox"
	"github.com/relaydb/relaydb/internal/multistore"
	"github.com/relaydb/relaydb/internal/outbox"
	"github.com/relaydb/relaydb/internal/schema"
)

type staticProvider struct{ stores []*multistore.Store }

func (p staticProvider) GetAllStores(context.Context) ([]*multistore.Store, error) { return p.stores, nil }
func (p staticProvider) GetStoreIdentifier(s *multistore.Store) string             { return s.Identifier }
func (p staticProvider) GetStoreByKey(_ context.Context, key string) (*multistore.Store, error) {
	for _, s := range p.stores {
		if s.Identifier == key {
			return s, nil
		}
	}

	return nil, nil
}

func newTestOutboxStore(t *testing.T) (*dbkit.Connection, dbkit.StoreConfig) {
	t.Helper()

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
	cfg.Identifier = "dispatch-it"
	cfg.ConnectionString = connStr

	conn, err := dbkit.NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, cfg
}

func TestOutboxDispatcher_AckOnSuccessFailOnPoison(t *testing.T) {
	conn, cfg := newTestOutboxStore(t)
	ctx := context.Background()

	store := &multistore.Store{Identifier: cfg.Identifier, Config: cfg, Conn: conn, Outbox: outbox.NewStore(conn, cfg, nil)}

	goodID, err := store.Outbox.Enqueue(ctx, "billing.ok", "{}", nil, nil, nil)
	require.NoError(t, err)

	poisonID, err := store.Outbox.Enqueue(ctx, "billing.poison", "{}", nil, nil, nil)
	require.NoError(t, err)

	registry := dispatch.NewHandlerRegistry()
	registry.Register("billing.ok", func(context.Context, dispatch.Message) error { return nil })
	registry.Register("billing.poison", func(context.Context, dispatch.Message) error { return errors.New("boom") })

	d := dispatch.NewOutboxDispatcher(staticProvider{stores: []*multistore.Store{store}}, multistore.NewRoundRobin(), registry)
	d.MaxAttempts = 1

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	good, err := store.Outbox.Get(ctx, goodID)
	require.NoError(t, err)
	require.True(t, good.IsProcessed)

	poison, err := store.Outbox.Get(ctx, poisonID)
	require.NoError(t, err)
	require.Equal(t, outbox.FailedMarker, *poison.ProcessedBy)
}

func TestOutboxDispatcher_RotatesPastEmptyStoresInOneRun(t *testing.T) {
	conn, cfg := newTestOutboxStore(t)
	ctx := context.Background()

	// Second store on the same database under its own schema, provisioned
	// through the runtime ensure path.
	cfgB := cfg
	cfgB.Identifier = "dispatch-it-b"
	cfgB.SchemaName = "infra_b"
	require.NoError(t, schema.EnsureAll(ctx, conn, cfgB))

	idle := &multistore.Store{Identifier: cfg.Identifier, Config: cfg, Conn: conn, Outbox: outbox.NewStore(conn, cfg, nil)}
	busy := &multistore.Store{Identifier: cfgB.Identifier, Config: cfgB, Conn: conn, Outbox: outbox.NewStore(conn, cfgB, nil)}

	id, err := busy.Outbox.Enqueue(ctx, "billing.ok", "{}", nil, nil, nil)
	require.NoError(t, err)

	registry := dispatch.NewHandlerRegistry()
	registry.Register("billing.ok", func(context.Context, dispatch.Message) error { return nil })

	// Round-robin starts at the idle store; a single RunOnce must rotate
	// past its empty claim and dispatch from the busy one.
	d := dispatch.NewOutboxDispatcher(staticProvider{stores: []*multistore.Store{idle, busy}}, multistore.NewRoundRobin(), registry)

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err := busy.Outbox.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, msg.IsProcessed)
}

func TestOutboxDispatcher_MissingHandlerFails(t *testing.T) {
	conn, cfg := newTestOutboxStore(t)
	ctx := context.Background()

	store := &multistore.Store{Identifier: cfg.Identifier, Config: cfg, Conn: conn, Outbox: outbox.NewStore(conn, cfg, nil)}

	id, err := store.Outbox.Enqueue(ctx, "unregistered.topic", "{}", nil, nil, nil)
	require.NoError(t, err)

	d := dispatch.NewOutboxDispatcher(staticProvider{stores: []*multistore.Store{store}}, multistore.NewRoundRobin(), dispatch.NewHandlerRegistry())

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err := store.Outbox.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, outbox.FailedMarker, *msg.ProcessedBy)
	require.Contains(t, *msg.LastError, "No handler registered")
}

type staticInboxProvider struct{ stores []*dispatch.InboxStore }

func (p staticInboxProvider) GetAllInboxStores(context.Context) ([]*dispatch.InboxStore, error) {
	return p.stores, nil
}

func TestMultiInboxDispatcher_AcksOnSuccess(t *testing.T) {
	conn, cfg := newTestOutboxStore(t)
	ctx := context.Background()

	inboxStore := inbox.NewStore(conn, cfg, nil)

	_, err := inboxStore.Receive(ctx, "msg-ok", "source-a", "orders.created", `{"id":7}`, nil)
	require.NoError(t, err)

	is := &dispatch.InboxStore{Identifier: cfg.Identifier, Config: cfg, Conn: conn, Inbox: inboxStore}

	var gotPayload string

	registry := dispatch.NewHandlerRegistry()
	registry.Register("orders.created", func(_ context.Context, msg dispatch.Message) error {
		gotPayload = msg.Payload
		return nil
	})

	d := dispatch.NewMultiInboxDispatcher(staticInboxProvider{stores: []*dispatch.InboxStore{is}}, dispatch.NewInboxRoundRobin(), registry)

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, `{"id":7}`, gotPayload)

	msg, err := inboxStore.Get(ctx, "msg-ok", "source-a")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusDone, msg.Status)
}

func TestMultiInboxDispatcher_MissingHandlerMovesToDead(t *testing.T) {
	conn, cfg := newTestOutboxStore(t)
	ctx := context.Background()

	inboxStore := inbox.NewStore(conn, cfg, nil)

	_, err := inboxStore.AlreadyProcessed(ctx, "msg-1", "source-a", nil)
	require.NoError(t, err)

	is := &dispatch.InboxStore{Identifier: cfg.Identifier, Config: cfg, Conn: conn, Inbox: inboxStore}

	d := dispatch.NewMultiInboxDispatcher(staticInboxProvider{stores: []*dispatch.InboxStore{is}}, dispatch.NewInboxRoundRobin(), dispatch.NewHandlerRegistry())

	n, err := d.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err := inboxStore.Get(ctx, "msg-1", "source-a")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusDead, msg.Status)
}
