package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/inbox"
	"github.com/relaydb/relaydb/internal/lease"
	"github.com/relaydb/relaydb/internal/workqueue"
)

// InboxStore pairs a connection/config with its inbox facade: the
// inbox-only analogue of multistore.Store, which carries both an outbox
// and an inbox facade per entry.
type InboxStore struct {
	Identifier string
	Config     dbkit.StoreConfig
	Conn       *dbkit.Connection
	Inbox      *inbox.Store
}

// InboxProvider supplies the live set of inbox-bearing stores to dispatch
// across, mirroring multistore.Provider for the inbox side.
type InboxProvider interface {
	GetAllInboxStores(ctx context.Context) ([]*InboxStore, error)
}

// InboxSelectionStrategy picks one InboxStore out of a snapshot. The
// dispatcher reports each claim's size so stateful strategies can steer
// the next pick.
type InboxSelectionStrategy interface {
	Select(stores []*InboxStore) *InboxStore
	Report(s *InboxStore, claimed int)
}

// MultiInboxDispatcher mirrors OutboxDispatcher but enforces maxAttempts on
// the inbox Attempts field and moves rows with no registered handler to
// Dead rather than Failed.
type MultiInboxDispatcher struct {
	Provider    InboxProvider
	Selection   InboxSelectionStrategy
	Registry    *HandlerRegistry
	Backoff     BackoffPolicy
	MaxAttempts int

	// LeaseRouting, when true, gates each store behind a per-store
	// singleton lease ("dispatch:inbox:<identifier>") before claiming.
	LeaseRouting  bool
	LeaseDuration time.Duration
	LeaseSeconds  int

	Logger *slog.Logger
}

// NewMultiInboxDispatcher constructs a dispatcher with default retry settings.
func NewMultiInboxDispatcher(provider InboxProvider, selection InboxSelectionStrategy, registry *HandlerRegistry) *MultiInboxDispatcher {
	return &MultiInboxDispatcher{
		Provider:      provider,
		Selection:     selection,
		Registry:      registry,
		Backoff:       DefaultBackoff(0),
		MaxAttempts:   defaultMaxAttempts,
		LeaseDuration: defaultRoutingLease,
		LeaseSeconds:  defaultLeaseSeconds,
		Logger:        slog.Default(),
	}
}

// RunOnce rotates through the inbox store snapshot until one yields a
// non-empty claim (or every store has been tried), then processes that
// batch under a freshly rotated owner token.
func (d *MultiInboxDispatcher) RunOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	stores, err := d.Provider.GetAllInboxStores(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list inbox stores: %w", err)
	}

	// Rotate until a store yields work or every store has been tried this
	// invocation, mirroring OutboxDispatcher.RunOnce.
	for range stores {
		store := d.Selection.Select(stores)
		if store == nil {
			return 0, nil
		}

		if d.LeaseRouting {
			leaseStore := lease.NewStore(store.Conn, store.Config, nil)

			held, err := leaseStore.Acquire(ctx, "dispatch:inbox:"+store.Identifier, d.LeaseDuration, nil, nil)
			if err != nil {
				return 0, fmt.Errorf("dispatch: acquire lease for inbox store %q: %w", store.Identifier, err)
			}

			if held == nil {
				d.Selection.Report(store, 0)

				continue
			}
		}

		ownerToken := workqueue.NewOwnerToken()

		claimed, err := store.Inbox.ClaimAs(ctx, ownerToken, d.LeaseSeconds, batchSize)
		if err != nil {
			return 0, fmt.Errorf("dispatch: claim from inbox store %q: %w", store.Identifier, err)
		}

		d.Selection.Report(store, len(claimed))

		if len(claimed) == 0 {
			continue
		}

		processed := 0

		for _, msg := range claimed {
			d.processOne(ctx, store, ownerToken, msg)
			processed++
		}

		return processed, nil
	}

	return 0, nil
}

func (d *MultiInboxDispatcher) processOne(ctx context.Context, store *InboxStore, ownerToken workqueue.OwnerToken, msg inbox.Message) {
	handler, ok := d.Registry.Resolve(msg.Topic)
	if !ok {
		if err := store.Inbox.FailAs(ctx, ownerToken, msg.MessageID, msg.Source, fmt.Sprintf("No handler registered for topic '%s'", msg.Topic)); err != nil {
			d.Logger.Error("dispatch: dead-no-handler update failed", slog.String("error", err.Error()))
		}

		return
	}

	err := handler(ctx, Message{Topic: msg.Topic, Payload: msg.Payload, RetryCount: msg.Attempts})
	if err == nil {
		if ackErr := store.Inbox.AckAs(ctx, ownerToken, msg.MessageID, msg.Source); ackErr != nil {
			d.Logger.Error("dispatch: inbox ack failed", slog.String("error", ackErr.Error()))
		}

		return
	}

	// Attempts already counts the receipt that produced this handling run;
	// when it has reached the limit the message goes to Dead.
	if msg.Attempts >= d.MaxAttempts {
		if failErr := store.Inbox.FailAs(ctx, ownerToken, msg.MessageID, msg.Source, err.Error()); failErr != nil {
			d.Logger.Error("dispatch: inbox fail failed", slog.String("error", failErr.Error()))
		}

		return
	}

	delay := d.Backoff(msg.Attempts)
	errMsg := err.Error()

	if abandonErr := store.Inbox.AbandonAs(ctx, ownerToken, msg.MessageID, msg.Source, &errMsg, &delay); abandonErr != nil {
		d.Logger.Error("dispatch: inbox abandon failed", slog.String("error", abandonErr.Error()))
	}
}
