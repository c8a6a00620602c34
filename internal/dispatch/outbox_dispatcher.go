package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/relaydb/internal/lease"
	"github.com/relaydb/relaydb/internal/multistore"
	"github.com/relaydb/relaydb/internal/outbox"
	"github.com/relaydb/relaydb/internal/workqueue"
)

// OutboxDispatcher drives RunOnce against the outbox work queue across one
// or more stores.
type OutboxDispatcher struct {
	Provider    multistore.Provider
	Selection   multistore.SelectionStrategy
	Registry    *HandlerRegistry
	Backoff     BackoffPolicy
	MaxAttempts int

	// LeaseRouting, when true, gates each store behind a per-store
	// singleton lease ("dispatch:outbox:<identifier>") so at most one
	// dispatcher process works a given store at a time. Stores whose
	// lease is unavailable are skipped for this invocation.
	LeaseRouting  bool
	LeaseDuration time.Duration
	LeaseSeconds  int

	Logger *slog.Logger
}

// NewOutboxDispatcher constructs a dispatcher with default retry settings
// (maxAttempts=5, default backoff, 30s claim lease).
func NewOutboxDispatcher(provider multistore.Provider, selection multistore.SelectionStrategy, registry *HandlerRegistry) *OutboxDispatcher {
	return &OutboxDispatcher{
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

// RunOnce rotates through the store snapshot until one yields a non-empty
// claim (or every store has been tried), then processes that batch under a
// freshly rotated owner token. Returns the number processed (Ack'd,
// Reschedule'd, or Fail'd). Stores whose routing lease is unavailable, or
// whose claim comes back empty, are skipped within the same invocation so
// an idle tenant cannot delay an active one by a full tick.
func (d *OutboxDispatcher) RunOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	stores, err := d.Provider.GetAllStores(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list stores: %w", err)
	}

	for range stores {
		store := d.Selection.Select(stores)
		if store == nil {
			return 0, nil
		}

		if d.LeaseRouting {
			leaseStore := lease.NewStore(store.Conn, store.Config, nil)

			held, err := leaseStore.Acquire(ctx, "dispatch:outbox:"+store.Identifier, d.LeaseDuration, nil, nil)
			if err != nil {
				return 0, fmt.Errorf("dispatch: acquire lease for store %q: %w", store.Identifier, err)
			}

			if held == nil {
				d.Selection.Report(store, 0)

				continue
			}
		}

		ownerToken := workqueue.NewOwnerToken()

		ids, err := store.Outbox.ClaimAs(ctx, ownerToken, d.LeaseSeconds, batchSize)
		if err != nil {
			return 0, fmt.Errorf("dispatch: claim from store %q: %w", store.Identifier, err)
		}

		d.Selection.Report(store, len(ids))

		if len(ids) == 0 {
			continue
		}

		processed := 0

		for _, id := range ids {
			msg, err := store.Outbox.Get(ctx, id)
			if err != nil {
				d.Logger.Error("dispatch: failed to reload claimed row, leaving for reaper",
					slog.String("store", store.Identifier), slog.String("id", id.String()), slog.String("error", err.Error()))

				continue
			}

			d.processOne(ctx, store, ownerToken, *msg)
			processed++
		}

		return processed, nil
	}

	return 0, nil
}

func (d *OutboxDispatcher) processOne(ctx context.Context, store *multistore.Store, ownerToken workqueue.OwnerToken, msg outbox.Message) {
	handler, ok := d.Registry.Resolve(msg.Topic)
	if !ok {
		if err := store.Outbox.FailAs(ctx, ownerToken, msg.ID, fmt.Sprintf("No handler registered for topic '%s'", msg.Topic)); err != nil {
			d.Logger.Error("dispatch: fail-no-handler update failed", slog.String("error", err.Error()))
		}

		return
	}

	err := handler(ctx, Message{Topic: msg.Topic, Payload: msg.Payload, CorrelationID: msg.CorrelationID, RetryCount: msg.RetryCount})
	if err == nil {
		if ackErr := store.Outbox.AckAs(ctx, ownerToken, msg.ID, "dispatcher"); ackErr != nil {
			d.Logger.Error("dispatch: ack failed", slog.String("error", ackErr.Error()))
		}

		return
	}

	// attempt is the run that just failed; when it was the last allowed one
	// there is nothing left to reschedule.
	attempt := msg.RetryCount + 1
	if attempt >= d.MaxAttempts {
		if failErr := store.Outbox.FailAs(ctx, ownerToken, msg.ID, err.Error()); failErr != nil {
			d.Logger.Error("dispatch: fail failed", slog.String("error", failErr.Error()))
		}

		return
	}

	delay := d.Backoff(attempt)
	if rescheduleErr := store.Outbox.RescheduleAs(ctx, ownerToken, msg.ID, delay, err.Error()); rescheduleErr != nil {
		d.Logger.Error("dispatch: reschedule failed", slog.String("error", rescheduleErr.Error()))
	}
}
