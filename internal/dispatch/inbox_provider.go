package dispatch

import (
	"context"

	"github.com/relaydb/relaydb/internal/multistore"
)

// MultistoreInboxProvider adapts a multistore.Provider's outbox-shaped
// Store snapshot to the InboxProvider contract, so cmd/dispatcherd can
// drive MultiInboxDispatcher off the same store fleet the outbox
// dispatcher uses instead of standing up a parallel inbox-only provider.
type MultistoreInboxProvider struct {
	Provider multistore.Provider
}

// NewMultistoreInboxProvider constructs the adapter.
func NewMultistoreInboxProvider(p multistore.Provider) *MultistoreInboxProvider {
	return &MultistoreInboxProvider{Provider: p}
}

// GetAllInboxStores maps the current store snapshot to InboxStores.
func (a *MultistoreInboxProvider) GetAllInboxStores(ctx context.Context) ([]*InboxStore, error) {
	stores, err := a.Provider.GetAllStores(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*InboxStore, 0, len(stores))
	for _, s := range stores {
		out = append(out, &InboxStore{Identifier: s.Identifier, Config: s.Config, Conn: s.Conn, Inbox: s.Inbox})
	}

	return out, nil
}
