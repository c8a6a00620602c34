// Package multistore implements the two store-provider shapes (Configured
// and Dynamic) plus the RoundRobin/DrainFirst selection strategies used by
// the multi-store dispatchers.
package multistore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/inbox"
	"github.com/relaydb/relaydb/internal/outbox"
)

// Store is the unit a provider hands back: a connection plus the outbox
// and inbox facades constructed over it.
type Store struct {
	Identifier string
	Config     dbkit.StoreConfig
	Conn       *dbkit.Connection
	Outbox     *outbox.Store
	Inbox      *inbox.Store
}

// Provider hands dispatchers the current set of live stores.
type Provider interface {
	GetAllStores(ctx context.Context) ([]*Store, error)
	GetStoreIdentifier(s *Store) string
	GetStoreByKey(ctx context.Context, key string) (*Store, error)
}

func buildStore(ctx context.Context, cfg dbkit.StoreConfig, logger *slog.Logger) (*Store, error) {
	conn, err := dbkit.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("multistore: connect %q: %w", cfg.Identifier, err)
	}

	if cfg.EnableSchemaDeployment {
		if err := ensureSchemaFunc(ctx, conn, cfg); err != nil {
			logger.Error("schema deployment failed, keeping store for later retry",
				slog.String("store", cfg.Identifier), slog.String("error", err.Error()))
		}
	}

	return &Store{
		Identifier: cfg.Identifier,
		Config:     cfg,
		Conn:       conn,
		Outbox:     outbox.NewStore(conn, cfg, nil),
		Inbox:      inbox.NewStore(conn, cfg, nil),
	}, nil
}

// ensureSchemaFunc is overridden by internal/schema at wiring time (set via
// SetSchemaEnsurer) to avoid an import cycle between multistore and schema.
var ensureSchemaFunc = func(context.Context, *dbkit.Connection, dbkit.StoreConfig) error { return nil }

// SetSchemaEnsurer installs the schema-ensure function used by providers
// when EnableSchemaDeployment is true.
func SetSchemaEnsurer(f func(context.Context, *dbkit.Connection, dbkit.StoreConfig) error) {
	ensureSchemaFunc = f
}

// ConfiguredProvider is the static provider: built from a fixed list of
// StoreConfigs at startup.
type ConfiguredProvider struct {
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*Store
	order  []string
}

// NewConfiguredProvider constructs an empty ConfiguredProvider; the static
// list of configurations is supplied later to Initialize.
func NewConfiguredProvider(logger *slog.Logger) *ConfiguredProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfiguredProvider{logger: logger, stores: make(map[string]*Store)}
}

// Initialize connects and schema-ensures every entry sequentially, logging
// and continuing on a single entry's deployment failure so one bad tenant
// cannot block startup for the rest.
func (p *ConfiguredProvider) Initialize(ctx context.Context, configs []dbkit.StoreConfig) error {
	// Connect and deploy outside the lock; the mutex guards only the
	// in-memory store table.
	var built []*Store

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			p.logger.Error("invalid store config, skipping", slog.String("store", cfg.Identifier), slog.String("error", err.Error()))

			continue
		}

		s, err := buildStore(ctx, cfg, p.logger)
		if err != nil {
			p.logger.Error("failed to connect store, skipping", slog.String("store", cfg.Identifier), slog.String("error", err.Error()))

			continue
		}

		built = append(built, s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range built {
		p.stores[s.Identifier] = s
		p.order = append(p.order, s.Identifier)
	}

	return nil
}

// GetAllStores returns the current snapshot of configured stores.
func (p *ConfiguredProvider) GetAllStores(context.Context) ([]*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Store, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.stores[id])
	}

	return out, nil
}

// GetStoreIdentifier returns the store's identifier.
func (p *ConfiguredProvider) GetStoreIdentifier(s *Store) string { return s.Identifier }

// GetStoreByKey looks up a store by identifier.
func (p *ConfiguredProvider) GetStoreByKey(_ context.Context, key string) (*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stores[key]
	if !ok {
		return nil, nil
	}

	return s, nil
}
