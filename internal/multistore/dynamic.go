package multistore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydb/relaydb/internal/dbkit"
)

// DiscoverySource returns the full desired set of store configurations,
// keyed by identifier, on each poll. Implementations might read from a
// control-plane table, a config service, or a file watch.
type DiscoverySource interface {
	Discover(ctx context.Context) ([]dbkit.StoreConfig, error)
}

const defaultRefreshInterval = 5 * time.Minute

// DynamicProvider polls a DiscoverySource on an interval and reconciles
// added, changed, and removed stores against its live connection set.
type DynamicProvider struct {
	source          DiscoverySource
	refreshInterval time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	stores  map[string]*Store
	configs map[string]dbkit.StoreConfig
}

// NewDynamicProvider constructs a DynamicProvider. A zero or negative
// refreshInterval defaults to five minutes.
func NewDynamicProvider(source DiscoverySource, refreshInterval time.Duration, logger *slog.Logger) *DynamicProvider {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DynamicProvider{
		source:          source,
		refreshInterval: refreshInterval,
		logger:          logger,
		stores:          make(map[string]*Store),
		configs:         make(map[string]dbkit.StoreConfig),
	}
}

// Run refreshes once synchronously, then polls the discovery source on
// refreshInterval until ctx is done.
func (p *DynamicProvider) Run(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Error("initial discovery refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error("discovery refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Refresh polls the discovery source once and reconciles the result
// against the live store set: new identifiers are connected, stores whose
// connection string, schema, or table overrides changed are reconnected,
// and identifiers no longer present are closed and dropped. All
// connect/deploy work happens outside the lock; the mutex guards only the
// in-memory store table.
func (p *DynamicProvider) Refresh(ctx context.Context) error {
	desired, err := p.source.Discover(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	current := make(map[string]dbkit.StoreConfig, len(p.configs))
	for id, cfg := range p.configs {
		current[id] = cfg
	}
	p.mu.Unlock()

	seen := make(map[string]struct{}, len(desired))
	unchanged := make(map[string]dbkit.StoreConfig)

	var toBuild []dbkit.StoreConfig

	for _, cfg := range desired {
		seen[cfg.Identifier] = struct{}{}

		if err := cfg.Validate(); err != nil {
			p.logger.Error("invalid discovered store config, skipping", slog.String("store", cfg.Identifier), slog.String("error", err.Error()))

			continue
		}

		existing, ok := current[cfg.Identifier]
		if ok && sameTarget(existing, cfg) {
			unchanged[cfg.Identifier] = cfg

			continue
		}

		toBuild = append(toBuild, cfg)
	}

	built := make(map[string]*Store, len(toBuild))

	for _, cfg := range toBuild {
		s, err := buildStore(ctx, cfg, p.logger)
		if err != nil {
			p.logger.Error("failed to connect discovered store", slog.String("store", cfg.Identifier), slog.String("error", err.Error()))

			continue
		}

		built[cfg.Identifier] = s
	}

	var closed []*Store

	p.mu.Lock()

	for id, cfg := range unchanged {
		p.configs[id] = cfg
	}

	for id, s := range built {
		closed = append(closed, p.removeLocked(id))
		p.stores[id] = s
		p.configs[id] = s.Config
	}

	for id := range p.configs {
		if _, ok := seen[id]; !ok {
			closed = append(closed, p.removeLocked(id))
		}
	}

	p.mu.Unlock()

	for _, s := range closed {
		if s != nil {
			_ = s.Conn.Close()
		}
	}

	return nil
}

// sameTarget reports whether two configs point at the same database
// surface; a change to any of these requires a reconnect.
func sameTarget(a, b dbkit.StoreConfig) bool {
	if a.ConnectionString != b.ConnectionString || a.SchemaName != b.SchemaName {
		return false
	}

	if len(a.TableNames) != len(b.TableNames) {
		return false
	}

	for k, v := range a.TableNames {
		if b.TableNames[k] != v {
			return false
		}
	}

	return true
}

// removeLocked drops a store from the live set and returns it for the
// caller to close outside the lock; nil when the id had no live store.
func (p *DynamicProvider) removeLocked(id string) *Store {
	s := p.stores[id]

	delete(p.stores, id)
	delete(p.configs, id)

	return s
}

// GetAllStores returns the current live store snapshot.
func (p *DynamicProvider) GetAllStores(context.Context) ([]*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Store, 0, len(p.stores))
	for _, s := range p.stores {
		out = append(out, s)
	}

	return out, nil
}

// GetStoreIdentifier returns the store's identifier.
func (p *DynamicProvider) GetStoreIdentifier(s *Store) string { return s.Identifier }

// GetStoreByKey looks up a live store by identifier.
func (p *DynamicProvider) GetStoreByKey(_ context.Context, key string) (*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stores[key]
	if !ok {
		return nil, nil
	}

	return s, nil
}
