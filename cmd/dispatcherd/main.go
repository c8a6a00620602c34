// Package main runs the dispatcher daemon: the multi-store outbox and
// inbox dispatchers, the retention cleanup sweep, and the fan-out
// coordinator, all driven off the same Configured store provider.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaydb/relaydb/internal/cleanup"
	"github.com/relaydb/relaydb/internal/dispatch"
	"github.com/relaydb/relaydb/internal/fanout"
	"github.com/relaydb/relaydb/internal/join"
	"github.com/relaydb/relaydb/internal/lease"
	"github.com/relaydb/relaydb/internal/multistore"
	"github.com/relaydb/relaydb/internal/schema"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeConfigs, err := multistore.LoadStoreConfigsFromYAML(cfg.StoreConfigPath)
	if err != nil {
		logger.Error("failed to load store config", slog.String("path", cfg.StoreConfigPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	multistore.SetSchemaEnsurer(schema.EnsureAll)

	provider := multistore.NewConfiguredProvider(logger)
	if err := provider.Initialize(ctx, storeConfigs); err != nil {
		logger.Error("failed to initialize store provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := dispatch.NewHandlerRegistry()
	registerJoinWaitHandler(ctx, provider, registry, logger)

	outboxDispatcher := dispatch.NewOutboxDispatcher(provider, multistore.NewRoundRobin(), registry)
	outboxDispatcher.MaxAttempts = cfg.MaxAttempts
	outboxDispatcher.LeaseRouting = cfg.LeaseRouting
	outboxDispatcher.Logger = logger

	inboxDispatcher := dispatch.NewMultiInboxDispatcher(dispatch.NewMultistoreInboxProvider(provider), dispatch.NewInboxRoundRobin(), registry)
	inboxDispatcher.MaxAttempts = cfg.MaxAttempts
	inboxDispatcher.LeaseRouting = cfg.LeaseRouting
	inboxDispatcher.Logger = logger

	var limiter *rate.Limiter
	if cfg.MaxDispatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxDispatchesPerSecond), 1)
	}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		runDispatchLoop(ctx, "outbox", cfg.DispatchInterval, cfg.BatchSize, limiter, logger, outboxDispatcher.RunOnce)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		runDispatchLoop(ctx, "inbox", cfg.DispatchInterval, cfg.BatchSize, limiter, logger, inboxDispatcher.RunOnce)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		runFanoutLoop(ctx, provider, cfg.FanoutInterval, logger)
	}()

	cleanupService := cleanup.NewService(provider, logger)

	wg.Add(1)

	go func() {
		defer wg.Done()
		cleanupService.Run(ctx, cfg.CleanupInterval)
	}()

	logger.Info("dispatcherd started",
		slog.Int("stores", len(storeConfigs)),
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Duration("fanout_interval", cfg.FanoutInterval),
	)

	<-ctx.Done()
	logger.Info("dispatcherd shutting down")
	wg.Wait()
}

type runOnceFunc func(ctx context.Context, batchSize int) (int, error)

// runDispatchLoop ticks a dispatcher's RunOnce until ctx is canceled,
// optionally gated by a shared rate limiter so a large store fleet cannot
// flood the database with claim statements.
func runDispatchLoop(ctx context.Context, name string, interval time.Duration, batchSize int, limiter *rate.Limiter, logger *slog.Logger, run runOnceFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}

			n, err := run(ctx, batchSize)
			if err != nil {
				logger.Error("dispatch loop tick failed", slog.String("loop", name), slog.String("error", err.Error()))

				continue
			}

			if n > 0 {
				logger.Info("dispatch loop processed rows", slog.String("loop", name), slog.Int("count", n))
			}
		}
	}
}

// runFanoutLoop sweeps every store's fan-out policies once per interval.
func runFanoutLoop(ctx context.Context, provider multistore.Provider, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stores, err := provider.GetAllStores(ctx)
			if err != nil {
				logger.Error("fanout loop: list stores failed", slog.String("error", err.Error()))

				continue
			}

			for _, store := range stores {
				runFanoutForStore(ctx, store, interval, logger)
			}
		}
	}
}

func runFanoutForStore(ctx context.Context, store *multistore.Store, cadenceCeiling time.Duration, logger *slog.Logger) {
	leaseStoreForFanout := lease.NewStore(store.Conn, store.Config, nil)
	planner := fanout.NewCursorPlanner(store.Conn, store.Config)

	coordinator := fanout.NewCoordinator(store.Conn, store.Config, leaseStoreForFanout, planner, fanoutEnqueue(store), cadenceCeiling)

	n, err := coordinator.RunAllDue(ctx, cadenceCeiling)
	if err != nil {
		logger.Error("fanout sweep failed", slog.String("store", store.Identifier), slog.String("error", err.Error()))

		return
	}

	if n > 0 {
		logger.Info("fanout sweep processed slices", slog.String("store", store.Identifier), slog.Int("count", n))
	}
}

// registerJoinWaitHandler binds the "join.wait" topic against the first
// configured store's join.Store. A single global HandlerRegistry is shared
// across every store the outbox/inbox dispatchers drive, so join-wait
// coordination in this binary is scoped to one (typically the
// control-plane) store rather than per-tenant; deployments that need
// per-tenant join coordination register their own topic-to-store routing
// at a higher layer.
func registerJoinWaitHandler(ctx context.Context, provider multistore.Provider, registry *dispatch.HandlerRegistry, logger *slog.Logger) {
	stores, err := provider.GetAllStores(ctx)
	if err != nil || len(stores) == 0 {
		return
	}

	primary := stores[0]
	joinStore := join.NewStore(primary.Conn, primary.Config, nil, logger)

	enqueue := func(ctx context.Context, topic, payload string) error {
		_, err := primary.Outbox.Enqueue(ctx, topic, payload, nil, nil, nil)

		return err
	}

	handler := join.NewJoinWaitHandler(joinStore, true, "join.completed", "join.failed", enqueue)

	registry.Register("join.wait", func(ctx context.Context, msg dispatch.Message) error {
		return handler.Handle(ctx, msg.Payload)
	})

	logger.Info("registered join.wait handler", slog.String("store", primary.Identifier))
}

func fanoutEnqueue(store *multistore.Store) fanout.EnqueueFunc {
	return func(ctx context.Context, tx *sql.Tx, slice fanout.Slice) error {
		correlationID := slice.CorrelationID
		if correlationID == nil {
			correlationID = &slice.ShardKey
		}

		payload, err := json.Marshal(struct {
			Topic    string `json:"topic"`
			WorkKey  string `json:"workKey"`
			ShardKey string `json:"shardKey"`
		}{Topic: slice.Topic, WorkKey: slice.WorkKey, ShardKey: slice.ShardKey})
		if err != nil {
			return err
		}

		_, err = store.Outbox.EnqueueTx(ctx, tx, slice.Topic, string(payload), correlationID, nil)

		return err
	}
}
