// Package main runs the scheduler daemon: the cron materialization loop
// that turns Jobs into due JobRuns, and the dispatch loop that
// drives Timers and JobRuns through registered handlers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/relaydb/relaydb/internal/cleanup"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/dispatch"
	"github.com/relaydb/relaydb/internal/inbox"
	"github.com/relaydb/relaydb/internal/lease"
	"github.com/relaydb/relaydb/internal/multistore"
	"github.com/relaydb/relaydb/internal/outbox"
	"github.com/relaydb/relaydb/internal/scheduler"
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

	conn, err := dbkit.NewConnection(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to connect to scheduler store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	jobs := scheduler.NewJobStore(conn, cfg.Store, nil)
	state := scheduler.NewStateStore(conn, cfg.Store, nil)
	timers := scheduler.NewTimerStore(conn, cfg.Store, nil)
	jobRuns := scheduler.NewJobRunStore(conn, cfg.Store, nil)
	leaseStore := lease.NewStore(conn, cfg.Store, nil)

	materializer := scheduler.NewMaterializer(jobs, state, leaseStore, cfg.MaterializeEvery, logger)

	registry := dispatch.NewHandlerRegistry()
	dispatcher := scheduler.NewDispatcher(timers, jobRuns, registry)
	dispatcher.Logger = logger

	cleanupService := cleanup.NewService(singleStoreProvider(conn, cfg.Store), logger)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		materializer.Run(ctx)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, cfg.MaterializeEvery, defaultDispatchBatchSize)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		cleanupService.Run(ctx, cfg.CleanupEvery)
	}()

	logger.Info("schedulerd started", slog.Duration("materialize_interval", cfg.MaterializeEvery))

	<-ctx.Done()
	logger.Info("schedulerd shutting down")
	wg.Wait()
}

const defaultDispatchBatchSize = 50

// fixedProvider implements multistore.Provider over a single already-open
// connection, letting internal/cleanup's retention sweep run against the
// scheduler's one control-plane database without standing up a second
// Configured/Dynamic provider just for this one store.
type fixedProvider struct {
	store *multistore.Store
}

func singleStoreProvider(conn *dbkit.Connection, cfg dbkit.StoreConfig) *fixedProvider {
	return &fixedProvider{store: &multistore.Store{
		Identifier: cfg.Identifier,
		Config:     cfg,
		Conn:       conn,
		Outbox:     outbox.NewStore(conn, cfg, nil),
		Inbox:      inbox.NewStore(conn, cfg, nil),
	}}
}

func (p *fixedProvider) GetAllStores(context.Context) ([]*multistore.Store, error) {
	return []*multistore.Store{p.store}, nil
}

func (p *fixedProvider) GetStoreIdentifier(s *multistore.Store) string { return s.Identifier }

func (p *fixedProvider) GetStoreByKey(_ context.Context, key string) (*multistore.Store, error) {
	if key == p.store.Identifier {
		return p.store, nil
	}

	return nil, nil
}
