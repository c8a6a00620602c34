package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydb/relaydb/internal/lease"
)

// materializerLeaseResource is the singleton lease resource name that
// ensures at most one process runs cron materialization at a time,
// satisfying the "Scheduler materializer singleton" requirement.
const materializerLeaseResource = "scheduler:cron"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextOccurrence parses a cron schedule and returns the first occurrence
// strictly after the given time, bound to the JobStore.MaterializeDue
// callback signature.
func NextOccurrence(cronSchedule string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronSchedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse cron schedule %q: %w", cronSchedule, err)
	}

	return schedule.Next(after), nil
}

// Materializer runs the cron materialization loop on an interval, holding
// a singleton lease for the duration of each tick so at most one process
// materializes JobRuns at a time.
type Materializer struct {
	jobs        *JobStore
	state       *StateStore
	leaseRunner *lease.Store
	interval    time.Duration
	logger      *slog.Logger
}

// NewMaterializer constructs a Materializer.
func NewMaterializer(jobs *JobStore, state *StateStore, leaseStore *lease.Store, interval time.Duration, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}

	if interval <= 0 {
		interval = time.Minute
	}

	return &Materializer{jobs: jobs, state: state, leaseRunner: leaseStore, interval: interval, logger: logger}
}

// Run loops until ctx is canceled, attempting a materialization pass every
// interval. Each pass first tries to acquire the singleton lease; if it's
// held elsewhere, the pass is skipped.
func (m *Materializer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.logger.Error("materialization tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Materializer) tick(ctx context.Context) error {
	held, err := m.leaseRunner.Acquire(ctx, materializerLeaseResource, m.interval, nil, nil)
	if err != nil {
		return fmt.Errorf("scheduler: acquire materializer lease: %w", err)
	}

	if held == nil {
		return nil // another process holds the singleton lease this tick
	}

	n, err := m.jobs.MaterializeDue(ctx, NextOccurrence)
	if err != nil {
		return fmt.Errorf("scheduler: materialize due jobs: %w", err)
	}

	if n > 0 {
		m.logger.Info("materialized job runs", slog.Int("count", n))
	}

	return m.state.RecordRun(ctx, held.FencingToken)
}
