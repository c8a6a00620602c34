package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/relaydb/internal/dispatch"
	"github.com/relaydb/relaydb/internal/workqueue"
)

const (
	defaultDispatchMaxAttempts  = 5
	defaultDispatchLeaseSeconds = 30
)

// Dispatcher drives the shared work-queue protocol over Timers and
// JobRuns. Both share the claim/ack/abandon/fail protocol with the outbox
// but are scheduler-owned rather than multi-store: a scheduler runs
// against one control-plane (or per-tenant) database at a time, so unlike
// dispatch.OutboxDispatcher this does not need a store-selection strategy.
type Dispatcher struct {
	Timers  *TimerStore
	JobRuns *JobRunStore

	Registry    *dispatch.HandlerRegistry
	Backoff     dispatch.BackoffPolicy
	MaxAttempts int

	LeaseSeconds int

	Logger *slog.Logger
}

// NewDispatcher constructs a Dispatcher with default retry settings.
func NewDispatcher(timers *TimerStore, jobRuns *JobRunStore, registry *dispatch.HandlerRegistry) *Dispatcher {
	return &Dispatcher{
		Timers:       timers,
		JobRuns:      jobRuns,
		Registry:     registry,
		Backoff:      dispatch.DefaultBackoff(0),
		MaxAttempts:  defaultDispatchMaxAttempts,
		LeaseSeconds: defaultDispatchLeaseSeconds,
		Logger:       slog.Default(),
	}
}

// RunOnce claims and processes up to batchSize due Timers and up to
// batchSize due JobRuns, each under its own freshly rotated owner token,
// and returns the total number processed.
func (d *Dispatcher) RunOnce(ctx context.Context, batchSize int) (int, error) {
	timerCount, err := d.runTimers(ctx, batchSize)
	if err != nil {
		return timerCount, err
	}

	runCount, err := d.runJobRuns(ctx, batchSize)

	return timerCount + runCount, err
}

func (d *Dispatcher) runTimers(ctx context.Context, batchSize int) (int, error) {
	ownerToken := workqueue.NewOwnerToken()

	ids, err := d.Timers.ClaimAs(ctx, ownerToken, d.LeaseSeconds, batchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim timers: %w", err)
	}

	processed := 0

	for _, id := range ids {
		t, err := d.Timers.Get(ctx, id)
		if err != nil {
			d.Logger.Error("scheduler: failed to reload claimed timer, leaving for reaper",
				slog.String("id", id.String()), slog.String("error", err.Error()))

			continue
		}

		d.processTimer(ctx, ownerToken, *t)
		processed++
	}

	return processed, nil
}

func (d *Dispatcher) processTimer(ctx context.Context, ownerToken workqueue.OwnerToken, t Timer) {
	handler, ok := d.Registry.Resolve(t.Topic)
	if !ok {
		if err := d.Timers.FailAs(ctx, ownerToken, t.ID, fmt.Sprintf("No handler registered for topic '%s'", t.Topic)); err != nil {
			d.Logger.Error("scheduler: fail-no-handler update failed (timer)", slog.String("error", err.Error()))
		}

		return
	}

	err := handler(ctx, dispatch.Message{Topic: t.Topic, Payload: t.Payload, CorrelationID: t.CorrelationID, RetryCount: t.RetryCount})
	if err == nil {
		if ackErr := d.Timers.AckAs(ctx, ownerToken, t.ID); ackErr != nil {
			d.Logger.Error("scheduler: ack failed (timer)", slog.String("error", ackErr.Error()))
		}

		return
	}

	attempt := t.RetryCount + 1
	if attempt >= d.MaxAttempts {
		if failErr := d.Timers.FailAs(ctx, ownerToken, t.ID, err.Error()); failErr != nil {
			d.Logger.Error("scheduler: fail failed (timer)", slog.String("error", failErr.Error()))
		}

		return
	}

	delay := d.Backoff(attempt)
	if rescheduleErr := d.Timers.RescheduleAs(ctx, ownerToken, t.ID, delay, err.Error()); rescheduleErr != nil {
		d.Logger.Error("scheduler: reschedule failed (timer)", slog.String("error", rescheduleErr.Error()))
	}
}

func (d *Dispatcher) runJobRuns(ctx context.Context, batchSize int) (int, error) {
	ownerToken := workqueue.NewOwnerToken()

	ids, err := d.JobRuns.ClaimAs(ctx, ownerToken, d.LeaseSeconds, batchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim job runs: %w", err)
	}

	processed := 0

	for _, id := range ids {
		if err := d.JobRuns.MarkStarted(ctx, id); err != nil {
			d.Logger.Error("scheduler: mark-started failed", slog.String("id", id.String()), slog.String("error", err.Error()))
		}

		jr, err := d.JobRuns.Get(ctx, id)
		if err != nil {
			d.Logger.Error("scheduler: failed to reload claimed job run, leaving for reaper",
				slog.String("id", id.String()), slog.String("error", err.Error()))

			continue
		}

		d.processJobRun(ctx, ownerToken, *jr)
		processed++
	}

	return processed, nil
}

func (d *Dispatcher) processJobRun(ctx context.Context, ownerToken workqueue.OwnerToken, jr JobRun) {
	handler, ok := d.Registry.Resolve(jr.Topic)
	if !ok {
		if err := d.JobRuns.FailAs(ctx, ownerToken, jr.ID, fmt.Sprintf("No handler registered for topic '%s'", jr.Topic)); err != nil {
			d.Logger.Error("scheduler: fail-no-handler update failed (job run)", slog.String("error", err.Error()))
		}

		return
	}

	payload := ""
	if jr.Payload != nil {
		payload = *jr.Payload
	}

	err := handler(ctx, dispatch.Message{Topic: jr.Topic, Payload: payload, RetryCount: jr.RetryCount})
	if err == nil {
		if ackErr := d.JobRuns.AckAs(ctx, ownerToken, jr.ID, nil); ackErr != nil {
			d.Logger.Error("scheduler: ack failed (job run)", slog.String("error", ackErr.Error()))
		}

		return
	}

	attempt := jr.RetryCount + 1
	if attempt >= d.MaxAttempts {
		if failErr := d.JobRuns.FailAs(ctx, ownerToken, jr.ID, err.Error()); failErr != nil {
			d.Logger.Error("scheduler: fail failed (job run)", slog.String("error", failErr.Error()))
		}

		return
	}

	delay := d.Backoff(attempt)
	if abandonErr := d.JobRuns.AbandonAs(ctx, ownerToken, jr.ID, strPtr(err.Error()), &delay); abandonErr != nil {
		d.Logger.Error("scheduler: abandon failed (job run)", slog.String("error", abandonErr.Error()))
	}
}

func strPtr(s string) *string { return &s }

// Run ticks RunOnce every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx, batchSize); err != nil {
				d.Logger.Error("scheduler: dispatch tick failed", slog.String("error", err.Error()))
			}
		}
	}
}
