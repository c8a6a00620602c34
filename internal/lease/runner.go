package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydb/relaydb/internal/clock"
)

// defaultRenewPercent schedules renewal at duration * 0.6 past acquisition.
const defaultRenewPercent = 0.6

// Runner wraps a held lease with automatic monotonic-clock renewal. Renewal
// is scheduled relative to a monotonic clock so that wall-clock jumps or GC
// pauses do not cause over- or under-renewal.
type Runner struct {
	store    *Store
	resource string
	duration time.Duration
	mono     clock.Monotonic
	logger   *slog.Logger

	renewPercent float64

	mu         sync.Mutex
	owner      uuid.UUID
	acquiredAt time.Time
	isLost     bool
	cancel     context.CancelFunc
	stopped    chan struct{}
}

// NewRunner constructs a Runner for the given resource and lease duration.
// renewPercent defaults to 0.6 when zero.
func NewRunner(store *Store, resource string, duration time.Duration, mono clock.Monotonic, logger *slog.Logger, renewPercent float64) *Runner {
	if mono == nil {
		mono = clock.NewSystem(logger)
	}

	if logger == nil {
		logger = slog.Default()
	}

	if renewPercent <= 0 {
		renewPercent = defaultRenewPercent
	}

	return &Runner{store: store, resource: resource, duration: duration, mono: mono, logger: logger, renewPercent: renewPercent}
}

// Start acquires the lease and, on success, begins a background
// auto-renewal loop. Returns nil, nil if the lease is currently held by
// another owner.
func (r *Runner) Start(ctx context.Context) (*Lease, error) {
	l, err := r.store.Acquire(ctx, r.resource, r.duration, nil, nil)
	if err != nil || l == nil {
		return l, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.owner = l.OwnerToken
	r.acquiredAt = r.mono.Now()
	r.isLost = false
	r.cancel = cancel
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	go r.renewLoop(runCtx)

	return l, nil
}

func (r *Runner) renewLoop(ctx context.Context) {
	defer close(r.stopped)

	for {
		r.mu.Lock()
		next := r.acquiredAt.Add(time.Duration(float64(r.duration) * r.renewPercent))
		r.mu.Unlock()

		wait := next.Sub(r.mono.Now())
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}

		if err := r.renewOnce(ctx); err != nil {
			r.markLost(err)

			return
		}
	}
}

func (r *Runner) renewOnce(ctx context.Context) error {
	r.mu.Lock()
	owner := r.owner
	r.mu.Unlock()

	renewed, _, _, err := r.store.Renew(ctx, r.resource, owner, r.duration)
	if err != nil {
		return err
	}

	if !renewed {
		return ErrLost
	}

	r.mu.Lock()
	r.acquiredAt = r.mono.Now()
	r.mu.Unlock()

	return nil
}

func (r *Runner) markLost(err error) {
	r.mu.Lock()
	r.isLost = true
	cancel := r.cancel
	r.mu.Unlock()

	r.logger.Warn("lease lost", slog.String("resource", r.resource), slog.String("error", err.Error()))

	if cancel != nil {
		cancel()
	}
}

// IsLost reports whether the runner has lost its lease.
func (r *Runner) IsLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.isLost
}

// ThrowIfLost returns ErrLost when the runner has lost its lease.
func (r *Runner) ThrowIfLost() error {
	if r.IsLost() {
		return ErrLost
	}

	return nil
}

// Stop cancels the renewal loop and releases the lease.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	owner := r.owner
	stopped := r.stopped
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if stopped != nil {
		<-stopped
	}

	return r.store.Release(ctx, r.resource, owner)
}
