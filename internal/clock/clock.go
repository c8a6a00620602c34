// Package clock provides the wall-clock and monotonic-clock abstractions
// used throughout relaydb. Visible timestamps (DueTimeUtc, CreatedAt,
// LastRunTime) come from a WallClock normalized to UTC; scheduling
// decisions that must survive wall-clock jumps (lease renewal, cleanup
// intervals) read monotonic elapsed time instead.
package clock

import (
	"log/slog"
	"sync"
	"time"
)

// WallClock returns the current UTC time for timestamps that are persisted
// and compared across processes.
type WallClock interface {
	Now() time.Time
}

// Monotonic returns elapsed-time readings unaffected by wall-clock
// adjustments (NTP steps, leap seconds, manual clock changes). Go's
// time.Time already carries a monotonic reading internally, so Since is
// monotonic-safe as long as both endpoints came from the same clock.Now()
// call site; Runner (see lease package) depends on that property.
type Monotonic interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System is the production WallClock and Monotonic implementation, backed
// by the standard library.
type System struct {
	logger *slog.Logger
}

// NewSystem returns a System clock.
func NewSystem(logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}

	return &System{logger: logger}
}

// Now returns the current time normalized to UTC.
func (s *System) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the monotonic-safe elapsed duration since t.
func (s *System) Since(t time.Time) time.Duration {
	return time.Since(t)
}

var _ WallClock = (*System)(nil)
var _ Monotonic = (*System)(nil)

// Normalized wraps an alternate WallClock so that a provider returning a
// non-UTC offset is normalized and logged once instead of leaking local
// times into persisted timestamps.
type Normalized struct {
	inner    WallClock
	logger   *slog.Logger
	warnOnce sync.Once
}

// NewNormalized wraps inner with UTC normalization.
func NewNormalized(inner WallClock, logger *slog.Logger) *Normalized {
	if logger == nil {
		logger = slog.Default()
	}

	return &Normalized{inner: inner, logger: logger}
}

// Now returns inner's current time normalized to UTC, warning once when
// normalization was needed.
func (n *Normalized) Now() time.Time {
	now := n.inner.Now()
	if _, offset := now.Zone(); offset != 0 {
		n.warnOnce.Do(func() {
			n.logger.Warn("clock: wall-clock time provider returned non-UTC offset, normalizing",
				slog.String("location", now.Location().String()))
		})
	}

	return now.UTC()
}

var _ WallClock = (*Normalized)(nil)
