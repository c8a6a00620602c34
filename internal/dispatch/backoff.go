// Package dispatch implements the multi-store dispatcher that
// drives both the outbox and the inbox work queues: claim a batch under a
// freshly rotated owner token, resolve each row's topic to a handler,
// invoke it, and ack/reschedule/fail based on the outcome.
package dispatch

import (
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts  = 5
	defaultBackoffBase  = 500 * time.Millisecond
	defaultBackoffCeil  = 2 * time.Minute
	defaultJitterBound  = 250 * time.Millisecond
	defaultBatchSize    = 50
	defaultLeaseSeconds = 30
	defaultRoutingLease = 5 * time.Minute
)

// BackoffPolicy computes the delay before retrying a given attempt number
// (1-indexed: the attempt that just failed).
type BackoffPolicy func(attempt int) time.Duration

// DefaultBackoff returns the default policy: base = min(500ms *
// 2^(attempt-1), ceiling - 250ms) plus uniform jitter in [0, 250ms), so
// the whole delay stays below the ceiling. A non-positive ceiling defaults
// to two minutes.
func DefaultBackoff(ceiling time.Duration) BackoffPolicy {
	if ceiling <= 0 {
		ceiling = defaultBackoffCeil
	}

	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}

		base := defaultBackoffBase

		// Shift left by (attempt-1), capping before it can overflow time.Duration.
		for i := 1; i < attempt && base < ceiling; i++ {
			base *= 2
		}

		// The ceiling bounds the whole delay, jitter included, so base
		// caps at ceiling minus the jitter bound.
		maxBase := ceiling - defaultJitterBound
		if maxBase < 0 {
			maxBase = 0
		}

		if base > maxBase {
			base = maxBase
		}

		jitter := time.Duration(rand.Int63n(int64(defaultJitterBound)))

		return base + jitter
	}
}
