// Package workqueue implements the generic claim/ack/abandon/fail/reap
// protocol shared by the outbox, scheduler timers, and
// scheduler job-runs tables. It operates on any Postgres table that
// carries the standard WorkItem columns: id (uuid), status (smallint),
// locked_until (timestamptz, nullable), owner_token (uuid, nullable),
// retry_count (int), last_error (text, nullable), a due-time column, and
// created_at.
//
// Inbox is deliberately NOT built on this package: inbox rows are keyed
// by (MessageId, Source) rather than a work-item id and use an
// extended, string-valued status vocabulary (Seen/Processing/Done/Dead).
// internal/inbox implements the same claim/ack/abandon/fail/reap shape
// directly against its own schema instead of forcing an ill-fitting
// generic type onto it.
package workqueue

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Status is the four-value work-item lifecycle state.
type Status int16

// WorkItem statuses, matching the smallint encoding used in every
// status-bearing table (Outbox.Status, Timers.StatusCode, JobRuns.StatusCode).
const (
	StatusReady Status = iota
	StatusInProgress
	StatusDone
	StatusFailed
)

// String renders the status for logging.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusInProgress:
		return "InProgress"
	case StatusDone:
		return "Done"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// OwnerToken is the opaque 128-bit value identifying the current holder of
// a work-item lease, per the GLOSSARY. It is distinct from the row's
// stable identifier.
type OwnerToken = uuid.UUID

// NewOwnerToken generates a fresh random owner token. A store constructs
// one owner token at startup and reuses it for the life of the process;
// dispatchers additionally rotate a fresh token per RunOnce invocation.
func NewOwnerToken() OwnerToken {
	return uuid.New()
}

// Sentinel errors for invalid arguments and missing rows.
var (
	// ErrInvalidBatchSize is returned by Claim when batchSize <= 0.
	ErrInvalidBatchSize = errors.New("workqueue: batch size must be positive")
	// ErrNegativeDelay is returned by Abandon when delay < 0.
	ErrNegativeDelay = errors.New("workqueue: delay must not be negative")
	// ErrNotFound is returned by Get-style lookups on a missing id.
	ErrNotFound = errors.New("workqueue: not found")
)

// Execer is satisfied by both *sql.DB and *sql.Tx, letting every Engine
// operation run either standalone or as part of a caller-supplied
// transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
