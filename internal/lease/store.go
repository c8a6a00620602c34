// Package lease implements fencing-token distributed leases
// over the shared lease table, plus a Runner that auto-renews a held
// lease against a monotonic clock so that wall-clock jumps or GC pauses
// cannot over- or under-renew it.
package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydb/relaydb/internal/clock"
	"github.com/relaydb/relaydb/internal/dbkit"
)

// ErrLost is returned by Runner.ThrowIfLost once a Runner has lost its
// lease, and by a Runner renewal that finds the lease no longer held.
// Store.Renew itself reports a lost lease as renewed == false, not ErrLost.
var ErrLost = errors.New("lease: lost")

// Lease is the row shape returned by Acquire/Renew.
type Lease struct {
	ResourceName  string
	OwnerToken    uuid.UUID
	LeaseUntilUtc time.Time
	FencingToken  int64
}

// Store implements Acquire/Renew/Release against one (connection, schema)
// pair's lease table.
type Store struct {
	conn  *dbkit.Connection
	cfg   dbkit.StoreConfig
	clock clock.WallClock
}

// NewStore constructs a lease Store.
func NewStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *Store {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}

	return &Store{conn: conn, cfg: cfg, clock: clk}
}

func (s *Store) table() string { return s.cfg.TableName("lease") }

// Acquire takes or refreshes a lease: insert-if-absent,
// steal-if-expired, renew-in-place-if-same-owner, refuse otherwise. The
// fencing token strictly increases across acquisitions for a resource,
// even under contention, because the UPDATE path always bumps the stored
// value by one inside the same statement that checks ownership/expiry.
func (s *Store) Acquire(ctx context.Context, resource string, duration time.Duration, ownerToken *uuid.UUID, contextJSON any) (*Lease, error) {
	owner := uuid.New()
	if ownerToken != nil {
		owner = *ownerToken
	}

	now := s.clock.Now()
	until := now.Add(duration)

	var ctxJSON []byte

	if contextJSON != nil {
		var err error

		ctxJSON, err = json.Marshal(contextJSON)
		if err != nil {
			return nil, fmt.Errorf("lease: marshal context: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (resource_name, owner_token, lease_until_utc, fencing_token, context_json)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (resource_name) DO UPDATE
		SET owner_token = $2, lease_until_utc = $3, fencing_token = %[1]s.fencing_token + 1, context_json = $4
		WHERE %[1]s.lease_until_utc <= $5 OR %[1]s.owner_token = $2
		RETURNING resource_name, owner_token, lease_until_utc, fencing_token
	`, s.table())

	var l Lease

	err := s.conn.QueryRowContext(ctx, query, resource, owner, until, ctxJSON, now).Scan(
		&l.ResourceName, &l.OwnerToken, &l.LeaseUntilUtc, &l.FencingToken,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // held by a different live owner
	}

	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", resource, err)
	}

	return &l, nil
}

// Renew succeeds only when ownerToken matches the current holder and the
// lease has not yet expired. Returns the server's current time and the new
// LeaseUntilUtc on success.
func (s *Store) Renew(ctx context.Context, resource string, ownerToken uuid.UUID, duration time.Duration) (bool, time.Time, *time.Time, error) {
	now := s.clock.Now()
	until := now.Add(duration)

	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET lease_until_utc = $1, fencing_token = fencing_token + 1
		WHERE resource_name = $2 AND owner_token = $3 AND lease_until_utc > $4
		RETURNING lease_until_utc
	`, s.table())

	var newUntil time.Time

	err := s.conn.QueryRowContext(ctx, query, until, resource, ownerToken, now).Scan(&newUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, now, nil, nil
	}

	if err != nil {
		return false, now, nil, fmt.Errorf("lease: renew %s: %w", resource, err)
	}

	return true, now, &newUntil, nil
}

// Release is best-effort: it expires the lease in place rather than
// deleting the row, so peers observe availability immediately and the
// resource's fencing token history survives for the next acquisition.
func (s *Store) Release(ctx context.Context, resource string, ownerToken uuid.UUID) error {
	query := fmt.Sprintf(`
		UPDATE %s SET lease_until_utc = $3
		WHERE resource_name = $1 AND owner_token = $2
	`, s.table())

	_, err := s.conn.ExecContext(ctx, query, resource, ownerToken, s.clock.Now())
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", resource, err)
	}

	return nil
}

// Get fetches the current lease row for a resource, if any.
func (s *Store) Get(ctx context.Context, resource string) (*Lease, error) {
	query := fmt.Sprintf(`
		SELECT resource_name, owner_token, lease_until_utc, fencing_token
		FROM %s WHERE resource_name = $1
	`, s.table())

	var l Lease

	err := s.conn.QueryRowContext(ctx, query, resource).Scan(&l.ResourceName, &l.OwnerToken, &l.LeaseUntilUtc, &l.FencingToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("lease: get %s: %w", resource, err)
	}

	return &l, nil
}
