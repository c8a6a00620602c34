// Package inbox implements idempotent inbound message deduplication
//: a row keyed by (MessageId, Source) rather than a work-item
// id, with its own extended status vocabulary (Seen, Processing, Done,
// Dead) layered on the same claim/ack/abandon/fail/reap shape as
// internal/workqueue but expressed directly against the inbox schema.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydb/relaydb/internal/clock"
	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/workqueue"
)

// Status is the inbox-specific lifecycle vocabulary.
type Status string

const (
	StatusSeen       Status = "Seen"
	StatusProcessing Status = "Processing"
	StatusDone       Status = "Done"
	StatusDead       Status = "Dead"
)

// Message is the row shape returned by read paths.
type Message struct {
	MessageID    string
	Source       string
	Hash         []byte
	FirstSeenUtc time.Time
	LastSeenUtc  time.Time
	ProcessedUtc *time.Time
	DueTimeUtc   *time.Time
	Attempts     int
	Status       Status
	LastError    *string
	LockedUntil  *time.Time
	OwnerToken   *uuid.UUID
	Topic        string
	Payload      string
}

// Store implements inbox deduplication and the claim/ack/abandon/fail/reap
// protocol against one (connection, schema) pair.
type Store struct {
	conn       *dbkit.Connection
	cfg        dbkit.StoreConfig
	clock      clock.WallClock
	ownerToken workqueue.OwnerToken
}

// NewStore constructs an inbox Store, generating its per-process owner
// token once, mirroring outbox.Store.
func NewStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *Store {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}

	return &Store{conn: conn, cfg: cfg, clock: clk, ownerToken: workqueue.NewOwnerToken()}
}

func (s *Store) table() string { return s.cfg.TableName("inbox") }

// Receive is the dedup upsert keyed by (messageID, source): if absent,
// inserts with Status=Seen, Attempts=1, FirstSeenUtc=LastSeenUtc=now and
// the message's topic/payload, returning false. If present, atomically
// increments Attempts and updates LastSeenUtc via INSERT ... ON CONFLICT
// DO UPDATE (so concurrent duplicate receipt of the same key still yields
// exactly one row with Attempts equal to the number of calls), and returns
// true iff Status=Done. Topic and payload are never overwritten on a
// duplicate.
func (s *Store) Receive(ctx context.Context, messageID, source, topic, payload string, hash []byte) (bool, error) {
	now := s.clock.Now()

	query := fmt.Sprintf(`
		INSERT INTO %s AS ib (message_id, source, hash, first_seen_utc, last_seen_utc, attempts, status, topic, payload)
		VALUES ($1, $2, $3, $4, $4, 1, $5, $6, $7)
		ON CONFLICT (message_id, source) DO UPDATE
		SET attempts = ib.attempts + 1, last_seen_utc = $4
		RETURNING status
	`, s.table())

	var status Status

	err := s.conn.QueryRowContext(ctx, query, messageID, source, hash, now, string(StatusSeen), topic, payload).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("inbox: receive %s/%s: %w", messageID, source, err)
	}

	return status == StatusDone, nil
}

// AlreadyProcessed is Receive without a message body, for callers that only
// need the dedup verdict before doing their own processing.
func (s *Store) AlreadyProcessed(ctx context.Context, messageID, source string, hash []byte) (bool, error) {
	return s.Receive(ctx, messageID, source, "", "", hash)
}

// MarkProcessing transitions an existing row to Processing.
func (s *Store) MarkProcessing(ctx context.Context, messageID, source string) error {
	return s.setStatus(ctx, messageID, source, StatusProcessing, nil)
}

// MarkProcessed transitions an existing row to Done and stamps ProcessedUtc.
func (s *Store) MarkProcessed(ctx context.Context, messageID, source string) error {
	now := s.clock.Now()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, processed_utc = $2
		WHERE message_id = $3 AND source = $4
	`, s.table())

	_, err := s.conn.ExecContext(ctx, query, string(StatusDone), now, messageID, source)
	if err != nil {
		return fmt.Errorf("inbox: mark processed %s/%s: %w", messageID, source, err)
	}

	return nil
}

// MarkDead transitions an existing row to the terminal Dead state.
func (s *Store) MarkDead(ctx context.Context, messageID, source string, lastError string) error {
	return s.setStatus(ctx, messageID, source, StatusDead, &lastError)
}

func (s *Store) setStatus(ctx context.Context, messageID, source string, status Status, lastError *string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, last_error = COALESCE($2, last_error)
		WHERE message_id = $3 AND source = $4
	`, s.table())

	_, err := s.conn.ExecContext(ctx, query, string(status), lastError, messageID, source)
	if err != nil {
		return fmt.Errorf("inbox: set status %s/%s: %w", messageID, source, err)
	}

	return nil
}

// Claim selects up to batchSize Seen rows due now, orders by FirstSeenUtc,
// and atomically marks them Processing under ownerToken, mirroring
// workqueue.Engine.Claim but keyed by (message_id, source).
func (s *Store) Claim(ctx context.Context, leaseSeconds, batchSize int) ([]Message, error) {
	return s.ClaimAs(ctx, s.ownerToken, leaseSeconds, batchSize)
}

// ClaimAs is Claim for a caller-supplied owner token, used by
// internal/dispatch to rotate a fresh token per RunOnce invocation.
func (s *Store) ClaimAs(ctx context.Context, ownerToken workqueue.OwnerToken, leaseSeconds, batchSize int) ([]Message, error) {
	if batchSize <= 0 {
		return nil, workqueue.ErrInvalidBatchSize
	}

	now := s.clock.Now()
	lockedUntil := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := fmt.Sprintf(`
		WITH due AS (
			SELECT message_id, source
			FROM %[1]s
			WHERE status = $1 AND (due_time_utc IS NULL OR due_time_utc <= $2)
			ORDER BY first_seen_utc ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE %[1]s t
		SET status = $4, owner_token = $5, locked_until = $6
		FROM due
		WHERE t.message_id = due.message_id AND t.source = due.source
		RETURNING t.message_id, t.source, t.hash, t.first_seen_utc, t.last_seen_utc,
		          t.processed_utc, t.due_time_utc, t.attempts, t.status, t.last_error,
		          t.locked_until, t.owner_token, t.topic, t.payload
	`, s.table())

	rows, err := s.conn.QueryContext(ctx, query, string(StatusSeen), now, batchSize, string(StatusProcessing), ownerToken, lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("inbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message

	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.MessageID, &m.Source, &m.Hash, &m.FirstSeenUtc, &m.LastSeenUtc,
			&m.ProcessedUtc, &m.DueTimeUtc, &m.Attempts, &m.Status, &m.LastError,
			&m.LockedUntil, &m.OwnerToken, &m.Topic, &m.Payload,
		); err != nil {
			return nil, fmt.Errorf("inbox: scan claimed row: %w", err)
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// Ack transitions a Processing row owned by this store's owner token to
// Done. Owner mismatch or non-Processing rows are silently unchanged.
func (s *Store) Ack(ctx context.Context, messageID, source string) error {
	return s.AckAs(ctx, s.ownerToken, messageID, source)
}

// AckAs is Ack for a caller-supplied owner token, used by
// internal/dispatch to rotate a fresh token per RunOnce invocation.
func (s *Store) AckAs(ctx context.Context, ownerToken workqueue.OwnerToken, messageID, source string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, owner_token = NULL, locked_until = NULL, processed_utc = $2
		WHERE owner_token = $3 AND status = $4 AND message_id = $5 AND source = $6
	`, s.table())

	_, err := s.conn.ExecContext(ctx, query, string(StatusDone), s.clock.Now(), ownerToken, string(StatusProcessing), messageID, source)

	return err
}

// Abandon moves a Processing row owned by this store's owner token back to
// Seen, incrementing Attempts and optionally setting LastError / a new
// DueTimeUtc.
func (s *Store) Abandon(ctx context.Context, messageID, source string, lastError *string, delay *time.Duration) error {
	return s.AbandonAs(ctx, s.ownerToken, messageID, source, lastError, delay)
}

// AbandonAs is Abandon for a caller-supplied owner token.
func (s *Store) AbandonAs(ctx context.Context, ownerToken workqueue.OwnerToken, messageID, source string, lastError *string, delay *time.Duration) error {
	if delay != nil && *delay < 0 {
		return workqueue.ErrNegativeDelay
	}

	var due any
	if delay != nil {
		due = s.clock.Now().Add(*delay)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, owner_token = NULL, locked_until = NULL, attempts = attempts + 1,
		    last_error = COALESCE($2, last_error), due_time_utc = COALESCE($3, due_time_utc)
		WHERE owner_token = $4 AND status = $5 AND message_id = $6 AND source = $7
	`, s.table())

	_, err := s.conn.ExecContext(ctx, query, string(StatusSeen), lastError, due, ownerToken, string(StatusProcessing), messageID, source)

	return err
}

// Fail transitions a Processing row owned by this store's owner token to
// the terminal Dead state.
func (s *Store) Fail(ctx context.Context, messageID, source string, lastError string) error {
	return s.FailAs(ctx, s.ownerToken, messageID, source, lastError)
}

// FailAs is Fail for a caller-supplied owner token.
func (s *Store) FailAs(ctx context.Context, ownerToken workqueue.OwnerToken, messageID, source string, lastError string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, owner_token = NULL, locked_until = NULL, last_error = $2
		WHERE owner_token = $3 AND status = $4 AND message_id = $5 AND source = $6
	`, s.table())

	_, err := s.conn.ExecContext(ctx, query, string(StatusDead), lastError, ownerToken, string(StatusProcessing), messageID, source)

	return err
}

// ReapExpired resets every Processing row whose LockedUntil has passed back
// to Seen, with no ownership check, safe to run from any process.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, owner_token = NULL, locked_until = NULL
		WHERE status = $2 AND locked_until < $3
	`, s.table())

	res, err := s.conn.ExecContext(ctx, query, string(StatusSeen), string(StatusProcessing), now)
	if err != nil {
		return 0, fmt.Errorf("inbox: reap: %w", err)
	}

	return res.RowsAffected()
}

// Get fetches a single row by (messageID, source).
func (s *Store) Get(ctx context.Context, messageID, source string) (*Message, error) {
	query := fmt.Sprintf(`
		SELECT message_id, source, hash, first_seen_utc, last_seen_utc, processed_utc,
		       due_time_utc, attempts, status, last_error, locked_until, owner_token, topic, payload
		FROM %s WHERE message_id = $1 AND source = $2
	`, s.table())

	var m Message

	err := s.conn.QueryRowContext(ctx, query, messageID, source).Scan(
		&m.MessageID, &m.Source, &m.Hash, &m.FirstSeenUtc, &m.LastSeenUtc, &m.ProcessedUtc,
		&m.DueTimeUtc, &m.Attempts, &m.Status, &m.LastError, &m.LockedUntil, &m.OwnerToken, &m.Topic, &m.Payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workqueue.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("inbox: get %s/%s: %w", messageID, source, err)
	}

	return &m, nil
}
