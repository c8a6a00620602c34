// Package outbox implements the transactional outbox: durable
// enqueue of outbound messages, plus the claim/ack/abandon/fail/reap
// lifecycle delegated to internal/workqueue.
package outbox

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

// ErrNilTransaction is returned by EnqueueTx, where a transaction is
// mandatory, when the caller passes nil.
var ErrNilTransaction = errors.New("outbox: transaction required but nil")

// FailedMarker is recorded in ProcessedBy when a row transitions to Failed.
const FailedMarker = "FAILED"

// Message is the row shape returned by read paths.
type Message struct {
	ID            uuid.UUID
	Topic         string
	Payload       string
	CorrelationID *string
	MessageID     uuid.UUID
	CreatedAt     time.Time
	DueTimeUtc    *time.Time
	Status        workqueue.Status
	LockedUntil   *time.Time
	OwnerToken    *uuid.UUID
	RetryCount    int
	LastError     *string
	IsProcessed   bool
	ProcessedAt   *time.Time
	ProcessedBy   *string
}

// Store is the outbox facade: one per (connection, schema) pair, built by
// the store providers in internal/multistore.
type Store struct {
	conn       *dbkit.Connection
	cfg        dbkit.StoreConfig
	engine     *workqueue.Engine
	ownerToken workqueue.OwnerToken
}

// NewStore constructs an outbox Store against cfg's table, generating the
// store's per-process OwnerToken once; retries inherit it for the life of
// the dispatcher process.
func NewStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *Store {
	spec := workqueue.TableSpec{
		SchemaName: cfg.SchemaName,
		TableName:  resolveTableName(cfg, "outbox"),
	}.WithDefaults()

	return &Store{
		conn:       conn,
		cfg:        cfg,
		engine:     workqueue.NewEngine(spec, clk),
		ownerToken: workqueue.NewOwnerToken(),
	}
}

func resolveTableName(cfg dbkit.StoreConfig, logical string) string {
	if override, ok := cfg.TableNames[logical]; ok && override != "" {
		return override
	}

	return logical
}

// OwnerToken returns this store's per-process owner token.
func (s *Store) OwnerToken() workqueue.OwnerToken { return s.ownerToken }

// Enqueue inserts a new Ready outbox row with a freshly generated MessageId.
// If tx is non-nil, the insert participates in it; a nil tx uses a private
// transaction against the store's connection. A caller that names tx as
// mandatory (via EnqueueTx) and passes nil fails with ErrNilTransaction.
func (s *Store) Enqueue(ctx context.Context, topic, payload string, correlationID *string, dueTimeUtc *time.Time, tx *sql.Tx) (uuid.UUID, error) {
	if tx != nil {
		return s.enqueueWith(ctx, tx, topic, payload, correlationID, dueTimeUtc)
	}

	privateTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: begin enqueue transaction: %w", err)
	}

	id, err := s.enqueueWith(ctx, privateTx, topic, payload, correlationID, dueTimeUtc)
	if err != nil {
		_ = privateTx.Rollback()

		return uuid.Nil, err
	}

	if err := privateTx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("outbox: commit enqueue transaction: %w", err)
	}

	return id, nil
}

// EnqueueTx is Enqueue for callers that must participate in an
// already-open, caller-owned transaction; a nil tx is an InvalidArgument
// error rather than silently falling back to a private transaction.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, topic, payload string, correlationID *string, dueTimeUtc *time.Time) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, ErrNilTransaction
	}

	return s.enqueueWith(ctx, tx, topic, payload, correlationID, dueTimeUtc)
}

func (s *Store) enqueueWith(ctx context.Context, tx *sql.Tx, topic, payload string, correlationID *string, dueTimeUtc *time.Time) (uuid.UUID, error) {
	messageID := uuid.New()

	query := fmt.Sprintf(`
		INSERT INTO %s (topic, payload, correlation_id, message_id, due_time_utc, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING id
	`, s.cfg.TableName("outbox"))

	var id uuid.UUID

	err := tx.QueryRowContext(ctx, query, topic, payload, correlationID, messageID, dueTimeUtc, int(workqueue.StatusReady)).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: enqueue: %w", err)
	}

	return id, nil
}

// Claim delegates to the generic work-queue protocol.
func (s *Store) Claim(ctx context.Context, leaseSeconds, batchSize int) ([]uuid.UUID, error) {
	return s.engine.Claim(ctx, s.conn, s.ownerToken, leaseSeconds, batchSize)
}

// ClaimAs is Claim for a caller-supplied owner token. internal/dispatch
// uses this to rotate a fresh token per RunOnce invocation,
// independent of the store's own per-process OwnerToken used by direct
// callers of Claim/MarkDispatched/Reschedule/Fail.
func (s *Store) ClaimAs(ctx context.Context, ownerToken workqueue.OwnerToken, leaseSeconds, batchSize int) ([]uuid.UUID, error) {
	return s.engine.Claim(ctx, s.conn, ownerToken, leaseSeconds, batchSize)
}

// AckAs is MarkDispatched for a caller-supplied owner token.
func (s *Store) AckAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, processedBy string) error {
	now := time.Now().UTC()

	_, err := s.engine.Ack(ctx, s.conn, ownerToken, []uuid.UUID{id},
		workqueue.ExtraColumn{Column: "is_processed", Value: true},
		workqueue.ExtraColumn{Column: "processed_at", Value: now},
		workqueue.ExtraColumn{Column: "processed_by", Value: processedBy},
	)

	return err
}

// RescheduleAs is Reschedule for a caller-supplied owner token.
func (s *Store) RescheduleAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error {
	_, err := s.engine.Abandon(ctx, s.conn, ownerToken, []uuid.UUID{id}, &lastError, &delay)

	return err
}

// FailAs is Fail for a caller-supplied owner token.
func (s *Store) FailAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, lastError string) error {
	_, err := s.engine.Fail(ctx, s.conn, ownerToken, []uuid.UUID{id}, lastError,
		workqueue.ExtraColumn{Column: "processed_by", Value: FailedMarker},
	)

	return err
}

// MarkDispatched is an Ack wrapper stamping IsProcessed/ProcessedAt/ProcessedBy.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID, processedBy string) error {
	now := time.Now().UTC()

	_, err := s.engine.Ack(ctx, s.conn, s.ownerToken, []uuid.UUID{id},
		workqueue.ExtraColumn{Column: "is_processed", Value: true},
		workqueue.ExtraColumn{Column: "processed_at", Value: now},
		workqueue.ExtraColumn{Column: "processed_by", Value: processedBy},
	)

	return err
}

// Reschedule is an Abandon wrapper with the given delay and last error.
// delay must be non-negative; negative delays return ErrNegativeDelay.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, delay time.Duration, lastError string) error {
	_, err := s.engine.Abandon(ctx, s.conn, s.ownerToken, []uuid.UUID{id}, &lastError, &delay)

	return err
}

// Fail marks the row terminally Failed with a FAILED ProcessedBy marker.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.engine.Fail(ctx, s.conn, s.ownerToken, []uuid.UUID{id}, lastError,
		workqueue.ExtraColumn{Column: "processed_by", Value: FailedMarker},
	)

	return err
}

// ReapExpired delegates to the generic work-queue protocol; safe to call
// from any process, with no ownership check.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	return s.engine.ReapExpired(ctx, s.conn)
}

// Get fetches a single message by id, returning workqueue.ErrNotFound if
// absent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := fmt.Sprintf(`
		SELECT id, topic, payload, correlation_id, message_id, created_at, due_time_utc,
		       status, locked_until, owner_token, retry_count, last_error,
		       is_processed, processed_at, processed_by
		FROM %s
		WHERE id = $1
	`, s.cfg.TableName("outbox"))

	var m Message

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.Topic, &m.Payload, &m.CorrelationID, &m.MessageID, &m.CreatedAt, &m.DueTimeUtc,
		&m.Status, &m.LockedUntil, &m.OwnerToken, &m.RetryCount, &m.LastError,
		&m.IsProcessed, &m.ProcessedAt, &m.ProcessedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workqueue.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("outbox: get %s: %w", id, err)
	}

	return &m, nil
}
