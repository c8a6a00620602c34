package scheduler

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

// ErrTimerNotFound is returned by Get on a missing timer id.
var ErrTimerNotFound = errors.New("scheduler: timer not found")

// ErrJobRunNotFound is returned by Get on a missing job-run id.
var ErrJobRunNotFound = errors.New("scheduler: job run not found")

// Timer is the row shape returned by TimerStore.Get, the view a dispatcher
// needs to resolve a handler and process the claimed row.
type Timer struct {
	ID            uuid.UUID
	DueTime       time.Time
	Topic         string
	Payload       string
	CorrelationID *string
	Status        workqueue.Status
	RetryCount    int
}

// JobRun is the row shape returned by JobRunStore.Get, joined against Jobs
// for Topic/Payload since a JobRun does not carry its own.
type JobRun struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	ScheduledTime time.Time
	Topic         string
	Payload       *string
	Status        workqueue.Status
	RetryCount    int
}

// TimerStore implements ScheduleTimer plus the shared work-queue protocol
// against the Timers table, via internal/workqueue.
type TimerStore struct {
	conn       *dbkit.Connection
	cfg        dbkit.StoreConfig
	engine     *workqueue.Engine
	ownerToken workqueue.OwnerToken
}

// NewTimerStore constructs a TimerStore.
func NewTimerStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *TimerStore {
	spec := workqueue.TableSpec{
		SchemaName:   cfg.SchemaName,
		TableName:    resolveTableName(cfg, "timers"),
		StatusColumn: "status_code",
	}.WithDefaults()

	return &TimerStore{
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

// ScheduleTimer inserts a Timer row, returning its identifier.
func (s *TimerStore) ScheduleTimer(ctx context.Context, topic, payload string, dueTime time.Time, correlationID *string) (uuid.UUID, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (due_time_utc, payload, topic, correlation_id, status_code, status)
		VALUES ($1, $2, $3, $4, 0, 'Ready')
		RETURNING id
	`, s.cfg.TableName("timers"))

	var id uuid.UUID

	err := s.conn.QueryRowContext(ctx, query, dueTime, payload, topic, correlationID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: schedule timer: %w", err)
	}

	return id, nil
}

// Claim/Ack/Abandon/Fail/ReapExpired delegate to the shared protocol.
func (s *TimerStore) Claim(ctx context.Context, leaseSeconds, batchSize int) ([]uuid.UUID, error) {
	return s.engine.Claim(ctx, s.conn, s.ownerToken, leaseSeconds, batchSize)
}

func (s *TimerStore) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := s.engine.Ack(ctx, s.conn, s.ownerToken, []uuid.UUID{id},
		workqueue.ExtraColumn{Column: "status", Value: "Done"},
		workqueue.ExtraColumn{Column: "processed_at", Value: time.Now().UTC()},
	)

	return err
}

func (s *TimerStore) Abandon(ctx context.Context, id uuid.UUID, lastError *string, delay *time.Duration) error {
	_, err := s.engine.Abandon(ctx, s.conn, s.ownerToken, []uuid.UUID{id}, lastError, delay,
		workqueue.ExtraColumn{Column: "status", Value: "Ready"},
	)

	return err
}

func (s *TimerStore) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.engine.Fail(ctx, s.conn, s.ownerToken, []uuid.UUID{id}, lastError,
		workqueue.ExtraColumn{Column: "status", Value: "Failed"},
	)

	return err
}

func (s *TimerStore) ReapExpired(ctx context.Context) (int64, error) {
	return s.engine.ReapExpired(ctx, s.conn,
		workqueue.ExtraColumn{Column: "status", Value: "Ready"},
	)
}

// ClaimAs/AckAs/RescheduleAs/FailAs are the caller-supplied-owner-token
// variants used by the scheduler dispatcher, mirroring outbox.Store's
// rotated-token-per-RunOnce pattern.
func (s *TimerStore) ClaimAs(ctx context.Context, ownerToken workqueue.OwnerToken, leaseSeconds, batchSize int) ([]uuid.UUID, error) {
	return s.engine.Claim(ctx, s.conn, ownerToken, leaseSeconds, batchSize)
}

func (s *TimerStore) AckAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID) error {
	_, err := s.engine.Ack(ctx, s.conn, ownerToken, []uuid.UUID{id},
		workqueue.ExtraColumn{Column: "status", Value: "Done"},
		workqueue.ExtraColumn{Column: "processed_at", Value: time.Now().UTC()},
	)

	return err
}

func (s *TimerStore) RescheduleAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, delay time.Duration, lastError string) error {
	_, err := s.engine.Abandon(ctx, s.conn, ownerToken, []uuid.UUID{id}, &lastError, &delay,
		workqueue.ExtraColumn{Column: "status", Value: "Ready"},
	)

	return err
}

func (s *TimerStore) FailAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, lastError string) error {
	_, err := s.engine.Fail(ctx, s.conn, ownerToken, []uuid.UUID{id}, lastError,
		workqueue.ExtraColumn{Column: "status", Value: "Failed"},
	)

	return err
}

// Get fetches a single timer by id.
func (s *TimerStore) Get(ctx context.Context, id uuid.UUID) (*Timer, error) {
	query := fmt.Sprintf(`
		SELECT id, due_time_utc, topic, payload, correlation_id, status_code, retry_count
		FROM %s WHERE id = $1
	`, s.cfg.TableName("timers"))

	var t Timer

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.DueTime, &t.Topic, &t.Payload, &t.CorrelationID, &t.Status, &t.RetryCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTimerNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scheduler: get timer %s: %w", id, err)
	}

	return &t, nil
}

// JobRunStore implements the shared work-queue protocol against the
// JobRuns table, whose due-time column is ScheduledTime rather than
// DueTimeUtc.
type JobRunStore struct {
	conn       *dbkit.Connection
	cfg        dbkit.StoreConfig
	engine     *workqueue.Engine
	ownerToken workqueue.OwnerToken
}

// NewJobRunStore constructs a JobRunStore.
func NewJobRunStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *JobRunStore {
	spec := workqueue.TableSpec{
		SchemaName:   cfg.SchemaName,
		TableName:    resolveTableName(cfg, "job_runs"),
		StatusColumn: "status_code",
		DueColumn:    "scheduled_time",
	}.WithDefaults()

	return &JobRunStore{
		conn:       conn,
		cfg:        cfg,
		engine:     workqueue.NewEngine(spec, clk),
		ownerToken: workqueue.NewOwnerToken(),
	}
}

func (s *JobRunStore) Claim(ctx context.Context, leaseSeconds, batchSize int) ([]uuid.UUID, error) {
	return s.engine.Claim(ctx, s.conn, s.ownerToken, leaseSeconds, batchSize)
}

func (s *JobRunStore) Ack(ctx context.Context, id uuid.UUID, output *string) error {
	now := time.Now().UTC()

	_, err := s.engine.Ack(ctx, s.conn, s.ownerToken, []uuid.UUID{id},
		workqueue.ExtraColumn{Column: "status", Value: "Done"},
		workqueue.ExtraColumn{Column: "end_time", Value: now},
		workqueue.ExtraColumn{Column: "output", Value: output},
	)

	return err
}

func (s *JobRunStore) MarkStarted(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`UPDATE %s SET start_time = $1 WHERE id = $2`, s.cfg.TableName("job_runs"))

	_, err := s.conn.ExecContext(ctx, query, time.Now().UTC(), id)

	return err
}

func (s *JobRunStore) Abandon(ctx context.Context, id uuid.UUID, lastError *string, delay *time.Duration) error {
	_, err := s.engine.Abandon(ctx, s.conn, s.ownerToken, []uuid.UUID{id}, lastError, delay,
		workqueue.ExtraColumn{Column: "status", Value: "Ready"},
	)

	return err
}

func (s *JobRunStore) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	now := time.Now().UTC()

	_, err := s.engine.Fail(ctx, s.conn, s.ownerToken, []uuid.UUID{id}, lastError,
		workqueue.ExtraColumn{Column: "status", Value: "Failed"},
		workqueue.ExtraColumn{Column: "end_time", Value: now},
	)

	return err
}

func (s *JobRunStore) ReapExpired(ctx context.Context) (int64, error) {
	return s.engine.ReapExpired(ctx, s.conn,
		workqueue.ExtraColumn{Column: "status", Value: "Ready"},
	)
}

// ClaimAs/AckAs/AbandonAs/FailAs are the caller-supplied-owner-token
// variants used by the scheduler dispatcher; see TimerStore's equivalents.
func (s *JobRunStore) ClaimAs(ctx context.Context, ownerToken workqueue.OwnerToken, leaseSeconds, batchSize int) ([]uuid.UUID, error) {
	return s.engine.Claim(ctx, s.conn, ownerToken, leaseSeconds, batchSize)
}

func (s *JobRunStore) AckAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, output *string) error {
	now := time.Now().UTC()

	_, err := s.engine.Ack(ctx, s.conn, ownerToken, []uuid.UUID{id},
		workqueue.ExtraColumn{Column: "status", Value: "Done"},
		workqueue.ExtraColumn{Column: "end_time", Value: now},
		workqueue.ExtraColumn{Column: "output", Value: output},
	)

	return err
}

func (s *JobRunStore) AbandonAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, lastError *string, delay *time.Duration) error {
	_, err := s.engine.Abandon(ctx, s.conn, ownerToken, []uuid.UUID{id}, lastError, delay,
		workqueue.ExtraColumn{Column: "status", Value: "Ready"},
	)

	return err
}

func (s *JobRunStore) FailAs(ctx context.Context, ownerToken workqueue.OwnerToken, id uuid.UUID, lastError string) error {
	now := time.Now().UTC()

	_, err := s.engine.Fail(ctx, s.conn, ownerToken, []uuid.UUID{id}, lastError,
		workqueue.ExtraColumn{Column: "status", Value: "Failed"},
		workqueue.ExtraColumn{Column: "end_time", Value: now},
	)

	return err
}

// Get fetches a single job run by id, joined against Jobs for Topic/Payload
// since a JobRun does not carry its own.
func (s *JobRunStore) Get(ctx context.Context, id uuid.UUID) (*JobRun, error) {
	query := fmt.Sprintf(`
		SELECT r.id, r.job_id, r.scheduled_time, j.topic, j.payload, r.status_code, r.retry_count
		FROM %s r JOIN %s j ON j.id = r.job_id
		WHERE r.id = $1
	`, s.cfg.TableName("job_runs"), s.cfg.TableName("jobs"))

	var jr JobRun

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&jr.ID, &jr.JobID, &jr.ScheduledTime, &jr.Topic, &jr.Payload, &jr.Status, &jr.RetryCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scheduler: get job run %s: %w", id, err)
	}

	return &jr, nil
}
