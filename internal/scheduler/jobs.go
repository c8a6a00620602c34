// Package scheduler implements Jobs/JobRuns/Timers and the cron
// materialization loop. JobRuns and Timers reuse
// internal/workqueue for their claim/ack/abandon/fail/reap lifecycle;
// Jobs and SchedulerState get their own small stores since neither is a
// work-item.
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
)

// ErrJobNotFound is returned by job lookups on a missing name.
var ErrJobNotFound = errors.New("scheduler: job not found")

// Job is the row shape for a scheduled job definition.
type Job struct {
	ID            uuid.UUID
	JobName       string
	CronSchedule  string
	Topic         string
	Payload       *string
	IsEnabled     bool
	NextDueTime   *time.Time
	LastRunTime   *time.Time
	LastRunStatus *string
}

// JobStore implements CreateOrUpdateJob/DeleteJob/TriggerJob.
type JobStore struct {
	conn  *dbkit.Connection
	cfg   dbkit.StoreConfig
	clock clock.WallClock
}

// NewJobStore constructs a JobStore.
func NewJobStore(conn *dbkit.Connection, cfg dbkit.StoreConfig, clk clock.WallClock) *JobStore {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}

	return &JobStore{conn: conn, cfg: cfg, clock: clk}
}

func (s *JobStore) table() string     { return s.cfg.TableName("jobs") }
func (s *JobStore) runsTable() string { return s.cfg.TableName("job_runs") }

// CreateOrUpdateJob upserts by unique JobName. A nil payload stores null.
func (s *JobStore) CreateOrUpdateJob(ctx context.Context, name, topic, cron string, payload *string) (*Job, error) {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (job_name, cron_schedule, topic, payload, is_enabled)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (job_name) DO UPDATE
		SET cron_schedule = $2, topic = $3, payload = $4
		RETURNING id, job_name, cron_schedule, topic, payload, is_enabled, next_due_time, last_run_time, last_run_status
	`, s.table())

	var j Job

	err := s.conn.QueryRowContext(ctx, query, name, cron, topic, payload).Scan(
		&j.ID, &j.JobName, &j.CronSchedule, &j.Topic, &j.Payload, &j.IsEnabled, &j.NextDueTime, &j.LastRunTime, &j.LastRunStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create-or-update job %q: %w", name, err)
	}

	return &j, nil
}

// DeleteJob removes a job by name.
func (s *JobStore) DeleteJob(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_name = $1`, s.table())

	_, err := s.conn.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("scheduler: delete job %q: %w", name, err)
	}

	return nil
}

// GetJob fetches a job by name.
func (s *JobStore) GetJob(ctx context.Context, name string) (*Job, error) {
	query := fmt.Sprintf(`
		SELECT id, job_name, cron_schedule, topic, payload, is_enabled, next_due_time, last_run_time, last_run_status
		FROM %s WHERE job_name = $1
	`, s.table())

	var j Job

	err := s.conn.QueryRowContext(ctx, query, name).Scan(
		&j.ID, &j.JobName, &j.CronSchedule, &j.Topic, &j.Payload, &j.IsEnabled, &j.NextDueTime, &j.LastRunTime, &j.LastRunStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scheduler: get job %q: %w", name, err)
	}

	return &j, nil
}

// ListEnabledJobsDueForMaterialization returns enabled jobs whose
// NextDueTime is null or <= now, for the cron materializer.
func (s *JobStore) ListEnabledJobsDueForMaterialization(ctx context.Context) ([]Job, error) {
	now := s.clock.Now()

	query := fmt.Sprintf(`
		SELECT id, job_name, cron_schedule, topic, payload, is_enabled, next_due_time, last_run_time, last_run_status
		FROM %s
		WHERE is_enabled AND (next_due_time IS NULL OR next_due_time <= $1)
	`, s.table())

	rows, err := s.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list due jobs: %w", err)
	}
	defer rows.Close()

	var out []Job

	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.JobName, &j.CronSchedule, &j.Topic, &j.Payload, &j.IsEnabled, &j.NextDueTime, &j.LastRunTime, &j.LastRunStatus,
		); err != nil {
			return nil, fmt.Errorf("scheduler: scan due job: %w", err)
		}

		out = append(out, j)
	}

	return out, rows.Err()
}

// TriggerJob inserts a JobRun row with ScheduledTime=now and Status=Ready
// so the dispatcher will claim it, bypassing the job's own cron schedule.
func (s *JobStore) TriggerJob(ctx context.Context, name string) (uuid.UUID, error) {
	j, err := s.GetJob(ctx, name)
	if err != nil {
		return uuid.Nil, err
	}

	now := s.clock.Now()

	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, scheduled_time, status_code, status)
		VALUES ($1, $2, 0, 'Ready')
		ON CONFLICT (job_id, scheduled_time) DO NOTHING
		RETURNING id
	`, s.runsTable())

	var id uuid.UUID

	err = s.conn.QueryRowContext(ctx, query, j.ID, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil // duplicate scheduled time for this job, already materialized
	}

	if err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: trigger job %q: %w", name, err)
	}

	return id, nil
}

// MaterializeDue advances NextDueTime for every enabled job that is due,
// inserting a JobRun and bumping NextDueTime to the next occurrence
// strictly after now in a single transaction per job, so the operation is
// idempotent against crashes: either both happen, or neither.
func (s *JobStore) MaterializeDue(ctx context.Context, nextOccurrence func(cronSchedule string, after time.Time) (time.Time, error)) (int, error) {
	due, err := s.ListEnabledJobsDueForMaterialization(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	materialized := 0

	for _, j := range due {
		next, err := nextOccurrence(j.CronSchedule, now)
		if err != nil {
			return materialized, fmt.Errorf("scheduler: compute next occurrence for %q: %w", j.JobName, err)
		}

		scheduledTime := now
		if j.NextDueTime != nil {
			scheduledTime = *j.NextDueTime
		}

		if err := s.materializeOne(ctx, j.ID, scheduledTime, next); err != nil {
			return materialized, err
		}

		materialized++
	}

	return materialized, nil
}

func (s *JobStore) materializeOne(ctx context.Context, jobID uuid.UUID, scheduledTime, nextDue time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler: begin materialize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (job_id, scheduled_time, status_code, status)
		VALUES ($1, $2, 0, 'Ready')
		ON CONFLICT (job_id, scheduled_time) DO NOTHING
	`, s.runsTable())

	if _, err := tx.ExecContext(ctx, insertQuery, jobID, scheduledTime); err != nil {
		return fmt.Errorf("scheduler: insert job run: %w", err)
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET next_due_time = $1 WHERE id = $2`, s.table())

	if _, err := tx.ExecContext(ctx, updateQuery, nextDue, jobID); err != nil {
		return fmt.Errorf("scheduler: advance next due time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("scheduler: commit materialize: %w", err)
	}

	return nil
}
