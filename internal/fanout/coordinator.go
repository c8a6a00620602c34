// Package fanout implements the fan-out coordinator: a
// lease-gated loop that asks a Planner for due slices and enqueues one
// outbox message per slice, advancing each slice's cursor atomically with
// the enqueue.
package fanout

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/relaydb/relaydb/internal/dbkit"
	"github.com/relaydb/relaydb/internal/lease"
)

// Slice describes one due unit of fan-out work.
type Slice struct {
	Topic         string
	ShardKey      string
	WorkKey       string
	CorrelationID *string
}

// CursorStatus is the per-slice cursor lifecycle state.
type CursorStatus string

const (
	CursorIdle     CursorStatus = "Idle"
	CursorInFlight CursorStatus = "InFlight"
	CursorComplete CursorStatus = "Completed"
)

// Planner yields the slices that are currently due for a topic (and
// optionally a specific workKey).
type Planner interface {
	GetDueSlices(ctx context.Context, topic string, workKey *string) ([]Slice, error)
}

// EnqueueFunc enqueues one outbox message describing a slice, within the
// given transaction, returning only an error.
type EnqueueFunc func(ctx context.Context, tx *sql.Tx, slice Slice) error

// Coordinator runs the lease-gated fan-out loop.
type Coordinator struct {
	conn         *dbkit.Connection
	cfg          dbkit.StoreConfig
	leaseStore   *lease.Store
	planner      Planner
	enqueue      EnqueueFunc
	leaseCeiling time.Duration
}

// NewCoordinator constructs a Coordinator. leaseCeiling bounds the
// per-topic fan-out lease duration regardless of policy cadence.
func NewCoordinator(conn *dbkit.Connection, cfg dbkit.StoreConfig, leaseStore *lease.Store, planner Planner, enqueue EnqueueFunc, leaseCeiling time.Duration) *Coordinator {
	if leaseCeiling <= 0 {
		leaseCeiling = 5 * time.Minute
	}

	return &Coordinator{conn: conn, cfg: cfg, leaseStore: leaseStore, planner: planner, enqueue: enqueue, leaseCeiling: leaseCeiling}
}

// Run attempts to acquire the "fanout:<topic>" singleton lease, then
// enqueues one outbox message per due slice, updating each slice's cursor
// atomically with the enqueue. Returns the number of slices processed.
func (c *Coordinator) Run(ctx context.Context, topic string, workKey *string, cadence time.Duration) (int, error) {
	leaseDuration := cadence
	if leaseDuration <= 0 || leaseDuration > c.leaseCeiling {
		leaseDuration = c.leaseCeiling
	}

	held, err := c.leaseStore.Acquire(ctx, "fanout:"+topic, leaseDuration, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("fanout: acquire lease for %q: %w", topic, err)
	}

	if held == nil {
		return 0, nil
	}

	slices, err := c.planner.GetDueSlices(ctx, topic, workKey)
	if err != nil {
		return 0, fmt.Errorf("fanout: get due slices for %q: %w", topic, err)
	}

	processed := 0

	for _, slice := range slices {
		if err := c.processSlice(ctx, slice); err != nil {
			return processed, err
		}

		processed++
	}

	return processed, nil
}

func (c *Coordinator) processSlice(ctx context.Context, slice Slice) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fanout: begin slice transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := c.enqueue(ctx, tx, slice); err != nil {
		return fmt.Errorf("fanout: enqueue slice %s/%s: %w", slice.Topic, slice.ShardKey, err)
	}

	if err := c.markInFlight(ctx, tx, slice); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fanout: commit slice: %w", err)
	}

	return nil
}

func (c *Coordinator) markInFlight(ctx context.Context, tx *sql.Tx, slice Slice) error {
	query := fmt.Sprintf(`
		UPDATE %s SET last_due_at_utc = $1, status = $2
		WHERE topic = $3 AND work_key = $4 AND shard_key = $5
	`, c.cfg.TableName("fanout_cursor"))

	_, err := tx.ExecContext(ctx, query, time.Now().UTC(), string(CursorInFlight), slice.Topic, slice.WorkKey, slice.ShardKey)
	if err != nil {
		return fmt.Errorf("fanout: update cursor: %w", err)
	}

	return nil
}

// MarkCompleted sets a cursor's LastCompletedAtUtc and Status=Completed.
// The completion path (join-wait or explicit slice-done messages) calls
// this, not the emission path.
func (c *Coordinator) MarkCompleted(ctx context.Context, topic, workKey, shardKey string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET last_completed_at_utc = $1, status = $2
		WHERE topic = $3 AND work_key = $4 AND shard_key = $5
	`, c.cfg.TableName("fanout_cursor"))

	_, err := c.conn.ExecContext(ctx, query, time.Now().UTC(), string(CursorComplete), topic, workKey, shardKey)
	if err != nil {
		return fmt.Errorf("fanout: mark completed: %w", err)
	}

	return nil
}

// DistinctTopics returns every topic named in the fan-out policy table,
// letting a driver loop call Run once per topic without hardcoding the
// policy list at startup.
func (c *Coordinator) DistinctTopics(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT topic FROM %s`, c.cfg.TableName("fanout_policy"))

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fanout: list distinct topics: %w", err)
	}
	defer rows.Close()

	var topics []string

	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("fanout: scan topic: %w", err)
		}

		topics = append(topics, topic)
	}

	return topics, rows.Err()
}

// RunAllDue calls Run for every distinct policy topic, summing the number
// of slices processed across all of them. A per-topic error is logged by
// the caller's Run loop convention (returned immediately here, since this
// method has no logger of its own); callers that want log-and-continue
// across topics should call DistinctTopics + Run directly instead.
func (c *Coordinator) RunAllDue(ctx context.Context, cadence time.Duration) (int, error) {
	topics, err := c.DistinctTopics(ctx)
	if err != nil {
		return 0, err
	}

	total := 0

	for _, topic := range topics {
		n, err := c.Run(ctx, topic, nil, cadence)
		if err != nil {
			return total, fmt.Errorf("fanout: run topic %q: %w", topic, err)
		}

		total += n
	}

	return total, nil
}

// jitter returns a uniform random duration in [0, max).
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(max)))
}
