package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydb/relaydb/internal/dbkit"
)

// Policy is the row shape for a FanoutPolicy.
type Policy struct {
	Topic         string
	WorkKey       string
	EverySeconds  int
	JitterSeconds int
}

// CursorPlanner is the default Planner implementation, computing due
// slices from the FanoutPolicy/FanoutCursor tables using the cadence
// formula nextDue = max(LastCompletedAtUtc, LastDueAtUtc) + EverySeconds
// +/- rand(JitterSeconds).
type CursorPlanner struct {
	conn *dbkit.Connection
	cfg  dbkit.StoreConfig
}

// NewCursorPlanner constructs a CursorPlanner.
func NewCursorPlanner(conn *dbkit.Connection, cfg dbkit.StoreConfig) *CursorPlanner {
	return &CursorPlanner{conn: conn, cfg: cfg}
}

// GetDueSlices returns one Slice per (topic, workKey, shardKey) cursor that
// is currently due and not InFlight.
func (p *CursorPlanner) GetDueSlices(ctx context.Context, topic string, workKey *string) ([]Slice, error) {
	policies, err := p.policiesFor(ctx, topic, workKey)
	if err != nil {
		return nil, err
	}

	var out []Slice

	now := time.Now().UTC()

	for _, pol := range policies {
		cursors, err := p.cursorsFor(ctx, pol.Topic, pol.WorkKey)
		if err != nil {
			return nil, err
		}

		for _, c := range cursors {
			if c.status == CursorInFlight {
				continue
			}

			base := c.lastCompletedAtUtc
			if base == nil || (c.lastDueAtUtc != nil && c.lastDueAtUtc.After(*base)) {
				base = c.lastDueAtUtc
			}

			nextDue := now
			if base != nil {
				j := time.Duration(pol.JitterSeconds) * time.Second
				nextDue = base.Add(time.Duration(pol.EverySeconds)*time.Second + jitter(2*j) - j)
			}

			if nextDue.After(now) {
				continue
			}

			out = append(out, Slice{Topic: pol.Topic, WorkKey: pol.WorkKey, ShardKey: c.shardKey})
		}
	}

	return out, nil
}

func (p *CursorPlanner) policiesFor(ctx context.Context, topic string, workKey *string) ([]Policy, error) {
	query := fmt.Sprintf(`SELECT topic, work_key, every_seconds, jitter_seconds FROM %s WHERE topic = $1 AND ($2::text IS NULL OR work_key = $2)`, p.cfg.TableName("fanout_policy"))

	rows, err := p.conn.QueryContext(ctx, query, topic, workKey)
	if err != nil {
		return nil, fmt.Errorf("fanout: list policies: %w", err)
	}
	defer rows.Close()

	var out []Policy

	for rows.Next() {
		var pol Policy
		if err := rows.Scan(&pol.Topic, &pol.WorkKey, &pol.EverySeconds, &pol.JitterSeconds); err != nil {
			return nil, fmt.Errorf("fanout: scan policy: %w", err)
		}

		out = append(out, pol)
	}

	return out, rows.Err()
}

type cursorRow struct {
	shardKey           string
	lastDueAtUtc       *time.Time
	lastCompletedAtUtc *time.Time
	status             CursorStatus
}

func (p *CursorPlanner) cursorsFor(ctx context.Context, topic, workKey string) ([]cursorRow, error) {
	query := fmt.Sprintf(`
		SELECT shard_key, last_due_at_utc, last_completed_at_utc, status
		FROM %s WHERE topic = $1 AND work_key = $2
	`, p.cfg.TableName("fanout_cursor"))

	rows, err := p.conn.QueryContext(ctx, query, topic, workKey)
	if err != nil {
		return nil, fmt.Errorf("fanout: list cursors: %w", err)
	}
	defer rows.Close()

	var out []cursorRow

	for rows.Next() {
		var c cursorRow
		if err := rows.Scan(&c.shardKey, &c.lastDueAtUtc, &c.lastCompletedAtUtc, &c.status); err != nil {
			return nil, fmt.Errorf("fanout: scan cursor: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}
