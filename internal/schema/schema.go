// Package schema provides the runtime, idempotent DDL-ensure path used by
// internal/multistore's providers when a StoreConfig has
// EnableSchemaDeployment set: CREATE SCHEMA/TABLE/INDEX IF NOT EXISTS for
// every table the system owns, honoring per-store schema and table-name
// overrides. This is distinct from cmd/migrator's golang-migrate-driven,
// version-tracked migrations (run once against the fixed control-plane
// database); schema.EnsureAll runs against whichever store a Configured or
// Dynamic provider just connected to, so a newly registered tenant store
// does not need an out-of-band migration step before it can be used.
package schema

import (
	"context"
	"fmt"

	"github.com/relaydb/relaydb/internal/dbkit"
)

// CanonicalTables lists every logical table name a StoreConfig.TableNames
// override entry may target.
var CanonicalTables = []string{
	"outbox",
	"inbox",
	"jobs",
	"job_runs",
	"timers",
	"scheduler_state",
	"lease",
	"fanout_policy",
	"fanout_cursor",
	"outbox_join",
	"outbox_join_member",
}

// EnsureAll creates the schema and every table/index this module depends
// on if they do not already exist. Safe to call repeatedly and
// concurrently; every statement is IF NOT EXISTS.
func EnsureAll(ctx context.Context, conn *dbkit.Connection, cfg dbkit.StoreConfig) error {
	stmts, err := statements(cfg)
	if err != nil {
		return err
	}

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: ensure failed on store %q: %w", cfg.Identifier, err)
		}
	}

	return nil
}

func statements(cfg dbkit.StoreConfig) ([]string, error) {
	schemaName := dbkit.QuoteIdentifier(cfg.SchemaName)

	t := cfg.TableName

	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schemaName),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			topic          text NOT NULL,
			payload        text NOT NULL,
			correlation_id text,
			message_id     uuid NOT NULL,
			created_at     timestamptz NOT NULL DEFAULT now(),
			due_time_utc   timestamptz,
			status         smallint NOT NULL DEFAULT 0,
			locked_until   timestamptz,
			owner_token    uuid,
			retry_count    int NOT NULL DEFAULT 0,
			last_error     text,
			is_processed   boolean NOT NULL DEFAULT false,
			processed_at   timestamptz,
			processed_by   text
		)`, t("outbox")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS outbox_message_id_idx ON %s (message_id)`, t("outbox")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS outbox_ready_due_idx ON %s (status, due_time_utc) WHERE status = 0`, t("outbox")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id     varchar NOT NULL,
			source         varchar NOT NULL,
			hash           bytea,
			first_seen_utc timestamptz NOT NULL DEFAULT now(),
			last_seen_utc  timestamptz NOT NULL DEFAULT now(),
			processed_utc  timestamptz,
			due_time_utc   timestamptz,
			attempts       int NOT NULL DEFAULT 0,
			status         varchar NOT NULL DEFAULT 'Seen',
			last_error     text,
			locked_until   timestamptz,
			owner_token    uuid,
			topic          text,
			payload        text,
			PRIMARY KEY (message_id, source)
		)`, t("inbox")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS inbox_ready_due_idx ON %s (status, due_time_utc) WHERE status = 'Seen'`, t("inbox")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			job_name        varchar NOT NULL UNIQUE,
			cron_schedule   varchar NOT NULL,
			topic           text NOT NULL,
			payload         text,
			is_enabled      boolean NOT NULL DEFAULT true,
			next_due_time   timestamptz,
			last_run_time   timestamptz,
			last_run_status varchar
		)`, t("jobs")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id         uuid NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			scheduled_time timestamptz NOT NULL,
			status_code    smallint NOT NULL DEFAULT 0,
			locked_until   timestamptz,
			owner_token    uuid,
			status         varchar NOT NULL DEFAULT 'Ready',
			retry_count    int NOT NULL DEFAULT 0,
			start_time     timestamptz,
			end_time       timestamptz,
			output         text,
			last_error     text,
			created_at     timestamptz NOT NULL DEFAULT now()
		)`, t("job_runs"), t("jobs")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS job_runs_job_scheduled_idx ON %s (job_id, scheduled_time)`, t("job_runs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS job_runs_ready_due_idx ON %s (status_code, scheduled_time) WHERE status_code = 0`, t("job_runs")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			due_time_utc   timestamptz NOT NULL,
			payload        text NOT NULL,
			topic          text NOT NULL,
			correlation_id text,
			status_code    smallint NOT NULL DEFAULT 0,
			locked_until   timestamptz,
			owner_token    uuid,
			status         varchar NOT NULL DEFAULT 'Ready',
			retry_count    int NOT NULL DEFAULT 0,
			created_at     timestamptz NOT NULL DEFAULT now(),
			processed_at   timestamptz,
			last_error     text
		)`, t("timers")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS timers_ready_due_idx ON %s (status_code, due_time_utc) WHERE status_code = 0`, t("timers")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                    int PRIMARY KEY DEFAULT 1,
			current_fencing_token bigint NOT NULL DEFAULT 0,
			last_run_at           timestamptz,
			CONSTRAINT scheduler_state_singleton CHECK (id = 1)
		)`, t("scheduler_state")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource_name   text PRIMARY KEY,
			owner_token     uuid NOT NULL,
			lease_until_utc timestamptz NOT NULL,
			fencing_token   bigint NOT NULL DEFAULT 0,
			context_json    text
		)`, t("lease")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			topic          text NOT NULL,
			work_key       text NOT NULL,
			every_seconds  int NOT NULL,
			jitter_seconds int NOT NULL DEFAULT 0,
			PRIMARY KEY (topic, work_key)
		)`, t("fanout_policy")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			topic                 text NOT NULL,
			work_key              text NOT NULL,
			shard_key             text NOT NULL,
			last_due_at_utc       timestamptz,
			last_completed_at_utc timestamptz,
			status                varchar NOT NULL DEFAULT 'Idle',
			PRIMARY KEY (topic, work_key, shard_key),
			FOREIGN KEY (topic, work_key) REFERENCES %s (topic, work_key) ON DELETE CASCADE
		)`, t("fanout_cursor"), t("fanout_policy")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			join_id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id        text NOT NULL,
			expected_steps   int NOT NULL,
			completed_steps  int NOT NULL DEFAULT 0,
			failed_steps     int NOT NULL DEFAULT 0,
			status           smallint NOT NULL DEFAULT 0,
			created_utc      timestamptz NOT NULL DEFAULT now(),
			last_updated_utc timestamptz NOT NULL DEFAULT now(),
			metadata         text,
			CONSTRAINT outbox_join_steps_bound CHECK (completed_steps + failed_steps <= expected_steps)
		)`, t("outbox_join")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			join_id            uuid NOT NULL REFERENCES %s (join_id) ON DELETE CASCADE,
			outbox_message_id  uuid NOT NULL,
			completed_at       timestamptz,
			failed_at          timestamptz,
			PRIMARY KEY (join_id, outbox_message_id)
		)`, t("outbox_join_member"), t("outbox_join")),
	}, nil
}
