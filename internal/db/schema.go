package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the tables and indexes if they are missing. Real
// migrations are handled out of band; this keeps dev and test databases
// usable without extra tooling.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id UUID PRIMARY KEY,
			hostname VARCHAR(255) NOT NULL UNIQUE,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			external_id VARCHAR(255) NOT NULL UNIQUE,
			signature TEXT,
			selector JSONB NOT NULL DEFAULT '{}',
			payload JSONB NOT NULL DEFAULT '{}',
			command_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'NEW',
			approval_state TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS host_command_blocks (
			id UUID PRIMARY KEY,
			host_id UUID NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			command_type TEXT NOT NULL,
			UNIQUE (host_id, command_type)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id UUID PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			host_id UUID NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'NEW',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS executions_job_status_idx
			ON executions (job_id, status)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id UUID PRIMARY KEY,
			execution_id UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			line TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS execution_logs_execution_ts_idx
			ON execution_logs (execution_id, ts)`,
		`CREATE TABLE IF NOT EXISTS outbox_event (
			id UUID PRIMARY KEY,
			event_type TEXT NOT NULL DEFAULT 'PLAN_JOB',
			payload JSONB,
			status TEXT NOT NULL DEFAULT 'NEW',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_event_status_created_idx
			ON outbox_event (status, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
