package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Схема хранилища. Все операторы идемпотентны: Migrate можно вызывать
// при каждом старте любого бинарника.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL,
		version     INT  NOT NULL,
		status      TEXT NOT NULL,
		metadata    JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (name, version)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_steps (
		id              UUID PRIMARY KEY,
		workflow_id     UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		task_type       TEXT NOT NULL,
		step_order      INT  NOT NULL,
		config          JSONB,
		timeout_seconds INT  NOT NULL,
		max_retries     INT  NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		UNIQUE (workflow_id, step_order)
	)`,

	// Executions держат RESTRICT-ссылку на workflow: workflow с
	// executions удалить нельзя.
	`CREATE TABLE IF NOT EXISTS executions (
		id                 UUID PRIMARY KEY,
		workflow_id        UUID NOT NULL REFERENCES workflows(id) ON DELETE RESTRICT,
		idempotency_key    TEXT NOT NULL,
		status             TEXT NOT NULL,
		current_step_order INT  NOT NULL DEFAULT 0,
		retry_count        INT  NOT NULL DEFAULT 0,
		max_retries        INT  NOT NULL DEFAULT 3,
		input_data         JSONB,
		output_data        JSONB,
		error_message      TEXT,
		scheduled_at       TIMESTAMPTZ,
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (workflow_id, idempotency_key)
	)`,

	`CREATE TABLE IF NOT EXISTS step_executions (
		id             UUID PRIMARY KEY,
		execution_id   UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		step_id        UUID NOT NULL REFERENCES workflow_steps(id),
		step_order     INT  NOT NULL,
		status         TEXT NOT NULL,
		attempt_number INT  NOT NULL,
		input_data     JSONB,
		output_data    JSONB,
		error_message  TEXT,
		error_details  JSONB,
		started_at     TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL
	)`,

	// id — BIGSERIAL: монотонный в рамках одного потока вставок,
	// порядок (timestamp, id) стабилен при равных таймстемпах.
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id                BIGSERIAL PRIMARY KEY,
		execution_id      UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		step_execution_id UUID REFERENCES step_executions(id) ON DELETE CASCADE,
		level             TEXT NOT NULL,
		message           TEXT NOT NULL,
		details           JSONB,
		timestamp         TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_scheduled_pending
		ON executions (scheduled_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_executions_created_pending
		ON executions (created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_executions_updated_running
		ON executions (updated_at) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_executions_scheduled_retrying
		ON executions (scheduled_at) WHERE status = 'retrying'`,
	`CREATE INDEX IF NOT EXISTS idx_step_executions_execution
		ON step_executions (execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution_ts
		ON execution_logs (execution_id, timestamp)`,
}

// Migrate применяет схему хранилища.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
