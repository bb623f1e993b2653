package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// LogRepo — репозиторий журнала executions.
// Журнал append-only: записи не обновляются и не удаляются поштучно.
type LogRepo struct {
	pool *pgxpool.Pool
}

// NewLogRepo создаёт новый LogRepo.
func NewLogRepo(pool *pgxpool.Pool) *LogRepo {
	return &LogRepo{pool: pool}
}

// Append добавляет запись в журнал. ID присваивается базой (BIGSERIAL).
func (r *LogRepo) Append(ctx context.Context, log *domain.ExecutionLog) error {
	detailsJSON, err := json.Marshal(log.Details)
	if err != nil {
		return fmt.Errorf("marshal log details: %w", err)
	}

	query := `
		INSERT INTO execution_logs (execution_id, step_execution_id, level, message, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = r.pool.QueryRow(ctx, query,
		log.ExecutionID,
		log.StepExecutionID,
		log.Level,
		log.Message,
		detailsJSON,
		log.Timestamp,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// LogFilter — параметры выборки журнала.
type LogFilter struct {
	Level  domain.LogLevel
	Limit  int
	Offset int
}

// ListByExecution возвращает журнал execution в порядке (timestamp, id).
func (r *LogRepo) ListByExecution(ctx context.Context, executionID uuid.UUID, filter LogFilter) ([]domain.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, step_execution_id, level, message, details, timestamp
		FROM execution_logs
		WHERE execution_id = $1
		  AND ($2::text IS NULL OR level = $2)
		ORDER BY timestamp ASC, id ASC
		LIMIT $3 OFFSET $4
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.pool.Query(ctx, query,
		executionID,
		nullString(string(filter.Level)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var log domain.ExecutionLog
		var detailsJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.ExecutionID,
			&log.StepExecutionID,
			&log.Level,
			&log.Message,
			&detailsJSON,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}

		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &log.Details); err != nil {
				return nil, fmt.Errorf("unmarshal log details: %w", err)
			}
		}

		logs = append(logs, log)
	}
	return logs, rows.Err()
}
