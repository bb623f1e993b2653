package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ExecutionRepo — репозиторий executions и попыток шагов.
//
// Все переходы статусов — одиночные guarded-обновления:
//
//	UPDATE ... WHERE id = $1 AND status = ANY(<allowed_prev>)
//
// Ноль затронутых строк означает, что конкурентный переход победил;
// вызывающий перечитывает строку и решает сам. Блокировок нет.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

const executionColumns = `
	id, workflow_id, idempotency_key, status, current_step_order,
	retry_count, max_retries, input_data, output_data, error_message,
	scheduled_at, started_at, completed_at, created_at, updated_at
`

// Create вставляет новую строку execution.
// Возвращает ErrAlreadyExists при конфликте (workflow_id, idempotency_key):
// первый insert побеждает, проигравший перечитывает победителя.
func (r *ExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	inputJSON, err := json.Marshal(e.InputData)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	query := `
		INSERT INTO executions
			(id, workflow_id, idempotency_key, status, current_step_order,
			 retry_count, max_retries, input_data, error_message,
			 scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		e.ID,
		e.WorkflowID,
		e.IdempotencyKey,
		e.Status,
		e.CurrentStepOrder,
		e.RetryCount,
		e.MaxRetries,
		inputJSON,
		nullString(e.ErrorMessage),
		e.ScheduledAt,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: execution for key %q", ErrAlreadyExists, e.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetByID возвращает execution по ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`
	return scanExecution(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает execution по паре (workflow_id, key).
func (r *ExecutionRepo) GetByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE workflow_id = $1 AND idempotency_key = $2`
	return scanExecution(r.pool.QueryRow(ctx, query, workflowID, key))
}

// List возвращает executions с фильтрацией.
func (r *ExecutionRepo) List(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE ($1::uuid IS NULL OR workflow_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.WorkflowID),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// --- Guarded-переходы ---

// Start переводит execution в running из pending или retrying.
// started_at ставится только при первом запуске.
// Возвращает false, если конкурентный переход победил.
func (r *ExecutionRepo) Start(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'running',
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("start execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Complete переводит execution из running в completed и записывает результат.
func (r *ExecutionRepo) Complete(ctx context.Context, id uuid.UUID, output map[string]any) (bool, error) {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}

	query := `
		UPDATE executions
		SET status = 'completed',
		    output_data = $2,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.pool.Exec(ctx, query, id, outputJSON)
	if err != nil {
		return false, fmt.Errorf("complete execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Fail переводит execution из running в failed.
// terminal=true — retry-бюджет исчерпан, ставится completed_at.
func (r *ExecutionRepo) Fail(ctx context.Context, id uuid.UUID, errMsg string, terminal bool) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'failed',
		    error_message = $2,
		    completed_at = CASE WHEN $3 THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.pool.Exec(ctx, query, id, errMsg, terminal)
	if err != nil {
		return false, fmt.Errorf("fail execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ScheduleRetry переводит execution из failed в retrying, увеличивает
// retry_count и ставит scheduled_at. Guard на retry-бюджет в самом запросе.
func (r *ExecutionRepo) ScheduleRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'retrying',
		    retry_count = retry_count + 1,
		    scheduled_at = $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
	`
	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Cancel переводит execution в cancelled из любого нетерминального статуса.
// Работающий воркер заметит смену на границе следующего шага.
func (r *ExecutionRepo) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'cancelled',
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running', 'failed', 'retrying')
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("cancel execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecoverStuck переводит зависший running-execution в retrying.
// Восстановительное ребро FSM: используется только sweeper'ом, retry_count
// не увеличивается — падение воркера не расходует бюджет.
// Guard по updated_at защищает от перехвата живого выполнения.
func (r *ExecutionRepo) RecoverStuck(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'retrying',
		    scheduled_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'running' AND updated_at < $2
	`
	result, err := r.pool.Exec(ctx, query, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("recover stuck execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// --- Запросы sweeper'а ---

// ListStuckRunning возвращает executions в running с updated_at старше порога.
func (r *ExecutionRepo) ListStuckRunning(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListDispatchable возвращает executions, которые должны быть в очереди,
// но могли потерять enqueue: pending старше порога и retrying с наступившим
// scheduled_at. Повторная доставка безопасна — execution FSM отсеет дубликат.
func (r *ExecutionRepo) ListDispatchable(ctx context.Context, pendingBefore time.Time, limit int) ([]domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE (status = 'pending' AND created_at < $1)
		   OR (status = 'retrying' AND (scheduled_at IS NULL OR scheduled_at <= now()))
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, pendingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// --- Попытки шагов ---

// CreateStepExecution вставляет новую попытку шага.
func (r *ExecutionRepo) CreateStepExecution(ctx context.Context, se *domain.StepExecution) error {
	inputJSON, err := json.Marshal(se.InputData)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}

	query := `
		INSERT INTO step_executions
			(id, execution_id, step_id, step_order, status, attempt_number,
			 input_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		se.ID,
		se.ExecutionID,
		se.StepID,
		se.StepOrder,
		se.Status,
		se.AttemptNumber,
		inputJSON,
		se.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

// StartStep переводит попытку шага из pending в running.
func (r *ExecutionRepo) StartStep(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE step_executions
		SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("start step execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// FailStep переводит попытку шага из running в failed с деталями ошибки.
func (r *ExecutionRepo) FailStep(ctx context.Context, id uuid.UUID, errMsg string, details map[string]any) (bool, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("marshal error details: %w", err)
	}

	query := `
		UPDATE step_executions
		SET status = 'failed',
		    error_message = $2,
		    error_details = $3,
		    completed_at = now()
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.pool.Exec(ctx, query, id, errMsg, detailsJSON)
	if err != nil {
		return false, fmt.Errorf("fail step execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SkipStep переводит попытку шага в skipped.
func (r *ExecutionRepo) SkipStep(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE step_executions
		SET status = 'skipped', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("skip step execution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CompleteStepAndAdvance — чекпоинт: в одной транзакции завершает попытку
// шага и сдвигает курсор execution. Именно эта атомарность гарантирует, что
// успешный шаг никогда не выполнится повторно после падения воркера.
// Возвращает false, если execution уже не в running (например, отменён).
func (r *ExecutionRepo) CompleteStepAndAdvance(ctx context.Context, stepExecID, executionID uuid.UUID, output map[string]any, nextOrder int) (bool, error) {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("marshal step output: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stepQuery := `
		UPDATE step_executions
		SET status = 'completed', output_data = $2, completed_at = now()
		WHERE id = $1 AND status = 'running'
	`
	stepResult, err := tx.Exec(ctx, stepQuery, stepExecID, outputJSON)
	if err != nil {
		return false, fmt.Errorf("complete step execution: %w", err)
	}
	if stepResult.RowsAffected() == 0 {
		return false, nil
	}

	// Курсор монотонен: GREATEST защищает от отката при гонке.
	execQuery := `
		UPDATE executions
		SET current_step_order = GREATEST(current_step_order, $2),
		    updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	execResult, err := tx.Exec(ctx, execQuery, executionID, nextOrder)
	if err != nil {
		return false, fmt.Errorf("advance execution cursor: %w", err)
	}
	if execResult.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit checkpoint: %w", err)
	}
	return true, nil
}

// CountStepAttempts возвращает максимальный attempt_number для
// (execution_id, step_order). 0, если попыток ещё не было.
func (r *ExecutionRepo) CountStepAttempts(ctx context.Context, executionID uuid.UUID, stepOrder int) (int, error) {
	var count int
	query := `
		SELECT COALESCE(MAX(attempt_number), 0)
		FROM step_executions
		WHERE execution_id = $1 AND step_order = $2
	`
	if err := r.pool.QueryRow(ctx, query, executionID, stepOrder).Scan(&count); err != nil {
		return 0, fmt.Errorf("count step attempts: %w", err)
	}
	return count, nil
}

// LatestCompletedOutput возвращает output_data последней завершённой попытки
// с максимальным step_order. ok=false, если завершённых шагов нет.
func (r *ExecutionRepo) LatestCompletedOutput(ctx context.Context, executionID uuid.UUID) (map[string]any, bool, error) {
	var outputJSON []byte
	query := `
		SELECT output_data
		FROM step_executions
		WHERE execution_id = $1 AND status = 'completed'
		ORDER BY step_order DESC, attempt_number DESC
		LIMIT 1
	`
	err := r.pool.QueryRow(ctx, query, executionID).Scan(&outputJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest completed output: %w", err)
	}

	var output map[string]any
	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &output); err != nil {
			return nil, false, fmt.Errorf("unmarshal step output: %w", err)
		}
	}
	return output, true, nil
}

// ListStepExecutions возвращает попытки шагов execution,
// отсортированные по (step_order, attempt_number).
func (r *ExecutionRepo) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]domain.StepExecution, error) {
	query := `
		SELECT id, execution_id, step_id, step_order, status, attempt_number,
		       input_data, output_data, error_message, error_details,
		       started_at, completed_at, created_at
		FROM step_executions
		WHERE execution_id = $1
		ORDER BY step_order ASC, attempt_number ASC
	`
	rows, err := r.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	var steps []domain.StepExecution
	for rows.Next() {
		var se domain.StepExecution
		var inputJSON, outputJSON, detailsJSON []byte
		var errMsg *string

		err := rows.Scan(
			&se.ID,
			&se.ExecutionID,
			&se.StepID,
			&se.StepOrder,
			&se.Status,
			&se.AttemptNumber,
			&inputJSON,
			&outputJSON,
			&errMsg,
			&detailsJSON,
			&se.StartedAt,
			&se.CompletedAt,
			&se.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}

		if err := unmarshalInto(inputJSON, &se.InputData); err != nil {
			return nil, err
		}
		if err := unmarshalInto(outputJSON, &se.OutputData); err != nil {
			return nil, err
		}
		if err := unmarshalInto(detailsJSON, &se.ErrorDetails); err != nil {
			return nil, err
		}
		if errMsg != nil {
			se.ErrorMessage = *errMsg
		}

		steps = append(steps, se)
	}
	return steps, rows.Err()
}

// --- Helpers ---

// ExecutionFilter — параметры фильтрации executions.
type ExecutionFilter struct {
	WorkflowID *uuid.UUID
	Status     domain.ExecutionStatus
	Limit      int
	Offset     int
}

// scanExecution сканирует одну строку в Execution.
func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var e domain.Execution
	var inputJSON, outputJSON []byte
	var errMsg *string

	err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.IdempotencyKey,
		&e.Status,
		&e.CurrentStepOrder,
		&e.RetryCount,
		&e.MaxRetries,
		&inputJSON,
		&outputJSON,
		&errMsg,
		&e.ScheduledAt,
		&e.StartedAt,
		&e.CompletedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if err := unmarshalInto(inputJSON, &e.InputData); err != nil {
		return nil, err
	}
	if err := unmarshalInto(outputJSON, &e.OutputData); err != nil {
		return nil, err
	}
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}

	return &e, nil
}

// collectExecutions сканирует все строки результата.
func collectExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	var executions []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

// unmarshalInto распаковывает JSONB-колонку, пропуская NULL.
func unmarshalInto(data []byte, dst *map[string]any) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return nil
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
