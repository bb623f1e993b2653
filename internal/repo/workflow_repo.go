package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// WorkflowRepo — репозиторий определений workflow и их шагов.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

// Create создаёт новый workflow.
// Возвращает ErrAlreadyExists при конфликте (name, version).
func (r *WorkflowRepo) Create(ctx context.Context, wf *domain.Workflow) error {
	metadataJSON, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, version, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		wf.ID,
		wf.Name,
		wf.Version,
		wf.Status,
		metadataJSON,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: workflow %s v%d", ErrAlreadyExists, wf.Name, wf.Version)
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetByID возвращает workflow по ID (без шагов).
func (r *WorkflowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	query := `
		SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`
	return r.scanWorkflow(r.pool.QueryRow(ctx, query, id))
}

// GetByNameVersion возвращает workflow по имени и версии.
func (r *WorkflowRepo) GetByNameVersion(ctx context.Context, name string, version int) (*domain.Workflow, error) {
	query := `
		SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows
		WHERE name = $1 AND version = $2
	`
	return r.scanWorkflow(r.pool.QueryRow(ctx, query, name, version))
}

// LatestVersion возвращает максимальную версию workflow с данным именем.
// Возвращает 0, если workflow с таким именем нет.
func (r *WorkflowRepo) LatestVersion(ctx context.Context, name string) (int, error) {
	var version int
	query := `SELECT COALESCE(MAX(version), 0) FROM workflows WHERE name = $1`
	if err := r.pool.QueryRow(ctx, query, name).Scan(&version); err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return version, nil
}

// List возвращает workflows с фильтрацией по статусу.
func (r *WorkflowRepo) List(ctx context.Context, filter WorkflowFilter) ([]domain.Workflow, error) {
	query := `
		SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY name ASC, version DESC
		LIMIT $2 OFFSET $3
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// UpdateStatus переводит workflow в новый статус жизненного цикла.
// Guarded-обновление: допустимые предыдущие статусы передаёт вызывающий.
// Возвращает ErrInvalidState, если текущий статус не в allowedPrev.
func (r *WorkflowRepo) UpdateStatus(ctx context.Context, id uuid.UUID, to domain.WorkflowStatus, allowedPrev ...domain.WorkflowStatus) error {
	prev := make([]string, len(allowedPrev))
	for i, s := range allowedPrev {
		prev[i] = string(s)
	}

	query := `
		UPDATE workflows
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`
	result, err := r.pool.Exec(ctx, query, id, to, prev)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Либо не существует, либо статус не подходит — различаем.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: workflow %s is not in %v", ErrInvalidState, id, allowedPrev)
	}
	return nil
}

// Delete удаляет workflow вместе с шагами (каскад).
// Возвращает ErrInvalidState, если у workflow есть executions (RESTRICT).
func (r *WorkflowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: workflow %s has executions", ErrInvalidState, id)
	}
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Steps ---

// AddStep добавляет шаг в workflow.
// Возвращает ErrAlreadyExists при конфликте (workflow_id, step_order).
func (r *WorkflowRepo) AddStep(ctx context.Context, step *domain.WorkflowStep) error {
	configJSON, err := json.Marshal(step.Config)
	if err != nil {
		return fmt.Errorf("marshal step config: %w", err)
	}

	query := `
		INSERT INTO workflow_steps
			(id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		step.ID,
		step.WorkflowID,
		step.Name,
		step.TaskType,
		step.StepOrder,
		configJSON,
		step.TimeoutSeconds,
		step.MaxRetries,
		step.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: step_order %d in workflow %s", ErrAlreadyExists, step.StepOrder, step.WorkflowID)
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// ListSteps возвращает шаги workflow, отсортированные по step_order.
func (r *WorkflowRepo) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries, created_at
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`
	rows, err := r.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.WorkflowStep
	for rows.Next() {
		var step domain.WorkflowStep
		var configJSON []byte

		err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.Name,
			&step.TaskType,
			&step.StepOrder,
			&configJSON,
			&step.TimeoutSeconds,
			&step.MaxRetries,
			&step.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}

		if configJSON != nil {
			if err := json.Unmarshal(configJSON, &step.Config); err != nil {
				return nil, fmt.Errorf("unmarshal step config: %w", err)
			}
		}

		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Helpers ---

// WorkflowFilter — параметры фильтрации workflows.
type WorkflowFilter struct {
	Status domain.WorkflowStatus
	Limit  int
	Offset int
}

// scanWorkflow сканирует одну строку в Workflow.
func (r *WorkflowRepo) scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var metadataJSON []byte

	err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.Version,
		&wf.Status,
		&metadataJSON,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &wf.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &wf, nil
}
