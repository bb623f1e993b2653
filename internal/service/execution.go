package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/fsm"
	"github.com/shaiso/Conveyor/internal/repo"
)

// defaultExecutionMaxRetries — retry-бюджет execution по умолчанию.
const defaultExecutionMaxRetries = 3

// ExecutionStore — операции хранилища над executions, нужные сервису.
// Реализуется repo.ExecutionRepo.
type ExecutionStore interface {
	Create(ctx context.Context, e *domain.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	GetByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*domain.Execution, error)
	List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]domain.StepExecution, error)
}

// LogStore — журнал executions.
type LogStore interface {
	Append(ctx context.Context, log *domain.ExecutionLog) error
	ListByExecution(ctx context.Context, executionID uuid.UUID, filter repo.LogFilter) ([]domain.ExecutionLog, error)
}

// Enqueuer — постановка execution в очередь.
type Enqueuer interface {
	Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt time.Time) error
}

// ExecutionService — допуск, запуск, отмена и retry executions.
type ExecutionService struct {
	executions ExecutionStore
	workflows  WorkflowStore
	logs       LogStore
	queue      Enqueuer
	logger     *slog.Logger
}

// NewExecutionService создаёт ExecutionService.
func NewExecutionService(executions ExecutionStore, workflows WorkflowStore, logs LogStore, queue Enqueuer, logger *slog.Logger) *ExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionService{
		executions: executions,
		workflows:  workflows,
		logs:       logs,
		queue:      queue,
		logger:     logger,
	}
}

// TriggerRequest — параметры допуска execution.
type TriggerRequest struct {
	WorkflowID     uuid.UUID
	IdempotencyKey string
	InputData      map[string]any

	// MaxRetries — retry-бюджет execution. nil — значение по умолчанию.
	MaxRetries *int

	// ScheduledAt — отложенный запуск. nil — немедленно.
	ScheduledAt *time.Time
}

// Trigger допускает execution. Идемпотентен: повторный вызов с той же парой
// (workflow_id, idempotency_key) возвращает существующую строку
// (created=false) без постановки дубликата в очередь.
func (s *ExecutionService) Trigger(ctx context.Context, req TriggerRequest) (*domain.Execution, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}

	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, false, translateRepoErr(err)
	}
	if !wf.IsActive() {
		return nil, false, fmt.Errorf("%w: status %s", ErrWorkflowNotActive, wf.Status)
	}

	// Быстрый путь: пара уже существует.
	existing, err := s.executions.GetByIdempotencyKey(ctx, req.WorkflowID, req.IdempotencyKey)
	if err == nil {
		s.logger.Debug("returning existing execution",
			"execution_id", existing.ID,
			"idempotency_key", req.IdempotencyKey,
		)
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup execution: %w", err)
	}

	maxRetries := defaultExecutionMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, false, fmt.Errorf("%w: max_retries must be non-negative", ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}

	now := time.Now().UTC()
	exec := &domain.Execution{
		ID:             uuid.New(),
		WorkflowID:     req.WorkflowID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.ExecutionStatusPending,
		MaxRetries:     maxRetries,
		InputData:      req.InputData,
		ScheduledAt:    req.ScheduledAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			// Гонка конкурентных trigger: первый insert победил,
			// возвращаем победителя.
			winner, readErr := s.executions.GetByIdempotencyKey(ctx, req.WorkflowID, req.IdempotencyKey)
			if readErr != nil {
				return nil, false, fmt.Errorf("re-read winner: %w", readErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("create execution: %w", err)
	}

	s.audit(ctx, exec.ID, domain.LogLevelInfo, "execution created", map[string]any{
		"workflow_id":     req.WorkflowID.String(),
		"idempotency_key": req.IdempotencyKey,
		"max_retries":     maxRetries,
	})
	s.logger.Info("execution created",
		"execution_id", exec.ID,
		"workflow_id", req.WorkflowID,
		"idempotency_key", req.IdempotencyKey,
	)

	// Если enqueue после коммита не удался, строку подберёт sweeper.
	deliverAt := now
	if req.ScheduledAt != nil {
		deliverAt = *req.ScheduledAt
	}
	if err := s.queue.Enqueue(ctx, exec.ID, deliverAt); err != nil {
		s.logger.Warn("failed to enqueue execution, sweeper will dispatch",
			"execution_id", exec.ID,
			"error", err,
		)
	}

	return exec, true, nil
}

// Get возвращает execution по ID.
func (s *ExecutionService) Get(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error) {
	exec, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	return exec, nil
}

// List возвращает executions с фильтрацией.
func (s *ExecutionService) List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	return s.executions.List(ctx, filter)
}

// Cancel отменяет execution из любого нетерминального статуса.
// Отмена асинхронна: строка переводится сразу, работающий воркер заметит
// её на границе следующего шага.
func (s *ExecutionService) Cancel(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error) {
	ok, err := s.executions.Cancel(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("cancel execution: %w", err)
	}
	if !ok {
		exec, readErr := s.executions.GetByID(ctx, executionID)
		if readErr != nil {
			return nil, translateRepoErr(readErr)
		}
		return nil, fsm.ValidateExecutionTransition(exec.Status, domain.ExecutionStatusCancelled)
	}

	s.audit(ctx, executionID, domain.LogLevelInfo, "execution cancelled by operator", nil)
	s.logger.Info("execution cancelled", "execution_id", executionID)
	return s.Get(ctx, executionID)
}

// Retry перезапускает failed execution. retry_count не сбрасывается:
// операторские retry расходуют тот же бюджет, что и автоматические.
func (s *ExecutionService) Retry(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error) {
	exec, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		return nil, fsm.ValidateExecutionTransition(exec.Status, domain.ExecutionStatusRetrying)
	}
	if !exec.RetriesLeft() {
		return nil, fmt.Errorf("%w: %d of %d retries used", ErrRetryExhausted, exec.RetryCount, exec.MaxRetries)
	}

	now := time.Now().UTC()
	ok, err := s.executions.ScheduleRetry(ctx, executionID, now)
	if err != nil {
		return nil, fmt.Errorf("schedule retry: %w", err)
	}
	if !ok {
		fresh, readErr := s.executions.GetByID(ctx, executionID)
		if readErr != nil {
			return nil, translateRepoErr(readErr)
		}
		return nil, fsm.ValidateExecutionTransition(fresh.Status, domain.ExecutionStatusRetrying)
	}

	s.audit(ctx, executionID, domain.LogLevelInfo, "retry requested by operator", map[string]any{
		"retry_count": exec.RetryCount + 1,
		"max_retries": exec.MaxRetries,
	})
	s.logger.Info("execution retry requested", "execution_id", executionID)

	if err := s.queue.Enqueue(ctx, executionID, now); err != nil {
		s.logger.Warn("failed to enqueue retry, sweeper will dispatch",
			"execution_id", executionID,
			"error", err,
		)
	}

	return s.Get(ctx, executionID)
}

// ListLogs возвращает журнал execution в порядке (timestamp, id).
func (s *ExecutionService) ListLogs(ctx context.Context, executionID uuid.UUID, filter repo.LogFilter) ([]domain.ExecutionLog, error) {
	// Сначала убеждаемся, что execution существует.
	if _, err := s.executions.GetByID(ctx, executionID); err != nil {
		return nil, translateRepoErr(err)
	}
	return s.logs.ListByExecution(ctx, executionID, filter)
}

// ListStepExecutions возвращает попытки шагов execution.
func (s *ExecutionService) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]domain.StepExecution, error) {
	if _, err := s.executions.GetByID(ctx, executionID); err != nil {
		return nil, translateRepoErr(err)
	}
	return s.executions.ListStepExecutions(ctx, executionID)
}

// audit пишет запись в журнал execution (best-effort).
func (s *ExecutionService) audit(ctx context.Context, executionID uuid.UUID, level domain.LogLevel, msg string, details map[string]any) {
	if err := s.logs.Append(ctx, domain.NewExecutionLog(executionID, level, msg, details)); err != nil {
		s.logger.Warn("failed to append execution log", "execution_id", executionID, "error", err)
	}
}

// translateRepoErr переводит репозиторные ошибки в сервисные виды.
func translateRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w", ErrNotFound)
	case errors.Is(err, repo.ErrAlreadyExists):
		return err
	case errors.Is(err, repo.ErrInvalidState):
		return err
	default:
		return err
	}
}
