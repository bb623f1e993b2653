package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// ExecutionStore — операции хранилища над executions и попытками шагов.
// Реализуется repo.ExecutionRepo; в тестах — in-memory фейком.
type ExecutionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	Start(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, output map[string]any) (bool, error)
	Fail(ctx context.Context, id uuid.UUID, errMsg string, terminal bool) (bool, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CreateStepExecution(ctx context.Context, se *domain.StepExecution) error
	StartStep(ctx context.Context, id uuid.UUID) (bool, error)
	FailStep(ctx context.Context, id uuid.UUID, errMsg string, details map[string]any) (bool, error)
	CompleteStepAndAdvance(ctx context.Context, stepExecID, executionID uuid.UUID, output map[string]any, nextOrder int) (bool, error)
	CountStepAttempts(ctx context.Context, executionID uuid.UUID, stepOrder int) (int, error)
	LatestCompletedOutput(ctx context.Context, executionID uuid.UUID) (map[string]any, bool, error)
}

// WorkflowStore — чтение определений workflow.
type WorkflowStore interface {
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error)
}

// LogStore — append-only журнал executions.
type LogStore interface {
	Append(ctx context.Context, log *domain.ExecutionLog) error
}

// Enqueuer — постановка execution в очередь (для отложенного retry).
type Enqueuer interface {
	Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt time.Time) error
}

// EventSink — уведомление внешних потребителей об устойчивом состоянии.
type EventSink interface {
	ExecutionSettled(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, errMsg string) error
}

// Orchestrator доводит один execution до устойчивого состояния.
//
// Контракт Run: предусловие — строка существует, статус pending или retrying;
// постусловие — статус ∈ {completed, failed, retrying, cancelled}.
type Orchestrator struct {
	executions ExecutionStore
	workflows  WorkflowStore
	logs       LogStore
	queue      Enqueuer
	registry   *handlers.Registry
	events     EventSink

	stepBackoff BackoffPolicy
	execBackoff BackoffPolicy

	logger *slog.Logger
}

// Config — конфигурация Orchestrator.
type Config struct {
	Executions ExecutionStore
	Workflows  WorkflowStore
	Logs       LogStore
	Queue      Enqueuer
	Registry   *handlers.Registry

	// Events — опциональный publisher событий (nil — события не публикуются).
	Events EventSink

	// StepBackoff — политика retry шага (default: 1s..60s ±20%).
	StepBackoff BackoffPolicy

	// ExecBackoff — политика retry execution (default: 5s..300s ±20%).
	ExecBackoff BackoffPolicy

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	stepBackoff := cfg.StepBackoff
	if stepBackoff.Base <= 0 {
		stepBackoff = DefaultStepBackoff()
	}

	execBackoff := cfg.ExecBackoff
	if execBackoff.Base <= 0 {
		execBackoff = DefaultExecutionBackoff()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		executions:  cfg.Executions,
		workflows:   cfg.Workflows,
		logs:        cfg.Logs,
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		events:      cfg.Events,
		stepBackoff: stepBackoff,
		execBackoff: execBackoff,
		logger:      logger,
	}
}

// stepFailure — неудача шага, поднятая до уровня execution.
type stepFailure struct {
	stepName string
	attempt  int
	cause    error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", f.stepName, f.attempt, f.cause)
}

func (f *stepFailure) Unwrap() error { return f.cause }

// Run доводит execution до устойчивого состояния.
//
// Возвращает nil либо одну из ошибок ErrNotFound / ErrInvalidTransition /
// ErrCancelled / ErrHandlerMissing / ErrDefinitionCorrupt, когда execution устоялся или работа
// не требуется. Инфраструктурные ошибки хранилища/очереди пробрасываются
// как есть — состояние не меняется, lease истечёт, sweeper восстановит.
func (o *Orchestrator) Run(ctx context.Context, executionID uuid.UUID) error {
	exec, err := o.executions.GetByID(ctx, executionID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	logger := o.logger.With("execution_id", exec.ID, "workflow_id", exec.WorkflowID)

	started, err := o.executions.Start(ctx, executionID)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	if !started {
		// Конкурентный переход победил — перечитываем и решаем.
		return o.explainLostStart(ctx, executionID)
	}

	o.audit(ctx, exec.ID, nil, domain.LogLevelInfo, "execution started", map[string]any{
		"from_step":   exec.CurrentStepOrder,
		"retry_count": exec.RetryCount,
	})
	logger.Info("execution started", "from_step", exec.CurrentStepOrder, "retry_count", exec.RetryCount)

	steps, err := o.workflows.ListSteps(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow steps: %w", err)
	}
	if err := domain.ValidateStepOrder(steps); err != nil {
		// Определение повреждено — детерминированная ошибка, retry бессмыслен.
		msg := fmt.Sprintf("%v: %v", ErrDefinitionCorrupt, err)
		if settleErr := o.failTerminal(ctx, logger, exec.ID, msg); settleErr != nil {
			return settleErr
		}
		return fmt.Errorf("%w: %v", ErrDefinitionCorrupt, err)
	}

	// Вход следующего шага — output последнего завершённого шага,
	// для нетронутого execution — его input_data.
	data := exec.InputData
	if exec.CurrentStepOrder > 0 {
		latest, ok, err := o.executions.LatestCompletedOutput(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("load latest step output: %w", err)
		}
		if ok {
			data = latest
		}
	}

	for i := exec.CurrentStepOrder; i < len(steps); i++ {
		// Граница шага: перечитываем статус, отмена наблюдается здесь.
		fresh, err := o.executions.GetByID(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("re-read execution: %w", err)
		}
		if fresh.Status != domain.ExecutionStatusRunning {
			return o.observeLostOwnership(ctx, logger, fresh)
		}

		step := steps[i]
		handler, err := o.registry.Get(step.TaskType)
		if err != nil {
			msg := fmt.Sprintf("no handler registered for task type %q", step.TaskType)
			if settleErr := o.failTerminal(ctx, logger, exec.ID, msg); settleErr != nil {
				return settleErr
			}
			return fmt.Errorf("%w: %s", ErrHandlerMissing, step.TaskType)
		}

		output, stepErr := o.runStep(ctx, logger, exec.ID, &step, handler, data)
		if stepErr == nil {
			data = output
			continue
		}

		var failure *stepFailure
		if errors.As(stepErr, &failure) {
			return o.settleFailure(ctx, logger, exec.ID, failure)
		}
		// Отмена, потеря владения либо инфраструктурная ошибка —
		// состояние дальше не трогаем.
		return stepErr
	}

	return o.settleCompleted(ctx, logger, exec.ID, data)
}

// runStep выполняет один шаг с retry-петлёй внутри.
//
// Возвращает output при успехе; *stepFailure, когда шаг окончательно упал;
// ErrCancelled / ErrInvalidTransition при потере владения; прочие ошибки —
// инфраструктурные.
func (o *Orchestrator) runStep(ctx context.Context, logger *slog.Logger, executionID uuid.UUID, step *domain.WorkflowStep, handler handlers.Handler, input map[string]any) (map[string]any, error) {
	prior, err := o.executions.CountStepAttempts(ctx, executionID, step.StepOrder)
	if err != nil {
		return nil, fmt.Errorf("count step attempts: %w", err)
	}

	// Бюджет попыток глобален для (execution, step_order):
	// attempt_number никогда не превышает max_retries+1.
	budget := step.MaxRetries + 1 - prior
	if budget <= 0 {
		return nil, &stepFailure{
			stepName: step.Name,
			attempt:  prior,
			cause:    fmt.Errorf("retry budget exhausted"),
		}
	}

	backoff := retry.NewExponential(o.stepBackoff.Base)
	backoff = retry.WithCappedDuration(o.stepBackoff.Cap, backoff)
	if pct := uint64(o.stepBackoff.JitterPct * 100); pct > 0 {
		backoff = retry.WithJitterPercent(pct, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(budget-1), backoff)

	attempt := prior
	var output map[string]any

	doErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		// Граница попытки: после отмены новые попытки не создаются.
		fresh, err := o.executions.GetByID(ctx, executionID)
		if err != nil {
			return fmt.Errorf("re-read execution: %w", err)
		}
		if fresh.Status != domain.ExecutionStatusRunning {
			return o.observeLostOwnership(ctx, logger, fresh)
		}

		attempt++
		se := domain.NewStepExecution(executionID, step.ID, step.StepOrder, attempt, input)
		if err := o.executions.CreateStepExecution(ctx, se); err != nil {
			return fmt.Errorf("create step execution: %w", err)
		}
		if _, err := o.executions.StartStep(ctx, se.ID); err != nil {
			return fmt.Errorf("start step execution: %w", err)
		}

		o.audit(ctx, executionID, &se.ID, domain.LogLevelInfo,
			fmt.Sprintf("step %q started (attempt %d/%d)", step.Name, attempt, step.MaxRetries+1),
			map[string]any{"step_order": step.StepOrder, "task_type": step.TaskType, "attempt": attempt})

		startedAt := time.Now()
		out, handlerErr := o.invokeHandler(ctx, handler, step, input)
		telemetry.StepDuration.WithLabelValues(step.TaskType).Observe(time.Since(startedAt).Seconds())

		if handlerErr != nil && ctx.Err() != nil {
			// Останов процесса, не сбой handler'а: прерываем без смены
			// состояния, lease истечёт, sweeper вернёт execution.
			return fmt.Errorf("attempt interrupted: %w", ctx.Err())
		}

		if handlerErr == nil {
			// Чекпоинт: статус попытки и курсор execution в одной записи.
			ok, err := o.executions.CompleteStepAndAdvance(ctx, se.ID, executionID, out, step.StepOrder+1)
			if err != nil {
				return fmt.Errorf("checkpoint step %d: %w", step.StepOrder, err)
			}
			if !ok {
				// Execution уже не running: исход handler'а отбрасывается.
				fresh, err := o.executions.GetByID(ctx, executionID)
				if err != nil {
					return fmt.Errorf("re-read execution: %w", err)
				}
				return o.observeLostOwnership(ctx, logger, fresh)
			}

			telemetry.StepsExecuted.WithLabelValues(step.TaskType, string(domain.StepStatusCompleted)).Inc()
			o.audit(ctx, executionID, &se.ID, domain.LogLevelInfo,
				fmt.Sprintf("step %q completed", step.Name),
				map[string]any{"step_order": step.StepOrder, "attempt": attempt})

			output = out
			return nil
		}

		if _, err := o.executions.FailStep(ctx, se.ID, handlerErr.Error(), handlers.ErrorDetails(handlerErr)); err != nil {
			return fmt.Errorf("fail step execution: %w", err)
		}
		telemetry.StepsExecuted.WithLabelValues(step.TaskType, string(domain.StepStatusFailed)).Inc()

		if handlers.IsFatal(handlerErr) {
			o.audit(ctx, executionID, &se.ID, domain.LogLevelError,
				fmt.Sprintf("step %q failed permanently: %v", step.Name, handlerErr),
				map[string]any{"step_order": step.StepOrder, "attempt": attempt})
			// Fatal не повторяется: сразу на уровень execution.
			return &stepFailure{stepName: step.Name, attempt: attempt, cause: handlerErr}
		}

		o.audit(ctx, executionID, &se.ID, domain.LogLevelWarning,
			fmt.Sprintf("step %q attempt %d failed: %v", step.Name, attempt, handlerErr),
			map[string]any{"step_order": step.StepOrder, "attempt": attempt})
		logger.Warn("step attempt failed",
			"step", step.Name,
			"step_order", step.StepOrder,
			"attempt", attempt,
			"error", handlerErr,
		)
		telemetry.Retries.WithLabelValues("step").Inc()

		return retry.RetryableError(&stepFailure{stepName: step.Name, attempt: attempt, cause: handlerErr})
	})
	if doErr != nil {
		return nil, doErr
	}
	return output, nil
}

// invokeHandler вызывает handler с таймаутом шага.
func (o *Orchestrator) invokeHandler(ctx context.Context, handler handlers.Handler, step *domain.WorkflowStep, input map[string]any) (map[string]any, error) {
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout())
		defer cancel()
	}

	out, err := handler.Execute(ctx, step.Config, input)
	if errors.Is(err, context.DeadlineExceeded) {
		// Таймаут handler'а — временный сбой.
		return nil, handlers.Retryable(
			map[string]any{"timeout_seconds": step.TimeoutSeconds},
			"step %q timed out after %ds", step.Name, step.TimeoutSeconds,
		)
	}
	return out, err
}

// settleCompleted завершает execution успехом.
func (o *Orchestrator) settleCompleted(ctx context.Context, logger *slog.Logger, executionID uuid.UUID, output map[string]any) error {
	ok, err := o.executions.Complete(ctx, executionID, output)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if !ok {
		fresh, err := o.executions.GetByID(ctx, executionID)
		if err != nil {
			return fmt.Errorf("re-read execution: %w", err)
		}
		return o.observeLostOwnership(ctx, logger, fresh)
	}

	o.audit(ctx, executionID, nil, domain.LogLevelInfo, "execution completed", nil)
	logger.Info("execution completed")
	telemetry.ExecutionsSettled.WithLabelValues(string(domain.ExecutionStatusCompleted)).Inc()
	o.notify(ctx, logger, executionID, domain.ExecutionStatusCompleted, "")
	return nil
}

// settleFailure обрабатывает неудачу уровня execution: retry при остатке
// бюджета, иначе терминальный failed.
func (o *Orchestrator) settleFailure(ctx context.Context, logger *slog.Logger, executionID uuid.UUID, failure *stepFailure) error {
	exec, err := o.executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("re-read execution: %w", err)
	}
	if exec.Status != domain.ExecutionStatusRunning {
		return o.observeLostOwnership(ctx, logger, exec)
	}

	retriesLeft := exec.RetriesLeft()

	ok, err := o.executions.Fail(ctx, executionID, failure.Error(), !retriesLeft)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	if !ok {
		fresh, err := o.executions.GetByID(ctx, executionID)
		if err != nil {
			return fmt.Errorf("re-read execution: %w", err)
		}
		return o.observeLostOwnership(ctx, logger, fresh)
	}

	if !retriesLeft {
		o.audit(ctx, executionID, nil, domain.LogLevelError,
			fmt.Sprintf("execution failed: %v", failure),
			map[string]any{"retry_count": exec.RetryCount, "max_retries": exec.MaxRetries})
		logger.Error("execution failed", "error", failure, "retry_count", exec.RetryCount)
		telemetry.ExecutionsSettled.WithLabelValues(string(domain.ExecutionStatusFailed)).Inc()
		o.notify(ctx, logger, executionID, domain.ExecutionStatusFailed, failure.Error())
		return nil
	}

	delay := o.execBackoff.Delay(exec.RetryCount + 1)
	at := time.Now().Add(delay)

	ok, err = o.executions.ScheduleRetry(ctx, executionID, at)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if !ok {
		fresh, err := o.executions.GetByID(ctx, executionID)
		if err != nil {
			return fmt.Errorf("re-read execution: %w", err)
		}
		return o.observeLostOwnership(ctx, logger, fresh)
	}

	o.audit(ctx, executionID, nil, domain.LogLevelWarning,
		fmt.Sprintf("execution failed, retry %d/%d scheduled: %v", exec.RetryCount+1, exec.MaxRetries, failure),
		map[string]any{"retry_count": exec.RetryCount + 1, "delay": delay.String()})
	logger.Warn("execution retry scheduled", "retry_count", exec.RetryCount+1, "delay", delay)
	telemetry.Retries.WithLabelValues("execution").Inc()
	telemetry.ExecutionsSettled.WithLabelValues(string(domain.ExecutionStatusRetrying)).Inc()

	// Отложенную доставку держит очередь. Если enqueue после коммита не
	// удался, строку подберёт sweeper по scheduled_at.
	if err := o.queue.Enqueue(ctx, executionID, at); err != nil {
		logger.Warn("failed to enqueue retry, sweeper will redispatch", "error", err)
	}
	return nil
}

// failTerminal — терминальный failed без retry (HandlerMissing,
// DefinitionCorrupt).
func (o *Orchestrator) failTerminal(ctx context.Context, logger *slog.Logger, executionID uuid.UUID, msg string) error {
	ok, err := o.executions.Fail(ctx, executionID, msg, true)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	if !ok {
		fresh, err := o.executions.GetByID(ctx, executionID)
		if err != nil {
			return fmt.Errorf("re-read execution: %w", err)
		}
		return o.observeLostOwnership(ctx, logger, fresh)
	}

	o.audit(ctx, executionID, nil, domain.LogLevelError, msg, nil)
	logger.Error("execution failed", "error", msg)
	telemetry.ExecutionsSettled.WithLabelValues(string(domain.ExecutionStatusFailed)).Inc()
	o.notify(ctx, logger, executionID, domain.ExecutionStatusFailed, msg)
	return nil
}

// explainLostStart переводит проигранный старт в ошибку контракта Run.
func (o *Orchestrator) explainLostStart(ctx context.Context, executionID uuid.UUID) error {
	exec, err := o.executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("re-read execution: %w", err)
	}
	if exec.Status == domain.ExecutionStatusCancelled {
		return fmt.Errorf("%w: %s", ErrCancelled, executionID)
	}
	// Дубликат доставки либо конкурентный воркер — no-op.
	return fmt.Errorf("%w: status %s", ErrInvalidTransition, exec.Status)
}

// observeLostOwnership фиксирует потерю владения execution.
// Отмена логируется в журнал; прочее — конкурентный переход (sweeper,
// другой воркер), и текущий Run просто прекращает работу.
func (o *Orchestrator) observeLostOwnership(ctx context.Context, logger *slog.Logger, exec *domain.Execution) error {
	if exec.Status == domain.ExecutionStatusCancelled {
		o.audit(ctx, exec.ID, nil, domain.LogLevelInfo, "cancellation observed, stopping", map[string]any{
			"current_step_order": exec.CurrentStepOrder,
		})
		logger.Info("cancellation observed", "current_step_order", exec.CurrentStepOrder)
		telemetry.ExecutionsSettled.WithLabelValues(string(domain.ExecutionStatusCancelled)).Inc()
		o.notify(ctx, logger, exec.ID, domain.ExecutionStatusCancelled, "")
		return fmt.Errorf("%w: %s", ErrCancelled, exec.ID)
	}
	return fmt.Errorf("%w: status %s", ErrInvalidTransition, exec.Status)
}

// notify публикует событие об устойчивом состоянии (best-effort).
func (o *Orchestrator) notify(ctx context.Context, logger *slog.Logger, executionID uuid.UUID, status domain.ExecutionStatus, errMsg string) {
	if o.events == nil {
		return
	}
	if err := o.events.ExecutionSettled(ctx, executionID, status, errMsg); err != nil {
		logger.Warn("failed to publish execution event", "status", status, "error", err)
	}
}

// audit пишет запись в журнал execution. Сбой журнала не прерывает
// выполнение: запись уходит хотя бы в лог процесса.
func (o *Orchestrator) audit(ctx context.Context, executionID uuid.UUID, stepExecID *uuid.UUID, level domain.LogLevel, msg string, details map[string]any) {
	entry := domain.NewExecutionLog(executionID, level, msg, details)
	if stepExecID != nil {
		entry.WithStep(*stepExecID)
	}
	if err := o.logs.Append(ctx, entry); err != nil {
		o.logger.Warn("failed to append execution log", "execution_id", executionID, "error", err)
	}
}
