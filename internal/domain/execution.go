package domain

import (
	"time"

	"github.com/google/uuid"
)

// Execution — одна долговременная попытка выполнить workflow.
//
// Execution создаётся сервисом при trigger и идентифицируется парой
// (WorkflowID, IdempotencyKey) — пара глобально уникальна, конкурентные
// trigger с одним ключом возвращают одну и ту же строку.
//
// Прогресс фиксируется в CurrentStepOrder: после каждого успешного шага
// курсор сдвигается в той же атомарной записи, что и статус попытки шага,
// поэтому выполнение переживает падение воркера и возобновляется с места
// останова.
type Execution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на выполняемый workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// IdempotencyKey — клиентский ключ идемпотентности.
	IdempotencyKey string `json:"idempotency_key"`

	// Status — текущий статус выполнения.
	Status ExecutionStatus `json:"status"`

	// CurrentStepOrder — 0-based курсор следующего шага.
	// Равен количеству шагов, когда все шаги выполнены.
	// Монотонно не убывает.
	CurrentStepOrder int `json:"current_step_order"`

	// RetryCount — количество выполненных execution-level retry.
	RetryCount int `json:"retry_count"`

	// MaxRetries — бюджет execution-level retry.
	MaxRetries int `json:"max_retries"`

	// InputData — входные данные, переданные при trigger.
	InputData map[string]any `json:"input_data,omitempty"`

	// OutputData — результат. Заполняется при успешном завершении.
	OutputData map[string]any `json:"output_data,omitempty"`

	// ErrorMessage — сводка терминальной причины при failed.
	ErrorMessage string `json:"error_message,omitempty"`

	// ScheduledAt — не раньше этого времени execution должен быть
	// доставлен воркеру (отложенный retry).
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// StartedAt — время первого перехода в running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время достижения completed или терминального failed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CreatedAt — время создания строки.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней записи. Используется sweeper'ом
	// для поиска зависших executions.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если execution в терминальном статусе.
func (e *Execution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// RetriesLeft возвращает true, если execution-level retry ещё допустим.
func (e *Execution) RetriesLeft() bool {
	return e.RetryCount < e.MaxRetries
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если execution не завершён.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}
