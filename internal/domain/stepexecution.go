package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepExecution — одна попытка одного шага внутри одного execution.
//
// Создаётся лениво, когда оркестратор впервые доходит до шага. Retry шага —
// это новая строка с AttemptNumber+1, а не мутация упавшей: для пары
// (ExecutionID, StepOrder) авторитетным является исход попытки с
// максимальным AttemptNumber.
type StepExecution struct {
	// ID — уникальный идентификатор попытки.
	ID uuid.UUID `json:"id"`

	// ExecutionID — ссылка на родительский execution.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ссылка на определение шага.
	StepID uuid.UUID `json:"step_id"`

	// StepOrder — позиция шага в workflow (копия для запросов).
	StepOrder int `json:"step_order"`

	// Status — статус попытки.
	Status StepStatus `json:"status"`

	// AttemptNumber — номер попытки (>= 1), строго возрастает
	// в рамках (ExecutionID, StepOrder).
	AttemptNumber int `json:"attempt_number"`

	// InputData — вход попытки: output предыдущего шага либо
	// input_data execution для шага 0.
	InputData map[string]any `json:"input_data,omitempty"`

	// OutputData — результат handler'а при успехе.
	OutputData map[string]any `json:"output_data,omitempty"`

	// ErrorMessage — текст ошибки при неудаче.
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorDetails — структурированные детали ошибки handler'а.
	ErrorDetails map[string]any `json:"error_details,omitempty"`

	// StartedAt — время перехода в running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt — время достижения терминального статуса попытки.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CreatedAt — время создания строки.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность попытки.
func (s *StepExecution) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// NewStepExecution создаёт попытку шага в статусе pending.
func NewStepExecution(executionID, stepID uuid.UUID, stepOrder, attempt int, input map[string]any) *StepExecution {
	return &StepExecution{
		ID:            uuid.New(),
		ExecutionID:   executionID,
		StepID:        stepID,
		StepOrder:     stepOrder,
		Status:        StepStatusPending,
		AttemptNumber: attempt,
		InputData:     input,
		CreatedAt:     time.Now().UTC(),
	}
}
