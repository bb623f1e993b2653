package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionLog — append-only запись журнала execution.
//
// Журнал неизменяем после записи и достаточен для реконструкции каждого
// решения движка. Порядок в рамках execution: (Timestamp, ID) — ID
// монотонно растёт в пределах одного потока вставок, что даёт стабильный
// порядок даже при равных таймстемпах.
type ExecutionLog struct {
	// ID — монотонный идентификатор записи (bigserial).
	ID int64 `json:"id"`

	// ExecutionID — ссылка на execution.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepExecutionID — опциональная ссылка на попытку шага.
	StepExecutionID *uuid.UUID `json:"step_execution_id,omitempty"`

	// Level — уровень записи.
	Level LogLevel `json:"level"`

	// Message — текст записи.
	Message string `json:"message"`

	// Details — структурированные детали.
	Details map[string]any `json:"details,omitempty"`

	// Timestamp — время записи.
	Timestamp time.Time `json:"timestamp"`
}

// NewExecutionLog создаёт запись журнала с текущим временем.
func NewExecutionLog(executionID uuid.UUID, level LogLevel, message string, details map[string]any) *ExecutionLog {
	return &ExecutionLog{
		ExecutionID: executionID,
		Level:       level,
		Message:     message,
		Details:     details,
		Timestamp:   time.Now().UTC(),
	}
}

// WithStep привязывает запись к попытке шага.
func (l *ExecutionLog) WithStep(stepExecutionID uuid.UUID) *ExecutionLog {
	l.StepExecutionID = &stepExecutionID
	return l
}
