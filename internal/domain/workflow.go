package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workflow — версионированное определение рабочего процесса.
//
// Workflow — это шаблон: упорядоченная последовательность типизированных
// шагов. Пара (Name, Version) глобально уникальна. Каждый запуск (Execution)
// выполняет конкретный workflow против конкретных входных данных.
type Workflow struct {
	// ID — уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое имя (например, "sync-orders").
	Name string `json:"name"`

	// Version — номер версии (>= 1). Новая версия — новая строка.
	Version int `json:"version"`

	// Status — статус жизненного цикла определения.
	Status WorkflowStatus `json:"status"`

	// Metadata — произвольные метаданные (владелец, теги и т.п.).
	Metadata map[string]any `json:"metadata,omitempty"`

	// Steps — шаги workflow, отсортированные по StepOrder.
	// Заполняется репозиторием при полной загрузке.
	Steps []WorkflowStep `json:"steps,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDraft возвращает true, если шаги workflow ещё можно менять.
func (w *Workflow) IsDraft() bool {
	return w.Status == WorkflowStatusDraft
}

// IsActive возвращает true, если workflow допускает новые executions.
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// WorkflowStep — один типизированный шаг workflow.
//
// Шаги образуют плотный префикс неотрицательных целых начиная с 0:
// (workflow_id, step_order) уникальна, пропусков нет. Шаг изменяем только
// пока workflow в статусе draft.
type WorkflowStep struct {
	// ID — уникальный идентификатор шага.
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на владеющий workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Name — имя шага.
	Name string `json:"name"`

	// TaskType — тип задачи, ключ в Handler Registry
	// ("http_request", "data_transform", "delay", "conditional", "log").
	TaskType string `json:"task_type"`

	// StepOrder — позиция шага (0-based).
	StepOrder int `json:"step_order"`

	// Config — конфигурация handler'а. Валидируется самим handler'ом.
	Config map[string]any `json:"config,omitempty"`

	// TimeoutSeconds — таймаут одной попытки шага (> 0).
	TimeoutSeconds int `json:"timeout_seconds"`

	// MaxRetries — сколько повторных попыток допускает шаг (>= 0).
	// Попыток всего не больше MaxRetries+1.
	MaxRetries int `json:"max_retries"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Timeout возвращает таймаут шага как time.Duration.
func (s *WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ValidateStepOrder проверяет, что шаги образуют плотный префикс 0..n-1.
// Шаги должны быть отсортированы по StepOrder.
func ValidateStepOrder(steps []WorkflowStep) error {
	for i := range steps {
		if steps[i].StepOrder != i {
			return fmt.Errorf("step order is not dense: position %d has step_order %d", i, steps[i].StepOrder)
		}
	}
	return nil
}
