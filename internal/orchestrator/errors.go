package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrNotFound — execution не найден в БД.
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidTransition — стартовый статус execution не допускает запуск;
	// конкурентный переход победил. Повторная доставка сообщения — no-op.
	ErrInvalidTransition = errors.New("execution is not in a runnable state")

	// ErrCancelled — отмена замечена во время выполнения.
	ErrCancelled = errors.New("execution cancelled")

	// ErrHandlerMissing — для task_type шага нет handler'а.
	// Фатально на уровне execution, retry не выполняется.
	ErrHandlerMissing = errors.New("handler missing")

	// ErrDefinitionCorrupt — шаги workflow не образуют плотный префикс 0..n-1.
	ErrDefinitionCorrupt = errors.New("workflow definition corrupt")
)
