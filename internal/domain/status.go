package domain

// WorkflowStatus — статус определения workflow.
//
// Жизненный цикл:
//
//	draft → active → deprecated → archived
//
// Только active workflows допускают создание новых executions.
type WorkflowStatus string

const (
	// WorkflowStatusDraft — workflow редактируется, шаги можно менять.
	WorkflowStatusDraft WorkflowStatus = "draft"

	// WorkflowStatusActive — workflow готов к запуску.
	WorkflowStatusActive WorkflowStatus = "active"

	// WorkflowStatusDeprecated — workflow устарел, новые executions не создаются.
	WorkflowStatusDeprecated WorkflowStatus = "deprecated"

	// WorkflowStatusArchived — workflow в архиве.
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// ExecutionStatus — статус выполнения execution.
//
// Жизненный цикл:
//
//	pending  → running → completed
//	                   ↘ failed → retrying → running (retry-петля)
//	любой нетерминальный → cancelled
//
// Терминальные статусы: completed, cancelled.
// failed терминален только когда retry-бюджет исчерпан.
type ExecutionStatus string

const (
	// ExecutionStatusPending — execution создан и ждёт в очереди.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusRunning — execution выполняется воркером.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusCompleted — все шаги успешно завершены.
	ExecutionStatusCompleted ExecutionStatus = "completed"

	// ExecutionStatusFailed — execution завершился с ошибкой.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusRetrying — execution ожидает повторного запуска.
	ExecutionStatusRetrying ExecutionStatus = "retrying"

	// ExecutionStatusCancelled — execution отменён оператором.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal возвращает true, если из статуса нет переходов.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus — статус одной попытки шага.
//
// Жизненный цикл попытки: pending → running → {completed | failed | skipped}.
// Retry шага создаёт новую строку step_execution с attempt_number+1,
// упавшая строка не мутируется.
type StepStatus string

const (
	// StepStatusPending — попытка создана, ещё не запущена.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning — handler выполняется.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted — попытка завершилась успешно.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed — попытка завершилась с ошибкой.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped — шаг пропущен (например, по условию).
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal возвращает true, если попытка шага завершена.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// LogLevel — уровень записи в журнале execution.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)
