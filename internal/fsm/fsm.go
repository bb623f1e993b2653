// Package fsm — конечные автоматы жизненных циклов execution и попытки шага.
//
// Модуль чистый: принимает пару (текущий, предлагаемый) статус и отвечает,
// допустим ли переход. Никакого I/O — проверка выполняется перед каждой
// персистентной записью, сама запись остаётся за репозиторием.
package fsm

import (
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ErrInvalidTransition — переход отклонён автоматом.
// Состояние при этом не меняется.
var ErrInvalidTransition = errors.New("invalid transition")

// newExecutionMachine строит автомат execution с заданным текущим статусом.
// Триггером служит целевой статус: Permit(to, to).
//
// Переходы:
//
//	pending  → running | cancelled
//	running  → completed | failed | cancelled | retrying (recovery)
//	failed   → retrying | cancelled
//	retrying → running | cancelled
//	completed, cancelled — терминальные
//
// Ребро running → retrying — восстановительное: его использует только
// sweeper для executions, застрявших в running после падения воркера.
func newExecutionMachine(current domain.ExecutionStatus) *stateless.StateMachine {
	m := stateless.NewStateMachine(current)

	m.Configure(domain.ExecutionStatusPending).
		Permit(domain.ExecutionStatusRunning, domain.ExecutionStatusRunning).
		Permit(domain.ExecutionStatusCancelled, domain.ExecutionStatusCancelled)

	m.Configure(domain.ExecutionStatusRunning).
		Permit(domain.ExecutionStatusCompleted, domain.ExecutionStatusCompleted).
		Permit(domain.ExecutionStatusFailed, domain.ExecutionStatusFailed).
		Permit(domain.ExecutionStatusCancelled, domain.ExecutionStatusCancelled).
		Permit(domain.ExecutionStatusRetrying, domain.ExecutionStatusRetrying)

	m.Configure(domain.ExecutionStatusFailed).
		Permit(domain.ExecutionStatusRetrying, domain.ExecutionStatusRetrying).
		Permit(domain.ExecutionStatusCancelled, domain.ExecutionStatusCancelled)

	m.Configure(domain.ExecutionStatusRetrying).
		Permit(domain.ExecutionStatusRunning, domain.ExecutionStatusRunning).
		Permit(domain.ExecutionStatusCancelled, domain.ExecutionStatusCancelled)

	m.Configure(domain.ExecutionStatusCompleted)
	m.Configure(domain.ExecutionStatusCancelled)

	return m
}

// newStepMachine строит автомат одной попытки шага.
//
// Переходы: pending → running → {completed | failed | skipped}.
// pending → skipped допустим: шаг может быть пропущен без запуска.
func newStepMachine(current domain.StepStatus) *stateless.StateMachine {
	m := stateless.NewStateMachine(current)

	m.Configure(domain.StepStatusPending).
		Permit(domain.StepStatusRunning, domain.StepStatusRunning).
		Permit(domain.StepStatusSkipped, domain.StepStatusSkipped)

	m.Configure(domain.StepStatusRunning).
		Permit(domain.StepStatusCompleted, domain.StepStatusCompleted).
		Permit(domain.StepStatusFailed, domain.StepStatusFailed).
		Permit(domain.StepStatusSkipped, domain.StepStatusSkipped)

	m.Configure(domain.StepStatusCompleted)
	m.Configure(domain.StepStatusFailed)
	m.Configure(domain.StepStatusSkipped)

	return m
}

// CanTransitionExecution проверяет переход execution.
func CanTransitionExecution(from, to domain.ExecutionStatus) bool {
	ok, _ := newExecutionMachine(from).CanFire(to)
	return ok
}

// ValidateExecutionTransition проверяет переход execution.
// Возвращает ErrInvalidTransition с контекстом при недопустимом переходе.
func ValidateExecutionTransition(from, to domain.ExecutionStatus) error {
	if !CanTransitionExecution(from, to) {
		return fmt.Errorf("%w: execution %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanTransitionStep проверяет переход попытки шага.
func CanTransitionStep(from, to domain.StepStatus) bool {
	ok, _ := newStepMachine(from).CanFire(to)
	return ok
}

// ValidateStepTransition проверяет переход попытки шага.
func ValidateStepTransition(from, to domain.StepStatus) error {
	if !CanTransitionStep(from, to) {
		return fmt.Errorf("%w: step %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CancellableStatuses — нетерминальные статусы execution,
// из которых допустима отмена.
func CancellableStatuses() []domain.ExecutionStatus {
	return []domain.ExecutionStatus{
		domain.ExecutionStatusPending,
		domain.ExecutionStatusRunning,
		domain.ExecutionStatusFailed,
		domain.ExecutionStatusRetrying,
	}
}
