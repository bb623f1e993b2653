// Package handlers — реестр и встроенные реализации task handler'ов.
//
// Handler — единственная capability, через которую движок выполняет работу
// шага. Handler'ы чисты по отношению к состоянию движка: всё внешнее
// состояние — их собственная забота. Движок различает только три исхода:
// результат, Retryable (временный сбой, можно повторить) и Fatal
// (постоянный сбой, попытки бессмысленны).
package handlers

import (
	"context"
	"errors"
	"fmt"
)

// ErrHandlerMissing — для task_type не зарегистрирован handler.
// На уровне execution это фатально: retry не поможет.
var ErrHandlerMissing = errors.New("no handler registered for task type")

// Handler выполняет работу одного типа шага.
type Handler interface {
	// TaskType возвращает тип задачи, который обрабатывает handler.
	TaskType() string

	// Execute выполняет шаг. Таймаут шага передаётся через ctx.
	// Возвращает output либо ошибку: RetryableError / FatalError /
	// прочие ошибки трактуются движком как retryable.
	Execute(ctx context.Context, config, input map[string]any) (map[string]any, error)
}

// RetryableError — временный сбой handler'а: движок может повторить попытку
// в пределах retry-бюджета шага.
type RetryableError struct {
	Msg     string
	Details map[string]any
}

func (e *RetryableError) Error() string { return e.Msg }

// FatalError — постоянный сбой handler'а: движок не повторяет попытку,
// сбой сразу поднимается до уровня execution.
type FatalError struct {
	Msg     string
	Details map[string]any
}

func (e *FatalError) Error() string { return e.Msg }

// Retryable создаёт RetryableError.
func Retryable(details map[string]any, format string, args ...any) error {
	return &RetryableError{Msg: fmt.Sprintf(format, args...), Details: details}
}

// Fatal создаёт FatalError.
func Fatal(details map[string]any, format string, args ...any) error {
	return &FatalError{Msg: fmt.Sprintf(format, args...), Details: details}
}

// IsFatal проверяет, является ли ошибка постоянным сбоем.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRetryable проверяет, можно ли повторять попытку после ошибки.
// Всё, что не Fatal — retryable: явные RetryableError, таймауты
// (context.DeadlineExceeded) и прочие ошибки handler'ов.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}

// ErrorDetails извлекает структурированные детали из ошибки handler'а.
func ErrorDetails(err error) map[string]any {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return retryable.Details
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Details
	}
	return nil
}

// --- Config helpers ---

// configString извлекает строковое значение из конфига.
func configString(config map[string]any, key, defaultVal string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// configInt извлекает числовое значение из конфига.
func configInt(config map[string]any, key string, defaultVal int) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// configMap извлекает map из конфига.
func configMap(config map[string]any, key string) map[string]any {
	if v, ok := config[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// configSlice извлекает срез из конфига.
func configSlice(config map[string]any, key string) []any {
	if v, ok := config[key]; ok {
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}
