package handlers

import (
	"context"
	"time"
)

// TaskTypeDelay — тип шага задержки.
const TaskTypeDelay = "delay"

// DelayHandler — handler задержки.
//
// Приостанавливает выполнение на заданное время.
//
// Конфигурация:
//
//	{"seconds": 5}
//
// Outputs: {"delayed_seconds": 5}
type DelayHandler struct{}

// NewDelayHandler создаёт DelayHandler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

// TaskType возвращает тип задачи.
func (h *DelayHandler) TaskType() string {
	return TaskTypeDelay
}

// Execute выполняет задержку, уважая отмену контекста.
func (h *DelayHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	seconds := configInt(config, "seconds", 1)
	if seconds < 0 {
		return nil, Fatal(nil, "%s: seconds must be non-negative", TaskTypeDelay)
	}

	if seconds > 0 {
		timer := time.NewTimer(time.Duration(seconds) * time.Second)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return map[string]any{"delayed_seconds": seconds}, nil
}
