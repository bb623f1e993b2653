package handlers

import (
	"context"
	"log/slog"
	"strings"
)

// TaskTypeLog — тип шага логирования.
const TaskTypeLog = "log"

// LogHandler — handler логирования.
//
// Пишет сообщение в журнал процесса. Плейсхолдеры {key} в сообщении
// подставляются из input.
//
// Конфигурация:
//
//	{"message": "order {order_id} processed", "level": "info"}
//
// Outputs: {"logged_message": ..., "level": ...}
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler создаёт LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// TaskType возвращает тип задачи.
func (h *LogHandler) TaskType() string {
	return TaskTypeLog
}

// Execute пишет сообщение в журнал.
func (h *LogHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	message := configString(config, "message", "log step executed")
	message = substitutePlaceholders(message, input)
	level := strings.ToLower(configString(config, "level", "info"))

	switch level {
	case "debug":
		h.logger.Debug(message)
	case "warning", "warn":
		h.logger.Warn(message)
	case "error":
		h.logger.Error(message)
	default:
		level = "info"
		h.logger.Info(message)
	}

	return map[string]any{
		"logged_message": message,
		"level":          level,
	}, nil
}
