package handlers

import (
	"context"
	"fmt"
	"strings"
)

// TaskTypeConditional — тип шага условной логики.
const TaskTypeConditional = "conditional"

// ConditionalHandler — handler условной логики.
//
// Вычисляет условие над input и возвращает одну из веток:
//
//	{
//	    "condition": {
//	        "field": "some_key",
//	        "operator": "eq" | "ne" | "gt" | "lt" | "contains" | "exists",
//	        "value": "expected"
//	    },
//	    "on_true":  {"result": "condition_met"},
//	    "on_false": {"result": "condition_not_met"}
//	}
//
// Outputs: {"condition_result": bool} + содержимое выбранной ветки.
type ConditionalHandler struct{}

// NewConditionalHandler создаёт ConditionalHandler.
func NewConditionalHandler() *ConditionalHandler {
	return &ConditionalHandler{}
}

// TaskType возвращает тип задачи.
func (h *ConditionalHandler) TaskType() string {
	return TaskTypeConditional
}

// Execute вычисляет условие.
func (h *ConditionalHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	condition := configMap(config, "condition")
	if condition == nil {
		return nil, Fatal(nil, "%s: condition is required", TaskTypeConditional)
	}

	field := configString(condition, "field", "")
	operator := configString(condition, "operator", "eq")
	expected := condition["value"]
	actual, present := input[field]

	result, err := evaluate(operator, field, actual, expected, present, input)
	if err != nil {
		return nil, err
	}

	branch := "on_false"
	if result {
		branch = "on_true"
	}

	outputs := map[string]any{"condition_result": result}
	for k, v := range configMap(config, branch) {
		outputs[k] = v
	}
	return outputs, nil
}

// evaluate вычисляет один оператор условия.
func evaluate(operator, field string, actual, expected any, present bool, input map[string]any) (bool, error) {
	switch operator {
	case "eq":
		return equalValues(actual, expected), nil

	case "ne":
		return !equalValues(actual, expected), nil

	case "gt":
		a, b, ok := numericPair(actual, expected)
		return ok && a > b, nil

	case "lt":
		a, b, ok := numericPair(actual, expected)
		return ok && a < b, nil

	case "contains":
		return containsValue(actual, expected), nil

	case "exists":
		_, exists := input[field]
		return exists, nil

	default:
		return false, Fatal(nil, "%s: unknown operator %q", TaskTypeConditional, operator)
	}
}

// equalValues сравнивает значения, выравнивая числовые типы
// (JSON-декодер отдаёт float64).
func equalValues(a, b any) bool {
	if af, bf, ok := numericPair(a, b); ok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && (a != nil) == (b != nil)
}

// numericPair пробует привести оба значения к float64.
func numericPair(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

// toFloat приводит значение к float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// containsValue проверяет вхождение expected в actual
// (подстрока либо элемент среза).
func containsValue(actual, expected any) bool {
	switch container := actual.(type) {
	case string:
		return strings.Contains(container, fmt.Sprint(expected))
	case []any:
		for _, item := range container {
			if equalValues(item, expected) {
				return true
			}
		}
	}
	return false
}
