package handlers

import (
	"context"
	"strings"
)

// TaskTypeDataTransform — тип шага трансформации данных.
const TaskTypeDataTransform = "data_transform"

// DataTransformHandler — handler трансформации данных.
//
// Применяет к input последовательность операций:
//
//	{
//	    "transforms": [
//	        {"type": "rename", "from": "old_key", "to": "new_key"},
//	        {"type": "extract", "key": "nested.path", "as": "new_key"},
//	        {"type": "set", "key": "key", "value": "static"},
//	        {"type": "delete", "keys": ["key1", "key2"]}
//	    ]
//	}
//
// Outputs: преобразованная копия input.
type DataTransformHandler struct{}

// NewDataTransformHandler создаёт DataTransformHandler.
func NewDataTransformHandler() *DataTransformHandler {
	return &DataTransformHandler{}
}

// TaskType возвращает тип задачи.
func (h *DataTransformHandler) TaskType() string {
	return TaskTypeDataTransform
}

// Execute применяет трансформации.
func (h *DataTransformHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = v
	}

	for _, raw := range configSlice(config, "transforms") {
		transform, ok := raw.(map[string]any)
		if !ok {
			return nil, Fatal(nil, "%s: transform must be an object", TaskTypeDataTransform)
		}

		switch configString(transform, "type", "") {
		case "rename":
			from := configString(transform, "from", "")
			to := configString(transform, "to", "")
			if from == "" || to == "" {
				return nil, Fatal(nil, "%s: rename requires from and to", TaskTypeDataTransform)
			}
			if val, exists := result[from]; exists {
				result[to] = val
				delete(result, from)
			}

		case "extract":
			path := configString(transform, "key", "")
			if path == "" {
				return nil, Fatal(nil, "%s: extract requires key", TaskTypeDataTransform)
			}
			as := configString(transform, "as", "")
			if as == "" {
				parts := strings.Split(path, ".")
				as = parts[len(parts)-1]
			}
			if val, found := nestedValue(result, path); found {
				result[as] = val
			}

		case "set":
			key := configString(transform, "key", "")
			if key == "" {
				return nil, Fatal(nil, "%s: set requires key", TaskTypeDataTransform)
			}
			result[key] = transform["value"]

		case "delete":
			for _, k := range configSlice(transform, "keys") {
				if key, ok := k.(string); ok {
					delete(result, key)
				}
			}

		default:
			return nil, Fatal(nil, "%s: unknown transform type %q", TaskTypeDataTransform, transform["type"])
		}
	}

	return result, nil
}

// nestedValue достаёт значение по dot-пути ("a.b.c").
func nestedValue(data map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	var current any = data

	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
