package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// TaskTypeHTTPRequest — тип шага HTTP-запроса.
const TaskTypeHTTPRequest = "http_request"

// HTTPRequestHandler — handler HTTP-запросов.
//
// Конфигурация:
//
//	{
//	    "url": "https://api.example.com/orders/{order_id}",
//	    "method": "GET" | "POST" | "PUT" | "DELETE",
//	    "headers": {"Authorization": "Bearer ..."},
//	    "body": {...},
//	    "expected_status": [200, 201]
//	}
//
// Плейсхолдеры {key} в URL подставляются из input.
// Outputs: {"status_code": ..., "response": ...}
type HTTPRequestHandler struct {
	client *http.Client
}

// NewHTTPRequestHandler создаёт handler со стандартным http.Client.
// Таймаут запроса управляется контекстом шага, не клиентом.
func NewHTTPRequestHandler() *HTTPRequestHandler {
	return &HTTPRequestHandler{client: &http.Client{}}
}

// TaskType возвращает тип задачи.
func (h *HTTPRequestHandler) TaskType() string {
	return TaskTypeHTTPRequest
}

// Execute выполняет HTTP-запрос.
func (h *HTTPRequestHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	rawURL := configString(config, "url", "")
	if rawURL == "" {
		return nil, Fatal(nil, "%s: url is required", TaskTypeHTTPRequest)
	}

	url := substitutePlaceholders(rawURL, input)
	method := strings.ToUpper(configString(config, "method", "GET"))

	var body io.Reader
	if rawBody, ok := config["body"]; ok && rawBody != nil {
		encoded, err := json.Marshal(rawBody)
		if err != nil {
			return nil, Fatal(nil, "%s: encode body: %v", TaskTypeHTTPRequest, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, Fatal(nil, "%s: build request: %v", TaskTypeHTTPRequest, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, val := range configMap(config, "headers") {
		if s, ok := val.(string); ok {
			req.Header.Set(key, s)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Сетевые сбои временные — пусть движок повторит.
		return nil, Retryable(map[string]any{"url": url}, "%s: request failed: %v", TaskTypeHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable(map[string]any{"url": url}, "%s: read response: %v", TaskTypeHTTPRequest, err)
	}

	if !statusExpected(resp.StatusCode, config) {
		return nil, Retryable(
			map[string]any{"url": url, "status_code": resp.StatusCode, "body": truncate(string(respBody), 1024)},
			"%s: unexpected status %d", TaskTypeHTTPRequest, resp.StatusCode,
		)
	}

	var responseData any
	if err := json.Unmarshal(respBody, &responseData); err != nil {
		responseData = map[string]any{"text": string(respBody)}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"response":    responseData,
	}, nil
}

// statusExpected проверяет код ответа против expected_status.
// По умолчанию успешными считаются 200, 201, 204.
func statusExpected(status int, config map[string]any) bool {
	expected := configSlice(config, "expected_status")
	if expected == nil {
		return status == http.StatusOK || status == http.StatusCreated || status == http.StatusNoContent
	}
	for _, v := range expected {
		switch code := v.(type) {
		case int:
			if status == code {
				return true
			}
		case float64:
			if status == int(code) {
				return true
			}
		}
	}
	return false
}

// substitutePlaceholders подставляет {key} из input.
func substitutePlaceholders(s string, input map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	for key, val := range input {
		s = strings.ReplaceAll(s, "{"+key+"}", fmt.Sprint(val))
	}
	return s
}

// truncate обрезает строку до limit байт.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
