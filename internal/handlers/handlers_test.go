package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// --- Error taxonomy ---

func TestErrorClassification(t *testing.T) {
	retryable := Retryable(map[string]any{"k": "v"}, "transient: %s", "boom")
	fatal := Fatal(nil, "permanent")
	plain := errors.New("plain")

	if !IsRetryable(retryable) || IsFatal(retryable) {
		t.Error("Retryable must be retryable and not fatal")
	}
	if !IsFatal(fatal) || IsRetryable(fatal) {
		t.Error("Fatal must be fatal and not retryable")
	}
	if !IsRetryable(plain) {
		t.Error("plain errors are treated as retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("timeouts are treated as retryable")
	}
	if IsRetryable(nil) || IsFatal(nil) {
		t.Error("nil is neither retryable nor fatal")
	}

	if details := ErrorDetails(retryable); details["k"] != "v" {
		t.Errorf("expected details preserved, got %v", details)
	}
}

// --- HTTPRequestHandler ---

func TestHTTPRequestHandler_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("expected header X-Token")
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["order_id"] != "42" {
			t.Errorf("expected body order_id=42, got %v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	h := NewHTTPRequestHandler()
	output, err := h.Execute(context.Background(), map[string]any{
		"url":     server.URL + "/orders",
		"method":  "POST",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"order_id": "42"},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output["status_code"] != http.StatusOK {
		t.Errorf("expected status_code 200, got %v", output["status_code"])
	}
	resp, ok := output["response"].(map[string]any)
	if !ok || resp["ok"] != true {
		t.Errorf("expected parsed response, got %v", output["response"])
	}
}

func TestHTTPRequestHandler_URLPlaceholders(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := NewHTTPRequestHandler()
	_, err := h.Execute(context.Background(), map[string]any{
		"url": server.URL + "/orders/{order_id}",
	}, map[string]any{"order_id": 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/orders/42" {
		t.Errorf("expected placeholder substitution, got %s", gotPath)
	}
}

func TestHTTPRequestHandler_UnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := NewHTTPRequestHandler()
	_, err := h.Execute(context.Background(), map[string]any{"url": server.URL}, nil)
	if !IsRetryable(err) || IsFatal(err) {
		t.Errorf("unexpected status must be retryable, got %v", err)
	}

	details := ErrorDetails(err)
	if details["status_code"] != http.StatusBadGateway {
		t.Errorf("expected status_code in details, got %v", details)
	}
}

func TestHTTPRequestHandler_ExpectedStatusList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := NewHTTPRequestHandler()
	// JSON-декодер отдаёт числа как float64 — конфиг с float64 должен работать.
	output, err := h.Execute(context.Background(), map[string]any{
		"url":             server.URL,
		"expected_status": []any{float64(http.StatusTeapot)},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output["status_code"] != http.StatusTeapot {
		t.Errorf("expected 418, got %v", output["status_code"])
	}
}

func TestHTTPRequestHandler_MissingURL(t *testing.T) {
	h := NewHTTPRequestHandler()
	_, err := h.Execute(context.Background(), map[string]any{}, nil)
	if !IsFatal(err) {
		t.Errorf("missing url must be fatal, got %v", err)
	}
}

// --- DataTransformHandler ---

func TestDataTransformHandler(t *testing.T) {
	h := NewDataTransformHandler()

	input := map[string]any{
		"old_name": "value",
		"nested":   map[string]any{"inner": map[string]any{"deep": 7}},
		"trash":    "x",
	}
	config := map[string]any{
		"transforms": []any{
			map[string]any{"type": "rename", "from": "old_name", "to": "new_name"},
			map[string]any{"type": "extract", "key": "nested.inner.deep", "as": "deep_value"},
			map[string]any{"type": "set", "key": "constant", "value": "fixed"},
			map[string]any{"type": "delete", "keys": []any{"trash"}},
		},
	}

	output, err := h.Execute(context.Background(), config, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output["new_name"] != "value" {
		t.Errorf("rename failed: %v", output)
	}
	if _, exists := output["old_name"]; exists {
		t.Error("rename must remove the old key")
	}
	if output["deep_value"] != 7 {
		t.Errorf("extract failed: %v", output["deep_value"])
	}
	if output["constant"] != "fixed" {
		t.Errorf("set failed: %v", output)
	}
	if _, exists := output["trash"]; exists {
		t.Error("delete failed")
	}

	// Input не мутируется.
	if _, exists := input["new_name"]; exists {
		t.Error("handler must not mutate input")
	}
}

func TestDataTransformHandler_ExtractDefaultName(t *testing.T) {
	h := NewDataTransformHandler()

	output, err := h.Execute(context.Background(), map[string]any{
		"transforms": []any{
			map[string]any{"type": "extract", "key": "a.b"},
		},
	}, map[string]any{"a": map[string]any{"b": "deep"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output["b"] != "deep" {
		t.Errorf("expected extract to use last path segment, got %v", output)
	}
}

func TestDataTransformHandler_UnknownType(t *testing.T) {
	h := NewDataTransformHandler()
	_, err := h.Execute(context.Background(), map[string]any{
		"transforms": []any{map[string]any{"type": "explode"}},
	}, nil)
	if !IsFatal(err) {
		t.Errorf("unknown transform type must be fatal, got %v", err)
	}
}

// --- DelayHandler ---

func TestDelayHandler_ZeroSeconds(t *testing.T) {
	h := NewDelayHandler()

	start := time.Now()
	output, err := h.Execute(context.Background(), map[string]any{"seconds": 0}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("zero delay must return immediately")
	}
	if output["delayed_seconds"] != 0 {
		t.Errorf("expected delayed_seconds 0, got %v", output)
	}
}

func TestDelayHandler_ContextCancellation(t *testing.T) {
	h := NewDelayHandler()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Execute(ctx, map[string]any{"seconds": 60}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("timeout must be retryable")
	}
}

// --- ConditionalHandler ---

func TestConditionalHandler(t *testing.T) {
	h := NewConditionalHandler()

	tests := []struct {
		name     string
		operator string
		field    string
		value    any
		input    map[string]any
		want     bool
	}{
		{"eq true", "eq", "status", "ok", map[string]any{"status": "ok"}, true},
		{"eq false", "eq", "status", "ok", map[string]any{"status": "bad"}, false},
		{"eq numeric types", "eq", "count", 5, map[string]any{"count": float64(5)}, true},
		{"ne", "ne", "status", "ok", map[string]any{"status": "bad"}, true},
		{"gt", "gt", "count", 3, map[string]any{"count": float64(5)}, true},
		{"gt false", "gt", "count", 10, map[string]any{"count": float64(5)}, false},
		{"lt", "lt", "count", 10, map[string]any{"count": float64(5)}, true},
		{"contains string", "contains", "msg", "err", map[string]any{"msg": "an error occurred"}, true},
		{"contains slice", "contains", "tags", "a", map[string]any{"tags": []any{"a", "b"}}, true},
		{"exists true", "exists", "key", nil, map[string]any{"key": "x"}, true},
		{"exists false", "exists", "missing", nil, map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := map[string]any{
				"condition": map[string]any{
					"field":    tt.field,
					"operator": tt.operator,
					"value":    tt.value,
				},
				"on_true":  map[string]any{"branch": "yes"},
				"on_false": map[string]any{"branch": "no"},
			}

			output, err := h.Execute(context.Background(), config, tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if output["condition_result"] != tt.want {
				t.Errorf("condition_result = %v, want %v", output["condition_result"], tt.want)
			}

			wantBranch := "no"
			if tt.want {
				wantBranch = "yes"
			}
			if output["branch"] != wantBranch {
				t.Errorf("branch = %v, want %v", output["branch"], wantBranch)
			}
		})
	}
}

func TestConditionalHandler_UnknownOperator(t *testing.T) {
	h := NewConditionalHandler()
	_, err := h.Execute(context.Background(), map[string]any{
		"condition": map[string]any{"field": "x", "operator": "xor"},
	}, nil)
	if !IsFatal(err) {
		t.Errorf("unknown operator must be fatal, got %v", err)
	}
}

func TestConditionalHandler_MissingCondition(t *testing.T) {
	h := NewConditionalHandler()
	_, err := h.Execute(context.Background(), map[string]any{}, nil)
	if !IsFatal(err) {
		t.Errorf("missing condition must be fatal, got %v", err)
	}
}

// --- LogHandler ---

func TestLogHandler(t *testing.T) {
	h := NewLogHandler(nil)

	output, err := h.Execute(context.Background(), map[string]any{
		"message": "order {order_id} done",
		"level":   "warning",
	}, map[string]any{"order_id": 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output["logged_message"] != "order 7 done" {
		t.Errorf("expected substituted message, got %v", output["logged_message"])
	}
	if output["level"] != "warning" {
		t.Errorf("expected level warning, got %v", output["level"])
	}
}

func TestLogHandler_DefaultLevel(t *testing.T) {
	h := NewLogHandler(nil)

	output, err := h.Execute(context.Background(), map[string]any{"level": "shout"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output["level"] != "info" {
		t.Errorf("unknown level must fall back to info, got %v", output["level"])
	}
}
