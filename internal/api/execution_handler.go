package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/service"
)

// TriggerExecution — POST /api/v1/workflows/{id}/trigger.
//
// Идемпотентен: существующая пара (workflow, idempotency_key)
// возвращается с 200, новая строка — с 201.
func (h *Handler) TriggerExecution(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	exec, created, err := h.executions.Trigger(r.Context(), service.TriggerRequest{
		WorkflowID:     workflowID,
		IdempotencyKey: req.IdempotencyKey,
		InputData:      req.InputData,
		MaxRetries:     req.MaxRetries,
		ScheduledAt:    req.ScheduledAt,
	})
	if HandleServiceError(w, h.logger, err) {
		return
	}

	if created {
		Created(w, exec)
		return
	}
	Success(w, exec)
}

// GetExecution — GET /api/v1/executions/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	exec, err := h.executions.Get(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, exec)
}

// ListExecutions — GET /api/v1/executions.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := repo.ExecutionFilter{
		Status: domain.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("workflow_id"); raw != "" {
		workflowID, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid workflow_id: must be a UUID")
			return
		}
		filter.WorkflowID = &workflowID
	}

	executions, err := h.executions.List(r.Context(), filter)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	List(w, executions, len(executions))
}

// CancelExecution — POST /api/v1/executions/{id}/cancel.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	exec, err := h.executions.Cancel(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, exec)
}

// RetryExecution — POST /api/v1/executions/{id}/retry.
func (h *Handler) RetryExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	exec, err := h.executions.Retry(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, exec)
}

// ListStepExecutions — GET /api/v1/executions/{id}/steps.
func (h *Handler) ListStepExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	steps, err := h.executions.ListStepExecutions(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	List(w, steps, len(steps))
}

// ListExecutionLogs — GET /api/v1/executions/{id}/logs.
func (h *Handler) ListExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	filter := repo.LogFilter{
		Level:  domain.LogLevel(r.URL.Query().Get("level")),
		Limit:  queryInt(r, "limit", 1000),
		Offset: queryInt(r, "offset", 0),
	}

	logs, err := h.executions.ListLogs(r.Context(), id, filter)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	List(w, logs, len(logs))
}
