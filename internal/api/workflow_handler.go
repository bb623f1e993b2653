package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/service"
)

// CreateWorkflow — POST /api/v1/workflows.
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	wf, err := h.workflows.Create(r.Context(), req.Name, req.Metadata)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Created(w, wf)
}

// GetWorkflow — GET /api/v1/workflows/{id}.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	wf, err := h.workflows.Get(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, wf)
}

// ListWorkflows — GET /api/v1/workflows.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := repo.WorkflowFilter{
		Status: domain.WorkflowStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	workflows, err := h.workflows.List(r.Context(), filter)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	List(w, workflows, len(workflows))
}

// AddStep — POST /api/v1/workflows/{id}/steps.
func (h *Handler) AddStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req AddStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	step, err := h.workflows.AddStep(r.Context(), id, service.StepInput{
		Name:           req.Name,
		TaskType:       req.TaskType,
		StepOrder:      req.StepOrder,
		Config:         req.Config,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	})
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Created(w, step)
}

// ActivateWorkflow — POST /api/v1/workflows/{id}/activate.
func (h *Handler) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	wf, err := h.workflows.Activate(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, wf)
}

// DeprecateWorkflow — POST /api/v1/workflows/{id}/deprecate.
func (h *Handler) DeprecateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	wf, err := h.workflows.Deprecate(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, wf)
}

// ArchiveWorkflow — POST /api/v1/workflows/{id}/archive.
func (h *Handler) ArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	wf, err := h.workflows.Archive(r.Context(), id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, wf)
}

// --- Helpers ---

// pathUUID извлекает UUID из path-параметра.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		BadRequest(w, "invalid "+name+": must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt извлекает числовой query-параметр.
func queryInt(r *http.Request, name string, defaultVal int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
