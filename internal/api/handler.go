package api

import (
	"log/slog"
	"net/http"

	"github.com/shaiso/Conveyor/internal/service"
)

// Handler — HTTP-обработчики API поверх сервисного слоя.
// Бизнес-логики здесь нет: разбор запроса, вызов сервиса, перевод ошибки.
type Handler struct {
	workflows  *service.WorkflowService
	executions *service.ExecutionService
	logger     *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(workflows *service.WorkflowService, executions *service.ExecutionService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workflows:  workflows,
		executions: executions,
		logger:     logger,
	}
}

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Workflows
	mux.Handle("GET /api/v1/workflows", chain(http.HandlerFunc(h.ListWorkflows)))
	mux.Handle("POST /api/v1/workflows", chain(http.HandlerFunc(h.CreateWorkflow)))
	mux.Handle("GET /api/v1/workflows/{id}", chain(http.HandlerFunc(h.GetWorkflow)))
	mux.Handle("POST /api/v1/workflows/{id}/steps", chain(http.HandlerFunc(h.AddStep)))
	mux.Handle("POST /api/v1/workflows/{id}/activate", chain(http.HandlerFunc(h.ActivateWorkflow)))
	mux.Handle("POST /api/v1/workflows/{id}/deprecate", chain(http.HandlerFunc(h.DeprecateWorkflow)))
	mux.Handle("POST /api/v1/workflows/{id}/archive", chain(http.HandlerFunc(h.ArchiveWorkflow)))

	// Executions
	mux.Handle("POST /api/v1/workflows/{id}/trigger", chain(http.HandlerFunc(h.TriggerExecution)))
	mux.Handle("GET /api/v1/executions", chain(http.HandlerFunc(h.ListExecutions)))
	mux.Handle("GET /api/v1/executions/{id}", chain(http.HandlerFunc(h.GetExecution)))
	mux.Handle("POST /api/v1/executions/{id}/cancel", chain(http.HandlerFunc(h.CancelExecution)))
	mux.Handle("POST /api/v1/executions/{id}/retry", chain(http.HandlerFunc(h.RetryExecution)))
	mux.Handle("GET /api/v1/executions/{id}/steps", chain(http.HandlerFunc(h.ListStepExecutions)))
	mux.Handle("GET /api/v1/executions/{id}/logs", chain(http.HandlerFunc(h.ListExecutionLogs)))
}
