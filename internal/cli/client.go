package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api, CLI не импортирует internal/api) ---

// WorkflowResponse — workflow из API.
type WorkflowResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Steps     []StepResponse `json:"steps,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// StepResponse — шаг workflow из API.
type StepResponse struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Name           string         `json:"name"`
	TaskType       string         `json:"task_type"`
	StepOrder      int            `json:"step_order"`
	Config         map[string]any `json:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxRetries     int            `json:"max_retries"`
}

// ExecutionResponse — execution из API.
type ExecutionResponse struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	IdempotencyKey   string         `json:"idempotency_key"`
	Status           string         `json:"status"`
	CurrentStepOrder int            `json:"current_step_order"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	InputData        map[string]any `json:"input_data,omitempty"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

// StepExecutionResponse — попытка шага из API.
type StepExecutionResponse struct {
	ID            string `json:"id"`
	StepOrder     int    `json:"step_order"`
	Status        string `json:"status"`
	AttemptNumber int    `json:"attempt_number"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// LogResponse — запись журнала из API.
type LogResponse struct {
	ID        int64  `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// apiError — тело ответа с ошибкой.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// dataEnvelope — обёртка успешного ответа.
type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// Client — HTTP-клиент API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient создаёт Client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Workflows ---

// CreateWorkflowRequest — тело создания workflow.
type CreateWorkflowRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateWorkflow создаёт workflow.
func (c *Client) CreateWorkflow(req CreateWorkflowRequest) (*WorkflowResponse, error) {
	return doJSON[WorkflowResponse](c, http.MethodPost, "/api/v1/workflows", req)
}

// GetWorkflow возвращает workflow с шагами.
func (c *Client) GetWorkflow(id string) (*WorkflowResponse, error) {
	return doJSON[WorkflowResponse](c, http.MethodGet, "/api/v1/workflows/"+id, nil)
}

// ListWorkflowsOpts — параметры списка workflows.
type ListWorkflowsOpts struct {
	Status string
	Limit  int
}

// ListWorkflows возвращает список workflows.
func (c *Client) ListWorkflows(opts ListWorkflowsOpts) ([]WorkflowResponse, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/api/v1/workflows"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	result, err := doJSON[[]WorkflowResponse](c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// AddStepRequest — тело добавления шага.
type AddStepRequest struct {
	Name           string         `json:"name,omitempty"`
	TaskType       string         `json:"task_type"`
	StepOrder      int            `json:"step_order"`
	Config         map[string]any `json:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
}

// AddStep добавляет шаг в workflow.
func (c *Client) AddStep(workflowID string, req AddStepRequest) (*StepResponse, error) {
	return doJSON[StepResponse](c, http.MethodPost, "/api/v1/workflows/"+workflowID+"/steps", req)
}

// ActivateWorkflow активирует workflow.
func (c *Client) ActivateWorkflow(id string) (*WorkflowResponse, error) {
	return doJSON[WorkflowResponse](c, http.MethodPost, "/api/v1/workflows/"+id+"/activate", nil)
}

// DeprecateWorkflow помечает workflow устаревшим.
func (c *Client) DeprecateWorkflow(id string) (*WorkflowResponse, error) {
	return doJSON[WorkflowResponse](c, http.MethodPost, "/api/v1/workflows/"+id+"/deprecate", nil)
}

// --- Executions ---

// TriggerRequest — тело запуска execution.
type TriggerRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	InputData      map[string]any `json:"input_data,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
}

// Trigger запускает execution workflow.
func (c *Client) Trigger(workflowID string, req TriggerRequest) (*ExecutionResponse, error) {
	return doJSON[ExecutionResponse](c, http.MethodPost, "/api/v1/workflows/"+workflowID+"/trigger", req)
}

// GetExecution возвращает execution.
func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	return doJSON[ExecutionResponse](c, http.MethodGet, "/api/v1/executions/"+id, nil)
}

// ListExecutionsOpts — параметры списка executions.
type ListExecutionsOpts struct {
	WorkflowID string
	Status     string
	Limit      int
}

// ListExecutions возвращает список executions.
func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	query := url.Values{}
	if opts.WorkflowID != "" {
		query.Set("workflow_id", opts.WorkflowID)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/api/v1/executions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	result, err := doJSON[[]ExecutionResponse](c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// CancelExecution отменяет execution.
func (c *Client) CancelExecution(id string) (*ExecutionResponse, error) {
	return doJSON[ExecutionResponse](c, http.MethodPost, "/api/v1/executions/"+id+"/cancel", nil)
}

// RetryExecution перезапускает failed execution.
func (c *Client) RetryExecution(id string) (*ExecutionResponse, error) {
	return doJSON[ExecutionResponse](c, http.MethodPost, "/api/v1/executions/"+id+"/retry", nil)
}

// ListStepExecutions возвращает попытки шагов execution.
func (c *Client) ListStepExecutions(id string) ([]StepExecutionResponse, error) {
	result, err := doJSON[[]StepExecutionResponse](c, http.MethodGet, "/api/v1/executions/"+id+"/steps", nil)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// ListLogs возвращает журнал execution.
func (c *Client) ListLogs(id, level string) ([]LogResponse, error) {
	path := "/api/v1/executions/" + id + "/logs"
	if level != "" {
		path += "?level=" + url.QueryEscape(level)
	}

	result, err := doJSON[[]LogResponse](c, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// doJSON выполняет запрос и разбирает обёртку {"data": ...}.
func doJSON[T any](c *Client, method, path string, body any) (*T, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope dataEnvelope[T]
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &envelope.Data, nil
}
