package api

import "time"

// --- Requests ---

// CreateWorkflowRequest — тело POST /workflows.
type CreateWorkflowRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddStepRequest — тело POST /workflows/{id}/steps.
type AddStepRequest struct {
	Name           string         `json:"name,omitempty"`
	TaskType       string         `json:"task_type"`
	StepOrder      int            `json:"step_order"`
	Config         map[string]any `json:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
}

// TriggerRequest — тело POST /workflows/{id}/trigger.
type TriggerRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	InputData      map[string]any `json:"input_data,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
}
