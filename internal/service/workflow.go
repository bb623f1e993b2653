package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Default step settings.
const (
	defaultStepTimeoutSeconds = 300
	defaultStepMaxRetries     = 3
)

// WorkflowStore — операции хранилища над определениями workflow.
// Реализуется repo.WorkflowRepo.
type WorkflowStore interface {
	Create(ctx context.Context, wf *domain.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)
	LatestVersion(ctx context.Context, name string) (int, error)
	List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to domain.WorkflowStatus, allowedPrev ...domain.WorkflowStatus) error
	AddStep(ctx context.Context, step *domain.WorkflowStep) error
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error)
}

// WorkflowService управляет жизненным циклом определений workflow.
type WorkflowService struct {
	workflows WorkflowStore
	logger    *slog.Logger
}

// NewWorkflowService создаёт WorkflowService.
func NewWorkflowService(workflows WorkflowStore, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{workflows: workflows, logger: logger}
}

// Create создаёт новый workflow в статусе draft.
// Версия — следующая за максимальной для данного имени (с 1).
func (s *WorkflowService) Create(ctx context.Context, name string, metadata map[string]any) (*domain.Workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrValidation)
	}

	latest, err := s.workflows.LatestVersion(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}

	now := time.Now().UTC()
	wf := &domain.Workflow{
		ID:        uuid.New(),
		Name:      name,
		Version:   latest + 1,
		Status:    domain.WorkflowStatusDraft,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, translateRepoErr(err)
	}

	s.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name, "version", wf.Version)
	return wf, nil
}

// StepInput — параметры добавляемого шага.
type StepInput struct {
	Name           string
	TaskType       string
	StepOrder      int
	Config         map[string]any
	TimeoutSeconds int
	MaxRetries     int
}

// AddStep добавляет шаг в workflow. Допустимо только в статусе draft.
func (s *WorkflowService) AddStep(ctx context.Context, workflowID uuid.UUID, input StepInput) (*domain.WorkflowStep, error) {
	if input.TaskType == "" {
		return nil, fmt.Errorf("%w: task_type is required", ErrValidation)
	}
	if input.StepOrder < 0 {
		return nil, fmt.Errorf("%w: step_order must be non-negative", ErrValidation)
	}
	if input.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrValidation)
	}
	if input.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be non-negative", ErrValidation)
	}

	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	if !wf.IsDraft() {
		return nil, fmt.Errorf("%w: status %s", ErrWorkflowNotDraft, wf.Status)
	}

	timeout := input.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultStepTimeoutSeconds
	}

	name := input.Name
	if name == "" {
		name = fmt.Sprintf("step-%d", input.StepOrder)
	}

	step := &domain.WorkflowStep{
		ID:             uuid.New(),
		WorkflowID:     workflowID,
		Name:           name,
		TaskType:       input.TaskType,
		StepOrder:      input.StepOrder,
		Config:         input.Config,
		TimeoutSeconds: timeout,
		MaxRetries:     input.MaxRetries,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.workflows.AddStep(ctx, step); err != nil {
		return nil, translateRepoErr(err)
	}

	s.logger.Info("step added", "workflow_id", workflowID, "step_order", step.StepOrder, "task_type", step.TaskType)
	return step, nil
}

// Activate переводит workflow из draft в active.
// Перед активацией проверяется, что шаги есть и образуют плотный
// префикс 0..n-1.
func (s *WorkflowService) Activate(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	steps, err := s.workflows.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: workflow has no steps", ErrValidation)
	}
	if err := domain.ValidateStepOrder(steps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err = s.workflows.UpdateStatus(ctx, workflowID, domain.WorkflowStatusActive, domain.WorkflowStatusDraft)
	if err != nil {
		return nil, translateRepoErr(err)
	}

	s.logger.Info("workflow activated", "workflow_id", workflowID, "steps", len(steps))
	return s.Get(ctx, workflowID)
}

// Deprecate переводит workflow из active в deprecated.
// Существующие executions продолжают выполняться, новые не допускаются.
func (s *WorkflowService) Deprecate(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	err := s.workflows.UpdateStatus(ctx, workflowID, domain.WorkflowStatusDeprecated, domain.WorkflowStatusActive)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	s.logger.Info("workflow deprecated", "workflow_id", workflowID)
	return s.Get(ctx, workflowID)
}

// Archive переводит workflow в archived из draft или deprecated.
func (s *WorkflowService) Archive(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	err := s.workflows.UpdateStatus(ctx, workflowID, domain.WorkflowStatusArchived,
		domain.WorkflowStatusDraft, domain.WorkflowStatusDeprecated)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	s.logger.Info("workflow archived", "workflow_id", workflowID)
	return s.Get(ctx, workflowID)
}

// Get возвращает workflow вместе с шагами.
func (s *WorkflowService) Get(ctx context.Context, workflowID uuid.UUID) (*domain.Workflow, error) {
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, translateRepoErr(err)
	}

	steps, err := s.workflows.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, translateRepoErr(err)
	}
	wf.Steps = steps
	return wf, nil
}

// List возвращает workflows с фильтрацией.
func (s *WorkflowService) List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	return s.workflows.List(ctx, filter)
}
