package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/fsm"
	"github.com/shaiso/Conveyor/internal/repo"
)

// --- In-memory фейки ---

type memWorkflowStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*domain.Workflow
	steps     map[uuid.UUID][]domain.WorkflowStep
}

func newMemWorkflowStore() *memWorkflowStore {
	return &memWorkflowStore{
		workflows: make(map[uuid.UUID]*domain.Workflow),
		steps:     make(map[uuid.UUID][]domain.WorkflowStep),
	}
}

func (s *memWorkflowStore) Create(ctx context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workflows {
		if existing.Name == wf.Name && existing.Version == wf.Version {
			return repo.ErrAlreadyExists
		}
	}
	copied := *wf
	s.workflows[wf.ID] = &copied
	return nil
}

func (s *memWorkflowStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	copied := *wf
	return &copied, nil
}

func (s *memWorkflowStore) LatestVersion(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for _, wf := range s.workflows {
		if wf.Name == name && wf.Version > latest {
			latest = wf.Version
		}
	}
	return latest, nil
}

func (s *memWorkflowStore) List(ctx context.Context, filter repo.WorkflowFilter) ([]domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Workflow
	for _, wf := range s.workflows {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		result = append(result, *wf)
	}
	return result, nil
}

func (s *memWorkflowStore) UpdateStatus(ctx context.Context, id uuid.UUID, to domain.WorkflowStatus, allowedPrev ...domain.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	for _, prev := range allowedPrev {
		if wf.Status == prev {
			wf.Status = to
			return nil
		}
	}
	return repo.ErrInvalidState
}

func (s *memWorkflowStore) AddStep(ctx context.Context, step *domain.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps[step.WorkflowID] {
		if existing.StepOrder == step.StepOrder {
			return repo.ErrAlreadyExists
		}
	}
	s.steps[step.WorkflowID] = append(s.steps[step.WorkflowID], *step)
	return nil
}

func (s *memWorkflowStore) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := append([]domain.WorkflowStep(nil), s.steps[workflowID]...)
	for i := 0; i < len(steps); i++ {
		for j := i + 1; j < len(steps); j++ {
			if steps[j].StepOrder < steps[i].StepOrder {
				steps[i], steps[j] = steps[j], steps[i]
			}
		}
	}
	return steps, nil
}

type memExecutionStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*domain.Execution

	// missLookups — первые N вызовов GetByIdempotencyKey промахиваются,
	// как будто конкурентный insert ещё не виден.
	missLookups int
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{execs: make(map[uuid.UUID]*domain.Execution)}
}

func (s *memExecutionStore) Create(ctx context.Context, e *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.execs {
		if existing.WorkflowID == e.WorkflowID && existing.IdempotencyKey == e.IdempotencyKey {
			return repo.ErrAlreadyExists
		}
	}
	copied := *e
	s.execs[e.ID] = &copied
	return nil
}

func (s *memExecutionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *memExecutionStore) GetByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missLookups > 0 {
		s.missLookups--
		return nil, repo.ErrNotFound
	}
	for _, e := range s.execs {
		if e.WorkflowID == workflowID && e.IdempotencyKey == key {
			copied := *e
			return &copied, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *memExecutionStore) List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Execution
	for _, e := range s.execs {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != nil && e.WorkflowID != *filter.WorkflowID {
			continue
		}
		result = append(result, *e)
	}
	return result, nil
}

func (s *memExecutionStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	e.Status = domain.ExecutionStatusCancelled
	e.CompletedAt = &now
	return true, nil
}

func (s *memExecutionStore) ScheduleRetry(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok || e.Status != domain.ExecutionStatusFailed || e.RetryCount >= e.MaxRetries {
		return false, nil
	}
	e.Status = domain.ExecutionStatusRetrying
	e.RetryCount++
	e.ScheduledAt = &at
	return true, nil
}

func (s *memExecutionStore) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]domain.StepExecution, error) {
	return nil, nil
}

// setStatus — ручка для подготовки сценариев.
func (s *memExecutionStore) setStatus(id uuid.UUID, status domain.ExecutionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[id].Status = status
}

type memLogStore struct {
	mu      sync.Mutex
	entries []domain.ExecutionLog
}

func (l *memLogStore) Append(ctx context.Context, log *domain.ExecutionLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	log.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, *log)
	return nil
}

func (l *memLogStore) ListByExecution(ctx context.Context, executionID uuid.UUID, filter repo.LogFilter) ([]domain.ExecutionLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result []domain.ExecutionLog
	for _, entry := range l.entries {
		if entry.ExecutionID != executionID {
			continue
		}
		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

type memEnqueuer struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *memEnqueuer) Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, executionID)
	return nil
}

func (q *memEnqueuer) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

// --- Harness ---

type services struct {
	workflows  *memWorkflowStore
	executions *memExecutionStore
	logs       *memLogStore
	queue      *memEnqueuer
	wfSvc      *WorkflowService
	execSvc    *ExecutionService
}

func newServices() *services {
	s := &services{
		workflows:  newMemWorkflowStore(),
		executions: newMemExecutionStore(),
		logs:       &memLogStore{},
		queue:      &memEnqueuer{},
	}
	s.wfSvc = NewWorkflowService(s.workflows, nil)
	s.execSvc = NewExecutionService(s.executions, s.workflows, s.logs, s.queue, nil)
	return s
}

// activeWorkflow создаёт активный workflow с одним шагом.
func (s *services) activeWorkflow(t *testing.T) *domain.Workflow {
	t.Helper()
	ctx := context.Background()

	wf, err := s.wfSvc.Create(ctx, "test-flow", nil)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	_, err = s.wfSvc.AddStep(ctx, wf.ID, StepInput{TaskType: "log", StepOrder: 0})
	if err != nil {
		t.Fatalf("add step: %v", err)
	}
	wf, err = s.wfSvc.Activate(ctx, wf.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return wf
}

// --- WorkflowService tests ---

func TestWorkflowCreate_Versioning(t *testing.T) {
	s := newServices()
	ctx := context.Background()

	first, err := s.wfSvc.Create(ctx, "flow", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}
	if first.Status != domain.WorkflowStatusDraft {
		t.Errorf("expected draft, got %s", first.Status)
	}

	second, err := s.wfSvc.Create(ctx, "flow", nil)
	if err != nil {
		t.Fatalf("create second version: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("expected version 2, got %d", second.Version)
	}
}

func TestWorkflowCreate_EmptyName(t *testing.T) {
	s := newServices()

	_, err := s.wfSvc.Create(context.Background(), "", nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestAddStep_OnlyDraft(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	_, err := s.wfSvc.AddStep(ctx, wf.ID, StepInput{TaskType: "delay", StepOrder: 1})
	if !errors.Is(err, ErrWorkflowNotDraft) {
		t.Errorf("expected ErrWorkflowNotDraft, got %v", err)
	}
}

func TestAddStep_Defaults(t *testing.T) {
	s := newServices()
	ctx := context.Background()

	wf, _ := s.wfSvc.Create(ctx, "flow", nil)
	step, err := s.wfSvc.AddStep(ctx, wf.ID, StepInput{TaskType: "delay", StepOrder: 0})
	if err != nil {
		t.Fatalf("add step: %v", err)
	}
	if step.TimeoutSeconds != defaultStepTimeoutSeconds {
		t.Errorf("expected default timeout, got %d", step.TimeoutSeconds)
	}
	if step.Name != "step-0" {
		t.Errorf("expected generated name, got %q", step.Name)
	}
}

func TestActivate_RequiresDenseSteps(t *testing.T) {
	s := newServices()
	ctx := context.Background()

	wf, _ := s.wfSvc.Create(ctx, "flow", nil)

	// Без шагов активация невозможна.
	if _, err := s.wfSvc.Activate(ctx, wf.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty workflow, got %v", err)
	}

	// Пропуск в step_order тоже отклоняется.
	s.wfSvc.AddStep(ctx, wf.ID, StepInput{TaskType: "log", StepOrder: 0})
	s.wfSvc.AddStep(ctx, wf.ID, StepInput{TaskType: "log", StepOrder: 2})
	if _, err := s.wfSvc.Activate(ctx, wf.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for sparse steps, got %v", err)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	deprecated, err := s.wfSvc.Deprecate(ctx, wf.ID)
	if err != nil {
		t.Fatalf("deprecate: %v", err)
	}
	if deprecated.Status != domain.WorkflowStatusDeprecated {
		t.Errorf("expected deprecated, got %s", deprecated.Status)
	}

	archived, err := s.wfSvc.Archive(ctx, wf.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != domain.WorkflowStatusArchived {
		t.Errorf("expected archived, got %s", archived.Status)
	}

	// Повторный deprecate из archived отклоняется.
	if _, err := s.wfSvc.Deprecate(ctx, wf.ID); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

// --- ExecutionService tests ---

func TestTrigger_HappyPath(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	exec, created, err := s.execSvc.Trigger(ctx, TriggerRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "k1",
		InputData:      map[string]any{"a": 1},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !created {
		t.Error("first trigger must report created=true")
	}

	if exec.Status != domain.ExecutionStatusPending {
		t.Errorf("expected pending, got %s", exec.Status)
	}
	if exec.MaxRetries != defaultExecutionMaxRetries {
		t.Errorf("expected default max_retries, got %d", exec.MaxRetries)
	}
	if s.queue.count() != 1 {
		t.Errorf("expected 1 enqueue, got %d", s.queue.count())
	}
}

// S2: повторный trigger с тем же ключом возвращает ту же строку
// и не ставит дубликат в очередь.
func TestTrigger_Idempotent(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	req := TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "k2"}

	first, created, err := s.execSvc.Trigger(ctx, req)
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if !created {
		t.Error("first trigger must report created=true")
	}
	second, created, err := s.execSvc.Trigger(ctx, req)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if created {
		t.Error("duplicate trigger must report created=false")
	}

	if first.ID != second.ID {
		t.Errorf("expected same execution, got %s and %s", first.ID, second.ID)
	}

	all, _ := s.execSvc.List(ctx, repo.ExecutionFilter{})
	if len(all) != 1 {
		t.Errorf("expected exactly 1 execution, got %d", len(all))
	}
	if s.queue.count() != 1 {
		t.Errorf("duplicate trigger must not enqueue, got %d", s.queue.count())
	}
}

// Гонка конкурентных trigger: insert проиграл — возвращается победитель.
func TestTrigger_RaceReturnsWinner(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	// Победитель уже в хранилище, но быстрый lookup его «не увидел»:
	// insert проигрывает по unique-ограничению, сервис перечитывает.
	now := time.Now()
	winner := &domain.Execution{
		ID:             uuid.New(),
		WorkflowID:     wf.ID,
		IdempotencyKey: "k3",
		Status:         domain.ExecutionStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.executions.mu.Lock()
	s.executions.execs[winner.ID] = winner
	s.executions.missLookups = 1
	s.executions.mu.Unlock()

	got, created, err := s.execSvc.Trigger(ctx, TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "k3"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if created {
		t.Error("losing trigger must report created=false")
	}
	if got.ID != winner.ID {
		t.Errorf("expected winner %s, got %s", winner.ID, got.ID)
	}
}

func TestTrigger_WorkflowNotActive(t *testing.T) {
	s := newServices()
	ctx := context.Background()

	wf, _ := s.wfSvc.Create(ctx, "draft-flow", nil)

	_, _, err := s.execSvc.Trigger(ctx, TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "k"})
	if !errors.Is(err, ErrWorkflowNotActive) {
		t.Errorf("expected ErrWorkflowNotActive, got %v", err)
	}
}

func TestTrigger_RequiresIdempotencyKey(t *testing.T) {
	s := newServices()

	_, _, err := s.execSvc.Trigger(context.Background(), TriggerRequest{WorkflowID: uuid.New()})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	exec, _, _ := s.execSvc.Trigger(ctx, TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "k"})

	cancelled, err := s.execSvc.Cancel(ctx, exec.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ExecutionStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	// Повторная отмена терминального execution — InvalidTransition.
	if _, err := s.execSvc.Cancel(ctx, exec.ID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRetry_OnlyFailed(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	exec, _, _ := s.execSvc.Trigger(ctx, TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "k"})

	// pending → retry недопустим.
	if _, err := s.execSvc.Retry(ctx, exec.ID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for pending, got %v", err)
	}

	s.executions.setStatus(exec.ID, domain.ExecutionStatusFailed)

	retried, err := s.execSvc.Retry(ctx, exec.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.ExecutionStatusRetrying {
		t.Errorf("expected retrying, got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Errorf("operator retry must consume the budget, got retry_count %d", retried.RetryCount)
	}
	if s.queue.count() != 2 { // trigger + retry
		t.Errorf("expected immediate enqueue on retry, got %d", s.queue.count())
	}
}

func TestRetry_BudgetExhausted(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	zero := 0
	exec, _, _ := s.execSvc.Trigger(ctx, TriggerRequest{
		WorkflowID:     wf.ID,
		IdempotencyKey: "k",
		MaxRetries:     &zero,
	})
	s.executions.setStatus(exec.ID, domain.ExecutionStatusFailed)

	_, err := s.execSvc.Retry(ctx, exec.ID)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestListLogs_FilterByLevel(t *testing.T) {
	s := newServices()
	ctx := context.Background()
	wf := s.activeWorkflow(t)

	exec, _, _ := s.execSvc.Trigger(ctx, TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "k"})
	s.logs.Append(ctx, domain.NewExecutionLog(exec.ID, domain.LogLevelError, "boom", nil))

	all, err := s.execSvc.ListLogs(ctx, exec.ID, repo.LogFilter{})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(all) < 2 { // "execution created" + "boom"
		t.Errorf("expected at least 2 log entries, got %d", len(all))
	}

	onlyErrors, err := s.execSvc.ListLogs(ctx, exec.ID, repo.LogFilter{Level: domain.LogLevelError})
	if err != nil {
		t.Fatalf("list error logs: %v", err)
	}
	if len(onlyErrors) != 1 || onlyErrors[0].Message != "boom" {
		t.Errorf("expected only the error entry, got %v", onlyErrors)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newServices()

	if _, err := s.execSvc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.execSvc.ListLogs(context.Background(), uuid.New(), repo.LogFilter{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
