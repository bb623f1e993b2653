package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
)

type memStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*domain.Execution
}

func newMemStore() *memStore {
	return &memStore{execs: make(map[uuid.UUID]*domain.Execution)}
}

func (s *memStore) add(status domain.ExecutionStatus, updatedAt time.Time) *domain.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &domain.Execution{
		ID:        uuid.New(),
		Status:    status,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	s.execs[e.ID] = e
	return e
}

func (s *memStore) ListStuckRunning(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Execution
	for _, e := range s.execs {
		if e.Status == domain.ExecutionStatusRunning && e.UpdatedAt.Before(staleBefore) {
			result = append(result, *e)
		}
	}
	return result, nil
}

func (s *memStore) RecoverStuck(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok || e.Status != domain.ExecutionStatusRunning || !e.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	now := time.Now()
	e.Status = domain.ExecutionStatusRetrying
	e.ScheduledAt = &now
	e.UpdatedAt = now
	return true, nil
}

func (s *memStore) ListDispatchable(ctx context.Context, pendingBefore time.Time, limit int) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var result []domain.Execution
	for _, e := range s.execs {
		switch {
		case e.Status == domain.ExecutionStatusPending && e.CreatedAt.Before(pendingBefore):
			result = append(result, *e)
		case e.Status == domain.ExecutionStatusRetrying && (e.ScheduledAt == nil || !e.ScheduledAt.After(now)):
			result = append(result, *e)
		}
	}
	return result, nil
}

func (s *memStore) status(id uuid.UUID) domain.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id].Status
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

func (q *memEnqueuer) has(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, got := range q.enqueued {
		if got == id {
			return true
		}
	}
	return false
}

type fakeReclaimer struct {
	reclaimed int
}

func (r *fakeReclaimer) ReclaimExpired(ctx context.Context) (int, error) {
	return r.reclaimed, nil
}

func (r *fakeReclaimer) Stats(ctx context.Context) (queue.Stats, error) {
	return queue.Stats{}, nil
}

func newTestSweeper(store *memStore, q *memEnqueuer) *Sweeper {
	return New(Config{
		Store:          store,
		Queue:          q,
		Reclaimer:      &fakeReclaimer{},
		StuckThreshold: time.Minute,
		PendingGrace:   time.Minute,
	})
}

func TestSweep_RecoversStuckRunning(t *testing.T) {
	store := newMemStore()
	q := &memEnqueuer{}
	s := newTestSweeper(store, q)

	stuck := store.add(domain.ExecutionStatusRunning, time.Now().Add(-time.Hour))
	fresh := store.add(domain.ExecutionStatusRunning, time.Now())

	s.Sweep(context.Background())

	if store.status(stuck.ID) != domain.ExecutionStatusRetrying {
		t.Errorf("stuck execution must move to retrying, got %s", store.status(stuck.ID))
	}
	if !q.has(stuck.ID) {
		t.Error("recovered execution must be re-enqueued")
	}

	if store.status(fresh.ID) != domain.ExecutionStatusRunning {
		t.Errorf("fresh running execution must be left alone, got %s", store.status(fresh.ID))
	}
	if q.has(fresh.ID) {
		t.Error("fresh execution must not be enqueued")
	}
}

func TestSweep_DispatchesLostPending(t *testing.T) {
	store := newMemStore()
	q := &memEnqueuer{}
	s := newTestSweeper(store, q)

	lost := store.add(domain.ExecutionStatusPending, time.Now().Add(-time.Hour))
	recent := store.add(domain.ExecutionStatusPending, time.Now())

	s.Sweep(context.Background())

	if !q.has(lost.ID) {
		t.Error("stale pending execution must be dispatched")
	}
	if q.has(recent.ID) {
		t.Error("recent pending execution is presumed already enqueued")
	}
}

func TestSweep_DispatchesDueRetrying(t *testing.T) {
	store := newMemStore()
	q := &memEnqueuer{}
	s := newTestSweeper(store, q)

	due := store.add(domain.ExecutionStatusRetrying, time.Now().Add(-time.Hour))
	past := time.Now().Add(-time.Second)
	store.mu.Lock()
	store.execs[due.ID].ScheduledAt = &past
	store.mu.Unlock()

	notDue := store.add(domain.ExecutionStatusRetrying, time.Now())
	future := time.Now().Add(time.Hour)
	store.mu.Lock()
	store.execs[notDue.ID].ScheduledAt = &future
	store.mu.Unlock()

	s.Sweep(context.Background())

	if !q.has(due.ID) {
		t.Error("due retrying execution must be dispatched")
	}
	if q.has(notDue.ID) {
		t.Error("future retrying execution must wait for its scheduled_at")
	}
}

func TestSweep_CompletedLeftAlone(t *testing.T) {
	store := newMemStore()
	q := &memEnqueuer{}
	s := newTestSweeper(store, q)

	done := store.add(domain.ExecutionStatusCompleted, time.Now().Add(-time.Hour))

	s.Sweep(context.Background())

	if q.has(done.ID) {
		t.Error("terminal execution must never be dispatched")
	}
	if store.status(done.ID) != domain.ExecutionStatusCompleted {
		t.Error("terminal execution must not change status")
	}
}
