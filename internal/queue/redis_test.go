package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestQueue поднимает miniredis и очередь поверх него.
func newTestQueue(t *testing.T, opts Options) *RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return NewRedisQueue(client, opts)
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()
	execID := uuid.New()

	if err := q.Enqueue(ctx, execID, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, token, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg.ExecutionID != execID {
		t.Errorf("expected execution %s, got %s", execID, msg.ExecutionID)
	}
	if msg.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", msg.Attempt)
	}
	if token == "" {
		t.Error("expected non-empty lease token")
	}

	if err := q.Ack(ctx, token); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Повторный ack — lease уже снят.
	if err := q.Ack(ctx, token); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("expected ErrLeaseExpired, got %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 0 || stats.Leased != 0 || stats.Delayed != 0 || stats.Dead != 0 {
		t.Errorf("expected empty queue, got %+v", stats)
	}
}

func TestDequeueFIFO(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()
	if err := q.Enqueue(ctx, first, time.Time{}); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := q.Enqueue(ctx, second, time.Time{}); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	msg, token, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg.ExecutionID != first {
		t.Errorf("expected FIFO order, got %s first", msg.ExecutionID)
	}
	q.Ack(ctx, token)

	msg, token, err = q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg.ExecutionID != second {
		t.Errorf("expected %s second, got %s", second, msg.ExecutionID)
	}
	q.Ack(ctx, token)
}

func TestDequeueBlocksUntilContextDone(t *testing.T) {
	q := newTestQueue(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := q.Dequeue(ctx, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestDelayedDelivery(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	// Далёкое будущее — сообщение не должно быть видимо.
	if err := q.Enqueue(ctx, uuid.New(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, _, err := q.Dequeue(shortCtx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delayed message must not be visible, got err=%v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 {
		t.Errorf("expected 1 delayed message, got %d", stats.Delayed)
	}

	// Прошедшее время видимости — доставка немедленно.
	execID := uuid.New()
	if err := q.Enqueue(ctx, execID, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue due: %v", err)
	}

	msg, token, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg.ExecutionID != execID {
		t.Errorf("expected due message, got %s", msg.ExecutionID)
	}
	q.Ack(ctx, token)
}

func TestReclaimExpiredRequeues(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()
	execID := uuid.New()

	if err := q.Enqueue(ctx, execID, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Нулевая видимость — lease истекает сразу.
	if _, _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	msg, token, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue after reclaim: %v", err)
	}
	if msg.ExecutionID != execID {
		t.Errorf("expected same execution, got %s", msg.ExecutionID)
	}
	if msg.Attempt != 2 {
		t.Errorf("expected attempt 2 after reclaim, got %d", msg.Attempt)
	}
	q.Ack(ctx, token)
}

func TestReclaimSendsToDLQAfterMaxDeliveries(t *testing.T) {
	q := newTestQueue(t, Options{MaxDeliveries: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, uuid.New(), time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if _, err := q.ReclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Dead != 1 {
		t.Errorf("expected 1 dead message, got %d", stats.Dead)
	}
	if stats.Ready != 0 {
		t.Errorf("expected empty ready queue, got %d", stats.Ready)
	}
}

func TestExtendLease(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, uuid.New(), time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, token, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := q.Extend(ctx, token, 2*time.Minute); err != nil {
		t.Errorf("extend: %v", err)
	}

	if err := q.Extend(ctx, "no-such-token", time.Minute); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("expected ErrLeaseExpired for unknown token, got %v", err)
	}

	q.Ack(ctx, token)
}
