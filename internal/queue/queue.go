// Package queue — очередь задач между API и воркерами.
//
// Контракт: FIFO, at-least-once доставка, отложенная видимость (deliver_at).
// Воркер получает сообщение вместе с lease — ограниченным по времени правом
// на обработку. Неподтверждённое до истечения lease сообщение снова
// становится видимым. Движок не полагается на exactly-once: повторную
// доставку отсеивает FSM execution (недопустимый стартовый статус — no-op).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ошибки очереди.
var (
	// ErrLeaseExpired — lease не найден: истёк, подтверждён или отозван.
	ErrLeaseExpired = errors.New("lease expired or unknown")

	// ErrUnavailable — инфраструктура очереди недоступна.
	ErrUnavailable = errors.New("queue unavailable")
)

// Message — сообщение очереди: указание обработать execution.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// ExecutionID — execution, который нужно обработать.
	ExecutionID uuid.UUID `json:"execution_id"`

	// Attempt — номер доставки (растёт при reclaim).
	Attempt int `json:"attempt"`

	// EnqueuedAt — время постановки в очередь.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewMessage создаёт сообщение для execution.
func NewMessage(executionID uuid.UUID) *Message {
	return &Message{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Attempt:     1,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// encode сериализует сообщение в JSON.
func (m *Message) encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(data), nil
}

// decodeMessage распаковывает сообщение из JSON.
func decodeMessage(data string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

// Queue — контракт очереди задач.
type Queue interface {
	// Enqueue ставит execution в очередь. deliverAt в будущем — отложенная
	// доставка; нулевое время или прошлое — доставка немедленно.
	Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt time.Time) error

	// Dequeue блокирующе ждёт сообщение и выдаёт его вместе с lease-токеном.
	// Lease действует visibility; после истечения сообщение снова видимо.
	// Возвращает ошибку контекста при отмене.
	Dequeue(ctx context.Context, visibility time.Duration) (*Message, string, error)

	// Ack подтверждает обработку. ErrLeaseExpired, если lease уже не активен.
	Ack(ctx context.Context, leaseToken string) error

	// Extend продлевает lease на extra от текущего момента.
	Extend(ctx context.Context, leaseToken string, extra time.Duration) error
}

// Stats — глубины очередей для метрик и диагностики.
type Stats struct {
	// Ready — сообщения, готовые к доставке.
	Ready int64

	// Delayed — сообщения с отложенной видимостью.
	Delayed int64

	// Leased — сообщения в обработке (активный lease).
	Leased int64

	// Dead — сообщения в DLQ после исчерпания передоставок.
	Dead int64
}
