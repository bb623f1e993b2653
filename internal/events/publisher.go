package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Топология событий.
const (
	// ExchangeEvents — обменник событий движка.
	ExchangeEvents = "conveyor.events"

	// QueueExecutionEvents — очередь для внешних потребителей.
	QueueExecutionEvents = "events.executions"

	// routingKeyExecutions — ключ маршрутизации событий executions.
	routingKeyExecutions = "executions"
)

// ExecutionEvent — событие об устойчивом состоянии execution.
type ExecutionEvent struct {
	// ID — уникальный идентификатор события.
	ID string `json:"id"`

	// ExecutionID — execution, достигший устойчивого состояния.
	ExecutionID uuid.UUID `json:"execution_id"`

	// Status — достигнутый статус.
	Status domain.ExecutionStatus `json:"status"`

	// Error — сводка ошибки для failed.
	Error string `json:"error,omitempty"`

	// Timestamp — время события.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher публикует события жизненного цикла.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher и объявляет топологию.
func NewPublisher(conn *Connection, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{conn: conn, logger: logger}
	if err := p.setupTopology(); err != nil {
		return nil, err
	}
	return p, nil
}

// setupTopology объявляет обменник и очередь событий.
func (p *Publisher) setupTopology() error {
	ch := p.conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	err := ch.ExchangeDeclare(
		ExchangeEvents, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeEvents, err)
	}

	_, err = ch.QueueDeclare(
		QueueExecutionEvents, // name
		true,                 // durable
		false,                // delete when unused
		false,                // exclusive
		false,                // no-wait
		nil,                  // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueExecutionEvents, err)
	}

	err = ch.QueueBind(QueueExecutionEvents, routingKeyExecutions+".#", ExchangeEvents, false, nil)
	if err != nil {
		return fmt.Errorf("bind queue %s: %w", QueueExecutionEvents, err)
	}

	return nil
}

// ExecutionSettled публикует событие об устойчивом состоянии execution.
// Реализует orchestrator.EventSink.
func (p *Publisher) ExecutionSettled(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, errMsg string) error {
	event := ExecutionEvent{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Status:      status,
		Error:       errMsg,
		Timestamp:   time.Now().UTC(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ch := p.conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	routingKey := fmt.Sprintf("%s.%s", routingKeyExecutions, status)
	err = ch.PublishWithContext(
		ctx,
		ExchangeEvents,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", ExchangeEvents, routingKey, err)
	}

	p.logger.Debug("published execution event",
		"execution_id", executionID,
		"status", status,
		"routing_key", routingKey,
	)
	return nil
}
