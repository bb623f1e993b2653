package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default configuration values.
const (
	defaultPollInterval  = 250 * time.Millisecond
	defaultMaxDeliveries = 5
)

// RedisQueue — реализация Queue на Redis.
//
// Структуры данных:
//   - <name>            LIST  — готовые сообщения (FIFO: LPUSH / RPOP-сторона)
//   - <name>:delayed    ZSET  — отложенные, score = unix-время видимости
//   - <name>:processing LIST  — переходный буфер между выборкой и lease
//   - <name>:leases     HASH  — token → payload
//   - <name>:deadlines  ZSET  — token → unix-время истечения lease
//   - <name>:active     HASH  — message_id → token (индекс для recovery)
//   - <name>:dlq        LIST  — исчерпавшие передоставки
//
// Выборка: LMOVE в processing, затем регистрация lease и LREM. Если воркер
// упал между LMOVE и регистрацией, сообщение остаётся в processing и
// возвращается в очередь при ReclaimExpired.
type RedisQueue struct {
	client        *redis.Client
	name          string
	pollInterval  time.Duration
	maxDeliveries int
}

// Options — настройки RedisQueue.
type Options struct {
	// Name — базовое имя ключей очереди (default: "conveyor:executions").
	Name string

	// PollInterval — период опроса при пустой очереди (default: 250ms).
	PollInterval time.Duration

	// MaxDeliveries — после скольких доставок сообщение уходит в DLQ
	// (default: 5).
	MaxDeliveries int
}

// NewRedisQueue создаёт очередь поверх готового клиента Redis.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	name := opts.Name
	if name == "" {
		name = "conveyor:executions"
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}

	return &RedisQueue{
		client:        client,
		name:          name,
		pollInterval:  pollInterval,
		maxDeliveries: maxDeliveries,
	}
}

// Connect создаёт клиента Redis по URL и проверяет доступность.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return client, nil
}

func (q *RedisQueue) readyKey() string      { return q.name }
func (q *RedisQueue) delayedKey() string    { return q.name + ":delayed" }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) leasesKey() string     { return q.name + ":leases" }
func (q *RedisQueue) deadlinesKey() string  { return q.name + ":deadlines" }
func (q *RedisQueue) activeKey() string     { return q.name + ":active" }
func (q *RedisQueue) dlqKey() string        { return q.name + ":dlq" }

// Enqueue ставит execution в очередь, при deliverAt в будущем — в delayed.
func (q *RedisQueue) Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt time.Time) error {
	msg := NewMessage(executionID)
	payload, err := msg.encode()
	if err != nil {
		return err
	}

	if deliverAt.After(time.Now()) {
		score := float64(deliverAt.Unix())
		if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: payload}).Err(); err != nil {
			return fmt.Errorf("%w: zadd delayed: %v", ErrUnavailable, err)
		}
		return nil
	}

	if err := q.client.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return fmt.Errorf("%w: lpush: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue ждёт сообщение, регистрирует lease и возвращает (msg, token).
func (q *RedisQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Message, string, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if err := q.promoteDelayed(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, "", ctxErr
			}
			return nil, "", err
		}

		payload, err := q.client.LMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT").Result()
		switch {
		case err == nil:
			return q.lease(ctx, payload, visibility)
		case errors.Is(err, redis.Nil):
			// Очередь пуста — ждём.
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, "", ctxErr
			}
			return nil, "", fmt.Errorf("%w: lmove: %v", ErrUnavailable, err)
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// lease регистрирует lease для выбранного сообщения и убирает его
// из переходного буфера.
func (q *RedisQueue) lease(ctx context.Context, payload string, visibility time.Duration) (*Message, string, error) {
	msg, err := decodeMessage(payload)
	if err != nil {
		// Некорректное сообщение — сразу в DLQ.
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, payload)
		pipe.LPush(ctx, q.dlqKey(), payload)
		pipe.Exec(ctx)
		return nil, "", err
	}

	token := uuid.New().String()
	deadline := float64(time.Now().Add(visibility).Unix())

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.leasesKey(), token, payload)
	pipe.ZAdd(ctx, q.deadlinesKey(), redis.Z{Score: deadline, Member: token})
	pipe.HSet(ctx, q.activeKey(), msg.ID, token)
	pipe.LRem(ctx, q.processingKey(), 1, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, "", fmt.Errorf("%w: register lease: %v", ErrUnavailable, err)
	}

	return msg, token, nil
}

// Ack подтверждает обработку и снимает lease.
func (q *RedisQueue) Ack(ctx context.Context, leaseToken string) error {
	payload, err := q.client.HGet(ctx, q.leasesKey(), leaseToken).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("%w: hget lease: %v", ErrUnavailable, err)
	}

	msg, decodeErr := decodeMessage(payload)

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.leasesKey(), leaseToken)
	pipe.ZRem(ctx, q.deadlinesKey(), leaseToken)
	if decodeErr == nil {
		pipe.HDel(ctx, q.activeKey(), msg.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ack: %v", ErrUnavailable, err)
	}
	return nil
}

// Extend продлевает lease: новый дедлайн = now + extra.
func (q *RedisQueue) Extend(ctx context.Context, leaseToken string, extra time.Duration) error {
	_, err := q.client.ZScore(ctx, q.deadlinesKey(), leaseToken).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("%w: zscore lease: %v", ErrUnavailable, err)
	}

	deadline := float64(time.Now().Add(extra).Unix())
	if err := q.client.ZAdd(ctx, q.deadlinesKey(), redis.Z{Score: deadline, Member: leaseToken}).Err(); err != nil {
		return fmt.Errorf("%w: extend lease: %v", ErrUnavailable, err)
	}
	return nil
}

// ReclaimExpired возвращает в очередь сообщения с истёкшим lease и
// осиротевшие сообщения из переходного буфера. Сообщения, исчерпавшие
// передоставки, уходят в DLQ. Возвращает количество обработанных.
func (q *RedisQueue) ReclaimExpired(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	tokens, err := q.client.ZRangeByScore(ctx, q.deadlinesKey(), &redis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: list expired leases: %v", ErrUnavailable, err)
	}

	reclaimed := 0
	for _, token := range tokens {
		payload, err := q.client.HGet(ctx, q.leasesKey(), token).Result()
		if errors.Is(err, redis.Nil) {
			// Ack успел первым — чистим только дедлайн.
			q.client.ZRem(ctx, q.deadlinesKey(), token)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("%w: hget expired lease: %v", ErrUnavailable, err)
		}

		if err := q.requeue(ctx, token, payload); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	// Осиротевшие сообщения: воркер упал между LMOVE и регистрацией lease.
	orphans, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return reclaimed, fmt.Errorf("%w: list processing: %v", ErrUnavailable, err)
	}
	for _, payload := range orphans {
		msg, err := decodeMessage(payload)
		if err != nil {
			continue
		}
		hasLease, err := q.client.HExists(ctx, q.activeKey(), msg.ID).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("%w: check orphan: %v", ErrUnavailable, err)
		}
		if hasLease {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, payload)
		pipe.LPush(ctx, q.readyKey(), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("%w: requeue orphan: %v", ErrUnavailable, err)
		}
		reclaimed++
	}

	return reclaimed, nil
}

// requeue снимает lease и возвращает сообщение в очередь либо отправляет
// в DLQ при исчерпании передоставок.
func (q *RedisQueue) requeue(ctx context.Context, token, payload string) error {
	msg, err := decodeMessage(payload)

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.leasesKey(), token)
	pipe.ZRem(ctx, q.deadlinesKey(), token)

	if err != nil {
		pipe.LPush(ctx, q.dlqKey(), payload)
	} else {
		pipe.HDel(ctx, q.activeKey(), msg.ID)
		msg.Attempt++
		encoded, encErr := msg.encode()
		if encErr != nil {
			return encErr
		}
		if msg.Attempt > q.maxDeliveries {
			pipe.LPush(ctx, q.dlqKey(), encoded)
		} else {
			pipe.LPush(ctx, q.readyKey(), encoded)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: requeue: %v", ErrUnavailable, err)
	}
	return nil
}

// promoteDelayed переносит созревшие отложенные сообщения в основную очередь.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	payloads, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "0",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: list delayed: %v", ErrUnavailable, err)
	}
	if len(payloads) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	for _, payload := range payloads {
		pipe.LPush(ctx, q.readyKey(), payload)
		pipe.ZRem(ctx, q.delayedKey(), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: promote delayed: %v", ErrUnavailable, err)
	}
	return nil
}

// Stats возвращает глубины очередей.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	leased := pipe.HLen(ctx, q.leasesKey())
	dead := pipe.LLen(ctx, q.dlqKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
	}

	return Stats{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Leased:  leased.Val(),
		Dead:    dead.Val(),
	}, nil
}
