package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/queue"
)

// Default configuration values.
const (
	defaultConcurrency = 4
	defaultVisibility  = 600 * time.Second
	defaultGracePeriod = 30 * time.Second
)

// Runner — контракт оркестратора, который воркер вызывает на сообщение.
type Runner interface {
	Run(ctx context.Context, executionID uuid.UUID) error
}

// Worker потребляет сообщения очереди и запускает оркестратор.
type Worker struct {
	queue  queue.Queue
	runner Runner

	concurrency int
	visibility  time.Duration
	grace       time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	Queue  queue.Queue
	Runner Runner

	// Concurrency — количество параллельных циклов (default: 4).
	Concurrency int

	// Visibility — длительность lease. Должна превышать худший таймаут
	// шага плюс один интервал backoff, иначе sweeper может вернуть в
	// очередь ещё живую работу (default: 600s).
	Visibility time.Duration

	// Grace — сколько ждать in-flight работу при остановке (default: 30s).
	Grace time.Duration

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:       cfg.Queue,
		runner:      cfg.Runner,
		concurrency: concurrency,
		visibility:  visibility,
		grace:       grace,
		logger:      logger,
	}
}

// Start запускает циклы воркера.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"visibility", w.visibility,
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(loop int) {
			defer w.wg.Done()
			w.loop(ctx, loop)
		}(i)
	}
}

// Stop прекращает выборку новых сообщений и ждёт in-flight работу
// до grace-периода.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
	case <-time.After(w.grace):
		w.logger.Warn("worker stopped before in-flight work finished", "grace", w.grace)
	}
}

// loop — один цикл воркера.
func (w *Worker) loop(ctx context.Context, loop int) {
	logger := w.logger.With("loop", loop)

	for {
		msg, token, err := w.queue.Dequeue(ctx, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.handle(ctx, logger, msg, token)
	}
}

// handle обрабатывает одно сообщение.
//
// Ack только при чистом завершении Run: устоявшийся execution либо no-op
// (дубликат доставки, отмена). Паника или инфраструктурная ошибка оставляют
// lease истекать — сообщение будет доставлено повторно.
func (w *Worker) handle(ctx context.Context, logger *slog.Logger, msg *queue.Message, token string) {
	logger = logger.With("execution_id", msg.ExecutionID, "delivery_attempt", msg.Attempt)
	logger.Debug("message received")

	// Heartbeat: продлеваем lease, пока оркестратор работает.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, logger, token)

	acked := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in orchestrator, message will be redelivered", "panic", r)
			return
		}
		if acked {
			if err := w.queue.Ack(ctx, token); err != nil && !errors.Is(err, queue.ErrLeaseExpired) {
				logger.Warn("failed to ack message", "error", err)
			}
		}
	}()

	err := w.runner.Run(ctx, msg.ExecutionID)
	switch {
	case err == nil:
		acked = true
	case errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrCancelled),
		errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, orchestrator.ErrHandlerMissing),
		errors.Is(err, orchestrator.ErrDefinitionCorrupt):
		// Execution устоялся либо работа не требуется — подтверждаем.
		logger.Debug("execution settled or no-op", "reason", err)
		acked = true
	default:
		// Инфраструктурная ошибка: без ack, lease истечёт.
		logger.Error("orchestration aborted, message will be redelivered", "error", err)
	}
}

// heartbeat периодически продлевает lease сообщения.
func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, token string) {
	interval := w.visibility / 2
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Extend(ctx, token, w.visibility); err != nil {
				if !errors.Is(err, queue.ErrLeaseExpired) && ctx.Err() == nil {
					logger.Warn("failed to extend lease", "error", err)
				}
				return
			}
		}
	}
}
