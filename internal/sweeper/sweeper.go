// Package sweeper — фоновое восстановление застрявших executions.
//
// Sweeper периодически: возвращает в очередь сообщения с истёкшим lease;
// переводит executions, зависшие в running после падения воркера, обратно
// в retrying; доставляет executions, чей enqueue потерялся (pending старше
// порога, retrying с наступившим scheduled_at). Распределённые блокировки
// не нужны: все переходы — guarded-обновления, проигравший просто
// пропускает строку.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultInterval       = 30 * time.Second
	defaultStuckThreshold = 1800 * time.Second
	defaultPendingGrace   = time.Minute
	defaultBatchSize      = 100
)

// ExecutionStore — операции хранилища, нужные sweeper'у.
// Реализуется repo.ExecutionRepo.
type ExecutionStore interface {
	ListStuckRunning(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Execution, error)
	RecoverStuck(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
	ListDispatchable(ctx context.Context, pendingBefore time.Time, limit int) ([]domain.Execution, error)
}

// Enqueuer — постановка execution в очередь.
type Enqueuer interface {
	Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt time.Time) error
}

// Reclaimer — обслуживание самой очереди: возврат истёкших lease и
// глубины сегментов. Реализуется queue.RedisQueue.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Sweeper — периодический восстановитель.
type Sweeper struct {
	store     ExecutionStore
	queue     Enqueuer
	reclaimer Reclaimer

	interval       time.Duration
	stuckThreshold time.Duration
	pendingGrace   time.Duration
	batchSize      int

	cron   *cron.Cron
	logger *slog.Logger
}

// Config — конфигурация Sweeper.
type Config struct {
	Store ExecutionStore
	Queue Enqueuer

	// Reclaimer — опционален (nil — lease-уборка очереди пропускается).
	Reclaimer Reclaimer

	// Interval — период между проходами (default: 30s).
	Interval time.Duration

	// StuckThreshold — сколько execution должен провисеть в running,
	// чтобы считаться застрявшим. Должен кратно превышать queue
	// visibility — иначе sweeper отберёт ещё живую работу (default: 1800s).
	StuckThreshold time.Duration

	// PendingGrace — возраст pending-строки, после которого её enqueue
	// считается потерянным (default: 1m).
	PendingGrace time.Duration

	// BatchSize — максимум строк за один проход (default: 100).
	BatchSize int

	Logger *slog.Logger
}

// New создаёт Sweeper.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	stuckThreshold := cfg.StuckThreshold
	if stuckThreshold <= 0 {
		stuckThreshold = defaultStuckThreshold
	}

	pendingGrace := cfg.PendingGrace
	if pendingGrace <= 0 {
		pendingGrace = defaultPendingGrace
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		store:          cfg.Store,
		queue:          cfg.Queue,
		reclaimer:      cfg.Reclaimer,
		interval:       interval,
		stuckThreshold: stuckThreshold,
		pendingGrace:   pendingGrace,
		batchSize:      batchSize,
		logger:         logger,
	}
}

// Start запускает периодические проходы.
func (s *Sweeper) Start() error {
	s.cron = cron.New()

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweeper started",
		"interval", s.interval,
		"stuck_threshold", s.stuckThreshold,
	)
	return nil
}

// Stop останавливает проходы и ждёт завершения текущего.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("sweeper stopped")
}

// Sweep выполняет один проход. Экспортирован для вызова по требованию
// и из тестов.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.reclaimQueue(ctx)
	s.recoverStuck(ctx)
	s.dispatchDue(ctx)
}

// reclaimQueue возвращает в очередь сообщения с истёкшим lease
// и обновляет метрики глубины.
func (s *Sweeper) reclaimQueue(ctx context.Context) {
	if s.reclaimer == nil {
		return
	}

	reclaimed, err := s.reclaimer.ReclaimExpired(ctx)
	if err != nil {
		s.logger.Error("failed to reclaim expired leases", "error", err)
		return
	}
	if reclaimed > 0 {
		s.logger.Info("reclaimed expired leases", "count", reclaimed)
	}

	stats, err := s.reclaimer.Stats(ctx)
	if err != nil {
		s.logger.Debug("failed to read queue stats", "error", err)
		return
	}
	telemetry.QueueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
	telemetry.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	telemetry.QueueDepth.WithLabelValues("leased").Set(float64(stats.Leased))
	telemetry.QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}

// recoverStuck переводит зависшие running-executions в retrying.
func (s *Sweeper) recoverStuck(ctx context.Context) {
	staleBefore := time.Now().Add(-s.stuckThreshold)

	stuck, err := s.store.ListStuckRunning(ctx, staleBefore, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list stuck executions", "error", err)
		return
	}

	for i := range stuck {
		exec := &stuck[i]

		recovered, err := s.store.RecoverStuck(ctx, exec.ID, staleBefore)
		if err != nil {
			s.logger.Error("failed to recover stuck execution",
				"execution_id", exec.ID,
				"error", err,
			)
			continue
		}
		if !recovered {
			// Конкурентный переход победил — строка уже не застрявшая.
			continue
		}

		s.logger.Warn("recovered stuck execution",
			"execution_id", exec.ID,
			"workflow_id", exec.WorkflowID,
			"stale_since", exec.UpdatedAt,
		)
		telemetry.SweeperRecovered.Inc()

		if err := s.queue.Enqueue(ctx, exec.ID, time.Now()); err != nil {
			// Строка в retrying с наступившим scheduled_at —
			// следующий проход доставит её через dispatchDue.
			s.logger.Warn("failed to enqueue recovered execution",
				"execution_id", exec.ID,
				"error", err,
			)
		}
	}
}

// dispatchDue доставляет executions с потерянным enqueue.
// Повторная доставка безопасна: FSM отсеивает дубликаты.
func (s *Sweeper) dispatchDue(ctx context.Context) {
	pendingBefore := time.Now().Add(-s.pendingGrace)

	due, err := s.store.ListDispatchable(ctx, pendingBefore, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list dispatchable executions", "error", err)
		return
	}

	for i := range due {
		exec := &due[i]
		if err := s.queue.Enqueue(ctx, exec.ID, time.Now()); err != nil {
			s.logger.Warn("failed to dispatch execution",
				"execution_id", exec.ID,
				"error", err,
			)
			continue
		}
		s.logger.Debug("dispatched execution",
			"execution_id", exec.ID,
			"status", exec.Status,
		)
	}
}
