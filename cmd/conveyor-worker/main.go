// Conveyor Worker — выполняет executions.
//
// Воркер:
//   - Получает execution ID из очереди с lease
//   - Запускает оркестратор: шаги, retry, чекпоинты
//   - Подтверждает сообщение при чистом завершении
//
// Воркеры масштабируются горизонтально; исключительность прогресса
// обеспечивают lease очереди и guarded-переходы FSM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/events"
	"github.com/shaiso/Conveyor/internal/handlers"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

// Exit codes.
const (
	exitConfigError = 1
	exitStoreError  = 2
	exitQueueError  = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(exitConfigError)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel)
	logger.Info("starting conveyor-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Durable store
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(exitStoreError)
	}
	defer pool.Close()

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(exitStoreError)
	}
	logger.Info("database connected")

	// Task queue
	redisClient, err := queue.Connect(ctx, cfg.QueueURL)
	if err != nil {
		logger.Error("failed to connect to queue", "error", err)
		os.Exit(exitQueueError)
	}
	defer redisClient.Close()
	taskQueue := queue.NewRedisQueue(redisClient, queue.Options{})
	logger.Info("queue connected")

	// Events (опционально)
	var eventSink orchestrator.EventSink
	if cfg.EventsURL != "" {
		conn, err := events.Dial(cfg.EventsURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, events disabled", "error", err)
		} else {
			defer conn.Close()
			publisher, err := events.NewPublisher(conn, logger)
			if err != nil {
				logger.Warn("failed to setup event topology, events disabled", "error", err)
			} else {
				eventSink = publisher
				logger.Info("event publisher connected")
			}
		}
	}

	// Repositories
	executionRepo := repo.NewExecutionRepo(pool)
	workflowRepo := repo.NewWorkflowRepo(pool)
	logRepo := repo.NewLogRepo(pool)

	// Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Executions: executionRepo,
		Workflows:  workflowRepo,
		Logs:       logRepo,
		Queue:      taskQueue,
		Registry:   handlers.DefaultRegistry(logger),
		Events:     eventSink,
		StepBackoff: orchestrator.BackoffPolicy{
			Base:      cfg.StepRetryBase(),
			Cap:       cfg.StepRetryCap(),
			JitterPct: cfg.RetryJitterPct,
		},
		ExecBackoff: orchestrator.BackoffPolicy{
			Base:      cfg.ExecRetryBase(),
			Cap:       cfg.ExecRetryCap(),
			JitterPct: cfg.RetryJitterPct,
		},
		Logger: logger,
	})

	// Worker
	w := worker.New(worker.Config{
		Queue:       taskQueue,
		Runner:      orch,
		Concurrency: cfg.WorkerConcurrency,
		Visibility:  cfg.QueueVisibility(),
		Logger:      logger,
	})
	w.Start(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.WorkerPort)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	w.Stop()
	logger.Info("conveyor-worker stopped")
}
