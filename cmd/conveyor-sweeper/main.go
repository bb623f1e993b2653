// Conveyor Sweeper — фоновое восстановление.
//
// Периодически возвращает в очередь сообщения с истёкшим lease, переводит
// зависшие executions из running в retrying и доставляет executions
// с потерянным enqueue. Один экземпляр достаточен; несколько безопасны —
// все операции guarded.
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
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/sweeper"
	"github.com/shaiso/Conveyor/internal/telemetry"
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
	logger.Info("starting conveyor-sweeper")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Durable store
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(exitStoreError)
	}
	defer pool.Close()
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

	s := sweeper.New(sweeper.Config{
		Store:          repo.NewExecutionRepo(pool),
		Queue:          taskQueue,
		Reclaimer:      taskQueue,
		Interval:       cfg.SweeperInterval(),
		StuckThreshold: cfg.SweeperStuckThreshold(),
		Logger:         logger,
	})
	if err := s.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(exitConfigError)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.SweeperPort)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	s.Stop()
	logger.Info("conveyor-sweeper stopped")
}
