// Conveyor API — HTTP-сервер управления workflows и executions.
//
// Тонкий слой над сервисами: маршрутизация, сериализация, перевод ошибок.
// Вся оркестрация происходит в воркерах.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/service"
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
	logger.Info("starting conveyor-api")

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

	// Repositories + services
	workflowRepo := repo.NewWorkflowRepo(pool)
	executionRepo := repo.NewExecutionRepo(pool)
	logRepo := repo.NewLogRepo(pool)

	workflowSvc := service.NewWorkflowService(workflowRepo, logger)
	executionSvc := service.NewExecutionService(executionRepo, workflowRepo, logRepo, taskQueue, logger)

	// HTTP mux: API + healthz + metrics
	mux := http.NewServeMux()
	api.NewHandler(workflowSvc, executionSvc, logger).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("conveyor-api stopped")
}
