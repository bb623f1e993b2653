package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются в default-реестре prometheus;
// каждый бинарник отдаёт их на /metrics.
var (
	// ExecutionsSettled — executions, доведённые до устойчивого состояния,
	// по итоговому статусу (completed, failed, retrying, cancelled).
	ExecutionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "executions_settled_total",
		Help:      "Executions driven to a settled state, by outcome status.",
	}, []string{"status"})

	// StepsExecuted — попытки шагов по типу задачи и исходу.
	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "steps_executed_total",
		Help:      "Step attempts, by task type and outcome status.",
	}, []string{"task_type", "status"})

	// StepDuration — длительность попыток шагов по типу задачи.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyor",
		Name:      "step_duration_seconds",
		Help:      "Step attempt duration, by task type.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"task_type"})

	// Retries — retry по уровню: step либо execution.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "retries_total",
		Help:      "Retries performed, by scope (step or execution).",
	}, []string{"scope"})

	// QueueDepth — глубины очереди задач по сегментам.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Name:      "queue_depth",
		Help:      "Task queue depth, by segment (ready, delayed, leased, dead).",
	}, []string{"segment"})

	// SweeperRecovered — executions, возвращённые sweeper'ом из running.
	SweeperRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "sweeper_recovered_total",
		Help:      "Stuck executions recovered by the sweeper.",
	})
)
