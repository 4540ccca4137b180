package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики пулов обработчиков
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_executor_tasks_total",
		Help: "Общее количество задач пулов обработчиков по результату",
	}, []string{"pool", "result"})

	activeTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resilience_executor_active_tasks",
		Help: "Текущее количество выполняемых задач",
	}, []string{"pool"})

	pendingTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resilience_executor_pending_tasks",
		Help: "Текущее количество задач, ожидающих слота",
	}, []string{"pool"})
)
