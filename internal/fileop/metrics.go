package fileop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики операций над файлами
var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_file_operations_total",
		Help: "Общее количество завершённых задач над файлами по типу и результату",
	}, []string{"type", "result"})

	operationsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resilience_file_operations_active",
		Help: "Текущее количество операций над файлами по очередям",
	}, []string{"queue"})

	copyBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_copy_bytes_total",
		Help: "Объём данных, скопированных на пул-цель",
	}, []string{"pool"})

	removeBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_remove_bytes_total",
		Help: "Объём данных, удалённых с пула",
	}, []string{"pool"})

	scanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resilience_file_operation_sweep_duration_seconds",
		Help:    "Длительность одного прохода потребителя операций",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)
