package poolop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики операций над пулами
var (
	poolOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_pool_operations_total",
		Help: "Общее количество завершённых сканов пулов по виду и результату",
	}, []string{"kind", "result"})

	poolOperationsQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resilience_pool_operations_queued",
		Help: "Текущее количество пулов по очередям",
	}, []string{"queue"})
)
