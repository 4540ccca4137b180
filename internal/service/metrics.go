package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики сервисного слоя
var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_messages_total",
		Help: "Общее количество входящих сообщений по типу",
	}, []string{"type"})

	messagesBacklogged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resilience_messages_backlogged",
		Help: "Сообщения, ожидающие инициализации топологии",
	})

	scanFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resilience_pool_scan_files_total",
		Help: "Общее количество файлов, просмотренных сканами пулов",
	})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resilience_pool_scan_duration_seconds",
		Help:    "Длительность скана пула",
		Buckets: []float64{0.1, 1, 10, 60, 300, 1800, 7200},
	})

	checkpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resilience_checkpoint_duration_seconds",
		Help:    "Длительность сохранения checkpoint операций",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	checkpointRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resilience_checkpoint_records",
		Help: "Количество операций в последнем checkpoint",
	})

	topologyLastUpdate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resilience_topology_last_update_timestamp_seconds",
		Help: "Время получения последнего снимка топологии (unix)",
	})
)
