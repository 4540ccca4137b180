package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики копирования
var (
	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_migrations_total",
		Help: "Общее количество задач копирования по результату",
	}, []string{"result"})

	activeMigrations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resilience_migrations_active",
		Help: "Текущее количество копирований, ожидающих завершения",
	})

	copyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resilience_migration_duration_seconds",
		Help:    "Длительность копирования реплики",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})
)
