// Пакет alarm - операторские алармы.
//
// Аларм - запись уровня Error с атрибутом alarm=<тип>, по которому
// сбор логов отбирает события, требующие вмешательства администратора.
// Повторяющиеся алармы (watchdog топологии) ограничиваются по частоте
// через golang.org/x/time/rate.
package alarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Type - тип аларма.
type Type string

const (
	// InaccessibleFile - у файла нет доступных реплик
	InaccessibleFile Type = "INACCESSIBLE_FILE"
	// FailedReplication - операция над файлом исчерпала попытки
	FailedReplication Type = "FAILED_REPLICATION"
	// OutOfSync - снимок топологии давно не поступал
	OutOfSync Type = "RESILIENCE_OUT_OF_SYNC"
	// PoolGroupIssue - группа пулов не может удовлетворить ограничения
	PoolGroupIssue Type = "RESILIENCE_PGROUP_ISSUE"
	// LocationSyncIssue - расположения в namespace расходятся с репликами на пулах
	LocationSyncIssue Type = "RESILIENCE_LOC_SYNC_ISSUE"
)

var alarmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resilience_alarms_total",
	Help: "Общее количество поднятых алармов по типам",
}, []string{"type"})

// Raise записывает аларм в лог.
func Raise(logger *slog.Logger, t Type, msg string, attrs ...slog.Attr) {
	alarmsTotal.WithLabelValues(string(t)).Inc()
	args := make([]slog.Attr, 0, len(attrs)+1)
	args = append(args, slog.String("alarm", string(t)))
	args = append(args, attrs...)
	logger.LogAttrs(context.Background(), slog.LevelError, msg, args...)
}

// Throttled - аларм, поднимаемый не чаще одного раза за интервал.
type Throttled struct {
	logger  *slog.Logger
	t       Type
	limiter *rate.Limiter
}

// NewThrottled создаёт ограниченный по частоте аларм.
func NewThrottled(logger *slog.Logger, t Type, interval time.Duration) *Throttled {
	return &Throttled{
		logger:  logger,
		t:       t,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Raise поднимает аларм, если интервал с предыдущего истёк.
// Возвращает true, если аларм записан.
func (a *Throttled) Raise(msg string, attrs ...slog.Attr) bool {
	if !a.limiter.Allow() {
		return false
	}
	Raise(a.logger, a.t, msg, attrs...)
	return true
}
