// Пакет migration - исполнитель задач копирования реплик между пулами.
//
// Копирование выполняет сам пул-цель: исполнитель отправляет ему запрос
// (POST /api/v1/migrations) и ждёт уведомления о завершении, которое
// поступает отдельным сообщением и передаётся задаче через Relay.
// Ожидание не занимает слот пула обработчиков.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolclient"
)

var (
	// ErrCopyFailed - пул-цель сообщил об ошибке копирования
	ErrCopyFailed = errors.New("копирование завершилось ошибкой")
	// ErrCopyTimeout - уведомление о завершении не получено вовремя
	ErrCopyTimeout = errors.New("истекло время ожидания копирования")
)

// Listener получает результат задачи копирования.
type Listener interface {
	TaskCompleted(pnfsID model.PnfsID)
	TaskFailed(pnfsID model.PnfsID, err error)
	TaskCancelled(pnfsID model.PnfsID)
}

// Starter отправляет пулу-цели запрос на копирование.
type Starter interface {
	StartMigration(ctx context.Context, target string, mr poolclient.MigrationRequest) error
}

// Request - параметры копирования одной реплики.
type Request struct {
	PnfsID model.PnfsID
	Source string
	Target string
	Size   int64
}

// Executor запускает задачи копирования.
type Executor struct {
	starter  Starter
	listener Listener
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor создаёт исполнитель. timeout - максимальное ожидание
// уведомления о завершении (RS_COPY_TIMEOUT).
func NewExecutor(starter Starter, listener Listener, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Executor{
		starter:  starter,
		listener: listener,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "migration")),
	}
}

// Copy отправляет запрос копирования и возвращает задачу, ожидающую
// уведомления. Ошибка запроса сразу сообщается Listener-у; в этом
// случае возвращается nil.
func (e *Executor) Copy(ctx context.Context, req Request) *Task {
	t := &Task{
		id:       uuid.New().String(),
		req:      req,
		executor: e,
		relay:    make(chan model.CopyFinished, 1),
		cancel:   make(chan struct{}),
		started:  time.Now(),
	}

	e.logger.Info("Запуск копирования реплики",
		slog.String("pnfsid", string(req.PnfsID)),
		slog.String("task_id", t.id),
		slog.String("source", req.Source),
		slog.String("target", req.Target),
	)

	err := e.starter.StartMigration(ctx, req.Target, poolclient.MigrationRequest{
		TaskID: t.id,
		PnfsID: req.PnfsID,
		Source: req.Source,
		Size:   req.Size,
		Sticky: true,
	})
	if err != nil {
		migrationsTotal.WithLabelValues("rejected").Inc()
		e.listener.TaskFailed(req.PnfsID, fmt.Errorf("запуск копирования %s с %s на %s: %w",
			req.PnfsID, req.Source, req.Target, err))
		return nil
	}

	activeMigrations.Inc()
	go t.wait(ctx)
	return t
}

// Task - запущенное копирование.
type Task struct {
	id       string
	req      Request
	executor *Executor
	relay    chan model.CopyFinished
	cancel   chan struct{}
	once     sync.Once
	started  time.Time
}

// ID возвращает идентификатор задачи, переданный пулу-цели.
func (t *Task) ID() string {
	return t.id
}

// Relay передаёт задаче уведомление о завершении копирования.
// Уведомления чужих задач игнорируются.
func (t *Task) Relay(msg model.CopyFinished) {
	if msg.TaskID != "" && msg.TaskID != t.id {
		t.executor.logger.Debug("Уведомление относится к другой задаче",
			slog.String("pnfsid", string(msg.PnfsID)),
			slog.String("task_id", t.id),
			slog.String("message_task_id", msg.TaskID),
		)
		return
	}
	select {
	case t.relay <- msg:
	default:
	}
}

// Cancel отменяет ожидание; результат сообщается как TaskCancelled.
func (t *Task) Cancel() {
	t.once.Do(func() { close(t.cancel) })
}

func (t *Task) wait(ctx context.Context) {
	defer activeMigrations.Dec()

	timer := time.NewTimer(t.executor.timeout)
	defer timer.Stop()

	listener := t.executor.listener
	pnfsID := t.req.PnfsID

	select {
	case msg := <-t.relay:
		copyDuration.Observe(time.Since(t.started).Seconds())
		if msg.Failed() {
			migrationsTotal.WithLabelValues("failed").Inc()
			listener.TaskFailed(pnfsID, fmt.Errorf("%s на %s: %w: %s",
				pnfsID, t.req.Target, ErrCopyFailed, msg.Error))
			return
		}
		migrationsTotal.WithLabelValues("done").Inc()
		t.executor.logger.Debug("Копирование завершено",
			slog.String("pnfsid", string(pnfsID)),
			slog.String("task_id", t.id),
			slog.Duration("duration", time.Since(t.started)),
		)
		listener.TaskCompleted(pnfsID)
	case <-timer.C:
		migrationsTotal.WithLabelValues("timeout").Inc()
		listener.TaskFailed(pnfsID, fmt.Errorf("%s на %s за %v: %w",
			pnfsID, t.req.Target, t.executor.timeout, ErrCopyTimeout))
	case <-t.cancel:
		migrationsTotal.WithLabelValues("canceled").Inc()
		listener.TaskCancelled(pnfsID)
	case <-ctx.Done():
		migrationsTotal.WithLabelValues("canceled").Inc()
		listener.TaskCancelled(pnfsID)
	}
}
