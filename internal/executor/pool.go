// Пакет executor - ограниченные пулы обработчиков (updateService, taskService).
//
// Submit не блокирует вызывающего: задача ждёт свободного слота
// в собственной горутине. Число одновременно выполняемых задач
// ограничено семафором.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrStopped - пул остановлен и не принимает задачи.
var ErrStopped = errors.New("пул обработчиков остановлен")

// Pool - пул обработчиков с ограничением параллелизма.
type Pool struct {
	name   string
	size   int
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu упорядочивает wg.Add относительно Stop
	mu      sync.RWMutex
	stopped bool
	pending atomic.Int64
}

// New создаёт пул с size одновременно выполняемыми задачами.
func New(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:   name,
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With(slog.String("component", "executor"), slog.String("pool", name)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name возвращает имя пула.
func (p *Pool) Name() string {
	return p.name
}

// Submit ставит задачу в очередь. Контекст задачи отменяется при Stop.
func (p *Pool) Submit(fn func(ctx context.Context)) error {
	if !p.enter() {
		return ErrStopped
	}
	p.pending.Add(1)
	pendingTasks.WithLabelValues(p.name).Inc()

	go func() {
		defer p.wg.Done()
		err := p.sem.Acquire(p.ctx, 1)
		p.pending.Add(-1)
		pendingTasks.WithLabelValues(p.name).Dec()
		if err != nil {
			tasksTotal.WithLabelValues(p.name, "dropped").Inc()
			return
		}
		defer p.sem.Release(1)
		p.run(fn)
	}()
	return nil
}

// Schedule ставит задачу в очередь после задержки.
func (p *Pool) Schedule(delay time.Duration, fn func(ctx context.Context)) error {
	if delay <= 0 {
		return p.Submit(fn)
	}
	if !p.enter() {
		return ErrStopped
	}
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
			tasksTotal.WithLabelValues(p.name, "dropped").Inc()
		case <-timer.C:
			if err := p.Submit(fn); err != nil {
				tasksTotal.WithLabelValues(p.name, "dropped").Inc()
			}
		}
	}()
	return nil
}

func (p *Pool) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) run(fn func(ctx context.Context)) {
	activeTasks.WithLabelValues(p.name).Inc()
	defer activeTasks.WithLabelValues(p.name).Dec()
	defer func() {
		if r := recover(); r != nil {
			tasksTotal.WithLabelValues(p.name, "panic").Inc()
			p.logger.Error("Паника в задаче обработчика", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(p.ctx)
	tasksTotal.WithLabelValues(p.name, "done").Inc()
}

// Pending возвращает число задач, ожидающих слота.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Stop прекращает приём задач, отменяет контекст и ждёт завершения
// выполняемых задач не дольше ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Пул обработчиков остановлен")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("остановка пула %s: %w", p.name, ctx.Err())
	}
}
