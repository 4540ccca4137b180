// consumer.go - watchdog карты операций над пулами.
//
// Один проход (Sweep):
//  1. Простаивающие пулы, не сканировавшиеся дольше ScanWindow, переходят в waiting
//  2. Ожидающие пулы запускаются, если скан принудительный или истёк
//     grace-период, в пределах MaxConcurrentRunning
package poolop

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/poolstatus"
)

// Start запускает горутину watchdog.
func (m *Map) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)

	m.logger.Info("Watchdog операций над пулами запущен",
		slog.Duration("scan_window", m.cfg.ScanWindow),
		slog.Int("max_concurrent", m.cfg.MaxConcurrentRunning),
		slog.Bool("watchdog", m.cfg.Watchdog),
	)
}

// Stop останавливает watchdog и отменяет выполняемые сканы.
func (m *Map) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done

	m.mu.Lock()
	for _, op := range m.running {
		op.cancelTask()
	}
	m.mu.Unlock()
	m.logger.Info("Watchdog операций над пулами остановлен")
}

// RunNow инициирует внеочередной проход.
func (m *Map) RunNow() {
	m.signalAll()
}

func (m *Map) run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
		case <-time.After(m.cfg.Timeout):
		}
		m.Sweep()
	}
}

// Sweep выполняет один проход watchdog.
func (m *Map) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scanIdle()
	m.scanWaiting()

	poolOperationsQueued.WithLabelValues("idle").Set(float64(len(m.idle)))
	poolOperationsQueued.WithLabelValues("waiting").Set(float64(len(m.waiting)))
	poolOperationsQueued.WithLabelValues("running").Set(float64(len(m.running)))
}

func (m *Map) scanIdle() {
	window := m.cfg.ScanWindow
	if !m.cfg.Watchdog || window <= 0 {
		window = time.Duration(math.MaxInt64)
	}
	now := time.Now()

	for _, pool := range sortedKeys(m.idle) {
		op := m.idle[pool]
		if op.state == StateExcluded ||
			op.status.Current() == poolstatus.Uninitialized ||
			op.status.IsDownAndScanned() {
			continue
		}
		if now.Sub(op.lastScan) < window {
			continue
		}
		delete(m.idle, pool)
		op.forceScan = true
		op.state = StateWaiting
		op.unit = model.NoIndex
		op.resetFailed()
		op.err = nil
		op.lastUpdate = now
		m.waiting[pool] = op
		m.logger.Debug("Периодическое пересканирование пула", slog.String("pool", pool))
	}
}

func (m *Map) scanWaiting() {
	now := time.Now()
	for _, pool := range sortedKeys(m.waiting) {
		if len(m.running) >= m.cfg.MaxConcurrentRunning {
			return
		}
		op := m.waiting[pool]
		grace := m.cfg.RestartGracePeriod
		if op.status.Current() == poolstatus.Down {
			grace = m.cfg.DownGracePeriod
		}
		if !op.forceScan && now.Sub(op.lastUpdate) < grace {
			continue
		}
		delete(m.waiting, pool)
		m.submitLocked(pool, op)
	}
}

func (m *Map) submitLocked(pool string, op *Operation) {
	op.state = StateRunning
	op.lastUpdate = time.Now()
	op.resetChildren()
	op.status.MarkScanned()
	m.running[pool] = op

	if m.scanner == nil {
		m.logger.Error("Исполнитель сканов не задан", slog.String("pool", pool))
		op.err = ErrNoScanner
		m.terminateLocked(pool, op)
		return
	}
	op.task = m.scanner.StartScan(ScanRequest{
		Pool:  pool,
		Type:  op.status.Current().MessageType(),
		Group: op.group,
		Unit:  op.unit,
		Force: op.forceScan,
	})
	m.logger.Info("Скан пула запущен",
		slog.String("pool", pool),
		slog.String("status", string(op.status.Current())),
		slog.Bool("forced", op.forceScan),
	)
}
