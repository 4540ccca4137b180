// consumer.go - потребитель карты операций.
//
// Один проход (Scan):
//  1. Новые операции переносятся из incoming в foreground/background
//  2. Завершённые и отменённые задачи проходят постобработку
//     (повтор, прерывание, удаление в историю)
//  3. Ожидающие операции запускаются в пределах CopyThreads
package fileop

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/alarm"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

// Start запускает горутину потребителя.
func (m *Map) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)

	m.logger.Info("Потребитель операций над файлами запущен",
		slog.Int("copy_threads", m.cfg.CopyThreads),
		slog.Int("max_retries", m.cfg.MaxRetries),
		slog.Float64("max_allocation", m.cfg.MaxAllocation),
	)
}

// Stop останавливает потребителя и очищает очереди и индекс.
func (m *Map) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Потребитель операций над файлами остановлен")
}

// RunNow инициирует внеочередной проход.
func (m *Map) RunNow() {
	m.signalAll()
}

func (m *Map) run(ctx context.Context) {
	defer close(m.done)
	defer m.clear()

	for {
		m.signalled.Store(0)
		m.Scan()

		if ctx.Err() != nil {
			return
		}
		if m.signalled.Load() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.signal:
		case <-time.After(m.cfg.Timeout):
		}
	}
}

// Scan выполняет один проход потребителя.
func (m *Map) Scan() {
	start := time.Now()
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	m.processTerminated()
	m.processWaiting()

	operationsActive.WithLabelValues("foreground").Set(float64(len(m.foreground)))
	operationsActive.WithLabelValues("background").Set(float64(len(m.background)))
	operationsActive.WithLabelValues("running").Set(float64(len(m.running)))
	scanDurationSeconds.Observe(time.Since(start).Seconds())
}

func (m *Map) clear() {
	m.scanMu.Lock()
	m.foreground = nil
	m.background = nil
	m.running = nil
	m.scanMu.Unlock()

	m.filtersMu.Lock()
	m.cancelFilters = nil
	m.filtersMu.Unlock()

	m.mu.Lock()
	m.incoming = nil
	m.index = make(map[model.PnfsID]*Operation)
	m.mu.Unlock()
}

// --- Завершённые операции ---

func (m *Map) processTerminated() {
	m.appendIncoming()

	var toProcess []*Operation
	toProcess = append(toProcess, m.gatherTerminated()...)
	toProcess = append(toProcess, m.gatherCanceled()...)

	for _, op := range toProcess {
		m.postProcess(op)
	}
}

func (m *Map) appendIncoming() {
	m.mu.Lock()
	incoming := m.incoming
	m.incoming = nil
	m.mu.Unlock()

	for _, op := range incoming {
		if op.IsBackground() {
			m.background = append(m.background, op)
		} else {
			m.foreground = append(m.foreground, op)
		}
	}
}

func (m *Map) gatherTerminated() []*Operation {
	var terminated []*Operation
	running := m.running[:0]
	for _, op := range m.running {
		if op.State() == StateRunning {
			running = append(running, op)
			continue
		}
		terminated = append(terminated, op)
	}
	m.running = running
	return terminated
}

func (m *Map) gatherCanceled() []*Operation {
	m.filtersMu.Lock()
	filters := m.cancelFilters
	m.cancelFilters = nil
	m.filtersMu.Unlock()

	if len(filters) == 0 {
		return nil
	}

	var canceled []*Operation
	m.running, canceled = m.cancelMatching(m.running, filters, canceled)
	m.foreground, canceled = m.cancelMatching(m.foreground, filters, canceled)
	m.background, canceled = m.cancelMatching(m.background, filters, canceled)
	return canceled
}

func (m *Map) cancelMatching(queue []*Operation, filters []Filter, canceled []*Operation) ([]*Operation, []*Operation) {
	kept := queue[:0]
	for _, op := range queue {
		matched := false
		for i := range filters {
			if !filters[i].Matches(op, m.pools) {
				continue
			}
			if op.cancelCurrent() {
				if filters[i].ForceRemoval {
					op.SetOpCount(0)
				}
				matched = true
			}
			break
		}
		if matched {
			canceled = append(canceled, op)
		} else {
			kept = append(kept, op)
		}
	}
	return kept, canceled
}

func (m *Map) postProcess(op *Operation) {
	op.recordLastType()
	opType := op.Type()
	source := m.pools.PoolName(op.Source())
	target := m.pools.PoolName(op.Target())

	retry, abort := false, false

	switch op.State() {
	case StateFailed:
		action := Classify(op.Err(), source != "")
		retry, abort = m.handleFailure(op, action, source)
		result := "retry"
		if abort {
			result = "aborted"
		}
		operationsTotal.WithLabelValues(string(opType), result).Inc()
		m.logger.Debug("Задача завершилась ошибкой",
			slog.String("pnfsid", string(op.PnfsID())),
			slog.String("action", string(action)),
			slog.Bool("retry", retry),
			slog.Any("error", op.Err()),
		)
	case StateDone:
		operationsTotal.WithLabelValues(string(opType), "done").Inc()
		switch opType {
		case model.OperationCopy:
			if target != "" {
				copyBytesTotal.WithLabelValues(target).Add(float64(op.Size()))
			}
		case model.OperationRemove:
			if target != "" {
				removeBytesTotal.WithLabelValues(target).Add(float64(op.Size()))
			}
		}
		op.clearLocations()
	case StateCanceled:
		operationsTotal.WithLabelValues(string(opType), "canceled").Inc()
	case StateVoid:
		operationsTotal.WithLabelValues(string(opType), "void").Inc()
	}

	if op.OpCount() > 0 {
		op.reset()
		m.restore(op, retry)
		return
	}
	m.remove(op, abort)
}

// handleFailure применяет реакцию на ошибку. Возвращает (повтор, прерывание).
func (m *Map) handleFailure(op *Operation, action FailureAction, source string) (bool, bool) {
	switch action {
	case FailureBroken:
		if source != "" && m.broken != nil {
			m.broken.HandleBrokenFileLocation(op.PnfsID(), source)
		}
		fallthrough
	case FailureNewSource:
		op.addSourceToTried()
		op.resetSourceAndTarget()
		return true, false
	case FailureNewTarget:
		op.addTargetToTried()
		op.resetSourceAndTarget()
		return true, false
	case FailureRetriable:
		if op.incrementRetried() < m.cfg.MaxRetries {
			return true, false
		}
		op.addTargetToTried()
		op.addSourceToTried()
		group := op.PoolGroup()
		members := m.pools.MemberPools(group, m.pools.GroupPoolNames(group), false)
		if len(members) > len(op.Tried()) {
			op.resetSourceAndTarget()
			return true, false
		}
		fallthrough
	case FailureFatal:
		op.addTargetToTried()
		op.addSourceToTried()
		alarm.Raise(m.logger, alarm.FailedReplication, "Операция над файлом прервана: попытки исчерпаны",
			slog.String("pnfsid", string(op.PnfsID())),
			slog.Any("tried", m.pools.Pools(op.Tried())),
			slog.Int("retried", op.Retried()),
			slog.Int("max_retries", m.cfg.MaxRetries),
			slog.Any("error", op.Err()),
		)
		op.abort()
		return false, true
	default:
		m.logger.Error("Неизвестная реакция на ошибку",
			slog.String("pnfsid", string(op.PnfsID())),
			slog.String("action", string(action)),
		)
		op.abort()
		return false, true
	}
}

// restore возвращает операцию в очередь: повтор - в начало, иначе в конец.
func (m *Map) restore(op *Operation, retry bool) {
	queue := &m.foreground
	if op.IsBackground() {
		queue = &m.background
	}
	if retry {
		*queue = slices.Insert(*queue, 0, op)
	} else {
		*queue = append(*queue, op)
	}
}

// --- Ожидающие операции ---

func (m *Map) processWaiting() {
	fgAvailable, bgAvailable := m.computeAvailable()
	remainder := m.promoteToRunning(&m.foreground, fgAvailable)
	remainder = m.promoteToRunning(&m.background, bgAvailable+remainder)
	if remainder > 0 {
		m.promoteToRunning(&m.foreground, remainder)
	}
}

// computeAvailable делит свободные слоты между очередями пропорционально
// их размеру, но не более MaxAllocation и не менее 1-MaxAllocation на очередь.
func (m *Map) computeAvailable() (int, int) {
	available := m.cfg.CopyThreads - len(m.running)
	if available <= 0 {
		return 0, 0
	}
	fgSize := float64(len(m.foreground))
	bgSize := float64(len(m.background))
	size := fgSize + bgSize
	if size == 0 {
		return 0, 0
	}

	fgWeight := math.Min(math.Max(fgSize/size, 1-m.cfg.MaxAllocation), m.cfg.MaxAllocation)
	fgAvailable := int(math.Round(float64(available) * fgWeight))
	bgAvailable := available - fgAvailable

	if fgAvailable == 0 && fgSize > 0 {
		fgAvailable = 1
		bgAvailable--
	} else if bgAvailable == 0 && bgSize > 0 {
		bgAvailable = 1
		fgAvailable--
	}
	return fgAvailable, bgAvailable
}

// promoteToRunning запускает до limit операций из очереди и возвращает
// неиспользованный остаток.
// Операция, завершённая ещё в очереди, передаётся в running без запуска
// и проходит постобработку на следующем проходе.
func (m *Map) promoteToRunning(queue *[]*Operation, limit int) int {
	launched := 0
	for launched < limit && len(*queue) > 0 {
		op := (*queue)[0]
		*queue = (*queue)[1:]
		if op.State().IsTerminal() {
			m.running = append(m.running, op)
			continue
		}
		m.submit(op)
		launched++
	}
	return limit - launched
}

func (m *Map) submit(op *Operation) {
	if m.newTask != nil {
		op.setTask(m.newTask(op))
	}
	op.setState(StateRunning)
	m.running = append(m.running, op)
	op.submit()
}
