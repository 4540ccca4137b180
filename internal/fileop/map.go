// Пакет fileop - реестр операций над файлами (FileOperationMap).
//
// Карта гарантирует не более одной операции на pnfsid: повторные
// регистрации сливаются с существующей операцией (opCount += count).
// Ожидающие операции стоят в двух очередях: foreground (события)
// и background (сканы пулов). Потребитель (consumer.go) периодически
// или по сигналу обрабатывает завершённые задачи и запускает новые.
package fileop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// BrokenLocationHandler обрабатывает повреждённую реплику на пуле-источнике.
// Вызывается из потребителя и не должен блокироваться.
type BrokenLocationHandler interface {
	HandleBrokenFileLocation(pnfsID model.PnfsID, pool string)
}

// ParentNotifier получает уведомления о завершении фоновых операций скана.
type ParentNotifier interface {
	ChildTerminated(pool string, pnfsID model.PnfsID, failed bool)
}

// Config - параметры карты операций.
type Config struct {
	// CopyThreads - максимальное число одновременно выполняемых задач
	CopyThreads int
	// MaxAllocation - максимальная доля слотов одной очереди, если во второй есть работа
	MaxAllocation float64
	// MaxRetries - число повторов RETRIABLE-ошибки до смены пулов
	MaxRetries int
	// Timeout - ожидание потребителя между проходами без сигналов
	Timeout time.Duration
}

// Map - реестр операций над файлами.
type Map struct {
	pools   *poolinfo.Map
	history *History
	cfg     Config
	logger  *slog.Logger

	// mu защищает index и incoming
	mu       sync.RWMutex
	index    map[model.PnfsID]*Operation
	incoming []*Operation

	// scanMu - очереди принадлежат потребителю
	scanMu     sync.Mutex
	foreground []*Operation
	background []*Operation
	running    []*Operation

	filtersMu     sync.Mutex
	cancelFilters []Filter

	signal    chan struct{}
	signalled atomic.Int64

	newTask TaskFactory
	broken  BrokenLocationHandler
	parents ParentNotifier

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMap создаёт пустую карту операций.
func NewMap(pools *poolinfo.Map, history *History, cfg Config, logger *slog.Logger) *Map {
	if cfg.CopyThreads <= 0 {
		cfg.CopyThreads = 200
	}
	if cfg.MaxAllocation <= 0 || cfg.MaxAllocation > 1 {
		cfg.MaxAllocation = 0.8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Map{
		pools:   pools,
		history: history,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "file-operation-map")),
		index:   make(map[model.PnfsID]*Operation),
		signal:  make(chan struct{}, 1),
	}
}

// SetHandlers связывает карту с фабрикой задач и обработчиками.
// Вызывается до Start.
func (m *Map) SetHandlers(newTask TaskFactory, broken BrokenLocationHandler, parents ParentNotifier) {
	m.newTask = newTask
	m.broken = broken
	m.parents = parents
}

// MaxRetries возвращает потолок повторов.
func (m *Map) MaxRetries() int {
	return m.cfg.MaxRetries
}

// Register регистрирует операцию по обновлению. Возвращает true, если
// создана новая операция; если операция уже есть, её opCount
// увеличивается на update.Count и возвращается false.
func (m *Map) Register(update *model.FileUpdate) bool {
	pool := update.Pool
	if update.Parent != "" {
		pool = update.Parent
	}
	idx := model.NoIndex
	if i, ok := m.pools.PoolIndex(pool); ok {
		idx = i
	}

	op := newOperation(update, idx)
	op.reset()

	m.mu.Lock()
	if present, ok := m.index[update.PnfsID]; ok {
		m.mu.Unlock()
		present.merge(op)
		m.logger.Debug("Операция уже зарегистрирована, счётчик увеличен",
			slog.String("pnfsid", string(update.PnfsID)),
			slog.Int("count", update.Count),
		)
		return false
	}
	m.index[update.PnfsID] = op
	m.incoming = append(m.incoming, op)
	m.mu.Unlock()

	m.signalAll()
	return true
}

// Operation возвращает операцию по pnfsid или ErrOperationNotFound.
func (m *Map) Operation(pnfsID model.PnfsID) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.index[pnfsID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pnfsID, ErrOperationNotFound)
	}
	return op, nil
}

// UpdateLocations задаёт выбранные источник и цель (пустое имя - без изменений).
func (m *Map) UpdateLocations(pnfsID model.PnfsID, source, target string) error {
	op, err := m.Operation(pnfsID)
	if err != nil {
		return err
	}
	src, tgt := model.NoIndex, model.NoIndex
	if source != "" {
		if i, ok := m.pools.PoolIndex(source); ok {
			src = i
		}
	}
	if target != "" {
		if i, ok := m.pools.PoolIndex(target); ok {
			tgt = i
		}
	}
	op.setLocations(src, tgt)
	return nil
}

// Complete фиксирует результат текущей задачи: nil - успех, иначе ошибка.
// Решение о повторе принимает потребитель при постобработке.
func (m *Map) Complete(pnfsID model.PnfsID, taskErr error) error {
	op, err := m.Operation(pnfsID)
	if err != nil {
		return err
	}
	if op.complete(taskErr) {
		m.signalAll()
	}
	return nil
}

// RelayCopyFinished передаёт задаче операции уведомление о копировании.
func (m *Map) RelayCopyFinished(msg model.CopyFinished) error {
	op, err := m.Operation(msg.PnfsID)
	if err != nil {
		return err
	}
	if !op.Relay(msg) {
		return fmt.Errorf("%s: нет выполняемой задачи: %w", msg.PnfsID, ErrOperationNotFound)
	}
	return nil
}

// VoidOperation завершает операцию без дальнейших действий.
// Отсутствующая операция игнорируется.
func (m *Map) VoidOperation(pnfsID model.PnfsID) {
	op, err := m.Operation(pnfsID)
	if err != nil {
		return
	}
	if op.void() {
		m.signalAll()
	}
}

// Cancel ставит фильтр отмены; применяется потребителем при следующем проходе.
func (m *Map) Cancel(filter Filter) {
	if filter.Pool != "" {
		if i, ok := m.pools.PoolIndex(filter.Pool); ok {
			filter.poolIndex, filter.hasPoolIndex = i, true
		}
	}
	m.filtersMu.Lock()
	m.cancelFilters = append(m.cancelFilters, filter)
	m.filtersMu.Unlock()
	m.signalAll()
}

// CancelPnfsID отменяет операцию над одним файлом.
func (m *Map) CancelPnfsID(pnfsID model.PnfsID, forceRemoval bool) {
	m.Cancel(Filter{PnfsIDs: []model.PnfsID{pnfsID}, ForceRemoval: forceRemoval})
}

// Size возвращает число операций в карте.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

func (m *Map) operations() []*Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]*Operation, 0, len(m.index))
	for _, op := range m.index {
		ops = append(ops, op)
	}
	return ops
}

// Count возвращает число операций, подходящих под фильтр, и сумму
// opCount по основному пулу.
func (m *Map) Count(filter Filter) (int, map[string]int) {
	total := 0
	byPool := make(map[string]int)
	for _, op := range m.operations() {
		if !filter.Matches(op, m.pools) {
			continue
		}
		total++
		byPool[op.PrincipalPool(m.pools)] += op.OpCount()
	}
	return total, byPool
}

// List возвращает до limit операций под фильтр (limit <= 0 - все),
// отсортированных по pnfsid.
func (m *Map) List(filter Filter, limit int) []Snapshot {
	var result []Snapshot
	for _, op := range m.operations() {
		if filter.Matches(op, m.pools) {
			result = append(result, op.Snapshot(m.pools))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PnfsID < result[j].PnfsID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Snapshots возвращает состояние всех операций (для checkpoint).
func (m *Map) Snapshots() []Snapshot {
	return m.List(Filter{}, 0)
}

// History возвращает историю завершённых операций.
func (m *Map) History() *History {
	return m.history
}

// Reload восстанавливает операции из checkpoint. Записи, группа которых
// отсутствует в текущей топологии, пропускаются. Возвращает число
// восстановленных операций.
func (m *Map) Reload(records []Snapshot) int {
	restored := 0
	for _, r := range records {
		group, ok := m.pools.GroupIndex(r.Group)
		if !ok {
			m.logger.Warn("Группа операции из checkpoint отсутствует в топологии, пропуск",
				slog.String("pnfsid", string(r.PnfsID)),
				slog.String("group", r.Group),
			)
			continue
		}
		update := model.NewFileUpdate(r.PnfsID, r.Source, model.MessageAddCacheLocation)
		update.Parent = r.Parent
		update.Group = group
		if unit, ok := m.pools.UnitIndex(r.Unit); ok {
			update.Unit = unit
		}
		update.Count = max(r.OpCount, 1)
		update.Attributes = &model.FileAttributes{
			PnfsID:          r.PnfsID,
			RetentionPolicy: r.RetentionPolicy,
			Size:            r.Size,
		}
		if m.Register(update) {
			restored++
		}
	}
	return restored
}

func (m *Map) signalAll() {
	m.signalled.Add(1)
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// remove удаляет операцию из индекса, уведомляет родителя и пишет историю.
func (m *Map) remove(op *Operation, failed bool) {
	m.mu.Lock()
	current, ok := m.index[op.PnfsID()]
	if ok && current == op {
		delete(m.index, op.PnfsID())
	}
	m.mu.Unlock()
	if !ok || current != op {
		return
	}

	if parent := op.ParentName(); parent != "" && m.parents != nil {
		m.parents.ChildTerminated(parent, op.PnfsID(), failed)
	}
	if m.history != nil {
		m.history.Add(op.Snapshot(m.pools), failed)
	}
}
