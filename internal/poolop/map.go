// Пакет poolop - реестр операций над пулами (PoolOperationMap).
//
// Каждый resilient-пул находится ровно в одной из очередей:
// idle, waiting или running. Смена статуса пула (UP_TO_DOWN / DOWN_TO_UP)
// переводит его в waiting; watchdog (consumer.go) запускает сканы
// ожидающих пулов с учётом grace-периодов и лимита одновременных сканов,
// а также периодически пересканирует простаивающие пулы.
package poolop

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/alarm"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/poolstatus"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// FileCanceler отменяет операции над файлами (реализуется fileop.Map).
type FileCanceler interface {
	Cancel(filter fileop.Filter)
}

// ExcludedStore хранит список исключённых пулов между перезапусками.
type ExcludedStore interface {
	ListExcluded(ctx context.Context) ([]string, error)
	SaveExcluded(ctx context.Context, pools []string) error
}

// Config - параметры карты операций над пулами.
type Config struct {
	// ScanWindow - период полного пересканирования простаивающего пула
	ScanWindow time.Duration
	// MaxConcurrentRunning - максимум одновременно выполняемых сканов
	MaxConcurrentRunning int
	// DownGracePeriod - задержка перед сканом недоступного пула
	DownGracePeriod time.Duration
	// RestartGracePeriod - задержка перед сканом вернувшегося пула
	RestartGracePeriod time.Duration
	// Timeout - интервал между проходами watchdog
	Timeout time.Duration
	// Watchdog - периодические пересканирования простаивающих пулов
	Watchdog bool
}

// Map - реестр операций над пулами.
type Map struct {
	pools   *poolinfo.Map
	files   FileCanceler
	scanner Scanner
	store   ExcludedStore
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	idle    map[string]*Operation
	waiting map[string]*Operation
	running map[string]*Operation

	signal chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMap создаёт пустую карту операций над пулами.
func NewMap(pools *poolinfo.Map, files FileCanceler, store ExcludedStore, cfg Config, logger *slog.Logger) *Map {
	if cfg.MaxConcurrentRunning <= 0 {
		cfg.MaxConcurrentRunning = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Map{
		pools:   pools,
		files:   files,
		store:   store,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "pool-operation-map")),
		idle:    make(map[string]*Operation),
		waiting: make(map[string]*Operation),
		running: make(map[string]*Operation),
		signal:  make(chan struct{}, 1),
	}
}

// SetScanner задаёт исполнителя сканов. Вызывается до Start.
func (m *Map) SetScanner(scanner Scanner) {
	m.scanner = scanner
}

// SetWatchdog включает или выключает периодические пересканирования.
func (m *Map) SetWatchdog(on bool) {
	m.mu.Lock()
	m.cfg.Watchdog = on
	m.mu.Unlock()
}

// Add регистрирует пул в idle, если он ещё не известен.
func (m *Map) Add(pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getLocked(pool) != nil {
		return
	}
	m.idle[pool] = newOperation()
}

// Remove удаляет пул из всех очередей, отменяя выполняемый скан.
func (m *Map) Remove(pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.running[pool]; ok {
		op.cancelTask()
		delete(m.running, pool)
	}
	delete(m.waiting, pool)
	delete(m.idle, pool)
}

// LoadPools синхронизирует карту с resilient-пулами PoolInfoMap и
// восстанавливает исключения из хранилища. Возвращает пулы, которые
// больше не являются resilient и были удалены.
func (m *Map) LoadPools(ctx context.Context) []string {
	resilient := m.pools.ResilientPools()

	m.mu.Lock()
	var removed []string
	for _, queue := range []map[string]*Operation{m.idle, m.waiting, m.running} {
		for pool := range queue {
			if !slices.Contains(resilient, pool) {
				removed = append(removed, pool)
			}
		}
	}
	m.mu.Unlock()

	for _, pool := range removed {
		m.Remove(pool)
	}
	for _, pool := range resilient {
		m.Add(pool)
	}

	if m.store != nil {
		excluded, err := m.store.ListExcluded(ctx)
		if err != nil {
			m.logger.Error("Не удалось загрузить список исключённых пулов", slog.Any("error", err))
		} else if len(excluded) > 0 {
			m.setIncluded(Filter{Pools: excluded}, false, false)
		}
	}

	sort.Strings(removed)
	m.logger.Info("Пулы загружены",
		slog.Int("resilient", len(resilient)),
		slog.Int("removed", len(removed)),
	)
	return removed
}

// Update обрабатывает обновление состояния пула: при значимой смене
// статуса отменяет выполняемый скан и ставит пул в waiting.
func (m *Map) Update(update poolinfo.PoolStateUpdate) {
	if !m.pools.IsResilientPool(update.Pool) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(update)
}

func (m *Map) updateLocked(update poolinfo.PoolStateUpdate) {
	pool := update.Pool
	op := m.getLocked(pool)
	if op == nil {
		m.logger.Debug("Пул не зарегистрирован, обновление пропущено", slog.String("pool", pool))
		return
	}
	if op.state == StateExcluded {
		return
	}

	action, err := op.status.Update(update.Status())
	if err != nil {
		m.logger.Warn("Некорректный статус пула", slog.String("pool", pool), slog.Any("error", err))
		return
	}
	if action == poolstatus.NOP {
		op.lastUpdate = time.Now()
		return
	}

	if op.state == StateRunning {
		op.cancelTask()
		if m.files != nil {
			m.files.Cancel(fileop.ParentFilter(pool, true))
		}
		delete(m.running, pool)
	}

	if op.state != StateWaiting {
		delete(m.idle, pool)
		op.state = StateWaiting
		op.forceScan = false
		op.resetChildren()
		op.resetFailed()
		op.err = nil
		m.waiting[pool] = op
	}
	op.group = update.Group()
	op.unit = model.NoIndex
	if update.StorageUnit != "" {
		if unit, ok := m.pools.UnitIndex(update.StorageUnit); ok {
			op.unit = unit
		}
	}
	op.lastUpdate = time.Now()

	m.logger.Info("Статус пула изменился, скан поставлен в очередь",
		slog.String("pool", pool),
		slog.String("action", string(action)),
		slog.String("status", string(op.status.Current())),
	)
	m.signalAll()
}

// Scan ставит пул в waiting с принудительным сканом. Недоступный и уже
// просканированный пул пропускается, если не задан bypass.
// Возвращает true, если скан поставлен в очередь.
func (m *Map) Scan(update poolinfo.PoolStateUpdate, bypass bool) bool {
	pool := update.Pool
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[pool]; ok {
		return false
	}
	if op, ok := m.waiting[pool]; ok {
		op.forceScan = true
		return false
	}
	op, ok := m.idle[pool]
	if !ok {
		return false
	}

	if op.status.Current() == poolstatus.Uninitialized || op.state == StateExcluded {
		m.resetLocked(pool, op)
		return false
	}
	if op.status.IsDownAndScanned() && !bypass {
		m.resetLocked(pool, op)
		return false
	}

	if _, err := op.status.Update(update.Status()); err != nil {
		m.logger.Warn("Некорректный статус пула", slog.String("pool", pool), slog.Any("error", err))
	}
	op.forceScan = true
	op.state = StateWaiting
	op.group = update.Group()
	op.unit = model.NoIndex
	if update.StorageUnit != "" {
		if unit, ok := m.pools.UnitIndex(update.StorageUnit); ok {
			op.unit = unit
		}
	}
	op.lastUpdate = time.Now()
	op.resetFailed()
	op.err = nil
	delete(m.idle, pool)
	m.waiting[pool] = op
	m.signalAll()
	return true
}

// ScanCompleted фиксирует результат скана: число дочерних операций
// и ошибку. Скан без дочерних операций завершается сразу.
func (m *Map) ScanCompleted(pool string, children int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.running[pool]
	if !ok {
		return
	}
	op.err = err
	op.children = children
	op.task = nil
	now := time.Now()
	op.lastScan = now
	op.lastUpdate = now
	if children == 0 || op.isComplete() {
		m.terminateLocked(pool, op)
	}
}

// ChildTerminated учитывает завершение дочерней операции скана.
func (m *Map) ChildTerminated(pool string, pnfsID model.PnfsID, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.running[pool]
	if !ok {
		m.logger.Debug("Родительская операция пула не выполняется",
			slog.String("pool", pool),
			slog.String("pnfsid", string(pnfsID)),
		)
		return
	}
	op.incrementCompleted(failed)
	op.lastUpdate = time.Now()
	if op.isComplete() {
		m.terminateLocked(pool, op)
	}
}

// SetIncluded исключает пулы под фильтром (included=false) или возвращает
// их в работу. Возвращает число пулов, чьё состояние изменилось.
func (m *Map) SetIncluded(filter Filter, included bool) int {
	return m.setIncluded(filter, included, true)
}

func (m *Map) setIncluded(filter Filter, included, persist bool) int {
	m.mu.Lock()
	changed := 0
	visited := make(map[string]struct{})
	for _, queue := range []map[string]*Operation{m.running, m.waiting, m.idle} {
		for _, pool := range sortedKeys(queue) {
			op := queue[pool]
			if _, seen := visited[pool]; seen || !filter.Matches(pool, op) {
				continue
			}
			visited[pool] = struct{}{}
			m.pools.SetExcluded(pool, !included)

			if !included {
				if op.state == StateExcluded {
					continue
				}
				op.cancelTask()
				delete(queue, pool)
				op.state = StateExcluded
				m.resetLocked(pool, op)
				changed++
				continue
			}
			if op.state == StateExcluded {
				op.state = StateIdle
				op.status.Reset()
				changed++
				m.updateLocked(m.pools.PoolState(pool))
			}
		}
	}
	excluded := m.excludedLocked()
	m.mu.Unlock()

	if persist && changed > 0 && m.store != nil {
		if err := m.store.SaveExcluded(context.Background(), excluded); err != nil {
			m.logger.Error("Не удалось сохранить список исключённых пулов", slog.Any("error", err))
		}
	}
	m.logger.Info("Исключение пулов изменено",
		slog.Bool("included", included),
		slog.Int("changed", changed),
	)
	return changed
}

// Cancel отменяет ожидающие и выполняемые сканы под фильтром.
func (m *Map) Cancel(filter Filter) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	canceled := 0
	for _, queue := range []map[string]*Operation{m.running, m.waiting} {
		for _, pool := range sortedKeys(queue) {
			op := queue[pool]
			if !filter.Matches(pool, op) {
				continue
			}
			op.cancelTask()
			delete(queue, pool)
			op.state = StateCanceled
			poolOperationsTotal.WithLabelValues(op.kind(), "canceled").Inc()
			m.resetLocked(pool, op)
			canceled++
		}
	}
	return canceled
}

// List возвращает состояние пулов под фильтром, отсортированное по имени.
func (m *Map) List(filter Filter) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Snapshot
	for _, queue := range []map[string]*Operation{m.idle, m.waiting, m.running} {
		for pool, op := range queue {
			if filter.Matches(pool, op) {
				result = append(result, m.snapshotLocked(pool, op))
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Pool < result[j].Pool })
	return result
}

// Get возвращает состояние одного пула.
func (m *Map) Get(pool string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.getLocked(pool)
	if op == nil {
		return Snapshot{}, fmt.Errorf("%s: %w", pool, ErrPoolNotFound)
	}
	return m.snapshotLocked(pool, op), nil
}

// --- внутренние переходы, вызываются под mu ---

func (m *Map) getLocked(pool string) *Operation {
	if op, ok := m.running[pool]; ok {
		return op
	}
	if op, ok := m.waiting[pool]; ok {
		return op
	}
	return m.idle[pool]
}

func (m *Map) terminateLocked(pool string, op *Operation) {
	result := "done"
	if op.err != nil {
		op.state = StateFailed
		result = "failed"
		m.logger.Warn("Скан пула завершился ошибкой",
			slog.String("pool", pool),
			slog.Any("error", op.err),
		)
	} else {
		op.state = StateIdle
	}
	poolOperationsTotal.WithLabelValues(op.kind(), result).Inc()
	delete(m.running, pool)
	delete(m.waiting, pool)
	m.resetLocked(pool, op)
}

// resetLocked возвращает операцию в idle. Пул, переставший быть resilient,
// в idle не возвращается.
func (m *Map) resetLocked(pool string, op *Operation) {
	op.lastUpdate = time.Now()
	op.group = model.NoIndex
	op.unit = model.NoIndex
	op.forceScan = false
	op.task = nil

	if m.pools.IsResilientPool(pool) {
		op.resetChildren()
		m.idle[pool] = op
		return
	}
	delete(m.idle, pool)
	if op.state == StateFailed || op.failed > 0 {
		alarm.Raise(m.logger, alarm.FailedReplication,
			"Пул удалён из resilient-группы, не все операции скана завершились успешно",
			slog.String("pool", pool),
			slog.Int("failed", op.failed),
			slog.Any("error", op.err),
		)
	}
}

func (m *Map) excludedLocked() []string {
	var result []string
	for _, queue := range []map[string]*Operation{m.idle, m.waiting, m.running} {
		for pool, op := range queue {
			if op.state == StateExcluded {
				result = append(result, pool)
			}
		}
	}
	sort.Strings(result)
	return result
}

func (m *Map) snapshotLocked(pool string, op *Operation) Snapshot {
	s := Snapshot{
		Pool:          pool,
		State:         op.state,
		CurrentStatus: op.status.Current(),
		LastStatus:    op.status.Last(),
		Forced:        op.forceScan,
		Children:      op.children,
		Completed:     op.completed,
		Failed:        op.failed,
		LastUpdate:    op.lastUpdate,
		LastScan:      op.lastScan,
	}
	if name, ok := m.pools.Group(op.group); ok {
		s.Group = name
	}
	if name, ok := m.pools.Unit(op.unit); ok {
		s.Unit = name
	}
	if op.err != nil {
		s.Error = op.err.Error()
	}
	return s
}

func (m *Map) signalAll() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func sortedKeys(queue map[string]*Operation) []string {
	keys := make([]string, 0, len(queue))
	for k := range queue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
