package service

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/alarm"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
)

// PoolInfoChangeHandler применяет снимки топологии: вычисляет разницу,
// отменяет операции удалённых пулов, обновляет PoolInfoMap и ставит
// в очередь сканы затронутых пулов. Watchdog поднимает аларм, если
// снимок давно не поступал.
type PoolInfoChangeHandler struct {
	pools   *poolinfo.Map
	files   *fileop.Map
	poolOps *poolop.Map
	store   OperationStore
	logger  *slog.Logger

	// mu упорядочивает применение снимков
	mu          sync.Mutex
	initialized bool
	onInit      func()

	lastRefresh atomic.Int64
	timeout     time.Duration
	watchdog    *alarm.Throttled

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoolInfoChangeHandler создаёт обработчик топологии. timeout -
// максимальный интервал между снимками (RS_TOPOLOGY_TIMEOUT).
func NewPoolInfoChangeHandler(pools *poolinfo.Map, files *fileop.Map, poolOps *poolop.Map, store OperationStore,
	timeout, alarmInterval time.Duration, logger *slog.Logger) *PoolInfoChangeHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if alarmInterval <= 0 {
		alarmInterval = 15 * time.Minute
	}
	logger = logger.With(slog.String("component", "pool-info-change-handler"))
	h := &PoolInfoChangeHandler{
		pools:    pools,
		files:    files,
		poolOps:  poolOps,
		store:    store,
		logger:   logger,
		timeout:  timeout,
		watchdog: alarm.NewThrottled(logger, alarm.OutOfSync, alarmInterval),
	}
	h.lastRefresh.Store(time.Now().UnixNano())
	return h
}

// OnInitialized задаёт функцию, вызываемую после первого снимка.
func (h *PoolInfoChangeHandler) OnInitialized(fn func()) {
	h.mu.Lock()
	h.onInit = fn
	h.mu.Unlock()
}

// Initialized сообщает, получен ли первый снимок топологии.
func (h *PoolInfoChangeHandler) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

// LastRefresh возвращает время последнего снимка.
func (h *PoolInfoChangeHandler) LastRefresh() time.Time {
	return time.Unix(0, h.lastRefresh.Load())
}

// removedLink - пул, покинувший resilient-группу (индекс группы до применения).
type removedLink struct {
	pool  string
	group int
}

// Apply применяет снимок топологии и возвращает вычисленную разницу.
// Первый снимок дополнительно загружает пулы и восстанавливает
// операции из checkpoint.
func (h *PoolInfoChangeHandler) Apply(ctx context.Context, t *model.Topology) (*poolinfo.Diff, error) {
	if t == nil {
		return nil, errors.New("пустой снимок топологии")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = now
	}
	h.lastRefresh.Store(now.UnixNano())
	topologyLastUpdate.Set(float64(now.Unix()))

	diff := h.pools.Compare(t)
	if !h.initialized {
		h.initialize(ctx, t, diff)
		if h.onInit != nil {
			h.onInit()
		}
		return diff, nil
	}
	if diff.IsEmpty() {
		h.logger.Debug("Топология не изменилась")
		return diff, nil
	}
	h.logger.Info("Применение изменений топологии", slog.String("diff", diff.String()))

	before := h.pools.ResilientPools()
	removedFrom := h.resilientLinks(diff)

	for _, pool := range diff.OldPools {
		h.files.Cancel(fileop.PoolFilter(pool, true))
		h.poolOps.Remove(pool)
	}

	h.pools.Apply(diff)

	after := h.pools.ResilientPools()
	for _, pool := range after {
		if !slices.Contains(before, pool) {
			h.poolOps.Add(pool)
			h.poolOps.Update(h.pools.PoolState(pool))
		}
	}
	for _, pool := range before {
		if slices.Contains(after, pool) || diff.IsOldPool(pool) || containsPool(removedFrom, pool) {
			continue
		}
		// группа перестала быть resilient
		h.files.Cancel(fileop.PoolFilter(pool, true))
		h.poolOps.Remove(pool)
	}

	h.scanChanged(diff, removedFrom)
	h.verifyConstraints(t)
	return diff, nil
}

func (h *PoolInfoChangeHandler) initialize(ctx context.Context, t *model.Topology, diff *poolinfo.Diff) {
	h.pools.Apply(diff)
	removed := h.poolOps.LoadPools(ctx)
	for _, pool := range h.pools.ResilientPools() {
		h.poolOps.Update(h.pools.PoolState(pool))
	}

	restored := 0
	if h.store != nil {
		records, err := h.store.LoadOperations(ctx)
		if err != nil {
			h.logger.Error("Не удалось загрузить checkpoint операций", slog.Any("error", err))
		} else {
			restored = h.files.Reload(records)
		}
	}

	h.initialized = true
	h.verifyConstraints(t)
	h.logger.Info("Топология инициализирована",
		slog.Int("pools", len(t.Pools)),
		slog.Int("pool_groups", len(t.PoolGroups)),
		slog.Int("storage_units", len(t.StorageUnits)),
		slog.Int("removed_pools", len(removed)),
		slog.Int("restored_operations", restored),
	)
}

// resilientLinks отбирает пулы, удалённые из resilient-групп, пока
// индексы групп ещё известны карте.
func (h *PoolInfoChangeHandler) resilientLinks(diff *poolinfo.Diff) []removedLink {
	var result []removedLink
	for _, l := range diff.PoolsRemoved {
		if diff.IsOldPool(l.Member) {
			continue
		}
		g, ok := h.pools.GroupIndex(l.Group)
		if ok && h.pools.IsResilientGroup(g) {
			result = append(result, removedLink{pool: l.Member, group: g})
		}
	}
	return result
}

func (h *PoolInfoChangeHandler) scanChanged(diff *poolinfo.Diff, removedFrom []removedLink) {
	scanned := make(map[string]bool)
	scan := func(update poolinfo.PoolStateUpdate) {
		if scanned[update.Pool] {
			return
		}
		if h.poolOps.Scan(update, true) {
			scanned[update.Pool] = true
		}
	}

	// Скан под старой группой: карта уже не содержит связи
	for _, r := range removedFrom {
		scan(h.pools.PoolStateFor(r.pool, model.NoIndex, r.group, ""))
	}
	for _, l := range diff.PoolsAdded {
		if g, ok := h.pools.GroupIndex(l.Group); ok && h.pools.IsResilientGroup(g) {
			scan(h.pools.PoolStateFor(l.Member, g, model.NoIndex, ""))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(diff.ResilienceChanged)) {
		g, ok := h.pools.GroupIndex(name)
		if !ok || !diff.ResilienceChanged[name] {
			continue
		}
		for _, pool := range h.pools.GroupPoolNames(g) {
			scan(h.pools.PoolStateFor(pool, g, model.NoIndex, ""))
		}
	}

	for _, pool := range slices.Sorted(maps.Keys(diff.ModeChanged)) {
		if !scanned[pool] {
			h.poolOps.Update(h.pools.PoolState(pool))
		}
	}
	for _, pool := range slices.Sorted(maps.Keys(diff.TagsChanged)) {
		if h.pools.IsResilientPool(pool) {
			scan(h.pools.PoolState(pool))
		}
	}

	// Сканы по storage unit: смена ограничений и связей с группами
	for _, unit := range slices.Sorted(maps.Keys(diff.Constraints)) {
		u, ok := h.pools.UnitIndex(unit)
		if !ok {
			continue
		}
		for _, g := range h.pools.PoolGroupsFor(u) {
			h.scanGroupForUnit(g, unit, scan)
		}
	}
	for _, l := range slices.Concat(diff.UnitsAdded, diff.UnitsRemoved) {
		if g, ok := h.pools.GroupIndex(l.Group); ok {
			h.scanGroupForUnit(g, l.Member, scan)
		}
	}

	if len(scanned) > 0 {
		h.logger.Info("Сканы пулов поставлены в очередь", slog.Int("pools", len(scanned)))
	}
}

func (h *PoolInfoChangeHandler) scanGroupForUnit(group int, unit string, scan func(poolinfo.PoolStateUpdate)) {
	if !h.pools.IsResilientGroup(group) {
		return
	}
	for _, pool := range h.pools.GroupPoolNames(group) {
		scan(h.pools.PoolStateFor(pool, model.NoIndex, model.NoIndex, unit))
	}
}

// verifyConstraints поднимает аларм для каждой resilient-группы, не
// способной удовлетворить ограничения своих storage units.
func (h *PoolInfoChangeHandler) verifyConstraints(t *model.Topology) {
	for _, pg := range t.PoolGroups {
		g, ok := h.pools.GroupIndex(pg.Name)
		if !ok || !h.pools.IsResilientGroup(g) {
			continue
		}
		if err := h.pools.VerifyConstraints(g); err != nil {
			alarm.Raise(h.logger, alarm.PoolGroupIssue, "Группа пулов не удовлетворяет ограничениям",
				slog.String("pool_group", pg.Name),
				slog.Any("error", err),
			)
		}
	}
}

// Start запускает watchdog снимков топологии.
func (h *PoolInfoChangeHandler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	interval := h.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				h.CheckRefresh()
			}
		}
	}()
	h.logger.Info("Watchdog топологии запущен", slog.Duration("timeout", h.timeout))
}

// Stop останавливает watchdog.
func (h *PoolInfoChangeHandler) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// CheckRefresh поднимает аларм, если снимок не поступал дольше timeout.
// Возвращает true, если топология считается рассинхронизированной.
func (h *PoolInfoChangeHandler) CheckRefresh() bool {
	since := time.Since(h.LastRefresh())
	if since <= h.timeout {
		return false
	}
	h.watchdog.Raise("Снимок топологии не поступал дольше допустимого интервала",
		slog.Duration("since", since.Round(time.Second)),
		slog.Duration("timeout", h.timeout),
	)
	return true
}

func containsPool(links []removedLink, pool string) bool {
	for _, l := range links {
		if l.pool == pool {
			return true
		}
	}
	return false
}
