package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arturkryukov/artstore/resilience-module/internal/alarm"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/executor"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/migration"
	"github.com/arturkryukov/artstore/resilience-module/internal/placement"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolclient"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/selector"
)

// Максимум одновременных запросов состояния реплик одного файла.
const verifyConcurrency = 8

// ReplicaClient - RPC к пулам (реализуется poolclient.Client).
type ReplicaClient interface {
	RemoveReplica(ctx context.Context, pool string, pnfsID model.PnfsID) error
	ReplicaInfo(ctx context.Context, pool string, pnfsID model.PnfsID) (model.ReplicaInfo, error)
}

// Stager - запрос выбора read-пула (реализуется placement.Client).
type Stager interface {
	SelectReadPool(ctx context.Context, req placement.SelectReadPoolRequest) (*model.StagingReply, error)
}

// CopyTask - запущенное копирование.
type CopyTask interface {
	Cancel()
	Relay(msg model.CopyFinished)
}

// Copier запускает копирование реплики. nil означает, что запуск не
// удался и результат уже сообщён обработчику завершения.
type Copier interface {
	Copy(ctx context.Context, req migration.Request) CopyTask
}

type migrationCopier struct {
	executor *migration.Executor
}

// NewMigrationCopier адаптирует migration.Executor к Copier.
func NewMigrationCopier(e *migration.Executor) Copier {
	return migrationCopier{executor: e}
}

func (c migrationCopier) Copy(ctx context.Context, req migration.Request) CopyTask {
	if t := c.executor.Copy(ctx, req); t != nil {
		return t
	}
	return nil
}

// Dependencies - коллабораторы FileOperationHandler.
type Dependencies struct {
	Pools        *poolinfo.Map
	Operations   *fileop.Map
	Namespace    *NamespaceAccess
	Selector     selector.LocationSelector
	Replicas     ReplicaClient
	Copier       Copier
	Stager       Stager
	Completion   *CompletionHandler
	Inaccessible InaccessibleFileHandler
	// TaskService - пул задач копирования, удаления и staging
	TaskService *executor.Pool
}

// HandlerConfig - параметры FileOperationHandler.
type HandlerConfig struct {
	// LaunchDelay - задержка перед верификацией операции
	LaunchDelay time.Duration
	// AlarmInterval - минимальный интервал алармов о рассинхронизации
	AlarmInterval time.Duration
}

// FileOperationHandler принимает решения по файлам: регистрирует
// операции по событиям и сканам, при выполнении заново проверяет
// расположения и выбирает COPY, REMOVE, WAIT_FOR_STAGE или VOID.
type FileOperationHandler struct {
	pools        *poolinfo.Map
	ops          *fileop.Map
	namespace    *NamespaceAccess
	selector     selector.LocationSelector
	replicas     ReplicaClient
	copier       Copier
	stager       Stager
	completion   *CompletionHandler
	inaccessible InaccessibleFileHandler
	taskService  *executor.Pool
	launchDelay  time.Duration
	syncAlarm    *alarm.Throttled
	logger       *slog.Logger
}

// NewFileOperationHandler создаёт обработчик операций над файлами.
func NewFileOperationHandler(deps Dependencies, cfg HandlerConfig, logger *slog.Logger) *FileOperationHandler {
	if cfg.AlarmInterval <= 0 {
		cfg.AlarmInterval = 15 * time.Minute
	}
	logger = logger.With(slog.String("component", "file-operation-handler"))
	return &FileOperationHandler{
		pools:        deps.Pools,
		ops:          deps.Operations,
		namespace:    deps.Namespace,
		selector:     deps.Selector,
		replicas:     deps.Replicas,
		copier:       deps.Copier,
		stager:       deps.Stager,
		completion:   deps.Completion,
		inaccessible: deps.Inaccessible,
		taskService:  deps.TaskService,
		launchDelay:  cfg.LaunchDelay,
		syncAlarm:    alarm.NewThrottled(logger, alarm.LocationSyncIssue, cfg.AlarmInterval),
		logger:       logger,
	}
}

// NewTask - фабрика задач для fileop.Map.
func (h *FileOperationHandler) NewTask(op *fileop.Operation) fileop.Task {
	return newFileTask(h, op.PnfsID())
}

// --- Регистрация ---

// HandleLocationUpdate обрабатывает событие об изменении расположения
// (ADD_CACHE_LOCATION, CLEAR_CACHE_LOCATION, CORRUPT_FILE, QOS_MODIFIED).
// Возвращает true, если зарегистрирована новая операция.
func (h *FileOperationHandler) HandleLocationUpdate(ctx context.Context, update *model.FileUpdate) (bool, error) {
	log := h.logger.With(slog.String("pnfsid", string(update.PnfsID)), slog.String("type", string(update.Type)))

	if update.Type != model.MessageQoSModified {
		if update.Pool == "" {
			log.Debug("Обновление без пула, файл, вероятно, удалён")
			return false, nil
		}
		if !h.verifyPoolGroup(update) {
			log.Debug("Пул не входит в resilient-группу", slog.String("pool", update.Pool))
			return false, nil
		}
	}

	ok, err := h.namespace.ValidateAttributes(ctx, update)
	if err != nil || !ok {
		return false, err
	}

	if update.Type == model.MessageQoSModified {
		update.Pool = update.Attributes.Locations[0]
		if !h.verifyPoolGroup(update) {
			log.Debug("Файл не находится в resilient-группе", slog.String("pool", update.Pool))
			return false, nil
		}
	}

	if !h.validateForAction(update, model.NoIndex) {
		log.Debug("Ограничения уже выполнены")
		return false, nil
	}
	return h.ops.Register(update), nil
}

// HandleScannedLocation обрабатывает файл, найденный сканом пула.
// unit ограничивает скан одним storage unit (NoIndex - все).
func (h *FileOperationHandler) HandleScannedLocation(ctx context.Context, update *model.FileUpdate, unit int) (bool, error) {
	ok, err := h.namespace.ValidateAttributes(ctx, update)
	if err != nil || !ok {
		return false, err
	}
	if !h.verifyPoolGroup(update) {
		return false, nil
	}
	if !h.validateForAction(update, unit) {
		return false, nil
	}
	return h.ops.Register(update), nil
}

// verifyPoolGroup определяет resilient-группу пула, если скан не
// передал её явно (пул мог уже покинуть группу).
func (h *FileOperationHandler) verifyPoolGroup(update *model.FileUpdate) bool {
	if update.Group != model.NoIndex {
		return true
	}
	idx, ok := h.pools.PoolIndex(update.Pool)
	if !ok {
		return false
	}
	group, err := h.pools.ResilientPoolGroup(idx)
	if err != nil {
		h.logger.Warn("Не удалось определить группу пула",
			slog.String("pool", update.Pool),
			slog.Any("error", err),
		)
		return false
	}
	update.Group = group
	return group != model.NoIndex
}

// validateForAction вычисляет число требуемых действий по текущим
// расположениям. Возвращает false, если действий не требуется.
func (h *FileOperationHandler) validateForAction(update *model.FileUpdate, scanUnit int) bool {
	attrs := update.Attributes
	unit, ok := h.pools.StorageUnitIndex(attrs)
	if !ok {
		unit = model.NoIndex
	}
	if scanUnit != model.NoIndex && unit != scanUnit {
		return false
	}
	update.Unit = unit

	constraints := h.pools.StorageUnitConstraints(unit)
	members := h.pools.MemberLocations(update.Group, attrs.Locations)
	readable := h.pools.ReadableLocations(members)
	excluded := h.pools.ExcludedLocations(members)
	count := constraints.Required - len(without(readable, excluded))
	switch {
	case count > 0:
		count = max(count-len(excluded), 0)
	case count < 0:
		count = -count
	}
	if count == 0 && unit != model.NoIndex {
		if h.selector.FindLocationToEvict(readable, constraints.OneCopyPer) != "" {
			count = 1
		}
	}
	if count == 0 && !update.Full {
		return false
	}
	update.Count = count
	return true
}

// --- Верификация ---

// HandleVerification заново проверяет расположения файла и выбирает
// следующее действие. Выбранные источник и цель сохраняются в операции.
// Если возвращается VOID, операция уже завершена (void или отчёт об ошибке).
func (h *FileOperationHandler) HandleVerification(ctx context.Context, attrs *model.FileAttributes) model.OperationType {
	pnfsID := attrs.PnfsID
	log := h.logger.With(slog.String("pnfsid", string(pnfsID)))

	op, err := h.ops.Operation(pnfsID)
	if err != nil {
		log.Debug("Операция удалена до верификации")
		return model.OperationVoid
	}

	if err := h.namespace.RefreshLocations(ctx, attrs); err != nil {
		h.completion.TaskFailed(pnfsID, err)
		return model.OperationVoid
	}

	if len(attrs.Locations) == 0 {
		if h.shouldTryToStage(attrs, op) {
			return model.OperationWaitForStage
		}
		return h.inaccessible.HandleNoLocationsForFile(op)
	}

	group := op.PoolGroup()
	members := h.pools.MemberLocations(group, attrs.Locations)
	if len(members) == 0 {
		log.Debug("Расположения файла больше не входят в группу операции", slog.Int("group", group))
		h.ops.VoidOperation(pnfsID)
		return model.OperationVoid
	}

	verified := h.verifyLocations(ctx, pnfsID, members)

	for _, pool := range members {
		info, ok := verified[pool]
		if !ok || !info.Broken {
			continue
		}
		if isOnlySticky(pool, verified) {
			alarm.Raise(h.logger, alarm.InaccessibleFile, "Повреждённая реплика - единственная закреплённая копия",
				slog.String("pnfsid", string(pnfsID)),
				slog.String("pool", pool),
			)
			continue
		}
		log.Debug("Удаление повреждённой реплики", slog.String("pool", pool))
		return h.setRemoveTarget(op, pool)
	}

	readable := h.pools.ReadableLocations(members)
	exist := make([]string, 0, len(readable))
	for _, pool := range readable {
		if info, ok := verified[pool]; ok && info.Exists && !info.Broken {
			exist = append(exist, pool)
		}
	}
	if len(exist) != len(readable) {
		h.syncAlarm.Raise("Расположения в namespace не совпадают с репликами на пулах",
			slog.String("pnfsid", string(pnfsID)),
			slog.Any("namespace", readable),
			slog.Any("verified", exist),
		)
	}

	if h.inaccessible.IsInaccessible(exist, op) {
		if h.shouldTryToStage(attrs, op) {
			return model.OperationWaitForStage
		}
		return h.inaccessible.HandleInaccessibleFile(op)
	}

	unit := op.StorageUnit()
	constraints := h.pools.StorageUnitConstraints(unit)
	if unit != model.NoIndex {
		if evict := h.selector.FindLocationToEvict(exist, constraints.OneCopyPer); evict != "" {
			log.Debug("Нарушено ограничение одной копии на тег", slog.String("evict", evict))
			return h.setRemoveTarget(op, evict)
		}
	}

	excluded := h.pools.ExcludedLocations(members)
	active := without(exist, excluded)
	missing := constraints.Required - len(active)
	if missing > 0 {
		// реплики на исключённых пулах считаются присутствующими, но
		// удаление из-за них не выполняется
		missing = max(missing-len(excluded), 0)
	}

	var source, target string
	var opType model.OperationType
	switch {
	case missing < 0:
		opType = model.OperationRemove
		target = h.presetTarget(op, active, false)
		if target == "" {
			target, err = h.selector.SelectRemoveTarget(active, constraints.OneCopyPer)
		}
	case missing > 0:
		opType = model.OperationCopy
		tried := h.pools.Pools(op.Tried())
		source = h.presetSource(op, exist)
		if source == "" {
			source, err = h.selector.SelectCopySource(exist, tried)
		}
		if err == nil {
			target = h.presetTarget(op, nil, true)
			if slices.Contains(members, target) {
				target = ""
			}
			if target == "" {
				target, err = h.selector.SelectCopyTarget(group, members, tried, constraints.OneCopyPer)
			}
		}
	default:
		log.Debug("Требуемое число реплик достигнуто")
		h.ops.VoidOperation(pnfsID)
		return model.OperationVoid
	}

	if err != nil {
		h.completion.TaskFailed(pnfsID, fileop.Failure(fileop.FailureFatal,
			fmt.Errorf("выбор пула для %s %s: %w", opType, pnfsID, err)))
		return model.OperationVoid
	}
	if err := h.ops.UpdateLocations(pnfsID, source, target); err != nil {
		log.Debug("Операция удалена до выбора пулов", slog.Any("error", err))
		return model.OperationVoid
	}

	log.Debug("Решение по файлу",
		slog.String("type", string(opType)),
		slog.String("source", source),
		slog.String("target", target),
		slog.Int("missing", missing),
	)
	return opType
}

func (h *FileOperationHandler) setRemoveTarget(op *fileop.Operation, pool string) model.OperationType {
	idx, ok := h.pools.PoolIndex(pool)
	if !ok {
		return model.OperationVoid
	}
	op.SetTarget(idx)
	op.IncrementCount()
	return model.OperationRemove
}

// presetSource возвращает уже назначенный источник, если он пригоден.
func (h *FileOperationHandler) presetSource(op *fileop.Operation, exist []string) string {
	src := op.Source()
	if src == model.NoIndex || !h.pools.IsPoolViable(src, false) {
		return ""
	}
	name := h.pools.PoolName(src)
	if !slices.Contains(exist, name) {
		return ""
	}
	return name
}

// presetTarget возвращает уже назначенную цель, если она пригодна.
// candidates ограничивает допустимые цели (nil - без ограничений).
func (h *FileOperationHandler) presetTarget(op *fileop.Operation, candidates []string, writable bool) string {
	tgt := op.Target()
	if tgt == model.NoIndex || !h.pools.IsPoolViable(tgt, writable) {
		return ""
	}
	name := h.pools.PoolName(tgt)
	if candidates != nil && !slices.Contains(candidates, name) {
		return ""
	}
	return name
}

// shouldTryToStage: файл с архивной копией восстанавливается с ленты.
func (h *FileOperationHandler) shouldTryToStage(attrs *model.FileAttributes, op *fileop.Operation) bool {
	if attrs.RetentionPolicy != model.RetentionCustodial {
		return false
	}
	h.logger.Debug("Реплик нет, будет запрошен staging", slog.String("pnfsid", string(attrs.PnfsID)))
	op.SetOpCount(1)
	return true
}

// verifyLocations запрашивает состояние реплик на пулах. Пулы, не
// ответившие на запрос, в результат не попадают.
func (h *FileOperationHandler) verifyLocations(ctx context.Context, pnfsID model.PnfsID, pools []string) map[string]model.ReplicaInfo {
	var mu sync.Mutex
	result := make(map[string]model.ReplicaInfo, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for _, pool := range pools {
		g.Go(func() error {
			info, err := h.replicas.ReplicaInfo(gctx, pool, pnfsID)
			if err != nil {
				h.logger.Debug("Не удалось проверить реплику",
					slog.String("pnfsid", string(pnfsID)),
					slog.String("pool", pool),
					slog.Any("error", err),
				)
				return nil
			}
			mu.Lock()
			result[pool] = info
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// --- Исполнение решений ---

// handleMakeOneCopy запускает копирование с источника операции на цель.
func (h *FileOperationHandler) handleMakeOneCopy(ctx context.Context, attrs *model.FileAttributes, task *fileTask) {
	op, err := h.ops.Operation(attrs.PnfsID)
	if err != nil {
		return
	}
	source, target := h.pools.PoolName(op.Source()), h.pools.PoolName(op.Target())
	if source == "" || target == "" {
		h.completion.TaskFailed(attrs.PnfsID, fileop.Failure(fileop.FailureNewTarget,
			fmt.Errorf("%s: источник или цель копирования не определены", attrs.PnfsID)))
		return
	}
	ct := h.copier.Copy(ctx, migration.Request{
		PnfsID: attrs.PnfsID,
		Source: source,
		Target: target,
		Size:   attrs.Size,
	})
	if ct != nil {
		task.attach(ct)
	}
}

// handleRemoveOneCopy удаляет реплику с цели операции.
func (h *FileOperationHandler) handleRemoveOneCopy(ctx context.Context, attrs *model.FileAttributes) {
	op, err := h.ops.Operation(attrs.PnfsID)
	if err != nil {
		return
	}
	target := h.pools.PoolName(op.Target())
	if target == "" {
		h.completion.TaskFailed(attrs.PnfsID, fileop.Failure(fileop.FailureNewTarget,
			fmt.Errorf("%s: цель удаления не определена", attrs.PnfsID)))
		return
	}
	if err := h.removeTarget(ctx, attrs.PnfsID, target); err != nil {
		h.completion.TaskFailed(attrs.PnfsID, err)
		return
	}
	h.completion.TaskCompleted(attrs.PnfsID)
}

// removeTarget удаляет реплику и проверяет, что она исчезла.
// Отсутствие реплики считается успехом.
func (h *FileOperationHandler) removeTarget(ctx context.Context, pnfsID model.PnfsID, pool string) error {
	err := h.replicas.RemoveReplica(ctx, pool, pnfsID)
	if err != nil && !errors.Is(err, poolclient.ErrReplicaNotFound) {
		return fmt.Errorf("удаление %s с %s: %w", pnfsID, pool, err)
	}

	info, err := h.replicas.ReplicaInfo(ctx, pool, pnfsID)
	if err != nil {
		h.logger.Debug("Не удалось проверить удаление реплики",
			slog.String("pnfsid", string(pnfsID)),
			slog.String("pool", pool),
			slog.Any("error", err),
		)
		return nil
	}
	if info.Exists {
		return fmt.Errorf("%s на %s: %w", pnfsID, pool, ErrReplicaPresent)
	}
	h.logger.Debug("Реплика удалена",
		slog.String("pnfsid", string(pnfsID)),
		slog.String("pool", pool),
	)
	return nil
}

// handleStaging запрашивает у placement authority read-пул в группе
// операции и не ждёт завершения: файл вернётся событием ADD_CACHE_LOCATION.
func (h *FileOperationHandler) handleStaging(ctx context.Context, attrs *model.FileAttributes) {
	op, err := h.ops.Operation(attrs.PnfsID)
	if err != nil {
		return
	}
	group, _ := h.pools.Group(op.PoolGroup())

	reply, err := h.stager.SelectReadPool(ctx, placement.NewSelectReadPoolRequest(attrs, group))
	if err != nil {
		h.completion.TaskFailed(attrs.PnfsID, err)
		return
	}
	h.completion.TaskCompleted(attrs.PnfsID)
	if reply != nil {
		h.HandleStagingReply(ctx, *reply)
	}
}

// HandleStagingReply повторяет staging в resilient-группе файла, если
// placement authority выбрала пул по устаревшей топологии.
func (h *FileOperationHandler) HandleStagingReply(ctx context.Context, reply model.StagingReply) {
	log := h.logger.With(slog.String("pnfsid", string(reply.PnfsID)))
	if reply.ReturnCode != model.StagingOutOfDate {
		log.Debug("Ответ staging не требует действий", slog.String("return_code", string(reply.ReturnCode)))
		return
	}

	attrs, err := h.namespace.RequiredAttributes(ctx, reply.PnfsID)
	if err != nil {
		log.Warn("Не удалось повторить staging", slog.Any("error", err))
		return
	}
	for _, pool := range h.pools.ReadableLocations(attrs.Locations) {
		if h.pools.IsResilientPool(pool) {
			log.Debug("У файла уже есть читаемая resilient-реплика", slog.String("pool", pool))
			return
		}
	}

	groupIdx := h.pools.ResilientGroupOf(attrs.Locations)
	if groupIdx == model.NoIndex {
		log.Debug("Файл не относится к resilient-группе, staging не повторяется")
		return
	}
	group, _ := h.pools.Group(groupIdx)

	err = h.taskService.Submit(func(ctx context.Context) {
		if _, err := h.stager.SelectReadPool(ctx, placement.NewSelectReadPoolRequest(attrs, group)); err != nil {
			log.Warn("Повторный запрос staging не удался",
				slog.String("pool_group", group),
				slog.Any("error", err),
			)
			return
		}
		log.Info("Staging повторён в resilient-группе", slog.String("pool_group", group))
	})
	if err != nil {
		log.Warn("Повторный запрос staging не поставлен в очередь", slog.Any("error", err))
	}
}

// HandleMigrationCopyFinished передаёт уведомление о завершении
// копирования задаче операции.
func (h *FileOperationHandler) HandleMigrationCopyFinished(msg model.CopyFinished) {
	if err := h.ops.RelayCopyFinished(msg); err != nil {
		h.logger.Debug("Уведомление о копировании без операции",
			slog.String("pnfsid", string(msg.PnfsID)),
			slog.String("task_id", msg.TaskID),
			slog.Any("error", err),
		)
	}
}

// HandleBrokenFileLocation асинхронно удаляет повреждённую реплику и
// при наличии других реплик регистрирует её восстановление.
func (h *FileOperationHandler) HandleBrokenFileLocation(pnfsID model.PnfsID, pool string) {
	err := h.taskService.Submit(func(ctx context.Context) {
		h.handleBrokenFileLocation(ctx, pnfsID, pool)
	})
	if err != nil {
		h.logger.Warn("Обработка повреждённой реплики не поставлена в очередь",
			slog.String("pnfsid", string(pnfsID)),
			slog.String("pool", pool),
			slog.Any("error", err),
		)
	}
}

func (h *FileOperationHandler) handleBrokenFileLocation(ctx context.Context, pnfsID model.PnfsID, pool string) {
	log := h.logger.With(slog.String("pnfsid", string(pnfsID)), slog.String("pool", pool))

	attrs, err := h.namespace.RequiredAttributes(ctx, pnfsID)
	if errors.Is(err, ErrFileNotFound) {
		log.Debug("Файл удалён, повреждённая реплика не обрабатывается")
		return
	}
	if err != nil {
		log.Error("Не удалось обработать повреждённую реплику", slog.Any("error", err))
		return
	}
	if !h.pools.IsResilientPool(pool) {
		log.Debug("Пул не входит в resilient-группу")
		return
	}

	verified := h.verifyLocations(ctx, pnfsID, attrs.Locations)
	info, ok := verified[pool]
	if !ok || !info.Exists {
		log.Debug("Реплика уже отсутствует")
		return
	}
	if isOnlySticky(pool, verified) {
		alarm.Raise(h.logger, alarm.InaccessibleFile, "Восстановление невозможно: повреждена единственная закреплённая копия",
			slog.String("pnfsid", string(pnfsID)),
			slog.String("pool", pool),
		)
		return
	}

	if err := h.removeTarget(ctx, pnfsID, pool); err != nil {
		log.Error("Не удалось удалить повреждённую реплику", slog.Any("error", err))
		return
	}

	remaining := without(attrs.Locations, []string{pool})
	if h.pools.CountableLocations(remaining) == 0 {
		alarm.Raise(h.logger, alarm.InaccessibleFile, "Повреждённая реплика удалена, других читаемых копий нет",
			slog.String("pnfsid", string(pnfsID)),
			slog.String("pool", pool),
		)
		return
	}

	update := model.NewFileUpdate(pnfsID, pool, model.MessageClearCacheLocation)
	if _, err := h.HandleLocationUpdate(ctx, update); err != nil {
		log.Warn("Не удалось зарегистрировать восстановление реплики", slog.Any("error", err))
	}
}

// isOnlySticky сообщает, является ли реплика на pool единственной
// закреплённой среди проверенных.
func isOnlySticky(pool string, verified map[string]model.ReplicaInfo) bool {
	if info, ok := verified[pool]; !ok || !info.Sticky {
		return false
	}
	for p, info := range verified {
		if p != pool && info.Sticky && info.Exists && !info.Broken {
			return false
		}
	}
	return true
}

func without(list, exclude []string) []string {
	result := make([]string, 0, len(list))
	for _, v := range list {
		if !slices.Contains(exclude, v) {
			result = append(result, v)
		}
	}
	return result
}
