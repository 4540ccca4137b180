package fileop

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// State - состояние операции над файлом.
type State string

const (
	// StateUninitialized - операция создана, но ещё не поставлена в очередь
	StateUninitialized State = "UNINITIALIZED"
	// StateWaiting - следующая задача готова к запуску
	StateWaiting State = "WAITING"
	// StateRunning - задача передана исполнителю
	StateRunning State = "RUNNING"
	// StateDone - текущая задача успешно завершена
	StateDone State = "DONE"
	// StateCanceled - текущая задача отменена
	StateCanceled State = "CANCELED"
	// StateFailed - текущая задача завершилась ошибкой
	StateFailed State = "FAILED"
	// StateVoid - дальнейших действий не требуется
	StateVoid State = "VOID"
	// StateAborted - попытки исчерпаны
	StateAborted State = "ABORTED"
)

// IsValid сообщает, является ли s известным состоянием.
func (s State) IsValid() bool {
	switch s {
	case StateUninitialized, StateWaiting, StateRunning, StateDone,
		StateCanceled, StateFailed, StateVoid, StateAborted:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, завершена ли текущая задача операции.
func (s State) IsTerminal() bool {
	switch s {
	case StateUninitialized, StateWaiting, StateRunning:
		return false
	default:
		return true
	}
}

// Task - исполняемая задача операции (верификация + копирование/удаление).
type Task interface {
	// Submit запускает задачу асинхронно.
	Submit()
	// Cancel отменяет задачу (best effort).
	Cancel()
	// Relay передаёт задаче уведомление о завершении копирования.
	Relay(msg model.CopyFinished)
	// Type возвращает решение, принятое задачей.
	Type() model.OperationType
}

// TaskFactory создаёт задачу для операции, переводимой в RUNNING.
type TaskFactory func(op *Operation) Task

// Operation - операция над одним файлом. На каждый pnfsid в карте
// существует не более одной операции; повторные триггеры увеличивают opCount.
type Operation struct {
	mu sync.Mutex

	pnfsID          model.PnfsID
	size            int64
	retentionPolicy model.RetentionPolicy

	poolGroup   int
	storageUnit int
	parent      int
	source      int
	target      int
	// parentName сохраняется отдельно: пул может покинуть топологию
	// раньше, чем завершится его скан
	parentName string

	state    State
	lastType model.OperationType
	opCount  int
	retried  int
	tried    map[int]struct{}

	task       Task
	err        error
	lastUpdate time.Time
}

func newOperation(update *model.FileUpdate, poolIndex int) *Operation {
	op := &Operation{
		pnfsID:      update.PnfsID,
		size:        update.Size(),
		poolGroup:   update.Group,
		storageUnit: update.Unit,
		parent:      model.NoIndex,
		source:      model.NoIndex,
		target:      model.NoIndex,
		state:       StateUninitialized,
		opCount:     update.Count,
		lastUpdate:  time.Now(),
	}
	if update.Attributes != nil {
		op.retentionPolicy = update.Attributes.RetentionPolicy
	}
	if update.Parent != "" {
		op.parent = poolIndex
		op.parentName = update.Parent
	} else {
		op.source = poolIndex
	}
	return op
}

// PnfsID возвращает идентификатор файла.
func (o *Operation) PnfsID() model.PnfsID { return o.pnfsID }

// Size возвращает размер файла.
func (o *Operation) Size() int64 { return o.size }

// PoolGroup возвращает индекс resilient-группы.
func (o *Operation) PoolGroup() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.poolGroup
}

// StorageUnit возвращает индекс storage unit или model.NoIndex.
func (o *Operation) StorageUnit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.storageUnit
}

// RetentionPolicy возвращает политику хранения файла.
func (o *Operation) RetentionPolicy() model.RetentionPolicy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retentionPolicy
}

// Parent возвращает индекс сканируемого пула или model.NoIndex.
func (o *Operation) Parent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parent
}

// Source возвращает индекс пула-источника или model.NoIndex.
func (o *Operation) Source() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.source
}

// Target возвращает индекс пула-цели или model.NoIndex.
func (o *Operation) Target() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.target
}

// SetTarget задаёт пул-цель.
func (o *Operation) SetTarget(target int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.target = target
}

// OpCount возвращает число оставшихся действий.
func (o *Operation) OpCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opCount
}

// SetOpCount задаёт число оставшихся действий.
func (o *Operation) SetOpCount(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opCount = n
}

// IncrementCount добавляет одно действие.
func (o *Operation) IncrementCount() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opCount++
	o.lastUpdate = time.Now()
}

// Retried возвращает число повторов текущего действия.
func (o *Operation) Retried() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retried
}

// Tried возвращает отсортированные индексы уже опробованных пулов.
func (o *Operation) Tried() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Sorted(maps.Keys(o.tried))
}

// State возвращает текущее состояние.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err возвращает ошибку последней задачи.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// LastUpdate возвращает время последнего изменения.
func (o *Operation) LastUpdate() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUpdate
}

// ParentName возвращает имя сканируемого пула (пусто для операций по событиям).
func (o *Operation) ParentName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parentName
}

// IsBackground сообщает, порождена ли операция сканом пула.
func (o *Operation) IsBackground() bool {
	return o.ParentName() != ""
}

// PrincipalPool возвращает пул, к которому относится операция:
// родитель, иначе источник, иначе цель.
func (o *Operation) PrincipalPool(pools *poolinfo.Map) string {
	o.mu.Lock()
	parentName, source, target := o.parentName, o.source, o.target
	o.mu.Unlock()

	if parentName != "" {
		return parentName
	}
	for _, idx := range []int{source, target} {
		if idx == model.NoIndex {
			continue
		}
		if name, ok := pools.Pool(idx); ok {
			return name
		}
	}
	return "UNDEFINED"
}

// Relay передаёт задаче уведомление о завершении копирования.
// Возвращает false, если задачи нет.
func (o *Operation) Relay(msg model.CopyFinished) bool {
	o.mu.Lock()
	task := o.task
	o.mu.Unlock()
	if task == nil {
		return false
	}
	task.Relay(msg)
	return true
}

// Type возвращает решение текущей задачи (VOID без задачи).
func (o *Operation) Type() model.OperationType {
	o.mu.Lock()
	task := o.task
	o.mu.Unlock()
	if task == nil {
		return model.OperationVoid
	}
	return task.Type()
}

// --- Переходы состояний (вызываются картой) ---

func (o *Operation) merge(other *Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if other.storageUnit != model.NoIndex {
		o.storageUnit = other.storageUnit
	}
	o.opCount += other.opCount
	o.lastUpdate = time.Now()
}

func (o *Operation) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

func (o *Operation) setTask(t Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.task = t
}

func (o *Operation) setLocations(source, target int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if source != model.NoIndex {
		o.source = source
	}
	if target != model.NoIndex {
		o.target = target
	}
}

func (o *Operation) clearLocations() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.source = model.NoIndex
	o.target = model.NoIndex
}

// complete фиксирует результат задачи. false - операция уже в терминальном состоянии.
func (o *Operation) complete(err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsTerminal() {
		return false
	}
	if err != nil {
		o.err = err
		o.state = StateFailed
	} else {
		o.state = StateDone
		o.opCount--
		o.retried = 0
	}
	o.lastUpdate = time.Now()
	return true
}

func (o *Operation) void() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsTerminal() {
		return false
	}
	o.state = StateVoid
	o.opCount = 0
	o.retried = 0
	o.source = model.NoIndex
	o.target = model.NoIndex
	o.tried = nil
	o.lastUpdate = time.Now()
	return true
}

func (o *Operation) abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateAborted
	o.opCount = 0
	o.source = model.NoIndex
	o.target = model.NoIndex
	o.lastUpdate = time.Now()
}

// cancelCurrent отменяет текущую задачу и уменьшает opCount.
func (o *Operation) cancelCurrent() bool {
	o.mu.Lock()
	if o.state.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	o.state = StateCanceled
	o.opCount--
	o.retried = 0
	o.lastUpdate = time.Now()
	task := o.task
	o.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	return true
}

func (o *Operation) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateWaiting
	o.task = nil
	o.err = nil
	o.lastUpdate = time.Now()
}

func (o *Operation) resetSourceAndTarget() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried = 0
	o.source = model.NoIndex
	o.target = model.NoIndex
}

func (o *Operation) addSourceToTried() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addTriedLocked(o.source)
}

func (o *Operation) addTargetToTried() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addTriedLocked(o.target)
}

func (o *Operation) addTriedLocked(idx int) {
	if idx == model.NoIndex {
		return
	}
	if o.tried == nil {
		o.tried = make(map[int]struct{})
	}
	o.tried[idx] = struct{}{}
}

func (o *Operation) incrementRetried() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried++
	return o.retried
}

func (o *Operation) recordLastType() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task != nil {
		o.lastType = o.task.Type()
	}
}

func (o *Operation) submit() {
	o.mu.Lock()
	task := o.task
	o.mu.Unlock()
	if task != nil {
		task.Submit()
	}
}

// Snapshot - копия состояния операции с именами вместо индексов.
type Snapshot struct {
	PnfsID          model.PnfsID          `json:"pnfsid"`
	State           State                 `json:"state"`
	LastType        model.OperationType   `json:"last_type,omitempty"`
	RetentionPolicy model.RetentionPolicy `json:"retention_policy,omitempty"`
	Size            int64                 `json:"size"`
	Group           string                `json:"group,omitempty"`
	Unit            string                `json:"storage_unit,omitempty"`
	Parent          string                `json:"parent,omitempty"`
	Source          string                `json:"source,omitempty"`
	Target          string                `json:"target,omitempty"`
	Tried           []string              `json:"tried,omitempty"`
	OpCount         int                   `json:"op_count"`
	Retried         int                   `json:"retried"`
	Error           string                `json:"error,omitempty"`
	LastUpdate      time.Time             `json:"last_update"`
}

// Snapshot возвращает копию состояния операции.
func (o *Operation) Snapshot(pools *poolinfo.Map) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		PnfsID:          o.pnfsID,
		State:           o.state,
		LastType:        o.lastType,
		RetentionPolicy: o.retentionPolicy,
		Size:            o.size,
		Parent:          o.parentName,
		Source:          pools.PoolName(o.source),
		Target:          pools.PoolName(o.target),
		Tried:           pools.Pools(slices.Sorted(maps.Keys(o.tried))),
		OpCount:         o.opCount,
		Retried:         o.retried,
		LastUpdate:      o.lastUpdate,
	}
	s.Group, _ = pools.Group(o.poolGroup)
	s.Unit, _ = pools.Unit(o.storageUnit)
	if o.err != nil {
		s.Error = o.err.Error()
	}
	return s
}

func (o *Operation) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmt.Sprintf("%s (%s %s)(%s %s)(parent %d, count %d, retried %d)",
		o.lastUpdate.Format(time.RFC3339), o.pnfsID, o.retentionPolicy,
		o.lastType, o.state, o.parent, o.opCount, o.retried)
}
