// Пакет poolstatus - конечный автомат статуса пула с точки зрения resilience.
//
// Статусы: UNINITIALIZED → (DOWN | READ_ONLY | ENABLED).
// Каждое обновление статуса даёт NextAction:
//   - UP_TO_DOWN - пул перестал быть читаемым, нужен скан его файлов
//   - DOWN_TO_UP - пул снова читаем (или впервые инициализирован)
//   - NOP - значимого перехода нет
//
// Потокобезопасен через sync.RWMutex.
package poolstatus

import (
	"fmt"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

// Status - статус пула для resilience.
type Status string

const (
	Uninitialized Status = "UNINITIALIZED"
	Down          Status = "DOWN"
	ReadOnly      Status = "READ_ONLY"
	Enabled       Status = "ENABLED"
)

// NextAction - действие, вызванное сменой статуса.
type NextAction string

const (
	NOP      NextAction = "NOP"
	UpToDown NextAction = "UP_TO_DOWN"
	DownToUp NextAction = "DOWN_TO_UP"
)

// FromMode вычисляет статус по режиму пула.
// Пустой режим означает, что информация о пуле ещё не получена.
func FromMode(mode model.PoolMode) Status {
	switch mode {
	case model.PoolModeEnabled:
		return Enabled
	case model.PoolModeReadOnly:
		return ReadOnly
	case model.PoolModeDisabled:
		return Down
	default:
		return Uninitialized
	}
}

// IsUp сообщает, доступен ли пул для чтения.
func (s Status) IsUp() bool {
	return s == Enabled || s == ReadOnly
}

// MessageType возвращает тип сообщения для скана пула в этом статусе.
func (s Status) MessageType() model.MessageType {
	if s == Down {
		return model.MessagePoolStatusDown
	}
	return model.MessagePoolStatusUp
}

// nextActions - матрица переходов: текущий статус → входящий → действие.
// Отсутствующая пара означает NOP.
var nextActions = map[Status]map[Status]NextAction{
	Uninitialized: {Down: UpToDown, ReadOnly: DownToUp, Enabled: DownToUp},
	Down:          {ReadOnly: DownToUp, Enabled: DownToUp},
	ReadOnly:      {Down: UpToDown},
	Enabled:       {Down: UpToDown},
}

// Tracker хранит текущий и предыдущий статус пула.
type Tracker struct {
	mu         sync.RWMutex
	current    Status
	last       Status
	lastChange time.Time
}

// NewTracker создаёт трекер в статусе UNINITIALIZED.
func NewTracker() *Tracker {
	return &Tracker{current: Uninitialized, last: Uninitialized}
}

// Current возвращает текущий статус.
func (t *Tracker) Current() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Last возвращает статус, при котором пул был последний раз отсканирован.
func (t *Tracker) Last() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// MarkScanned фиксирует текущий статус как статус последнего скана.
func (t *Tracker) MarkScanned() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = t.current
}

// IsDownAndScanned сообщает, что пул недоступен и уже был отсканирован
// в этом статусе.
func (t *Tracker) IsDownAndScanned() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current == Down && t.last == Down
}

// Reset возвращает трекер в UNINITIALIZED (после повторного включения пула).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = Uninitialized
}

// Update принимает входящий статус и возвращает вызванное действие.
// Статус обновляется в любом случае.
func (t *Tracker) Update(incoming Status) (NextAction, error) {
	if !isValid(incoming) {
		return NOP, fmt.Errorf("недопустимый статус пула: %q", incoming)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	action, ok := nextActions[t.current][incoming]
	if !ok {
		action = NOP
	}
	if t.current != incoming {
		t.lastChange = time.Now().UTC()
	}
	t.current = incoming
	return action, nil
}

// LastChange возвращает время последней смены статуса.
func (t *Tracker) LastChange() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastChange
}

// isValid проверяет, является ли статус допустимым.
func isValid(s Status) bool {
	switch s {
	case Uninitialized, Down, ReadOnly, Enabled:
		return true
	default:
		return false
	}
}

// ParseStatus преобразует строку в Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !isValid(st) {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: UNINITIALIZED, DOWN, READ_ONLY, ENABLED", s)
	}
	return st, nil
}
