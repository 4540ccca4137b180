package poolop

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrPoolNotFound - пул отсутствует в карте операций
	ErrPoolNotFound = errors.New("пул не найден")
	// ErrNoScanner - исполнитель сканов не задан
	ErrNoScanner = errors.New("исполнитель сканов не задан")
)

// Filter отбирает операции над пулами. Пустые поля не участвуют в сравнении.
type Filter struct {
	Pools  []string
	States []State
	// UpdatedBefore / UpdatedAfter - по времени последнего обновления
	UpdatedBefore time.Time
	UpdatedAfter  time.Time
}

// Matches проверяет операцию пула на соответствие фильтру.
func (f *Filter) Matches(pool string, op *Operation) bool {
	if op == nil {
		return false
	}
	if len(f.Pools) > 0 && !slices.Contains(f.Pools, pool) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, op.state) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !op.lastUpdate.Before(f.UpdatedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && !op.lastUpdate.After(f.UpdatedAfter) {
		return false
	}
	return true
}
