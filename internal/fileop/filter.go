package fileop

import (
	"slices"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// Filter отбирает операции для отмены, подсчёта и листинга.
// Пустые поля не участвуют в сравнении; заполненные объединяются по "и".
type Filter struct {
	PnfsIDs []model.PnfsID
	States  []State
	// Pool совпадает с родителем, источником или целью
	Pool   string
	Parent string
	Source string
	Target string
	Group  string
	Unit   string

	RetentionPolicy model.RetentionPolicy
	UpdatedBefore   time.Time
	UpdatedAfter    time.Time

	// ForceRemoval - при отмене удалить операцию, а не уменьшить opCount
	ForceRemoval bool

	// индекс Pool, зафиксированный при постановке фильтра отмены:
	// к моменту применения пул может уже отсутствовать в топологии
	poolIndex    int
	hasPoolIndex bool
}

// PoolFilter отбирает операции, ссылающиеся на пул как на родителя,
// источник или цель.
func PoolFilter(pool string, forceRemoval bool) Filter {
	return Filter{Pool: pool, ForceRemoval: forceRemoval}
}

// ParentFilter отбирает фоновые операции скана пула.
func ParentFilter(pool string, forceRemoval bool) Filter {
	return Filter{Parent: pool, ForceRemoval: forceRemoval}
}

// Matches проверяет операцию на соответствие фильтру.
func (f *Filter) Matches(op *Operation, pools *poolinfo.Map) bool {
	s := op.Snapshot(pools)

	if len(f.PnfsIDs) > 0 && !slices.Contains(f.PnfsIDs, s.PnfsID) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, s.State) {
		return false
	}
	if f.Pool != "" && !f.matchesPool(op, s) {
		return false
	}
	if f.Parent != "" && s.Parent != f.Parent {
		return false
	}
	if f.Source != "" && s.Source != f.Source {
		return false
	}
	if f.Target != "" && s.Target != f.Target {
		return false
	}
	if f.Group != "" && s.Group != f.Group {
		return false
	}
	if f.Unit != "" && s.Unit != f.Unit {
		return false
	}
	if f.RetentionPolicy != "" && s.RetentionPolicy != f.RetentionPolicy {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.LastUpdate.Before(f.UpdatedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && !s.LastUpdate.After(f.UpdatedAfter) {
		return false
	}
	return true
}

func (f *Filter) matchesPool(op *Operation, s Snapshot) bool {
	if s.Parent == f.Pool || s.Source == f.Pool || s.Target == f.Pool {
		return true
	}
	if !f.hasPoolIndex {
		return false
	}
	return op.Parent() == f.poolIndex || op.Source() == f.poolIndex || op.Target() == f.poolIndex
}
