// Пакет poolinfo - индекс топологии кластера: пулы, группы пулов,
// storage units и их ограничения размещения.
//
// Карта читается постоянно и изменяется только в Apply (применение diff
// при получении нового снимка топологии), поэтому защищена sync.RWMutex.
// Запросы по неизвестному индексу возвращают пустой результат.
package poolinfo

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

// Map - снимок топологии со стабильными целочисленными индексами.
type Map struct {
	mu sync.RWMutex

	pools  indexList
	groups indexList
	units  indexList

	resilient   map[int]bool
	constraints map[int]model.StorageUnitConstraints
	info        map[int]*PoolInformation

	poolGroupToPool multimap
	poolToPoolGroup multimap
	unitToPoolGroup multimap
	poolGroupToUnit multimap
}

// NewMap создаёт пустую карту.
func NewMap() *Map {
	return &Map{
		pools:           newIndexList(),
		groups:          newIndexList(),
		units:           newIndexList(),
		resilient:       make(map[int]bool),
		constraints:     make(map[int]model.StorageUnitConstraints),
		info:            make(map[int]*PoolInformation),
		poolGroupToPool: make(multimap),
		poolToPoolGroup: make(multimap),
		unitToPoolGroup: make(multimap),
		poolGroupToUnit: make(multimap),
	}
}

// --- Индексы ---

// Pool возвращает имя пула по индексу.
func (m *Map) Pool(index int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools.get(index)
}

// PoolName возвращает имя пула или пустую строку.
func (m *Map) PoolName(index int) string {
	name, _ := m.Pool(index)
	return name
}

// PoolIndex возвращает индекс пула по имени.
func (m *Map) PoolIndex(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools.indexOf(name)
}

// Group возвращает имя группы пулов по индексу.
func (m *Map) Group(index int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups.get(index)
}

// GroupIndex возвращает индекс группы пулов по имени.
func (m *Map) GroupIndex(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups.indexOf(name)
}

// Unit возвращает имя storage unit по индексу.
func (m *Map) Unit(index int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.units.get(index)
}

// UnitIndex возвращает индекс storage unit по имени.
func (m *Map) UnitIndex(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.units.indexOf(name)
}

// StorageUnitIndex возвращает индекс storage unit файла (class@hsm).
func (m *Map) StorageUnitIndex(attrs *model.FileAttributes) (int, bool) {
	return m.UnitIndex(attrs.StorageUnitKey())
}

// PoolIndices преобразует имена пулов в индексы, пропуская неизвестные.
func (m *Map) PoolIndices(locations []string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]int, 0, len(locations))
	for _, l := range locations {
		if i, ok := m.pools.indexOf(l); ok {
			result = append(result, i)
		}
	}
	return result
}

// Pools преобразует индексы в имена, пропуская неизвестные.
func (m *Map) Pools(indices []int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poolNamesLocked(indices)
}

func (m *Map) poolNamesLocked(indices []int) []string {
	result := make([]string, 0, len(indices))
	for _, i := range indices {
		if name, ok := m.pools.get(i); ok {
			result = append(result, name)
		}
	}
	return result
}

// --- Группы и resilience ---

// IsResilientGroup сообщает, помечена ли группа как resilient.
func (m *Map) IsResilientGroup(group int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resilient[group]
}

// ResilientPoolGroup возвращает индекс единственной resilient-группы пула
// или model.NoIndex. Принадлежность к нескольким resilient-группам
// означает неконсистентную конфигурацию.
func (m *Map) ResilientPoolGroup(pool int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resilientPoolGroupLocked(pool)
}

func (m *Map) resilientPoolGroupLocked(pool int) (int, error) {
	var found []int
	for _, g := range m.poolToPoolGroup.get(pool) {
		if m.resilient[g] {
			found = append(found, g)
		}
	}
	switch len(found) {
	case 0:
		return model.NoIndex, nil
	case 1:
		return found[0], nil
	default:
		name, _ := m.pools.get(pool)
		groups := make([]string, 0, len(found))
		for _, g := range found {
			gname, _ := m.groups.get(g)
			groups = append(groups, gname)
		}
		return model.NoIndex, fmt.Errorf("карта пулов неконсистентна: пул %s входит в несколько resilient-групп: %v", name, groups)
	}
}

// IsResilientPool сообщает, входит ли пул в resilient-группу.
func (m *Map) IsResilientPool(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.pools.indexOf(name)
	if !ok {
		return false
	}
	g, err := m.resilientPoolGroupLocked(i)
	return err == nil && g != model.NoIndex
}

// ResilientPools возвращает отсортированный список resilient-пулов.
func (m *Map) ResilientPools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []string
	for _, name := range m.pools.all() {
		i, _ := m.pools.indexOf(name)
		if g, err := m.resilientPoolGroupLocked(i); err == nil && g != model.NoIndex {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// ResilientGroupOf возвращает resilient-группу первого из пулов, который
// в неё входит, или model.NoIndex.
func (m *Map) ResilientGroupOf(locations []string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range locations {
		i, ok := m.pools.indexOf(l)
		if !ok {
			continue
		}
		if g, err := m.resilientPoolGroupLocked(i); err == nil && g != model.NoIndex {
			return g
		}
	}
	return model.NoIndex
}

// PoolsOfGroup возвращает индексы пулов группы.
func (m *Map) PoolsOfGroup(group int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poolGroupToPool.get(group)
}

// StorageUnitsFor возвращает индексы storage units, связанных с группой.
func (m *Map) StorageUnitsFor(group int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poolGroupToUnit.get(group)
}

// PoolGroupsFor возвращает индексы групп, связанных со storage unit.
func (m *Map) PoolGroupsFor(unit int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unitToPoolGroup.get(unit)
}

// StorageUnitConstraints возвращает ограничения storage unit.
// Для неизвестного unit возвращается required=1 без тегов.
func (m *Map) StorageUnitConstraints(unit int) model.StorageUnitConstraints {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.constraints[unit]
	if !ok {
		return model.DefaultConstraints
	}
	return c
}

// --- Состояние пулов ---

// PoolInformation возвращает копию живого состояния пула.
func (m *Map) PoolInformation(index int) (PoolInformation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.info[index]
	if !ok {
		return PoolInformation{}, false
	}
	return info.clone(), true
}

// PoolInfos возвращает состояние всех пулов, отсортированное по имени.
func (m *Map) PoolInfos() []PoolInformation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]PoolInformation, 0, len(m.info))
	for _, info := range m.info {
		result = append(result, info.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// PoolURL возвращает адрес API пула.
func (m *Map) PoolURL(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.pools.indexOf(name)
	if !ok {
		return "", false
	}
	info, ok := m.info[i]
	if !ok || info.URL == "" {
		return "", false
	}
	return info.URL, true
}

// Tags возвращает теги пула (nil для неизвестного пула).
func (m *Map) Tags(pool int) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tagsLocked(pool)
}

func (m *Map) tagsLocked(pool int) map[string]string {
	info, ok := m.info[pool]
	if !ok {
		return nil
	}
	return info.Tags
}

// TagsOfPool возвращает теги пула по имени.
func (m *Map) TagsOfPool(name string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tagsByNameLocked(name)
}

func (m *Map) tagsByNameLocked(name string) map[string]string {
	i, ok := m.pools.indexOf(name)
	if !ok {
		return nil
	}
	return m.tagsLocked(i)
}

// IsPoolViable сообщает, доступен ли пул для чтения (или записи при writable).
func (m *Map) IsPoolViable(pool int, writable bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viableLocked(pool, writable)
}

func (m *Map) viableLocked(pool int, writable bool) bool {
	info, ok := m.info[pool]
	if !ok {
		return false
	}
	if writable {
		return info.CanWrite()
	}
	return info.CanRead()
}

// IsInitialized сообщает, получен ли режим пула.
func (m *Map) IsInitialized(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.pools.indexOf(name)
	if !ok {
		return false
	}
	info, ok := m.info[i]
	return ok && info.IsInitialized()
}

// ValidLocations фильтрует индексы пулов, доступных для чтения или записи.
func (m *Map) ValidLocations(pools []int, writable bool) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]int, 0, len(pools))
	for _, p := range pools {
		if m.viableLocked(p, writable) {
			result = append(result, p)
		}
	}
	return result
}

// ReadableLocations оставляет пулы, которые сейчас доступны для чтения.
func (m *Map) ReadableLocations(locations []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, 0, len(locations))
	for _, l := range locations {
		if i, ok := m.pools.indexOf(l); ok && m.viableLocked(i, false) {
			result = append(result, l)
		}
	}
	return result
}

// CountableLocations считает реплики, которые читаемы или намеренно исключены.
func (m *Map) CountableLocations(locations []string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, l := range locations {
		i, ok := m.pools.indexOf(l)
		if !ok {
			continue
		}
		if info, ok := m.info[i]; ok && info.IsCountable() {
			count++
		}
	}
	return count
}

// ExcludedLocations возвращает пулы из списка, исключённые из выбора.
func (m *Map) ExcludedLocations(locations []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []string
	for _, l := range locations {
		i, ok := m.pools.indexOf(l)
		if !ok {
			continue
		}
		if info, ok := m.info[i]; ok && info.Excluded {
			result = append(result, l)
		}
	}
	return result
}

// MemberLocations оставляет пулы, которые всё ещё входят в группу.
func (m *Map) MemberLocations(group int, locations []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, 0, len(locations))
	for _, l := range locations {
		if i, ok := m.pools.indexOf(l); ok && m.poolGroupToPool.contains(group, i) {
			result = append(result, l)
		}
	}
	return result
}

// MemberPools возвращает пулы группы из списка, доступные для чтения
// (или записи при writable).
func (m *Map) MemberPools(group int, locations []string, writable bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, 0, len(locations))
	for _, l := range locations {
		i, ok := m.pools.indexOf(l)
		if !ok || !m.poolGroupToPool.contains(group, i) {
			continue
		}
		if m.viableLocked(i, writable) {
			result = append(result, l)
		}
	}
	return result
}

// GroupPoolNames возвращает имена всех пулов группы.
func (m *Map) GroupPoolNames(group int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := m.poolNamesLocked(m.poolGroupToPool.get(group))
	sort.Strings(names)
	return names
}

// PoolState возвращает состояние пула для PoolOperationMap.
func (m *Map) PoolState(pool string) PoolStateUpdate {
	return m.PoolStateFor(pool, model.NoIndex, model.NoIndex, "")
}

// PoolStateFor возвращает состояние пула с указанием изменения членства
// или storage unit.
func (m *Map) PoolStateFor(pool string, addedTo, removedFrom int, unit string) PoolStateUpdate {
	update := PoolStateUpdate{
		Pool:        pool,
		AddedTo:     addedTo,
		RemovedFrom: removedFrom,
		StorageUnit: unit,
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.pools.indexOf(pool); ok {
		if info, ok := m.info[i]; ok {
			update.Mode = info.Mode
		}
	}
	return update
}

// UpdatePoolMode обновляет режим пула по сообщению о смене статуса.
func (m *Map) UpdatePoolMode(pool string, mode model.PoolMode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.pools.indexOf(pool)
	if !ok {
		return false
	}
	info, ok := m.info[i]
	if !ok {
		info = &PoolInformation{Name: pool, Index: i}
		m.info[i] = info
	}
	info.Mode = mode
	info.LastUpdate = time.Now().UTC()
	return true
}

// SetExcluded помечает пул как исключённый из выбора (или снимает пометку).
func (m *Map) SetExcluded(pool string, excluded bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.pools.indexOf(pool)
	if !ok {
		return false
	}
	info, ok := m.info[i]
	if !ok {
		return false
	}
	info.Excluded = excluded
	return true
}

// --- Проверка ограничений ---

// VerifyConstraints проверяет, что пулы группы могут удовлетворить
// required/oneCopyPer каждого связанного storage unit.
func (m *Map) VerifyConstraints(group int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gname, _ := m.groups.get(group)
	for _, unit := range m.poolGroupToUnit.get(group) {
		c, ok := m.constraints[unit]
		if !ok {
			c = model.DefaultConstraints
		}
		members := m.poolNamesLocked(m.poolGroupToPool.get(group))
		extractor := NewTagExtractor(c.OneCopyPer, m.tagsByNameLocked)
		for i := 0; i < c.Required; i++ {
			candidates := extractor.Candidates(members)
			if len(candidates) == 0 {
				uname, _ := m.units.get(unit)
				return fmt.Errorf("группа %s не может удовлетворить ограничения %s: required %d, one copy per %v",
					gname, uname, c.Required, c.OneCopyPer)
			}
			selected := candidates[rand.IntN(len(candidates))]
			members = removeString(members, selected)
			extractor.AddSeenTagsFor(selected)
		}
	}
	return nil
}

func removeString(list []string, s string) []string {
	result := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			result = append(result, v)
		}
	}
	return result
}
