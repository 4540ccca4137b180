package poolinfo

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

// Link - связь элемента (пула или storage unit) с группой пулов.
type Link struct {
	Member string
	Group  string
}

// Diff - разница между текущей картой и новым снимком топологии.
type Diff struct {
	NewPools    []string
	OldPools    []string
	UninitPools []string

	NewGroups []model.TopologyPoolGroup
	OldGroups []string
	// ResilienceChanged - группы, у которых сменился флаг resilient
	ResilienceChanged map[string]bool

	NewUnits []model.TopologyStorageUnit
	OldUnits []string

	PoolsAdded   []Link
	PoolsRemoved []Link
	UnitsAdded   []Link
	UnitsRemoved []Link

	Constraints map[string]model.StorageUnitConstraints
	ModeChanged map[string]model.PoolMode
	TagsChanged map[string]map[string]string
	// PoolInfo - живое состояние новых и общих пулов для применения
	PoolInfo map[string]model.TopologyPool
}

func newDiff() *Diff {
	return &Diff{
		ResilienceChanged: make(map[string]bool),
		Constraints:       make(map[string]model.StorageUnitConstraints),
		ModeChanged:       make(map[string]model.PoolMode),
		TagsChanged:       make(map[string]map[string]string),
		PoolInfo:          make(map[string]model.TopologyPool),
	}
}

// IsEmpty сообщает, что структура топологии и состояние пулов не изменились.
func (d *Diff) IsEmpty() bool {
	return len(d.NewPools) == 0 && len(d.OldPools) == 0 &&
		len(d.NewGroups) == 0 && len(d.OldGroups) == 0 &&
		len(d.ResilienceChanged) == 0 &&
		len(d.NewUnits) == 0 && len(d.OldUnits) == 0 &&
		len(d.PoolsAdded) == 0 && len(d.PoolsRemoved) == 0 &&
		len(d.UnitsAdded) == 0 && len(d.UnitsRemoved) == 0 &&
		len(d.Constraints) == 0 && len(d.ModeChanged) == 0 &&
		len(d.TagsChanged) == 0
}

// IsOldPool сообщает, удалён ли пул из топологии.
func (d *Diff) IsOldPool(pool string) bool {
	for _, p := range d.OldPools {
		if p == pool {
			return true
		}
	}
	return false
}

func (d *Diff) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "new pools %v, old pools %v, uninitialized %v; ", d.NewPools, d.OldPools, d.UninitPools)
	groups := make([]string, 0, len(d.NewGroups))
	for _, g := range d.NewGroups {
		groups = append(groups, g.Name)
	}
	fmt.Fprintf(&b, "new groups %v, old groups %v; ", groups, d.OldGroups)
	units := make([]string, 0, len(d.NewUnits))
	for _, u := range d.NewUnits {
		units = append(units, u.Name)
	}
	fmt.Fprintf(&b, "new units %v, old units %v; ", units, d.OldUnits)
	fmt.Fprintf(&b, "pools added %v, removed %v; units added %v, removed %v; ",
		d.PoolsAdded, d.PoolsRemoved, d.UnitsAdded, d.UnitsRemoved)
	fmt.Fprintf(&b, "constraints %v, modes %v, tags %v", d.Constraints, d.ModeChanged, d.TagsChanged)
	return b.String()
}

// Compare вычисляет разницу между картой и снимком топологии.
// Карта не изменяется.
func (m *Map) Compare(t *model.Topology) *Diff {
	m.mu.RLock()
	defer m.mu.RUnlock()

	diff := newDiff()

	for _, name := range m.pools.all() {
		i, _ := m.pools.indexOf(name)
		if info, ok := m.info[i]; !ok || !info.IsInitialized() {
			diff.UninitPools = append(diff.UninitPools, name)
		}
	}

	commonPools := m.comparePools(diff, t)
	commonGroups := m.comparePoolGroups(diff, t)
	m.addPoolsAndUnitsToNewGroups(diff, t)
	m.comparePoolsInGroups(diff, commonGroups, t)
	commonUnits := m.compareStorageUnits(diff, t)
	m.addGroupsForNewUnits(diff)
	m.compareUnitLinksAndConstraints(diff, commonUnits, t)
	m.comparePoolInfo(diff, commonPools, t)

	sortLinks(diff.PoolsAdded)
	sortLinks(diff.PoolsRemoved)
	sortLinks(diff.UnitsAdded)
	sortLinks(diff.UnitsRemoved)
	return diff
}

func (m *Map) comparePools(diff *Diff, t *model.Topology) []string {
	next := make(map[string]struct{}, len(t.Pools))
	for _, p := range t.Pools {
		next[p.Name] = struct{}{}
	}
	var common []string
	curr := m.pools.all()
	currSet := make(map[string]struct{}, len(curr))
	for _, name := range curr {
		currSet[name] = struct{}{}
		if _, ok := next[name]; ok {
			common = append(common, name)
		} else {
			diff.OldPools = append(diff.OldPools, name)
		}
	}
	for _, p := range t.Pools {
		if _, ok := currSet[p.Name]; !ok {
			diff.NewPools = append(diff.NewPools, p.Name)
		}
	}
	sort.Strings(diff.NewPools)
	sort.Strings(diff.OldPools)
	return common
}

func (m *Map) comparePoolGroups(diff *Diff, t *model.Topology) []string {
	next := make(map[string]struct{}, len(t.PoolGroups))
	for _, g := range t.PoolGroups {
		next[g.Name] = struct{}{}
	}
	var common []string
	currSet := make(map[string]struct{})
	for _, name := range m.groups.all() {
		currSet[name] = struct{}{}
		if _, ok := next[name]; ok {
			common = append(common, name)
		} else {
			diff.OldGroups = append(diff.OldGroups, name)
		}
	}
	for _, g := range t.PoolGroups {
		if _, ok := currSet[g.Name]; !ok {
			diff.NewGroups = append(diff.NewGroups, g)
		}
	}
	for _, name := range common {
		g, _ := t.PoolGroup(name)
		i, _ := m.groups.indexOf(name)
		if m.resilient[i] != g.Resilient {
			diff.ResilienceChanged[name] = g.Resilient
		}
	}
	sort.Strings(diff.OldGroups)
	return common
}

func (m *Map) addPoolsAndUnitsToNewGroups(diff *Diff, t *model.Topology) {
	for _, g := range diff.NewGroups {
		for _, p := range g.Pools {
			diff.PoolsAdded = append(diff.PoolsAdded, Link{Member: p, Group: g.Name})
		}
		for _, u := range t.StorageUnits {
			for _, ug := range u.PoolGroups {
				if ug == g.Name {
					diff.UnitsAdded = append(diff.UnitsAdded, Link{Member: u.Name, Group: g.Name})
				}
			}
		}
	}
}

func (m *Map) comparePoolsInGroups(diff *Diff, common []string, t *model.Topology) {
	for _, name := range common {
		g, _ := t.PoolGroup(name)
		next := make(map[string]struct{}, len(g.Pools))
		for _, p := range g.Pools {
			next[p] = struct{}{}
		}
		gi, _ := m.groups.indexOf(name)
		curr := make(map[string]struct{})
		for _, name := range m.poolNamesLocked(m.poolGroupToPool.get(gi)) {
			curr[name] = struct{}{}
		}
		for p := range next {
			if _, ok := curr[p]; !ok {
				diff.PoolsAdded = append(diff.PoolsAdded, Link{Member: p, Group: name})
			}
		}
		for p := range curr {
			if _, ok := next[p]; !ok && !diff.IsOldPool(p) {
				diff.PoolsRemoved = append(diff.PoolsRemoved, Link{Member: p, Group: name})
			}
		}
	}
}

func (m *Map) compareStorageUnits(diff *Diff, t *model.Topology) []string {
	next := make(map[string]struct{}, len(t.StorageUnits))
	for _, u := range t.StorageUnits {
		next[u.Name] = struct{}{}
	}
	var common []string
	currSet := make(map[string]struct{})
	for _, name := range m.units.all() {
		currSet[name] = struct{}{}
		if _, ok := next[name]; ok {
			common = append(common, name)
		} else {
			diff.OldUnits = append(diff.OldUnits, name)
		}
	}
	for _, u := range t.StorageUnits {
		if _, ok := currSet[u.Name]; !ok {
			diff.NewUnits = append(diff.NewUnits, u)
		}
	}
	sort.Strings(diff.OldUnits)
	return common
}

func (m *Map) addGroupsForNewUnits(diff *Diff) {
	newGroups := make(map[string]struct{}, len(diff.NewGroups))
	for _, g := range diff.NewGroups {
		newGroups[g.Name] = struct{}{}
	}
	for _, u := range diff.NewUnits {
		for _, g := range u.PoolGroups {
			// Связи новых групп уже добавлены вместе с группой.
			if _, ok := newGroups[g]; ok {
				continue
			}
			diff.UnitsAdded = append(diff.UnitsAdded, Link{Member: u.Name, Group: g})
		}
	}
}

func (m *Map) compareUnitLinksAndConstraints(diff *Diff, common []string, t *model.Topology) {
	oldGroups := make(map[string]struct{}, len(diff.OldGroups))
	for _, g := range diff.OldGroups {
		oldGroups[g] = struct{}{}
	}
	newGroups := make(map[string]struct{}, len(diff.NewGroups))
	for _, g := range diff.NewGroups {
		newGroups[g.Name] = struct{}{}
	}

	for _, name := range common {
		u, _ := t.StorageUnit(name)
		ui, _ := m.units.indexOf(name)

		next := make(map[string]struct{}, len(u.PoolGroups))
		for _, g := range u.PoolGroups {
			next[g] = struct{}{}
		}
		curr := make(map[string]struct{})
		for _, gi := range m.unitToPoolGroup.get(ui) {
			gname, _ := m.groups.get(gi)
			curr[gname] = struct{}{}
		}
		for g := range next {
			if _, ok := curr[g]; ok {
				continue
			}
			if _, ok := newGroups[g]; ok {
				continue
			}
			diff.UnitsAdded = append(diff.UnitsAdded, Link{Member: name, Group: g})
		}
		for g := range curr {
			if _, ok := next[g]; ok {
				continue
			}
			if _, ok := oldGroups[g]; ok {
				continue
			}
			diff.UnitsRemoved = append(diff.UnitsRemoved, Link{Member: name, Group: g})
		}

		c := model.StorageUnitConstraints{Required: u.Required, OneCopyPer: u.OneCopyPer}
		if cur, ok := m.constraints[ui]; !ok || !cur.Equal(c) {
			diff.Constraints[name] = c
		}
	}
}

func (m *Map) comparePoolInfo(diff *Diff, common []string, t *model.Topology) {
	for _, name := range diff.NewPools {
		p, _ := t.Pool(name)
		diff.ModeChanged[name] = p.Mode
		diff.TagsChanged[name] = maps.Clone(p.Tags)
		diff.PoolInfo[name] = p
	}
	for _, name := range common {
		p, _ := t.Pool(name)
		i, _ := m.pools.indexOf(name)
		info, ok := m.info[i]
		if !ok || !info.IsInitialized() || (p.Mode != "" && info.Mode != p.Mode) {
			diff.ModeChanged[name] = p.Mode
		}
		if !ok || !maps.Equal(info.Tags, p.Tags) {
			diff.TagsChanged[name] = maps.Clone(p.Tags)
		}
		diff.PoolInfo[name] = p
	}
}

// Apply применяет разницу к карте.
func (m *Map) Apply(diff *Diff) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Удаление устаревших пулов, групп и storage units
	for _, p := range diff.OldPools {
		m.removePool(p)
	}
	for _, g := range diff.OldGroups {
		m.removeGroup(g)
	}
	for _, u := range diff.OldUnits {
		m.removeUnit(u)
	}

	// Удаление связей
	for _, l := range diff.PoolsRemoved {
		m.removeFromPoolGroup(l)
	}
	for _, l := range diff.UnitsRemoved {
		m.removeUnitFromPoolGroup(l)
	}

	// Добавление новых элементов
	for _, u := range diff.NewUnits {
		i := m.units.add(u.Name)
		m.constraints[i] = model.StorageUnitConstraints{Required: u.Required, OneCopyPer: u.OneCopyPer}
	}
	for _, g := range diff.NewGroups {
		i := m.groups.add(g.Name)
		m.resilient[i] = g.Resilient
	}
	for _, p := range diff.NewPools {
		m.pools.add(p)
	}

	// Добавление связей
	for _, l := range diff.UnitsAdded {
		m.addUnitToPoolGroup(l)
	}
	for _, l := range diff.PoolsAdded {
		m.addPoolToPoolGroup(l)
	}

	for name, c := range diff.Constraints {
		if i, ok := m.units.indexOf(name); ok {
			m.constraints[i] = c
		}
	}
	for name, resilient := range diff.ResilienceChanged {
		if i, ok := m.groups.indexOf(name); ok {
			m.resilient[i] = resilient
		}
	}

	// Живое состояние пулов
	now := time.Now().UTC()
	for name, p := range diff.PoolInfo {
		i, ok := m.pools.indexOf(name)
		if !ok {
			continue
		}
		info, ok := m.info[i]
		if !ok {
			info = &PoolInformation{Name: name, Index: i}
			m.info[i] = info
		}
		info.URL = p.URL
		if p.Mode != "" {
			info.Mode = p.Mode
		}
		info.Tags = maps.Clone(p.Tags)
		info.LastUpdate = now
	}
}

func (m *Map) removePool(name string) {
	i, ok := m.pools.remove(name)
	if !ok {
		return
	}
	for _, g := range m.poolToPoolGroup.removeAll(i) {
		m.poolGroupToPool.remove(g, i)
	}
	delete(m.info, i)
}

func (m *Map) removeGroup(name string) {
	i, ok := m.groups.remove(name)
	if !ok {
		return
	}
	delete(m.resilient, i)
	for _, p := range m.poolGroupToPool.removeAll(i) {
		m.poolToPoolGroup.remove(p, i)
	}
	for _, u := range m.poolGroupToUnit.removeAll(i) {
		m.unitToPoolGroup.remove(u, i)
	}
}

func (m *Map) removeUnit(name string) {
	i, ok := m.units.remove(name)
	if !ok {
		return
	}
	delete(m.constraints, i)
	for _, g := range m.unitToPoolGroup.removeAll(i) {
		m.poolGroupToUnit.remove(g, i)
	}
}

func (m *Map) removeFromPoolGroup(l Link) {
	p, ok1 := m.pools.indexOf(l.Member)
	g, ok2 := m.groups.indexOf(l.Group)
	if !ok1 || !ok2 {
		return
	}
	m.poolGroupToPool.remove(g, p)
	m.poolToPoolGroup.remove(p, g)
}

func (m *Map) removeUnitFromPoolGroup(l Link) {
	u, ok1 := m.units.indexOf(l.Member)
	g, ok2 := m.groups.indexOf(l.Group)
	if !ok1 || !ok2 {
		return
	}
	m.unitToPoolGroup.remove(u, g)
	m.poolGroupToUnit.remove(g, u)
}

func (m *Map) addPoolToPoolGroup(l Link) {
	p, ok1 := m.pools.indexOf(l.Member)
	g, ok2 := m.groups.indexOf(l.Group)
	if !ok1 || !ok2 {
		return
	}
	m.poolGroupToPool.put(g, p)
	m.poolToPoolGroup.put(p, g)
}

func (m *Map) addUnitToPoolGroup(l Link) {
	u, ok1 := m.units.indexOf(l.Member)
	g, ok2 := m.groups.indexOf(l.Group)
	if !ok1 || !ok2 {
		return
	}
	m.unitToPoolGroup.put(u, g)
	m.poolGroupToUnit.put(g, u)
}

func sortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Group != links[j].Group {
			return links[i].Group < links[j].Group
		}
		return links[i].Member < links[j].Member
	})
}
