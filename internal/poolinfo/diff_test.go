package poolinfo

import (
	"testing"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

func TestCompare_Initial(t *testing.T) {
	m := NewMap()
	diff := m.Compare(testTopology())

	if len(diff.NewPools) != 4 {
		t.Errorf("NewPools = %v, ожидается 4 пула", diff.NewPools)
	}
	if len(diff.NewGroups) != 2 || len(diff.NewUnits) != 2 {
		t.Errorf("NewGroups = %d, NewUnits = %d", len(diff.NewGroups), len(diff.NewUnits))
	}
	if len(diff.PoolsAdded) != 4 {
		t.Errorf("PoolsAdded = %v, ожидается 4 связи", diff.PoolsAdded)
	}
	if len(diff.UnitsAdded) != 2 {
		t.Errorf("UnitsAdded = %v, ожидается 2 связи", diff.UnitsAdded)
	}
	if diff.IsEmpty() {
		t.Error("diff не должен быть пустым")
	}
}

func TestCompare_SameTopologyIsEmpty(t *testing.T) {
	m := loadedMap(t)
	diff := m.Compare(testTopology())
	if !diff.IsEmpty() {
		t.Errorf("повторный снимок должен давать пустой diff: %s", diff)
	}
}

func TestCompare_PoolMovedBetweenGroups(t *testing.T) {
	m := loadedMap(t)
	topo := testTopology()
	topo.PoolGroups[0].Pools = []string{"pool1", "pool2"}
	topo.PoolGroups[1].Pools = []string{"plain", "pool3"}

	diff := m.Compare(topo)
	if len(diff.PoolsRemoved) != 1 || diff.PoolsRemoved[0] != (Link{Member: "pool3", Group: "rg"}) {
		t.Errorf("PoolsRemoved = %v", diff.PoolsRemoved)
	}
	if len(diff.PoolsAdded) != 1 || diff.PoolsAdded[0] != (Link{Member: "pool3", Group: "default"}) {
		t.Errorf("PoolsAdded = %v", diff.PoolsAdded)
	}

	m.Apply(diff)
	if m.IsResilientPool("pool3") {
		t.Error("pool3 больше не должен быть resilient")
	}
	g, _ := m.GroupIndex("default")
	if got := m.GroupPoolNames(g); len(got) != 2 {
		t.Errorf("пулы default = %v", got)
	}
}

func TestCompare_OldPool(t *testing.T) {
	m := loadedMap(t)
	topo := testTopology()
	topo.Pools = topo.Pools[:3]
	topo.PoolGroups[1].Pools = nil

	diff := m.Compare(topo)
	if len(diff.OldPools) != 1 || diff.OldPools[0] != "plain" {
		t.Fatalf("OldPools = %v", diff.OldPools)
	}
	if !diff.IsOldPool("plain") {
		t.Error("IsOldPool(plain) = false")
	}
	// Связь удалённого пула не дублируется в PoolsRemoved
	if len(diff.PoolsRemoved) != 0 {
		t.Errorf("PoolsRemoved = %v, ожидается пусто", diff.PoolsRemoved)
	}

	m.Apply(diff)
	if _, ok := m.PoolIndex("plain"); ok {
		t.Error("пул plain должен быть удалён")
	}
	g, _ := m.GroupIndex("default")
	if got := m.PoolsOfGroup(g); len(got) != 0 {
		t.Errorf("группа default должна быть пустой: %v", got)
	}
}

func TestCompare_StableIndices(t *testing.T) {
	m := loadedMap(t)
	before, _ := m.PoolIndex("pool3")

	topo := testTopology()
	topo.Pools = append([]model.TopologyPool{topo.Pools[3]}, topo.Pools[:2]...)
	topo.Pools = append(topo.Pools, model.TopologyPool{Name: "pool3", Mode: model.PoolModeReadOnly, Tags: map[string]string{"rack": "r3"}, URL: "http://pool3:8010"})
	topo.Pools = append(topo.Pools, model.TopologyPool{Name: "pool4", Mode: model.PoolModeEnabled})
	topo.PoolGroups[0].Pools = append(topo.PoolGroups[0].Pools, "pool4")

	m.Apply(m.Compare(topo))
	after, _ := m.PoolIndex("pool3")
	if before != after {
		t.Errorf("индекс pool3 изменился: %d → %d", before, after)
	}
	if !m.IsResilientPool("pool4") {
		t.Error("pool4 должен стать resilient")
	}
}

func TestCompare_ConstraintsAndResilience(t *testing.T) {
	m := loadedMap(t)
	topo := testTopology()
	topo.StorageUnits[0].Required = 3
	topo.PoolGroups[1].Resilient = true

	diff := m.Compare(topo)
	c, ok := diff.Constraints["atlas:raw@osm"]
	if !ok || c.Required != 3 {
		t.Errorf("Constraints = %v", diff.Constraints)
	}
	if _, ok := diff.Constraints["test:tape@osm"]; ok {
		t.Error("неизменённые ограничения не должны попадать в diff")
	}
	if r, ok := diff.ResilienceChanged["default"]; !ok || !r {
		t.Errorf("ResilienceChanged = %v", diff.ResilienceChanged)
	}

	m.Apply(diff)
	u, _ := m.UnitIndex("atlas:raw@osm")
	if got := m.StorageUnitConstraints(u).Required; got != 3 {
		t.Errorf("Required = %d, ожидается 3", got)
	}
	if !m.IsResilientPool("plain") {
		t.Error("plain должен стать resilient")
	}
}

func TestCompare_UnitLinks(t *testing.T) {
	m := loadedMap(t)
	topo := testTopology()
	topo.StorageUnits[1].PoolGroups = []string{"rg"}

	diff := m.Compare(topo)
	if len(diff.UnitsAdded) != 1 || diff.UnitsAdded[0] != (Link{Member: "test:tape@osm", Group: "rg"}) {
		t.Errorf("UnitsAdded = %v", diff.UnitsAdded)
	}
	if len(diff.UnitsRemoved) != 1 || diff.UnitsRemoved[0] != (Link{Member: "test:tape@osm", Group: "default"}) {
		t.Errorf("UnitsRemoved = %v", diff.UnitsRemoved)
	}

	m.Apply(diff)
	g, _ := m.GroupIndex("rg")
	if got := m.StorageUnitsFor(g); len(got) != 2 {
		t.Errorf("units группы rg = %v", got)
	}
}

func TestCompare_ModeAndTags(t *testing.T) {
	m := loadedMap(t)
	m.SetExcluded("pool1", true)

	topo := testTopology()
	topo.Pools[0].Mode = model.PoolModeDisabled
	topo.Pools[1].Tags = map[string]string{"rack": "r9"}

	diff := m.Compare(topo)
	if mode, ok := diff.ModeChanged["pool1"]; !ok || mode != model.PoolModeDisabled {
		t.Errorf("ModeChanged = %v", diff.ModeChanged)
	}
	if tags, ok := diff.TagsChanged["pool2"]; !ok || tags["rack"] != "r9" {
		t.Errorf("TagsChanged = %v", diff.TagsChanged)
	}
	if _, ok := diff.TagsChanged["pool1"]; ok {
		t.Error("теги pool1 не менялись")
	}

	m.Apply(diff)
	p, _ := m.PoolIndex("pool1")
	info, _ := m.PoolInformation(p)
	if info.Mode != model.PoolModeDisabled {
		t.Errorf("Mode = %q", info.Mode)
	}
	if !info.Excluded {
		t.Error("флаг Excluded должен сохраниться после Apply")
	}
}

func TestCompare_OldGroupAndUnit(t *testing.T) {
	m := loadedMap(t)
	topo := testTopology()
	topo.PoolGroups = topo.PoolGroups[:1]
	topo.StorageUnits = topo.StorageUnits[:1]

	diff := m.Compare(topo)
	if len(diff.OldGroups) != 1 || diff.OldGroups[0] != "default" {
		t.Errorf("OldGroups = %v", diff.OldGroups)
	}
	if len(diff.OldUnits) != 1 || diff.OldUnits[0] != "test:tape@osm" {
		t.Errorf("OldUnits = %v", diff.OldUnits)
	}
	if len(diff.UnitsRemoved) != 0 {
		t.Errorf("UnitsRemoved = %v, связи удалённых групп не дублируются", diff.UnitsRemoved)
	}

	m.Apply(diff)
	if _, ok := m.GroupIndex("default"); ok {
		t.Error("группа default должна быть удалена")
	}
	if _, ok := m.UnitIndex("test:tape@osm"); ok {
		t.Error("unit test:tape@osm должен быть удалён")
	}
	p, _ := m.PoolIndex("plain")
	if _, err := m.ResilientPoolGroup(p); err != nil {
		t.Errorf("неожиданная ошибка: %v", err)
	}
}
