package model

import "time"

// Topology - полный снимок конфигурации кластера от placement authority.
// Доставляется push-ом (HTTP PUT или файл), ядро никогда не запрашивает его само.
type Topology struct {
	Pools        []TopologyPool        `json:"pools" yaml:"pools" validate:"dive"`
	PoolGroups   []TopologyPoolGroup   `json:"pool_groups" yaml:"pool_groups" validate:"dive"`
	StorageUnits []TopologyStorageUnit `json:"storage_units" yaml:"storage_units" validate:"dive"`
	// ReceivedAt - время получения снимка (заполняется при приёме)
	ReceivedAt time.Time `json:"-" yaml:"-"`
}

// TopologyPool - пул в снимке топологии.
type TopologyPool struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	// URL - адрес API пула (RPC удаления, проверки реплик, миграции)
	URL  string            `json:"url" yaml:"url" validate:"omitempty,url"`
	Mode PoolMode          `json:"mode" yaml:"mode" validate:"omitempty,oneof=enabled rdonly disabled"`
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// TopologyPoolGroup - группа пулов в снимке топологии.
type TopologyPoolGroup struct {
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Resilient bool     `json:"resilient" yaml:"resilient"`
	Pools     []string `json:"pools" yaml:"pools"`
}

// TopologyStorageUnit - storage unit и её связи с группами пулов.
type TopologyStorageUnit struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	Required   int      `json:"required" yaml:"required" validate:"gte=1"`
	OneCopyPer []string `json:"one_copy_per,omitempty" yaml:"one_copy_per,omitempty"`
	PoolGroups []string `json:"pool_groups" yaml:"pool_groups"`
}

// Pool возвращает пул снимка по имени.
func (t *Topology) Pool(name string) (TopologyPool, bool) {
	for _, p := range t.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return TopologyPool{}, false
}

// PoolGroup возвращает группу снимка по имени.
func (t *Topology) PoolGroup(name string) (TopologyPoolGroup, bool) {
	for _, g := range t.PoolGroups {
		if g.Name == name {
			return g, true
		}
	}
	return TopologyPoolGroup{}, false
}

// StorageUnit возвращает storage unit снимка по имени.
func (t *Topology) StorageUnit(name string) (TopologyStorageUnit, bool) {
	for _, u := range t.StorageUnits {
		if u.Name == name {
			return u, true
		}
	}
	return TopologyStorageUnit{}, false
}
