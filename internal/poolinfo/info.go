package poolinfo

import (
	"fmt"
	"maps"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/poolstatus"
)

// PoolInformation - живое состояние пула: режим, теги, исключение.
type PoolInformation struct {
	Name  string            `json:"name"`
	Index int               `json:"index"`
	URL   string            `json:"url,omitempty"`
	Mode  model.PoolMode    `json:"mode,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
	// Excluded - пул временно исключён из выбора (обслуживание),
	// но его реплики продолжают учитываться.
	Excluded   bool      `json:"excluded"`
	LastUpdate time.Time `json:"last_update"`
}

// IsInitialized сообщает, получен ли режим пула.
func (p *PoolInformation) IsInitialized() bool {
	return p.Mode != ""
}

// CanRead сообщает, доступен ли пул как источник чтения.
func (p *PoolInformation) CanRead() bool {
	return p.IsInitialized() && !p.Excluded && p.Mode.CanRead()
}

// CanWrite сообщает, принимает ли пул новые реплики.
func (p *PoolInformation) CanWrite() bool {
	return p.IsInitialized() && !p.Excluded && p.Mode.CanWrite()
}

// IsCountable сообщает, учитывается ли реплика на пуле в требуемом числе копий.
func (p *PoolInformation) IsCountable() bool {
	return p.Excluded || p.CanRead()
}

func (p *PoolInformation) clone() PoolInformation {
	c := *p
	c.Tags = maps.Clone(p.Tags)
	return c
}

func (p *PoolInformation) String() string {
	return fmt.Sprintf("(%s, %d, mode %q, excluded %t, tags %v)",
		p.Name, p.Index, p.Mode, p.Excluded, p.Tags)
}

// PoolStateUpdate - обновление состояния пула, передаваемое в PoolOperationMap.
type PoolStateUpdate struct {
	Pool string
	Mode model.PoolMode
	// AddedTo / RemovedFrom - индекс группы, если пул добавлен в неё или удалён
	// (удалённая группа фиксируется явно, т.к. карта уже не содержит связи).
	AddedTo     int
	RemovedFrom int
	// StorageUnit - имя изменённого storage unit (пусто - все)
	StorageUnit string
}

// Status возвращает статус пула по режиму.
func (u PoolStateUpdate) Status() poolstatus.Status {
	return poolstatus.FromMode(u.Mode)
}

// Group возвращает индекс группы, в рамках которой нужен скан.
func (u PoolStateUpdate) Group() int {
	if u.AddedTo != model.NoIndex {
		return u.AddedTo
	}
	return u.RemovedFrom
}

func (u PoolStateUpdate) String() string {
	return fmt.Sprintf("(%s, %s, added to %d, removed from %d, unit %q)",
		u.Pool, u.Status(), u.AddedTo, u.RemovedFrom, u.StorageUnit)
}
