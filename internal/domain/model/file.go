package model

import (
	"fmt"
	"time"
)

// NoIndex - отсутствующий индекс пула, группы или storage unit.
const NoIndex = -1

// PnfsID - идентификатор файла в namespace.
type PnfsID string

// RetentionPolicy - политика хранения файла.
type RetentionPolicy string

const (
	// RetentionCustodial - архивная копия авторитетна, staging возможен всегда
	RetentionCustodial RetentionPolicy = "CUSTODIAL"
	// RetentionReplica - файл существует только на дисковых пулах
	RetentionReplica RetentionPolicy = "REPLICA"
	// RetentionOutput - выходные данные без архивной копии
	RetentionOutput RetentionPolicy = "OUTPUT"
)

// AccessLatency - задержка доступа к файлу.
type AccessLatency string

const (
	LatencyOnline   AccessLatency = "ONLINE"
	LatencyNearline AccessLatency = "NEARLINE"
)

// FileAttributes - атрибуты файла, необходимые для обработки.
// Хранятся в таблицах files и file_locations.
type FileAttributes struct {
	// PnfsID - идентификатор файла
	PnfsID PnfsID
	// StorageClass - класс хранения (например, "atlas:raw")
	StorageClass string
	// HSM - имя HSM-системы (опционально)
	HSM string
	// RetentionPolicy - политика хранения
	RetentionPolicy RetentionPolicy
	// AccessLatency - задержка доступа
	AccessLatency AccessLatency
	// Size - размер файла в байтах
	Size int64
	// AccessTime - время последнего доступа
	AccessTime time.Time
	// Locations - имена пулов с репликами файла
	Locations []string
}

// StorageUnitKey возвращает имя storage unit файла: class@hsm.
func (a *FileAttributes) StorageUnitKey() string {
	if a.HSM == "" {
		return a.StorageClass
	}
	return a.StorageClass + "@" + a.HSM
}

// HasLocation проверяет наличие реплики на пуле.
func (a *FileAttributes) HasLocation(pool string) bool {
	for _, l := range a.Locations {
		if l == pool {
			return true
		}
	}
	return false
}

// MessageType - тип входящего сообщения.
type MessageType string

const (
	MessageAddCacheLocation   MessageType = "ADD_CACHE_LOCATION"
	MessageClearCacheLocation MessageType = "CLEAR_CACHE_LOCATION"
	MessageCorruptFile        MessageType = "CORRUPT_FILE"
	MessageQoSModified        MessageType = "QOS_MODIFIED"
	MessagePoolStatusDown     MessageType = "POOL_STATUS_DOWN"
	MessagePoolStatusUp       MessageType = "POOL_STATUS_UP"
	MessageStagingReply       MessageType = "STAGING_REPLY"
)

// ParseLocationMessageType разбирает тип сообщения об изменении расположения.
func ParseLocationMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case MessageAddCacheLocation, MessageClearCacheLocation:
		return t, nil
	default:
		return "", fmt.Errorf("недопустимый тип сообщения %q, допустимые: %s, %s",
			s, MessageAddCacheLocation, MessageClearCacheLocation)
	}
}

// FileUpdate - входящее изменение расположения файла.
// Атрибуты загружаются лениво при валидации.
type FileUpdate struct {
	PnfsID PnfsID
	// Pool - пул, к которому относится событие (пусто, если файл удалён)
	Pool string
	Type MessageType
	// Parent - сканируемый пул (для фоновых операций пул-скана)
	Parent string
	// Group - индекс resilient-группы пула
	Group int
	// Unit - индекс storage unit файла
	Unit int
	// Count - число требуемых действий (копий или удалений)
	Count int
	// Full - принудительная регистрация при полном скане
	Full bool
	// Attributes - атрибуты файла (nil до валидации)
	Attributes *FileAttributes
}

// NewFileUpdate создаёт FileUpdate без определённых индексов.
func NewFileUpdate(pnfsID PnfsID, pool string, msgType MessageType) *FileUpdate {
	return &FileUpdate{
		PnfsID: pnfsID,
		Pool:   pool,
		Type:   msgType,
		Group:  NoIndex,
		Unit:   NoIndex,
	}
}

// Size возвращает размер файла или 0 до загрузки атрибутов.
func (u *FileUpdate) Size() int64 {
	if u.Attributes == nil {
		return 0
	}
	return u.Attributes.Size
}

func (u *FileUpdate) String() string {
	return fmt.Sprintf("(%s, %s, %s, group %d, unit %d, count %d)",
		u.PnfsID, u.Pool, u.Type, u.Group, u.Unit, u.Count)
}
