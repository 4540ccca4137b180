package model

import (
	"fmt"
	"slices"
)

// PoolMode - режим работы пула, сообщаемый placement authority.
type PoolMode string

const (
	// PoolModeEnabled - чтение и запись
	PoolModeEnabled PoolMode = "enabled"
	// PoolModeReadOnly - только чтение
	PoolModeReadOnly PoolMode = "rdonly"
	// PoolModeDisabled - пул недоступен
	PoolModeDisabled PoolMode = "disabled"
)

// CanRead сообщает, доступен ли пул для чтения.
func (m PoolMode) CanRead() bool {
	return m == PoolModeEnabled || m == PoolModeReadOnly
}

// CanWrite сообщает, принимает ли пул новые данные.
func (m PoolMode) CanWrite() bool {
	return m == PoolModeEnabled
}

// ParsePoolMode преобразует строку в PoolMode.
func ParsePoolMode(s string) (PoolMode, error) {
	switch m := PoolMode(s); m {
	case PoolModeEnabled, PoolModeReadOnly, PoolModeDisabled:
		return m, nil
	default:
		return "", fmt.Errorf("недопустимый режим пула: %q, допустимые: enabled, rdonly, disabled", s)
	}
}

// StorageUnitConstraints - ограничения размещения реплик storage unit.
type StorageUnitConstraints struct {
	// Required - требуемое число реплик (>= 1)
	Required int
	// OneCopyPer - теги, значения которых не могут совпадать у двух реплик
	OneCopyPer []string
}

// Equal сравнивает ограничения без учёта порядка тегов.
func (c StorageUnitConstraints) Equal(other StorageUnitConstraints) bool {
	if c.Required != other.Required || len(c.OneCopyPer) != len(other.OneCopyPer) {
		return false
	}
	a := slices.Clone(c.OneCopyPer)
	b := slices.Clone(other.OneCopyPer)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// DefaultConstraints - ограничения для неизвестного storage unit.
var DefaultConstraints = StorageUnitConstraints{Required: 1}

// OperationType - решение, принятое по файлу при верификации.
type OperationType string

const (
	OperationCopy         OperationType = "COPY"
	OperationRemove       OperationType = "REMOVE"
	OperationVoid         OperationType = "VOID"
	OperationWaitForStage OperationType = "WAIT_FOR_STAGE"
)
