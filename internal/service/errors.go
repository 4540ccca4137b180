package service

import "errors"

// Sentinel errors сервисного слоя.
var (
	// ErrFileNotFound - файл отсутствует в namespace (удалён)
	ErrFileNotFound = errors.New("файл не найден в namespace")
	// ErrInaccessible - у файла нет читаемых реплик
	ErrInaccessible = errors.New("файл недоступен")
	// ErrNoLocations - у файла нет ни одного расположения
	ErrNoLocations = errors.New("у файла нет расположений")
	// ErrReplicaPresent - реплика осталась на пуле после удаления
	ErrReplicaPresent = errors.New("реплика всё ещё присутствует на пуле")
	// ErrNotInitialized - топология ещё не получена
	ErrNotInitialized = errors.New("топология ещё не получена")
)
