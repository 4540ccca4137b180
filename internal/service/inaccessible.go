package service

import (
	"fmt"
	"log/slog"

	"github.com/arturkryukov/artstore/resilience-module/internal/alarm"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// InaccessibleFileHandler - политика для файлов без доступных реплик.
// Оба обработчика завершают попытку и возвращают VOID.
type InaccessibleFileHandler interface {
	// IsInaccessible сообщает, считается ли файл недоступным.
	IsInaccessible(readable []string, op *fileop.Operation) bool
	// HandleNoLocationsForFile - у файла нет ни одного расположения.
	HandleNoLocationsForFile(op *fileop.Operation) model.OperationType
	// HandleInaccessibleFile - расположения есть, но ни одно не читается.
	HandleInaccessibleFile(op *fileop.Operation) model.OperationType
}

// AlarmingInaccessibleHandler поднимает аларм INACCESSIBLE_FILE и
// сообщает о неустранимой ошибке. Автоматического восстановления нет.
type AlarmingInaccessibleHandler struct {
	pools      *poolinfo.Map
	completion *CompletionHandler
	logger     *slog.Logger
}

// NewAlarmingInaccessibleHandler создаёт политику по умолчанию.
func NewAlarmingInaccessibleHandler(pools *poolinfo.Map, completion *CompletionHandler, logger *slog.Logger) *AlarmingInaccessibleHandler {
	return &AlarmingInaccessibleHandler{
		pools:      pools,
		completion: completion,
		logger:     logger.With(slog.String("component", "inaccessible-file-handler")),
	}
}

// IsInaccessible: файл недоступен, если нет ни одной читаемой реплики.
func (h *AlarmingInaccessibleHandler) IsInaccessible(readable []string, _ *fileop.Operation) bool {
	return len(readable) == 0
}

func (h *AlarmingInaccessibleHandler) HandleNoLocationsForFile(op *fileop.Operation) model.OperationType {
	return h.fail(op, "У файла нет расположений в namespace", ErrNoLocations)
}

func (h *AlarmingInaccessibleHandler) HandleInaccessibleFile(op *fileop.Operation) model.OperationType {
	return h.fail(op, "У файла нет читаемых реплик", ErrInaccessible)
}

func (h *AlarmingInaccessibleHandler) fail(op *fileop.Operation, msg string, cause error) model.OperationType {
	pool := op.PrincipalPool(h.pools)
	alarm.Raise(h.logger, alarm.InaccessibleFile, msg,
		slog.String("pnfsid", string(op.PnfsID())),
		slog.String("pool", pool),
	)
	h.completion.TaskFailed(op.PnfsID(), fileop.Failure(fileop.FailureFatal,
		fmt.Errorf("%s (%s): %w", op.PnfsID(), pool, cause)))
	return model.OperationVoid
}
