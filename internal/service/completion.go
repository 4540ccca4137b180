package service

import (
	"errors"
	"log/slog"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
)

// CompletionHandler передаёт результаты асинхронных задач в карту
// операций. Отсутствие операции (поздний callback после отмены)
// не считается ошибкой.
type CompletionHandler struct {
	ops    *fileop.Map
	logger *slog.Logger
}

// NewCompletionHandler создаёт обработчик завершения задач.
func NewCompletionHandler(ops *fileop.Map, logger *slog.Logger) *CompletionHandler {
	return &CompletionHandler{
		ops:    ops,
		logger: logger.With(slog.String("component", "task-completion")),
	}
}

// TaskCompleted фиксирует успешное завершение задачи.
func (h *CompletionHandler) TaskCompleted(pnfsID model.PnfsID) {
	h.complete(pnfsID, nil)
}

// TaskCancelled обрабатывается так же, как успешное завершение.
func (h *CompletionHandler) TaskCancelled(pnfsID model.PnfsID) {
	h.complete(pnfsID, nil)
}

// TaskFailed фиксирует ошибку задачи; решение о повторе принимает карта.
func (h *CompletionHandler) TaskFailed(pnfsID model.PnfsID, err error) {
	h.logger.Debug("Задача завершилась ошибкой",
		slog.String("pnfsid", string(pnfsID)),
		slog.Any("error", err),
	)
	h.complete(pnfsID, classifyFailure(err))
}

func (h *CompletionHandler) complete(pnfsID model.PnfsID, err error) {
	if cerr := h.ops.Complete(pnfsID, err); cerr != nil {
		if errors.Is(cerr, fileop.ErrOperationNotFound) {
			h.logger.Debug("Операция уже удалена, результат задачи пропущен",
				slog.String("pnfsid", string(pnfsID)),
			)
			return
		}
		h.logger.Warn("Не удалось зафиксировать результат задачи",
			slog.String("pnfsid", string(pnfsID)),
			slog.Any("error", cerr),
		)
	}
}
