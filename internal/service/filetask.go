package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
)

// fileTask - задача операции над файлом: верификация на taskService,
// затем копирование, удаление или staging.
type fileTask struct {
	handler *FileOperationHandler
	pnfsID  model.PnfsID

	mu       sync.Mutex
	opType   model.OperationType
	cancel   context.CancelFunc
	copy     CopyTask
	pending  *model.CopyFinished
	canceled bool
}

func newFileTask(h *FileOperationHandler, pnfsID model.PnfsID) *fileTask {
	return &fileTask{handler: h, pnfsID: pnfsID, opType: model.OperationVoid}
}

// Submit ставит задачу на taskService с задержкой запуска.
func (t *fileTask) Submit() {
	if err := t.handler.taskService.Schedule(t.handler.launchDelay, t.run); err != nil {
		t.handler.completion.TaskCancelled(t.pnfsID)
	}
}

// Cancel отменяет верификацию и ожидание копирования.
func (t *fileTask) Cancel() {
	t.mu.Lock()
	t.canceled = true
	cancel, ct := t.cancel, t.copy
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ct != nil {
		ct.Cancel()
	}
}

// Relay передаёт уведомление о завершении копирования. Уведомление,
// пришедшее до регистрации копирования, доставляется при attach.
func (t *fileTask) Relay(msg model.CopyFinished) {
	t.mu.Lock()
	ct := t.copy
	if ct == nil {
		t.pending = &msg
	}
	t.mu.Unlock()
	if ct != nil {
		ct.Relay(msg)
	}
}

// Type возвращает решение верификации.
func (t *fileTask) Type() model.OperationType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opType
}

func (t *fileTask) attach(ct CopyTask) {
	t.mu.Lock()
	t.copy = ct
	pending, canceled := t.pending, t.canceled
	t.pending = nil
	t.mu.Unlock()
	if canceled {
		ct.Cancel()
		return
	}
	if pending != nil {
		ct.Relay(*pending)
	}
}

func (t *fileTask) run(poolCtx context.Context) {
	h := t.handler
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()

	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	t.cancel = cancel
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.completion.TaskFailed(t.pnfsID, fileop.Failure(fileop.FailureFatal,
				fmt.Errorf("паника при обработке %s: %v", t.pnfsID, r)))
		}
	}()

	attrs, err := h.namespace.RequiredAttributes(ctx, t.pnfsID)
	if err != nil {
		h.completion.TaskFailed(t.pnfsID, err)
		return
	}

	opType := h.HandleVerification(ctx, attrs)
	t.mu.Lock()
	t.opType = opType
	t.mu.Unlock()

	h.logger.Debug("Задача выполняется",
		slog.String("pnfsid", string(t.pnfsID)),
		slog.String("type", string(opType)),
	)

	switch opType {
	case model.OperationCopy:
		// ожидание копирования переживает run и отменяется через Cancel
		h.handleMakeOneCopy(poolCtx, attrs, t)
	case model.OperationRemove:
		h.handleRemoveOneCopy(ctx, attrs)
	case model.OperationWaitForStage:
		h.handleStaging(ctx, attrs)
	case model.OperationVoid:
	}
}
