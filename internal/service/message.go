package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/executor"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
)

// Максимум сообщений, накапливаемых до получения первой топологии.
const defaultBacklogSize = 10000

// Message - входящее сообщение. Реализации: LocationMessage,
// PoolStatusMessage, CopyFinishedMessage, StagingReplyMessage.
type Message interface {
	Type() model.MessageType
}

// LocationMessage - изменение расположения файла: ADD_CACHE_LOCATION,
// CLEAR_CACHE_LOCATION, CORRUPT_FILE или QOS_MODIFIED (без пула).
type LocationMessage struct {
	PnfsID  model.PnfsID
	Pool    string
	MsgType model.MessageType
}

func (m LocationMessage) Type() model.MessageType { return m.MsgType }

// PoolStatusMessage - смена статуса пула (POOL_STATUS_UP / POOL_STATUS_DOWN).
// Mode уточняет режим; пустой Mode выводится из типа.
type PoolStatusMessage struct {
	Pool    string
	MsgType model.MessageType
	Mode    model.PoolMode
}

func (m PoolStatusMessage) Type() model.MessageType { return m.MsgType }

// CopyFinishedMessage - уведомление пула-цели о завершении копирования.
type CopyFinishedMessage struct {
	model.CopyFinished
}

func (m CopyFinishedMessage) Type() model.MessageType { return "COPY_FINISHED" }

// StagingReplyMessage - ответ placement authority на запрос staging.
type StagingReplyMessage struct {
	model.StagingReply
}

func (m StagingReplyMessage) Type() model.MessageType { return model.MessageStagingReply }

// MessageHandler распределяет входящие сообщения по обработчикам на
// updateService. До первой топологии сообщения накапливаются и
// обрабатываются после Activate.
type MessageHandler struct {
	files   *FileOperationHandler
	pools   *poolinfo.Map
	poolOps *poolop.Map
	service *executor.Pool
	logger  *slog.Logger

	mu          sync.Mutex
	active      bool
	backlog     []Message
	backlogSize int
}

// NewMessageHandler создаёт диспетчер сообщений.
func NewMessageHandler(files *FileOperationHandler, pools *poolinfo.Map, poolOps *poolop.Map,
	service *executor.Pool, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		files:       files,
		pools:       pools,
		poolOps:     poolOps,
		service:     service,
		logger:      logger.With(slog.String("component", "message-handler")),
		backlogSize: defaultBacklogSize,
	}
}

// Handle принимает сообщение к асинхронной обработке.
func (h *MessageHandler) Handle(msg Message) error {
	messagesTotal.WithLabelValues(string(msg.Type())).Inc()

	h.mu.Lock()
	if !h.active {
		defer h.mu.Unlock()
		if len(h.backlog) >= h.backlogSize {
			return fmt.Errorf("%s: очередь ожидания переполнена: %w", msg.Type(), ErrNotInitialized)
		}
		h.backlog = append(h.backlog, msg)
		messagesBacklogged.Set(float64(len(h.backlog)))
		return nil
	}
	h.mu.Unlock()
	return h.dispatch(msg)
}

// Activate включает обработку и передаёт накопленные сообщения.
func (h *MessageHandler) Activate() {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return
	}
	h.active = true
	backlog := h.backlog
	h.backlog = nil
	messagesBacklogged.Set(0)
	h.mu.Unlock()

	if len(backlog) > 0 {
		h.logger.Info("Обработка накопленных сообщений", slog.Int("count", len(backlog)))
	}
	for _, msg := range backlog {
		if err := h.dispatch(msg); err != nil {
			h.logger.Warn("Накопленное сообщение отброшено",
				slog.String("type", string(msg.Type())),
				slog.Any("error", err),
			)
		}
	}
}

func (h *MessageHandler) dispatch(msg Message) error {
	switch m := msg.(type) {
	case LocationMessage:
		if m.MsgType == model.MessageCorruptFile {
			h.files.HandleBrokenFileLocation(m.PnfsID, m.Pool)
			return nil
		}
		return h.service.Submit(func(ctx context.Context) {
			h.handleLocation(ctx, m)
		})
	case PoolStatusMessage:
		return h.service.Submit(func(context.Context) {
			h.handlePoolStatus(m)
		})
	case CopyFinishedMessage:
		h.files.HandleMigrationCopyFinished(m.CopyFinished)
		return nil
	case StagingReplyMessage:
		return h.service.Submit(func(ctx context.Context) {
			h.files.HandleStagingReply(ctx, m.StagingReply)
		})
	default:
		return fmt.Errorf("неизвестный тип сообщения %q", msg.Type())
	}
}

func (h *MessageHandler) handleLocation(ctx context.Context, m LocationMessage) {
	update := model.NewFileUpdate(m.PnfsID, m.Pool, m.MsgType)
	registered, err := h.files.HandleLocationUpdate(ctx, update)
	if err != nil {
		h.logger.Warn("Ошибка обработки изменения расположения",
			slog.String("pnfsid", string(m.PnfsID)),
			slog.String("pool", m.Pool),
			slog.String("type", string(m.MsgType)),
			slog.Any("error", err),
		)
		return
	}
	h.logger.Debug("Изменение расположения обработано",
		slog.String("pnfsid", string(m.PnfsID)),
		slog.String("pool", m.Pool),
		slog.String("type", string(m.MsgType)),
		slog.Bool("registered", registered),
	)
}

func (h *MessageHandler) handlePoolStatus(m PoolStatusMessage) {
	mode := m.Mode
	if mode == "" {
		mode = model.PoolModeEnabled
		if m.MsgType == model.MessagePoolStatusDown {
			mode = model.PoolModeDisabled
		}
	}
	if !h.pools.UpdatePoolMode(m.Pool, mode) {
		h.logger.Debug("Статус неизвестного пула пропущен", slog.String("pool", m.Pool))
		return
	}
	h.poolOps.Update(h.pools.PoolState(m.Pool))
}
