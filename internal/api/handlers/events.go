package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/arturkryukov/artstore/resilience-module/internal/api/errors"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/service"
)

type locationEvent struct {
	PnfsID model.PnfsID      `json:"pnfsid" validate:"required"`
	Pool   string            `json:"pool" validate:"required"`
	Type   model.MessageType `json:"type" validate:"required,oneof=ADD_CACHE_LOCATION CLEAR_CACHE_LOCATION"`
}

type corruptEvent struct {
	PnfsID model.PnfsID `json:"pnfsid" validate:"required"`
	Pool   string       `json:"pool" validate:"required"`
}

type qosEvent struct {
	PnfsID model.PnfsID `json:"pnfsid" validate:"required"`
}

type poolStatusEvent struct {
	Pool   string         `json:"pool" validate:"required"`
	Status string         `json:"status" validate:"required,oneof=UP DOWN"`
	Mode   model.PoolMode `json:"mode" validate:"omitempty,oneof=enabled rdonly disabled"`
}

type acceptedResponse struct {
	Status string `json:"status"`
}

// PostLocation - ADD_CACHE_LOCATION / CLEAR_CACHE_LOCATION.
func (h *APIHandler) PostLocation(w http.ResponseWriter, r *http.Request) {
	var ev locationEvent
	if err := h.decode(w, r, &ev); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.accept(w, service.LocationMessage{PnfsID: ev.PnfsID, Pool: ev.Pool, MsgType: ev.Type})
}

// PostCorrupt - CORRUPT_FILE.
func (h *APIHandler) PostCorrupt(w http.ResponseWriter, r *http.Request) {
	var ev corruptEvent
	if err := h.decode(w, r, &ev); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.accept(w, service.LocationMessage{PnfsID: ev.PnfsID, Pool: ev.Pool, MsgType: model.MessageCorruptFile})
}

// PostQoS - QOS_MODIFIED.
func (h *APIHandler) PostQoS(w http.ResponseWriter, r *http.Request) {
	var ev qosEvent
	if err := h.decode(w, r, &ev); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.accept(w, service.LocationMessage{PnfsID: ev.PnfsID, MsgType: model.MessageQoSModified})
}

// PostStagingReply - ответ placement authority на запрос staging.
func (h *APIHandler) PostStagingReply(w http.ResponseWriter, r *http.Request) {
	var reply model.StagingReply
	if err := h.decode(w, r, &reply); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.accept(w, service.StagingReplyMessage{StagingReply: reply})
}

// PostPoolStatus - POOL_STATUS_UP / POOL_STATUS_DOWN.
func (h *APIHandler) PostPoolStatus(w http.ResponseWriter, r *http.Request) {
	var ev poolStatusEvent
	if err := h.decode(w, r, &ev); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	msgType := model.MessagePoolStatusUp
	if ev.Status == "DOWN" {
		msgType = model.MessagePoolStatusDown
	}
	h.accept(w, service.PoolStatusMessage{Pool: ev.Pool, MsgType: msgType, Mode: ev.Mode})
}

// PostCopyFinished - уведомление пула-цели о завершении копирования.
func (h *APIHandler) PostCopyFinished(w http.ResponseWriter, r *http.Request) {
	var msg model.CopyFinished
	if err := h.decode(w, r, &msg); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	h.accept(w, service.CopyFinishedMessage{CopyFinished: msg})
}

func (h *APIHandler) accept(w http.ResponseWriter, msg service.Message) {
	err := h.messages.Handle(msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
	case errors.Is(err, service.ErrNotInitialized):
		apierrors.NotInitialized(w, err.Error())
	default:
		h.logger.Warn("Сообщение не принято",
			slog.String("type", string(msg.Type())),
			slog.Any("error", err),
		)
		apierrors.ServiceUnavailable(w, err.Error())
	}
}
