package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/artstore/resilience-module/internal/api/errors"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
)

type operationsResponse struct {
	Total      int               `json:"total"`
	Operations []fileop.Snapshot `json:"operations"`
}

type historyResponse struct {
	Records []fileop.HistoryRecord `json:"records"`
}

// ListOperations - операции над файлами. Параметры: state (через
// запятую), pool, limit.
func (h *APIHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	q := r.URL.Query()
	filter := fileop.Filter{Pool: q.Get("pool")}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := fileop.State(strings.ToUpper(strings.TrimSpace(s)))
			if !state.IsValid() {
				apierrors.ValidationError(w, "state: недопустимое значение "+s)
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	total, _ := h.ops.Count(filter)
	ops := h.ops.List(filter, limit)
	if ops == nil {
		ops = []fileop.Snapshot{}
	}
	writeJSON(w, http.StatusOK, operationsResponse{Total: total, Operations: ops})
}

// GetOperation - операция над одним файлом.
func (h *APIHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	pnfsID := model.PnfsID(chi.URLParam(r, "pnfsid"))
	op, err := h.ops.Operation(pnfsID)
	if errors.Is(err, fileop.ErrOperationNotFound) {
		apierrors.NotFound(w, "Операция над файлом "+string(pnfsID)+" не найдена")
		return
	}
	if err != nil {
		apierrors.InternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, op.Snapshot(h.pools))
}

// ListHistory - завершённые операции. Параметры: failed=true, limit.
func (h *APIHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	failed := r.URL.Query().Get("failed") == "true"

	records := h.ops.History().List(failed, limit)
	if records == nil {
		records = []fileop.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Records: records})
}
