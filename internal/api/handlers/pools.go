package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/artstore/resilience-module/internal/api/errors"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
)

type poolResponse struct {
	poolinfo.PoolInformation
	// Operation - состояние сканов; nil для пулов вне resilient-групп
	Operation *poolop.Snapshot `json:"operation,omitempty"`
}

type poolsResponse struct {
	Pools []poolResponse `json:"pools"`
}

type scanResponse struct {
	Pool   string `json:"pool"`
	Queued bool   `json:"queued"`
}

type exclusionResponse struct {
	Pool    string `json:"pool"`
	Changed bool   `json:"changed"`
}

// ListPools - пулы топологии и состояние их сканов.
func (h *APIHandler) ListPools(w http.ResponseWriter, _ *http.Request) {
	infos := h.pools.PoolInfos()
	resp := poolsResponse{Pools: make([]poolResponse, 0, len(infos))}
	for _, info := range infos {
		p := poolResponse{PoolInformation: info}
		if snap, err := h.poolOps.Get(info.Name); err == nil {
			p.Operation = &snap
		}
		resp.Pools = append(resp.Pools, p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ScanPool ставит принудительный скан resilient-пула.
func (h *APIHandler) ScanPool(w http.ResponseWriter, r *http.Request) {
	name, ok := h.resilientPool(w, r)
	if !ok {
		return
	}
	queued := h.poolOps.Scan(h.pools.PoolState(name), true)
	writeJSON(w, http.StatusAccepted, scanResponse{Pool: name, Queued: queued})
}

// ExcludePool исключает пул из выбора и сканов.
func (h *APIHandler) ExcludePool(w http.ResponseWriter, r *http.Request) {
	h.setIncluded(w, r, false)
}

// IncludePool возвращает исключённый пул в работу.
func (h *APIHandler) IncludePool(w http.ResponseWriter, r *http.Request) {
	h.setIncluded(w, r, true)
}

func (h *APIHandler) setIncluded(w http.ResponseWriter, r *http.Request, included bool) {
	name, ok := h.resilientPool(w, r)
	if !ok {
		return
	}
	changed := h.poolOps.SetIncluded(poolop.Filter{Pools: []string{name}}, included)
	writeJSON(w, http.StatusOK, exclusionResponse{Pool: name, Changed: changed > 0})
}

func (h *APIHandler) resilientPool(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if _, err := h.poolOps.Get(name); err != nil {
		apierrors.NotFound(w, "Пул "+name+" не найден среди resilient-пулов")
		return "", false
	}
	return name, true
}
