package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/arturkryukov/artstore/resilience-module/internal/api/errors"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/topology"
)

// TopologyApplier применяет снимки топологии (реализуется service.PoolInfoChangeHandler).
type TopologyApplier interface {
	Apply(ctx context.Context, t *model.Topology) (*poolinfo.Diff, error)
	Initialized() bool
}

type topologyResponse struct {
	Changed bool   `json:"changed"`
	Diff    string `json:"diff,omitempty"`
}

// PutTopology принимает полный снимок топологии.
func (h *APIHandler) PutTopology(w http.ResponseWriter, r *http.Request) {
	var t model.Topology
	if err := h.decode(w, r, &t); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if err := topology.Validate(&t); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	t.ReceivedAt = time.Now()

	diff, err := h.topology.Apply(r.Context(), &t)
	if err != nil {
		h.logger.Error("Снимок топологии не применён", slog.Any("error", err))
		apierrors.InternalError(w, "Не удалось применить снимок топологии")
		return
	}
	resp := topologyResponse{Changed: !diff.IsEmpty()}
	if resp.Changed {
		resp.Diff = diff.String()
	}
	writeJSON(w, http.StatusOK, resp)
}
