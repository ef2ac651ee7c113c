package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// handleListAllocations handles GET /v1/allocations.
func (h *Handler) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.cfg.Engine.Allocations())
}

// handleSetAllocation handles PUT /v1/allocations/{tier}.
func (h *Handler) handleSetAllocation(w http.ResponseWriter, r *http.Request) {
	tier, err := domain.ParseTier(r.PathValue("tier"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	var req SetAllocationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil {
		h.handleServiceError(w, r, domain.ErrInvalidArgument.WithDetails("invalid request body"))
		return
	}
	if err := h.cfg.Engine.SetAllocation(r.Context(), tier, req.Bytes); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	for _, a := range h.cfg.Engine.Allocations() {
		if a.Tier == tier {
			h.writeJSON(w, r, http.StatusOK, a)
			return
		}
	}
	h.writeJSON(w, r, http.StatusOK, nil)
}

// handleSync handles POST /v1/sync. It runs one maintenance pass and
// returns its report even when the pass partly failed.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.cfg.Engine.Sync(r.Context())
	if err != nil && report == nil {
		h.handleServiceError(w, r, err)
		return
	}
	if err != nil {
		code := domain.GetErrorCode(err)
		if code == "" {
			code = CodeInternal
		}
		h.writeError(w, r, http.StatusMultiStatus, code, err.Error(), report)
		return
	}
	h.writeJSON(w, r, http.StatusOK, report)
}

// handleListPeers handles GET /v1/peers.
func (h *Handler) handleListPeers(w http.ResponseWriter, r *http.Request) {
	views := []PeerView{}
	if h.cfg.Peers != nil {
		for _, p := range h.cfg.Peers.Snapshot() {
			views = append(views, PeerView{
				NodeID:       p.NodeID,
				Role:         p.Role,
				State:        p.State,
				Capacity:     p.AdvertisedCapacity,
				Battery:      p.Battery,
				ReachableVia: p.ReachableVia,
				LastSeen:     p.LastHeartbeat,
			})
		}
	}
	slices.SortFunc(views, func(a, b PeerView) int { return strings.Compare(a.NodeID, b.NodeID) })
	h.writeJSON(w, r, http.StatusOK, views)
}
