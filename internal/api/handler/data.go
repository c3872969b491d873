package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/forkscope/forkscope/pkg/chain"
)

// HandleNetworks returns the list of configured networks.
func (h *Handler) HandleNetworks(w http.ResponseWriter, r *http.Request) {
	resp := chain.NetworksResponse{
		Networks: make([]chain.NetworkJSON, 0, len(h.Networks)),
	}
	for _, network := range h.Networks {
		resp.Networks = append(resp.Networks, network.Network())
	}
	h.writeJSON(w, resp)
}

// HandleData returns the full fork graph export for one network: the
// collapsed header array plus all nodes with their current tips.
func (h *Handler) HandleData(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, network.Data())
}

// HandleInfo returns instance metadata for the front-end footer.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"footer": h.Footer})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Warn("could not write JSON response", zap.Error(err))
	}
}
