package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/forkscope/forkscope/internal/rss"
)

// HandleFeed serves one of the per-network RSS feeds.
func (h *Handler) HandleFeed(kind rss.FeedKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		network, ok := h.network(w, r)
		if !ok {
			return
		}
		body, err := h.Feeds.Feed(kind, network)
		if err != nil {
			h.Logger.Error("could not render feed",
				zap.String("feed", string(kind)),
				zap.Int("network", network.NetworkID()),
				zap.Error(err),
			)
			http.Error(w, "feed rendering failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
