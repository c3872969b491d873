// Package handler implements the HTTP handlers of the observer API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/forkscope/forkscope/internal/notify"
	"github.com/forkscope/forkscope/internal/reconcile"
	"github.com/forkscope/forkscope/internal/rss"
)

// Handler holds the dependencies for API handlers.
type Handler struct {
	Logger   *zap.Logger
	Notifier *notify.Notifier
	Feeds    *rss.Generator

	// Networks in config order, plus an id lookup for path parameters.
	Networks []*reconcile.Reconciler
	byID     map[int]*reconcile.Reconciler

	WWWPath string
	Footer  string
}

// NewHandler creates a new Handler instance.
func NewHandler(networks []*reconcile.Reconciler, notifier *notify.Notifier, feeds *rss.Generator, logger *zap.Logger, wwwPath, footer string) *Handler {
	byID := make(map[int]*reconcile.Reconciler, len(networks))
	for _, network := range networks {
		byID[network.NetworkID()] = network
	}
	return &Handler{
		Logger:   logger,
		Notifier: notifier,
		Feeds:    feeds,
		Networks: networks,
		byID:     byID,
		WWWPath:  wwwPath,
		Footer:   footer,
	}
}

// NewRouter creates and configures the HTTP router with all API routes.
func (h *Handler) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/networks.json", h.HandleNetworks).Methods(http.MethodGet)
	r.HandleFunc("/api/info.json", h.HandleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/changes", h.HandleChangesSSE).Methods(http.MethodGet)
	r.HandleFunc("/api/changes/ws", h.HandleChangesWS).Methods(http.MethodGet)
	r.HandleFunc("/api/{network}/data.json", h.HandleData).Methods(http.MethodGet)

	r.HandleFunc("/rss/{network}/forks.xml", h.HandleFeed(rss.FeedForks)).Methods(http.MethodGet)
	r.HandleFunc("/rss/{network}/invalid.xml", h.HandleFeed(rss.FeedInvalid)).Methods(http.MethodGet)
	r.HandleFunc("/rss/{network}/lagging.xml", h.HandleFeed(rss.FeedLagging)).Methods(http.MethodGet)
	r.HandleFunc("/rss/{network}/unreachable.xml", h.HandleFeed(rss.FeedUnreachable)).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)

	if h.WWWPath != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(h.WWWPath)))
	}

	return r
}

// network resolves the {network} path parameter, writing a 404 on failure.
func (h *Handler) network(w http.ResponseWriter, r *http.Request) (*reconcile.Reconciler, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["network"])
	if err == nil {
		if network, ok := h.byID[id]; ok {
			return network, true
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error":"unknown network"}`))
	return nil, false
}

// HandleHealth returns a simple health check response.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
