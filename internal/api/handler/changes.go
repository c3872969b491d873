package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forkscope/forkscope/pkg/chain"
)

// keepAliveInterval is how often idle push connections get a liveness probe,
// an SSE comment or a websocket ping. Keeps reverse proxies from reaping the
// connection.
const keepAliveInterval = 30 * time.Second

// HandleChangesSSE streams change events as server-sent events. Each event
// names the changed network; consumers re-fetch data.json.
func (h *Handler) HandleChangesSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := h.Notifier.Subscribe(r.Context())
	if err != nil {
		h.Logger.Error("could not subscribe SSE client", zap.Error(err))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case networkID, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(chain.ChangedEvent{NetworkID: networkID})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: tip_changed\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is public and read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleChangesWS pushes the same change events over a websocket.
func (h *Handler) HandleChangesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, err := h.Notifier.Subscribe(r.Context())
	if err != nil {
		h.Logger.Error("could not subscribe websocket client", zap.Error(err))
		return
	}

	// Drain the read side so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case networkID, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(chain.ChangedEvent{NetworkID: networkID}); err != nil {
				return
			}
		}
	}
}
