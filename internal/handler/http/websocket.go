package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/whatsapp-hub/supervisor/internal/apperr"
)

// upgrader accepts cross-origin connections; the router installs no
// authentication middleware in front of this handler.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsPingInterval = 30 * time.Second

// eventStream upgrades to a websocket and forwards this instance's recorded
// driver events as they happen; state transitions are not sent on this
// stream (SPEC_FULL.md "GET /instances/{id}/events/ws").
func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.manager.Get(id)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "instance not found"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("http: websocket upgrade failed", "instance", id, "err", err)
		return
	}
	defer conn.Close()

	events, cancel := c.Subscribe()
	defer cancel()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
