package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/arumes31/kumawise/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops UI may be served from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams episode and task lifecycle events to ops consumers
type WSHandler struct {
	hub *services.EventHub
}

// NewWSHandler creates a websocket handler over the event hub
func NewWSHandler(hub *services.EventHub) *WSHandler {
	return &WSHandler{hub: hub}
}

// HandleEvents upgrades GET /ws/events and subscribes the connection to the
// event hub until the client disconnects.
func (h *WSHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: upgrade failed: %v", err)
		return
	}

	h.hub.Add(conn)
	defer func() {
		h.hub.Remove(conn)
		conn.Close()
	}()

	// Drain client frames so pings are answered; events flow one-way from
	// the hub.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
