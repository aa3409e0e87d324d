package services

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one lifecycle notification streamed to websocket subscribers
type Event struct {
	Type          string    `json:"type"`
	MonitorKey    string    `json:"monitor_key,omitempty"`
	TaskID        uint      `json:"task_id,omitempty"`
	TicketID      string    `json:"ticket_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Time          time.Time `json:"time"`
}

// Event types published by the reconciler and executor
const (
	EventEpisodeOpened    = "episode_opened"
	EventEpisodeClosing   = "episode_closing"
	EventEpisodeClosed    = "episode_closed"
	EventTicketCreated    = "ticket_created"
	EventTaskRetried      = "task_retried"
	EventTaskFailed       = "task_failed"
	EventTaskDeadLettered = "task_dead_lettered"
)

// EventHub fans lifecycle events out to connected websocket clients. Slow or
// broken connections are dropped rather than blocking publishers.
type EventHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// NewEventHub creates an empty hub
func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[*websocket.Conn]bool)}
}

// Add registers a websocket connection
func (h *EventHub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
	log.Printf("EventHub: connection added (total: %d)", len(h.conns))
}

// Remove unregisters a websocket connection
func (h *EventHub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
	log.Printf("EventHub: connection removed (remaining: %d)", len(h.conns))
}

// Publish sends an event to all subscribers. Connections that error are
// evicted on the spot.
func (h *EventHub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("EventHub: dropping connection after write error: %v", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// Count returns the number of connected subscribers
func (h *EventHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
