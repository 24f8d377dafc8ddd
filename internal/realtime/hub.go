// Package realtime pushes saga status transitions to websocket subscribers.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"caravel/internal/saga"
)

// StatusUpdate is the message pushed to subscribers on every saga
// transition.
type StatusUpdate struct {
	SagaID      string    `json:"saga_id"`
	Status      string    `json:"status"`
	CurrentStep int       `json:"current_step"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hub manages WebSocket clients and broadcasts saga updates to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte),
	}
}

// BroadcastTransition queues a saga state change for all subscribers. It is
// the coordinator's OnTransition hook.
func (h *Hub) BroadcastTransition(txn *saga.Transaction) {
	msg, err := json.Marshal(StatusUpdate{
		SagaID:      txn.ID.String(),
		Status:      string(txn.Status),
		CurrentStep: txn.CurrentStep,
		UpdatedAt:   txn.UpdatedAt,
	})
	if err != nil {
		return
	}
	h.Broadcast <- msg
}

// Run processes register/unregister/broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
