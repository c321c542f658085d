package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Message is the envelope broadcast to every connected websocket client.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Hub fans broadcast messages out to connected dashboard clients. Slow or
// dead clients are dropped rather than allowed to stall the broadcast loop.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool
	broadcast chan Message
}

func newHub() *Hub {
	return &Hub{
		clients:   map[*websocket.Conn]bool{},
		broadcast: make(chan Message, 64),
	}
}

// Broadcast queues a message for delivery. Messages are dropped when the
// queue is full so callers never block on slow clients.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Run delivers queued messages until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.clientsMu.Unlock()

	welcome, _ := json.Marshal(Message{Type: "hello", Timestamp: time.Now().UTC()})
	writeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(writeCtx, websocket.MessageText, welcome)
	cancel()

	go h.readLoop(conn)
}

// readLoop discards client frames; it exists to notice disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, exists := h.clients[conn]
	if exists {
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()
	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
