package devserver

import (
	"sync"

	"github.com/gorilla/websocket"

	"onestop/realtime"
)

// wsClient is one live socket. Writes are serialized per connection because
// acks (from the read loop) and broadcasts (from other users' loops) can
// race on the same socket.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(ev realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

// Hub tracks active connections keyed by user ID and offers targeted and
// global broadcast helpers.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*wsClient]struct{})}
}

// Register adds a connection for the given user.
func (h *Hub) Register(userID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*wsClient]struct{})
	}
	h.conns[userID][c] = struct{}{}
}

// Unregister removes a connection for the given user.
func (h *Hub) Unregister(userID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.conns[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// SendToUsers delivers the event to every connection of the given users.
// Failed connections are closed; cleanup happens on their read loop exit.
func (h *Hub) SendToUsers(userIDs []string, ev realtime.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for c := range h.conns[uid] {
			if err := c.send(ev); err != nil {
				c.conn.Close()
			}
		}
	}
}

// Broadcast delivers the event to every connected user.
func (h *Hub) Broadcast(ev realtime.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.conns {
		for c := range conns {
			if err := c.send(ev); err != nil {
				c.conn.Close()
			}
		}
	}
}
