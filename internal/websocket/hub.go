package websocket

import "sync"

// Hub tracks live connections so shutdown can close them all.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Connection]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Connection]bool)}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		conn.CloseSend()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the Hub, closing all connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.CloseSend()
		if conn.Ws != nil {
			conn.Ws.Close()
		}
		delete(h.clients, conn)
	}
}
