package ws

import (
	"sync"

	"collab-engine/internal/session"
)

// Hub tracks which connections belong to which document room and fans
// messages out to them. One user may hold several connections (tabs), so
// rooms key on the connection, not the user.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join adds a connection to its document room. Called once the session is
// active; connections still syncing receive nothing.
func (h *Hub) Join(documentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[documentID] == nil {
		h.rooms[documentID] = make(map[*Conn]struct{})
	}
	h.rooms[documentID][c] = struct{}{}
}

// Leave removes a connection. Idempotent.
func (h *Hub) Leave(documentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[documentID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, documentID)
		}
	}
}

// Broadcast enqueues msg on every connection in the room except the sender.
// Pass a nil except to reach everyone.
func (h *Hub) Broadcast(documentID string, msg any, except *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[documentID]))
	for c := range h.rooms[documentID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// BroadcastSessionList is the session manager's membership listener.
func (h *Hub) BroadcastSessionList(documentID string, active []session.Session) {
	h.Broadcast(documentID, SessionListMessage{
		Type:       "session_list",
		DocumentID: documentID,
		Sessions:   active,
	}, nil)
}
