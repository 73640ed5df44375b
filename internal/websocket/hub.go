package websocket

import (
	"sync"

	"github.com/google/uuid"
)

// Hub indexes remote-fed clients by upload session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[uuid.UUID]map[*Client]struct{})}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[client.SessionID]
	if !ok {
		subs = make(map[*Client]struct{})
		h.sessions[client.SessionID] = subs
	}
	subs[client] = struct{}{}
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[client.SessionID]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.sessions, client.SessionID)
	}
}

// Broadcast delivers payload to the owner's clients watching sessionID.
func (h *Hub) Broadcast(sessionID, userID uuid.UUID, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.sessions[sessionID] {
		if c.UserID != userID {
			continue
		}
		c.SendMessage(payload)
		sent++
	}
	return sent
}

// Finish delivers the terminal payload, then ends and drops the owner's
// clients watching sessionID.
func (h *Hub) Finish(sessionID, userID uuid.UUID, payload []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.sessions[sessionID]
	done := 0
	for c := range subs {
		if c.UserID != userID {
			continue
		}
		c.SendMessage(payload)
		close(c.Send)
		delete(subs, c)
		done++
	}
	if len(subs) == 0 {
		delete(h.sessions, sessionID)
	}
	return done
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.sessions {
		n += len(subs)
	}
	return n
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
