package ws

import (
	"log"
	"sync"
)

// Hub owns the transport-level multicast groups: which connections receive a
// room's broadcasts. Presence accounting lives in the roster, not here.
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]bool),
	}
}

// Join adds the client to a room's multicast group.
func (h *Hub) Join(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
}

// Leave removes the client from a room's multicast group, dropping the room
// once empty.
func (h *Hub) Leave(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.rooms, roomID)
		log.Printf("Room %s closed (empty)", roomID)
	}
}

// Broadcast delivers data to every client in the room. A non-nil except is
// skipped, which is how sender-excluding events are scoped.
func (h *Hub) Broadcast(roomID string, data []byte, except *Client) {
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for client := range clients {
		if client == except {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop the frame rather than block the room.
			log.Printf("Dropping frame for client %s in room %s (send buffer full)", client.id, roomID)
		}
	}
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}

// GetActiveRooms returns client counts per room with at least one client.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	active := make(map[string]int, len(h.rooms))
	for roomID, clients := range h.rooms {
		active[roomID] = len(clients)
	}
	return active
}
