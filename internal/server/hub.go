package server

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
)

// Hub manages the active recording rooms and the device deny list.
type Hub struct {
	maxHistory int
	ids        *snowflake.Node
	log        zerolog.Logger

	mu     sync.RWMutex
	rooms  map[string]*Room
	denied map[string]struct{}
}

// NewHub creates a Hub keeping at most maxHistory messages per room. ids
// issues the server message ids.
func NewHub(maxHistory int, ids *snowflake.Node, log zerolog.Logger) *Hub {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Hub{
		maxHistory: maxHistory,
		ids:        ids,
		log:        log.With().Str("component", "relay").Logger(),
		rooms:      make(map[string]*Room),
		denied:     make(map[string]struct{}),
	}
}

// GetOrCreateRoom returns the room for a recording, creating it if needed.
func (h *Hub) GetOrCreateRoom(recording string) *Room {
	h.mu.RLock()
	r, ok := h.rooms[recording]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Double-check after acquiring write lock.
	if r, ok = h.rooms[recording]; ok {
		return r
	}
	r = NewRoom(recording, h.maxHistory, h.ids, h.log)
	h.rooms[recording] = r
	return r
}

// GetRoom returns a room or nil if it doesn't exist.
func (h *Hub) GetRoom(recording string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[recording]
}

// ListRooms returns info about all active rooms.
func (h *Hub) ListRooms() []RoomSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomSnapshot, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r.Snapshot())
	}
	return out
}

// RoomCount returns the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Deny refuses future handshakes from deviceID.
func (h *Hub) Deny(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denied[deviceID] = struct{}{}
}

// Allow lifts a denial.
func (h *Hub) Allow(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.denied, deviceID)
}

// Denied reports whether deviceID is refused.
func (h *Hub) Denied(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.denied[deviceID]
	return ok
}
