package server

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/rs/zerolog"
)

// RoomSnapshot holds a point-in-time view of a room for listing.
type RoomSnapshot struct {
	Recording    string
	Clients      int
	MessageCount int
}

// Room is one recording's conversation: its stored frames and the devices
// currently attached.
type Room struct {
	recording  string
	maxHistory int
	ids        *snowflake.Node
	log        zerolog.Logger

	mu       sync.RWMutex
	messages []protocol.Frame
	clients  map[*Client]struct{}
}

// NewRoom creates a room for a recording.
func NewRoom(recording string, maxHistory int, ids *snowflake.Node, log zerolog.Logger) *Room {
	return &Room{
		recording:  recording,
		maxHistory: maxHistory,
		ids:        ids,
		log:        log.With().Str("recording", recording).Logger(),
		messages:   make([]protocol.Frame, 0, 64),
		clients:    make(map[*Client]struct{}),
	}
}

// AddMessage assigns a message id and timestamp, stores the frame and
// broadcasts it to every attached client except from. from may be nil.
func (r *Room) AddMessage(f protocol.Frame, from *Client) protocol.Frame {
	f.MessageID = protocol.FlexID(r.ids.Generate().String())
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	f.IsHistorical = false

	r.mu.Lock()
	r.messages = append(r.messages, f)
	// Trim if over max history.
	if len(r.messages) > r.maxHistory {
		excess := len(r.messages) - r.maxHistory
		r.messages = r.messages[excess:]
	}
	clients := r.peersLocked(from)
	r.mu.Unlock()

	for _, c := range clients {
		c.SendFrame(f)
	}
	return f
}

// Relay forwards a frame that is not stored, such as a typing indicator.
func (r *Room) Relay(f protocol.Frame, from *Client) {
	r.mu.RLock()
	clients := r.peersLocked(from)
	r.mu.RUnlock()

	for _, c := range clients {
		c.SendFrame(f)
	}
}

// Messages returns a copy of the stored frames, oldest first.
func (r *Room) Messages() []protocol.Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Frame, len(r.messages))
	copy(out, r.messages)
	return out
}

// Join sends the stored history to c, flagged as historical, and attaches
// c in the same critical section so every message reaches it exactly once.
func (r *Room) Join(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.messages {
		f.IsHistorical = true
		c.SendFrame(f)
	}
	r.clients[c] = struct{}{}
}

// Kick closes every attached client with the given close code and reason.
// It returns how many were closed.
func (r *Room) Kick(code int, reason string) int {
	r.mu.RLock()
	clients := r.peersLocked(nil)
	r.mu.RUnlock()

	for _, c := range clients {
		c.Kick(code, reason)
	}
	if len(clients) > 0 {
		r.log.Info().Int("clients", len(clients)).Int("code", code).Msg("room kicked")
	}
	return len(clients)
}

// UnregisterClient removes a WebSocket client from the room.
func (r *Room) UnregisterClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// Snapshot returns a point-in-time summary of this room.
func (r *Room) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomSnapshot{
		Recording:    r.recording,
		Clients:      len(r.clients),
		MessageCount: len(r.messages),
	}
}

func (r *Room) peersLocked(except *Client) []*Client {
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}
