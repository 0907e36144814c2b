package mcp

import (
	"sync"

	"github.com/corvino/fieldchat/internal/protocol"
)

// DefaultInboxSize bounds how many received messages the tool surface keeps.
const DefaultInboxSize = 200

// Inbox is a chat.Listener that buffers what the controller reports so
// tool calls can read it later.
type Inbox struct {
	mu        sync.Mutex
	size      int
	messages  []protocol.ChatMessage
	connected bool
	detail    string
	lastError string
	queued    int
	typing    int
}

// NewInbox creates an inbox keeping at most size messages.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{size: size, detail: "disconnected"}
}

func (b *Inbox) OnMessage(msg protocol.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	if over := len(b.messages) - b.size; over > 0 {
		b.messages = append([]protocol.ChatMessage(nil), b.messages[over:]...)
	}
}

func (b *Inbox) OnConnectionStateChange(connected bool, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
	b.detail = detail
}

func (b *Inbox) OnTypingIndicator() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typing++
}

func (b *Inbox) OnError(detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = detail
}

func (b *Inbox) OnQueued(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued++
}

// Latest returns up to n of the most recent messages, oldest first.
// n <= 0 returns everything buffered.
func (b *Inbox) Latest(n int) []protocol.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if n > 0 && n < len(b.messages) {
		start = len(b.messages) - n
	}
	return append([]protocol.ChatMessage(nil), b.messages[start:]...)
}

// Status is what the inbox has heard about the connection.
type Status struct {
	Connected bool
	Detail    string
	LastError string
	Queued    int
	Typing    int
}

// Status returns the last reported connection status.
func (b *Inbox) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Connected: b.connected,
		Detail:    b.detail,
		LastError: b.lastError,
		Queued:    b.queued,
		Typing:    b.typing,
	}
}
