package history

import (
	"context"
	"sync"
	"time"

	"github.com/corvino/fieldchat/internal/protocol"
)

// MemoryStore is an in-process store with the same semantics as
// SQLiteStore. It is used when no database path is configured.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string][]row
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]row)}
}

func (m *MemoryStore) SaveMessage(_ context.Context, recordingID string, msg protocol.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.knownLocked(recordingID, msg.ID) {
		return nil
	}
	m.rows[recordingID] = append(m.rows[recordingID], newRow(msg, time.Now()))
	return nil
}

func (m *MemoryStore) ConfirmMessage(_ context.Context, recordingID string, msg protocol.ChatMessage) error {
	if !msg.HasID() {
		return ErrNoServerID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.knownLocked(recordingID, msg.ID) {
		return nil
	}
	rows := m.rows[recordingID]
	for i := range rows {
		if rows[i].fromDevice && rows[i].serverID == "" && rows[i].body == msg.Body {
			rows[i].serverID = msg.ID
			return nil
		}
	}
	m.rows[recordingID] = append(rows, newRow(msg, time.Now()))
	return nil
}

func (m *MemoryStore) knownLocked(recordingID, serverID string) bool {
	if serverID == "" {
		return false
	}
	for _, r := range m.rows[recordingID] {
		if r.serverID == serverID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) LoadHistory(_ context.Context, recordingID string) ([]protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[recordingID]
	if len(rows) == 0 {
		return nil, nil
	}
	msgs := make([]protocol.ChatMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.message())
	}
	return msgs, nil
}

func (m *MemoryStore) LastMessage(_ context.Context, recordingID string) (protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[recordingID]
	if len(rows) == 0 {
		return protocol.ChatMessage{}, ErrNotFound
	}
	return rows[len(rows)-1].message(), nil
}

func (m *MemoryStore) Clear(_ context.Context, recordingID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.rows[recordingID]))
	delete(m.rows, recordingID)
	return n, nil
}
