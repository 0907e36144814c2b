package chat

import (
	"context"

	"github.com/corvino/fieldchat/internal/protocol"
)

// HistoryStore durably records chat traffic for a recording.
type HistoryStore interface {
	// SaveMessage records one message. A message without an ID is a local
	// send the server has not confirmed.
	SaveMessage(ctx context.Context, recordingID string, msg protocol.ChatMessage) error
	// ConfirmMessage attaches msg.ID to this device's oldest unconfirmed
	// copy of msg.Body, or records msg when no such copy exists.
	ConfirmMessage(ctx context.Context, recordingID string, msg protocol.ChatMessage) error
	// LoadHistory returns stored messages for a recording, oldest first.
	LoadHistory(ctx context.Context, recordingID string) ([]protocol.ChatMessage, error)
}
