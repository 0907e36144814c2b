package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/corvino/fieldchat/internal/protocol"
)

// ErrNotFound is returned when a recording has no stored messages.
var ErrNotFound = errors.New("no stored messages")

// ErrNoServerID is returned when confirming a message that carries no id.
var ErrNoServerID = errors.New("message has no server id")

// SQLiteStore keeps chat history in SQLite. A message carrying a server id
// is stored at most once per recording.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an opened database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// SaveMessage records one message. A message without an id is a local send
// the server has not confirmed. Re-saving a known server id is a no-op.
func (s *SQLiteStore) SaveMessage(ctx context.Context, recordingID string, msg protocol.ChatMessage) error {
	return saveRow(ctx, s.db, recordingID, msg, s.now().UTC())
}

// ConfirmMessage attaches msg.ID to the oldest unconfirmed device message of
// the recording with the same body. When there is none, msg is saved as a
// new row.
func (s *SQLiteStore) ConfirmMessage(ctx context.Context, recordingID string, msg protocol.ChatMessage) error {
	if !msg.HasID() {
		return ErrNoServerID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin confirm: %w", err)
	}
	defer tx.Rollback()

	var known int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recording_id = ? AND server_id = ?`,
		recordingID, msg.ID,
	).Scan(&known)
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}
	if known > 0 {
		return tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET server_id = ?
		WHERE id = (
			SELECT id FROM messages
			WHERE recording_id = ? AND from_device = 1 AND server_id IS NULL AND body = ?
			ORDER BY id ASC
			LIMIT 1
		)
	`, msg.ID, recordingID, msg.Body)
	if err != nil {
		return fmt.Errorf("failed to confirm message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count confirmed rows: %w", err)
	}
	if n == 0 {
		if err := saveRow(ctx, tx, recordingID, msg, s.now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveRow(ctx context.Context, db execer, recordingID string, msg protocol.ChatMessage, at time.Time) error {
	query := `
		INSERT OR IGNORE INTO messages (recording_id, body, from_device, server_id, sender, kind, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var sid sql.NullString
	if msg.HasID() {
		sid = sql.NullString{String: msg.ID, Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		recordingID, msg.Body, msg.FromDevice(), sid, msg.Sender, string(msg.Kind), msg.Timestamp, at)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// LoadHistory returns a recording's messages, oldest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context, recordingID string) ([]protocol.ChatMessage, error) {
	query := `
		SELECT body, from_device, server_id, sender, kind, sent_at, created_at
		FROM messages
		WHERE recording_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, recordingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return msgs, nil
}

// LastMessage returns the most recent message of a recording.
func (s *SQLiteStore) LastMessage(ctx context.Context, recordingID string) (protocol.ChatMessage, error) {
	query := `
		SELECT body, from_device, server_id, sender, kind, sent_at, created_at
		FROM messages
		WHERE recording_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, recordingID))
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ChatMessage{}, ErrNotFound
	}
	return msg, err
}

// Clear deletes a recording's history and reports how many rows went.
func (s *SQLiteStore) Clear(ctx context.Context, recordingID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE recording_id = ?`, recordingID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared rows: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (protocol.ChatMessage, error) {
	var (
		r        row
		serverID sql.NullString
	)
	if err := sc.Scan(&r.body, &r.fromDevice, &serverID, &r.sender, &r.kind, &r.sentAt, &r.at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.ChatMessage{}, err
		}
		return protocol.ChatMessage{}, fmt.Errorf("failed to scan message: %w", err)
	}
	r.serverID = serverID.String
	return r.message(), nil
}

// row is one persisted message.
type row struct {
	body       string
	fromDevice bool
	serverID   string
	sender     string
	kind       string
	sentAt     string
	at         time.Time
}

func newRow(msg protocol.ChatMessage, at time.Time) row {
	return row{
		body:       msg.Body,
		fromDevice: msg.FromDevice(),
		serverID:   msg.ID,
		sender:     msg.Sender,
		kind:       string(msg.Kind),
		sentAt:     msg.Timestamp,
		at:         at,
	}
}

// message rebuilds the ChatMessage for a row. Rows written before sender,
// kind and sent_at were recorded fall back to the save time and a sender
// derived from from_device.
func (r row) message() protocol.ChatMessage {
	kind := protocol.KindAdmin
	if r.fromDevice {
		kind = protocol.KindDevice
	}
	if r.kind != "" {
		kind = protocol.ParseKind(r.kind)
	}
	sender := r.sender
	if sender == "" {
		sender = string(kind)
	}
	ts := r.sentAt
	if ts == "" {
		ts = r.at.UTC().Format(time.RFC3339)
	}
	return protocol.ChatMessage{
		Body:       r.body,
		Kind:       kind,
		Sender:     sender,
		Timestamp:  ts,
		ID:         r.serverID,
		Historical: true,
	}
}

// Store is the full history surface used by the command line tools.
type Store interface {
	SaveMessage(ctx context.Context, recordingID string, msg protocol.ChatMessage) error
	ConfirmMessage(ctx context.Context, recordingID string, msg protocol.ChatMessage) error
	LoadHistory(ctx context.Context, recordingID string) ([]protocol.ChatMessage, error)
	LastMessage(ctx context.Context, recordingID string) (protocol.ChatMessage, error)
	Clear(ctx context.Context, recordingID string) (int64, error)
}

// Open returns a SQLite-backed Store for path, or a MemoryStore when path is
// empty. The returned func releases the store.
func Open(path string) (Store, func() error, error) {
	if path == "" {
		return NewMemoryStore(), func() error { return nil }, nil
	}
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return NewSQLiteStore(db), db.Close, nil
}
