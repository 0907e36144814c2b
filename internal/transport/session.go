// Package transport owns the physical duplex connection to the chat server.
//
// A Session reports what happened on the wire and nothing more. It never
// reconnects on its own; that decision belongs to the caller.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotOpen is returned by Send when the session is not established.
	ErrNotOpen = errors.New("session not open")
	// ErrSendBufferFull is returned by Send when the writer cannot keep up.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrAuthRejected marks a handshake the server refused for identity reasons.
	ErrAuthRejected = errors.New("authentication rejected")
)

// EventType identifies a session event.
type EventType int

const (
	EventOpened EventType = iota
	EventMessage
	EventClosed
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "error"
	}
}

// Event is one report from a Session. A session emits at most one
// EventOpened, then any number of EventMessage, then exactly one terminal
// EventClosed or EventError. Nothing follows the terminal event.
type Event struct {
	Type EventType

	// Text is set for EventMessage.
	Text string

	// Code, Reason and Remote are set for EventClosed.
	Code   int
	Reason string
	Remote bool

	// Err is set for EventError.
	Err error
}

// Terminal reports whether the event ends the session.
func (e Event) Terminal() bool {
	return e.Type == EventClosed || e.Type == EventError
}

// Close codes servers use to refuse a device.
const (
	closePolicyViolation = 1008
	closeAuthFailed      = 4001
	closeForbidden       = 4003
)

// AuthRejected reports whether a terminal event means the server refused
// this device. Such sessions must not be retried.
func (e Event) AuthRejected() bool {
	switch e.Type {
	case EventError:
		return errors.Is(e.Err, ErrAuthRejected)
	case EventClosed:
		switch e.Code {
		case closePolicyViolation, closeAuthFailed, closeForbidden:
			return true
		}
		reason := strings.ToLower(e.Reason)
		for _, marker := range []string{"403", "401", "auth", "forbidden", "unauthorized"} {
			if strings.Contains(reason, marker) {
				return true
			}
		}
	}
	return false
}

func (e Event) String() string {
	switch e.Type {
	case EventClosed:
		return fmt.Sprintf("closed code=%d reason=%q remote=%v", e.Code, e.Reason, e.Remote)
	case EventError:
		return fmt.Sprintf("error: %v", e.Err)
	case EventMessage:
		return fmt.Sprintf("message (%d bytes)", len(e.Text))
	default:
		return e.Type.String()
	}
}

// Session is one attempt at a live connection. It is single-use: after its
// terminal event or Close a new Session is needed.
type Session interface {
	// Open starts connecting in the background. Progress is reported on Events.
	Open(endpoint string, header http.Header)
	// Send queues a text frame. It fails with ErrNotOpen before the session is
	// established or after it ends.
	Send(text string) error
	// Close tears the session down without blocking. It is safe before Open
	// has completed and no event is delivered once it returns.
	Close(graceful bool)
	// Events streams session events.
	Events() <-chan Event
	// Done is closed once the session has released its connection.
	Done() <-chan struct{}
}

// Factory creates a fresh, unopened Session.
type Factory func() Session
