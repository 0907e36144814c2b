package protocol

// Kind identifies who authored a chat message.
type Kind string

// Message kinds.
const (
	KindAdmin  Kind = "admin"
	KindDevice Kind = "device"
	KindSystem Kind = "system"
)

// ParseKind maps a wire sender_type to a Kind. Unknown or missing values
// are reported as system messages.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindAdmin:
		return KindAdmin
	case KindDevice:
		return KindDevice
	default:
		return KindSystem
	}
}

// ChatMessage is a message as surfaced to the UI layer. It is a value type
// and is never mutated after construction.
//
// ID is the server-issued message id. Empty means absent: the message was
// composed locally and not yet confirmed, or the server sent none.
type ChatMessage struct {
	Body       string
	Kind       Kind
	Sender     string
	Timestamp  string
	ID         string
	Historical bool
}

// HasID reports whether the message carries a server-issued id.
func (m ChatMessage) HasID() bool {
	return m.ID != ""
}

// FromDevice reports whether the message was authored by a device.
func (m ChatMessage) FromDevice() bool {
	return m.Kind == KindDevice
}
