package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FrameType classifies a decoded inbound frame.
type FrameType int

const (
	// FrameMalformed is an empty or unusable frame. It is dropped.
	FrameMalformed FrameType = iota
	// FrameChat carries a chat message for the UI.
	FrameChat
	// FrameProbe is a heartbeat probe from the peer.
	FrameProbe
	// FrameReply answers a heartbeat probe we sent.
	FrameReply
	// FrameTyping signals that the peer is composing a message.
	FrameTyping
	// FrameHousekeeping is a structured frame with no displayable body.
	FrameHousekeeping
)

func (t FrameType) String() string {
	switch t {
	case FrameChat:
		return "chat"
	case FrameProbe:
		return "probe"
	case FrameReply:
		return "reply"
	case FrameTyping:
		return "typing"
	case FrameHousekeeping:
		return "housekeeping"
	default:
		return "malformed"
	}
}

// Placeholder bodies carried by heartbeat frames.
const (
	probeBody = "ping"
	replyBody = "pong"
)

// Decoded is the result of decoding one inbound text frame.
// Message is only meaningful when Type is FrameChat.
type Decoded struct {
	Type    FrameType
	Message ChatMessage
}

// Codec encodes outbound frames on behalf of a single device and decodes
// inbound frames into tagged events.
type Codec struct {
	deviceID string
	now      func() time.Time
}

// NewCodec creates a codec that stamps outbound frames with deviceID.
func NewCodec(deviceID string) *Codec {
	return &Codec{deviceID: deviceID, now: time.Now}
}

// WithClock returns a copy of the codec that reads timestamps from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// DeviceID returns the device identity the codec stamps on frames.
func (c *Codec) DeviceID() string {
	return c.deviceID
}

// EncodeChat builds a chat frame carrying body and the device identity.
func (c *Codec) EncodeChat(body string) (string, error) {
	return c.encode(Frame{
		Message:    body,
		SenderType: string(KindDevice),
		DeviceID:   c.deviceID,
		Timestamp:  c.now().UTC().Format(time.RFC3339),
	})
}

// EncodeProbe builds a heartbeat probe.
func (c *Codec) EncodeProbe() (string, error) {
	return c.encode(Frame{
		Message:    probeBody,
		SenderType: string(KindDevice),
		DeviceID:   c.deviceID,
		Ping:       true,
	})
}

// EncodeReply builds the reply to a peer's heartbeat probe.
func (c *Codec) EncodeReply() (string, error) {
	return c.encode(Frame{
		Message:    replyBody,
		SenderType: string(KindDevice),
		DeviceID:   c.deviceID,
		Pong:       true,
	})
}

// EncodeTyping builds a typing indicator frame.
func (c *Codec) EncodeTyping() (string, error) {
	return c.encode(Frame{
		SenderType: string(KindDevice),
		DeviceID:   c.deviceID,
		Typing:     true,
	})
}

func (c *Codec) encode(f Frame) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return string(data), nil
}

// Decode classifies an inbound text frame. It never fails: text that is not
// a JSON object is surfaced as a system chat message carrying the raw text.
func (c *Codec) Decode(text string) Decoded {
	return Decode(text)
}

// Decode classifies an inbound text frame. See Codec.Decode.
func Decode(text string) Decoded {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Decoded{Type: FrameMalformed}
	}

	var f Frame
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &f) != nil {
		return Decoded{
			Type: FrameChat,
			Message: ChatMessage{
				Body:   text,
				Kind:   KindSystem,
				Sender: string(KindSystem),
			},
		}
	}

	switch {
	case f.Ping:
		return Decoded{Type: FrameProbe}
	case f.Pong:
		return Decoded{Type: FrameReply}
	case f.Typing:
		return Decoded{Type: FrameTyping}
	}

	body := f.Message
	if strings.TrimSpace(body) == "" || body == probeBody || body == replyBody {
		return Decoded{Type: FrameHousekeeping}
	}

	kind := ParseKind(f.SenderType)
	sender := string(kind)
	if kind == KindDevice && f.DeviceID != "" {
		sender = f.DeviceID
	}

	return Decoded{
		Type: FrameChat,
		Message: ChatMessage{
			Body:       body,
			Kind:       kind,
			Sender:     sender,
			Timestamp:  f.Timestamp,
			ID:         string(f.MessageID),
			Historical: f.IsHistorical,
		},
	}
}
