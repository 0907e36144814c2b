package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Frame is the JSON text frame exchanged with the chat server.
type Frame struct {
	Message      string `json:"message"`
	SenderType   string `json:"sender_type"`
	DeviceID     string `json:"device_id"`
	Timestamp    string `json:"timestamp,omitempty"`
	MessageID    FlexID `json:"message_id,omitempty"`
	IsHistorical bool   `json:"is_historical,omitempty"`
	Ping         bool   `json:"ping,omitempty"`
	Pong         bool   `json:"pong,omitempty"`
	Typing       bool   `json:"typing,omitempty"`
}

// FlexID is a message id that decodes from either a JSON string or a JSON
// number. It always encodes as a string.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    string  `json:"uptime"`
	UptimeSec float64 `json:"uptime_seconds"`
	Rooms     int     `json:"rooms"`
}

// RoomInfo describes an active recording room on the relay.
type RoomInfo struct {
	Recording    string `json:"recording"`
	Clients      int    `json:"clients"`
	MessageCount int    `json:"message_count"`
}

// RoomList is the response for GET /api/rooms.
type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// AdminMessageRequest is the JSON body for POST /api/rooms/{recording}/messages.
type AdminMessageRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}
