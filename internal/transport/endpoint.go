package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Identity headers carrying the device id. Servers differ in which one they
// read, so both are sent.
const (
	HeaderDeviceID    = "X-Device-ID"
	HeaderAltDeviceID = "Device-ID"
)

// BuildURL derives the chat endpoint for a device and recording from the
// server base URL. The device id appears in the path and in the query.
//
//	http://host:8080 -> ws://host:8080/ws/chat/{device}/{recording}?device_id={device}
func BuildURL(serverURL, deviceID, recordingID string) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("build endpoint: device id is required")
	}
	if recordingID == "" {
		return "", fmt.Errorf("build endpoint: recording id is required")
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse server URL: missing host in %q", serverURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u = u.JoinPath("ws", "chat", url.PathEscape(deviceID), url.PathEscape(recordingID))
	q := u.Query()
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// IdentityHeader returns the handshake headers identifying deviceID.
func IdentityHeader(deviceID string) http.Header {
	h := http.Header{}
	h.Set(HeaderDeviceID, deviceID)
	h.Set(HeaderAltDeviceID, deviceID)
	return h
}

// HTTPBase converts a ws(s) URL back to its http(s) form. Plain http(s)
// URLs are returned unchanged.
func HTTPBase(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "wss://"):
		return "https://" + strings.TrimPrefix(serverURL, "wss://")
	case strings.HasPrefix(serverURL, "ws://"):
		return "http://" + strings.TrimPrefix(serverURL, "ws://")
	}
	return serverURL
}
