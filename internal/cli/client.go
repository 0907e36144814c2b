package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/corvino/fieldchat/internal/transport"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getHealth(ctx context.Context, server string) (*protocol.HealthResponse, error) {
	url := strings.TrimRight(transport.HTTPBase(server), "/") + "/api/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &health, nil
}

// formatMessage renders a message for the terminal.
func formatMessage(m protocol.ChatMessage, color bool) string {
	ts := m.Timestamp
	if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		ts = t.Local().Format("15:04:05")
	}

	sender := m.Sender
	if color {
		sender = senderColor(m.Sender) + m.Sender + ansiReset
	}

	line := fmt.Sprintf("[%s] %s: %s", ts, sender, m.Body)
	if m.Kind == protocol.KindSystem {
		line = fmt.Sprintf("[%s] --- %s", ts, m.Body)
	}
	if m.Historical {
		line += " (history)"
	}
	return line
}

// ANSI color codes for sender coloring.
var senderColors = []string{
	"\033[36m", // Cyan
	"\033[32m", // Green
	"\033[33m", // Yellow
	"\033[35m", // Magenta
	"\033[34m", // Blue
	"\033[31m", // Red
}

const ansiReset = "\033[0m"

// senderColor returns a deterministic ANSI color for a sender name.
func senderColor(name string) string {
	var h uint32
	for _, c := range name {
		h = h*31 + uint32(c)
	}
	return senderColors[h%uint32(len(senderColors))]
}
