package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvino/fieldchat/internal/chat"
	"github.com/corvino/fieldchat/internal/protocol"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Conversation is the slice of chat.Controller the tools drive.
type Conversation interface {
	Send(text string) (protocol.ChatMessage, bool)
	Stats() chat.Stats
	Connect()
	NetworkChanged()
	DeviceID() string
	RecordingID() string
}

// prop is a shorthand for building a JSON Schema property.
func prop(typ, desc string) any {
	return map[string]any{
		"type":        typ,
		"description": desc,
	}
}

// RegisterTools adds the fieldchat tools to the MCP server.
func RegisterTools(srv *mcpserver.MCPServer, conv Conversation, inbox *Inbox) {
	srv.AddTool(mcplib.Tool{
		Name:        "send_message",
		Description: "Send a chat message to the recording's conversation. Messages are queued while offline and flushed on reconnect.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"text": prop("string", "The message text to send"),
			},
			Required: []string{"text"},
		},
	}, makeSendMessageHandler(conv))

	srv.AddTool(mcplib.Tool{
		Name:        "get_messages",
		Description: "Read recent messages received in this conversation, including stored history.",
		InputSchema: mcplib.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"latest": prop("number", "Get the last N messages (default: 20)"),
			},
		},
	}, makeGetMessagesHandler(inbox))

	srv.AddTool(mcplib.Tool{
		Name:        "connection_status",
		Description: "Report the connection state, reconnect attempts and offline queue depth.",
		InputSchema: mcplib.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, makeStatusHandler(conv, inbox))

	srv.AddTool(mcplib.Tool{
		Name:        "reconnect",
		Description: "Reconnect now, resetting the backoff. Use after the network comes back or after an authentication error was fixed.",
		InputSchema: mcplib.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, makeReconnectHandler(conv))
}

func makeSendMessageHandler(conv Conversation) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		text := request.GetString("text", "")
		if strings.TrimSpace(text) == "" {
			return mcplib.NewToolResultError("text is required"), nil
		}

		msg, ok := conv.Send(text)
		if !ok {
			return mcplib.NewToolResultError("conversation is closed"), nil
		}

		if st := conv.Stats(); st.State != chat.Connected {
			return mcplib.NewToolResultText(fmt.Sprintf("Message queued while %s (%d waiting)", st.State, st.Queued)), nil
		}
		return mcplib.NewToolResultText(fmt.Sprintf("Message sent at %s", msg.Timestamp)), nil
	}
}

func makeGetMessagesHandler(inbox *Inbox) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		latest := request.GetInt("latest", 20)

		msgs := inbox.Latest(latest)
		if len(msgs) == 0 {
			return mcplib.NewToolResultText("No messages found."), nil
		}

		var sb strings.Builder
		for _, m := range msgs {
			writeMessage(&sb, m)
		}
		return mcplib.NewToolResultText(sb.String()), nil
	}
}

func writeMessage(sb *strings.Builder, m protocol.ChatMessage) {
	sb.WriteString("[")
	if m.Timestamp != "" {
		sb.WriteString(m.Timestamp)
		sb.WriteString(" ")
	}
	sb.WriteString(string(m.Kind))
	sb.WriteString("] ")
	sb.WriteString(m.Sender)
	sb.WriteString(": ")
	sb.WriteString(m.Body)
	if m.Historical {
		sb.WriteString(" (history)")
	}
	sb.WriteString("\n")
}

func makeStatusHandler(conv Conversation, inbox *Inbox) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		st := conv.Stats()
		heard := inbox.Status()

		var sb strings.Builder
		fmt.Fprintf(&sb, "device: %s\nrecording: %s\nstate: %s\n", conv.DeviceID(), conv.RecordingID(), st.State)
		fmt.Fprintf(&sb, "reconnect attempts: %d\nqueued: %d\n", st.ReconnectAttempts, st.Queued)
		if st.LastFailure != chat.FailureNone {
			fmt.Fprintf(&sb, "last failure: %s\n", st.LastFailure)
		}
		if heard.LastError != "" {
			fmt.Fprintf(&sb, "last error: %s\n", heard.LastError)
		}
		return mcplib.NewToolResultText(sb.String()), nil
	}
}

func makeReconnectHandler(conv Conversation) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		st := conv.Stats()
		switch st.State {
		case chat.ClosedPermanently:
			return mcplib.NewToolResultError("conversation is closed"), nil
		case chat.Connected:
			return mcplib.NewToolResultText("Already connected."), nil
		}

		if st.State == chat.Disconnected {
			conv.Connect()
			return mcplib.NewToolResultText("Reconnecting."), nil
		}
		conv.NetworkChanged()
		return mcplib.NewToolResultText("Connection attempt in progress, backoff reset."), nil
	}
}
