package mcp

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewServer builds an MCP server exposing conv through its tools.
func NewServer(conv Conversation, inbox *Inbox) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"fieldchat",
		Version,
		mcpserver.WithToolCapabilities(true),
	)
	RegisterTools(srv, conv, inbox)
	return srv
}

// Serve runs the MCP stdio server. It blocks until stdin is closed or a
// signal is received.
func Serve(conv Conversation, inbox *Inbox) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stdioSrv := mcpserver.NewStdioServer(NewServer(conv, inbox))
	return stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
}
