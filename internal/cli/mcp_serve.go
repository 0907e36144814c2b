package cli

import (
	"github.com/corvino/fieldchat/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServeCmd() *cobra.Command {
	var inboxSize int

	cmd := &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Start the MCP stdio server for the recording's conversation",
		Long:   `Runs a Model Context Protocol (MCP) server over stdio backed by a live connection. Tools: send_message, get_messages, connection_status, reconnect.`,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			// stdout carries the protocol, so logs always go to stderr as JSON.
			cfg.LogFormat = "json"
			log := newLogger(cfg)

			inbox := mcp.NewInbox(inboxSize)
			ctrl, shutdown, err := openConversation(cfg, inbox, log)
			if err != nil {
				return err
			}
			defer shutdown()

			ctrl.Start()
			return mcp.Serve(ctrl, inbox)
		},
	}

	cmd.Flags().IntVar(&inboxSize, "inbox", mcp.DefaultInboxSize, "received messages kept for get_messages")
	return cmd
}
