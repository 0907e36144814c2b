package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/corvino/fieldchat/internal/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <url> [recording] [device]",
		Short: "Attach this directory to a relay and recording",
		Long: `Verifies the relay is reachable and writes a .fieldchat file in the
current directory so later commands pick up the server, recording and
device id. A device id is generated when none is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var serverURL, recording, device string
			if len(args) >= 1 {
				serverURL = args[0]
			}
			if len(args) >= 2 {
				recording = args[1]
			}
			if len(args) >= 3 {
				device = args[2]
			}
			return runJoin(cmd, serverURL, recording, device)
		},
	}
	return cmd
}

func runJoin(cmd *cobra.Command, serverURL, recording, device string) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	if serverURL == "" {
		serverURL = prompt(reader, out, "Relay URL: ")
	}
	if serverURL == "" {
		return fmt.Errorf("server URL is required")
	}
	serverURL = strings.TrimRight(serverURL, "/")

	fmt.Fprintf(out, "Connecting to %s ...\n", serverURL)
	health, err := getHealth(cmd.Context(), serverURL)
	if err != nil {
		return fmt.Errorf("could not reach relay: %w", err)
	}
	fmt.Fprintf(out, "Relay is %s (uptime: %s, %d rooms)\n", health.Status, health.Uptime, health.Rooms)

	if recording == "" {
		recording = prompt(reader, out, "Recording id: ")
	}
	if recording == "" {
		return fmt.Errorf("recording id is required")
	}

	if device == "" {
		device = flagDevice
	}
	if device == "" {
		device = uuid.NewString()
		fmt.Fprintf(out, "Generated device id %s\n", device)
	}

	if err := config.Save(config.FileName, config.File{
		Server:    serverURL,
		Device:    device,
		Recording: recording,
		DB:        flagDB,
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", config.FileName)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  fieldchat connect           interactive session")
	fmt.Fprintln(out, "  fieldchat send \"on site\"    one-shot message")
	fmt.Fprintln(out, "  fieldchat status            relay and local state")
	return nil
}

func prompt(r *bufio.Reader, w io.Writer, label string) string {
	fmt.Fprint(w, label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
