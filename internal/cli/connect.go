package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/corvino/fieldchat/internal/chat"
	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/spf13/cobra"
)

const connectHelp = `commands:
  /status     show connection state and queue depth
  /reconnect  retry now (as after a network change)
  /close      disconnect and stop retrying
  /connect    connect again after /close or an auth error
  /quit       exit
anything else is sent as a message`

func newConnectCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive chat session for the recording",
		Long: `Connects to the relay and keeps the conversation alive: messages typed
while offline are queued and flushed on reconnect, dropped connections are
retried with backoff, and stored history is shown on start.

` + connectHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			log := newLogger(cfg)
			color := !noColor

			out := cmd.OutOrStdout()
			listener := chat.ListenerFuncs{
				Message: func(m protocol.ChatMessage) {
					fmt.Fprintln(out, formatMessage(m, color))
				},
				StateChange: func(connected bool, detail string) {
					fmt.Fprintf(out, "*** %s\n", detail)
				},
				Typing: func() {
					fmt.Fprintln(out, "*** typing...")
				},
				Error: func(detail string) {
					fmt.Fprintf(out, "!!! %s\n", detail)
				},
				Queued: func(body string) {
					fmt.Fprintf(out, "*** queued until reconnect: %s\n", body)
				},
			}

			ctrl, shutdown, err := openConversation(cfg, listener, log)
			if err != nil {
				return err
			}
			defer shutdown()

			fmt.Fprintf(out, "device %s, recording %s on %s\n", cfg.DeviceID, cfg.RecordingID, cfg.ServerURL)
			ctrl.Start()

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			for {
				select {
				case <-stop:
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if quit := handleLine(ctrl, out, line); quit {
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

// handleLine runs one line of interactive input. It reports whether the
// session should end.
func handleLine(ctrl *chat.Controller, out io.Writer, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/status":
		st := ctrl.Stats()
		fmt.Fprintf(out, "state=%s attempts=%d queued=%d seen=%d last_failure=%s\n",
			st.State, st.ReconnectAttempts, st.Queued, st.Seen, st.LastFailure)
	case "/reconnect":
		ctrl.NetworkChanged()
	case "/close":
		ctrl.Close()
	case "/connect":
		ctrl.Connect()
	case "/help":
		fmt.Fprintln(out, connectHelp)
	default:
		if _, ok := ctrl.Send(line); !ok {
			fmt.Fprintln(out, "!!! not sent")
		}
	}
	return false
}
