package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/corvino/fieldchat/internal/chat"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		body string
		wait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message to the recording's conversation",
		Long: `Connects, sends one message and disconnects once it has been handed to
the relay. Message content can come from:
  - Positional arguments (joined with spaces)
  - The --body flag
  - Stdin (if no args and no --body)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			log := newLogger(cfg)

			var content string
			switch {
			case body != "":
				content = body
			case len(args) > 0:
				content = strings.Join(args, " ")
			default:
				stat, _ := os.Stdin.Stat()
				if (stat.Mode() & os.ModeCharDevice) == 0 {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
					content = string(b)
				} else {
					return fmt.Errorf("no message provided (use args, --body, or pipe to stdin)")
				}
			}
			content = strings.TrimRight(content, "\n")

			failed := make(chan string, 1)
			listener := chat.ListenerFuncs{
				Error: func(detail string) {
					select {
					case failed <- detail:
					default:
					}
				},
			}

			ctrl, shutdown, err := openConversation(cfg, listener, log)
			if err != nil {
				return err
			}
			defer shutdown()

			ctrl.Start()
			if _, ok := ctrl.Send(content); !ok {
				return fmt.Errorf("message is empty")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := awaitDelivery(ctx, ctrl, failed); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "sent to recording %q\n", cfg.RecordingID)
			return nil
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "message body (alternative to args/stdin)")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for a connection")
	return cmd
}

// awaitDelivery blocks until the controller is connected with nothing left
// in its offline queue.
func awaitDelivery(ctx context.Context, ctrl *chat.Controller, failed <-chan string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case detail := <-failed:
			return errors.New(detail)
		case <-ctx.Done():
			st := ctrl.Stats()
			return fmt.Errorf("not delivered (%s, %d queued): %w", st.State, st.Queued, ctx.Err())
		case <-ticker.C:
			st := ctrl.Stats()
			if st.State == chat.Connected && st.Queued == 0 {
				return nil
			}
		}
	}
}
