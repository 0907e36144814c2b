package cli

import (
	"errors"
	"fmt"

	"github.com/corvino/fieldchat/internal/history"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check relay health and show the local conversation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			out := cmd.OutOrStdout()

			if cfg.Source != "" {
				fmt.Fprintf(out, "Config:    %s\n", cfg.Source)
			}
			fmt.Fprintf(out, "Device:    %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Recording: %s\n", cfg.RecordingID)

			if cfg.DBPath != "" && cfg.RecordingID != "" {
				store, closeStore, err := history.Open(cfg.DBPath)
				if err != nil {
					return err
				}
				defer closeStore()

				last, err := store.LastMessage(cmd.Context(), cfg.RecordingID)
				switch {
				case errors.Is(err, history.ErrNotFound):
					fmt.Fprintln(out, "Last:      (none)")
				case err != nil:
					return err
				default:
					fmt.Fprintf(out, "Last:      %s\n", formatMessage(last, false))
				}
			}

			health, err := getHealth(cmd.Context(), cfg.ServerURL)
			if err != nil {
				return fmt.Errorf("relay unreachable: %w", err)
			}
			fmt.Fprintf(out, "Relay:     %s (%s, uptime %s, %d rooms)\n", cfg.ServerURL, health.Status, health.Uptime, health.Rooms)
			return nil
		},
	}
}
