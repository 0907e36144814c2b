package cli

import (
	"errors"
	"fmt"

	"github.com/corvino/fieldchat/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation for the recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			if err := requireHistory(cfg.DBPath, cfg.RecordingID); err != nil {
				return err
			}

			store, closeStore, err := history.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer closeStore()

			msgs, err := store.LoadHistory(cmd.Context(), cfg.RecordingID)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored messages.")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m, !noColor))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the stored conversation for the recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			if err := requireHistory(cfg.DBPath, cfg.RecordingID); err != nil {
				return err
			}

			store, closeStore, err := history.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := store.Clear(cmd.Context(), cfg.RecordingID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages\n", n)
			return nil
		},
	})

	return cmd
}

func requireHistory(dbPath, recording string) error {
	if dbPath == "" {
		return errors.New("no history database configured (use --db or FIELDCHAT_DB)")
	}
	if recording == "" {
		return errors.New("recording id is required (use -r or FIELDCHAT_RECORDING)")
	}
	return nil
}
