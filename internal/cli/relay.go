package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corvino/fieldchat/internal/server"
	"github.com/spf13/cobra"
)

func newRelayCmd() *cobra.Command {
	var (
		port       int
		maxHistory int
		node       int64
		deny       []string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development relay server",
		Long: `Runs a relay speaking the device chat wire format. It keeps per-recording
history, answers heartbeat probes, and exposes admin endpoints to inject
messages, kick sessions and deny devices.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolved()
			log := newLogger(cfg)

			ids, err := snowflake.NewNode(node)
			if err != nil {
				return fmt.Errorf("snowflake node: %w", err)
			}

			hub := server.NewHub(maxHistory, ids, log)
			for _, d := range deny {
				hub.Deny(d)
			}

			addr := fmt.Sprintf(":%d", port)
			srv := server.New(hub, addr)

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("relay listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			select {
			case err := <-errCh:
				return fmt.Errorf("listen: %w", err)
			case <-stop:
			}

			log.Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "listen port")
	cmd.Flags().IntVar(&maxHistory, "max-history", 500, "max messages kept per recording")
	cmd.Flags().Int64Var(&node, "node", 1, "snowflake node id for message ids")
	cmd.Flags().StringSliceVar(&deny, "deny", nil, "device ids rejected at handshake")
	return cmd
}
