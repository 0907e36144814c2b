package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/corvino/fieldchat/internal/chat"
	"github.com/corvino/fieldchat/internal/config"
	"github.com/corvino/fieldchat/internal/history"
	"github.com/rs/zerolog"
)

const releaseWait = 2 * time.Second

// openConversation builds a controller for cfg backed by the configured
// history store. The returned func shuts both down.
func openConversation(cfg config.Config, listener chat.Listener, log zerolog.Logger) (*chat.Controller, func(), error) {
	if err := requireConversation(cfg); err != nil {
		return nil, nil, err
	}

	store, closeStore, err := history.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}

	ctrl, err := chat.New(cfg.Chat(), listener,
		chat.WithLogger(log),
		chat.WithStore(store),
	)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	shutdown := func() {
		ctrl.ClosePermanently()
		ctx, cancel := context.WithTimeout(context.Background(), releaseWait)
		defer cancel()
		if err := ctrl.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("session still flushing at exit")
		}
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("close history store")
		}
	}
	return ctrl, shutdown, nil
}
