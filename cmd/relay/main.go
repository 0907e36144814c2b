package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corvino/fieldchat/internal/logging"
	"github.com/corvino/fieldchat/internal/server"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "listen port")
	maxHistory := flag.Int("max-history", 500, "max messages kept per recording")
	node := flag.Int64("node", 1, "snowflake node id for message ids")
	deny := flag.String("deny", "", "comma-separated device ids rejected at handshake")
	logLevel := flag.String("log-level", getEnv("FIELDCHAT_LOG_LEVEL", "info"), "log level")
	logFormat := flag.String("log-format", getEnv("FIELDCHAT_LOG_FORMAT", "console"), "log format: console or json")
	flag.Parse()

	log := logging.New(*logLevel, *logFormat, os.Stderr)

	ids, err := snowflake.NewNode(*node)
	if err != nil {
		log.Fatal().Err(err).Msg("snowflake node")
	}

	hub := server.NewHub(*maxHistory, ids, log)
	for _, d := range strings.Split(*deny, ",") {
		if d = strings.TrimSpace(d); d != "" {
			hub.Deny(d)
		}
	}

	addr := fmt.Sprintf(":%d", *port)
	srv := server.New(hub, addr)

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", addr).Msg("fieldchat relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("shutdown")
	}
	log.Info().Msg("relay stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
