package cli

import (
	"fmt"
	"os"

	"github.com/corvino/fieldchat/internal/config"
	"github.com/corvino/fieldchat/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDevice    string
	flagRecording string
	flagDB        string
	flagLogLevel  string
	flagLogFormat string
)

// settings is the resolved configuration shared by every command. Flags
// are bound over the values Load produced, so they win.
var settings config.Config

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldchat",
		Short:         "Field device chat client with offline queueing and automatic reconnect",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Resolve defaults: flags > env vars > .fieldchat > .env > hardcoded defaults.
	cfg, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	settings = cfg

	root.PersistentFlags().StringVarP(&flagServer, "server", "s", cfg.ServerURL, "relay server URL")
	root.PersistentFlags().StringVarP(&flagDevice, "device", "d", cfg.DeviceID, "device id")
	root.PersistentFlags().StringVarP(&flagRecording, "recording", "r", cfg.RecordingID, "recording id (conversation)")
	root.PersistentFlags().StringVar(&flagDB, "db", cfg.DBPath, "SQLite history database (empty keeps history in memory)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", cfg.LogFormat, "log format: console or json")

	root.AddCommand(
		newConnectCmd(),
		newSendCmd(),
		newHistoryCmd(),
		newStatusCmd(),
		newJoinCmd(),
		newRelayCmd(),
		newMCPServeCmd(),
	)

	return root
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings() (config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return config.Defaults(), err
	}
	return config.Load(wd)
}

// resolved returns the settings with command-line flags applied.
func resolved() config.Config {
	cfg := settings
	cfg.ServerURL = flagServer
	cfg.DeviceID = flagDevice
	cfg.RecordingID = flagRecording
	cfg.DBPath = flagDB
	cfg.LogLevel = flagLogLevel
	cfg.LogFormat = flagLogFormat
	return cfg
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
}

func requireConversation(cfg config.Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device id is required (use -d, %s or `fieldchat join`)", config.EnvDevice)
	}
	if cfg.RecordingID == "" {
		return fmt.Errorf("recording id is required (use -r, %s or `fieldchat join`)", config.EnvRecording)
	}
	return nil
}
