// Package config resolves fieldchat settings.
//
// Precedence, highest first: command-line flags (applied by the CLI),
// FIELDCHAT_* environment variables, the nearest .fieldchat project file,
// a .env file, then built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/corvino/fieldchat/internal/backoff"
	"github.com/corvino/fieldchat/internal/chat"
	"github.com/corvino/fieldchat/internal/dedup"
	"github.com/corvino/fieldchat/internal/heartbeat"
	"github.com/corvino/fieldchat/internal/outbox"
	"github.com/joho/godotenv"
)

// FileName is the project file written by `fieldchat join`.
const FileName = ".fieldchat"

// Environment variable names.
const (
	EnvServer            = "FIELDCHAT_SERVER"
	EnvDevice            = "FIELDCHAT_DEVICE"
	EnvRecording         = "FIELDCHAT_RECORDING"
	EnvDB                = "FIELDCHAT_DB"
	EnvLogLevel          = "FIELDCHAT_LOG_LEVEL"
	EnvLogFormat         = "FIELDCHAT_LOG_FORMAT"
	EnvConnectTimeout    = "FIELDCHAT_CONNECT_TIMEOUT"
	EnvHeartbeatInterval = "FIELDCHAT_HEARTBEAT_INTERVAL"
	EnvHeartbeatTimeout  = "FIELDCHAT_HEARTBEAT_TIMEOUT"
	EnvReconnectBase     = "FIELDCHAT_RECONNECT_BASE"
	EnvReconnectMax      = "FIELDCHAT_RECONNECT_MAX"
	EnvReconnectAttempts = "FIELDCHAT_RECONNECT_ATTEMPTS"
	EnvQueueCapacity     = "FIELDCHAT_QUEUE_CAPACITY"
	EnvSeenCapacity      = "FIELDCHAT_SEEN_CAPACITY"
	EnvDrainInterval     = "FIELDCHAT_DRAIN_INTERVAL"
)

const (
	defaultServer    = "http://localhost:8080"
	defaultLogLevel  = "info"
	defaultLogFormat = "console"
)

// File is the .fieldchat project file.
type File struct {
	Server    string `json:"server"`
	Device    string `json:"device"`
	Recording string `json:"recording"`
	DB        string `json:"db,omitempty"`
}

// Config is the fully resolved configuration.
type Config struct {
	ServerURL   string
	DeviceID    string
	RecordingID string
	DBPath      string
	LogLevel    string
	LogFormat   string

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
	QueueCapacity        int
	SeenCapacity         int
	DrainInterval        time.Duration

	// Source is the .fieldchat file that contributed values, if any.
	Source string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	policy := backoff.DefaultPolicy()
	return Config{
		ServerURL:            defaultServer,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
		ConnectTimeout:       chat.DefaultConnectTimeout,
		HeartbeatInterval:    heartbeat.DefaultInterval,
		HeartbeatTimeout:     heartbeat.DefaultTimeout,
		ReconnectBase:        policy.Base,
		ReconnectMax:         policy.Max,
		ReconnectMaxAttempts: policy.MaxAttempts,
		QueueCapacity:        outbox.DefaultCapacity,
		SeenCapacity:         dedup.DefaultCapacity,
		DrainInterval:        chat.DefaultDrainInterval,
	}
}

// Load resolves configuration for a process started in dir.
func Load(dir string) (Config, error) {
	cfg := Defaults()

	dotenv, err := readDotenv(dir)
	if err != nil {
		return cfg, err
	}
	path, file, err := FindFile(dir)
	if err != nil {
		return cfg, err
	}
	cfg.Source = path

	lookup := func(key, fromFile string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if fromFile != "" {
			return fromFile
		}
		return dotenv[key]
	}

	var f File
	if file != nil {
		f = *file
	}
	setString(&cfg.ServerURL, lookup(EnvServer, f.Server))
	setString(&cfg.DeviceID, lookup(EnvDevice, f.Device))
	setString(&cfg.RecordingID, lookup(EnvRecording, f.Recording))
	setString(&cfg.DBPath, lookup(EnvDB, f.DB))
	setString(&cfg.LogLevel, lookup(EnvLogLevel, ""))
	setString(&cfg.LogFormat, lookup(EnvLogFormat, ""))

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvConnectTimeout, &cfg.ConnectTimeout},
		{EnvHeartbeatInterval, &cfg.HeartbeatInterval},
		{EnvHeartbeatTimeout, &cfg.HeartbeatTimeout},
		{EnvReconnectBase, &cfg.ReconnectBase},
		{EnvReconnectMax, &cfg.ReconnectMax},
		{EnvDrainInterval, &cfg.DrainInterval},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key, lookup(d.key, "")); err != nil {
			return cfg, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvReconnectAttempts, &cfg.ReconnectMaxAttempts},
		{EnvQueueCapacity, &cfg.QueueCapacity},
		{EnvSeenCapacity, &cfg.SeenCapacity},
	}
	for _, n := range ints {
		if err := setInt(n.dst, n.key, lookup(n.key, "")); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Chat builds the controller configuration.
func (c Config) Chat() chat.Config {
	cc := chat.DefaultConfig(c.ServerURL, c.DeviceID, c.RecordingID)
	cc.ConnectTimeout = c.ConnectTimeout
	cc.Heartbeat = heartbeat.Config{Interval: c.HeartbeatInterval, Timeout: c.HeartbeatTimeout}
	cc.Backoff = backoff.Policy{
		Base:        c.ReconnectBase,
		Max:         c.ReconnectMax,
		CapExponent: backoff.DefaultPolicy().CapExponent,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
	cc.QueueCapacity = c.QueueCapacity
	cc.SeenCapacity = c.SeenCapacity
	cc.DrainInterval = c.DrainInterval
	return cc
}

// FindFile looks for a .fieldchat file in dir or any parent directory. It
// returns an empty path and nil file when none exists.
func FindFile(dir string) (string, *File, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	for {
		path := filepath.Join(dir, FileName)
		data, err := os.ReadFile(path)
		if err == nil {
			var f File
			if err := json.Unmarshal(data, &f); err != nil {
				return "", nil, fmt.Errorf("parse %s: %w", path, err)
			}
			return path, &f, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, nil
		}
		dir = parent
	}
}

// Save writes a .fieldchat file.
func Save(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", FileName, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readDotenv(dir string) (map[string]string, error) {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
