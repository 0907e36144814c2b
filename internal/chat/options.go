package chat

import (
	"fmt"
	"time"

	"github.com/corvino/fieldchat/internal/backoff"
	"github.com/corvino/fieldchat/internal/dedup"
	"github.com/corvino/fieldchat/internal/heartbeat"
	"github.com/corvino/fieldchat/internal/outbox"
	"github.com/corvino/fieldchat/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultDrainInterval  = 200 * time.Millisecond
)

// Config describes one chat conversation and its timing knobs.
type Config struct {
	ServerURL   string
	DeviceID    string
	RecordingID string

	ConnectTimeout time.Duration
	Heartbeat      heartbeat.Config
	Backoff        backoff.Policy
	QueueCapacity  int
	SeenCapacity   int
	// DrainInterval spaces out queued sends after a reconnect. Zero flushes
	// the queue in one burst.
	DrainInterval time.Duration
}

// DefaultConfig returns the production timings for a conversation.
func DefaultConfig(serverURL, deviceID, recordingID string) Config {
	return Config{
		ServerURL:      serverURL,
		DeviceID:       deviceID,
		RecordingID:    recordingID,
		ConnectTimeout: DefaultConnectTimeout,
		Heartbeat: heartbeat.Config{
			Interval: heartbeat.DefaultInterval,
			Timeout:  heartbeat.DefaultTimeout,
		},
		Backoff:       backoff.DefaultPolicy(),
		QueueCapacity: outbox.DefaultCapacity,
		SeenCapacity:  dedup.DefaultCapacity,
		DrainInterval: DefaultDrainInterval,
	}
}

func (c Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if c.RecordingID == "" {
		return fmt.Errorf("recording id is required")
	}
	return nil
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock sets the clock used for every timer the controller arms.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l.With().Str("component", "chat").Logger() }
}

// WithStore attaches a persistence collaborator.
func WithStore(s HistoryStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithSessionFactory replaces the websocket transport.
func WithSessionFactory(f transport.Factory) Option {
	return func(c *Controller) { c.factory = f }
}
