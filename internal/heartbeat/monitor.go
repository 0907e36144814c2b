// Package heartbeat detects sessions that have gone silent without the
// transport noticing.
package heartbeat

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultInterval is the quiet period between a reply and the next probe.
	DefaultInterval = 15 * time.Second
	// DefaultTimeout is how long a probe may go unanswered.
	DefaultTimeout = 5 * time.Second
)

// ErrTimeout is reported when a probe is not answered in time.
var ErrTimeout = errors.New("heartbeat timeout")

// Scheduler runs fn once after d. The returned func cancels it if it has not
// fired yet.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// Encoder produces the two canned heartbeat frames.
type Encoder interface {
	EncodeProbe() (string, error)
	EncodeReply() (string, error)
}

// State is the monitor's position in the probe cycle.
type State int

const (
	Idle State = iota
	AwaitingReply
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReply:
		return "awaiting_reply"
	default:
		return "stopped"
	}
}

// Config holds the probe timings. Zero values use the defaults.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor sends a probe every Interval and declares the session dead when a
// probe goes unanswered for Timeout. OnDead fires at most once per Start.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	sched    Scheduler
	enc      Encoder
	send     func(text string) error
	onDead   func(err error)

	mu     sync.Mutex
	state  State
	run    uint64
	cancel func()
}

// New creates a stopped Monitor. send transmits an encoded frame on the
// current session. onDead receives ErrTimeout or the send error that killed
// the session.
func New(cfg Config, sched Scheduler, enc Encoder, send func(string) error, onDead func(error)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Monitor{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		sched:    sched,
		enc:      enc,
		send:     send,
		onDead:   onDead,
		state:    Stopped,
	}
}

// Start begins a new probe cycle, abandoning any previous one.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.run++
	m.state = Idle
	m.armLocked(m.interval, m.run, m.probe)
}

// Stop halts the cycle. Pending timers are cancelled and OnDead will not fire.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.run++
	m.state = Stopped
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnReply records a reply from the peer. Replies outside AwaitingReply are
// ignored.
func (m *Monitor) OnReply() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != AwaitingReply {
		return
	}
	m.cancelLocked()
	m.state = Idle
	m.armLocked(m.interval, m.run, m.probe)
}

// HandleProbe answers a probe sent by the peer.
func (m *Monitor) HandleProbe() {
	m.mu.Lock()
	if m.state == Stopped {
		m.mu.Unlock()
		return
	}
	run := m.run
	m.mu.Unlock()

	text, err := m.enc.EncodeReply()
	if err == nil {
		err = m.send(text)
	}
	if err != nil {
		m.die(run, fmt.Errorf("send heartbeat reply: %w", err))
	}
}

func (m *Monitor) probe(run uint64) {
	m.mu.Lock()
	if run != m.run || m.state != Idle {
		m.mu.Unlock()
		return
	}
	m.state = AwaitingReply
	m.armLocked(m.timeout, run, m.expire)
	m.mu.Unlock()

	text, err := m.enc.EncodeProbe()
	if err == nil {
		err = m.send(text)
	}
	if err != nil {
		m.die(run, fmt.Errorf("send heartbeat probe: %w", err))
	}
}

func (m *Monitor) expire(run uint64) {
	m.mu.Lock()
	awaiting := run == m.run && m.state == AwaitingReply
	m.mu.Unlock()

	if awaiting {
		m.die(run, ErrTimeout)
	}
}

func (m *Monitor) die(run uint64, err error) {
	m.mu.Lock()
	if run != m.run || m.state == Stopped {
		m.mu.Unlock()
		return
	}
	m.cancelLocked()
	m.state = Stopped
	m.mu.Unlock()

	if m.onDead != nil {
		m.onDead(err)
	}
}

func (m *Monitor) armLocked(d time.Duration, run uint64, fn func(uint64)) {
	m.cancel = m.sched.Schedule(d, func() { fn(run) })
}

func (m *Monitor) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
