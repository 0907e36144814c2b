// Package chat keeps a device's conversation with the chat server alive.
//
// A Controller owns the connection state machine. Every state change runs on
// a single event-loop goroutine: transport events, timers and UI calls are all
// posted into that loop, so none of them can race each other. Listener
// callbacks and store calls run on their own serial goroutines and never
// block the loop.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corvino/fieldchat/internal/backoff"
	"github.com/corvino/fieldchat/internal/dedup"
	"github.com/corvino/fieldchat/internal/heartbeat"
	"github.com/corvino/fieldchat/internal/outbox"
	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/corvino/fieldchat/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	actionBuf    = 128
	storeTimeout = 5 * time.Second
)

// Controller is the only component a UI layer talks to.
type Controller struct {
	cfg      Config
	clock    clockwork.Clock
	log      zerolog.Logger
	store    HistoryStore
	factory  transport.Factory
	listener Listener

	codec    *protocol.Codec
	endpoint string
	header   http.Header
	policy   backoff.Policy
	seen     *dedup.Filter
	queue    *outbox.Queue
	hb       *heartbeat.Monitor

	actions  chan func()
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	notifier *serialExecutor
	persist  *serialExecutor
	released sync.WaitGroup

	// Owned by the loop goroutine.
	state         State
	session       transport.Session
	sessionQuit   chan struct{}
	gen           uint64
	attempts      int
	autoReconnect bool
	draining      bool
	unconfirmed   []string
	lastFailure   FailureKind
	timers        map[uint64]clockwork.Timer
	pending       map[uint64]func()
	timerSeq      uint64
	cancelConnect func()
	cancelRetry   func()
	cancelDrain   func()
}

// New creates a Controller and starts its event loop. The controller stays
// Disconnected until Start or Connect is called.
func New(cfg Config, listener Listener, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("chat config: %w", err)
	}
	endpoint, err := transport.BuildURL(cfg.ServerURL, cfg.DeviceID, cfg.RecordingID)
	if err != nil {
		return nil, err
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:           cfg,
		clock:         clockwork.NewRealClock(),
		log:           zerolog.Nop(),
		listener:      listener,
		endpoint:      endpoint,
		header:        transport.IdentityHeader(cfg.DeviceID),
		policy:        cfg.Backoff,
		seen:          dedup.NewFilter(cfg.SeenCapacity),
		queue:         outbox.NewQueue(cfg.QueueCapacity),
		actions:       make(chan func(), actionBuf),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		autoReconnect: true,
		timers:        make(map[uint64]clockwork.Timer),
		pending:       make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.factory == nil {
		c.factory = transport.WSFactory(transport.WithLogger(c.log))
	}

	c.codec = protocol.NewCodec(cfg.DeviceID).WithClock(c.clock.Now)
	c.hb = heartbeat.New(cfg.Heartbeat, loopScheduler{c}, c.codec, c.sendFrame, c.heartbeatDead)
	c.notifier = newSerialExecutor()
	c.persist = newSerialExecutor()

	go c.loop()
	return c, nil
}

// Start loads stored history into the listener and then connects. History
// is merged before the first session opens.
func (c *Controller) Start() {
	if c.store == nil {
		c.Connect()
		return
	}
	c.persist.submit(func() {
		c.loadHistory()
		c.Connect()
	})
}

// Connect opens a session if none is open or opening. It re-enables
// automatic reconnection after Close or an authentication rejection.
func (c *Controller) Connect() {
	c.post(func() {
		if c.state == ClosedPermanently {
			return
		}
		c.autoReconnect = true
		c.attempts = 0
		c.stopTimer(&c.cancelRetry)
		c.openSession()
	})
}

// Send transmits text, or queues it while no session can carry it. It
// returns the locally composed message for immediate display. Blank text is
// ignored and reported as not sent.
func (c *Controller) Send(text string) (protocol.ChatMessage, bool) {
	if strings.TrimSpace(text) == "" {
		return protocol.ChatMessage{}, false
	}
	msg := protocol.ChatMessage{
		Body:      text,
		Kind:      protocol.KindDevice,
		Sender:    c.cfg.DeviceID,
		Timestamp: c.clock.Now().UTC().Format(time.RFC3339),
	}
	ok := c.post(func() {
		if c.state == ClosedPermanently {
			return
		}
		if !c.sendOrQueue(text) {
			return
		}
		c.expectEcho(text)
		c.saveLater(msg)
	})
	return msg, ok
}

// SendTyping tells the peer this device is composing. It is dropped when
// not connected.
func (c *Controller) SendTyping() {
	c.post(func() {
		if c.state != Connected {
			return
		}
		frame, err := c.codec.EncodeTyping()
		if err == nil {
			err = c.session.Send(frame)
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("typing indicator dropped")
		}
	})
}

// Close ends the current session and suppresses automatic reconnection
// until the next Connect. Queued messages are kept.
func (c *Controller) Close() {
	c.post(func() {
		if c.state == ClosedPermanently {
			return
		}
		c.autoReconnect = false
		c.stopTimer(&c.cancelRetry)
		if c.state == Disconnected {
			return
		}
		c.teardownSession(true)
		c.setState(Disconnected)
		c.notify(func(l Listener) { l.OnConnectionStateChange(false, "closed") })
	})
}

// ClosePermanently tears everything down. Every pending timer and in-flight
// connection attempt is cancelled and no Listener call starts after it
// returns.
func (c *Controller) ClosePermanently() {
	c.call(func() {
		if c.state == ClosedPermanently {
			return
		}
		c.teardownSession(true)
		for id, t := range c.timers {
			t.Stop()
			delete(c.timers, id)
			delete(c.pending, id)
		}
		c.cancelConnect, c.cancelRetry, c.cancelDrain = nil, nil, nil
		c.setState(ClosedPermanently)
		c.notifier.stop()
		c.persist.stop()
		c.cancel()
		close(c.done)
	})
}

// Wait blocks until every session the controller closed has released its
// connection, so a graceful close has flushed what was sent. Call it after
// ClosePermanently.
func (c *Controller) Wait(ctx context.Context) error {
	released := make(chan struct{})
	go func() {
		c.released.Wait()
		close(released)
	}()
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NetworkChanged resets the backoff and, if a retry is pending, connects
// right away.
func (c *Controller) NetworkChanged() {
	c.post(func() {
		if c.state == ClosedPermanently {
			return
		}
		c.attempts = 0
		if c.state == Disconnected && c.autoReconnect {
			c.log.Info().Msg("network changed, reconnecting now")
			c.stopTimer(&c.cancelRetry)
			c.openSession()
		}
	})
}

// State returns the current connection state.
func (c *Controller) State() State {
	return c.Stats().State
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	var s Stats
	if !c.call(func() { s = c.snapshot() }) {
		return Stats{State: ClosedPermanently, Queued: c.queue.Len(), Seen: c.seen.Len()}
	}
	return s
}

// DeviceID returns the device identity the controller speaks for.
func (c *Controller) DeviceID() string {
	return c.cfg.DeviceID
}

// RecordingID returns the conversation the controller is attached to.
func (c *Controller) RecordingID() string {
	return c.cfg.RecordingID
}

func (c *Controller) snapshot() Stats {
	return Stats{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		Queued:            c.queue.Len(),
		Seen:              c.seen.Len(),
		LastFailure:       c.lastFailure,
	}
}

// loop runs posted actions until ClosePermanently.
func (c *Controller) loop() {
	for {
		select {
		case fn := <-c.actions:
			fn()
		case <-c.done:
			return
		}
	}
}

// post hands fn to the loop. It reports false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.actions <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Controller) call(fn func()) bool {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		// The loop may have run fn just before exiting.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Info().Str("from", c.state.String()).Str("to", s.String()).Msg("state change")
	c.state = s
}

// notify queues a Listener call. Calls queued before ClosePermanently but not
// yet started are discarded.
func (c *Controller) notify(fn func(Listener)) {
	l := c.listener
	c.notifier.submit(func() {
		select {
		case <-c.done:
			return
		default:
		}
		fn(l)
	})
}

// openSession starts a new session. It only acts from Disconnected.
func (c *Controller) openSession() {
	if c.state != Disconnected {
		return
	}

	c.gen++
	gen := c.gen
	s := c.factory()
	quit := make(chan struct{})
	c.session = s
	c.sessionQuit = quit
	c.setState(Connecting)
	c.notify(func(l Listener) { l.OnConnectionStateChange(false, "connecting") })

	go c.forward(gen, s, quit)
	s.Open(c.endpoint, c.header.Clone())

	c.cancelConnect = c.schedule(c.cfg.ConnectTimeout, func() {
		c.cancelConnect = nil
		if c.gen == gen && c.state == Connecting {
			c.sessionEnded(FailureConnectTimeout, fmt.Sprintf("no answer within %s", c.cfg.ConnectTimeout))
		}
	})
}

// forward relays one session's events into the loop, tagged with the
// session generation so events from a replaced session are ignored.
func (c *Controller) forward(gen uint64, s transport.Session, quit <-chan struct{}) {
	for {
		select {
		case ev := <-s.Events():
			if !c.post(func() { c.handleEvent(gen, ev) }) {
				return
			}
			if ev.Terminal() {
				return
			}
		case <-quit:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Controller) handleEvent(gen uint64, ev transport.Event) {
	if gen != c.gen || c.session == nil {
		return
	}

	switch ev.Type {
	case transport.EventOpened:
		if c.state != Connecting {
			return
		}
		c.stopTimer(&c.cancelConnect)
		c.attempts = 0
		c.lastFailure = FailureNone
		c.setState(Connected)
		c.hb.Start()
		c.notify(func(l Listener) { l.OnConnectionStateChange(true, "connected") })
		c.startDrain()

	case transport.EventMessage:
		c.handleFrame(ev.Text)

	case transport.EventClosed, transport.EventError:
		kind := FailureRemoteClose
		switch {
		case ev.AuthRejected():
			kind = FailureAuthRejected
		case c.state == Connecting:
			kind = FailureTransportOpen
		}
		c.sessionEnded(kind, ev.String())
	}
}

func (c *Controller) handleFrame(text string) {
	d := c.codec.Decode(text)
	switch d.Type {
	case protocol.FrameProbe:
		c.hb.HandleProbe()
	case protocol.FrameReply:
		c.hb.OnReply()
	case protocol.FrameTyping:
		c.notify(func(l Listener) { l.OnTypingIndicator() })
	case protocol.FrameChat:
		c.deliver(d.Message, true)
	default:
		c.log.Debug().Str("type", d.Type.String()).Msg("frame ignored")
	}
}

// deliver surfaces msg unless its id has been seen. Server-confirmed
// messages are recorded when save is set. The server's copy of a message
// this device sent is not surfaced again; it confirms the local copy.
func (c *Controller) deliver(msg protocol.ChatMessage, save bool) {
	if c.seen.ShouldSuppress(msg.ID) {
		c.log.Debug().Str("message_id", msg.ID).Msg("duplicate suppressed")
		return
	}
	if save && msg.HasID() && c.ownMessage(msg) {
		if c.takeEcho(msg.Body) {
			c.log.Debug().Str("message_id", msg.ID).Msg("own message confirmed")
		} else {
			c.notify(func(l Listener) { l.OnMessage(msg) })
		}
		c.confirmLater(msg)
		return
	}
	c.notify(func(l Listener) { l.OnMessage(msg) })
	if save && msg.HasID() {
		c.saveLater(msg)
	}
}

func (c *Controller) ownMessage(msg protocol.ChatMessage) bool {
	return msg.FromDevice() && msg.Sender == c.cfg.DeviceID
}

// expectEcho remembers a body this device showed locally and that the
// server has not yet confirmed. The oldest entries go first once the list
// reaches the seen-set capacity.
func (c *Controller) expectEcho(body string) {
	c.unconfirmed = append(c.unconfirmed, body)
	if limit := c.cfg.SeenCapacity; limit > 0 && len(c.unconfirmed) > limit {
		c.unconfirmed = c.unconfirmed[len(c.unconfirmed)-limit:]
	}
}

// takeEcho removes the oldest unconfirmed entry equal to body.
func (c *Controller) takeEcho(body string) bool {
	for i, b := range c.unconfirmed {
		if b == body {
			c.unconfirmed = append(c.unconfirmed[:i], c.unconfirmed[i+1:]...)
			return true
		}
	}
	return false
}

// sessionEnded moves to Disconnected and applies the reconnection policy.
func (c *Controller) sessionEnded(kind FailureKind, detail string) {
	c.teardownSession(false)
	c.lastFailure = kind
	c.setState(Disconnected)

	reason := fmt.Sprintf("%s: %s", kind, detail)
	c.log.Warn().Str("failure", kind.String()).Str("detail", detail).Msg("session ended")
	c.notify(func(l Listener) { l.OnConnectionStateChange(false, reason) })

	if !kind.Retryable() {
		c.autoReconnect = false
		c.notify(func(l Listener) { l.OnError(reason) })
		return
	}
	if !c.autoReconnect {
		return
	}
	c.scheduleReconnect()
}

func (c *Controller) scheduleReconnect() {
	if !c.policy.ShouldAttempt(c.attempts) {
		detail := fmt.Sprintf("giving up after %d reconnect attempts", c.attempts)
		c.log.Warn().Int("attempts", c.attempts).Msg("reconnect attempts exhausted")
		c.notify(func(l Listener) { l.OnError(detail) })
		return
	}
	c.attempts++
	delay := c.policy.NextDelay(c.attempts)
	c.log.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")

	c.stopTimer(&c.cancelRetry)
	c.cancelRetry = c.schedule(delay, func() {
		c.cancelRetry = nil
		if c.autoReconnect {
			c.openSession()
		}
	})
}

// teardownSession stops everything tied to the current session.
func (c *Controller) teardownSession(graceful bool) {
	c.hb.Stop()
	c.stopTimer(&c.cancelConnect)
	c.stopTimer(&c.cancelDrain)
	c.draining = false
	if c.session != nil {
		s := c.session
		s.Close(graceful)
		c.released.Add(1)
		go func() {
			defer c.released.Done()
			<-s.Done()
		}()
		c.session = nil
	}
	if c.sessionQuit != nil {
		close(c.sessionQuit)
		c.sessionQuit = nil
	}
	c.gen++
}

// sendOrQueue transmits text when a session is up and idle. While a drain is
// running the text joins the back of the queue so order is kept. It reports
// false when the text was dropped because the queue is full.
func (c *Controller) sendOrQueue(text string) bool {
	if c.state == Connected && c.draining {
		if err := c.queue.Enqueue(text); err != nil {
			c.log.Debug().Err(err).Msg("message dropped")
			return false
		}
		return true
	}

	if c.state == Connected {
		err := c.transmit(text)
		if err == nil {
			return true
		}
		c.log.Warn().Err(err).Msg("send failed, queueing")
	}
	if err := c.queue.Enqueue(text); err != nil {
		c.log.Debug().Err(err).Msg("message dropped")
		return false
	}
	c.notify(func(l Listener) { l.OnQueued(text) })

	if c.state == Connected && c.cfg.DrainInterval > 0 {
		c.draining = true
		c.cancelDrain = c.schedule(c.cfg.DrainInterval, c.drainStep)
	}
	return true
}

func (c *Controller) transmit(text string) error {
	frame, err := c.codec.EncodeChat(text)
	if err != nil {
		return err
	}
	return c.sendFrame(frame)
}

// sendFrame writes an encoded frame on the current session.
func (c *Controller) sendFrame(frame string) error {
	if c.session == nil {
		return transport.ErrNotOpen
	}
	return c.session.Send(frame)
}

func (c *Controller) startDrain() {
	if c.queue.Len() == 0 {
		return
	}
	c.log.Info().Int("queued", c.queue.Len()).Msg("draining offline queue")
	if c.cfg.DrainInterval <= 0 {
		if _, err := c.queue.Drain(c.transmit); err != nil {
			c.log.Warn().Err(err).Msg("drain interrupted")
		}
		return
	}
	c.draining = true
	c.drainStep()
}

// drainStep sends the head of the queue and arms the next step. A failed
// send goes back to the head; the rest of the queue is untouched.
func (c *Controller) drainStep() {
	c.cancelDrain = nil
	if c.state != Connected {
		c.draining = false
		return
	}
	text, ok := c.queue.Pop()
	if !ok {
		c.draining = false
		return
	}
	if err := c.transmit(text); err != nil {
		c.queue.PushFront(text)
		if !errors.Is(err, transport.ErrSendBufferFull) {
			c.log.Warn().Err(err).Msg("drain interrupted")
			c.draining = false
			return
		}
	}
	if c.queue.Len() == 0 {
		c.draining = false
		return
	}
	c.cancelDrain = c.schedule(c.cfg.DrainInterval, c.drainStep)
}

func (c *Controller) heartbeatDead(err error) {
	if c.state != Connected {
		return
	}
	kind := FailureHeartbeatTimeout
	if !errors.Is(err, heartbeat.ErrTimeout) {
		kind = FailureRemoteClose
	}
	c.sessionEnded(kind, err.Error())
}

// schedule arms a timer whose callback runs on the loop. The returned func
// cancels it; a timer cancelled after firing but before its callback ran is
// still skipped.
func (c *Controller) schedule(d time.Duration, fn func()) func() {
	c.timerSeq++
	id := c.timerSeq
	c.pending[id] = fn
	c.timers[id] = c.clock.AfterFunc(d, func() {
		c.post(func() { c.fire(id) })
	})
	return func() { c.cancelTimer(id) }
}

func (c *Controller) fire(id uint64) {
	fn, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	delete(c.timers, id)
	fn()
}

func (c *Controller) cancelTimer(id uint64) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	delete(c.pending, id)
}

func (c *Controller) stopTimer(cancel *func()) {
	if *cancel != nil {
		(*cancel)()
		*cancel = nil
	}
}

// loopScheduler lets the heartbeat monitor arm timers on the loop.
type loopScheduler struct{ c *Controller }

func (s loopScheduler) Schedule(d time.Duration, fn func()) func() {
	return s.c.schedule(d, fn)
}

func (c *Controller) saveLater(msg protocol.ChatMessage) {
	if c.store != nil {
		c.storeLater("save message", msg, c.store.SaveMessage)
	}
}

func (c *Controller) confirmLater(msg protocol.ChatMessage) {
	if c.store != nil {
		c.storeLater("confirm message", msg, c.store.ConfirmMessage)
	}
}

func (c *Controller) storeLater(op string, msg protocol.ChatMessage, fn func(context.Context, string, protocol.ChatMessage) error) {
	rec := c.cfg.RecordingID
	c.persist.submit(func() {
		ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
		defer cancel()
		if err := fn(ctx, rec, msg); err != nil {
			c.log.Error().Err(err).Str("message_id", msg.ID).Msg(op)
		}
	})
}

// loadHistory runs on the persistence goroutine and merges stored messages
// through the dedup path on the loop.
func (c *Controller) loadHistory() {
	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	msgs, err := c.store.LoadHistory(ctx, c.cfg.RecordingID)
	if err != nil {
		c.log.Error().Err(err).Msg("load history")
		return
	}
	c.post(func() {
		if c.state == ClosedPermanently {
			return
		}
		for _, m := range msgs {
			m.Historical = true
			if m.FromDevice() && !m.HasID() {
				c.expectEcho(m.Body)
			}
			c.deliver(m, false)
		}
		c.log.Debug().Int("count", len(msgs)).Msg("history loaded")
	})
}
