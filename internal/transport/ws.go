package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait   = 10 * time.Second
	flushWait   = time.Second
	maxMsgSize  = 64 * 1024
	sendBufSize = 64
	eventBuf    = 64
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateOpening
	stateOpen
	stateClosed
)

// WSOption configures a WSSession.
type WSOption func(*WSSession)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) WSOption {
	return func(s *WSSession) { s.dialer = d }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) WSOption {
	return func(s *WSSession) { s.log = l.With().Str("component", "transport").Logger() }
}

// WSSession is a Session over a gorilla/websocket connection. Reads happen
// on a read pump goroutine and all writes go through a write pump, so Send
// never blocks the caller.
type WSSession struct {
	dialer *websocket.Dialer
	log    zerolog.Logger

	events chan Event
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state sessionState
	conn  *websocket.Conn

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closing   chan struct{}
	flushed   chan struct{}
	quiet     chan struct{}

	emitMu   sync.Mutex
	silenced bool
}

// NewWSSession creates an unopened websocket session.
func NewWSSession(opts ...WSOption) *WSSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WSSession{
		dialer:  websocket.DefaultDialer,
		log:     zerolog.Nop(),
		events:  make(chan Event, eventBuf),
		send:    make(chan []byte, sendBufSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		flushed: make(chan struct{}),
		quiet:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WSFactory returns a Factory producing websocket sessions with opts.
func WSFactory(opts ...WSOption) Factory {
	return func() Session { return NewWSSession(opts...) }
}

// Events returns the session event stream.
func (s *WSSession) Events() <-chan Event {
	return s.events
}

// Open dials endpoint in the background. Calling Open more than once, or
// after Close, does nothing.
func (s *WSSession) Open(endpoint string, header http.Header) {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return
	}
	s.state = stateOpening
	s.mu.Unlock()

	go s.run(endpoint, header)
}

// Send queues text for the write pump.
func (s *WSSession) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return ErrNotOpen
	}
	select {
	case s.send <- []byte(text):
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Done is closed once the session has released its connection.
func (s *WSSession) Done() <-chan struct{} {
	return s.done
}

// Close ends the session without blocking. A graceful close lets the write
// pump flush frames already accepted by Send and then send a normal-closure
// frame in the background; Done reports when that has finished. An in-flight
// dial is cancelled.
func (s *WSSession) Close(graceful bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.state = stateClosed
		s.mu.Unlock()

		close(s.quiet)
		s.emitMu.Lock()
		s.silenced = true
		s.emitMu.Unlock()

		if conn != nil && graceful && !s.finished() {
			close(s.closing)
			go func() {
				select {
				case <-s.flushed:
				case <-time.After(flushWait):
				}
				s.release(conn)
			}()
			return
		}
		s.release(conn)
	})
}

func (s *WSSession) release(conn *websocket.Conn) {
	s.cancel()
	s.doneOnce.Do(func() { close(s.done) })
	if conn != nil {
		conn.Close()
	}
}

func (s *WSSession) run(endpoint string, header http.Header) {
	conn, resp, err := s.dialer.DialContext(s.ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			err = fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		s.terminate(Event{Type: EventError, Err: fmt.Errorf("dial: %w", err)})
		return
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = stateOpen
	s.mu.Unlock()

	s.log.Debug().Str("endpoint", endpoint).Msg("session open")
	s.emit(Event{Type: EventOpened})

	go s.writePump(conn)
	s.readPump(conn)
}

// readPump forwards inbound text frames until the connection fails.
func (s *WSSession) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMsgSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.terminate(Event{Type: EventClosed, Code: ce.Code, Reason: ce.Text, Remote: true})
			} else {
				s.terminate(Event{Type: EventError, Err: fmt.Errorf("read: %w", err)})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.emit(Event{Type: EventMessage, Text: string(data)})
	}
}

// writePump drains the send channel onto the connection.
func (s *WSSession) writePump(conn *websocket.Conn) {
	for {
		select {
		case data := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn().Err(err).Msg("write failed")
				// Closing the connection unblocks the read pump, which reports the failure.
				conn.Close()
				return
			}
		case <-s.closing:
			s.flush(conn)
			return
		case <-s.done:
			return
		}
	}
}

// flush writes whatever Send already accepted, then the close frame.
func (s *WSSession) flush(conn *websocket.Conn) {
	defer close(s.flushed)
	deadline := time.Now().Add(flushWait)
	for {
		select {
		case data := <-s.send:
			conn.SetWriteDeadline(deadline)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (s *WSSession) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// terminate delivers the terminal event once and releases the connection.
func (s *WSSession) terminate(ev Event) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	conn := s.conn
	s.mu.Unlock()

	s.emit(ev)
	s.release(conn)
}

func (s *WSSession) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.silenced {
		return
	}
	select {
	case s.events <- ev:
	case <-s.quiet:
	case <-s.done:
	}
}
