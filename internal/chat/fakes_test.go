package chat

import (
	"net/http"
	"sync"

	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/corvino/fieldchat/internal/transport"
)

// fakeSession is a scripted transport.Session. Tests push events with the
// helper methods and inspect what the controller wrote.
type fakeSession struct {
	events chan transport.Event
	done   chan struct{}
	hold   chan struct{}

	mu       sync.Mutex
	endpoint string
	header   http.Header
	sent     []string
	sendErr  error
	closed   bool
	graceful bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.Event, 64), done: make(chan struct{})}
}

func (s *fakeSession) Open(endpoint string, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = endpoint
	s.header = header
}

func (s *fakeSession) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrNotOpen
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSession) Close(graceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.graceful = graceful
	if s.hold == nil {
		close(s.done)
		return
	}
	go func(hold <-chan struct{}) {
		<-hold
		close(s.done)
	}(s.hold)
}

func (s *fakeSession) Events() <-chan transport.Event {
	return s.events
}

func (s *fakeSession) Done() <-chan struct{} {
	return s.done
}

// holdRelease keeps Done open after Close until the returned func is called,
// like a graceful close still flushing.
func (s *fakeSession) holdRelease() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	return func() { close(s.hold) }
}

func (s *fakeSession) open() {
	s.events <- transport.Event{Type: transport.EventOpened}
}

func (s *fakeSession) receive(text string) {
	s.events <- transport.Event{Type: transport.EventMessage, Text: text}
}

func (s *fakeSession) drop(code int, reason string) {
	s.events <- transport.Event{Type: transport.EventClosed, Code: code, Reason: reason, Remote: true}
}

func (s *fakeSession) fail(err error) {
	s.events <- transport.Event{Type: transport.EventError, Err: err}
}

func (s *fakeSession) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) closedGracefully() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.graceful
}

func (s *fakeSession) openedWith() (string, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint, s.header
}

// framesOf returns the sent frames that decode to t.
func (s *fakeSession) framesOf(t protocol.FrameType) []protocol.Decoded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Decoded
	for _, f := range s.sent {
		if d := protocol.Decode(f); d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func (s *fakeSession) chatBodies() []string {
	var bodies []string
	for _, d := range s.framesOf(protocol.FrameChat) {
		bodies = append(bodies, d.Message.Body)
	}
	return bodies
}

func (s *fakeSession) probes() int {
	return len(s.framesOf(protocol.FrameProbe))
}

func (s *fakeSession) replies() int {
	return len(s.framesOf(protocol.FrameReply))
}

// fakeFactory hands out fakeSessions and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeFactory) New() transport.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSession()
	f.sessions = append(f.sessions, s)
	return s
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type stateChange struct {
	Connected bool
	Detail    string
}

// recorder is a Listener that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	messages []protocol.ChatMessage
	states   []stateChange
	errs     []string
	queued   []string
	typing   int
}

func (r *recorder) OnMessage(msg protocol.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnConnectionStateChange(connected bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateChange{connected, detail})
}

func (r *recorder) OnTypingIndicator() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing++
}

func (r *recorder) OnError(detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, detail)
}

func (r *recorder) OnQueued(body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, body)
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		out = append(out, m.Body)
	}
	return out
}

func (r *recorder) allMessages() []protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ChatMessage(nil), r.messages...)
}

func (r *recorder) lastState() stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return stateChange{}
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s.Connected {
			n++
		}
	}
	return n
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func (r *recorder) queuedBodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queued...)
}

func (r *recorder) typingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages) + len(r.states) + len(r.errs) + len(r.queued) + r.typing
}

// settle waits until every action already posted to the loop has run.
func settle(c *Controller) {
	c.call(func() {})
}
