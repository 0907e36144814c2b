package chat

import "github.com/corvino/fieldchat/internal/protocol"

// Listener receives controller notifications. Calls arrive in order on a
// single goroutine that is never the controller's own, so a Listener may
// call back into the Controller.
type Listener interface {
	OnMessage(msg protocol.ChatMessage)
	OnConnectionStateChange(connected bool, detail string)
	OnTypingIndicator()
	OnError(detail string)
	// OnQueued reports a payload held in the offline queue.
	OnQueued(body string)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Message     func(msg protocol.ChatMessage)
	StateChange func(connected bool, detail string)
	Typing      func()
	Error       func(detail string)
	Queued      func(body string)
}

func (f ListenerFuncs) OnMessage(msg protocol.ChatMessage) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f ListenerFuncs) OnConnectionStateChange(connected bool, detail string) {
	if f.StateChange != nil {
		f.StateChange(connected, detail)
	}
}

func (f ListenerFuncs) OnTypingIndicator() {
	if f.Typing != nil {
		f.Typing()
	}
}

func (f ListenerFuncs) OnError(detail string) {
	if f.Error != nil {
		f.Error(detail)
	}
}

func (f ListenerFuncs) OnQueued(body string) {
	if f.Queued != nil {
		f.Queued(body)
	}
}
