package chat

// State is the controller's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// ClosedPermanently is absorbing. Nothing happens after it is reached.
	ClosedPermanently
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ClosedPermanently:
		return "closed"
	default:
		return "unknown"
	}
}

// FailureKind classifies why a session ended.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureTransportOpen covers DNS, TCP and handshake failures.
	FailureTransportOpen
	FailureHeartbeatTimeout
	FailureConnectTimeout
	// FailureRemoteClose is a session that was up and then dropped.
	FailureRemoteClose
	// FailureAuthRejected is terminal. No reconnect follows it.
	FailureAuthRejected
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransportOpen:
		return "transport open failed"
	case FailureHeartbeatTimeout:
		return "heartbeat timeout"
	case FailureConnectTimeout:
		return "connect timeout"
	case FailureRemoteClose:
		return "connection lost"
	case FailureAuthRejected:
		return "authentication rejected"
	default:
		return "none"
	}
}

// Retryable reports whether the reconnection policy applies to the failure.
func (k FailureKind) Retryable() bool {
	return k != FailureAuthRejected
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	State             State
	ReconnectAttempts int
	Queued            int
	Seen              int
	LastFailure       FailureKind
}
