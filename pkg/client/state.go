package client

// ConnectionState is the lifecycle state of one role's connection. Transitions
// are driven exclusively by the connection controller; callers only observe,
// via PublisherState/SubscriberState or an OnStateChange listener.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role identifies one of the two independent connections a client maintains.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// StateListener receives every state transition for both roles.
type StateListener func(state ConnectionState, role Role)
