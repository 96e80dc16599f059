package core

// ConnState represents the lifecycle state of a client connection.
type ConnState int32

// Client connection states.
const (
	// StateUninitialized indicates the client was never connected or has been released.
	StateUninitialized ConnState = iota
	// StateConnecting indicates a connect attempt is in flight.
	StateConnecting
	// StateConnected indicates the channel is usable for commands.
	StateConnected
	// StateDisconnected indicates the caller disconnected on purpose.
	StateDisconnected
	// StateFailed indicates the last attempt or the live channel failed.
	StateFailed
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateNames) {
		return "UNKNOWN"
	}
	return connStateNames[s]
}

var connStateNames = [...]string{
	"UNINITIALIZED",
	"CONNECTING",
	"CONNECTED",
	"DISCONNECTED",
	"FAILED",
}

// ServerState represents the lifecycle of a server's listening socket.
type ServerState int32

const (
	ServerUninitialized ServerState = iota
	ServerStarted
	ServerFailed
	ServerStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerUninitialized:
		return "UNINITIALIZED"
	case ServerStarted:
		return "STARTED"
	case ServerFailed:
		return "FAILED"
	case ServerStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ClientLiveness is the most recent per-client event seen by a server.
// It never changes the server's own ServerState.
type ClientLiveness int32

const (
	ClientNone ClientLiveness = iota
	ClientConnected
	ClientDisconnected
)

func (l ClientLiveness) String() string {
	switch l {
	case ClientConnected:
		return "CLIENT_CONNECTED"
	case ClientDisconnected:
		return "CLIENT_DISCONNECTED"
	default:
		return "NONE"
	}
}
