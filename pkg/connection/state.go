package connection

// State represents the gateway connection state.
//
// Transitions:
//
//	CLOSED -> CONNECTING          connect() or reconnect timer fires
//	CONNECTING -> OPEN            socket established
//	OPEN -> HANDSHAKING           challenge received, connect request sent
//	HANDSHAKING -> READY          hello accepted
//	any -> CLOSED                 socket error, handshake failure, disconnect
type State uint8

const (
	// StateClosed indicates no socket. The client may still have a
	// reconnect timer pending.
	StateClosed State = iota

	// StateConnecting indicates a dial attempt is in progress.
	StateConnecting

	// StateOpen indicates the socket is up but no challenge has arrived.
	StateOpen

	// StateHandshaking indicates the connect request is in flight.
	StateHandshaking

	// StateReady indicates the handshake was accepted. Calls are only
	// admitted in this state.
	StateReady
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}
