package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client errors.
var (
	// ErrNotReady rejects calls made before the session is established.
	ErrNotReady = errors.New("gateway connection not ready")

	// ErrConnectionClosed rejects in-flight calls when the connection
	// dies before their responses arrive.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrHandshakeTimeout tears down sockets whose handshake does not
	// complete in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeRejected tears down sockets whose connect request the
	// gateway refused.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// TimeoutError is returned when a call's response does not arrive within
// the call timeout. The entry is removed from the correlation table; a
// late response is logged and dropped.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

// Error returns the timeout description.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s timed out after %s", e.Method, e.Timeout)
}

// RemoteError is returned when the gateway answers a call with ok=false.
// Message, Code and Details are passed through verbatim.
type RemoteError struct {
	Method  string
	Message string
	Code    string
	Details json.RawMessage
}

// Error returns the remote failure description.
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("call %s: %s (code %s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("call %s: %s", e.Method, e.Message)
}
