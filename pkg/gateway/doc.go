// Package gateway implements the persistent RPC client for the gateway
// connection.
//
// The client owns a single WebSocket connection to the gateway and keeps
// it alive across failures:
//   - Dials and re-dials with exponential backoff (1s doubling to 30s)
//   - Answers the server's connect.challenge with an authenticated
//     connect request (bearer token or signed device attestation)
//   - Multiplexes concurrent calls over the connection, correlating
//     responses by id
//   - Delivers server push events to a subscriber
//
// # Connection Lifecycle
//
//	CLOSED -> CONNECTING -> OPEN -> HANDSHAKING -> READY
//
// Calls are admitted only in READY. Any failure in any state tears the
// connection down to CLOSED, rejects every in-flight call, and schedules
// a reconnect (single timer; backoff resets only when a session reaches
// READY again).
//
// # Usage
//
//	client, err := gateway.New(gateway.Config{
//	    URL:         "wss://gw.example.com/socket",
//	    Credentials: identity.Credentials{Token: token},
//	})
//	if err != nil { ... }
//
//	client.OnConnected(func(info gateway.ServerInfo) { ... })
//	client.OnEvent(func(name string, payload json.RawMessage) { ... })
//	client.Connect()
//
//	payload, err := client.Call(ctx, "sessions.list", nil)
//
// # Concurrency
//
// All exported methods are safe for concurrent use. Callbacks run on the
// connection's goroutines and must not block; hand work off to another
// goroutine if it is slow.
//
// # Error Model
//
// Call returns ErrNotReady immediately when no session is established,
// *TimeoutError when the response does not arrive in time, *RemoteError
// when the gateway answers ok=false, and an error wrapping
// ErrConnectionClosed when the connection dies mid-call. Each call
// completes exactly once.
package gateway
