// Package transport provides the WebSocket transport for the gateway
// client.
//
// The transport layer handles:
//   - Dialing the gateway over ws:// or wss://
//   - Message-framed reads and writes (one JSON frame per message)
//   - Serialized writes (the socket allows one concurrent writer)
//   - Keep-alive ping/pong for connection liveness
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│        JSON Frames             │
//	├────────────────────────────────┤
//	│     WebSocket Messages         │
//	├────────────────────────────────┤
//	│       TLS (wss only)           │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Ownership
//
// A Socket has exactly one reader: the caller's read loop calls Receive
// until it returns an error. Writes may come from any goroutine and are
// serialized internally. Close is safe to call from anywhere, any number
// of times, and unblocks a pending Receive.
//
// # Keep-Alive
//
// Liveness is monitored with WebSocket control frames:
//   - Ping interval: 54 seconds
//   - Pong wait: 60 seconds
//
// A missed pong expires the read deadline, which surfaces as a Receive
// error and tears the connection down through the normal path.
package transport
