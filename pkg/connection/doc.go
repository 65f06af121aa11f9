// Package connection provides connection state and backoff primitives for
// the gateway client.
//
// This package holds:
//   - The connection state enum (CLOSED through READY)
//   - Exponential backoff for reconnection attempts
//
// # Reconnection Strategy
//
// When a connection is lost, the client uses exponential backoff:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s
//  3. Maximum delay: 30 seconds
//  4. Continue at 30s until successful
//  5. Reset to 1s once a session reaches READY
//
// Backoff is deterministic by default. Optional jitter can be configured
// to spread reconnect storms across a fleet:
//
//	actual_delay = base_delay + random(0, base_delay * jitter)
//
// # Success Criteria
//
// Only a fully established session (socket open, handshake accepted)
// resets backoff. Socket-level success followed by handshake rejection
// keeps the backoff growing.
package connection
