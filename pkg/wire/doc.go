// Package wire defines the JSON wire format types for the gateway protocol.
//
// Frames are JSON objects exchanged over a message-framed socket. Every
// frame carries a "type" discriminator:
//   - Event: server push ({type:"event", event, payload})
//   - Request: client call ({type:"req", id, method, params})
//   - Response: reply to a request ({type:"res", id, ok, payload, error})
//
// # Parsing
//
// ParseFrame decodes raw bytes into one of the frame types and rejects
// unknown discriminators. Payloads are kept as raw JSON so callers decide
// when and how to interpret them.
//
// # Handshake
//
// The server opens the conversation with a "connect.challenge" event. The
// client answers with a "connect" request whose params are ConnectParams;
// a successful reply carries a HelloPayload with type "hello-ok".
//
// # Absent vs Null
//
// Payloads are json.RawMessage: an absent key decodes to nil while an
// explicit null decodes to the bytes "null". Both are preserved verbatim.
package wire
