// Package protolog provides structured protocol capture for the gateway
// connection.
//
// This package defines the Logger interface and Event types for recording
// connection-level events: frames in and out, state transitions, and
// errors. It is separate from operational logging (zerolog) - protocol
// capture provides a complete machine-readable trace for debugging and
// replay.
//
// # Basic Usage
//
// Components accept a Logger implementation:
//
//	// For development: mirror events into the zerolog output
//	cfg.ProtocolLogger = protolog.NewZerologAdapter(logger)
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = protolog.NewFileLogger("/var/log/gatewatch/gateway.plog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = protolog.NewMultiLogger(
//	    protolog.NewZerologAdapter(logger),
//	    fileLogger,
//	)
//
// # File Format
//
// Log files are a raw CBOR event stream with .plog extension. Reader
// streams them back with optional filtering.
package protolog
