package wire

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminator values.
const (
	FrameTypeEvent    = "event"
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
)

// EventChallenge is the event name the server sends to start the handshake.
const EventChallenge = "connect.challenge"

// MethodConnect is the method name of the handshake request.
const MethodConnect = "connect"

// PayloadTypeHelloOK marks a successful handshake response payload.
const PayloadTypeHelloOK = "hello-ok"

// Frame is the decoded form of an inbound or outbound wire frame.
// Exactly one of *Event, *Request or *Response implements it.
type Frame interface {
	FrameType() string
}

// Event represents a server push message.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FrameType returns the frame discriminator.
func (e *Event) FrameType() string { return FrameTypeEvent }

// IsChallenge returns true if this event starts the handshake.
func (e *Event) IsChallenge() bool { return e.Event == EventChallenge }

// Validate checks required event fields.
func (e *Event) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("event frame missing event name")
	}
	return nil
}

// Request represents a client call. Requests only travel client to server.
type Request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// FrameType returns the frame discriminator.
func (r *Request) FrameType() string { return FrameTypeRequest }

// Validate checks required request fields.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request missing id")
	}
	if r.Method == "" {
		return fmt.Errorf("request missing method")
	}
	return nil
}

// Response represents a reply to a request, correlated by ID.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// FrameType returns the frame discriminator.
func (r *Response) FrameType() string { return FrameTypeResponse }

// Validate checks required response fields.
func (r *Response) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("response missing id")
	}
	return nil
}

// ResponseError is the error object of a failed response.
// Message is human-readable; Code and Details are optional and opaque.
type ResponseError struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ChallengePayload is the payload of a connect.challenge event.
// The nonce is optional; when present it must be echoed in the signed
// device attestation.
type ChallengePayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// HelloPayload is the payload of a successful connect response.
type HelloPayload struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Server   json.RawMessage `json:"server,omitempty"`
}

// IsHelloOK returns true if the payload confirms the handshake.
func (h *HelloPayload) IsHelloOK() bool { return h.Type == PayloadTypeHelloOK }

// ConnectParams are the params of the handshake request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        AuthInfo     `json:"auth"`
	Device      *DeviceProof `json:"device,omitempty"`
	Role        string       `json:"role,omitempty"`
	Scopes      []string     `json:"scopes,omitempty"`
}

// ClientInfo identifies the connecting client to the server.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// AuthInfo carries the bearer credential. In signed-device mode the token
// is the device token rather than the account token.
type AuthInfo struct {
	Token string `json:"token"`
}

// DeviceProof is the signed device attestation attached in signed-device
// mode. Signature and PublicKey are URL-safe base64; SignedAt is Unix
// milliseconds and must match the signed payload.
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}
