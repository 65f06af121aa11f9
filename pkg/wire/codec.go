package wire

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrUnknownFrameType indicates a frame whose type discriminator is not
// one of event, req or res.
var ErrUnknownFrameType = errors.New("unknown frame type")

// ErrMalformedFrame indicates bytes that do not decode as a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Marshal encodes a value to JSON bytes.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON bytes into a value.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// EncodeRequest encodes a request frame, filling in the type discriminator.
func EncodeRequest(req *Request) ([]byte, error) {
	req.Type = FrameTypeRequest
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return Marshal(req)
}

// EncodeEvent encodes an event frame, filling in the type discriminator.
func EncodeEvent(ev *Event) ([]byte, error) {
	ev.Type = FrameTypeEvent
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return Marshal(ev)
}

// EncodeResponse encodes a response frame, filling in the type discriminator.
func EncodeResponse(resp *Response) ([]byte, error) {
	resp.Type = FrameTypeResponse
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return Marshal(resp)
}

// ParseFrame decodes raw bytes into a typed frame. Unknown type
// discriminators and undecodable bytes are errors; callers treat both as
// protocol errors and must not tear down the connection over them.
func ParseFrame(data []byte) (Frame, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case FrameTypeEvent:
		var ev Event
		if err := Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &ev, nil

	case FrameTypeRequest:
		var req Request
		if err := Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &req, nil

	case FrameTypeResponse:
		var resp Response
		if err := Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if err := resp.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &resp, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, env.Type)
	}
}

// DecodeHello decodes a connect response payload and verifies it confirms
// the handshake.
func DecodeHello(payload []byte) (*HelloPayload, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty hello payload", ErrMalformedFrame)
	}
	var hello HelloPayload
	if err := Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !hello.IsHelloOK() {
		return nil, fmt.Errorf("unexpected hello payload type %q", hello.Type)
	}
	return &hello, nil
}

// DecodeChallenge decodes a connect.challenge event payload. A missing or
// empty payload is a challenge without a nonce.
func DecodeChallenge(payload []byte) (*ChallengePayload, error) {
	if len(payload) == 0 {
		return &ChallengePayload{}, nil
	}
	var ch ChallengePayload
	if err := Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &ch, nil
}
