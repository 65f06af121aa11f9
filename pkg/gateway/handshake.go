package gateway

import (
	"fmt"
	"time"

	"github.com/gatewatch/gatewatch-go/pkg/identity"
	"github.com/gatewatch/gatewatch-go/pkg/wire"
)

// ProtocolVersion is the gateway protocol version this client speaks.
// The connect request offers it as both minimum and maximum.
const ProtocolVersion = 3

// Handshake defaults.
const (
	// DefaultClientID identifies this client type to the gateway.
	DefaultClientID = "gateway-client"

	// DefaultClientMode is the connection mode requested by a backend.
	DefaultClientMode = "backend"

	// DefaultRole is the role requested in signed-device auth.
	DefaultRole = "operator"
)

// DefaultScopes are the capabilities requested in signed-device auth.
func DefaultScopes() []string {
	return []string{"sessions", "files", "config", "events"}
}

// buildConnectParams assembles the params of the connect request sent in
// answer to a challenge. In signed-device mode it signs the auth payload
// with the device key; the challenge nonce, when present, is bound into
// the signature and echoed in the device proof.
func buildConnectParams(cfg *Config, signer *identity.Signer, nonce string, signedAt time.Time) (*wire.ConnectParams, error) {
	params := &wire.ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: wire.ClientInfo{
			ID:          cfg.ClientID,
			DisplayName: cfg.DisplayName,
			Version:     cfg.Version,
			Platform:    cfg.Platform,
			Mode:        cfg.Mode,
		},
	}

	if cfg.Credentials.Mode() == identity.ModeToken {
		params.Auth = wire.AuthInfo{Token: cfg.Credentials.Token}
		return params, nil
	}

	if signer == nil {
		return nil, fmt.Errorf("signed-device credentials without a signer")
	}

	signedAtMs := signedAt.UnixMilli()
	payload := identity.AuthPayload{
		DeviceID:   cfg.Credentials.DeviceID,
		ClientID:   cfg.ClientID,
		ClientMode: cfg.Mode,
		Role:       cfg.Role,
		Scopes:     cfg.Scopes,
		SignedAt:   signedAtMs,
		Token:      cfg.Credentials.DeviceToken,
		Nonce:      nonce,
	}

	params.Auth = wire.AuthInfo{Token: cfg.Credentials.DeviceToken}
	params.Device = &wire.DeviceProof{
		ID:        cfg.Credentials.DeviceID,
		PublicKey: signer.PublicKey(),
		Signature: signer.Sign(payload.Build()),
		SignedAt:  signedAtMs,
		Nonce:     nonce,
	}
	params.Role = cfg.Role
	params.Scopes = cfg.Scopes

	return params, nil
}
