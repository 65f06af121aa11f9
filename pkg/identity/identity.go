// Package identity holds the client's gateway credentials and implements
// the signed-device attestation: a version-tagged payload string signed
// with the device's Ed25519 key.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"

	cristalbase64 "github.com/cristalhq/base64"
)

// AuthMode selects how the client authenticates during the handshake.
type AuthMode uint8

const (
	// ModeToken authenticates with the bearer token alone.
	ModeToken AuthMode = 1

	// ModeSignedDevice authenticates with the device token plus a signed
	// device attestation.
	ModeSignedDevice AuthMode = 2
)

// String returns the auth mode name.
func (m AuthMode) String() string {
	switch m {
	case ModeToken:
		return "TOKEN"
	case ModeSignedDevice:
		return "SIGNED_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// Payload version tags. v2 is used when a challenge nonce is present and
// appends the nonce as the final field.
const (
	payloadV1 = "v1"
	payloadV2 = "v2"
)

// Credentials are the static secrets the client authenticates with.
// Device fields are optional; when all three are set the client uses
// signed-device auth, otherwise plain token auth.
type Credentials struct {
	// Token is the bearer token for plain token auth.
	Token string

	// DeviceID identifies the provisioned device.
	DeviceID string

	// DeviceToken replaces Token as the bearer credential in
	// signed-device auth.
	DeviceToken string

	// DevicePrivateKey is the Ed25519 seed, URL-safe base64 encoded.
	DevicePrivateKey string
}

// Mode returns the auth mode these credentials select.
func (c Credentials) Mode() AuthMode {
	if c.DeviceID != "" && c.DeviceToken != "" && c.DevicePrivateKey != "" {
		return ModeSignedDevice
	}
	return ModeToken
}

// Validate checks that the credentials are usable in their selected mode.
func (c Credentials) Validate() error {
	switch c.Mode() {
	case ModeSignedDevice:
		if _, err := decodeSeed(c.DevicePrivateKey); err != nil {
			return fmt.Errorf("device private key: %w", err)
		}
	case ModeToken:
		if c.Token == "" {
			return fmt.Errorf("no token and no complete device identity")
		}
	}
	return nil
}

// AuthPayload is the set of fields bound together by a device signature.
// SignedAt is Unix milliseconds.
type AuthPayload struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAt   int64
	Token      string
	Nonce      string
}

// Build produces the canonical pipe-delimited payload string. Field order
// is fixed; scopes join with commas in their given order. Without a nonce
// the string is tagged v1, with one it is tagged v2 and the nonce becomes
// the final field.
func (p AuthPayload) Build() string {
	version := payloadV1
	if p.Nonce != "" {
		version = payloadV2
	}

	fields := []string{
		version,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAt, 10),
		p.Token,
	}
	if p.Nonce != "" {
		fields = append(fields, p.Nonce)
	}
	return strings.Join(fields, "|")
}

// Signer signs auth payloads with a device's Ed25519 key.
type Signer struct {
	deviceID string
	key      ed25519.PrivateKey
}

// NewSigner decodes the URL-safe base64 seed and derives the signing key.
// The seed must decode to exactly 32 bytes.
func NewSigner(deviceID, privateKeyB64 string) (*Signer, error) {
	seed, err := decodeSeed(privateKeyB64)
	if err != nil {
		return nil, err
	}
	return &Signer{
		deviceID: deviceID,
		key:      ed25519.NewKeyFromSeed(seed),
	}, nil
}

// DeviceID returns the device this signer belongs to.
func (s *Signer) DeviceID() string { return s.deviceID }

// PublicKey returns the device public key, URL-safe base64 encoded.
func (s *Signer) PublicKey() string {
	pub := s.key.Public().(ed25519.PublicKey)
	return cristalbase64.RawURLEncoding.EncodeToString(pub)
}

// Sign signs the payload string and returns the signature, URL-safe
// base64 encoded. Ed25519 signing is deterministic: equal payloads yield
// equal signatures.
func (s *Signer) Sign(payload string) string {
	sig := ed25519.Sign(s.key, []byte(payload))
	return cristalbase64.RawURLEncoding.EncodeToString(sig)
}

// decodeSeed decodes a URL-safe base64 Ed25519 seed, tolerating padding.
func decodeSeed(s string) ([]byte, error) {
	seed, err := cristalbase64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("not valid base64url: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}
