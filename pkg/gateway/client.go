package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/pkg/connection"
	"github.com/gatewatch/gatewatch-go/pkg/identity"
	"github.com/gatewatch/gatewatch-go/pkg/protolog"
	"github.com/gatewatch/gatewatch-go/pkg/transport"
	"github.com/gatewatch/gatewatch-go/pkg/version"
	"github.com/gatewatch/gatewatch-go/pkg/wire"
)

// Timeout defaults.
const (
	// DefaultCallTimeout bounds each in-flight call.
	DefaultCallTimeout = 15 * time.Second

	// DefaultHandshakeTimeout bounds the window from socket open to a
	// successful hello. Expiry force-closes the socket.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a gateway client.
type Config struct {
	// URL is the gateway endpoint (ws:// or wss://).
	URL string

	// Credentials select token or signed-device auth.
	Credentials identity.Credentials

	// ClientID identifies this client type (default: "gateway-client").
	ClientID string

	// DisplayName is the human-readable client name (default: "gatewatch").
	DisplayName string

	// Version reported to the gateway (default: build version).
	Version string

	// Platform reported to the gateway (default: runtime.GOOS).
	Platform string

	// Mode is the connection mode (default: "backend").
	Mode string

	// Role requested in signed-device auth (default: "operator").
	Role string

	// Scopes requested in signed-device auth (default: DefaultScopes).
	Scopes []string

	// CallTimeout bounds each call (default: 15s).
	CallTimeout time.Duration

	// HandshakeTimeout bounds socket open to hello (default: 10s).
	HandshakeTimeout time.Duration

	// DialTimeout bounds the WebSocket opening handshake.
	DialTimeout time.Duration

	// TLSConfig overrides TLS settings for wss endpoints.
	TLSConfig *tls.Config

	// Backoff tunes the reconnect delays. Zero values take the package
	// defaults (1s doubling to 30s, no jitter).
	Backoff connection.BackoffConfig

	// Logger receives operational logs. The zero value is disabled.
	Logger zerolog.Logger

	// ProtocolLogger receives the protocol event trace (default: none).
	ProtocolLogger protolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.DisplayName == "" {
		c.DisplayName = "gatewatch"
	}
	if c.Version == "" {
		c.Version = version.Version
	}
	if c.Platform == "" {
		c.Platform = runtime.GOOS
	}
	if c.Mode == "" {
		c.Mode = DefaultClientMode
	}
	if c.Role == "" {
		c.Role = DefaultRole
	}
	if c.Scopes == nil {
		c.Scopes = DefaultScopes()
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = transport.DefaultDialTimeout
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = protolog.NoopLogger{}
	}
}

// ServerInfo describes the established session, as reported by the
// gateway's hello.
type ServerInfo struct {
	// Protocol is the negotiated protocol version.
	Protocol int

	// Server is the gateway's self-description, passed through opaque.
	Server json.RawMessage
}

// Status is a point-in-time snapshot of the connection. It never blocks
// on network activity.
type Status struct {
	// Connected is true only in READY.
	Connected bool

	// ConnectedAt is when the current session reached READY (zero when
	// not connected).
	ConnectedAt time.Time

	// Uptime is how long the current session has been READY.
	Uptime time.Duration

	// Protocol is the negotiated protocol version (0 when not connected).
	Protocol int

	// Server is the gateway's self-description from the hello.
	Server json.RawMessage

	// PendingCalls is the number of in-flight calls.
	PendingCalls int
}

// dialFunc establishes the socket. Swapped in tests.
type dialFunc func(ctx context.Context, cfg transport.DialConfig) (transport.Conn, error)

// Client is a persistent RPC client for the gateway connection.
// Create one with New; all methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	plog   protolog.Logger
	signer *identity.Signer
	dial   dialFunc

	pending *pendingTable

	mu               sync.Mutex
	state            connection.State
	sock             transport.Conn
	connID           string
	handshakeID      string
	handshakeTimer   *time.Timer
	reconnectTimer   *time.Timer
	reconnectEnabled bool
	backoff          *connection.Backoff
	serverInfo       json.RawMessage
	protocol         int
	connectedAt      time.Time
	readyCh          chan struct{}

	cbMu           sync.RWMutex
	onConnected    func(ServerInfo)
	onDisconnected func(error)
	onEvent        func(name string, payload json.RawMessage)
}

// New creates a gateway client. It validates the credentials and, in
// signed-device mode, derives the signing key; no connection is made
// until Connect.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	var signer *identity.Signer
	if cfg.Credentials.Mode() == identity.ModeSignedDevice {
		var err error
		signer, err = identity.NewSigner(cfg.Credentials.DeviceID, cfg.Credentials.DevicePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("device key: %w", err)
		}
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "gateway").Logger(),
		plog:   cfg.ProtocolLogger,
		signer: signer,
		dial: func(ctx context.Context, dc transport.DialConfig) (transport.Conn, error) {
			return transport.Dial(ctx, dc)
		},
		pending: newPendingTable(),
		state:   connection.StateClosed,
		backoff: connection.NewBackoffWithConfig(cfg.Backoff),
		readyCh: make(chan struct{}),
	}, nil
}

// Connect begins establishing the connection and enables automatic
// reconnection. It returns immediately; observe progress through
// OnConnected/OnDisconnected or WaitReady. Calling Connect while a
// connection attempt or session is active is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	c.reconnectEnabled = true
	if c.state != connection.StateClosed {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		// Supersede the delayed retry with an immediate attempt.
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	connID := uuid.NewString()
	c.connID = connID
	c.setStateLocked(connection.StateConnecting, "connect requested")
	c.mu.Unlock()

	go c.attempt(connID)
}

// Disconnect closes the connection and disables automatic reconnection
// until the next Connect. In-flight calls are rejected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectEnabled = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.state == connection.StateClosed {
		c.mu.Unlock()
		return
	}
	wasReady := c.teardownLocked("disconnect requested")
	c.mu.Unlock()

	if wasReady {
		c.dispatchDisconnected(fmt.Errorf("%w: disconnect requested", ErrConnectionClosed))
	}
}

// Call sends a request and waits for its response. It fails immediately
// with ErrNotReady when no session is established. The response is
// correlated by a fresh id; if none arrives within the call timeout the
// call fails with *TimeoutError. A response with ok=false fails with
// *RemoteError. Cancelling ctx abandons the call locally.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required")
	}

	id := uuid.NewString()
	data, err := wire.EncodeRequest(&wire.Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	if c.state != connection.StateReady {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}
	sock := c.sock
	connID := c.connID
	ch, err := c.pending.add(id, method, c.cfg.CallTimeout)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.plog.Log(protolog.NewFrameEvent(connID, protolog.DirectionOut, data))
	if err := sock.Send(data); err != nil {
		c.pending.abandon(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.pending.abandon(id)
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of the connection.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Connected:    c.state == connection.StateReady,
		ConnectedAt:  c.connectedAt,
		Protocol:     c.protocol,
		Server:       c.serverInfo,
		PendingCalls: c.pending.len(),
	}
	if st.Connected {
		st.Uptime = time.Since(c.connectedAt)
	}
	return st
}

// State returns the current connection state.
func (c *Client) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitReady blocks until the connection reaches READY or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == connection.StateReady {
			c.mu.Unlock()
			return nil
		}
		ch := c.readyCh
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			// Re-check: the session may have already ended.
		}
	}
}

// OnConnected sets the callback fired when a session reaches READY.
func (c *Client) OnConnected(fn func(ServerInfo)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConnected = fn
}

// OnDisconnected sets the callback fired when a READY session is lost,
// with the reason. Failures before READY do not fire it.
func (c *Client) OnDisconnected(fn func(error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onDisconnected = fn
}

// OnEvent sets the callback for server push events. The payload is the
// raw frame payload: absent and explicit-null payloads are distinguishable
// (nil vs "null").
func (c *Client) OnEvent(fn func(name string, payload json.RawMessage)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onEvent = fn
}

// attempt dials the gateway for one connection attempt.
func (c *Client) attempt(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	sock, err := c.dial(ctx, transport.DialConfig{
		URL:         c.cfg.URL,
		DialTimeout: c.cfg.DialTimeout,
		TLSConfig:   c.cfg.TLSConfig,
	})

	c.mu.Lock()
	if c.connID != connID || c.state != connection.StateConnecting {
		// Disconnect (or a newer attempt) superseded this one.
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("dial failed")
		c.plog.Log(protolog.NewErrorEvent(connID, "dial", err))
		c.teardownLocked("dial failed")
		c.mu.Unlock()
		return
	}

	c.sock = sock
	c.setStateLocked(connection.StateOpen, "socket established")
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.handshakeExpired(connID)
	})
	c.mu.Unlock()

	go c.readLoop(sock, connID)
}

// readLoop is the sole reader of a socket. It exits when the socket
// fails or is closed, triggering teardown.
func (c *Client) readLoop(sock transport.Conn, connID string) {
	for {
		data, err := sock.Receive()
		if err != nil {
			c.socketFailed(sock, connID, err)
			return
		}
		c.handleFrame(sock, connID, data)
	}
}

// socketFailed tears down the connection after a read error, unless a
// newer socket already owns the client.
func (c *Client) socketFailed(sock transport.Conn, connID string, err error) {
	c.mu.Lock()
	if c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Err(err).Msg("connection lost")
	c.plog.Log(protolog.NewErrorEvent(connID, "read loop", err))
	wasReady := c.teardownLocked("socket error")
	c.mu.Unlock()

	if wasReady {
		c.dispatchDisconnected(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	}
}

// handleFrame routes one inbound frame. Malformed frames and unknown
// frame types are logged and dropped; they never tear the connection
// down.
func (c *Client) handleFrame(sock transport.Conn, connID string, data []byte) {
	c.mu.Lock()
	if c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.plog.Log(protolog.NewFrameEvent(connID, protolog.DirectionIn, data))

	frame, err := wire.ParseFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable frame")
		c.plog.Log(protolog.NewErrorEvent(connID, "parse frame", err))
		return
	}

	switch f := frame.(type) {
	case *wire.Event:
		if f.IsChallenge() {
			c.handleChallenge(sock, connID, f)
			return
		}
		c.dispatchEvent(f.Event, f.Payload)
	case *wire.Response:
		c.handleResponse(connID, f)
	default:
		c.logger.Warn().Str("frame_type", frame.FrameType()).Msg("dropping unexpected frame")
	}
}

// handleChallenge answers the server's challenge with the connect
// request and moves to HANDSHAKING.
func (c *Client) handleChallenge(sock transport.Conn, connID string, ev *wire.Event) {
	challenge, err := wire.DecodeChallenge(ev.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed challenge")
		c.plog.Log(protolog.NewErrorEvent(connID, "challenge", err))
		return
	}

	c.mu.Lock()
	if c.sock != sock || c.state != connection.StateOpen {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn().Str("state", state.String()).Msg("dropping unexpected challenge")
		return
	}

	params, err := buildConnectParams(&c.cfg, c.signer, challenge.Nonce, time.Now())
	if err != nil {
		c.logger.Error().Err(err).Msg("cannot build connect request")
		c.plog.Log(protolog.NewErrorEvent(connID, "handshake", err))
		c.teardownLocked("auth build failed")
		c.mu.Unlock()
		return
	}

	id := uuid.NewString()
	c.handshakeID = id
	c.setStateLocked(connection.StateHandshaking, "challenge received")
	c.mu.Unlock()

	data, err := wire.EncodeRequest(&wire.Request{ID: id, Method: wire.MethodConnect, Params: params})
	if err != nil {
		c.logger.Error().Err(err).Msg("cannot encode connect request")
		return
	}
	c.plog.Log(protolog.NewFrameEvent(connID, protolog.DirectionOut, data))
	if err := sock.Send(data); err != nil {
		// The read loop observes the dead socket and tears down.
		c.logger.Debug().Err(err).Msg("connect request send failed")
	}
}

// handleResponse routes a response frame to the handshake or the
// correlation table.
func (c *Client) handleResponse(connID string, resp *wire.Response) {
	c.mu.Lock()
	isHandshake := c.handshakeID != "" && resp.ID == c.handshakeID
	c.mu.Unlock()

	if isHandshake {
		c.finishHandshake(connID, resp)
		return
	}

	if resp.OK {
		if !c.pending.resolve(resp.ID, resp.Payload) {
			c.logger.Debug().Str("id", resp.ID).Msg("dropping response for unknown call")
		}
		return
	}
	if !c.pending.rejectRemote(resp.ID, resp.Error) {
		c.logger.Debug().Str("id", resp.ID).Msg("dropping error response for unknown call")
	}
}

// finishHandshake completes or fails the handshake based on the connect
// response.
func (c *Client) finishHandshake(connID string, resp *wire.Response) {
	c.mu.Lock()
	if resp.ID != c.handshakeID || c.state != connection.StateHandshaking {
		c.mu.Unlock()
		return
	}
	c.handshakeID = ""
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}

	if !resp.OK {
		err := fmt.Errorf("%w: %s", ErrHandshakeRejected, remoteMessage(resp.Error))
		c.logger.Warn().Err(err).Msg("gateway refused the handshake")
		c.plog.Log(protolog.NewErrorEvent(connID, "handshake", err))
		c.teardownLocked("handshake rejected")
		c.mu.Unlock()
		return
	}

	hello, err := wire.DecodeHello(resp.Payload)
	if err != nil {
		werr := fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
		c.logger.Warn().Err(werr).Msg("bad hello payload")
		c.plog.Log(protolog.NewErrorEvent(connID, "handshake", werr))
		c.teardownLocked("bad hello payload")
		c.mu.Unlock()
		return
	}

	c.serverInfo = hello.Server
	c.protocol = hello.Protocol
	c.connectedAt = time.Now()
	c.backoff.Reset()
	c.setStateLocked(connection.StateReady, "handshake complete")
	close(c.readyCh)
	info := ServerInfo{Protocol: hello.Protocol, Server: hello.Server}
	c.mu.Unlock()

	c.logger.Info().Int("protocol", info.Protocol).Msg("gateway session established")
	c.dispatchConnected(info)
}

// handshakeExpired force-closes a socket whose handshake did not
// complete in time.
func (c *Client) handshakeExpired(connID string) {
	c.mu.Lock()
	if c.connID != connID ||
		(c.state != connection.StateOpen && c.state != connection.StateHandshaking) {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Dur("timeout", c.cfg.HandshakeTimeout).Msg("handshake timed out")
	c.plog.Log(protolog.NewErrorEvent(connID, "handshake", ErrHandshakeTimeout))
	c.teardownLocked("handshake timeout")
	c.mu.Unlock()
}

// teardownLocked moves the connection to CLOSED: closes the socket,
// rejects every in-flight call, clears session identity and schedules a
// reconnect when enabled. Returns whether the session had reached READY;
// the caller fires the disconnected callback outside the lock when true.
func (c *Client) teardownLocked(reason string) bool {
	wasReady := c.state == connection.StateReady

	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.handshakeID = ""
	c.serverInfo = nil
	c.protocol = 0
	c.connectedAt = time.Time{}
	if wasReady {
		c.readyCh = make(chan struct{})
	}
	c.setStateLocked(connection.StateClosed, reason)

	if n := c.pending.expireAll(fmt.Errorf("%w: %s", ErrConnectionClosed, reason)); n > 0 {
		c.logger.Debug().Int("count", n).Msg("rejected in-flight calls")
	}

	c.scheduleReconnectLocked()
	return wasReady
}

// scheduleReconnectLocked arms the reconnect timer. Only one timer is
// ever outstanding; scheduling while one is pending is a no-op.
func (c *Client) scheduleReconnectLocked() {
	if !c.reconnectEnabled || c.reconnectTimer != nil {
		return
	}
	delay := c.backoff.Next()
	c.logger.Info().
		Dur("delay", delay).
		Int("attempt", c.backoff.Attempts()).
		Msg("reconnect scheduled")
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectNow)
}

// reconnectNow fires from the reconnect timer and starts a fresh attempt.
func (c *Client) reconnectNow() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if !c.reconnectEnabled || c.state != connection.StateClosed {
		c.mu.Unlock()
		return
	}
	connID := uuid.NewString()
	c.connID = connID
	c.setStateLocked(connection.StateConnecting, "reconnect")
	c.mu.Unlock()

	c.attempt(connID)
}

// setStateLocked transitions the state, logging and journaling the change.
func (c *Client) setStateLocked(next connection.State, reason string) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Str("reason", reason).
		Msg("connection state")
	c.plog.Log(protolog.NewStateEvent(c.connID, prev.String(), next.String(), reason))
}

func (c *Client) dispatchConnected(info ServerInfo) {
	c.cbMu.RLock()
	fn := c.onConnected
	c.cbMu.RUnlock()
	if fn != nil {
		fn(info)
	}
}

func (c *Client) dispatchDisconnected(err error) {
	c.cbMu.RLock()
	fn := c.onDisconnected
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) dispatchEvent(name string, payload json.RawMessage) {
	c.cbMu.RLock()
	fn := c.onEvent
	c.cbMu.RUnlock()
	if fn != nil {
		fn(name, payload)
	}
}

// remoteMessage formats a response error for logging.
func remoteMessage(e *wire.ResponseError) string {
	if e == nil {
		return "no error details"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
	}
	return e.Message
}
