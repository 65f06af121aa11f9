package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cristalhq/base64"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/gatewatch/gatewatch-go/pkg/connection"
	"github.com/gatewatch/gatewatch-go/pkg/identity"
	"github.com/gatewatch/gatewatch-go/pkg/wire"
)

// fakeGateway is an in-process endpoint speaking just enough of the
// protocol for client tests: a challenge on connect, a hello for an
// accepted connect request, an echo for every other method.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	nonce         string
	skipChallenge bool
	rejectConnect bool
	ignoreConnect bool
	silent        map[string]bool
	errorsFor     map[string]*wire.ResponseError

	mu       sync.Mutex
	conns    []*fakeConn
	connects []json.RawMessage
}

type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (fc *fakeConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ws.WriteMessage(websocket.TextMessage, data)
}

func (fc *fakeConn) sendRaw(data string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

type testRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{
		t:         t,
		silent:    make(map[string]bool),
		errorsFor: make(map[string]*wire.ResponseError),
	}
	fg.srv = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{ws: ws}
	fg.mu.Lock()
	fg.conns = append(fg.conns, fc)
	fg.mu.Unlock()

	if !fg.skipChallenge {
		payload := map[string]any{}
		if fg.nonce != "" {
			payload["nonce"] = fg.nonce
		}
		fc.send(map[string]any{"type": "event", "event": "connect.challenge", "payload": payload})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req testRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "req" {
			continue
		}
		fg.dispatch(fc, &req)
	}
}

func (fg *fakeGateway) dispatch(fc *fakeConn, req *testRequest) {
	if req.Method == "connect" {
		fg.mu.Lock()
		fg.connects = append(fg.connects, req.Params)
		fg.mu.Unlock()

		if fg.ignoreConnect {
			return
		}
		if fg.rejectConnect {
			fc.send(map[string]any{
				"type": "res", "id": req.ID, "ok": false,
				"error": map[string]any{"message": "device not paired", "code": "AUTH_FAILED"},
			})
			return
		}
		fc.send(map[string]any{
			"type": "res", "id": req.ID, "ok": true,
			"payload": map[string]any{
				"type": "hello-ok", "protocol": 3,
				"server": map[string]any{"name": "fake-gateway", "version": "0.1.0"},
			},
		})
		return
	}

	if fg.silent[req.Method] {
		return
	}
	if rerr, ok := fg.errorsFor[req.Method]; ok {
		fc.send(map[string]any{"type": "res", "id": req.ID, "ok": false, "error": rerr})
		return
	}
	fc.send(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": req.Params})
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func (fg *fakeGateway) connCount() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return len(fg.conns)
}

func (fg *fakeGateway) activeConn() *fakeConn {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if len(fg.conns) == 0 {
		fg.t.Fatal("No gateway connection established")
	}
	return fg.conns[len(fg.conns)-1]
}

func (fg *fakeGateway) pushEvent(event string, payload any) {
	frame := map[string]any{"type": "event", "event": event}
	if payload != nil {
		frame["payload"] = payload
	}
	if err := fg.activeConn().send(frame); err != nil {
		fg.t.Errorf("Failed to push event: %v", err)
	}
}

func (fg *fakeGateway) closeActive() {
	fg.activeConn().ws.Close()
}

func (fg *fakeGateway) connectParams(i int) json.RawMessage {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	if i >= len(fg.connects) {
		fg.t.Fatalf("No connect request %d captured (have %d)", i, len(fg.connects))
	}
	return fg.connects[i]
}

func newTestClient(t *testing.T, fg *fakeGateway, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:         fg.url(),
		Credentials: identity.Credentials{Token: "test-token"},
		Backoff: connection.BackoffConfig{
			Initial: 20 * time.Millisecond,
			Max:     100 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func waitReady(t *testing.T, client *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("Client never became ready: %v (state %s)", err, client.State())
	}
}

// TestClientHandshake verifies the challenge/connect/hello sequence
// establishes a session and reports the negotiated protocol.
func TestClientHandshake(t *testing.T) {
	fg := newFakeGateway(t)
	fg.nonce = "n-1"
	client := newTestClient(t, fg, nil)

	connected := make(chan ServerInfo, 1)
	client.OnConnected(func(info ServerInfo) { connected <- info })

	client.Connect()
	waitReady(t, client)

	select {
	case info := <-connected:
		if info.Protocol != 3 {
			t.Errorf("Expected protocol 3, got %d", info.Protocol)
		}
		var server struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(info.Server, &server); err != nil {
			t.Fatalf("Failed to decode server info: %v", err)
		}
		if server.Name != "fake-gateway" {
			t.Errorf("Expected server name fake-gateway, got %q", server.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never fired")
	}

	status := client.Status()
	if !status.Connected {
		t.Error("Status should report connected")
	}
	if status.Protocol != 3 {
		t.Errorf("Expected protocol 3 in status, got %d", status.Protocol)
	}
	if status.ConnectedAt.IsZero() {
		t.Error("ConnectedAt should be set")
	}

	var params wire.ConnectParams
	if err := json.Unmarshal(fg.connectParams(0), &params); err != nil {
		t.Fatalf("Failed to decode connect params: %v", err)
	}
	if params.MinProtocol != ProtocolVersion || params.MaxProtocol != ProtocolVersion {
		t.Errorf("Expected protocol range [%d,%d], got [%d,%d]",
			ProtocolVersion, ProtocolVersion, params.MinProtocol, params.MaxProtocol)
	}
	if params.Client.ID != DefaultClientID {
		t.Errorf("Expected client id %q, got %q", DefaultClientID, params.Client.ID)
	}
	if params.Client.Mode != DefaultClientMode {
		t.Errorf("Expected mode %q, got %q", DefaultClientMode, params.Client.Mode)
	}
	if params.Auth.Token != "test-token" {
		t.Errorf("Expected auth token test-token, got %q", params.Auth.Token)
	}
	if params.Device != nil {
		t.Error("Token auth should not carry a device proof")
	}
}

// TestClientSignedDeviceHandshake verifies the device proof: the
// signature covers the documented payload including the challenge nonce
// and verifies against the advertised public key.
func TestClientSignedDeviceHandshake(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	seedB64 := base64.RawURLEncoding.EncodeToString(seed)

	fg := newFakeGateway(t)
	fg.nonce = "n-9"
	client := newTestClient(t, fg, func(cfg *Config) {
		cfg.Credentials = identity.Credentials{
			DeviceID:         "dev-1",
			DeviceToken:      "device-token",
			DevicePrivateKey: seedB64,
		}
	})

	client.Connect()
	waitReady(t, client)

	var params wire.ConnectParams
	if err := json.Unmarshal(fg.connectParams(0), &params); err != nil {
		t.Fatalf("Failed to decode connect params: %v", err)
	}
	if params.Device == nil {
		t.Fatal("Signed-device auth should carry a device proof")
	}
	if params.Device.ID != "dev-1" {
		t.Errorf("Expected device id dev-1, got %q", params.Device.ID)
	}
	if params.Device.Nonce != "n-9" {
		t.Errorf("Expected nonce n-9 echoed, got %q", params.Device.Nonce)
	}
	if params.Device.SignedAt <= 0 {
		t.Errorf("Expected positive signedAt, got %d", params.Device.SignedAt)
	}
	if params.Auth.Token != "device-token" {
		t.Errorf("Expected device token in auth, got %q", params.Auth.Token)
	}
	if params.Role != DefaultRole {
		t.Errorf("Expected role %q, got %q", DefaultRole, params.Role)
	}

	payload := identity.AuthPayload{
		DeviceID:   "dev-1",
		ClientID:   DefaultClientID,
		ClientMode: DefaultClientMode,
		Role:       DefaultRole,
		Scopes:     DefaultScopes(),
		SignedAt:   params.Device.SignedAt,
		Token:      "device-token",
		Nonce:      "n-9",
	}
	pub, err := base64.RawURLEncoding.DecodeString(params.Device.PublicKey)
	if err != nil {
		t.Fatalf("Failed to decode public key: %v", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(params.Device.Signature)
	if err != nil {
		t.Fatalf("Failed to decode signature: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(payload.Build()), sig) {
		t.Errorf("Signature does not verify over %q", payload.Build())
	}
}

// TestClientCall verifies a round-trip call returns the response payload.
func TestClientCall(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(t, fg, nil)

	client.Connect()
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := client.Call(ctx, "sessions.list", map[string]any{"limit": 5})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var echoed struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(payload, &echoed); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if echoed.Limit != 5 {
		t.Errorf("Expected echoed limit 5, got %d", echoed.Limit)
	}
	if n := client.Status().PendingCalls; n != 0 {
		t.Errorf("Expected no pending calls, got %d", n)
	}
}

// TestClientCallRemoteError verifies an ok=false response surfaces as a
// *RemoteError.
func TestClientCallRemoteError(t *testing.T) {
	fg := newFakeGateway(t)
	fg.errorsFor["files.read"] = &wire.ResponseError{Message: "no such file", Code: "NOT_FOUND"}
	client := newTestClient(t, fg, nil)

	client.Connect()
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "files.read", map[string]any{"path": "/nope"})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	if re.Message != "no such file" || re.Code != "NOT_FOUND" || re.Method != "files.read" {
		t.Errorf("Unexpected RemoteError: %+v", re)
	}
}

// TestClientCallTimeout verifies an unanswered call fails with a
// *TimeoutError and leaves no pending entry behind.
func TestClientCallTimeout(t *testing.T) {
	fg := newFakeGateway(t)
	fg.silent["slow.op"] = true
	client := newTestClient(t, fg, func(cfg *Config) {
		cfg.CallTimeout = 80 * time.Millisecond
	})

	client.Connect()
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := client.Call(ctx, "slow.op", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if te.Method != "slow.op" {
		t.Errorf("Expected method slow.op, got %q", te.Method)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Call returned before the timeout: %s", elapsed)
	}
	if n := client.Status().PendingCalls; n != 0 {
		t.Errorf("Expected no pending calls after timeout, got %d", n)
	}
}

// TestClientCallNotReady verifies calls fail fast outside READY instead
// of queueing.
func TestClientCallNotReady(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(t, fg, nil)

	_, err := client.Call(context.Background(), "sessions.list", nil)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
}

// TestClientCallContextCancel verifies a cancelled context abandons the
// call locally.
func TestClientCallContextCancel(t *testing.T) {
	fg := newFakeGateway(t)
	fg.silent["slow.op"] = true
	client := newTestClient(t, fg, nil)

	client.Connect()
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "slow.op", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline error, got %v", err)
	}
	if n := client.Status().PendingCalls; n != 0 {
		t.Errorf("Expected no pending calls after cancel, got %d", n)
	}
}

// TestClientEvents verifies push events reach the handler, including the
// distinction between an absent payload and an explicit null.
func TestClientEvents(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(t, fg, nil)

	type received struct {
		name    string
		payload json.RawMessage
	}
	events := make(chan received, 4)
	client.OnEvent(func(name string, payload json.RawMessage) {
		events <- received{name, payload}
	})

	client.Connect()
	waitReady(t, client)

	fg.pushEvent("log.line", map[string]any{"msg": "hi"})
	fg.pushEvent("session.ended", nil)

	var ev received
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("First event never arrived")
	}
	if ev.name != "log.line" {
		t.Errorf("Expected log.line, got %q", ev.name)
	}
	var body struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(ev.payload, &body); err != nil || body.Msg != "hi" {
		t.Errorf("Unexpected payload %s (err %v)", ev.payload, err)
	}

	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("Second event never arrived")
	}
	if ev.name != "session.ended" {
		t.Errorf("Expected session.ended, got %q", ev.name)
	}
	if ev.payload != nil {
		t.Errorf("Expected absent payload, got %s", ev.payload)
	}

	fg.activeConn().send(map[string]any{"type": "event", "event": "nulled", "payload": nil})
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("Null-payload event never arrived")
	}
	if string(ev.payload) != "null" {
		t.Errorf("Expected explicit null payload, got %q", ev.payload)
	}
}

// TestClientDisconnect verifies Disconnect rejects in-flight calls,
// fires the disconnect callback and stays down.
func TestClientDisconnect(t *testing.T) {
	fg := newFakeGateway(t)
	fg.silent["slow.op"] = true
	client := newTestClient(t, fg, nil)

	disconnected := make(chan error, 1)
	client.OnDisconnected(func(err error) { disconnected <- err })

	client.Connect()
	waitReady(t, client)

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "slow.op", nil)
		callErr <- err
	}()

	// Let the call register before tearing down.
	deadline := time.Now().Add(2 * time.Second)
	for client.Status().PendingCalls == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Call never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.Disconnect()

	select {
	case err := <-callErr:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("In-flight call never completed")
	}

	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Expected ErrConnectionClosed reason, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}

	if state := client.State(); state != connection.StateClosed {
		t.Errorf("Expected CLOSED after disconnect, got %s", state)
	}

	// Reconnection is disabled: no new connection should appear.
	time.Sleep(150 * time.Millisecond)
	if n := fg.connCount(); n != 1 {
		t.Errorf("Expected no reconnect after Disconnect, got %d connections", n)
	}
}

// TestClientReconnect verifies a lost session is re-established and the
// disconnect callback carries the cause.
func TestClientReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(t, fg, nil)

	connected := make(chan ServerInfo, 4)
	disconnected := make(chan error, 4)
	client.OnConnected(func(info ServerInfo) { connected <- info })
	client.OnDisconnected(func(err error) { disconnected <- err })

	client.Connect()
	waitReady(t, client)
	<-connected

	fg.closeActive()

	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never fired after server close")
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Client never reconnected")
	}
	waitReady(t, client)

	if n := fg.connCount(); n < 2 {
		t.Errorf("Expected a second connection, got %d", n)
	}
}

// TestClientHandshakeRejected verifies a rejected handshake never
// reaches READY, fires no disconnect callback, and retries with backoff.
func TestClientHandshakeRejected(t *testing.T) {
	fg := newFakeGateway(t)
	fg.rejectConnect = true
	client := newTestClient(t, fg, nil)

	disconnected := make(chan error, 4)
	client.OnDisconnected(func(err error) { disconnected <- err })

	client.Connect()

	// Wait for at least two attempts: rejection, backoff, retry.
	deadline := time.Now().Add(5 * time.Second)
	for fg.connCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected a retry after rejection, got %d connections", fg.connCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if client.Status().Connected {
		t.Error("Client should not be connected after rejection")
	}
	select {
	case err := <-disconnected:
		t.Errorf("OnDisconnected fired for a session that never became ready: %v", err)
	default:
	}
}

// TestClientHandshakeTimeout verifies a stalled handshake is abandoned
// and the socket closed.
func TestClientHandshakeTimeout(t *testing.T) {
	fg := newFakeGateway(t)
	fg.ignoreConnect = true
	client := newTestClient(t, fg, func(cfg *Config) {
		cfg.HandshakeTimeout = 60 * time.Millisecond
		cfg.Backoff = connection.BackoffConfig{Initial: 10 * time.Second, Max: 10 * time.Second}
	})

	client.Connect()

	deadline := time.Now().Add(2 * time.Second)
	for client.State() != connection.StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("Expected CLOSED after handshake timeout, still %s", client.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := fg.connCount(); n != 1 {
		t.Errorf("Expected a single attempt (long backoff), got %d", n)
	}
}

// TestClientDropsMalformedFrames verifies undecodable frames and
// unexpected frame types are dropped without killing the session.
func TestClientDropsMalformedFrames(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(t, fg, nil)

	client.Connect()
	waitReady(t, client)

	conn := fg.activeConn()
	conn.sendRaw(`this is not json`)
	conn.sendRaw(`{"type":"banana"}`)
	conn.sendRaw(`{"type":"req","id":"x","method":"server.ping"}`)
	conn.sendRaw(`{"type":"res","id":"never-sent","ok":true}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Call(ctx, "sessions.list", map[string]any{"limit": 1}); err != nil {
		t.Fatalf("Call after garbage frames failed: %v", err)
	}
	if !client.Status().Connected {
		t.Error("Session should survive malformed frames")
	}
}

// TestClientConnectIdempotent verifies repeated Connect calls do not
// open extra connections.
func TestClientConnectIdempotent(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(t, fg, nil)

	client.Connect()
	client.Connect()
	waitReady(t, client)
	client.Connect()

	time.Sleep(100 * time.Millisecond)
	if n := fg.connCount(); n != 1 {
		t.Errorf("Expected a single connection, got %d", n)
	}
}

// TestClientWaitReadyTimeout verifies WaitReady respects its context
// when the gateway is unreachable.
func TestClientWaitReadyTimeout(t *testing.T) {
	client, err := New(Config{
		URL:         "ws://127.0.0.1:1/gateway",
		Credentials: identity.Credentials{Token: "tok"},
		Backoff:     connection.BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		DialTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Disconnect()

	client.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
}

// TestClientNewValidation verifies construction rejects unusable
// configurations.
func TestClientNewValidation(t *testing.T) {
	if _, err := New(Config{Credentials: identity.Credentials{Token: "tok"}}); err == nil {
		t.Error("Expected error for missing URL")
	}
	if _, err := New(Config{URL: "ws://x"}); err == nil {
		t.Error("Expected error for missing credentials")
	}
	if _, err := New(Config{
		URL:         "ws://x",
		Credentials: identity.Credentials{DeviceID: "d", DeviceToken: "t", DevicePrivateKey: "!!!"},
	}); err == nil {
		t.Error("Expected error for malformed device key")
	}
}
