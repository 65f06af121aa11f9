package gatewatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/pkg/alert"
	"github.com/gatewatch/gatewatch-go/pkg/connection"
	"github.com/gatewatch/gatewatch-go/pkg/gateway"
	"github.com/gatewatch/gatewatch-go/pkg/identity"
	"github.com/gatewatch/gatewatch-go/pkg/store"
)

// testGateway is a loopback endpoint speaking the gateway protocol:
// challenge on connect, hello for the connect request, echo for every
// other method. It backs the end-to-end tests below.
type testGateway struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	wmu   map[*websocket.Conn]*sync.Mutex
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	tg := &testGateway{wmu: make(map[*websocket.Conn]*sync.Mutex)}
	tg.srv = httptest.NewServer(http.HandlerFunc(tg.handle))
	t.Cleanup(tg.srv.Close)
	return tg
}

func (tg *testGateway) url() string {
	return "ws" + tg.srv.URL[len("http"):]
}

func (tg *testGateway) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	tg.mu.Lock()
	tg.conns = append(tg.conns, ws)
	tg.wmu[ws] = &sync.Mutex{}
	tg.mu.Unlock()

	tg.send(ws, map[string]any{
		"type": "event", "event": "connect.challenge", "payload": map[string]any{},
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Type   string          `json:"type"`
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "req" {
			continue
		}

		if req.Method == "connect" {
			tg.send(ws, map[string]any{
				"type": "res", "id": req.ID, "ok": true,
				"payload": map[string]any{
					"type":     "hello-ok",
					"protocol": 3,
					"server":   map[string]string{"name": "test-gateway", "version": "1.0.0"},
				},
			})
			continue
		}

		tg.send(ws, map[string]any{
			"type": "res", "id": req.ID, "ok": true,
			"payload": req.Params,
		})
	}
}

func (tg *testGateway) send(ws *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	tg.mu.Lock()
	wmu := tg.wmu[ws]
	tg.mu.Unlock()
	if wmu == nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	ws.WriteMessage(websocket.TextMessage, data)
}

// pushEvent sends an event frame on the most recent connection.
func (tg *testGateway) pushEvent(event string, payload any) {
	tg.mu.Lock()
	var ws *websocket.Conn
	if len(tg.conns) > 0 {
		ws = tg.conns[len(tg.conns)-1]
	}
	tg.mu.Unlock()
	if ws == nil {
		return
	}
	tg.send(ws, map[string]any{"type": "event", "event": event, "payload": payload})
}

// dropConnections closes every open socket.
func (tg *testGateway) dropConnections() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	for _, ws := range tg.conns {
		ws.Close()
	}
	tg.conns = nil
}

func newE2EClient(t *testing.T, tg *testGateway) *gateway.Client {
	t.Helper()

	client, err := gateway.New(gateway.Config{
		URL:         tg.url(),
		Credentials: identity.Credentials{Token: "e2e-token"},
		Backoff: connection.BackoffConfig{
			Initial: 20 * time.Millisecond,
			Max:     100 * time.Millisecond,
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func waitReady(t *testing.T, client *gateway.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("Client never became ready: %v", err)
	}
}

// TestE2E_SessionAndCall covers the full path: dial, challenge,
// handshake, a call round-trip, disconnect.
func TestE2E_SessionAndCall(t *testing.T) {
	tg := newTestGateway(t)
	client := newE2EClient(t, tg)

	client.Connect()
	waitReady(t, client)

	status := client.Status()
	if !status.Connected || status.Protocol != 3 {
		t.Fatalf("Unexpected status after handshake: %+v", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "sessions.list", map[string]int{"limit": 3})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var echoed map[string]int
	if err := json.Unmarshal(result, &echoed); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if echoed["limit"] != 3 {
		t.Errorf("Expected echoed params, got %s", result)
	}

	client.Disconnect()
	if state := client.State(); state != connection.StateClosed {
		t.Errorf("Expected CLOSED after disconnect, got %s", state)
	}
}

// TestE2E_ReconnectRecordsHistory wires the client to a real SQLite
// store the way the daemon does and verifies both sides of a
// disconnect/reconnect cycle are recorded.
func TestE2E_ReconnectRecordsHistory(t *testing.T) {
	tg := newTestGateway(t)
	client := newE2EClient(t, tg)

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	snapshot := func() {
		status := client.Status()
		if err := st.InsertSample(&store.Sample{
			TakenAt:      time.Now(),
			Connected:    status.Connected,
			State:        client.State().String(),
			Protocol:     status.Protocol,
			PendingCalls: status.PendingCalls,
			UptimeMs:     status.Uptime.Milliseconds(),
		}); err != nil {
			t.Errorf("Failed to insert sample: %v", err)
		}
	}

	reconnected := make(chan struct{}, 2)
	client.OnConnected(func(gateway.ServerInfo) {
		snapshot()
		reconnected <- struct{}{}
	})
	client.OnDisconnected(func(error) { snapshot() })

	client.Connect()
	waitReady(t, client)
	<-reconnected

	tg.dropConnections()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("Client never reconnected")
	}

	samples, err := st.ListSamples(time.Time{}, 10)
	if err != nil {
		t.Fatalf("Failed to list samples: %v", err)
	}
	if len(samples) < 3 {
		t.Fatalf("Expected at least 3 samples, got %d", len(samples))
	}

	var sawConnected, sawDisconnected bool
	for _, s := range samples {
		if s.Connected {
			sawConnected = true
		} else {
			sawDisconnected = true
		}
	}
	if !sawConnected || !sawDisconnected {
		t.Errorf("Expected both connected and disconnected samples, got %+v", samples)
	}

	latest, err := st.LatestSample()
	if err != nil {
		t.Fatalf("Failed to read latest sample: %v", err)
	}
	if latest == nil || !latest.Connected {
		t.Errorf("Expected latest sample to be connected, got %+v", latest)
	}

	// Disconnect before the deferred store close; the callback writes a
	// final snapshot.
	client.Disconnect()
}

// TestE2E_AlertLifecycle runs the alert engine against the real store:
// a sustained disconnect opens a persisted alert, recovery resolves it.
func TestE2E_AlertLifecycle(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	engine := alert.New(alert.Config{
		DisconnectedGrace: time.Minute,
		Store:             st,
		Logger:            zerolog.Nop(),
	})

	t0 := time.Now()
	engine.ObserveStatus(false, t0)
	engine.ObserveStatus(false, t0.Add(30*time.Second))

	open, err := st.ListAlerts(true, 10)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("Expected no alert before the grace period, got %d", len(open))
	}

	engine.ObserveStatus(false, t0.Add(61*time.Second))

	open, err = st.ListAlerts(true, 10)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("Expected 1 open alert, got %d", len(open))
	}
	if open[0].Rule != alert.RuleGatewayDisconnected {
		t.Errorf("Unexpected rule: %q", open[0].Rule)
	}

	engine.ObserveStatus(true, t0.Add(2*time.Minute))

	open, err = st.ListAlerts(true, 10)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("Expected alert to be resolved, got %d open", len(open))
	}

	all, err := st.ListAlerts(false, 10)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(all) != 1 || all[0].ResolvedAt == nil {
		t.Fatalf("Expected one resolved alert, got %+v", all)
	}
}

// TestE2E_EventFanout verifies server pushes reach the event callback
// with their payloads intact.
func TestE2E_EventFanout(t *testing.T) {
	tg := newTestGateway(t)
	client := newE2EClient(t, tg)

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

	tg.pushEvent("session.started", map[string]string{"id": "s-1"})
	tg.pushEvent("log.line", map[string]string{"line": "hello"})

	for _, want := range []string{"session.started", "log.line"} {
		select {
		case got := <-events:
			if got.name != want {
				t.Errorf("Expected event %q, got %q", want, got.name)
			}
			if len(got.payload) == 0 {
				t.Errorf("Event %q arrived without payload", want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Event %q never arrived", want)
		}
	}
}
