package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg, err := config.Parse([]byte(
		"gateway:\n  url: ws://127.0.0.1:4020/ws\n  token: test-token\nstore:\n  path: \":memory:\"\n",
	))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	srv, err := NewServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(srv.Close)

	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %q", resp["status"])
	}
	if resp["version"] == "" {
		t.Error("Expected version to be set")
	}
}

func TestHealthEndpointMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected status 405, got %d", w.Code)
	}
}

func TestStatusEndpointBeforeConnect(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		State     string `json:"state"`
		Connected bool   `json:"connected"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.State != "CLOSED" {
		t.Errorf("Expected state CLOSED, got %q", resp.State)
	}
	if resp.Connected {
		t.Error("Expected connected false")
	}
}

func TestCallEndpointNotReady(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/call",
		strings.NewReader(`{"method":"sessions.list"}`))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHistoryEndpointsEmpty(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/api/v1/samples", "/api/v1/probes", "/api/v1/alerts"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
			continue
		}

		var resp map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Errorf("%s: failed to parse response: %v", path, err)
			continue
		}
		if total, ok := resp["total"].(float64); !ok || total != 0 {
			t.Errorf("%s: expected total 0, got %v", path, resp["total"])
		}
	}
}

func TestSampleOnceRecords(t *testing.T) {
	srv := newTestServer(t)

	srv.sampleOnce()
	srv.sampleOnce()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/samples", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	var resp struct {
		Total   int `json:"total"`
		Samples []struct {
			State     string `json:"state"`
			Connected bool   `json:"connected"`
		} `json:"samples"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("Expected 2 samples, got %d", resp.Total)
	}
	if resp.Samples[0].State != "CLOSED" || resp.Samples[0].Connected {
		t.Errorf("Unexpected sample: %+v", resp.Samples[0])
	}
}

func TestListenPort(t *testing.T) {
	if port, err := listenPort("127.0.0.1:8080"); err != nil || port != 8080 {
		t.Errorf("listenPort(127.0.0.1:8080) = %d, %v", port, err)
	}
	if port, err := listenPort(":9090"); err != nil || port != 9090 {
		t.Errorf("listenPort(:9090) = %d, %v", port, err)
	}
	if _, err := listenPort("no-port"); err == nil {
		t.Error("Expected error for address without port")
	}
}

func TestLocalDialAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0.0.0.0:8080", "127.0.0.1:8080"},
		{":8080", "127.0.0.1:8080"},
		{"[::]:8080", "127.0.0.1:8080"},
		{"192.168.1.5:8080", "192.168.1.5:8080"},
		{"localhost:8080", "localhost:8080"},
	}
	for _, tt := range tests {
		if got := localDialAddr(tt.in); got != tt.want {
			t.Errorf("localDialAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
