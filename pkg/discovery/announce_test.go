package discovery

import (
	"testing"
	"time"
)

// TestNewAnnouncerValidation verifies construction rejects a missing port
// and fills in defaults.
func TestNewAnnouncerValidation(t *testing.T) {
	if _, err := NewAnnouncer(AnnouncerConfig{}); err == nil {
		t.Error("Expected error for missing port")
	}

	a, err := NewAnnouncer(AnnouncerConfig{Port: 8080})
	if err != nil {
		t.Fatalf("Failed to create announcer: %v", err)
	}
	if a.cfg.Instance != "gatewatch" {
		t.Errorf("Expected default instance, got %q", a.cfg.Instance)
	}
	if a.cfg.APIPath != "/api/v1" {
		t.Errorf("Expected default API path, got %q", a.cfg.APIPath)
	}
}

// TestAnnouncerTXTRecords verifies the advertised records.
func TestAnnouncerTXTRecords(t *testing.T) {
	a, err := NewAnnouncer(AnnouncerConfig{Port: 8080, Version: "1.2.3"})
	if err != nil {
		t.Fatalf("Failed to create announcer: %v", err)
	}

	records := a.TXTRecords()
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %v", records)
	}
	if records[0] != "api=/api/v1" {
		t.Errorf("Unexpected api record: %q", records[0])
	}
	if records[1] != "version=1.2.3" {
		t.Errorf("Unexpected version record: %q", records[1])
	}

	a, _ = NewAnnouncer(AnnouncerConfig{Port: 8080})
	if records := a.TXTRecords(); len(records) != 1 {
		t.Errorf("Expected version record omitted when unset, got %v", records)
	}
}

// TestAnnouncerStartShutdown registers and withdraws a real service.
func TestAnnouncerStartShutdown(t *testing.T) {
	a, err := NewAnnouncer(AnnouncerConfig{
		Instance: "gatewatch-test",
		Port:     18080,
		Version:  "0.0.1",
		TTL:      30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create announcer: %v", err)
	}

	if err := a.Start(); err != nil {
		t.Skipf("mDNS not available in this environment: %v", err)
	}
	a.Shutdown()

	// Shutdown again is a no-op.
	a.Shutdown()
}
