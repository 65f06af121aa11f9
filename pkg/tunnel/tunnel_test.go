package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gatewatch/gatewatch-go/pkg/connection"
)

func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}
	return path
}

func testConfig(t *testing.T) Config {
	return Config{
		SSHAddr:      "127.0.0.1:22",
		User:         "forwarder",
		KeyFile:      writeTestKey(t),
		RemoteListen: "0.0.0.0:9443",
		LocalAddr:    "127.0.0.1:8080",
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing ssh address",
			mutate: func(c *Config) { c.SSHAddr = "" },
			want:   "ssh address",
		},
		{
			name:   "missing user",
			mutate: func(c *Config) { c.User = "" },
			want:   "ssh address, user",
		},
		{
			name:   "missing key file",
			mutate: func(c *Config) { c.KeyFile = "" },
			want:   "key file",
		},
		{
			name:   "missing remote listen",
			mutate: func(c *Config) { c.RemoteListen = "" },
			want:   "remote listen",
		},
		{
			name:   "missing local address",
			mutate: func(c *Config) { c.LocalAddr = "" },
			want:   "local addresses",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("Expected validation error, got nil")
			} else if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestNewLoadsKey(t *testing.T) {
	tun, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create tunnel: %v", err)
	}
	if tun.signer == nil {
		t.Fatal("Expected signer to be loaded")
	}
	if tun.cfg.DialTimeout != DefaultDialTimeout {
		t.Fatalf("Expected default dial timeout, got %v", tun.cfg.DialTimeout)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	cfg := testConfig(t)
	cfg.KeyFile = path
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected parse error for garbage key")
	}

	cfg.KeyFile = filepath.Join(t.TempDir(), "missing")
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected error for missing key file")
	}
}

func TestNewRejectsBadKnownHosts(t *testing.T) {
	cfg := testConfig(t)
	cfg.KnownHostsFile = filepath.Join(t.TempDir(), "known_hosts")
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected error for missing known_hosts file")
	}
}

// startEchoServer runs a TCP server that echoes everything back.
func startEchoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestForwardPipesData(t *testing.T) {
	cfg := testConfig(t)
	cfg.LocalAddr = startEchoServer(t)

	tun, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create tunnel: %v", err)
	}

	remote, client := net.Pipe()
	tun.wg.Add(1)
	go tun.forward(remote)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("Expected echo 'ping', got %q", buf)
	}

	client.Close()
	tun.wg.Wait()
}

func TestForwardLocalUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.LocalAddr = "127.0.0.1:1"

	tun, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create tunnel: %v", err)
	}

	remote, client := net.Pipe()
	tun.wg.Add(1)
	go tun.forward(remote)

	// The remote side is closed once the local dial fails.
	client.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("Expected remote connection to be closed")
	}
	tun.wg.Wait()
}

func TestStartStopUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.SSHAddr = "127.0.0.1:1"
	cfg.Backoff = connection.BackoffConfig{
		Initial: 10 * time.Millisecond,
		Max:     50 * time.Millisecond,
	}

	tun, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create tunnel: %v", err)
	}

	tun.Start()
	tun.Start()

	// Let it churn through a couple of failed attempts.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		tun.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	tun.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	tun, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("Failed to create tunnel: %v", err)
	}
	tun.Stop()
}
