// Package tunnel maintains a reverse SSH tunnel that exposes the local
// dashboard on a remote host. The remote side listens on a configured
// address and every accepted connection is forwarded to the local
// dashboard, like ssh -R. A lost tunnel is re-established with
// exponential backoff.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gatewatch/gatewatch-go/pkg/connection"
)

const (
	// DefaultDialTimeout bounds the SSH connection establishment.
	DefaultDialTimeout = 15 * time.Second

	// keepaliveInterval is how often the SSH session is probed. A failed
	// probe closes the session and triggers a reconnect.
	keepaliveInterval = 30 * time.Second

	// forwardDialTimeout bounds the local dial per forwarded connection.
	forwardDialTimeout = 10 * time.Second
)

// Config describes the tunnel endpoints and credentials.
type Config struct {
	// SSHAddr is the remote SSH endpoint (host:port).
	SSHAddr string

	// User is the SSH user.
	User string

	// KeyFile is the path to the SSH private key.
	KeyFile string

	// KnownHostsFile verifies the remote host key. Empty accepts any
	// host key.
	KnownHostsFile string

	// RemoteListen is the address bound on the remote host.
	RemoteListen string

	// LocalAddr is the local dashboard address connections forward to.
	LocalAddr string

	// DialTimeout bounds connection establishment (default: 15s).
	DialTimeout time.Duration

	// Backoff tunes the reconnect delays.
	Backoff connection.BackoffConfig

	// Logger receives operational logs. The zero value is disabled.
	Logger zerolog.Logger
}

// Tunnel maintains the reverse tunnel. Create with New, then Start.
type Tunnel struct {
	cfg      Config
	logger   zerolog.Logger
	signer   ssh.Signer
	hostKeys ssh.HostKeyCallback
	backoff  *connection.Backoff

	mu       sync.Mutex
	cancel   context.CancelFunc
	client   *ssh.Client
	listener net.Listener
	wg       sync.WaitGroup
}

// New validates the configuration and loads the key material. The
// tunnel is not established until Start.
func New(cfg Config) (*Tunnel, error) {
	if cfg.SSHAddr == "" || cfg.User == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("tunnel requires ssh address, user and key file")
	}
	if cfg.RemoteListen == "" || cfg.LocalAddr == "" {
		return nil, fmt.Errorf("tunnel requires remote listen and local addresses")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", cfg.KeyFile, err)
	}

	logger := cfg.Logger.With().Str("component", "tunnel").Logger()

	var hostKeys ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", cfg.KnownHostsFile, err)
		}
	} else {
		logger.Warn().Msg("no known_hosts configured, accepting any host key")
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	return &Tunnel{
		cfg:      cfg,
		logger:   logger,
		signer:   signer,
		hostKeys: hostKeys,
		backoff:  connection.NewBackoffWithConfig(cfg.Backoff),
	}, nil
}

// Start establishes the tunnel in the background and keeps it alive
// until Stop. Starting a running tunnel is a no-op.
func (t *Tunnel) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go t.run(ctx)
}

// Stop closes the tunnel and waits for its goroutines to exit.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.closeSessionLocked()
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
	t.logger.Info().Msg("tunnel stopped")
}

func (t *Tunnel) closeSessionLocked() {
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

func (t *Tunnel) run(ctx context.Context) {
	defer t.wg.Done()

	for {
		err := t.session(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := t.backoff.Next()
		t.logger.Warn().Err(err).Dur("retry_in", delay).Msg("tunnel down")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one tunnel lifetime: connect, remote-listen, forward
// until the session dies.
func (t *Tunnel) session(ctx context.Context) error {
	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.signer)},
		HostKeyCallback: t.hostKeys,
		Timeout:         t.cfg.DialTimeout,
	}

	client, err := ssh.Dial("tcp", t.cfg.SSHAddr, clientCfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", t.cfg.SSHAddr, err)
	}

	listener, err := client.Listen("tcp", t.cfg.RemoteListen)
	if err != nil {
		client.Close()
		return fmt.Errorf("remote listen %s: %w", t.cfg.RemoteListen, err)
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		// Stop raced the dial.
		t.mu.Unlock()
		listener.Close()
		client.Close()
		return ctx.Err()
	}
	t.client = client
	t.listener = listener
	t.mu.Unlock()

	t.backoff.Reset()
	t.logger.Info().
		Str("remote", t.cfg.SSHAddr).
		Str("listen", t.cfg.RemoteListen).
		Str("local", t.cfg.LocalAddr).
		Msg("tunnel established")

	t.wg.Add(1)
	go t.keepalive(ctx, client)

	for {
		remote, err := listener.Accept()
		if err != nil {
			t.mu.Lock()
			t.closeSessionLocked()
			t.mu.Unlock()
			return fmt.Errorf("accept: %w", err)
		}
		t.wg.Add(1)
		go t.forward(remote)
	}
}

// keepalive probes the session; a failed probe closes the client, which
// unblocks the accept loop.
func (t *Tunnel) keepalive(ctx context.Context, client *ssh.Client) {
	defer t.wg.Done()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn().Err(err).Msg("keepalive failed")
				client.Close()
				return
			}
		}
	}
}

// forward pipes one remote connection to the local dashboard.
func (t *Tunnel) forward(remote net.Conn) {
	defer t.wg.Done()
	defer remote.Close()

	local, err := net.DialTimeout("tcp", t.cfg.LocalAddr, forwardDialTimeout)
	if err != nil {
		t.logger.Warn().Err(err).Str("local", t.cfg.LocalAddr).Msg("local dial failed")
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()

	// Either direction closing ends the forward; Close unblocks the
	// other copy.
	<-done
}
