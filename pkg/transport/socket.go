package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport errors.
var (
	ErrSocketClosed = errors.New("socket closed")
	ErrBadURL       = errors.New("invalid gateway URL")
)

// Defaults applied by Dial when the config leaves them zero.
const (
	// DefaultDialTimeout bounds the WebSocket opening handshake.
	DefaultDialTimeout = 15 * time.Second

	// DefaultWriteTimeout bounds a single message write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultPongWait is how long a connection may go without a pong
	// (or any read) before it is considered dead.
	DefaultPongWait = 60 * time.Second

	// DefaultMaxMessageSize is the maximum inbound message size (1 MiB).
	DefaultMaxMessageSize = 1 << 20
)

// DialConfig configures a gateway socket.
type DialConfig struct {
	// URL is the gateway endpoint (ws:// or wss://).
	URL string

	// DialTimeout bounds the opening handshake (default: 15s).
	DialTimeout time.Duration

	// WriteTimeout bounds each message write (default: 10s).
	WriteTimeout time.Duration

	// PongWait is the read liveness window (default: 60s). Pings go out
	// at 90% of this interval.
	PongWait time.Duration

	// MaxMessageSize limits inbound messages (default: 1 MiB).
	MaxMessageSize int64

	// TLSConfig overrides TLS settings for wss endpoints.
	TLSConfig *tls.Config
}

func (c *DialConfig) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongWait == 0 {
		c.PongWait = DefaultPongWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Conn is the socket surface the client consumes.
// Implemented by Socket.
type Conn interface {
	// Send writes one message. Safe for concurrent use.
	Send(data []byte) error

	// Receive reads the next message. Single reader only.
	Receive() ([]byte, error)

	// Close tears the socket down. Idempotent.
	Close() error

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr
}

// Compile-time interface satisfaction check.
var _ Conn = (*Socket)(nil)

// Socket is a message-framed WebSocket connection to the gateway.
type Socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	closeCh   chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// Dial establishes a WebSocket connection to the gateway.
func Dial(ctx context.Context, cfg DialConfig) (*Socket, error) {
	cfg.applyDefaults()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q, want ws or wss", ErrBadURL, u.Scheme)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig:  cfg.TLSConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	s := &Socket{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		pongWait:     cfg.PongWait,
		closeCh:      make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	go s.pingLoop()

	return s, nil
}

// Send writes one message to the gateway. Writes are serialized; a write
// on a closed socket returns ErrSocketClosed.
func (s *Socket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closeCh:
		return ErrSocketClosed
	default:
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Receive reads the next message. It blocks until a message arrives, the
// read deadline expires or the socket closes. Only one goroutine may call
// Receive.
func (s *Socket) Receive() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	select {
	case <-s.closeCh:
		return nil, ErrSocketClosed
	default:
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		select {
		case <-s.closeCh:
			return nil, ErrSocketClosed
		default:
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

// Close tears the socket down, sending a best-effort close frame first.
// It unblocks any pending Receive and is safe to call multiple times.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// pingLoop keeps the connection alive. It stops when the socket closes.
func (s *Socket) pingLoop() {
	interval := s.pongWait * 9 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
