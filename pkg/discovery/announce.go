// Package discovery announces the gatewatch dashboard on the local
// network over mDNS, so operators can find running daemons without
// knowing their addresses.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog"
)

// Service registration constants.
const (
	ServiceType = "_gatewatch._tcp"
	Domain      = "local."
)

// AnnouncerConfig configures the mDNS announcement.
type AnnouncerConfig struct {
	// Instance is the service instance name (default: "gatewatch").
	Instance string

	// Port is the dashboard's TCP port.
	Port int

	// Version is advertised in the TXT record.
	Version string

	// APIPath is the API prefix advertised in the TXT record
	// (default: "/api/v1").
	APIPath string

	// Interface restricts announcing to one named interface. Empty
	// announces on all interfaces.
	Interface string

	// TTL for the published records. Zero uses the zeroconf default.
	TTL time.Duration

	// Logger receives operational logs. The zero value is disabled.
	Logger zerolog.Logger
}

// Announcer publishes the dashboard as a _gatewatch._tcp service.
type Announcer struct {
	cfg    AnnouncerConfig
	logger zerolog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAnnouncer creates an announcer. It does not publish anything until
// Start.
func NewAnnouncer(cfg AnnouncerConfig) (*Announcer, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("announcer requires a positive port, got %d", cfg.Port)
	}
	if cfg.Instance == "" {
		cfg.Instance = "gatewatch"
	}
	if cfg.APIPath == "" {
		cfg.APIPath = "/api/v1"
	}
	return &Announcer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "discovery").Logger(),
	}, nil
}

// TXTRecords returns the records published with the service.
func (a *Announcer) TXTRecords() []string {
	records := []string{"api=" + a.cfg.APIPath}
	if a.cfg.Version != "" {
		records = append(records, "version="+a.cfg.Version)
	}
	return records
}

func (a *Announcer) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		a.logger.Warn().Err(err).Str("interface", a.cfg.Interface).
			Msg("interface not found, announcing on all")
		return nil
	}
	return []net.Interface{*iface}
}

// Start registers the service. Starting an already announcing service
// replaces the registration.
func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		a.cfg.Instance,
		ServiceType,
		Domain,
		a.cfg.Port,
		a.TXTRecords(),
		a.interfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", ServiceType, err)
	}

	a.server = server
	a.logger.Info().
		Str("instance", a.cfg.Instance).
		Int("port", a.cfg.Port).
		Msg("dashboard announced")
	return nil
}

// Shutdown withdraws the announcement. Safe to call when not announcing.
func (a *Announcer) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info().Msg("dashboard announcement withdrawn")
	}
}
