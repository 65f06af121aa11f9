package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/cmd/gatewatchd/api"
	"github.com/gatewatch/gatewatch-go/pkg/alert"
	"github.com/gatewatch/gatewatch-go/pkg/config"
	"github.com/gatewatch/gatewatch-go/pkg/connection"
	"github.com/gatewatch/gatewatch-go/pkg/discovery"
	"github.com/gatewatch/gatewatch-go/pkg/gateway"
	"github.com/gatewatch/gatewatch-go/pkg/identity"
	"github.com/gatewatch/gatewatch-go/pkg/probe"
	"github.com/gatewatch/gatewatch-go/pkg/protolog"
	"github.com/gatewatch/gatewatch-go/pkg/store"
	"github.com/gatewatch/gatewatch-go/pkg/tunnel"
	"github.com/gatewatch/gatewatch-go/pkg/version"
)

const (
	// pruneInterval is how often old rows are removed from the store.
	pruneInterval = time.Hour

	// shutdownTimeout bounds the graceful HTTP shutdown.
	shutdownTimeout = 5 * time.Second
)

// Server wires the gateway client, the monitoring pipeline and the
// HTTP API together.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *store.Store
	protoLog  *protolog.FileLogger
	client    *gateway.Client
	hub       *api.Hub
	engine    *alert.Engine
	runner    *probe.Runner
	announcer *discovery.Announcer
	tun       *tunnel.Tunnel

	mux  *http.ServeMux
	http *http.Server

	wg sync.WaitGroup
}

// NewServer builds all components from the configuration. Nothing is
// started; call Run.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    api.NewHub(),
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s.store = st

	if cfg.Log.ProtocolFile != "" {
		plog, err := protolog.NewFileLogger(cfg.Log.ProtocolFile)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("opening protocol log: %w", err)
		}
		s.protoLog = plog
	}

	s.engine = alert.New(alert.Config{
		DisconnectedGrace: cfg.Alerts.DisconnectedGrace.Std(),
		ProbeFailures:     cfg.Alerts.ProbeFailures,
		LogErrorThreshold: cfg.Alerts.LogErrorThreshold,
		LogErrorWindow:    cfg.Alerts.LogErrorWindow.Std(),
		Store:             st,
		Notifiers:         s.notifiers(),
		Logger:            logger,
	})

	client, err := s.buildClient()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = client

	client.OnConnected(func(info gateway.ServerInfo) {
		s.engine.ObserveStatus(true, time.Now())
		payload, _ := json.Marshal(map[string]any{
			"protocol": info.Protocol,
			"server":   info.Server,
		})
		s.hub.Publish(api.EventMessage{
			Type:    api.EventTypeStatus,
			Name:    "connected",
			Payload: payload,
		})
	})
	client.OnDisconnected(func(err error) {
		s.engine.ObserveStatus(false, time.Now())
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		s.hub.Publish(api.EventMessage{
			Type:    api.EventTypeStatus,
			Name:    "disconnected",
			Payload: payload,
		})
	})
	client.OnEvent(func(name string, payload json.RawMessage) {
		s.hub.Publish(api.EventMessage{
			Type:    api.EventTypeGateway,
			Name:    name,
			Payload: payload,
		})
	})

	if cfg.Probes.BaseURL != "" {
		s.runner = probe.NewRunner(probe.RunnerConfig{
			Interval: cfg.Probes.Interval.Std(),
			Probes: []probe.Prober{
				probe.NewHealthProbe(cfg.Probes.BaseURL, cfg.Probes.Timeout.Std()),
				probe.NewLogProbe(cfg.Probes.BaseURL, cfg.Probes.LogLines, cfg.Probes.Timeout.Std()),
			},
			Sink:   s.handleProbeResult,
			Logger: logger,
		})
	}

	if cfg.Discovery.Enabled {
		port := cfg.Discovery.Port
		if port == 0 {
			port, err = listenPort(cfg.HTTP.Listen)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("deriving discovery port: %w", err)
			}
		}
		announcer, err := discovery.NewAnnouncer(discovery.AnnouncerConfig{
			Instance: cfg.Discovery.Instance,
			Port:     port,
			Version:  version.Version,
			Logger:   logger,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating announcer: %w", err)
		}
		s.announcer = announcer
	}

	if cfg.Tunnel.Enabled {
		tun, err := tunnel.New(tunnel.Config{
			SSHAddr:        cfg.Tunnel.SSHAddr,
			User:           cfg.Tunnel.User,
			KeyFile:        cfg.Tunnel.KeyFile,
			KnownHostsFile: cfg.Tunnel.KnownHosts,
			RemoteListen:   cfg.Tunnel.RemoteListen,
			LocalAddr:      localDialAddr(cfg.HTTP.Listen),
			Logger:         logger,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating tunnel: %w", err)
		}
		s.tun = tun
	}

	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.http = &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: s.mux,
	}

	return s, nil
}

// buildClient maps the configuration onto a gateway client.
func (s *Server) buildClient() (*gateway.Client, error) {
	gw := s.cfg.Gateway

	creds := identity.Credentials{
		Token:            gw.Token,
		DeviceID:         gw.Device.ID,
		DeviceToken:      gw.Device.Token,
		DevicePrivateKey: gw.Device.PrivateKey,
	}

	var plog protolog.Logger = protolog.NoopLogger{}
	if s.protoLog != nil {
		plog = s.protoLog
	}

	client, err := gateway.New(gateway.Config{
		URL:              gw.URL,
		Credentials:      creds,
		ClientID:         gw.ClientID,
		DisplayName:      gw.DisplayName,
		Mode:             gw.Mode,
		Role:             gw.Role,
		Scopes:           gw.Scopes,
		CallTimeout:      gw.CallTimeout.Std(),
		HandshakeTimeout: gw.HandshakeTimeout.Std(),
		Logger:           s.logger,
		ProtocolLogger:   plog,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}
	return client, nil
}

// notifiers assembles the alert notification targets.
func (s *Server) notifiers() []alert.Notifier {
	targets := []alert.Notifier{
		&alert.ZerologNotifier{Logger: s.logger},
		&hubNotifier{hub: s.hub},
	}
	if s.cfg.Alerts.WebhookURL != "" {
		targets = append(targets, alert.NewWebhookNotifier(s.cfg.Alerts.WebhookURL, 0))
	}
	return targets
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	gatewayAPI := api.NewGatewayAPI(s.client, s.store)
	historyAPI := api.NewHistoryAPI(s.store)
	eventsAPI := api.NewEventsAPI(s.hub)

	s.mux.HandleFunc("/api/v1/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/status", gatewayAPI.HandleStatus)
	s.mux.HandleFunc("/api/v1/call", gatewayAPI.HandleCall)
	s.mux.HandleFunc("/api/v1/samples", historyAPI.HandleSamples)
	s.mux.HandleFunc("/api/v1/probes", historyAPI.HandleProbes)
	s.mux.HandleFunc("/api/v1/alerts", historyAPI.HandleAlerts)
	s.mux.HandleFunc("/api/v1/events", eventsAPI.HandleEvents)
}

// handleHealth returns the daemon health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleProbeResult is the probe runner sink.
func (s *Server) handleProbeResult(res probe.Result) {
	row := &store.ProbeResult{
		Probe:      res.Probe,
		TakenAt:    res.TakenAt,
		OK:         res.OK,
		LatencyMs:  res.Latency.Milliseconds(),
		StatusCode: res.StatusCode,
		ErrorLines: res.ErrorLines,
		Detail:     res.Detail,
	}
	if err := s.store.InsertProbeResult(row); err != nil {
		s.logger.Warn().Err(err).Str("probe", res.Probe).Msg("storing probe result failed")
	}
	s.engine.ObserveProbe(res)
}

// Run starts everything and blocks until the context is canceled or
// the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.client.Connect()

	s.wg.Add(2)
	go s.sampleLoop(ctx)
	go s.pruneLoop(ctx)

	if s.runner != nil {
		s.runner.Start()
	}
	if s.announcer != nil {
		if err := s.announcer.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("discovery announce failed")
		}
	}
	if s.tun != nil {
		s.tun.Start()
	}

	httpErr := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.HTTP.Listen).Msg("dashboard listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	if s.runner != nil {
		s.runner.Stop()
	}
	if s.tun != nil {
		s.tun.Stop()
	}
	if s.announcer != nil {
		s.announcer.Shutdown()
	}
	s.client.Disconnect()
	s.wg.Wait()

	s.Close()
	return runErr
}

// sampleLoop snapshots the connection into the store and feeds the
// alert engine.
func (s *Server) sampleLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Store.SampleInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Server) sampleOnce() {
	state := s.client.State()
	status := s.client.Status()

	sample := &store.Sample{
		TakenAt:      time.Now(),
		Connected:    status.Connected,
		State:        state.String(),
		Protocol:     status.Protocol,
		PendingCalls: status.PendingCalls,
		UptimeMs:     status.Uptime.Milliseconds(),
	}
	if err := s.store.InsertSample(sample); err != nil {
		s.logger.Warn().Err(err).Msg("storing sample failed")
	}

	s.engine.ObserveStatus(state == connection.StateReady, sample.TakenAt)
}

// pruneLoop enforces the retention window.
func (s *Server) pruneLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	s.pruneOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *Server) pruneOnce() {
	cutoff := time.Now().Add(-s.cfg.Store.Retention.Std())
	pruned, err := s.store.Prune(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("pruning store failed")
		return
	}
	if pruned > 0 {
		s.logger.Debug().Int64("rows", pruned).Msg("pruned old rows")
	}
}

// Close releases resources that Run would otherwise release.
func (s *Server) Close() {
	if s.protoLog != nil {
		s.protoLog.Close()
		s.protoLog = nil
	}
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
}

// hubNotifier publishes alert transitions on the live event stream.
type hubNotifier struct {
	hub *api.Hub
}

var _ alert.Notifier = (*hubNotifier)(nil)

func (n *hubNotifier) Notify(ev alert.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	n.hub.Publish(api.EventMessage{
		Type:    api.EventTypeAlert,
		Name:    ev.Rule,
		Payload: payload,
		At:      ev.At,
	})
	return nil
}

// listenPort extracts the port from a listen address.
func listenPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	return port, nil
}

// localDialAddr turns a listen address into a dialable one. Wildcard
// hosts dial loopback.
func localDialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
