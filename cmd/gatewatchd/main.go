// Command gatewatchd maintains a resilient connection to a gateway and
// serves a local monitoring dashboard over HTTP.
//
// It offers:
//   - Persistent gateway session with challenge handshake and reconnect
//   - SQLite history of connection samples, probe checks and alerts
//   - REST API with a live SSE event stream
//   - Optional mDNS announcement and reverse SSH tunnel
//
// Usage:
//
//	gatewatchd [flags]
//
// Flags:
//
//	-config string     Config file path (YAML)
//	-url string        Gateway WebSocket URL (overrides config)
//	-token string      Gateway auth token (overrides config)
//	-listen string     Dashboard listen address (overrides config)
//	-log-level string  Log level: trace, debug, info, warn, error
//	-version           Show version information
//
// Examples:
//
//	# Run against a local gateway with defaults
//	gatewatchd -url ws://127.0.0.1:4020/ws -token secret
//
//	# Run from a config file
//	gatewatchd -config /etc/gatewatch/config.yaml
//
//	# Turn up logging without touching the config
//	gatewatchd -config config.yaml -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/pkg/config"
	"github.com/gatewatch/gatewatch-go/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Config file path (YAML)")
	gatewayURL  = flag.String("url", "", "Gateway WebSocket URL (overrides config)")
	token       = flag.String("token", "", "Gateway auth token (overrides config)")
	listen      = flag.String("listen", "", "Dashboard listen address (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatewatchd %s\n", version.String())
		return 0
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", cfg.Log.Level)
		return 1
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	srv, err := NewServer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version.Version).
		Str("gateway", cfg.Gateway.URL).
		Str("listen", cfg.HTTP.Listen).
		Msg("gatewatchd starting")

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger.Info().Msg("gatewatchd stopped")
	return 0
}

// loadConfig reads the config file (or defaults) and applies the flag
// overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}
	if *token != "" {
		cfg.Gateway.Token = *token
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
