// Command gatewatch-ctl is an interactive console for a gateway
// connection. It maintains the same resilient session gatewatchd uses
// and exposes it as a REPL for calling methods and watching events.
//
// Usage:
//
//	gatewatch-ctl [flags]
//
// Flags:
//
//	-config string  Config file path (YAML)
//	-url string     Gateway WebSocket URL (overrides config)
//	-token string   Gateway auth token (overrides config)
//	-version        Show version information
//
// Examples:
//
//	# Connect to a local gateway
//	gatewatch-ctl -url ws://127.0.0.1:4020/ws -token secret
//
//	# Reuse the daemon's config file
//	gatewatch-ctl -config /etc/gatewatch/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatewatch/gatewatch-go/pkg/config"
	"github.com/gatewatch/gatewatch-go/pkg/gateway"
	"github.com/gatewatch/gatewatch-go/pkg/identity"
	"github.com/gatewatch/gatewatch-go/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Config file path (YAML)")
	gatewayURL  = flag.String("url", "", "Gateway WebSocket URL (overrides config)")
	token       = flag.String("token", "", "Gateway auth token (overrides config)")
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatewatch-ctl %s\n", version.String())
		return 0
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	client, err := buildClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	console, err := NewConsole(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Connecting to %s...\n", cfg.Gateway.URL)
	client.Connect()
	defer client.Disconnect()

	waitCtx, waitCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := client.WaitReady(waitCtx); err != nil {
		fmt.Println("Not connected yet; retrying in the background")
	}
	waitCancel()

	console.Run(ctx, cancel)
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildClient maps the configuration onto a gateway client. The console
// produces its own output; operational logging stays off.
func buildClient(cfg *config.Config) (*gateway.Client, error) {
	gw := cfg.Gateway

	client, err := gateway.New(gateway.Config{
		URL: gw.URL,
		Credentials: identity.Credentials{
			Token:            gw.Token,
			DeviceID:         gw.Device.ID,
			DeviceToken:      gw.Device.Token,
			DevicePrivateKey: gw.Device.PrivateKey,
		},
		ClientID:         gw.ClientID,
		DisplayName:      gw.DisplayName,
		Mode:             gw.Mode,
		Role:             gw.Role,
		Scopes:           gw.Scopes,
		CallTimeout:      gw.CallTimeout.Std(),
		HandshakeTimeout: gw.HandshakeTimeout.Std(),
		Logger:           zerolog.Nop(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}
	return client, nil
}
