// Package config loads the gatewatch daemon configuration from YAML,
// applies GATEWATCH_* environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root daemon configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Probes    ProbesConfig    `yaml:"probes"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Log       LogConfig       `yaml:"log"`
}

// GatewayConfig describes the gateway connection and its credentials.
type GatewayConfig struct {
	URL         string       `yaml:"url"`
	Token       string       `yaml:"token"`
	Device      DeviceConfig `yaml:"device"`
	Role        string       `yaml:"role"`
	Scopes      []string     `yaml:"scopes"`
	ClientID    string       `yaml:"client_id"`
	DisplayName string       `yaml:"display_name"`
	Mode        string       `yaml:"mode"`

	CallTimeout      Duration `yaml:"call_timeout"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// DeviceConfig carries signed-device credentials.
type DeviceConfig struct {
	ID         string `yaml:"id"`
	Token      string `yaml:"token"`
	PrivateKey string `yaml:"private_key"`
}

// HTTPConfig describes the dashboard listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig describes the SQLite store and the status sampler that
// feeds it.
type StoreConfig struct {
	Path           string   `yaml:"path"`
	Retention      Duration `yaml:"retention"`
	SampleInterval Duration `yaml:"sample_interval"`
}

// ProbesConfig describes the side-channel status probes. Probes are
// disabled when BaseURL is empty.
type ProbesConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	LogLines int      `yaml:"log_lines"`
}

// AlertsConfig tunes the alert rules and notification targets.
type AlertsConfig struct {
	DisconnectedGrace Duration `yaml:"disconnected_grace"`
	ProbeFailures     int      `yaml:"probe_failures"`
	LogErrorThreshold int      `yaml:"log_error_threshold"`
	LogErrorWindow    Duration `yaml:"log_error_window"`
	WebhookURL        string   `yaml:"webhook_url"`
}

// DiscoveryConfig controls the mDNS announcement of the dashboard.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Port     int    `yaml:"port"`
}

// TunnelConfig describes the optional reverse SSH tunnel that exposes
// the dashboard on a remote host.
type TunnelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SSHAddr      string `yaml:"ssh_addr"`
	User         string `yaml:"user"`
	KeyFile      string `yaml:"key_file"`
	KnownHosts   string `yaml:"known_hosts"`
	RemoteListen string `yaml:"remote_listen"`
}

// LogConfig controls operational and protocol logging.
type LogConfig struct {
	Level        string `yaml:"level"`
	ProtocolFile string `yaml:"protocol_file"`
}

// Default returns the configuration used when no file is given.
// Environment overrides still apply.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Parse parses a YAML document, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays GATEWATCH_* variables. Environment wins over file
// values so secrets can stay out of the file.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Gateway.URL, "GATEWATCH_URL")
	setString(&c.Gateway.Token, "GATEWATCH_TOKEN")
	setString(&c.Gateway.Device.ID, "GATEWATCH_DEVICE_ID")
	setString(&c.Gateway.Device.Token, "GATEWATCH_DEVICE_TOKEN")
	setString(&c.Gateway.Device.PrivateKey, "GATEWATCH_DEVICE_KEY")
	setString(&c.HTTP.Listen, "GATEWATCH_HTTP_LISTEN")
	setString(&c.Store.Path, "GATEWATCH_STORE_PATH")
	setString(&c.Alerts.WebhookURL, "GATEWATCH_WEBHOOK_URL")
	setString(&c.Log.Level, "GATEWATCH_LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./gatewatch.db"
	}
	if c.Store.Retention == 0 {
		c.Store.Retention = Duration(7 * 24 * time.Hour)
	}
	if c.Store.SampleInterval == 0 {
		c.Store.SampleInterval = Duration(15 * time.Second)
	}
	if c.Probes.Interval == 0 {
		c.Probes.Interval = Duration(30 * time.Second)
	}
	if c.Probes.Timeout == 0 {
		c.Probes.Timeout = Duration(5 * time.Second)
	}
	if c.Probes.LogLines == 0 {
		c.Probes.LogLines = 200
	}
	if c.Alerts.DisconnectedGrace == 0 {
		c.Alerts.DisconnectedGrace = Duration(time.Minute)
	}
	if c.Alerts.ProbeFailures == 0 {
		c.Alerts.ProbeFailures = 3
	}
	if c.Alerts.LogErrorThreshold == 0 {
		c.Alerts.LogErrorThreshold = 10
	}
	if c.Alerts.LogErrorWindow == 0 {
		c.Alerts.LogErrorWindow = Duration(5 * time.Minute)
	}
	if c.Discovery.Instance == "" {
		c.Discovery.Instance = "gatewatch"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration for usability. It does not touch
// the network or filesystem.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must use ws:// or wss://, got %q", c.Gateway.URL)
	}

	device := c.Gateway.Device
	hasDevice := device.ID != "" || device.Token != "" || device.PrivateKey != ""
	if hasDevice {
		if device.ID == "" || device.Token == "" || device.PrivateKey == "" {
			return fmt.Errorf("gateway.device requires id, token and private_key together")
		}
	} else if c.Gateway.Token == "" {
		return fmt.Errorf("gateway auth is required: set gateway.token or gateway.device")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", c.Log.Level)
	}

	if c.Probes.BaseURL != "" && c.Probes.Interval.Std() <= 0 {
		return fmt.Errorf("probes.interval must be positive")
	}

	if c.Tunnel.Enabled {
		if c.Tunnel.SSHAddr == "" || c.Tunnel.User == "" || c.Tunnel.KeyFile == "" {
			return fmt.Errorf("tunnel requires ssh_addr, user and key_file")
		}
		if c.Tunnel.RemoteListen == "" {
			return fmt.Errorf("tunnel.remote_listen is required")
		}
	}

	return nil
}
