// Package config loads dedupd node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/dedupkit/bus"
	"github.com/vinayprograms/dedupkit/dedup"
	"github.com/vinayprograms/dedupkit/logging"
	"github.com/vinayprograms/dedupkit/telemetry"
)

// Bus kinds.
const (
	BusMemory    = "memory"
	BusNATS      = "nats"
	BusWebSocket = "websocket"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Bus       BusConfig       `toml:"bus"`
	Executor  ExecutorConfig  `toml:"executor"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Log       LogConfig       `toml:"log"`
}

// NodeConfig maps onto dedup.Config.
type NodeConfig struct {
	ID          string        `toml:"id"`
	Topic       string        `toml:"topic"`
	ClaimSettle time.Duration `toml:"claim_settle"`
	LocalTick   time.Duration `toml:"local_tick"`
	AckTimeout  time.Duration `toml:"ack_timeout"`
	Passive     bool          `toml:"passive"`
}

// BusConfig selects and configures the transport.
type BusConfig struct {
	Kind string `toml:"kind"`

	// URL is the NATS server or websocket hub address.
	URL      string `toml:"url"`
	Name     string `toml:"name"`
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	ReconnectWait time.Duration `toml:"reconnect_wait"`
	MaxReconnects int           `toml:"max_reconnects"`

	// Hub, when set on a websocket node, makes `dedupd serve` host the
	// relay hub on this listen address as well.
	Hub string `toml:"hub"`

	BufferSize int `toml:"buffer_size"`
}

// ExecutorConfig describes the program run for each claimed key.
type ExecutorConfig struct {
	Command string        `toml:"command"`
	Args    []string      `toml:"args"`
	Timeout time.Duration `toml:"timeout"`
}

// TelemetryConfig configures tracing and event export.
type TelemetryConfig struct {
	Endpoint string            `toml:"endpoint"`
	Protocol string            `toml:"protocol"`
	Insecure bool              `toml:"insecure"`
	Service  string            `toml:"service"`
	Debug    bool              `toml:"debug"`
	Headers  map[string]string `toml:"headers"`
	Events   EventsConfig      `toml:"events"`
}

// EventsConfig configures the coordinator event exporter.
type EventsConfig struct {
	Protocol string `toml:"protocol"`
	Endpoint string `toml:"endpoint"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures console logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a memory-bus node with a random id.
func Default() *Config {
	d := dedup.DefaultConfig()
	n := bus.DefaultNATSConfig()
	return &Config{
		Node: NodeConfig{
			ID:          d.NodeID,
			Topic:       d.Topic,
			ClaimSettle: d.ClaimSettle,
			LocalTick:   d.LocalTick,
		},
		Bus: BusConfig{
			Kind:          BusMemory,
			ReconnectWait: n.ReconnectWait,
			MaxReconnects: n.MaxReconnects,
			BufferSize:    bus.DefaultConfig().BufferSize,
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
			Service:  "dedupd",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key: %s", undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Dedup().Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	switch c.Bus.Kind {
	case BusMemory:
	case BusNATS, BusWebSocket:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus: url is required for %s", c.Bus.Kind)
		}
	default:
		return fmt.Errorf("bus: unknown kind %q (use memory, nats or websocket)", c.Bus.Kind)
	}
	if c.Bus.Hub != "" && c.Bus.Kind != BusWebSocket {
		return fmt.Errorf("bus: hub is only valid for websocket")
	}
	if c.Bus.BufferSize < 0 {
		return fmt.Errorf("bus: buffer_size must not be negative")
	}

	if c.Executor.Timeout < 0 {
		return fmt.Errorf("executor: timeout must not be negative")
	}
	if c.Executor.Command == "" && len(c.Executor.Args) > 0 {
		return fmt.Errorf("executor: args given without command")
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry: unknown protocol %q", c.Telemetry.Protocol)
	}
	switch c.Telemetry.Events.Protocol {
	case "", "noop":
	case "http", "file":
		if c.Telemetry.Events.Endpoint == "" {
			return fmt.Errorf("telemetry.events: endpoint is required for %s", c.Telemetry.Events.Protocol)
		}
	default:
		return fmt.Errorf("telemetry.events: unknown protocol %q", c.Telemetry.Events.Protocol)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Dedup returns the coordinator configuration.
func (c *Config) Dedup() dedup.Config {
	return dedup.Config{
		NodeID:      c.Node.ID,
		Topic:       c.Node.Topic,
		ClaimSettle: c.Node.ClaimSettle,
		LocalTick:   c.Node.LocalTick,
		AckTimeout:  c.Node.AckTimeout,
		Passive:     c.Node.Passive,
	}
}

// NATS returns the NATS client configuration.
func (c *Config) NATS() bus.NATSConfig {
	n := bus.DefaultNATSConfig()
	n.URL = c.Bus.URL
	n.Name = c.Bus.Name
	if n.Name == "" {
		n.Name = "dedupd-" + c.Node.ID
	}
	n.Token = c.Bus.Token
	n.User = c.Bus.User
	n.Password = c.Bus.Password
	n.ReconnectWait = c.Bus.ReconnectWait
	n.MaxReconnects = c.Bus.MaxReconnects
	if c.Bus.BufferSize > 0 {
		n.BufferSize = c.Bus.BufferSize
	}
	return n
}

// WebSocket returns the websocket hub/client configuration.
func (c *Config) WebSocket() bus.WebSocketConfig {
	w := bus.DefaultWebSocketConfig()
	if c.Bus.BufferSize > 0 {
		w.BufferSize = c.Bus.BufferSize
	}
	return w
}

// Provider returns the tracing provider configuration, or false when no
// endpoint is configured and tracing stays on the no-op provider.
func (c *Config) Provider(version string) (telemetry.ProviderConfig, bool) {
	if c.Telemetry.Endpoint == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return telemetry.ProviderConfig{}, false
	}
	return telemetry.ProviderConfig{
		ServiceName:    c.Telemetry.Service,
		ServiceVersion: version,
		InstanceID:     c.Node.ID,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
		Debug:          c.Telemetry.Debug,
		Headers:        c.Telemetry.Headers,
	}, true
}

// Level returns the parsed log level.
func (c *Config) Level() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}
