// Package config loads Holon-RPC's YAML configuration files: one shape
// for a broker process, another for a peer process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig configures a broker process.
type BrokerConfig struct {
	Addr  string `yaml:"addr"`  // HTTP listen address, e.g. ":8080"
	Path  string `yaml:"path"`  // WebSocket upgrade path, default "/rpc"
	Debug bool   `yaml:"debug"`
}

// PeerConfig configures a peer process's connection to a broker.
type PeerConfig struct {
	BrokerURL string `yaml:"broker_url"`
	Name      string `yaml:"name"` // holon name registered on connect, may be empty

	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `yaml:"heartbeat_timeout_ms"`

	ReconnectMinDelayMs int     `yaml:"reconnect_min_delay_ms"`
	ReconnectMaxDelayMs int     `yaml:"reconnect_max_delay_ms"`
	ReconnectFactor     float64 `yaml:"reconnect_factor"`
	ReconnectJitter     float64 `yaml:"reconnect_jitter"`

	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	Debug bool `yaml:"debug"`
}

// LoadBroker reads and validates a BrokerConfig from filename, filling in
// defaults for anything left unset.
func LoadBroker(filename string) (*BrokerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker config file: %w", err)
	}

	var cfg BrokerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse broker config file: %w", err)
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Path == "" {
		cfg.Path = "/rpc"
	}

	return &cfg, nil
}

// LoadPeer reads and validates a PeerConfig from filename, filling in the
// reconnect/heartbeat defaults named in spec §4.5.
func LoadPeer(filename string) (*PeerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer config file: %w", err)
	}

	var cfg PeerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config file: %w", err)
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("peer config: broker_url is required")
	}

	if cfg.HeartbeatIntervalMs == 0 {
		cfg.HeartbeatIntervalMs = 15000
	}
	if cfg.HeartbeatTimeoutMs == 0 {
		cfg.HeartbeatTimeoutMs = 5000
	}
	if cfg.ReconnectMinDelayMs == 0 {
		cfg.ReconnectMinDelayMs = 200
	}
	if cfg.ReconnectMaxDelayMs == 0 {
		cfg.ReconnectMaxDelayMs = 30000
	}
	if cfg.ReconnectFactor == 0 {
		cfg.ReconnectFactor = 2.0
	}
	if cfg.ReconnectJitter == 0 {
		cfg.ReconnectJitter = 0.1
	}
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = 10000
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 30000
	}

	if cfg.ReconnectMinDelayMs < 0 || cfg.ReconnectMaxDelayMs < 0 {
		return nil, fmt.Errorf("peer config: reconnect delays cannot be negative")
	}

	return &cfg, nil
}

// Millis converts a millisecond field to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
