package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadBrokerFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, "debug: true\n")
	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, ":8080")
	}
	if cfg.Path != "/rpc" {
		t.Errorf("Path = %q, want %q", cfg.Path, "/rpc")
	}
	if !cfg.Debug {
		t.Errorf("Debug = false, want true")
	}
}

func TestLoadBrokerHonorsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, "addr: \":9999\"\npath: \"/ws\"\n")
	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Path != "/ws" {
		t.Errorf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadBrokerMissingFile(t *testing.T) {
	if _, err := LoadBroker("/nonexistent/path.yaml"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestLoadPeerRequiresBrokerURL(t *testing.T) {
	path := writeTempConfig(t, "name: foo\n")
	if _, err := LoadPeer(path); err == nil {
		t.Fatalf("expected an error when broker_url is missing")
	}
}

func TestLoadPeerFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, "broker_url: \"ws://localhost:8080/rpc\"\n")
	cfg, err := LoadPeer(path)
	if err != nil {
		t.Fatalf("LoadPeer: %v", err)
	}
	want := PeerConfig{
		BrokerURL:           "ws://localhost:8080/rpc",
		HeartbeatIntervalMs: 15000,
		HeartbeatTimeoutMs:  5000,
		ReconnectMinDelayMs: 200,
		ReconnectMaxDelayMs: 30000,
		ReconnectFactor:     2.0,
		ReconnectJitter:     0.1,
		ConnectTimeoutMs:    10000,
		RequestTimeoutMs:    30000,
	}
	if *cfg != want {
		t.Errorf("cfg = %+v, want %+v", *cfg, want)
	}
}

func TestLoadPeerRejectsNegativeReconnectDelay(t *testing.T) {
	path := writeTempConfig(t, "broker_url: \"ws://localhost:8080/rpc\"\nreconnect_min_delay_ms: -5\n")
	if _, err := LoadPeer(path); err == nil {
		t.Fatalf("expected an error for a negative reconnect delay")
	}
}

func TestMillis(t *testing.T) {
	if got := Millis(1500); got.String() != "1.5s" {
		t.Errorf("Millis(1500) = %v, want 1.5s", got)
	}
}
