package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadFallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Consensus.Type != "pow" {
		t.Fatalf("expected default consensus pow, got %s", cfg.Consensus.Type)
	}
	if cfg.Storage.Backend != "kv" {
		t.Fatalf("expected default storage backend kv, got %s", cfg.Storage.Backend)
	}
}

func TestLoadReadsDefaultYAML(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "default.yaml", "network:\n  p2p_port: 40404\nconsensus:\n  consensus: poa\n")

	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.P2PPort != 40404 {
		t.Fatalf("expected p2p_port 40404, got %d", cfg.Network.P2PPort)
	}
	if cfg.Consensus.Type != "poa" {
		t.Fatalf("expected consensus poa, got %s", cfg.Consensus.Type)
	}
}

func TestLoadMergesEnvironmentOverrideFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "default.yaml", "network:\n  p2p_port: 40404\n")
	writeYAML(t, dir, "testnet.yaml", "network:\n  p2p_port: 50505\n")

	cfg, err := Load(dir, "testnet")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.P2PPort != 50505 {
		t.Fatalf("expected override to win with p2p_port 50505, got %d", cfg.Network.P2PPort)
	}
}

func TestSaveThenLoadRoundTripsDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "default.yaml")); err != nil {
		t.Fatalf("expected default.yaml to exist: %v", err)
	}

	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Network.P2PPort != want.Network.P2PPort || cfg.Consensus.Type != want.Consensus.Type || cfg.API.Port != want.API.Port {
		t.Fatalf("round-tripped config %+v does not match defaults %+v", cfg, want)
	}
}

func TestLoadAppliesEnvironmentVariableOverride(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "default.yaml", "network:\n  p2p_port: 40404\n")

	t.Setenv("CHAIND_NETWORK_P2P_PORT", "60606")
	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.P2PPort != 60606 {
		t.Fatalf("expected env override to win with p2p_port 60606, got %d", cfg.Network.P2PPort)
	}
}
