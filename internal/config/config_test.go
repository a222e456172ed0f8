package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected gateway host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Router.CallTimeout() != 120*time.Second {
		t.Errorf("expected call timeout 120s, got %s", cfg.Router.CallTimeout())
	}
	if cfg.Memory.ShortTermCapacity != 100 || cfg.Memory.LongTermCapacity != 1000 {
		t.Errorf("unexpected memory caps: %+v", cfg.Memory)
	}
	if cfg.Bus.HistorySize != 1000 {
		t.Errorf("expected history 1000, got %d", cfg.Bus.HistorySize)
	}
	if !cfg.Router.LegacyEnabled {
		t.Error("expected legacy table enabled by default")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", filepath.Join(t.TempDir(), "nonexistent"))
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Port != 18800 {
		t.Errorf("expected default port 18800, got %d", cfg.Gateway.Port)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Store.Driver)
	}
	if filepath.Base(cfg.Store.Path) != "state.db" || cfg.Store.Path[0] == '~' {
		t.Errorf("expected expanded store path, got %s", cfg.Store.Path)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ConfigDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	configJSON := `{
		"gateway": {"port": 9999},
		"router": {"callTimeoutSeconds": 30, "defaultModel": "small"},
		"memory": {"shortTermCapacity": 5},
		"store": {"driver": "memory"},
		"workers": {"static": [{"id": "summarizer", "endpoint": "http://localhost:9001", "capabilities": ["summarize"], "timeout": "5s"}]}
	}`
	if err := os.WriteFile(filepath.Join(configDir, ConfigFile), []byte(configJSON), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", tmpDir)
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Router.CallTimeout() != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.Router.CallTimeout())
	}
	if cfg.Router.DefaultModel != "small" {
		t.Errorf("expected model small, got %s", cfg.Router.DefaultModel)
	}
	if cfg.Memory.ShortTermCapacity != 5 || cfg.Memory.LongTermCapacity != 1000 {
		t.Errorf("expected file + default caps, got %+v", cfg.Memory)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
	if len(cfg.Workers.Static) != 1 || cfg.Workers.Static[0].TimeoutDuration() != 5*time.Second {
		t.Errorf("unexpected static workers: %+v", cfg.Workers.Static)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("SWITCHBOARD_GATEWAY_HOST", "0.0.0.0")
	t.Setenv("SWITCHBOARD_GATEWAY_PORT", "8080")
	t.Setenv("SWITCHBOARD_ROUTER_MAX_CONCURRENT", "4")
	t.Setenv("SWITCHBOARD_STORE_DRIVER", "sqlite3")
	t.Setenv("SWITCHBOARD_SECURITY_DENIED_DOMAINS", "bad.example,worse.example")
	t.Setenv("SWITCHBOARD_LIVENESS_INACTIVE_AFTER", "90s")
	t.Setenv("SWITCHBOARD_LOG_FORMAT", "JSON")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Addr() != "0.0.0.0:8080" {
		t.Errorf("expected 0.0.0.0:8080, got %s", cfg.Gateway.Addr())
	}
	if cfg.Router.MaxConcurrent != 4 {
		t.Errorf("expected max concurrent 4, got %d", cfg.Router.MaxConcurrent)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Errorf("expected sqlite3, got %s", cfg.Store.Driver)
	}
	if len(cfg.Security.DeniedDomains) != 2 || cfg.Security.DeniedDomains[1] != "worse.example" {
		t.Errorf("unexpected domains: %v", cfg.Security.DeniedDomains)
	}
	if cfg.Liveness.InactiveAfter != 90*time.Second {
		t.Errorf("expected 90s, got %s", cfg.Liveness.InactiveAfter)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json format, got %s", cfg.Log.Format)
	}
}

func TestUnknownStoreDriverFallsBackToMemory(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("SWITCHBOARD_STORE_DRIVER", "postgres")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory fallback, got %s", cfg.Store.Driver)
	}
}

func TestConfigPathRespectsSwitchboardConfigAndHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("SWITCHBOARD_HOME", tmp)

	got, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if want := filepath.Join(tmp, ConfigDir, ConfigFile); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	explicit := filepath.Join(tmp, "custom.json")
	t.Setenv("SWITCHBOARD_CONFIG", explicit)
	got, err = ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if got != explicit {
		t.Fatalf("expected %s, got %s", explicit, got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SWITCHBOARD_HOME", tmp)
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("HOME", tmp)

	cfg := DefaultConfig()
	cfg.Gateway.Port = 12345
	cfg.Store.Driver = "memory"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Gateway.Port != 12345 {
		t.Fatalf("expected saved port, got %d", loaded.Gateway.Port)
	}
}
