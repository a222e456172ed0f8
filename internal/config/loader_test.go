package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/switchboard/internal/secrets"
)

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ConfigDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	baseCfg := `{
		"router": { "defaultModel": "base-model", "callTimeoutSeconds": 45 },
		"gateway": { "host": "127.0.0.1", "port": 9000 }
	}`
	mainCfg := `{
		"$include": "base.json",
		"router": { "defaultModel": "${TEST_SWITCHBOARD_MODEL}" },
		"gateway": { "port": 7777 }
	}`
	if err := os.WriteFile(filepath.Join(configDir, "base.json"), []byte(baseCfg), 0o600); err != nil {
		t.Fatalf("write base config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, ConfigFile), []byte(mainCfg), 0o600); err != nil {
		t.Fatalf("write main config: %v", err)
	}

	t.Setenv("HOME", tmpDir)
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("TEST_SWITCHBOARD_MODEL", "env-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Router.DefaultModel != "env-model" {
		t.Fatalf("expected env-substituted model, got %q", cfg.Router.DefaultModel)
	}
	if cfg.Router.CallTimeoutSeconds != 45 {
		t.Fatalf("expected timeout from include file, got %d", cfg.Router.CallTimeoutSeconds)
	}
	if cfg.Gateway.Port != 7777 {
		t.Fatalf("expected main config override for gateway.port, got %d", cfg.Gateway.Port)
	}
}

func TestLoadWithIncludeArrayMergeOrder(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "first.json"), []byte(`{"router": {"defaultModel": "first", "callTimeoutSeconds": 10}}`), 0o600)
	_ = os.WriteFile(filepath.Join(dir, "second.json"), []byte(`{"router": {"defaultModel": "second"}}`), 0o600)
	main := filepath.Join(dir, "main.json")
	_ = os.WriteFile(main, []byte(`{"$include": ["first.json", "second.json"], "bus": {"historySize": 50}}`), 0o600)
	t.Setenv("HOME", dir)

	cfg, err := LoadFrom(main)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Router.DefaultModel != "second" {
		t.Fatalf("expected later include to win, got %q", cfg.Router.DefaultModel)
	}
	if cfg.Router.CallTimeoutSeconds != 10 {
		t.Fatalf("expected timeout from first include, got %d", cfg.Router.CallTimeoutSeconds)
	}
	if cfg.Bus.HistorySize != 50 {
		t.Fatalf("expected history 50, got %d", cfg.Bus.HistorySize)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	_ = os.WriteFile(a, []byte(`{"$include": "b.json"}`), 0o600)
	_ = os.WriteFile(b, []byte(`{"$include": "a.json"}`), 0o600)
	t.Setenv("HOME", dir)

	_, err := LoadFrom(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(p, []byte(`{"gateway": `), 0o600)
	t.Setenv("HOME", dir)

	if _, err := LoadFrom(p); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSubstituteEnvValuesKeepsUnknown(t *testing.T) {
	t.Setenv("KNOWN_SWITCHBOARD_VAR", "yes")
	in := map[string]any{
		"a": "${KNOWN_SWITCHBOARD_VAR}",
		"b": []any{"${UNKNOWN_SWITCHBOARD_VAR_XYZ}"},
	}
	substituteEnvValues(in)
	if in["a"] != "yes" {
		t.Fatalf("expected substitution, got %v", in["a"])
	}
	if in["b"].([]any)[0] != "${UNKNOWN_SWITCHBOARD_VAR_XYZ}" {
		t.Fatalf("expected unknown var kept, got %v", in["b"])
	}
}

func TestLoadEnvFileParsesAndRespectsExistingValues(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, "env")
	content := `
# comment
export SB_TEST_FOO=bar
SB_TEST_QUOTED="hello world"
SB_TEST_SINGLE='x y'
INVALID_LINE
`
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("SB_TEST_FOO", "existing")
	t.Setenv("SB_TEST_QUOTED", "")
	os.Unsetenv("SB_TEST_QUOTED")
	t.Setenv("SB_TEST_SINGLE", "")
	os.Unsetenv("SB_TEST_SINGLE")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("SB_TEST_FOO"); got != "existing" {
		t.Fatalf("expected existing value preserved, got %q", got)
	}
	if got := os.Getenv("SB_TEST_QUOTED"); got != "hello world" {
		t.Fatalf("expected quoted value loaded, got %q", got)
	}
	if got := os.Getenv("SB_TEST_SINGLE"); got != "x y" {
		t.Fatalf("expected single-quoted value loaded, got %q", got)
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	home := t.TempDir()
	envDir := filepath.Join(home, ".config", "switchboard")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("SWITCHBOARD_BUS_HISTORY_SIZE=77\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("SWITCHBOARD_ENV_FILE", "")
	t.Setenv("SWITCHBOARD_BUS_HISTORY_SIZE", "")
	os.Unsetenv("SWITCHBOARD_BUS_HISTORY_SIZE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.HistorySize != 77 {
		t.Fatalf("expected history size from env file, got %d", cfg.Bus.HistorySize)
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("SWITCHBOARD_ENV_FILE", "")
	t.Setenv("SWITCHBOARD_SECRETS_BACKEND", "file")
	t.Setenv("SWITCHBOARD_SECRETS_MASTER_KEY", "")
	if err := secrets.Set("kafka-pass", "s3cret"); err != nil {
		t.Fatalf("secrets.Set: %v", err)
	}

	path := filepath.Join(home, ".switchboard", "config.json")
	body := `{"discovery":{"kafka":{"saslMechanism":"PLAIN","username":"u","password":"secret:kafka-pass"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SWITCHBOARD_SINKS_KAFKA_SECURITY_PROTOCOL", "SASL_SSL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.Kafka.Password != "s3cret" {
		t.Fatalf("expected resolved password, got %q", cfg.Discovery.Kafka.Password)
	}
	if cfg.Sinks.Kafka.SecurityProtocol != "SASL_SSL" {
		t.Fatalf("expected nested env override, got %q", cfg.Sinks.Kafka.SecurityProtocol)
	}

	if err := os.WriteFile(path, []byte(`{"gateway":{"authToken":"secret:missing"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "gateway.authToken") {
		t.Fatalf("expected unresolved secret error, got %v", err)
	}
}
