package cliconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func findCheck(report DoctorReport, name string) (DoctorCheck, bool) {
	for _, c := range report.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DoctorCheck{}, false
}

func TestRunDoctorWithMissingConfigWarnsNoFailure(t *testing.T) {
	isolateHome(t)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	c, ok := findCheck(report, "config_file")
	if !ok || c.Status != DoctorWarn {
		t.Fatalf("expected config_file warning, got %#v", c)
	}
}

func TestRunDoctorWithInvalidConfigFails(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, `{"gateway":`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	c, ok := findCheck(report, "config_load")
	if !ok || c.Status != DoctorFail {
		t.Fatalf("expected config_load failure, got %#v", report)
	}
}

func TestRunDoctorRemoteGatewayRequiresAuthToken(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, `{"gateway": {"host": "0.0.0.0", "port": 18800}, "store": {"driver": "memory"}}`)
	t.Setenv("SWITCHBOARD_GATEWAY_AUTH_TOKEN", "")

	report, _ := RunDoctor()
	c, ok := findCheck(report, "gateway_auth_token")
	if !ok || c.Status != DoctorFail {
		t.Fatalf("expected gateway_auth_token failure, got %#v", report)
	}

	report, _ = RunDoctorWithOptions(DoctorOptions{GenerateGatewayToken: true})
	if report.HasFailures() {
		t.Fatalf("expected generated token to clear failures, got %#v", report)
	}
	data, _ := os.ReadFile(filepath.Join(home, ".switchboard", "config.json"))
	if !strings.Contains(string(data), "authToken") {
		t.Fatalf("expected token persisted, got %s", data)
	}
}

func TestRunDoctorFlagsBrokenIntegrations(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, `{
	  "store": {"driver": "memory"},
	  "discovery": {"enabled": true},
	  "sinks": {"kafkaTopic": "switchboard.events", "slackBotToken": "xoxb-1"}
	}`)

	report, _ := RunDoctor()
	for _, name := range []string{"discovery", "sink_kafka", "sink_slack"} {
		c, ok := findCheck(report, name)
		if !ok || c.Status != DoctorFail {
			t.Fatalf("expected %s failure, got %#v", name, c)
		}
	}
}

func TestRunDoctorValidatesKafkaSecurity(t *testing.T) {
	home := isolateHome(t)
	writeConfig(t, home, `{
	  "store": {"driver": "memory"},
	  "discovery": {"enabled": true, "kafkaBrokers": "b:9092", "kafka": {"securityProtocol": "SASL_SSL"}},
	  "sinks": {"kafkaBrokers": "b:9092", "kafkaTopic": "events", "kafka": {"securityProtocol": "SASL_SSL", "saslMechanism": "scram-sha-512", "username": "u", "password": "p"}}
	}`)

	report, _ := RunDoctor()
	if c, _ := findCheck(report, "discovery"); c.Status != DoctorFail || !strings.Contains(c.Message, "saslMechanism") {
		t.Fatalf("expected discovery sasl failure, got %#v", c)
	}
	if c, _ := findCheck(report, "sink_kafka"); c.Status != DoctorPass || !strings.Contains(c.Message, "SASL_SSL/SCRAM-SHA-512") {
		t.Fatalf("expected sink pass with security label, got %#v", c)
	}
}

func TestRunDoctorChecksManifest(t *testing.T) {
	home := isolateHome(t)
	manifest := filepath.Join(home, "workers.yaml")
	if err := os.WriteFile(manifest, []byte("workers:\n  - id: a\n    endpoint: http://localhost:9001\n    capabilities: [x]\n"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	writeConfig(t, home, `{"store": {"driver": "memory"}, "workers": {"manifestPath": "`+manifest+`"}}`)

	report, _ := RunDoctor()
	if report.HasFailures() {
		t.Fatalf("expected no failures, got %#v", report)
	}
	c, _ := findCheck(report, "workers")
	if c.Status != DoctorPass || !strings.Contains(c.Message, "1 worker") {
		t.Fatalf("expected 1 declared worker, got %#v", c)
	}

	if err := os.WriteFile(manifest, []byte("workers: [{id: a}]\n"), 0o600); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	report, _ = RunDoctor()
	c, _ = findCheck(report, "workers_manifest")
	if c.Status != DoctorFail {
		t.Fatalf("expected invalid manifest failure, got %#v", c)
	}
}

func TestRunDoctorSqliteStoreWritable(t *testing.T) {
	home := isolateHome(t)
	dbPath := filepath.Join(home, "data", "state.db")
	writeConfig(t, home, `{"store": {"driver": "sqlite", "path": "`+dbPath+`"}}`)

	report, _ := RunDoctor()
	c, ok := findCheck(report, "store")
	if !ok || c.Status != DoctorPass {
		t.Fatalf("expected store pass, got %#v", c)
	}
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected store dir created: %v", err)
	}
}
