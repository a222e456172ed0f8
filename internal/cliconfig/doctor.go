package cliconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/kafkaconn"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string       `json:"name"`
	Status  DoctorStatus `json:"status"`
	Message string       `json:"message"`
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

type DoctorOptions struct {
	GenerateGatewayToken bool
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

// RunDoctorWithOptions checks that the configuration can start an
// orchestrator: config file, store location, worker sources, Kafka and
// Slack settings, and gateway exposure.
func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 12)}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.LoadFrom(cfgPath)
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		token, err := randomToken()
		if err != nil {
			report.add("gateway_token", DoctorFail, "failed to generate token: %v", err)
		} else if err := Set("gateway.authToken", `"`+token+`"`); err != nil {
			report.add("gateway_token", DoctorFail, "generated token but failed to save config: %v", err)
		} else {
			cfg.Gateway.AuthToken = token
			report.add("gateway_token", DoctorPass, "generated and saved gateway auth token")
		}
	}

	checkStore(&report, cfg)
	checkWorkers(&report, cfg)
	checkDiscovery(&report, cfg)
	checkSinks(&report, cfg)
	checkGateway(&report, cfg)
	return report, nil
}

func checkStore(report *DoctorReport, cfg *config.Config) {
	if cfg.Store.Driver == "memory" {
		report.add("store", DoctorWarn, "store driver is memory; conversations are lost on restart")
		return
	}
	dir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		report.add("store", DoctorFail, "cannot create store directory %s: %v", dir, err)
		return
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		report.add("store", DoctorFail, "store directory %s is not writable: %v", dir, err)
		return
	}
	probe.Close()
	os.Remove(probe.Name())
	report.add("store", DoctorPass, "%s store at %s", cfg.Store.Driver, cfg.Store.Path)
}

func checkWorkers(report *DoctorReport, cfg *config.Config) {
	for _, spec := range cfg.Workers.Static {
		if err := spec.Validate(); err != nil {
			report.add("workers_static", DoctorFail, "%v", err)
			return
		}
		if endpointLooksRemote(spec.Endpoint) && strings.HasPrefix(spec.Endpoint, "http://") && cfg.Router.APIKey != "" {
			report.add("workers_static", DoctorWarn, "worker %s receives the API key over plain http", spec.ID)
		}
	}

	declared := len(cfg.Workers.Static)
	if path := cfg.Workers.ManifestPath; path != "" {
		specs, err := config.LoadManifest(path)
		if err != nil {
			report.add("workers_manifest", DoctorFail, "%v", err)
			return
		}
		declared += len(specs)
		report.add("workers_manifest", DoctorPass, "manifest %s declares %d worker(s)", path, len(specs))
	}

	switch {
	case declared > 0:
		report.add("workers", DoctorPass, "%d worker(s) declared", declared)
	case cfg.Workers.RegisterDefaults || cfg.Router.LegacyEnabled:
		report.add("workers", DoctorWarn, "no workers declared; only built-in defaults or legacy names will resolve")
	case cfg.Discovery.Enabled:
		report.add("workers", DoctorWarn, "no workers declared; relying on discovery announcements")
	default:
		report.add("workers", DoctorFail, "no worker source configured; every dispatch will be unresolved")
	}
}

func checkDiscovery(report *DoctorReport, cfg *config.Config) {
	if !cfg.Discovery.Enabled {
		return
	}
	if len(cfg.Discovery.Brokers()) == 0 {
		report.add("discovery", DoctorFail, "discovery.enabled is set but discovery.kafkaBrokers is empty")
		return
	}
	if cfg.Discovery.Topic == "" {
		report.add("discovery", DoctorFail, "discovery.topic is empty")
		return
	}
	if _, err := kafkaconn.Dialer(cfg.Discovery.Kafka, ""); err != nil {
		report.add("discovery", DoctorFail, "discovery.kafka: %v", err)
		return
	}
	report.add("discovery", DoctorPass, "announcements from %s on %s (%s)", cfg.Discovery.KafkaBrokers, cfg.Discovery.Topic, securityLabel(cfg.Discovery.Kafka))
}

func securityLabel(sec config.KafkaSecurityConfig) string {
	p := strings.ToUpper(sec.SecurityProtocol)
	if p == "" {
		p = "PLAINTEXT"
	}
	if sec.SASLMechanism != "" {
		return p + "/" + strings.ToUpper(sec.SASLMechanism)
	}
	return p
}

func checkSinks(report *DoctorReport, cfg *config.Config) {
	s := cfg.Sinks
	if s.KafkaTopic != "" && len(s.Brokers()) == 0 {
		report.add("sink_kafka", DoctorFail, "sinks.kafkaTopic is set but sinks.kafkaBrokers is empty")
	} else if s.KafkaTopic != "" {
		if _, err := kafkaconn.Transport(s.Kafka); err != nil {
			report.add("sink_kafka", DoctorFail, "sinks.kafka: %v", err)
		} else {
			report.add("sink_kafka", DoctorPass, "exporting events to %s (%s)", s.KafkaTopic, securityLabel(s.Kafka))
		}
	}
	if s.SlackBotToken != "" && s.SlackChannel == "" {
		report.add("sink_slack", DoctorFail, "sinks.slackBotToken requires sinks.slackChannel")
	} else if s.SlackWebhookURL != "" || s.SlackBotToken != "" {
		report.add("sink_slack", DoctorPass, "alerting on %s", strings.Join(s.AlertEvents, ", "))
	}
}

func checkGateway(report *DoctorReport, cfg *config.Config) {
	if isLoopbackHost(cfg.Gateway.Host) {
		report.add("gateway_loopback", DoctorPass, "gateway.host is loopback (%s)", cfg.Gateway.Host)
		return
	}
	if strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		report.add("gateway_auth_token", DoctorFail,
			"gateway.host is not loopback (%s) and no gateway.authToken (or SWITCHBOARD_GATEWAY_AUTH_TOKEN) is set", cfg.Gateway.Host)
		return
	}
	report.add("gateway_auth_token", DoctorPass, "non-loopback gateway is protected by an auth token")
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func endpointLooksRemote(endpoint string) bool {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Hostname() == "" {
		return false
	}
	return !isLoopbackHost(u.Hostname())
}
