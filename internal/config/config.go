// Package config provides configuration types and loading for switchboard.
package config

import (
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Router    RouterConfig    `json:"router"`
	Memory    MemoryConfig    `json:"memory"`
	Bus       BusConfig       `json:"bus"`
	Store     StoreConfig     `json:"store"`
	Security  SecurityConfig  `json:"security"`
	Discovery DiscoveryConfig `json:"discovery"`
	Sinks     SinksConfig     `json:"sinks"`
	Liveness  LivenessConfig  `json:"liveness"`
	Workers   WorkersConfig   `json:"workers"`
	Log       LogConfig       `json:"log"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP surface
// ---------------------------------------------------------------------------

// GatewayConfig contains the HTTP gateway settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// Addr returns host:port for net/http.
func (g GatewayConfig) Addr() string {
	host := g.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(g.Port)
}

// ---------------------------------------------------------------------------
// Router – dispatch behaviour
// ---------------------------------------------------------------------------

// RouterConfig groups dispatcher settings.
type RouterConfig struct {
	CallTimeoutSeconds int    `json:"callTimeoutSeconds" envconfig:"CALL_TIMEOUT_SECONDS"`
	DefaultModel       string `json:"defaultModel" envconfig:"DEFAULT_MODEL"`
	LegacyEnabled      bool   `json:"legacyEnabled" envconfig:"LEGACY_ENABLED"`
	APIKey             string `json:"apiKey" envconfig:"API_KEY"`
	MaxConcurrent      int    `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"` // 0 = unbounded
}

// CallTimeout returns the per-call timeout as a duration.
func (r RouterConfig) CallTimeout() time.Duration {
	if r.CallTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Memory / Bus – in-process capacities
// ---------------------------------------------------------------------------

// MemoryConfig bounds the per-conversation memory tiers.
type MemoryConfig struct {
	ShortTermCapacity int `json:"shortTermCapacity" envconfig:"SHORT_TERM_CAPACITY"`
	LongTermCapacity  int `json:"longTermCapacity" envconfig:"LONG_TERM_CAPACITY"`
}

// BusConfig bounds the event history.
type BusConfig struct {
	HistorySize int `json:"historySize" envconfig:"HISTORY_SIZE"`
}

// ---------------------------------------------------------------------------
// Store – persistence
// ---------------------------------------------------------------------------

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	Driver string `json:"driver" envconfig:"STORE_DRIVER"` // "sqlite", "sqlite3" or "memory"
	Path   string `json:"path" envconfig:"STORE_PATH"`
}

// ---------------------------------------------------------------------------
// Security – gate additions
// ---------------------------------------------------------------------------

// SecurityConfig extends the built-in denylists.
type SecurityConfig struct {
	DeniedPatterns []string `json:"deniedPatterns" envconfig:"DENIED_PATTERNS"`
	DeniedDomains  []string `json:"deniedDomains" envconfig:"DENIED_DOMAINS"`
	BlockSecrets   bool     `json:"blockSecrets" envconfig:"BLOCK_SECRETS"`
}

// ---------------------------------------------------------------------------
// Discovery – Kafka worker announcements
// ---------------------------------------------------------------------------

// DiscoveryConfig configures the announcement consumer.
type DiscoveryConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"ENABLED"`
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	Topic        string `json:"topic" envconfig:"TOPIC"`
	GroupID      string `json:"groupId" envconfig:"GROUP_ID"`

	Kafka KafkaSecurityConfig `json:"kafka" envconfig:"KAFKA"`
}

// Brokers splits the comma-separated broker list.
func (d DiscoveryConfig) Brokers() []string {
	return splitCSV(d.KafkaBrokers)
}

// KafkaSecurityConfig holds client security for a Kafka connection, using
// the names of the standard client properties.
type KafkaSecurityConfig struct {
	SecurityProtocol string `json:"securityProtocol" envconfig:"SECURITY_PROTOCOL"` // PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL
	SASLMechanism    string `json:"saslMechanism" envconfig:"SASL_MECHANISM"`       // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string `json:"username" envconfig:"USERNAME"`
	Password         string `json:"password" envconfig:"PASSWORD"`
	CAFile           string `json:"caFile" envconfig:"CA_FILE"`
	CertFile         string `json:"certFile" envconfig:"CERT_FILE"`
	KeyFile          string `json:"keyFile" envconfig:"KEY_FILE"`
}

// ---------------------------------------------------------------------------
// Sinks – event export and alerting
// ---------------------------------------------------------------------------

// SinksConfig configures the optional bus sinks.
type SinksConfig struct {
	KafkaBrokers    string   `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string   `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
	SlackWebhookURL string   `json:"slackWebhookUrl" envconfig:"SLACK_WEBHOOK_URL"`
	SlackBotToken   string   `json:"slackBotToken" envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel    string   `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	SlackAPIBase    string   `json:"slackApiBase" envconfig:"SLACK_API_BASE"`
	AlertEvents     []string `json:"alertEvents" envconfig:"ALERT_EVENTS"`
	QueueSize       int      `json:"queueSize" envconfig:"QUEUE_SIZE"`

	Kafka KafkaSecurityConfig `json:"kafka" envconfig:"KAFKA"`
}

// Brokers splits the comma-separated broker list.
func (s SinksConfig) Brokers() []string {
	return splitCSV(s.KafkaBrokers)
}

// ---------------------------------------------------------------------------
// Liveness – inactive worker sweep
// ---------------------------------------------------------------------------

// LivenessConfig controls the inactivity sweeper.
type LivenessConfig struct {
	SweepInterval  time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
	InactiveAfter  time.Duration `json:"inactiveAfter" envconfig:"INACTIVE_AFTER"`
	DisableSweeper bool          `json:"disableSweeper" envconfig:"DISABLE_SWEEPER"`
}

// ---------------------------------------------------------------------------
// Workers – static registrations
// ---------------------------------------------------------------------------

// WorkersConfig lists statically configured workers and an optional manifest.
type WorkersConfig struct {
	Static           []WorkerSpec `json:"static" ignored:"true"`
	ManifestPath     string       `json:"manifestPath" envconfig:"MANIFEST_PATH"`
	WatchChanges     bool         `json:"watchChanges" envconfig:"WATCH_CHANGES"`
	RegisterDefaults bool         `json:"registerDefaults" envconfig:"REGISTER_DEFAULTS"` // thinker, search, file, auth, notify on localhost
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LOG_LEVEL"`
	Format string `json:"format" envconfig:"LOG_FORMAT"` // "text" or "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18800,
		},
		Router: RouterConfig{
			CallTimeoutSeconds: 120,
			LegacyEnabled:      true,
		},
		Memory: MemoryConfig{
			ShortTermCapacity: 100,
			LongTermCapacity:  1000,
		},
		Bus: BusConfig{
			HistorySize: 1000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.switchboard/state.db",
		},
		Discovery: DiscoveryConfig{
			Topic:   "switchboard.workers.announce",
			GroupID: "switchboard",
		},
		Sinks: SinksConfig{
			AlertEvents: []string{"security_violation", "agent_error"},
			QueueSize:   256,
		},
		Liveness: LivenessConfig{
			SweepInterval: time.Minute,
			InactiveAfter: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
