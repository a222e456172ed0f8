package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/KafClaw/switchboard/internal/secrets"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".switchboard"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("SWITCHBOARD_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("SWITCHBOARD_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil // Use defaults if we can't find config path
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit config file path. A missing file is not
// an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Process env vars from ~/.config/switchboard/env (and fallbacks) first.
	LoadEnvFileCandidates()

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}

	expandHome(&cfg.Store.Path)
	expandHome(&cfg.Workers.ManifestPath)
	expandHome(&cfg.Discovery.Kafka.CAFile)
	expandHome(&cfg.Discovery.Kafka.CertFile)
	expandHome(&cfg.Discovery.Kafka.KeyFile)
	expandHome(&cfg.Sinks.Kafka.CAFile)
	expandHome(&cfg.Sinks.Kafka.CertFile)
	expandHome(&cfg.Sinks.Kafka.KeyFile)
	normalize(cfg)
	return cfg, nil
}

// resolveSecrets replaces "secret:NAME" references in credential fields.
func resolveSecrets(cfg *Config) error {
	fields := map[string]*string{
		"gateway.authToken":        &cfg.Gateway.AuthToken,
		"router.apiKey":            &cfg.Router.APIKey,
		"discovery.kafka.password": &cfg.Discovery.Kafka.Password,
		"sinks.kafka.password":     &cfg.Sinks.Kafka.Password,
		"sinks.slackWebhookUrl":    &cfg.Sinks.SlackWebhookURL,
		"sinks.slackBotToken":      &cfg.Sinks.SlackBotToken,
	}
	for path, field := range fields {
		if !secrets.IsRef(*field) {
			continue
		}
		v, err := secrets.Resolve(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		*field = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		target any
	}{
		{"SWITCHBOARD_GATEWAY", &cfg.Gateway},
		{"SWITCHBOARD_ROUTER", &cfg.Router},
		{"SWITCHBOARD_MEMORY", &cfg.Memory},
		{"SWITCHBOARD_BUS", &cfg.Bus},
		{"SWITCHBOARD", &cfg.Store},
		{"SWITCHBOARD_SECURITY", &cfg.Security},
		{"SWITCHBOARD_DISCOVERY", &cfg.Discovery},
		{"SWITCHBOARD_SINKS", &cfg.Sinks},
		{"SWITCHBOARD_LIVENESS", &cfg.Liveness},
		{"SWITCHBOARD_WORKERS", &cfg.Workers},
		{"SWITCHBOARD", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.Router.CallTimeoutSeconds <= 0 {
		cfg.Router.CallTimeoutSeconds = def.Router.CallTimeoutSeconds
	}
	if cfg.Memory.ShortTermCapacity <= 0 {
		cfg.Memory.ShortTermCapacity = def.Memory.ShortTermCapacity
	}
	if cfg.Memory.LongTermCapacity <= 0 {
		cfg.Memory.LongTermCapacity = def.Memory.LongTermCapacity
	}
	if cfg.Bus.HistorySize <= 0 {
		cfg.Bus.HistorySize = def.Bus.HistorySize
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "sqlite", "sqlite3", "memory":
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	case "":
		cfg.Store.Driver = "memory"
	default:
		fmt.Fprintf(os.Stderr, "config: unknown store driver %q, using memory\n", cfg.Store.Driver)
		cfg.Store.Driver = "memory"
	}
	if cfg.Liveness.SweepInterval <= 0 {
		cfg.Liveness.SweepInterval = def.Liveness.SweepInterval
	}
	if cfg.Liveness.InactiveAfter <= 0 {
		cfg.Liveness.InactiveAfter = def.Liveness.InactiveAfter
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "json":
		cfg.Log.Format = "json"
	default:
		cfg.Log.Format = "text"
	}
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
