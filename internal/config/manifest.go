package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerSpec is a statically declared worker, either in config.json under
// workers.static or in a YAML manifest.
type WorkerSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	Endpoint     string   `json:"endpoint" yaml:"endpoint"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Streaming    bool     `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	Timeout      string   `json:"timeout,omitempty" yaml:"timeout,omitempty"` // e.g. "30s"
}

// TimeoutDuration parses Timeout. Empty or invalid values yield 0.
func (w WorkerSpec) TimeoutDuration() time.Duration {
	if strings.TrimSpace(w.Timeout) == "" {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(w.Timeout))
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate reports the first problem with the spec.
func (w WorkerSpec) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("worker id is required")
	}
	if strings.TrimSpace(w.Endpoint) == "" {
		return fmt.Errorf("worker %s: endpoint is required", w.ID)
	}
	if strings.TrimSpace(w.Timeout) != "" {
		if _, err := time.ParseDuration(strings.TrimSpace(w.Timeout)); err != nil {
			return fmt.Errorf("worker %s: invalid timeout %q: %w", w.ID, w.Timeout, err)
		}
	}
	return nil
}

// Manifest is the on-disk worker list.
type Manifest struct {
	Workers []WorkerSpec `yaml:"workers"`
}

// LoadManifest reads and validates a YAML worker manifest.
func LoadManifest(path string) ([]WorkerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest bytes. Duplicate ids are rejected.
func ParseManifest(data []byte) ([]WorkerSpec, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Workers))
	for _, w := range m.Workers {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[w.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id %s", w.ID)
		}
		seen[w.ID] = struct{}{}
	}
	return m.Workers, nil
}

// WriteManifest encodes workers as YAML at path.
func WriteManifest(path string, workers []WorkerSpec) error {
	data, err := yaml.Marshal(Manifest{Workers: workers})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
