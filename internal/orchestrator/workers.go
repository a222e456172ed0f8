package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/KafClaw/switchboard/internal/bus"
	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/registry"
)

// ErrWorkerExists is returned by RegisterWorker when the id is taken.
var ErrWorkerExists = errors.New("worker already registered")

// LegacyWorkers is the fixed name-to-address table kept for callers that
// still target workers by their historical names. Entries carry no
// capabilities, so they only resolve by exact id.
var LegacyWorkers = []registry.Worker{
	{ID: "ThinkerAgent", Endpoint: "http://thinker:3001", SupportsStreaming: true},
	{ID: "SearchAgent", Endpoint: "http://search:3002", SupportsStreaming: true},
	{ID: "FileAgent", Endpoint: "http://file:5002"},
	{ID: "AuthAgent", Endpoint: "http://auth:3003"},
	{ID: "NotifyAgent", Endpoint: "http://notify:3004"},
}

// DefaultWorkers is the local development worker set.
var DefaultWorkers = []registry.Worker{
	{ID: "thinker", Name: "Thinker Agent", Endpoint: "http://localhost:3001", Capabilities: []string{"thinking", "reasoning", "planning"}, SupportsStreaming: true},
	{ID: "search", Name: "Search Agent", Endpoint: "http://localhost:3002", Capabilities: []string{"search", "information_retrieval"}, SupportsStreaming: true},
	{ID: "file", Name: "File Agent", Endpoint: "http://localhost:5002", Capabilities: []string{"file_management", "document_processing"}},
	{ID: "auth", Name: "Auth Agent", Endpoint: "http://localhost:3003", Capabilities: []string{"authentication", "authorization"}},
	{ID: "notify", Name: "Notification Agent", Endpoint: "http://localhost:3004", Capabilities: []string{"notifications", "alerts"}},
}

// WorkerFromSpec converts a declared worker into a registry record.
func WorkerFromSpec(spec config.WorkerSpec) registry.Worker {
	return registry.Worker{
		ID:                spec.ID,
		Name:              spec.Name,
		Endpoint:          spec.Endpoint,
		Capabilities:      spec.Capabilities,
		SupportsStreaming: spec.Streaming,
		Timeout:           spec.TimeoutDuration(),
	}
}

func (o *Orchestrator) registerWorkers() error {
	for _, spec := range o.cfg.Workers.Static {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("orchestrator: static worker: %w", err)
		}
		o.register(WorkerFromSpec(spec), "config")
	}

	if path := o.cfg.Workers.ManifestPath; path != "" {
		specs, err := config.LoadManifest(path)
		if err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		o.mu.Lock()
		for _, spec := range specs {
			if o.register(WorkerFromSpec(spec), "manifest") {
				o.manifest[spec.ID] = struct{}{}
			}
		}
		o.mu.Unlock()
	}

	if o.cfg.Workers.RegisterDefaults {
		for _, w := range DefaultWorkers {
			o.register(w, "defaults")
		}
	}

	if o.cfg.Router.LegacyEnabled {
		for _, w := range LegacyWorkers {
			w.Legacy = true
			o.register(w, "legacy")
		}
	}
	return nil
}

func (o *Orchestrator) register(w registry.Worker, origin string) bool {
	if !o.registry.Register(w) {
		slog.Warn("Registry: duplicate registration ignored", "worker_id", w.ID, "origin", origin)
		return false
	}
	slog.Debug("Registry: worker registered", "worker_id", w.ID, "origin", origin, "endpoint", w.Endpoint)
	return true
}

// RegisterWorker validates and registers spec at runtime.
func (o *Orchestrator) RegisterWorker(spec config.WorkerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if !o.registry.Register(WorkerFromSpec(spec)) {
		return fmt.Errorf("%s: %w", spec.ID, ErrWorkerExists)
	}
	o.bus.Publish(bus.EventWorkerJoined, map[string]any{
		"worker_id":    spec.ID,
		"endpoint":     spec.Endpoint,
		"capabilities": spec.Capabilities,
	}, bus.SourceOrchestrator)
	return nil
}

// UnregisterWorker removes a worker at runtime.
func (o *Orchestrator) UnregisterWorker(id string) bool {
	if !o.registry.Unregister(id) {
		return false
	}
	o.mu.Lock()
	delete(o.manifest, id)
	o.mu.Unlock()
	o.bus.Publish(bus.EventWorkerLeft, map[string]any{"worker_id": id}, bus.SourceOrchestrator)
	return true
}

// SyncWorkers reconciles manifest-owned workers with specs: new ids are
// registered, missing ids unregistered and changed records replaced.
// Workers registered by other means are never touched.
func (o *Orchestrator) SyncWorkers(specs []config.WorkerSpec) {
	o.mu.Lock()
	defer o.mu.Unlock()

	want := make(map[string]config.WorkerSpec, len(specs))
	for _, spec := range specs {
		want[spec.ID] = spec
	}

	for id := range o.manifest {
		if _, keep := want[id]; keep {
			continue
		}
		delete(o.manifest, id)
		if o.registry.Unregister(id) {
			slog.Info("Manifest: worker removed", "worker_id", id)
			o.bus.Publish(bus.EventWorkerLeft, map[string]any{"worker_id": id}, bus.SourceOrchestrator)
		}
	}

	for _, spec := range specs {
		next := WorkerFromSpec(spec)
		current, exists := o.registry.Get(spec.ID)
		_, owned := o.manifest[spec.ID]
		switch {
		case exists && !owned && !current.Legacy:
			slog.Warn("Manifest: id registered by another source, skipped", "worker_id", spec.ID)
			continue
		case exists && owned && sameWorker(current, next):
			continue
		case exists:
			o.registry.Unregister(spec.ID)
		}
		if o.registry.Register(next) {
			o.manifest[spec.ID] = struct{}{}
			slog.Info("Manifest: worker registered", "worker_id", spec.ID, "endpoint", spec.Endpoint)
			o.bus.Publish(bus.EventWorkerJoined, map[string]any{
				"worker_id":    spec.ID,
				"endpoint":     spec.Endpoint,
				"capabilities": spec.Capabilities,
			}, bus.SourceOrchestrator)
		}
	}
}

func sameWorker(a, b registry.Worker) bool {
	name := b.Name
	if name == "" {
		name = b.ID
	}
	return a.Endpoint == b.Endpoint &&
		a.Name == name &&
		a.SupportsStreaming == b.SupportsStreaming &&
		a.Timeout == b.Timeout &&
		slices.Equal(a.Capabilities, dedupe(b.Capabilities))
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
