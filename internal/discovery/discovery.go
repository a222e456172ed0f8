// Package discovery keeps the capability registry in sync with workers that
// announce themselves on a Kafka topic.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/KafClaw/switchboard/internal/bus"
	"github.com/KafClaw/switchboard/internal/registry"
)

// Announcement actions.
const (
	ActionJoin      = "join"
	ActionLeave     = "leave"
	ActionHeartbeat = "heartbeat"
)

// WorkerInfo is the self-description carried by an announcement.
type WorkerInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Streaming    bool     `json:"supports_streaming,omitempty"`
	TimeoutMs    int      `json:"timeout_ms,omitempty"`
}

// Announcement is the wire format published by workers on join, leave and
// heartbeat.
type Announcement struct {
	Action    string     `json:"action"`
	Worker    WorkerInfo `json:"worker"`
	Timestamp time.Time  `json:"timestamp"`
}

// Directory is the subset of the registry the watcher mutates.
type Directory interface {
	Register(w registry.Worker) bool
	Unregister(id string) bool
	Get(id string) (registry.Worker, bool)
	MarkActive(id string) bool
}

// Publisher emits membership events.
type Publisher interface {
	Publish(eventType string, data map[string]any, source string) bus.Event
}

// Watcher applies announcements from a Consumer to a Directory.
type Watcher struct {
	consumer Consumer
	dir      Directory
	events   Publisher
}

// NewWatcher creates a watcher. events may be nil.
func NewWatcher(consumer Consumer, dir Directory, events Publisher) *Watcher {
	return &Watcher{consumer: consumer, dir: dir, events: events}
}

// Run starts consuming and applying announcements. Blocks until ctx is
// cancelled or the consumer's channel closes.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.consumer.Start(ctx); err != nil {
		return fmt.Errorf("discovery: start consumer: %w", err)
	}
	defer w.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-w.consumer.Messages():
			if !ok {
				return nil
			}
			w.handleMessage(msg)
		}
	}
}

func (w *Watcher) handleMessage(msg Message) {
	var ann Announcement
	if err := json.Unmarshal(msg.Value, &ann); err != nil {
		slog.Warn("Discovery: unmarshal announcement", "error", err, "topic", msg.Topic)
		return
	}
	w.Apply(ann)
}

// Apply mutates the directory according to one announcement and reports
// whether anything changed or was refreshed.
func (w *Watcher) Apply(ann Announcement) bool {
	id := strings.TrimSpace(ann.Worker.ID)
	if id == "" {
		slog.Warn("Discovery: announcement without worker id", "action", ann.Action)
		return false
	}

	switch ann.Action {
	case ActionJoin:
		return w.join(id, ann.Worker)
	case ActionHeartbeat:
		if w.dir.MarkActive(id) {
			return true
		}
		// Heartbeat from a worker we never saw join (e.g. after a restart).
		if ann.Worker.Endpoint != "" {
			return w.join(id, ann.Worker)
		}
		slog.Debug("Discovery: heartbeat from unknown worker", "worker_id", id)
		return false
	case ActionLeave:
		if !w.dir.Unregister(id) {
			return false
		}
		slog.Info("Discovery: worker left", "worker_id", id)
		w.publish(bus.EventWorkerLeft, map[string]any{"worker_id": id})
		return true
	default:
		slog.Warn("Discovery: unknown action", "action", ann.Action, "worker_id", id)
		return false
	}
}

func (w *Watcher) join(id string, info WorkerInfo) bool {
	if info.Endpoint == "" {
		slog.Warn("Discovery: join without endpoint", "worker_id", id)
		return false
	}
	rec := toWorker(id, info)

	if existing, ok := w.dir.Get(id); ok {
		if sameRegistration(existing, rec) {
			return w.dir.MarkActive(id)
		}
		w.dir.Unregister(id)
	}
	if !w.dir.Register(rec) {
		return false
	}
	slog.Info("Discovery: worker joined", "worker_id", id, "endpoint", rec.Endpoint, "capabilities", rec.Capabilities)
	w.publish(bus.EventWorkerJoined, map[string]any{
		"worker_id":    id,
		"endpoint":     rec.Endpoint,
		"capabilities": rec.Capabilities,
	})
	return true
}

func (w *Watcher) publish(eventType string, data map[string]any) {
	if w.events != nil {
		w.events.Publish(eventType, data, bus.SourceDiscovery)
	}
}

func toWorker(id string, info WorkerInfo) registry.Worker {
	return registry.Worker{
		ID:                id,
		Name:              info.Name,
		Endpoint:          info.Endpoint,
		Capabilities:      info.Capabilities,
		SupportsStreaming: info.Streaming,
		Timeout:           time.Duration(info.TimeoutMs) * time.Millisecond,
	}
}

func sameRegistration(a, b registry.Worker) bool {
	if a.Legacy || a.Endpoint != b.Endpoint || a.SupportsStreaming != b.SupportsStreaming || a.Timeout != b.Timeout {
		return false
	}
	if b.Name != "" && a.Name != b.Name {
		return false
	}
	x := slices.Clone(a.Capabilities)
	y := slices.Clone(b.Capabilities)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
