package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/KafClaw/switchboard/internal/bus"
	"github.com/KafClaw/switchboard/internal/registry"
)

// Sweep marks workers idle for longer than the configured threshold as
// inactive and publishes worker_inactive for each newly inactive one. It
// returns the ids it changed.
func (o *Orchestrator) Sweep() []string {
	threshold := o.cfg.Liveness.InactiveAfter
	var changed []string
	for _, id := range o.registry.ListInactive(threshold) {
		w, ok := o.registry.Get(id)
		if !ok || w.Status == registry.StatusInactive {
			continue
		}
		if !o.registry.UpdateStatus(id, registry.StatusInactive) {
			continue
		}
		changed = append(changed, id)
		slog.Info("Registry: worker inactive", "worker_id", id, "last_activity", w.LastActivityAt)
		o.bus.Publish(bus.EventWorkerInactive, map[string]any{
			"worker_id":     id,
			"last_activity": w.LastActivityAt.UTC().Format(time.RFC3339Nano),
			"threshold":     threshold.String(),
		}, bus.SourceOrchestrator)
	}
	return changed
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	interval := o.cfg.Liveness.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}
