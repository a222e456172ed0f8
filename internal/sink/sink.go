// Package sink forwards bus events to external systems: a Kafka topic for
// export and Slack for alerts. Sinks never block the publisher; each owns a
// bounded queue drained by its Run loop.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/KafClaw/switchboard/internal/bus"
)

// DefaultQueueSize is used when a sink is created with a non-positive size.
const DefaultQueueSize = 256

// drainTimeout bounds the final flush after Run's context ends.
const drainTimeout = 5 * time.Second

// Subscriber is the subset of the bus sinks attach to.
type Subscriber interface {
	Subscribe(id string, types []string, cb bus.Handler) bool
}

type deliverFunc func(ctx context.Context, evt bus.Event) error

type pump struct {
	name    string
	ch      chan bus.Event
	deliver deliverFunc

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func newPump(name string, size int, deliver deliverFunc) *pump {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &pump{name: name, ch: make(chan bus.Event, size), deliver: deliver}
}

// Handle enqueues evt. It is the bus callback.
func (p *pump) Handle(evt bus.Event) error {
	select {
	case p.ch <- evt:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("%s: queue full, dropped %s", p.name, evt.Type)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (p *pump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case evt := <-p.ch:
			p.send(ctx, evt)
		}
	}
}

func (p *pump) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-p.ch:
			p.send(ctx, evt)
		default:
			return
		}
	}
}

func (p *pump) send(ctx context.Context, evt bus.Event) {
	if err := p.deliver(ctx, evt); err != nil {
		p.failed.Add(1)
		slog.Warn("Sink: delivery failed", "sink", p.name, "type", evt.Type, "event_id", evt.ID, "error", err)
		return
	}
	p.sent.Add(1)
}

// Stats reports delivery counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// Stats returns a snapshot of the delivery counters.
func (p *pump) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
		Queued:  len(p.ch),
	}
}

func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return lastErr
}
