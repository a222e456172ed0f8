// Package bus provides the in-process event bus that connects the dispatcher
// with observers, sinks, and the memory layer.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes to every event type. "all" is accepted as an alias.
const (
	Wildcard      = "*"
	WildcardAlias = "all"
)

// DefaultHistorySize is the number of events retained when none is configured.
const DefaultHistorySize = 1000

// Event is an immutable published record. Data must not be mutated by
// subscribers; it is shared between every callback and the history.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. A returned error is logged and does not
// stop delivery to other subscribers.
type Handler func(Event) error

type subscription struct {
	id    string
	types map[string]struct{}
	all   bool
	cb    Handler
}

func (s *subscription) matches(eventType string) bool {
	if s.all {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus is a topic-filtered publish/subscribe hub with a bounded, global
// history of published events.
type Bus struct {
	subs  map[string]*subscription
	order []string

	ring  []Event
	start int
	count int

	now func() time.Time
	mu  sync.RWMutex
}

// New creates a bus retaining at most historySize events.
func New(historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		subs: make(map[string]*subscription),
		ring: make([]Event, historySize),
		now:  time.Now,
	}
}

// Subscribe registers cb for the given event types under id. Re-using an id
// replaces the previous subscription. It fails when types is empty or cb is nil.
func (b *Bus) Subscribe(id string, types []string, cb Handler) bool {
	if id == "" || len(types) == 0 || cb == nil {
		return false
	}
	sub := &subscription{id: id, types: make(map[string]struct{}, len(types)), cb: cb}
	for _, t := range types {
		if t == Wildcard || t == WildcardAlias {
			sub.all = true
			continue
		}
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[id]; !exists {
		b.order = append(b.order, id)
	} else {
		slog.Debug("Bus: replacing subscription", "subscriber", id)
	}
	b.subs[id] = sub
	return true
}

// Unsubscribe removes the subscription with the given id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	for i, s := range b.order {
		if s == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish records an event and delivers it synchronously to every matching
// subscriber, in subscription order. Callbacks run outside the bus lock, so
// they may publish or subscribe themselves.
func (b *Bus) Publish(eventType string, data map[string]any, source string) Event {
	if data == nil {
		data = map[string]any{}
	}
	evt := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Source:    source,
		Timestamp: b.now(),
	}

	b.mu.Lock()
	b.append(evt)
	targets := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		if sub := b.subs[id]; sub.matches(eventType) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub, evt)
	}
	return evt
}

func deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus: subscriber panicked", "subscriber", sub.id, "type", evt.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := sub.cb(evt); err != nil {
		slog.Warn("Bus: subscriber failed", "subscriber", sub.id, "type", evt.Type, "error", err)
	}
}

func (b *Bus) append(evt Event) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = evt
		b.count++
		return
	}
	b.ring[b.start] = evt
	b.start = (b.start + 1) % size
}

// History returns up to limit of the most recent events, oldest first,
// optionally filtered to the given types. A limit <= 0 returns everything
// retained.
func (b *Bus) History(limit int, types ...string) []Event {
	filter := make(map[string]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, b.count)
	size := len(b.ring)
	for i := 0; i < b.count; i++ {
		evt := b.ring[(b.start+i)%size]
		if len(filter) > 0 {
			if _, ok := filter[evt.Type]; !ok {
				continue
			}
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory drops all retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = Event{}
	}
	b.start = 0
	b.count = 0
}

// Subscribers returns each subscriber id with the event types it listens to.
func (b *Bus) Subscribers() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.subs))
	for id, sub := range b.subs {
		types := make([]string, 0, len(sub.types)+1)
		if sub.all {
			types = append(types, Wildcard)
		}
		for t := range sub.types {
			types = append(types, t)
		}
		out[id] = types
	}
	return out
}
