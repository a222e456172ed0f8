// Package orchestrator wires the registry, bus, memory, conversation state,
// security gate and dispatcher into one running service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/switchboard/internal/bus"
	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/discovery"
	"github.com/KafClaw/switchboard/internal/kafkaconn"
	"github.com/KafClaw/switchboard/internal/memory"
	"github.com/KafClaw/switchboard/internal/policy"
	"github.com/KafClaw/switchboard/internal/registry"
	"github.com/KafClaw/switchboard/internal/router"
	"github.com/KafClaw/switchboard/internal/session"
	"github.com/KafClaw/switchboard/internal/sink"
	"github.com/KafClaw/switchboard/internal/store"
	"github.com/KafClaw/switchboard/internal/worker"
)

// Built-in bus subscriber ids.
const (
	SubscriberEventLogger       = "event_logger"
	SubscriberMemoryInitializer = "memory_initializer"
)

// Options overrides collaborators that New would otherwise build from config.
type Options struct {
	Version string

	// Store replaces the configured persistence backend. The orchestrator
	// does not close a store it did not open.
	Store store.Store
	// Client replaces the HTTP worker client.
	Client worker.Caller
	// DiscoveryConsumer replaces the Kafka announcement consumer.
	DiscoveryConsumer discovery.Consumer
	// EventWriter replaces the Kafka writer of the event sink.
	EventWriter sink.MessageWriter
}

// Orchestrator owns every component and their lifecycles.
type Orchestrator struct {
	cfg     *config.Config
	version string

	store     store.Store
	ownsStore bool
	registry  *registry.Registry
	bus       *bus.Bus
	memory    *memory.Store
	sessions  *session.Manager
	gate      *policy.Gate
	router    *router.Router

	kafkaSink *sink.KafkaSink
	slackSink *sink.SlackSink
	watcher   *discovery.Watcher

	mu       sync.Mutex
	manifest map[string]struct{}
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds an orchestrator from cfg. Workers are registered in this order:
// static config, manifest, defaults, legacy table. The first registration of
// an id wins.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := &Orchestrator{
		cfg:      cfg,
		version:  opts.Version,
		manifest: make(map[string]struct{}),
	}
	if o.version == "" {
		o.version = "dev"
	}

	o.store = opts.Store
	if o.store == nil {
		st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open store: %w", err)
		}
		o.store = st
		o.ownsStore = true
	}

	o.registry = registry.New()
	o.bus = bus.New(cfg.Bus.HistorySize)
	o.memory = memory.New(memory.Options{
		ShortTermCapacity: cfg.Memory.ShortTermCapacity,
		LongTermCapacity:  cfg.Memory.LongTermCapacity,
		Persist:           o.store,
	})
	o.sessions = session.NewManager(o.store)
	o.gate = policy.NewGate(policy.Options{
		ExtraPatterns: cfg.Security.DeniedPatterns,
		ExtraDomains:  cfg.Security.DeniedDomains,
		BlockSecrets:  cfg.Security.BlockSecrets,
	})

	client := opts.Client
	if client == nil {
		client = worker.NewClient(cfg.Router.APIKey)
	}
	rt, err := router.New(router.Options{
		Registry:      o.registry,
		Bus:           o.bus,
		Sessions:      o.sessions,
		Memory:        o.memory,
		Gate:          o.gate,
		Client:        client,
		DefaultModel:  cfg.Router.DefaultModel,
		CallTimeout:   cfg.Router.CallTimeout(),
		MaxConcurrent: cfg.Router.MaxConcurrent,
	})
	if err != nil {
		_ = o.closeStore()
		return nil, err
	}
	o.router = rt

	o.initEventSystem()
	if err := o.initSinks(opts); err != nil {
		_ = o.closeStore()
		return nil, err
	}
	if err := o.initDiscovery(opts); err != nil {
		_ = o.closeStore()
		return nil, err
	}
	if err := o.registerWorkers(); err != nil {
		_ = o.closeStore()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) initEventSystem() {
	o.bus.Subscribe(SubscriberEventLogger, []string{bus.Wildcard}, func(evt bus.Event) error {
		slog.Debug("Event", "type", evt.Type, "source", evt.Source, "id", evt.ID)
		return nil
	})
	o.bus.Subscribe(SubscriberMemoryInitializer, []string{bus.EventRequestStarted}, func(evt bus.Event) error {
		id, _ := evt.Data["conversation_id"].(string)
		if id == "" {
			return nil
		}
		if _, exists := o.memory.Get(id); !exists {
			o.memory.Create(id)
			slog.Info("Memory: initialized conversation", "conversation_id", id)
		}
		return nil
	})
}

func (o *Orchestrator) initSinks(opts Options) error {
	sc := o.cfg.Sinks
	writer := opts.EventWriter
	if writer == nil && sc.KafkaTopic != "" && len(sc.Brokers()) > 0 {
		transport, err := kafkaconn.Transport(sc.Kafka)
		if err != nil {
			return fmt.Errorf("orchestrator: kafka sink: %w", err)
		}
		writer = sink.NewKafkaWriter(sc.Brokers(), sc.KafkaTopic, transport)
	}
	if writer != nil {
		o.kafkaSink = sink.NewKafkaSink(writer, sc.QueueSize)
		o.kafkaSink.Attach(o.bus)
	}

	if sc.SlackWebhookURL != "" || sc.SlackBotToken != "" {
		s, err := sink.NewSlackSink(sink.SlackOptions{
			WebhookURL: sc.SlackWebhookURL,
			BotToken:   sc.SlackBotToken,
			Channel:    sc.SlackChannel,
			APIBase:    sc.SlackAPIBase,
			Events:     sc.AlertEvents,
			QueueSize:  sc.QueueSize,
		})
		if err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		o.slackSink = s
		o.slackSink.Attach(o.bus)
	}
	return nil
}

func (o *Orchestrator) initDiscovery(opts Options) error {
	dc := o.cfg.Discovery
	consumer := opts.DiscoveryConsumer
	if consumer == nil && dc.Enabled && len(dc.Brokers()) > 0 && dc.Topic != "" {
		dialer, err := kafkaconn.Dialer(dc.Kafka, "")
		if err != nil {
			return fmt.Errorf("orchestrator: discovery: %w", err)
		}
		consumer = discovery.NewKafkaConsumer(dc.Brokers(), dc.GroupID, dc.Topic, dialer)
	}
	if consumer != nil {
		o.watcher = discovery.NewWatcher(consumer, o.registry, o.bus)
	}
	return nil
}

// Registry returns the capability registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Bus returns the event bus.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Memory returns the memory store.
func (o *Orchestrator) Memory() *memory.Store { return o.memory }

// Sessions returns the conversation state manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Gate returns the security gate.
func (o *Orchestrator) Gate() *policy.Gate { return o.gate }

// Dispatch publishes request_received and hands req to the router.
func (o *Orchestrator) Dispatch(ctx context.Context, req router.Request) <-chan router.Result {
	o.bus.Publish(bus.EventRequestReceived, map[string]any{
		"target":    req.Target,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, bus.SourceOrchestrator)
	return o.router.Dispatch(ctx, req)
}

// Collect is Dispatch drained into a slice.
func (o *Orchestrator) Collect(ctx context.Context, req router.Request) []router.Result {
	var results []router.Result
	for res := range o.Dispatch(ctx, req) {
		results = append(results, res)
	}
	return results
}

// Status is the system summary.
type Status struct {
	Status              string                `json:"status"`
	Version             string                `json:"version"`
	Workers             []string              `json:"workers"`
	ActiveConversations int                   `json:"active_conversations"`
	Subscribers         map[string][]string   `json:"subscribers"`
	Running             bool                  `json:"running"`
	Sinks               map[string]sink.Stats `json:"sinks,omitempty"`
}

// Status returns the current system summary.
func (o *Orchestrator) Status() Status {
	workers := o.registry.List()
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	st := Status{
		Status:              "ok",
		Version:             o.version,
		Workers:             ids,
		ActiveConversations: o.sessions.CountActive(),
		Subscribers:         o.bus.Subscribers(),
		Running:             running,
	}
	if o.kafkaSink != nil || o.slackSink != nil {
		st.Sinks = make(map[string]sink.Stats)
		if o.kafkaSink != nil {
			st.Sinks["kafka"] = o.kafkaSink.Stats()
		}
		if o.slackSink != nil {
			st.Sinks["slack"] = o.slackSink.Stats()
		}
	}
	return st
}

// DeleteConversation removes a conversation together with its memory. It
// reports whether either existed.
func (o *Orchestrator) DeleteConversation(id string) bool {
	convDeleted := o.sessions.Delete(id)
	memDeleted := o.memory.Delete(id)
	return convDeleted || memDeleted
}

// Start launches the background loops: liveness sweeper, sinks, discovery
// and the manifest watcher. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	if !o.cfg.Liveness.DisableSweeper {
		o.spawn(func() { o.sweepLoop(runCtx) })
	}
	if o.kafkaSink != nil {
		o.spawn(func() { o.kafkaSink.Run(runCtx) })
	}
	if o.slackSink != nil {
		o.spawn(func() { o.slackSink.Run(runCtx) })
	}
	if o.watcher != nil {
		o.spawn(func() {
			if err := o.watcher.Run(runCtx); err != nil {
				slog.Error("Orchestrator: discovery stopped", "error", err)
			}
		})
	}
	if path := o.cfg.Workers.ManifestPath; path != "" && o.cfg.Workers.WatchChanges {
		if err := config.WatchManifest(runCtx, path, o.SyncWorkers); err != nil {
			slog.Warn("Orchestrator: manifest watch disabled", "path", path, "error", err)
		}
	}

	slog.Info("Orchestrator: started",
		"workers", o.registry.Len(),
		"discovery", o.watcher != nil,
		"kafka_sink", o.kafkaSink != nil,
		"slack_sink", o.slackSink != nil)
	return nil
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Stop cancels the background loops, waits for them (bounded by ctx) and
// releases the store and sink writers.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.running = false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("Orchestrator: stop timed out waiting for background loops")
		}
	}

	var errs []error
	if o.kafkaSink != nil {
		if err := o.kafkaSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka sink: %w", err))
		}
	}
	if err := o.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) closeStore() error {
	if !o.ownsStore || o.store == nil {
		return nil
	}
	o.ownsStore = false
	if err := o.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
