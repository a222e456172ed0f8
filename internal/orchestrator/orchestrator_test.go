package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/switchboard/internal/bus"
	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/discovery"
	"github.com/KafClaw/switchboard/internal/registry"
	"github.com/KafClaw/switchboard/internal/router"
	"github.com/KafClaw/switchboard/internal/store"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Liveness.DisableSweeper = true
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o
}

func echoWorker(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"content":"echo: %v"}`, body["payload"])
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestNewRegistersStaticThenLegacy(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Static = []config.WorkerSpec{
		{ID: "summarizer", Endpoint: "http://localhost:9001", Capabilities: []string{"summarize"}, Timeout: "3s"},
		{ID: "SearchAgent", Endpoint: "http://search.internal:9002", Capabilities: []string{"search"}},
	}
	o := newTestOrchestrator(t, cfg, Options{})

	ids := o.Status().Workers
	assert.Equal(t, []string{"summarizer", "SearchAgent", "ThinkerAgent", "FileAgent", "AuthAgent", "NotifyAgent"}, ids)

	search, ok := o.Registry().Get("SearchAgent")
	require.True(t, ok)
	assert.False(t, search.Legacy, "configured record must win over the legacy entry")
	assert.Equal(t, "http://search.internal:9002", search.Endpoint)

	thinker, ok := o.Registry().Get("ThinkerAgent")
	require.True(t, ok)
	assert.True(t, thinker.Legacy)
	assert.True(t, thinker.SupportsStreaming)
	assert.Empty(t, thinker.Capabilities)

	sum, _ := o.Registry().Get("summarizer")
	assert.Equal(t, 3*time.Second, sum.Timeout)
}

func TestLegacyDisabledAndDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Router.LegacyEnabled = false
	cfg.Workers.RegisterDefaults = true
	o := newTestOrchestrator(t, cfg, Options{})

	assert.Equal(t, []string{"thinker", "search", "file", "auth", "notify"}, o.Status().Workers)
	id, ok := o.Registry().FindBestForTask([]string{"reasoning"})
	require.True(t, ok)
	assert.Equal(t, "thinker", id)
}

func TestNewRejectsInvalidStaticWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Static = []config.WorkerSpec{{ID: "x"}}
	_, err := New(cfg, Options{})
	require.Error(t, err)
}

func TestNewRejectsBadKafkaSecurity(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.KafkaBrokers = "localhost:9092"
	cfg.Discovery.Kafka.SASLMechanism = "GSSAPI"
	_, err := New(cfg, Options{})
	require.ErrorContains(t, err, "discovery")

	cfg = testConfig()
	cfg.Sinks.KafkaBrokers = "localhost:9092"
	cfg.Sinks.KafkaTopic = "events"
	cfg.Sinks.Kafka.SecurityProtocol = "SASL_SSL"
	_, err = New(cfg, Options{})
	require.ErrorContains(t, err, "kafka sink")
}

func TestBuiltInSubscribers(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})
	subs := o.Status().Subscribers
	assert.Equal(t, []string{bus.Wildcard}, subs[SubscriberEventLogger])
	assert.Equal(t, []string{bus.EventRequestStarted}, subs[SubscriberMemoryInitializer])

	o.Bus().Publish(bus.EventRequestStarted, map[string]any{"conversation_id": "fresh"}, bus.SourceRouter)
	_, ok := o.Memory().Get("fresh")
	assert.True(t, ok)
}

func TestDispatchPublishesRequestReceivedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Static = []config.WorkerSpec{{ID: "echo", Endpoint: echoWorker(t), Capabilities: []string{"echo"}}}
	o := newTestOrchestrator(t, cfg, Options{})

	results := o.Collect(context.Background(), router.Request{
		Target:  "echo",
		Payload: "hi",
		Options: map[string]any{"conversation_id": "c1"},
	})
	require.Len(t, results, 1)
	require.False(t, results[0].IsError(), results[0].Error)
	content, _ := results[0].Item.Content()
	assert.Equal(t, "echo: hi", content)

	history := o.Bus().History(0)
	require.NotEmpty(t, history)
	assert.Equal(t, bus.EventRequestReceived, history[0].Type)
	assert.Equal(t, bus.SourceOrchestrator, history[0].Source)
	assert.Equal(t, "echo", history[0].Data["target"])

	st := o.Status()
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, 1, st.ActiveConversations)
}

func TestDeleteConversationRemovesStateAndMemory(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Static = []config.WorkerSpec{{ID: "echo", Endpoint: echoWorker(t)}}
	o := newTestOrchestrator(t, cfg, Options{})

	o.Collect(context.Background(), router.Request{Target: "echo", Payload: "x", Options: map[string]any{"conversation_id": "gone"}})
	_, ok := o.Sessions().Get("gone")
	require.True(t, ok)

	assert.True(t, o.DeleteConversation("gone"))
	_, ok = o.Sessions().Get("gone")
	assert.False(t, ok)
	_, ok = o.Memory().Get("gone")
	assert.False(t, ok)
	assert.False(t, o.DeleteConversation("gone"))
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.Static = []config.WorkerSpec{{ID: "echo", Endpoint: echoWorker(t)}}
	st := store.NewInMemory()

	first := newTestOrchestrator(t, cfg, Options{Store: st})
	first.Collect(context.Background(), router.Request{Target: "echo", Payload: "remember", Options: map[string]any{"conversation_id": "p1"}})

	second := newTestOrchestrator(t, cfg, Options{Store: st})
	conv, ok := second.Sessions().Get("p1")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 2)
	hits, ok := second.Memory().Search("p1", "remember")
	require.True(t, ok)
	assert.NotEmpty(t, hits)
}

func TestRuntimeRegisterAndUnregister(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Options{})

	require.NoError(t, o.RegisterWorker(config.WorkerSpec{ID: "w1", Endpoint: "http://w1", Capabilities: []string{"a"}}))
	require.Error(t, o.RegisterWorker(config.WorkerSpec{ID: "w1", Endpoint: "http://w1"}))
	require.Error(t, o.RegisterWorker(config.WorkerSpec{ID: "w2"}))

	assert.True(t, o.UnregisterWorker("w1"))
	assert.False(t, o.UnregisterWorker("w1"))
	assert.Len(t, o.Bus().History(0, bus.EventWorkerJoined), 1)
	assert.Len(t, o.Bus().History(0, bus.EventWorkerLeft), 1)
}

func TestManifestLoadAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, config.WriteManifest(path, []config.WorkerSpec{
		{ID: "a", Endpoint: "http://a", Capabilities: []string{"x"}},
		{ID: "b", Endpoint: "http://b", Capabilities: []string{"y"}},
	}))
	cfg := testConfig()
	cfg.Router.LegacyEnabled = false
	cfg.Workers.Static = []config.WorkerSpec{{ID: "static", Endpoint: "http://s"}}
	cfg.Workers.ManifestPath = path
	o := newTestOrchestrator(t, cfg, Options{})
	assert.Equal(t, []string{"static", "a", "b"}, o.Status().Workers)

	o.SyncWorkers([]config.WorkerSpec{
		{ID: "a", Endpoint: "http://a", Capabilities: []string{"x"}},
		{ID: "b", Endpoint: "http://b2", Capabilities: []string{"y"}},
		{ID: "c", Endpoint: "http://c"},
		{ID: "static", Endpoint: "http://hijack"},
	})
	b, _ := o.Registry().Get("b")
	assert.Equal(t, "http://b2", b.Endpoint)
	_, ok := o.Registry().Get("c")
	assert.True(t, ok)
	s, _ := o.Registry().Get("static")
	assert.Equal(t, "http://s", s.Endpoint)

	o.SyncWorkers([]config.WorkerSpec{{ID: "c", Endpoint: "http://c"}})
	assert.ElementsMatch(t, []string{"static", "c"}, o.Status().Workers)
	assert.Len(t, o.Bus().History(0, bus.EventWorkerLeft), 2)
}

func TestManifestMissingFailsNew(t *testing.T) {
	cfg := testConfig()
	cfg.Workers.ManifestPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, Options{})
	require.Error(t, err)
}

func TestSweepMarksIdleWorkersOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Router.LegacyEnabled = false
	cfg.Liveness.InactiveAfter = 10 * time.Millisecond
	cfg.Workers.Static = []config.WorkerSpec{{ID: "idle", Endpoint: "http://idle"}}
	o := newTestOrchestrator(t, cfg, Options{})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"idle"}, o.Sweep())
	w, _ := o.Registry().Get("idle")
	assert.Equal(t, registry.StatusInactive, w.Status)
	assert.Empty(t, o.Sweep())

	events := o.Bus().History(0, bus.EventWorkerInactive)
	require.Len(t, events, 1)
	assert.Equal(t, "idle", events[0].Data["worker_id"])
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestStartRunsDiscoveryAndSinks(t *testing.T) {
	cfg := testConfig()
	cfg.Router.LegacyEnabled = false
	consumer := discovery.NewChannelConsumer()
	writer := &recordingWriter{}
	o := newTestOrchestrator(t, cfg, Options{DiscoveryConsumer: consumer, EventWriter: writer})

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Status().Running)

	raw, err := json.Marshal(discovery.Announcement{
		Action: discovery.ActionJoin,
		Worker: discovery.WorkerInfo{ID: "remote", Endpoint: "http://remote", Capabilities: []string{"z"}},
	})
	require.NoError(t, err)
	consumer.Send(discovery.Message{Topic: "announce", Value: raw})

	require.Eventually(t, func() bool {
		_, ok := o.Registry().Get("remote")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return writer.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, o.Status().Sinks, "kafka")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	assert.False(t, o.Status().Running)
}

func TestStartWatchesManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	require.NoError(t, config.WriteManifest(path, []config.WorkerSpec{{ID: "a", Endpoint: "http://a"}}))
	cfg := testConfig()
	cfg.Router.LegacyEnabled = false
	cfg.Workers.ManifestPath = path
	cfg.Workers.WatchChanges = true
	o := newTestOrchestrator(t, cfg, Options{})
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("workers:\n  - id: b\n    endpoint: http://b\n"), 0o644))
	require.Eventually(t, func() bool {
		_, hasB := o.Registry().Get("b")
		_, hasA := o.Registry().Get("a")
		return hasB && !hasA
	}, 5*time.Second, 20*time.Millisecond)
}
