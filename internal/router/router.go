// Package router implements the dispatcher: it gates, resolves, records, and
// relays every request to a worker while publishing lifecycle events.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/KafClaw/switchboard/internal/bus"
	"github.com/KafClaw/switchboard/internal/memory"
	"github.com/KafClaw/switchboard/internal/policy"
	"github.com/KafClaw/switchboard/internal/registry"
	"github.com/KafClaw/switchboard/internal/session"
	"github.com/KafClaw/switchboard/internal/worker"
)

// DefaultCallTimeout bounds a worker call when neither the worker record nor
// the router configuration sets one.
const DefaultCallTimeout = 120 * time.Second

// Option keys read from Request.Options.
const (
	OptConversationID      = "conversation_id"
	OptConversationIDCamel = "conversationId"
	OptStream              = "stream"
	OptUserInfo            = "user_info"
)

// Conversation metadata keys maintained by the router.
const (
	MetaModel        = "model"
	MetaStartedAt    = "started_at"
	MetaUserInfo     = "user_info"
	MetaLastActivity = "last_activity"
	MetaLastResponse = "last_response"
)

// Request is one inbound dispatch.
type Request struct {
	Target  string         `json:"target"`
	Payload any            `json:"payload"`
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Options wires a Router. Registry, Bus, Sessions, Memory, Gate and Client
// are required.
type Options struct {
	Registry *registry.Registry
	Bus      *bus.Bus
	Sessions *session.Manager
	Memory   *memory.Store
	Gate     policy.Engine
	Client   worker.Caller

	DefaultModel  string
	CallTimeout   time.Duration
	MaxConcurrent int
}

// Router is the dispatcher.
type Router struct {
	registry *registry.Registry
	bus      *bus.Bus
	sessions *session.Manager
	memory   *memory.Store
	gate     policy.Engine
	client   worker.Caller

	defaultModel string
	callTimeout  time.Duration

	locks    *keyedLocks
	inflight *semaphore
	now      func() time.Time
}

// New creates a Router.
func New(opts Options) (*Router, error) {
	switch {
	case opts.Registry == nil:
		return nil, fmt.Errorf("router: registry is required")
	case opts.Bus == nil:
		return nil, fmt.Errorf("router: bus is required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("router: session manager is required")
	case opts.Memory == nil:
		return nil, fmt.Errorf("router: memory store is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("router: security gate is required")
	case opts.Client == nil:
		return nil, fmt.Errorf("router: worker client is required")
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Router{
		registry:     opts.Registry,
		bus:          opts.Bus,
		sessions:     opts.Sessions,
		memory:       opts.Memory,
		gate:         opts.Gate,
		client:       opts.Client,
		defaultModel: opts.DefaultModel,
		callTimeout:  timeout,
		locks:        newKeyedLocks(),
		inflight:     newSemaphore(opts.MaxConcurrent),
		now:          time.Now,
	}, nil
}

// Dispatch handles req and returns its result stream. The channel yields
// worker items in the order received and is closed when the dispatch ends;
// a failed dispatch yields exactly one error Result. Callers that stop
// reading early must cancel ctx.
func (r *Router) Dispatch(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result)
	go r.run(ctx, req, out)
	return out
}

// Collect drains a dispatch into a slice.
func (r *Router) Collect(ctx context.Context, req Request) []Result {
	var results []Result
	for res := range r.Dispatch(ctx, req) {
		results = append(results, res)
	}
	return results
}

// InFlightAvailable returns the number of free dispatch slots, or -1 when
// dispatches are unbounded.
func (r *Router) InFlightAvailable() int {
	return r.inflight.Available()
}

type emitter func(Result) bool

func (r *Router) run(ctx context.Context, req Request, out chan<- Result) {
	defer close(out)
	emit := func(res Result) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if req.Model == "" {
		req.Model = r.defaultModel
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}

	decision := r.gate.Evaluate(policy.Request{
		Target:  req.Target,
		Payload: req.Payload,
		Model:   req.Model,
		Options: req.Options,
	})
	if !decision.Safe {
		r.bus.Publish(bus.EventSecurityViolation, map[string]any{
			"target":     req.Target,
			"model":      req.Model,
			"violations": decision.Violations,
			"details":    decision.Details,
		}, bus.SourceRouter)
		code := CodeSecurityViolation
		if decision.Missing() {
			code = CodeValidation
		}
		slog.Warn("Router: request rejected", "target", req.Target, "code", code, "violations", decision.Violations)
		emit(errorResult("", code, "request rejected: "+strings.Join(decision.Violations, "; ")))
		return
	}

	convID := conversationID(req.Options)

	if err := r.inflight.Acquire(ctx); err != nil {
		r.cancelled(convID, "", err)
		return
	}
	defer r.inflight.Release()

	unlock, err := r.locks.Lock(ctx, convID)
	if err != nil {
		r.cancelled(convID, "", err)
		return
	}
	defer unlock()

	r.openTurn(convID, req)

	r.bus.Publish(bus.EventRequestStarted, map[string]any{
		"conversation_id": convID,
		"target":          req.Target,
		"model":           req.Model,
	}, bus.SourceRouter)

	w, ok := r.resolve(req.Target)
	if !ok {
		msg := fmt.Sprintf("no worker found for %q", req.Target)
		slog.Warn("Router: unresolved target", "conversation_id", convID, "target", req.Target)
		r.bus.Publish(bus.EventAgentError, map[string]any{
			"conversation_id": convID,
			"target":          req.Target,
			"error":           msg,
			"code":            string(CodeUnresolved),
		}, bus.SourceRouter)
		emit(errorResult(convID, CodeUnresolved, msg))
		return
	}

	r.registry.MarkActive(w.ID)
	r.sessions.SetActiveWorker(convID, w.ID)
	if w.Legacy {
		r.bus.Publish(bus.EventLegacySystemUsed, map[string]any{
			"conversation_id": convID,
			"worker_id":       w.ID,
			"endpoint":        w.Endpoint,
		}, bus.SourceRouter)
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = r.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wreq := worker.Request{
		Payload:        req.Payload,
		Model:          req.Model,
		Options:        req.Options,
		Stream:         w.SupportsStreaming,
		ConversationID: convID,
	}
	if w.SupportsStreaming {
		err = r.relayStream(ctx, callCtx, convID, w, wreq, emit)
	} else {
		err = r.relaySingle(ctx, callCtx, convID, w, wreq, emit)
	}
	if err != nil {
		r.sessions.SetActiveWorker(convID, "")
		r.fail(ctx, convID, w, timeout, err, emit)
		return
	}

	cleared := ""
	r.sessions.Update(convID, session.Update{
		ActiveWorkerID: &cleared,
		Metadata:       map[string]any{MetaLastResponse: r.stamp()},
	})
}

// openTurn gets or creates the conversation and records the inbound payload
// in the message log and short-term memory.
func (r *Router) openTurn(convID string, req Request) {
	if _, exists := r.sessions.Get(convID); exists {
		r.sessions.Update(convID, session.Update{Metadata: map[string]any{MetaLastActivity: r.stamp()}})
	} else {
		meta := map[string]any{
			MetaModel:     req.Model,
			MetaStartedAt: r.stamp(),
		}
		if info, ok := req.Options[OptUserInfo]; ok {
			meta[MetaUserInfo] = info
		}
		r.sessions.Create(convID, meta)
	}
	r.sessions.AddMessage(convID, session.RoleUser, req.Payload)
	r.memory.Create(convID)
	r.memory.AddShortTerm(convID, memory.TypeRequest, req.Payload)
}

func (r *Router) resolve(target string) (registry.Worker, bool) {
	if w, ok := r.registry.Get(target); ok {
		return w, true
	}
	if id, ok := r.registry.FindBestForTask([]string{target}); ok {
		return r.registry.Get(id)
	}
	return registry.Worker{}, false
}

func (r *Router) relaySingle(ctx, callCtx context.Context, convID string, w registry.Worker, wreq worker.Request, emit emitter) error {
	item, err := r.client.Call(callCtx, w.Endpoint, wreq)
	if err != nil {
		return err
	}
	content, ok := item.Content()
	if !ok {
		content = map[string]any(item)
	}
	r.sessions.AddMessage(convID, session.RoleAssistant, content)
	r.memory.AddShortTerm(convID, responseType(w, false), content)
	r.bus.Publish(bus.EventResponseComplete, map[string]any{
		"conversation_id": convID,
		"worker_id":       w.ID,
		"streamed":        false,
		"data":            map[string]any(item),
	}, bus.SourceRouter)
	if !emit(Result{ConversationID: convID, Item: item}) {
		return ctx.Err()
	}
	return nil
}

func (r *Router) relayStream(ctx, callCtx context.Context, convID string, w registry.Worker, wreq worker.Request, emit emitter) error {
	passThrough := streamRequested(wreq.Options)
	chunkType := responseType(w, true)
	var parts []string
	chunks := 0

	err := r.client.Stream(callCtx, w.Endpoint, wreq, func(item worker.Item) error {
		chunks++
		if content, ok := item.Content(); ok {
			r.memory.AddShortTerm(convID, chunkType, content)
			if s, isText := content.(string); isText {
				parts = append(parts, s)
			}
		}
		r.bus.Publish(bus.EventResponseChunk, map[string]any{
			"conversation_id": convID,
			"worker_id":       w.ID,
			"data":            map[string]any(item),
		}, bus.SourceRouter)
		if passThrough && !emit(Result{ConversationID: convID, Item: item}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return err
	}

	full := strings.Join(parts, "")
	r.sessions.AddMessage(convID, session.RoleAssistant, full)
	r.bus.Publish(bus.EventResponseComplete, map[string]any{
		"conversation_id": convID,
		"worker_id":       w.ID,
		"streamed":        true,
		"chunks":          chunks,
	}, bus.SourceRouter)
	if !passThrough {
		if !emit(Result{ConversationID: convID, Item: worker.Item{"content": full, "chunks": chunks}}) {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Router) fail(ctx context.Context, convID string, w registry.Worker, timeout time.Duration, err error, emit emitter) {
	if ctx.Err() != nil {
		r.cancelled(convID, w.ID, ctx.Err())
		return
	}

	code := CodeTransport
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("worker %s timed out after %s", w.ID, timeout)
	case errors.Is(err, worker.ErrWorkerPayload), errors.Is(err, worker.ErrWorkerStatus):
		code = CodeWorkerError
	}
	if code == CodeTransport {
		r.registry.UpdateStatus(w.ID, registry.StatusError)
	}

	slog.Error("Router: worker call failed", "conversation_id", convID, "worker_id", w.ID, "code", code, "error", err)
	r.bus.Publish(bus.EventAgentError, map[string]any{
		"conversation_id": convID,
		"worker_id":       w.ID,
		"error":           msg,
		"code":            string(code),
	}, bus.SourceRouter)
	emit(errorResult(convID, code, msg))
}

// cancelled records that the caller went away. Nothing can be yielded any
// more; state recorded so far is kept.
func (r *Router) cancelled(convID, workerID string, cause error) {
	slog.Info("Router: dispatch cancelled", "conversation_id", convID, "worker_id", workerID, "cause", cause)
	r.bus.Publish(bus.EventRequestCancelled, map[string]any{
		"conversation_id": convID,
		"worker_id":       workerID,
		"reason":          cause.Error(),
	}, bus.SourceRouter)
}

func (r *Router) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// conversationID returns the caller-provided id, or a new time-ordered one.
func conversationID(opts map[string]any) string {
	for _, key := range []string{OptConversationID, OptConversationIDCamel} {
		if s, ok := opts[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return "conv-" + ulid.Make().String()
}

// streamRequested reports whether the caller wants items passed through as
// they arrive. Only an explicit false asks for aggregation.
func streamRequested(opts map[string]any) bool {
	v, ok := opts[OptStream]
	if !ok {
		return true
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return !strings.EqualFold(strings.TrimSpace(t), "false")
	}
	return true
}

func responseType(w registry.Worker, chunk bool) string {
	switch {
	case w.Legacy && chunk:
		return memory.TypeLegacyResponseChunk
	case w.Legacy:
		return memory.TypeLegacyResponse
	case chunk:
		return memory.TypeResponseChunk
	}
	return memory.TypeResponse
}
