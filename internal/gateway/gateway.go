// Package gateway exposes the orchestrator over HTTP.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/memory"
	"github.com/KafClaw/switchboard/internal/orchestrator"
	"github.com/KafClaw/switchboard/internal/policy"
	"github.com/KafClaw/switchboard/internal/router"
	"github.com/KafClaw/switchboard/internal/session"
)

const maxBodyBytes = 4 << 20

// Server serves the orchestrator API.
type Server struct {
	orch      *orchestrator.Orchestrator
	authToken string
	started   time.Time
	handler   http.Handler
}

// New builds the API handler. When authToken is set every route except
// /api/v1/status and CORS preflight requires "Authorization: Bearer <token>".
func New(orch *orchestrator.Orchestrator, authToken string) *Server {
	s := &Server{orch: orch, authToken: authToken, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/dispatch", s.handleDispatch)

	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)
	mux.HandleFunc("POST /api/v1/workers", s.handleRegisterWorker)
	mux.HandleFunc("GET /api/v1/workers/find", s.handleFindWorkers)
	mux.HandleFunc("GET /api/v1/workers/{id}", s.handleGetWorker)
	mux.HandleFunc("DELETE /api/v1/workers/{id}", s.handleUnregisterWorker)

	mux.HandleFunc("GET /api/v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/v1/conversations/import", s.handleImportConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/v1/conversations/{id}/close", s.handleCloseConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/v1/conversations/{id}/memory", s.handleMemory)
	mux.HandleFunc("POST /api/v1/conversations/{id}/condense", s.handleCondense)
	mux.HandleFunc("GET /api/v1/conversations/{id}/export", s.handleExport)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/security", s.handleSecurity)
	mux.HandleFunc("POST /api/v1/security/check", s.handleSecurityCheck)

	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})

	var handler http.Handler = mux
	if authToken != "" {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for status endpoint (health check) and CORS preflight
			if r.URL.Path == "/api/v1/status" || r.Method == http.MethodOptions {
				mux.ServeHTTP(w, r)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != authToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}
	s.handler = handler
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// NewHTTPServer wraps the handler in an http.Server bound to cfg.Addr().
func (s *Server) NewHTTPServer(cfg config.GatewayConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Gateway: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryList accepts both repeated keys and comma-separated values.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               st.Status,
		"version":              st.Version,
		"uptime_seconds":       int(time.Since(s.started).Seconds()),
		"workers":              st.Workers,
		"active_conversations": st.ActiveConversations,
		"subscribers":          st.Subscribers,
		"running":              st.Running,
		"sinks":                st.Sinks,
	})
}

// handleDispatch streams dispatch results as newline-delimited JSON. Errors
// are part of the stream, so the status is always 200 once the body parses.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	setCORS(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	broken := false
	for res := range s.orch.Dispatch(r.Context(), req) {
		if broken {
			continue
		}
		if err := enc.Encode(res); err != nil {
			slog.Debug("Gateway: client went away", "target", req.Target, "error", err)
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.orch.Registry().List()})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.orch.Registry().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var spec config.WorkerSpec
	if err := decodeBody(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.orch.RegisterWorker(spec); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, orchestrator.ErrWorkerExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	wk, _ := s.orch.Registry().Get(spec.ID)
	writeJSON(w, http.StatusCreated, wk)
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if !s.orch.UnregisterWorker(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleFindWorkers answers ?capability=x with every worker holding x, or
// ?capabilities=a,b with the single best match.
func (s *Server) handleFindWorkers(w http.ResponseWriter, r *http.Request) {
	reg := s.orch.Registry()
	if tag := strings.TrimSpace(r.URL.Query().Get("capability")); tag != "" {
		writeJSON(w, http.StatusOK, map[string]any{"workers": reg.FindByCapability(tag)})
		return
	}
	required := queryList(r, "capabilities")
	if len(required) == 0 {
		writeError(w, http.StatusBadRequest, "capability or capabilities is required")
		return
	}
	id, ok := reg.FindBestForTask(required)
	if !ok {
		writeError(w, http.StatusNotFound, "no worker matches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"active": s.orch.Sessions().ListActive()}
	if r.URL.Query().Get("persisted") == "true" {
		ids, err := s.orch.Sessions().ListPersisted()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out["persisted"] = ids
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.orch.Sessions().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !s.orch.DeleteConversation(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.orch.Sessions().Close(id) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	conv, _ := s.orch.Sessions().Get(id)
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, ok := s.orch.Sessions().Messages(r.PathValue("id"), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleMemory returns the memory snapshot, or the matching items when q is
// set.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if q := r.URL.Query().Get("q"); q != "" {
		items, ok := s.orch.Memory().Search(id, q)
		if !ok {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	snap, ok := s.orch.Memory().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCondense(w http.ResponseWriter, r *http.Request) {
	c, ok := s.orch.Memory().Condense(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Export is the portable form of one conversation.
type Export struct {
	Conversation session.Conversation `json:"conversation"`
	Memory       *memory.Snapshot     `json:"memory,omitempty"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, ok := s.orch.Sessions().Export(id)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	out := Export{Conversation: conv}
	if snap, ok := s.orch.Memory().Export(id); ok {
		out.Memory = &snap
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImportConversation(w http.ResponseWriter, r *http.Request) {
	var in Export
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.orch.Sessions().Import(in.Conversation) {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	if in.Memory != nil {
		snap := *in.Memory
		snap.ConversationID = in.Conversation.ID
		s.orch.Memory().Import(snap)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": in.Conversation.ID})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.orch.Bus().History(queryInt(r, "limit", 100), queryList(r, "type")...)
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": s.orch.Gate().Patterns(),
		"domains":  s.orch.Gate().Domains(),
	})
}

// handleSecurityCheck evaluates a request without dispatching it.
func (s *Server) handleSecurityCheck(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Gate().Evaluate(policy.Request{
		Target:  req.Target,
		Payload: req.Payload,
		Model:   req.Model,
		Options: req.Options,
	}))
}
