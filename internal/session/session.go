// Package session manages conversation state: lifecycle, message history,
// metadata, and per-conversation context.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/switchboard/internal/store"
)

// Conversation states.
const (
	StateActive = "active"
	StateClosed = "closed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const keyPrefix = "conversations/"

// Message is a single entry of a conversation's history. Content is text or
// a structured payload.
type Message struct {
	Role      string    `json:"role"`
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the full state of one conversation. Values returned by the
// Manager are copies; mutating them has no effect on stored state.
type Conversation struct {
	ID             string         `json:"id"`
	State          string         `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ActiveWorkerID string         `json:"active_worker_id,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Messages       []Message      `json:"messages"`
	Context        map[string]any `json:"context"`
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Metadata = copyMap(c.Metadata)
	out.Context = copyMap(c.Context)
	out.Messages = append([]Message{}, c.Messages...)
	return out
}

// Update is a partial update applied by Manager.Update. Nil fields are left
// unchanged; Metadata keys are merged.
type Update struct {
	State          *string
	ActiveWorkerID *string
	Metadata       map[string]any
}

// Manager holds all conversations in memory, optionally writing each change
// through to a store.Store.
type Manager struct {
	cache   map[string]*Conversation
	order   []string
	persist store.Store
	now     func() time.Time
	mu      sync.RWMutex
}

// NewManager creates a conversation manager. persist may be nil.
func NewManager(persist store.Store) *Manager {
	return &Manager{
		cache:   make(map[string]*Conversation),
		persist: persist,
		now:     time.Now,
	}
}

// Create starts a new active conversation. When the id is already in use the
// existing conversation is returned unchanged. It fails only for an empty id.
func (m *Manager) Create(id string, metadata map[string]any) (Conversation, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.lookup(id); existing != nil {
		slog.Warn("Session: conversation already exists", "conversation_id", id)
		return existing.clone(), true
	}
	now := m.now()
	c := &Conversation{
		ID:        id,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  copyMap(metadata),
		Messages:  []Message{},
		Context:   map[string]any{},
	}
	m.cache[id] = c
	m.order = append(m.order, id)
	m.save(c)
	return c.clone(), true
}

// Get returns a copy of the conversation.
func (m *Manager) Get(id string) (Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Update applies u to the conversation and returns the result.
func (m *Manager) Update(id string, u Update) (Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return Conversation{}, false
	}
	if u.State != nil {
		c.State = *u.State
	}
	if u.ActiveWorkerID != nil {
		c.ActiveWorkerID = *u.ActiveWorkerID
	}
	for k, v := range u.Metadata {
		c.Metadata[k] = v
	}
	c.UpdatedAt = m.now()
	m.save(c)
	return c.clone(), true
}

// SetActiveWorker records the worker currently serving the conversation.
// An empty workerID clears it.
func (m *Manager) SetActiveWorker(id, workerID string) bool {
	_, ok := m.Update(id, Update{ActiveWorkerID: &workerID})
	return ok
}

// AddMessage appends a message to the conversation's history.
func (m *Manager) AddMessage(id, role string, content any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return false
	}
	now := m.now()
	c.Messages = append(c.Messages, Message{Role: role, Content: content, Timestamp: now})
	c.UpdatedAt = now
	m.save(c)
	return true
}

// Messages returns a window of the message history. offset skips the oldest
// messages; limit <= 0 means no limit.
func (m *Manager) Messages(id string, limit, offset int) ([]Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return nil, false
	}
	msgs := c.Messages
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []Message{}, true
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return append([]Message{}, msgs...), true
}

// Close marks the conversation closed. Closed conversations are kept.
func (m *Manager) Close(id string) bool {
	state := StateClosed
	_, ok := m.Update(id, Update{State: &state})
	return ok
}

// Delete removes the conversation.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(id) == nil {
		return false
	}
	delete(m.cache, id)
	for i, s := range m.order {
		if s == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.persist != nil {
		if err := m.persist.Delete(keyPrefix + id); err != nil {
			slog.Warn("Session: persist delete failed", "conversation_id", id, "error", err)
		}
	}
	return true
}

// ListActive returns the ids of active conversations in creation order.
func (m *Manager) ListActive() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for _, id := range m.order {
		if m.cache[id].State == StateActive {
			out = append(out, id)
		}
	}
	return out
}

// CountActive returns the number of active conversations.
func (m *Manager) CountActive() int {
	return len(m.ListActive())
}

// ListPersisted returns the ids of every conversation in the persistence
// layer, including ones not loaded into memory.
func (m *Manager) ListPersisted() ([]string, error) {
	if m.persist == nil {
		return []string{}, nil
	}
	keys, err := m.persist.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	return ids, nil
}

// Export returns a self-contained copy of the conversation.
func (m *Manager) Export(id string) (Conversation, bool) {
	return m.Get(id)
}

// Import stores rec, overwriting any conversation with the same id. The
// updated timestamp is set to now.
func (m *Manager) Import(rec Conversation) bool {
	if strings.TrimSpace(rec.ID) == "" {
		return false
	}
	c := rec.clone()
	if c.State == "" {
		c.State = StateActive
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if _, exists := m.cache[c.ID]; !exists {
		m.order = append(m.order, c.ID)
	}
	m.cache[c.ID] = &c
	m.save(&c)
	return true
}

// lookup returns the cached conversation, loading it from the persistence
// layer on a miss. Callers hold m.mu.
func (m *Manager) lookup(id string) *Conversation {
	if c, ok := m.cache[id]; ok {
		return c
	}
	if m.persist == nil || id == "" {
		return nil
	}
	c := m.load(id)
	if c == nil {
		return nil
	}
	m.cache[id] = c
	m.order = append(m.order, id)
	return c
}

func (m *Manager) load(id string) *Conversation {
	data, ok, err := m.persist.Get(keyPrefix + id)
	if err != nil {
		slog.Warn("Session: persist load failed", "conversation_id", id, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		slog.Warn("Session: corrupt persisted conversation", "conversation_id", id, "error", err)
		return nil
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return &c
}

// save writes c through to the persistence layer. Failures are logged and
// never surface to callers.
func (m *Manager) save(c *Conversation) {
	if m.persist == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		slog.Warn("Session: encode failed", "conversation_id", c.ID, "error", err)
		return
	}
	if err := m.persist.Put(keyPrefix+c.ID, data); err != nil {
		slog.Warn("Session: persist write failed", "conversation_id", c.ID, "error", err)
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
