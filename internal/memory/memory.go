// Package memory keeps per-conversation short-term and long-term memory
// tiers with FIFO promotion between them.
package memory

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/switchboard/internal/store"
)

// Default tier capacities.
const (
	DefaultShortTermCapacity = 100
	DefaultLongTermCapacity  = 1000
)

const keyPrefix = "memory/"

// Item types recorded by the dispatcher.
const (
	TypeRequest             = "request"
	TypeResponse            = "response"
	TypeResponseChunk       = "response_chunk"
	TypeLegacyResponse      = "legacy_response"
	TypeLegacyResponseChunk = "legacy_response_chunk"
)

// Item is a single memory entry. Content is either text or a structured value.
type Item struct {
	Type      string    `json:"type"`
	Content   any       `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Text returns the content as a string when it is textual.
func (i Item) Text() (string, bool) {
	s, ok := i.Content.(string)
	return s, ok
}

// Condensed is the summarized view of a conversation's memory.
type Condensed struct {
	Summary     string    `json:"summary"`
	KeyPoints   []string  `json:"key_points"`
	LastUpdated time.Time `json:"last_updated"`
}

// Snapshot is the exported form of a conversation's memory.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	ShortTerm      []Item    `json:"short_term"`
	LongTerm       []Item    `json:"long_term"`
	Condensed      Condensed `json:"condensed"`
}

type tiers struct {
	short     []Item
	long      []Item
	condensed Condensed
}

// Options configures a Store.
type Options struct {
	ShortTermCapacity int
	LongTermCapacity  int
	// Persist, when set, receives a write-through copy of every mutation.
	Persist store.Store
}

// Store holds memory for all conversations. Short-term holds at most
// ShortTermCapacity items; overflow moves the oldest item to long-term,
// which in turn drops its oldest item beyond LongTermCapacity.
type Store struct {
	convs    map[string]*tiers
	shortCap int
	longCap  int
	persist  store.Store
	now      func() time.Time
	mu       sync.RWMutex
}

// New creates a memory store.
func New(opts Options) *Store {
	if opts.ShortTermCapacity <= 0 {
		opts.ShortTermCapacity = DefaultShortTermCapacity
	}
	if opts.LongTermCapacity <= 0 {
		opts.LongTermCapacity = DefaultLongTermCapacity
	}
	return &Store{
		convs:    make(map[string]*tiers),
		shortCap: opts.ShortTermCapacity,
		longCap:  opts.LongTermCapacity,
		persist:  opts.Persist,
		now:      time.Now,
	}
}

// Create initializes empty tiers for id and returns the snapshot. It is
// idempotent: an existing conversation's snapshot is returned unchanged. It
// fails only for an empty id.
func (s *Store) Create(id string) (Snapshot, bool) {
	if id == "" {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.lookup(id); t != nil {
		return snapshot(id, t), true
	}
	t := &tiers{condensed: Condensed{KeyPoints: []string{}, LastUpdated: s.now()}}
	s.convs[id] = t
	s.save(id)
	return snapshot(id, t), true
}

// AddShortTerm appends an item to the conversation's short-term tier.
func (s *Store) AddShortTerm(id, itemType string, content any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return false
	}
	t.short = append(t.short, Item{Type: itemType, Content: content, Timestamp: s.now()})
	for len(t.short) > s.shortCap {
		oldest := t.short[0]
		t.short = append(t.short[:0:0], t.short[1:]...)
		t.long = append(t.long, oldest)
	}
	if len(t.long) > s.longCap {
		t.long = append(t.long[:0:0], t.long[len(t.long)-s.longCap:]...)
	}
	s.save(id)
	return true
}

// AddLongTerm appends an item directly to the long-term tier.
func (s *Store) AddLongTerm(id, itemType string, content any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return false
	}
	t.long = append(t.long, Item{Type: itemType, Content: content, Timestamp: s.now()})
	if len(t.long) > s.longCap {
		t.long = append(t.long[:0:0], t.long[len(t.long)-s.longCap:]...)
	}
	s.save(id)
	return true
}

// Get returns the full memory of a conversation.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return Snapshot{}, false
	}
	return snapshot(id, t), true
}

// ShortTerm returns up to limit of the most recent short-term items.
func (s *Store) ShortTerm(id string, limit int) ([]Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return nil, false
	}
	return tail(t.short, limit), true
}

// LongTerm returns up to limit of the most recent long-term items.
func (s *Store) LongTerm(id string, limit int) ([]Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return nil, false
	}
	return tail(t.long, limit), true
}

// Condensed returns the condensed memory of a conversation.
func (s *Store) Condensed(id string) (Condensed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return Condensed{}, false
	}
	c := t.condensed
	c.KeyPoints = append([]string{}, c.KeyPoints...)
	return c, true
}

// UpdateCondensed overwrites the provided fields of the condensed memory. A
// nil summary or keyPoints leaves that field unchanged; LastUpdated is always
// refreshed.
func (s *Store) UpdateCondensed(id string, summary *string, keyPoints []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return false
	}
	if summary != nil {
		t.condensed.Summary = *summary
	}
	if keyPoints != nil {
		t.condensed.KeyPoints = append([]string{}, keyPoints...)
	}
	t.condensed.LastUpdated = s.now()
	s.save(id)
	return true
}

// Search returns items whose textual content contains query, case
// insensitively. Short-term matches come first, then long-term, each in
// insertion order. Structured content never matches.
func (s *Store) Search(id, query string) ([]Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return nil, false
	}
	q := strings.ToLower(query)
	out := make([]Item, 0)
	for _, tier := range [][]Item{t.short, t.long} {
		for _, it := range tier {
			if text, ok := it.Text(); ok && strings.Contains(strings.ToLower(text), q) {
				out = append(out, it)
			}
		}
	}
	return out, true
}

// Clear empties both tiers and resets the condensed memory, keeping the
// conversation known.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lookup(id)
	if t == nil {
		return false
	}
	t.short = nil
	t.long = nil
	t.condensed = Condensed{KeyPoints: []string{}, LastUpdated: s.now()}
	s.save(id)
	return true
}

// Delete forgets the conversation entirely.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(id) == nil {
		return false
	}
	delete(s.convs, id)
	if s.persist != nil {
		if err := s.persist.Delete(keyPrefix + id); err != nil {
			slog.Warn("Memory: persist delete failed", "conversation_id", id, "error", err)
		}
	}
	return true
}

// Export returns a snapshot suitable for Import.
func (s *Store) Export(id string) (Snapshot, bool) {
	return s.Get(id)
}

// Import replaces the conversation's memory with snap.
func (s *Store) Import(snap Snapshot) bool {
	if snap.ConversationID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tiers{
		short:     append([]Item(nil), snap.ShortTerm...),
		long:      append([]Item(nil), snap.LongTerm...),
		condensed: snap.Condensed,
	}
	if t.condensed.KeyPoints == nil {
		t.condensed.KeyPoints = []string{}
	}
	if len(t.short) > s.shortCap {
		overflow := len(t.short) - s.shortCap
		t.long = append(t.long, t.short[:overflow]...)
		t.short = t.short[overflow:]
	}
	if len(t.long) > s.longCap {
		t.long = t.long[len(t.long)-s.longCap:]
	}
	s.convs[snap.ConversationID] = t
	s.save(snap.ConversationID)
	return true
}

// IDs returns the ids of conversations currently held in memory.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	return out
}

// lookup returns the tiers for id, restoring them from the persistence
// layer when they are not cached. Callers hold s.mu.
func (s *Store) lookup(id string) *tiers {
	if t, ok := s.convs[id]; ok {
		return t
	}
	if s.persist == nil || id == "" {
		return nil
	}
	data, ok, err := s.persist.Get(keyPrefix + id)
	if err != nil {
		slog.Warn("Memory: persist load failed", "conversation_id", id, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("Memory: corrupt persisted snapshot", "conversation_id", id, "error", err)
		return nil
	}
	t := &tiers{short: snap.ShortTerm, long: snap.LongTerm, condensed: snap.Condensed}
	s.convs[id] = t
	return t
}

// save writes the conversation through to the persistence layer. Failures
// are logged; in-memory state stays authoritative.
func (s *Store) save(id string) {
	if s.persist == nil {
		return
	}
	data, err := json.Marshal(snapshot(id, s.convs[id]))
	if err != nil {
		slog.Warn("Memory: encode snapshot failed", "conversation_id", id, "error", err)
		return
	}
	if err := s.persist.Put(keyPrefix+id, data); err != nil {
		slog.Warn("Memory: persist write failed", "conversation_id", id, "error", err)
	}
}

func snapshot(id string, t *tiers) Snapshot {
	c := t.condensed
	c.KeyPoints = append([]string{}, c.KeyPoints...)
	return Snapshot{
		ConversationID: id,
		ShortTerm:      append([]Item{}, t.short...),
		LongTerm:       append([]Item{}, t.long...),
		Condensed:      c,
	}
}

func tail(items []Item, limit int) []Item {
	if limit <= 0 || limit >= len(items) {
		return append([]Item{}, items...)
	}
	return append([]Item{}, items[len(items)-limit:]...)
}
