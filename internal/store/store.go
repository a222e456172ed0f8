// Package store provides the key-value persistence behind conversation and
// memory state.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is a flat key-value store. Keys are hierarchical by convention
// ("conversations/<id>", "memory/<id>") and List filters by prefix.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	List(prefix string) ([]string, error)
	Close() error
}

// Open returns a Store for the given driver. "sqlite" uses the pure-Go
// modernc driver, "sqlite3" the cgo mattn driver, and "memory" keeps
// everything in process.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewInMemory(), nil
	case DriverModernc, DriverMattn:
		return OpenSQLite(driver, path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// InMemory is a map-backed Store.
type InMemory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemory creates an empty in-process store.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string][]byte)}
}

func (m *InMemory) Put(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.mu.Lock()
	m.data[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *InMemory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, true, nil
}

func (m *InMemory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *InMemory) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *InMemory) Close() error { return nil }
