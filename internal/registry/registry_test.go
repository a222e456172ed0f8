package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *time.Time) {
	r := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegisterAndIndex(t *testing.T) {
	r, _ := newTestRegistry()
	require.True(t, r.RegisterWorker("thinker", "Thinker", "http://localhost:3001", []string{"thinking", "planning"}, true))
	require.True(t, r.RegisterWorker("search", "Search", "http://localhost:3002", []string{"search", "thinking"}, true))

	assert.Equal(t, []string{"thinker", "search"}, r.FindByCapability("thinking"))
	assert.Equal(t, []string{"thinker"}, r.FindByCapability("planning"))
	assert.Empty(t, r.FindByCapability("unknown"))

	w, ok := r.Get("thinker")
	require.True(t, ok)
	assert.Equal(t, StatusActive, w.Status)
	assert.True(t, w.SupportsStreaming)
	assert.False(t, w.RegisteredAt.IsZero())
}

func TestRegisterDuplicateKeepsOriginal(t *testing.T) {
	r, _ := newTestRegistry()
	require.True(t, r.RegisterWorker("w", "first", "http://a", []string{"x"}, false))
	assert.False(t, r.RegisterWorker("w", "second", "http://b", []string{"y"}, true))

	w, _ := r.Get("w")
	assert.Equal(t, "first", w.Name)
	assert.Empty(t, r.FindByCapability("y"))
}

func TestRegisterDedupesCapabilities(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("w", "w", "http://a", []string{"x", "x", " ", "y"}, false)
	assert.Equal(t, []string{"w"}, r.FindByCapability("x"))
	w, _ := r.Get("w")
	assert.Equal(t, []string{"x", "y"}, w.Capabilities)
}

func TestUnregisterRemovesFromIndex(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("a", "a", "http://a", []string{"x", "y"}, false)
	r.RegisterWorker("b", "b", "http://b", []string{"x"}, false)

	require.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, []string{"b"}, r.FindByCapability("x"))
	assert.Empty(t, r.FindByCapability("y"))
	_, hasY := r.index["y"]
	assert.False(t, hasY, "empty bucket should be dropped")

	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestFindBestForTask(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("search", "s", "http://s", []string{"search", "information_retrieval"}, true)
	r.RegisterWorker("thinker", "t", "http://t", []string{"thinking", "reasoning", "planning"}, true)

	id, ok := r.FindBestForTask([]string{"reasoning", "planning", "search"})
	require.True(t, ok)
	assert.Equal(t, "thinker", id)

	_, ok = r.FindBestForTask([]string{"cooking"})
	assert.False(t, ok)

	_, ok = r.FindBestForTask(nil)
	assert.False(t, ok)
}

func TestFindBestForTaskTieGoesToFirstScored(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("a", "a", "http://a", []string{"x"}, false)
	r.RegisterWorker("b", "b", "http://b", []string{"y"}, false)

	id, _ := r.FindBestForTask([]string{"y", "x"})
	assert.Equal(t, "b", id)
	id, _ = r.FindBestForTask([]string{"x", "y"})
	assert.Equal(t, "a", id)
}

func TestFindBestForTaskIgnoresDuplicateRequirements(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("a", "a", "http://a", []string{"x"}, false)
	r.RegisterWorker("b", "b", "http://b", []string{"y", "z"}, false)

	id, _ := r.FindBestForTask([]string{"x", "x", "x", "y", "z"})
	assert.Equal(t, "b", id)
}

func TestMarkActiveAndListInactive(t *testing.T) {
	r, now := newTestRegistry()
	r.RegisterWorker("a", "a", "http://a", nil, false)
	r.RegisterWorker("b", "b", "http://b", nil, false)

	*now = now.Add(10 * time.Minute)
	require.True(t, r.MarkActive("b"))
	assert.False(t, r.MarkActive("missing"))

	assert.Equal(t, []string{"a"}, r.ListInactive(5*time.Minute))
	assert.Empty(t, r.ListInactive(time.Hour))
}

func TestUpdateStatus(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("a", "a", "http://a", nil, false)

	assert.True(t, r.UpdateStatus("a", StatusError))
	w, _ := r.Get("a")
	assert.Equal(t, StatusError, w.Status)

	assert.False(t, r.UpdateStatus("a", Status("sleeping")))
	assert.False(t, r.UpdateStatus("missing", StatusActive))

	r.MarkActive("a")
	w, _ = r.Get("a")
	assert.Equal(t, StatusActive, w.Status)
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterWorker("a", "a", "http://a", []string{"x"}, false)
	w, _ := r.Get("a")
	w.Capabilities[0] = "mutated"
	again, _ := r.Get("a")
	assert.Equal(t, "x", again.Capabilities[0])
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r, _ := newTestRegistry()
	assert.False(t, r.RegisterWorker("  ", "n", "http://a", nil, false))
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			r.RegisterWorker(id, id, "http://x", []string{"shared"}, false)
			r.FindBestForTask([]string{"shared"})
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.FindByCapability("shared"), 10)
	assert.Equal(t, 10, r.Len())
}
