package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreate(t *testing.T) {
	r := New(nil)
	p := r.GetOrCreate("test-page", "http://localhost:8080")

	assert.Equal(t, "test-page", p.Name)
	assert.Equal(t, "http://localhost:8080", p.URL)
	assert.Equal(t, PageIdle, p.State)
	assert.False(t, p.LastSeen.IsZero())
}

func TestGetOrCreateDoesNotOverwriteURL(t *testing.T) {
	r := New(nil)
	r.GetOrCreate("test-page", "http://localhost:8080")
	p := r.GetOrCreate("test-page", "http://other:9999")

	assert.Equal(t, "http://localhost:8080", p.URL)
}

func TestUpdateState(t *testing.T) {
	r := New(nil)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	r.GetOrCreate("test-page", "http://localhost:8080")
	clock = base.Add(time.Minute)
	r.UpdateState("test-page", PageExecuting)

	pages := r.List()
	require.Len(t, pages, 1)
	assert.Equal(t, PageExecuting, pages[0].State)
	assert.Equal(t, base.Add(time.Minute), pages[0].LastSeen)
}

func TestUpdateStateUnknownPageIsNoop(t *testing.T) {
	r := New(nil)
	r.UpdateState("ghost", PageFailed)
	assert.Empty(t, r.List())
}

func TestEvictStale(t *testing.T) {
	r := New(nil)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	r.GetOrCreate("old", "http://a")
	clock = base.Add(4 * time.Minute)
	r.GetOrCreate("fresh", "http://b")

	evicted := r.EvictStale(base.Add(5*time.Minute), 2*time.Minute)
	assert.Equal(t, []string{"old"}, evicted)

	pages := r.List()
	require.Len(t, pages, 1)
	assert.Equal(t, "fresh", pages[0].Name)

	// After eviction a re-created page picks up its new URL.
	p := r.GetOrCreate("old", "http://new")
	assert.Equal(t, "http://new", p.URL)
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	r := New(nil)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	r.GetOrCreate("test-page", "http://a")
	clock = base.Add(time.Hour)
	r.Touch("test-page")

	evicted := r.EvictStale(base.Add(time.Hour+time.Second), 5*time.Minute)
	assert.Empty(t, evicted)
}
