// Package registry tracks the presence and state of connected pages.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PageState is the execution state of a page.
type PageState string

const (
	PageIdle      PageState = "idle"
	PageExecuting PageState = "executing"
	PageFailed    PageState = "failed"
)

// Page is a browser or worker client known to the server.
type Page struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
	State    PageState `json:"state"`
}

// Registry is the in-memory page registry. Presence does not survive a
// process restart.
type Registry struct {
	mu     sync.RWMutex
	pages  map[string]*Page
	logger *slog.Logger

	now func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pages:  make(map[string]*Page),
		logger: logger,
		now:    time.Now,
	}
}

// GetOrCreate returns the page with the given name, creating it in state
// Idle on first sight. The URL of an existing page is not overwritten;
// a page only picks up a new URL after it has been evicted and re-created.
func (r *Registry) GetOrCreate(name, url string) Page {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pages[name]; ok {
		return *p
	}
	p := &Page{
		Name:     name,
		URL:      url,
		LastSeen: r.now(),
		State:    PageIdle,
	}
	r.pages[name] = p
	r.logger.Info("page registered", "name", name, "url", url)
	return *p
}

// UpdateState sets the page state and refreshes LastSeen. Unknown pages are
// a no-op: the boundary caller should have called GetOrCreate first.
func (r *Registry) UpdateState(name string, state PageState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pages[name]
	if !ok {
		return
	}
	p.State = state
	p.LastSeen = r.now()
}

// Touch refreshes LastSeen without changing state. No-op for unknown pages.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pages[name]; ok {
		p.LastSeen = r.now()
	}
}

// List returns a snapshot of all pages. Order is not specified.
func (r *Registry) List() []Page {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Page, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, *p)
	}
	return out
}

// EvictStale removes pages not seen within ttl and returns their names.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for name, p := range r.pages {
		if now.Sub(p.LastSeen) <= ttl {
			continue
		}
		delete(r.pages, name)
		evicted = append(evicted, name)
		r.logger.Info("page evicted", "name", name, "last_seen", p.LastSeen)
	}
	return evicted
}

// Run drives the stale-page evictor on a fixed interval until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictStale(now, ttl)
		}
	}
}
