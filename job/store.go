package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no job with the given id exists.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a requested state change is not
	// in the legal edge set. The job's state is left unchanged.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Store is the in-memory job store. All state is process-lifetime only.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates an empty job store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		jobs:   make(map[string]*Job),
		logger: logger,
		now:    time.Now,
	}
}

// Create allocates a fresh job in state Requested.
func (s *Store) Create(pageName, agent, code string) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	j := &Job{
		ID:        newID(now),
		PageName:  pageName,
		Agent:     agent,
		Code:      code,
		State:     StateRequested,
		StartedAt: now,
	}
	s.jobs[j.ID] = j

	s.logger.Debug("job created", "id", j.ID, "page", pageName, "agent", agent)
	return *j
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *j, nil
}

// PendingForPage returns the in-flight job for the page, if any.
//
// The single-flight invariant guarantees at most one such job. If the
// invariant has been violated the earliest StartedAt wins, with the smaller
// id as a deterministic tie-break for equal timestamps.
func (s *Store) PendingForPage(pageName string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Job
	for _, j := range s.jobs {
		if j.PageName != pageName || !j.State.InFlight() {
			continue
		}
		if best == nil ||
			j.StartedAt.Before(best.StartedAt) ||
			(j.StartedAt.Equal(best.StartedAt) && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return Job{}, false
	}
	return *best, true
}

// Transition moves the job to a new state. Illegal transitions are rejected
// with ErrInvalidTransition and leave the job untouched.
func (s *Store) Transition(id string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !transitionAllowed(j.State, next) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.State, next, id)
	}
	j.State = next

	s.logger.Debug("job transitioned", "id", id, "state", next)
	return nil
}

// SetResult records the serialized execution outcome on the job.
func (s *Store) SetResult(id, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j.Result = result
	return nil
}

// Remove deletes the job record. The id is never reused.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// List returns a snapshot of all jobs.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Sweep transitions every Dispatched or Started job older than timeout into
// Timeout and returns the affected ids.
func (s *Store) Sweep(now time.Time, timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var timedOut []string
	for id, j := range s.jobs {
		if j.State != StateDispatched && j.State != StateStarted {
			continue
		}
		if now.Sub(j.StartedAt) <= timeout {
			continue
		}
		j.State = StateTimeout
		timedOut = append(timedOut, id)
		s.logger.Warn("job timed out", "id", id, "page", j.PageName)
	}
	return timedOut
}

// Reap removes terminal-state jobs older than retention and returns how many
// were removed.
func (s *Store) Reap(now time.Time, retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, j := range s.jobs {
		if !j.State.Terminal() {
			continue
		}
		if now.Sub(j.StartedAt) <= retention {
			continue
		}
		delete(s.jobs, id)
		removed++
	}
	return removed
}

// Run drives the background sweeper on a fixed interval until ctx is
// cancelled. It is independent of request traffic.
func (s *Store) Run(ctx context.Context, interval, timeout, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now, timeout)
			if n := s.Reap(now, retention); n > 0 {
				s.logger.Debug("reaped terminal jobs", "count", n)
			}
		}
	}
}
