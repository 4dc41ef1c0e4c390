// Package dispatch composes the job store, page registry, log parser and
// log writer into the poll/result protocol.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/daebughq/daebug/job"
	"github.com/daebughq/daebug/registry"
	"github.com/daebughq/daebug/replog"
	"github.com/daebughq/daebug/watch"
)

// Dispatcher drives the request/response cycle between agents and pages.
type Dispatcher struct {
	root    string
	jobs    *job.Store
	pages   *registry.Registry
	writer  *replog.Writer
	logger  *slog.Logger
	metrics *Metrics

	// Per-page parse memory, touched only by the scan path.
	scanMu   sync.Mutex
	lastGood map[string]*replog.Document // last known-good parse
	lastHash map[string]string           // content hash at last scan

	now func() time.Time
}

// New creates a dispatcher. metrics may be nil to disable instrumentation.
func New(root string, jobs *job.Store, pages *registry.Registry, writer *replog.Writer, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		root:     root,
		jobs:     jobs,
		pages:    pages,
		writer:   writer,
		logger:   logger,
		metrics:  metrics,
		lastGood: make(map[string]*replog.Document),
		lastHash: make(map[string]string),
		now:      time.Now,
	}
}

// PollResponse is the payload handed to a polling page. Both fields are nil
// when nothing is pending.
type PollResponse struct {
	Code  *string `json:"code"`
	JobID *string `json:"job_id"`
}

// ResultPayload is a page's report of an executed job.
type ResultPayload struct {
	JobID string          `json:"job_id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Poll registers page presence and hands over the pending job, if any.
// A job is handed over exactly once: only a Requested job transitions to
// Dispatched here. A job already in flight stays with its original dispatch
// until it finishes or the sweeper times it out.
func (d *Dispatcher) Poll(name, url string) PollResponse {
	d.metrics.Polls.Inc()

	d.pages.GetOrCreate(name, url)
	d.pages.Touch(name)

	if err := d.writer.EnsureLog(name); err != nil {
		d.logger.Warn("ensure log failed", "page", name, "error", err)
	}

	pending, ok := d.jobs.PendingForPage(name)
	if !ok || pending.State != job.StateRequested {
		return PollResponse{}
	}
	if err := d.jobs.Transition(pending.ID, job.StateDispatched); err != nil {
		// Lost the race with a concurrent poll for the same page.
		d.logger.Debug("dispatch race", "job", pending.ID, "error", err)
		return PollResponse{}
	}
	d.pages.UpdateState(name, registry.PageExecuting)

	d.logger.Info("job dispatched", "job", pending.ID, "page", name)
	code, id := pending.Code, pending.ID
	return PollResponse{Code: &code, JobID: &id}
}

// Result records an execution outcome: the job is claimed by advancing its
// state before the reply is written, so a re-posted result for a settled job
// never places a second reply. An unknown job id is a no-op, never fatal.
func (d *Dispatcher) Result(res ResultPayload) error {
	j, err := d.jobs.Get(res.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			d.logger.Warn("result for unknown job", "job", res.JobID)
			return nil
		}
		return err
	}

	// Only an in-flight job may receive a reply. Claiming Started here is
	// the at-most-once guard the writer relies on; duplicates and results
	// for never-dispatched jobs are dropped.
	switch j.State {
	case job.StateDispatched:
		if err := d.jobs.Transition(res.JobID, job.StateStarted); err != nil {
			d.logger.Warn("lost result race", "job", res.JobID, "error", err)
			return nil
		}
	case job.StateStarted:
		// A previous write attempt failed; let the retry through.
	default:
		d.logger.Warn("result for job not in flight", "job", res.JobID, "state", j.State)
		return nil
	}

	var rendered string
	if res.OK {
		rendered = renderValue(res.Value)
	} else {
		rendered = res.Error
	}

	duration := d.now().Sub(j.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	target := replog.ReplyTarget{Agent: j.Agent, Code: j.Code}
	written, err := d.writer.WriteReply(j.PageName, target, rendered, duration)
	if err != nil {
		d.metrics.WriteFailures.Inc()
		d.pages.UpdateState(j.PageName, registry.PageFailed)
		return fmt.Errorf("write reply for job %s: %w", res.JobID, err)
	}
	d.markOwnWrite(j.PageName, written)

	final := job.StateFinished
	pageState := registry.PageIdle
	if !res.OK {
		final = job.StateFailed
		pageState = registry.PageFailed
	}
	if err := d.jobs.Transition(res.JobID, final); err != nil {
		d.logger.Warn("job finish transition rejected", "job", res.JobID, "error", err)
	}
	if err := d.jobs.SetResult(res.JobID, rendered); err != nil {
		d.logger.Warn("record result failed", "job", res.JobID, "error", err)
	}
	d.pages.UpdateState(j.PageName, pageState)

	d.metrics.Results.WithLabelValues(okLabel(res.OK)).Inc()
	d.metrics.JobDuration.Observe(float64(duration) / 1000)
	d.logger.Info("job completed", "job", res.JobID, "page", j.PageName, "ok", res.OK, "duration_ms", duration)
	return nil
}

// renderValue pretty-prints a JSON result value the way it appears inside
// the reply fence.
func renderValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

func okLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// Scan re-parses a page's log and creates a Requested job when a new
// unanswered request appears. The content hash of our own last write
// suppresses the rescan the writer's reply triggers.
func (d *Dispatcher) Scan(page string) error {
	path := replog.PagePath(d.root, page)
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			d.forget(page)
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	hash := contentHash(src)

	d.scanMu.Lock()
	unchanged := d.lastHash[page] == hash
	prev := d.lastGood[page]
	d.scanMu.Unlock()
	if unchanged {
		return nil
	}

	doc, err := replog.ParseDocument(src)
	if err != nil {
		// Keep the last known-good document; skip this reparse.
		d.metrics.ParseErrors.Inc()
		d.logger.Warn("log parse failed", "page", page, "error", err)
		return err
	}

	d.scanMu.Lock()
	d.lastGood[page] = doc
	d.lastHash[page] = hash
	d.scanMu.Unlock()

	if prev != nil {
		if changes := replog.Diff(prev, doc); !replog.TriggersDispatch(changes) {
			return nil
		}
	}

	req := replog.FindRequest(doc, page)
	if req == nil {
		return nil
	}
	if _, inFlight := d.jobs.PendingForPage(page); inFlight {
		// Single-flight: the outstanding job must settle first.
		d.logger.Debug("request found but job already in flight", "page", page)
		return nil
	}

	j := d.jobs.Create(page, req.Agent, req.Code)
	d.metrics.JobsCreated.Inc()
	d.logger.Info("job created from log", "job", j.ID, "page", page, "agent", req.Agent)
	return nil
}

// ScanAll scans every existing page log under the root, used at startup to
// pick up requests written while the server was down.
func (d *Dispatcher) ScanAll() error {
	dir := filepath.Join(d.root, replog.LogDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read log dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		if err := d.Scan(strings.TrimSuffix(name, ".md")); err != nil {
			d.logger.Warn("startup scan failed", "file", name, "error", err)
		}
	}
	return nil
}

// Run drains watcher events until ctx is cancelled. Delivery is off any
// request-handling path.
func (d *Dispatcher) Run(ctx context.Context, events <-chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Operation == watch.OpRemove {
				d.forget(ev.Page)
				continue
			}
			if err := d.Scan(ev.Page); err != nil {
				d.logger.Debug("scan failed", "page", ev.Page, "error", err)
			}
		}
	}
}

// markOwnWrite records the exact bytes the writer persisted so the
// notification for our own reply does not trigger a redundant reparse. An
// external edit landing after the write produces different file bytes and is
// never masked.
func (d *Dispatcher) markOwnWrite(page string, src []byte) {
	doc, err := replog.ParseDocument(src)
	if err != nil {
		return
	}
	d.scanMu.Lock()
	d.lastHash[page] = contentHash(src)
	d.lastGood[page] = doc
	d.scanMu.Unlock()
}

func (d *Dispatcher) forget(page string) {
	d.scanMu.Lock()
	delete(d.lastGood, page)
	delete(d.lastHash, page)
	d.scanMu.Unlock()
}

func contentHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}
