// Package watch observes filesystem changes to page log files and emits
// coalesced change notifications.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/daebughq/daebug/replog"
)

// Operation indicates the type of file change.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpRemove Operation = "remove"
)

// Event is one coalesced change to a page's log file.
type Event struct {
	// Page is the page name derived from the file name.
	Page string

	// Path is the absolute path of the changed file.
	Path string

	Operation Operation
}

// Config configures the watcher.
type Config struct {
	// Root is the server root; logs live under <root>/daebug.
	Root string

	// DebounceDelay is how long to wait for more changes before emitting.
	// The writer's own writes retrigger notifications, so bursts within
	// this window collapse into one event per page.
	DebounceDelay time.Duration

	// Logger for watch events.
	Logger *slog.Logger
}

// Watcher wraps fsnotify with per-page debouncing. Delivery is ordered and
// never drops: events queue internally until the consumer drains them, so
// the fsnotify callback path never blocks.
type Watcher struct {
	config  Config
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Debouncing: collect changes before emitting.
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op // path -> accumulated ops

	// Unbounded ordered delivery queue.
	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}

	events chan Event
}

// New creates a watcher for the log directory under config.Root.
func New(config Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 200 * time.Millisecond
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		logger:  logger,
		pending: make(map[string]fsnotify.Op),
		wake:    make(chan struct{}, 1),
		events:  make(chan Event),
	}, nil
}

// Events returns the channel of coalesced change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// LogDir returns the watched log directory.
func (w *Watcher) LogDir() string {
	return filepath.Join(w.config.Root, replog.LogDirName)
}

// WatchDirectory watches the whole log directory, creating it if needed.
func (w *Watcher) WatchDirectory() error {
	dir := w.LogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Debug("watching directory", "dir", dir)
	return nil
}

// WatchPage watches a single page's log file. The file must exist.
func (w *Watcher) WatchPage(page string) error {
	path := replog.PagePath(w.config.Root, page)
	if err := w.watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w.logger.Debug("watching page", "page", page, "path", path)
	return nil
}

// Start begins processing filesystem events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
	go w.deliver(ctx)
	w.logger.Info("file watcher started",
		"dir", w.LogDir(),
		"debounce", w.config.DebounceDelay)
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents accumulates fsnotify events and flushes them on the
// debounce tick.
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent records a single fsnotify event for the next flush.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name
	if !strings.HasSuffix(path, ".md") {
		return
	}
	// Temp files from atomic writes are invisible until renamed into place.
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] |= event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("file change detected", "path", path, "op", event.Op.String())
}

// flushPending coalesces accumulated changes into one event per page.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		page := replog.PageFromPath(path)
		if page == "" {
			continue
		}

		ev := Event{Page: page, Path: path, Operation: OpModify}
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			if _, err := os.Stat(path); os.IsNotExist(err) {
				ev.Operation = OpRemove
			}
		case op.Has(fsnotify.Create):
			ev.Operation = OpCreate
		}

		w.enqueue(ev)
	}
}

// enqueue appends an event to the delivery queue without ever blocking.
func (w *Watcher) enqueue(ev Event) {
	w.queueMu.Lock()
	w.queue = append(w.queue, ev)
	w.queueMu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// deliver drains the queue to the events channel in order.
func (w *Watcher) deliver(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			w.queueMu.Lock()
			if len(w.queue) == 0 {
				w.queueMu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.queueMu.Unlock()

			select {
			case <-ctx.Done():
				return
			case w.events <- ev:
			}
		}
	}
}
