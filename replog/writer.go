package replog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogDirName is the directory under the root that holds per-page logs.
const LogDirName = "daebug"

// testResultsMarker is the heading text of the bounded results section.
const testResultsMarker = "Test Results"

// ErrNoRequest is returned when a reply has no unanswered request block to
// anchor to.
var ErrNoRequest = errors.New("no unanswered request block")

// PagePath returns the log file path for a page: <root>/daebug/<page>.md.
func PagePath(root, page string) string {
	return filepath.Join(root, LogDirName, page+".md")
}

// PageFromPath derives the page name from a log file path, or "" if the path
// is not a page log.
func PageFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".md") {
		return ""
	}
	return strings.TrimSuffix(base, ".md")
}

// Writer mutates page logs in place. Writes to the same page are serialized
// by a per-page lock; writes to different pages never block each other. The
// lock table itself is guarded independently, so acquiring one page's lock
// cannot stall unrelated pages.
type Writer struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewWriter creates a writer rooted at root.
func NewWriter(root string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		root:   root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// pageLock returns the lock for a page, creating it on first use. The outer
// mutex is released before the page lock is ever acquired.
func (w *Writer) pageLock(page string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.locks[page]
	if !ok {
		l = &sync.Mutex{}
		w.locks[page] = l
	}
	return l
}

// EnsureLog creates an empty log with a title heading for a page that has
// none yet. Existing logs are never touched.
func (w *Writer) EnsureLog(page string) error {
	l := w.pageLock(page)
	l.Lock()
	defer l.Unlock()

	path := PagePath(w.root, page)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	initial := fmt.Sprintf("# %s\n", page)
	if err := writeFileAtomic(path, []byte(initial)); err != nil {
		return err
	}
	w.logger.Info("log created", "page", page, "path", path)
	return nil
}

// ReplyTarget identifies the request a reply answers: the agent and code the
// job was created from.
type ReplyTarget struct {
	Agent string
	Code  string
}

// findAnchor returns the earliest unanswered request for page matching the
// target's agent and code, or nil when none does. An answered request never
// matches, so a stray second write for the same job finds no anchor.
func findAnchor(doc *Document, page string, target ReplyTarget) *Request {
	for _, req := range Requests(doc) {
		if req.Target != page || req.HasFooter {
			continue
		}
		if req.Agent != target.Agent {
			continue
		}
		if strings.TrimSpace(req.Code) != strings.TrimSpace(target.Code) {
			continue
		}
		r := req
		return &r
	}
	return nil
}

// WriteReply inserts a reply block immediately after the code fence of the
// request identified by target.
//
// The file is re-read and re-parsed under the page lock and the anchor is
// matched by the target's identity, so the reply stays attached to its own
// request even when concurrent edits appended further requests after it. The
// caller guarantees at-most-once invocation per job by advancing job state
// before writing. The persisted file content is returned so the caller can
// recognize its own write when the change notification arrives.
func (w *Writer) WriteReply(page string, target ReplyTarget, result string, durationMS int64) ([]byte, error) {
	l := w.pageLock(page)
	l.Lock()
	defer l.Unlock()

	path := PagePath(w.root, page)
	src, err := readFileRetry(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	doc, err := ParseDocument(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	req := findAnchor(doc, page, target)
	if req == nil {
		return nil, fmt.Errorf("%w for page %s", ErrNoRequest, page)
	}

	reply := fmt.Sprintf("\n#### 👍%s to agent at %s (%dms)\n```JSON\n%s\n```\n",
		page,
		w.now().Format("15:04:05"),
		durationMS,
		strings.TrimRight(result, "\n"))

	out := make([]byte, 0, len(src)+len(reply))
	out = append(out, src[:req.CodeEnd]...)
	out = append(out, reply...)
	out = append(out, src[req.CodeEnd:]...)

	if err := writeFileAtomic(path, out); err != nil {
		return nil, err
	}
	w.logger.Debug("reply written", "page", page, "duration_ms", durationMS)
	return out, nil
}

// UpdateTestResults replaces the span between the "## Test Results" heading
// and the next heading of equal or higher level with content, or appends the
// section when absent. The heading is matched against parsed heading nodes,
// never by substring: the marker text can legitimately appear inside a code
// block. Applying the same content twice is byte-idempotent.
func (w *Writer) UpdateTestResults(page, content string) error {
	l := w.pageLock(page)
	l.Lock()
	defer l.Unlock()

	path := PagePath(w.root, page)
	src, err := readFileRetry(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	doc, err := ParseDocument(src)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	trimmed := strings.TrimRight(content, "\n")

	section := -1
	for i, b := range doc.Blocks {
		if b.Kind == BlockHeading && b.Level == 2 && strings.TrimSpace(b.Text) == testResultsMarker {
			section = i
			break
		}
	}

	var out []byte
	if section == -1 {
		base := strings.TrimRight(string(src), "\n")
		if base == "" {
			out = []byte("## " + testResultsMarker + "\n\n" + trimmed + "\n")
		} else {
			out = []byte(base + "\n\n## " + testResultsMarker + "\n\n" + trimmed + "\n")
		}
	} else {
		heading := doc.Blocks[section]
		next := len(src)
		followed := false
		for _, b := range doc.Blocks[section+1:] {
			if b.Kind == BlockHeading && b.Level <= heading.Level {
				next = b.Start
				followed = true
				break
			}
		}
		body := "\n" + trimmed + "\n"
		if followed {
			body += "\n"
		}
		out = make([]byte, 0, heading.End+len(body)+len(src)-next)
		out = append(out, src[:heading.End]...)
		out = append(out, body...)
		out = append(out, src[next:]...)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return writeFileAtomic(path, out)
}

// readFileRetry reads a file, retrying once on transient failure.
func readFileRetry(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil || os.IsNotExist(err) {
		return data, err
	}
	time.Sleep(10 * time.Millisecond)
	return os.ReadFile(path)
}

// writeFileAtomic persists data via write-to-temp-then-rename so a crash
// mid-write never leaves a truncated log.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
