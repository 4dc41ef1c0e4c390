package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterRoutes registers the HTTP surface on r:
//
//	GET  /health    liveness string
//	GET  /daebug    poll: ?name=<page>&url=<url> -> {code, job_id}
//	POST /daebug    result: {job_id, ok, value?, error?}
//	GET  /daebug.md rendered listing of registered pages
func (d *Dispatcher) RegisterRoutes(r chi.Router) {
	r.Get("/health", d.handleHealth)
	r.Get("/daebug", d.handlePoll)
	r.Post("/daebug", d.handleResult)
	r.Get("/daebug.md", d.handleRegistry)
}

// Router builds a standalone router with the full surface registered.
func (d *Dispatcher) Router() chi.Router {
	r := chi.NewRouter()
	d.RegisterRoutes(r)
	return r
}

// ----------------------------------------------------------------------------
// GET /health
// ----------------------------------------------------------------------------

func (d *Dispatcher) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "👾 daebug is running")
}

// ----------------------------------------------------------------------------
// GET /daebug
// ----------------------------------------------------------------------------

func (d *Dispatcher) handlePoll(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	url := r.URL.Query().Get("url")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, d.Poll(name, url))
}

// ----------------------------------------------------------------------------
// POST /daebug
// ----------------------------------------------------------------------------

func (d *Dispatcher) handleResult(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var payload ResultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.JobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}

	if err := d.Result(payload); err != nil {
		d.logger.Error("result handling failed", "job", payload.JobID, "error", err)
		http.Error(w, "failed to record result", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ----------------------------------------------------------------------------
// GET /daebug.md
// ----------------------------------------------------------------------------

// handleRegistry renders the page registry as markdown, mirroring the log
// format agents already read.
func (d *Dispatcher) handleRegistry(w http.ResponseWriter, _ *http.Request) {
	pages := d.pages.List()
	sort.Slice(pages, func(i, j int) bool { return pages[i].Name < pages[j].Name })

	var b strings.Builder
	b.WriteString("# 👾 daebug registry\n\n")
	for _, p := range pages {
		fmt.Fprintf(&b, "- **%s** - %s - %s\n", p.Name, p.URL, p.State)
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, b.String())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
