package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daebughq/daebug/job"
	"github.com/daebughq/daebug/replog"
)

func pollVia(t *testing.T, server *httptest.Server, name, pageURL string) PollResponse {
	t.Helper()
	resp, err := http.Get(server.URL + "/daebug?name=" + url.QueryEscape(name) + "&url=" + url.QueryEscape(pageURL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out PollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postResult(t *testing.T, server *httptest.Server, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/daebug", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	d, _ := newTestDispatcher(t)
	server := httptest.NewServer(d.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "daebug is running")
}

func TestPollRequiresName(t *testing.T) {
	d, _ := newTestDispatcher(t)
	server := httptest.NewServer(d.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/daebug?url=http://x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResultRejectsMalformedBody(t *testing.T) {
	d, _ := newTestDispatcher(t)
	server := httptest.NewServer(d.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/daebug", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := postResult(t, server, map[string]any{"ok": true})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

// End-to-end: poll with nothing pending, request appears in the log, poll
// dispatches it, result lands in the log and finishes the job.
func TestPollResultRoundTrip(t *testing.T) {
	d, root := newTestDispatcher(t)
	server := httptest.NewServer(d.Router())
	defer server.Close()

	empty := pollVia(t, server, "test-page", "http://localhost:3000")
	assert.Nil(t, empty.Code)
	assert.Nil(t, empty.JobID)

	writePageLog(t, root, "test-page",
		"### 🗣️agent to test-page at 10:00:00\n\n```js\n40+2\n```\n")
	require.NoError(t, d.Scan("test-page"))

	dispatched := pollVia(t, server, "test-page", "http://localhost:3000")
	require.NotNil(t, dispatched.Code)
	require.NotNil(t, dispatched.JobID)
	assert.Contains(t, *dispatched.Code, "40+2")

	resp := postResult(t, server, map[string]any{
		"job_id": *dispatched.JobID,
		"ok":     true,
		"value":  42,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := os.ReadFile(replog.PagePath(root, "test-page"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "```JSON\n42\n```")

	// Nothing pending anymore.
	again := pollVia(t, server, "test-page", "http://localhost:3000")
	assert.Nil(t, again.JobID)
}

func TestRegistryListing(t *testing.T) {
	d, _ := newTestDispatcher(t)
	server := httptest.NewServer(d.Router())
	defer server.Close()

	pollVia(t, server, "beta", "http://b")
	pollVia(t, server, "alpha", "http://a")

	resp, err := http.Get(server.URL + "/daebug.md")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "# 👾 daebug registry")
	assert.Contains(t, text, "- **alpha** - http://a - idle")
	assert.Contains(t, text, "- **beta** - http://b - idle")
	assert.Less(t, strings.Index(text, "alpha"), strings.Index(text, "beta"))
}

func TestResultWriteFailureReturns500(t *testing.T) {
	d, _ := newTestDispatcher(t)
	server := httptest.NewServer(d.Router())
	defer server.Close()

	// A dispatched job whose page log has no matching unanswered request:
	// the reply write cannot be anchored and must surface as a server error.
	j := d.jobs.Create("ghost-page", "agent", "1+1")
	require.NoError(t, d.jobs.Transition(j.ID, job.StateDispatched))
	writePageLog(t, d.root, "ghost-page", "# ghost-page\n")

	resp := postResult(t, server, map[string]any{
		"job_id": j.ID,
		"ok":     true,
		"value":  1,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
