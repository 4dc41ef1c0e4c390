package replog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleRequest = "### 🗣️agent to page at 10:00:00\n\n```js\nconsole.log('test');\n```\n"

func TestParseRequestSimple(t *testing.T) {
	req, err := ParseRequest([]byte(simpleRequest), "page")
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, "agent", req.Agent)
	assert.Equal(t, "page", req.Target)
	assert.Equal(t, "10:00:00", req.Time)
	assert.Contains(t, req.Code, "console.log")
	assert.False(t, req.HasFooter)
}

func TestParseRequestWrongPage(t *testing.T) {
	req, err := ParseRequest([]byte(simpleRequest), "other-page")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestParseRequestAnsweredHasFooter(t *testing.T) {
	log := simpleRequest +
		"\n#### 👍page to agent at 10:00:01 (4ms)\n```JSON\n\"ok\"\n```\n"

	doc, err := ParseDocument([]byte(log))
	require.NoError(t, err)

	reqs := Requests(doc)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].HasFooter)

	// An answered request is never redispatched.
	assert.Nil(t, FindRequest(doc, "page"))
}

func TestParseRequestMostRecentUnanswered(t *testing.T) {
	log := "### 🗣️agent to page at 10:00:00\n\n```js\nfirst();\n```\n" +
		"\n#### 👍page to agent at 10:00:01 (2ms)\n```JSON\nnull\n```\n" +
		"\n### 🗣️agent to page at 10:05:00\n\n```js\nsecond();\n```\n"

	req, err := ParseRequest([]byte(log), "page")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Contains(t, req.Code, "second")
	assert.Equal(t, "10:05:00", req.Time)
}

func TestParseRequestLanguageVariants(t *testing.T) {
	tests := []struct {
		lang string
		want bool
	}{
		{"js", true},
		{"JS", true},
		{"javascript", true},
		{"JavaScript", true},
		{"python", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("lang="+tt.lang, func(t *testing.T) {
			log := "### 🗣️agent to page at 10:00:00\n\n```" + tt.lang + "\n1+1\n```\n"
			req, err := ParseRequest([]byte(log), "page")
			require.NoError(t, err)
			if tt.want {
				assert.NotNil(t, req)
			} else {
				assert.Nil(t, req)
			}
		})
	}
}

func TestParseRequestHeadingWithoutCodeIsIgnored(t *testing.T) {
	log := "### 🗣️agent to page at 10:00:00\n\nJust prose, no fence.\n"
	req, err := ParseRequest([]byte(log), "page")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestParseDocumentUnclosedFence(t *testing.T) {
	log := "### 🗣️agent to page at 10:00:00\n\n```js\nconsole.log('test');\n"
	_, err := ParseDocument([]byte(log))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "unclosed code fence")
}

func TestParseDocumentBareUnclosedFence(t *testing.T) {
	// No info string and no content: still malformed without a closing line.
	_, err := ParseDocument([]byte("```\n"))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "unclosed code fence")

	// The closed empty fence is fine.
	doc, err := ParseDocument([]byte("```\n```\n"))
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 1)
	assert.Equal(t, BlockCode, doc.Blocks[0].Kind)
}

func TestParseDocumentBlockSpans(t *testing.T) {
	src := []byte("# Title\n\nprose here\n\n```js\ncode\n```\n")
	doc, err := ParseDocument(src)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 3)

	for _, b := range doc.Blocks {
		assert.LessOrEqual(t, b.Start, b.End)
		assert.LessOrEqual(t, b.End, len(src))
	}
	assert.Equal(t, "# Title\n", string(src[doc.Blocks[0].Start:doc.Blocks[0].End]))
	assert.Equal(t, "```js\ncode\n```\n", string(src[doc.Blocks[2].Start:doc.Blocks[2].End]))
}

func TestDiffAppendedRequestTriggersDispatch(t *testing.T) {
	oldSrc := "# Title\n\nprose\n"
	newSrc := oldSrc + "\n### 🗣️agent to page at 10:00:00\n\n```js\n1+1\n```\n"

	oldDoc, err := ParseDocument([]byte(oldSrc))
	require.NoError(t, err)
	newDoc, err := ParseDocument([]byte(newSrc))
	require.NoError(t, err)

	changes := Diff(oldDoc, newDoc)
	require.NotEmpty(t, changes)
	assert.True(t, TriggersDispatch(changes))

	var kinds []string
	for _, c := range changes {
		kinds = append(kinds, c.Kind.String())
	}
	assert.Contains(t, kinds, "children-added")
	assert.Contains(t, kinds, "code-block-added")
}

func TestDiffCosmeticEditDoesNotTriggerDispatch(t *testing.T) {
	oldSrc := "# Title\n\nprose here\n"
	newSrc := "# Title\n\nprose here, reworded\n"

	oldDoc, err := ParseDocument([]byte(oldSrc))
	require.NoError(t, err)
	newDoc, err := ParseDocument([]byte(newSrc))
	require.NoError(t, err)

	changes := Diff(oldDoc, newDoc)
	require.Len(t, changes, 1)
	assert.Equal(t, ContentChanged, changes[0].Kind)
	assert.False(t, TriggersDispatch(changes))
}

func TestDiffHeadingEdit(t *testing.T) {
	oldDoc, err := ParseDocument([]byte("## Alpha\n\nbody\n"))
	require.NoError(t, err)
	newDoc, err := ParseDocument([]byte("## Beta\n\nbody\n"))
	require.NoError(t, err)

	changes := Diff(oldDoc, newDoc)
	require.Len(t, changes, 1)
	assert.Equal(t, HeadingChanged, changes[0].Kind)
	assert.False(t, TriggersDispatch(changes))
}

func TestDiffIdenticalDocuments(t *testing.T) {
	src := []byte(simpleRequest)
	a, err := ParseDocument(src)
	require.NoError(t, err)
	b, err := ParseDocument(src)
	require.NoError(t, err)

	assert.Empty(t, Diff(a, b))
}

func TestTrimDecoration(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"🗣️agent to page at 10:00:00", "agent to page at 10:00:00"},
		{"👍page to agent at 10:00:01 (4ms)", "page to agent at 10:00:01 (4ms)"},
		{"  agent to page at 10:00:00", "agent to page at 10:00:00"},
		{"agent to page at 10:00:00", "agent to page at 10:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trimDecoration(tt.in))
	}
}

func TestPagePathHelpers(t *testing.T) {
	path := PagePath("/tmp/root", "my-page")
	assert.True(t, strings.HasSuffix(path, "daebug/my-page.md"))
	assert.Equal(t, "my-page", PageFromPath(path))
	assert.Equal(t, "", PageFromPath("/tmp/root/daebug/notes.txt"))
}
