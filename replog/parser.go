package replog

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// ParseError reports a malformed log document. Callers must retain their
// last known-good Document instead of discarding state.
type ParseError struct {
	Line int // 1-based, 0 when unknown
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("parse error: %s", e.Msg)
}

// Request is an unanswered request block extracted from a log: code an agent
// wants a page to execute. It is transient; a Job is created from it.
type Request struct {
	Agent  string
	Target string
	Time   string
	Code   string

	// HasFooter marks a request that already has a reply block and must
	// not be redispatched.
	HasFooter bool

	// HeadingIndex is the block index of the request heading.
	HeadingIndex int

	// CodeEnd is the byte offset just past the request's code fence,
	// the anchor for reply insertion.
	CodeEnd int
}

// Request headings look like "🗣️agent to page at 10:00:00"; reply headings
// like "👍page to agent at 10:00:01 (4ms)". The emoji decoration is stripped
// before matching.
var (
	requestHeadingRe = regexp.MustCompile(`^([\w.-]+) to ([\w.-]+) at (\d{2}:\d{2}:\d{2})$`)
	replyHeadingRe   = regexp.MustCompile(`^([\w.-]+) to agent at (\d{2}:\d{2}:\d{2}) \((\d+)ms\)$`)
)

// trimDecoration strips leading emoji, variation selectors and whitespace
// from a heading.
func trimDecoration(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-')
	})
}

func isRequestFenceLang(lang string) bool {
	return lang == "js" || lang == "javascript"
}

func isReplyFenceLang(lang string) bool {
	return lang == "json"
}

// isFenceLine reports whether a raw line opens or closes a code fence.
func isFenceLine(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// ParseDocument parses a whole log file into block structure. A document the
// grammar cannot account for (an unclosed code fence) yields a *ParseError.
func ParseDocument(src []byte) (*Document, error) {
	idx := newLineIndex(src)
	root := md.Parser().Parse(gtext.NewReader(src))

	doc := &Document{Source: src}
	cursor := 0
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		b, err := buildBlock(n, src, idx, cursor)
		if err != nil {
			return nil, err
		}
		if b.End > cursor {
			cursor = b.End
		}
		doc.Blocks = append(doc.Blocks, b)
	}
	return doc, nil
}

// buildBlock derives one top-level Block with a whole-line byte span.
// cursor is the end of the previous block, used to locate nodes goldmark
// gives no segments for.
func buildBlock(n ast.Node, src []byte, idx *lineIndex, cursor int) (Block, error) {
	segStart, segStop, hasSegs := segmentBounds(n, src)

	var b Block
	switch node := n.(type) {
	case *ast.Heading:
		b.Kind = BlockHeading
		b.Level = node.Level
		b.Text = headingText(node, src)

	case *ast.FencedCodeBlock:
		b.Kind = BlockCode
		b.Lang = strings.ToLower(string(node.Language(src)))
		b.Code = segmentsText(node.Lines(), src)

	default:
		b.Kind = BlockOther
	}

	if _, isFence := n.(*ast.FencedCodeBlock); isFence && !hasSegs {
		// A bare empty fence carries no segments at all. Locate it by line
		// from the previous block's end; without a closing fence line it is
		// as malformed as any other unclosed fence.
		openLine, closeLine := -1, -1
		for ln := idx.lineOf(cursor); ln < idx.count(); ln++ {
			if isFenceLine(idx.lineText(src, ln)) {
				openLine = ln
				break
			}
		}
		if openLine >= 0 {
			for ln := openLine + 1; ln < idx.count(); ln++ {
				if isFenceLine(idx.lineText(src, ln)) {
					closeLine = ln
					break
				}
			}
		}
		if openLine < 0 || closeLine < 0 {
			return Block{}, &ParseError{Line: openLine + 1, Msg: "unclosed code fence"}
		}
		b.Start = idx.lineStart(openLine)
		b.End = idx.lineEnd(closeLine)
		b.Hash = blockHash(src[b.Start:b.End], b.Kind)
		return b, nil
	}

	if !hasSegs {
		// No segments anywhere (thematic breaks and the like). Zero-width
		// span at the current cursor keeps offsets ordered.
		b.Start, b.End = cursor, cursor
		b.Hash = blockHash(nil, b.Kind)
		return b, nil
	}

	startLine := idx.lineOf(segStart)
	endLine := startLine
	if segStop > segStart {
		endLine = idx.lineOf(segStop - 1)
	}

	if fc, isFence := n.(*ast.FencedCodeBlock); isFence {
		openLine := startLine
		if fc.Info == nil && fc.Lines().Len() > 0 {
			// Segments only cover the interior; the opening fence is
			// the line above the first content line.
			openLine = startLine - 1
		}
		contentEnd := openLine
		if fc.Lines().Len() > 0 {
			contentEnd = idx.lineOf(fc.Lines().At(fc.Lines().Len()-1).Stop - 1)
		}
		closeLine := contentEnd + 1
		if closeLine >= idx.count() || !isFenceLine(idx.lineText(src, closeLine)) {
			return Block{}, &ParseError{Line: openLine + 1, Msg: "unclosed code fence"}
		}
		b.Start = idx.lineStart(openLine)
		b.End = idx.lineEnd(closeLine)
	} else {
		b.Start = idx.lineStart(startLine)
		b.End = idx.lineEnd(endLine)
	}

	b.Hash = blockHash(src[b.Start:b.End], b.Kind)
	return b, nil
}

// Requests extracts every request block in document order, footer state
// included.
func Requests(doc *Document) []Request {
	var out []Request
	blocks := doc.Blocks

	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		if b.Kind != BlockHeading {
			continue
		}
		heading := trimDecoration(b.Text)
		if replyHeadingRe.MatchString(heading) {
			continue
		}
		m := requestHeadingRe.FindStringSubmatch(heading)
		if m == nil {
			continue
		}
		if i+1 >= len(blocks) {
			continue
		}
		code := blocks[i+1]
		if code.Kind != BlockCode || !isRequestFenceLang(code.Lang) {
			continue
		}

		req := Request{
			Agent:        m[1],
			Target:       m[2],
			Time:         m[3],
			Code:         code.Code,
			HeadingIndex: i,
			CodeEnd:      code.End,
		}

		// A reply block before the next request heading answers this
		// request.
		for j := i + 2; j < len(blocks); j++ {
			fb := blocks[j]
			if fb.Kind != BlockHeading {
				continue
			}
			ft := trimDecoration(fb.Text)
			if replyHeadingRe.MatchString(ft) {
				if j+1 < len(blocks) && blocks[j+1].Kind == BlockCode && isReplyFenceLang(blocks[j+1].Lang) {
					req.HasFooter = true
				}
				break
			}
			if requestHeadingRe.MatchString(ft) {
				break
			}
		}

		out = append(out, req)
	}
	return out
}

// FindRequest returns the most recent unanswered request targeting page, or
// nil when every request is already answered.
func FindRequest(doc *Document, page string) *Request {
	var found *Request
	for _, req := range Requests(doc) {
		if req.Target != page || req.HasFooter {
			continue
		}
		r := req
		found = &r
	}
	return found
}

// ParseRequest parses text and extracts the outstanding request for page.
// It returns (nil, nil) when no unanswered request exists.
func ParseRequest(src []byte, page string) (*Request, error) {
	doc, err := ParseDocument(src)
	if err != nil {
		return nil, err
	}
	return FindRequest(doc, page), nil
}
