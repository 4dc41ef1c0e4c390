// Package replog parses and mutates per-page REPL log files.
//
// A log is a markdown file containing request blocks (an agent heading plus a
// js code fence), reply blocks (a page heading plus a JSON fence) and an
// optional Test Results section. Parsing is built on goldmark's AST; the
// package never matches raw substrings to locate structure.
package replog

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// BlockKind classifies a top-level block.
type BlockKind int

const (
	// BlockOther covers paragraphs, lists and anything else that is neither
	// a heading nor a code fence.
	BlockOther BlockKind = iota
	BlockHeading
	BlockCode
)

func (k BlockKind) String() string {
	switch k {
	case BlockHeading:
		return "heading"
	case BlockCode:
		return "code"
	default:
		return "other"
	}
}

// Block is one top-level node of a parsed log.
type Block struct {
	Kind  BlockKind
	Level int    // heading level, 0 otherwise
	Text  string // raw heading text
	Lang  string // code fence language, lowercased
	Code  string // code fence content

	// Start and End are byte offsets of the block's source span, extended
	// to whole lines (End includes the trailing newline when present).
	Start int
	End   int

	// Hash identifies the block's source bytes for diffing.
	Hash string
}

// Document is the parsed form of a page's log file. It is reparsed on
// demand; a previous Document may be retained only to compute a Diff.
type Document struct {
	Source []byte
	Blocks []Block
}

var md = goldmark.New()

// lineIndex maps byte offsets to line boundaries.
type lineIndex struct {
	starts []int // offset of the first byte of each line
	size   int
}

func newLineIndex(src []byte) *lineIndex {
	idx := &lineIndex{starts: []int{0}, size: len(src)}
	for i, b := range src {
		if b == '\n' && i+1 < len(src) {
			idx.starts = append(idx.starts, i+1)
		}
	}
	return idx
}

// lineOf returns the index of the line containing offset.
func (l *lineIndex) lineOf(offset int) int {
	return sort.Search(len(l.starts), func(i int) bool {
		return l.starts[i] > offset
	}) - 1
}

// lineStart returns the offset of the first byte of line i.
func (l *lineIndex) lineStart(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(l.starts) {
		return l.size
	}
	return l.starts[i]
}

// lineEnd returns the offset just past line i's newline.
func (l *lineIndex) lineEnd(i int) int {
	return l.lineStart(i + 1)
}

// lineText returns line i without its newline.
func (l *lineIndex) lineText(src []byte, i int) string {
	if i < 0 || i >= len(l.starts) {
		return ""
	}
	return strings.TrimRight(string(src[l.lineStart(i):l.lineEnd(i)]), "\r\n")
}

func (l *lineIndex) count() int {
	return len(l.starts)
}

// segmentBounds collects the minimum start and maximum stop offsets of all
// text segments under n.
func segmentBounds(n ast.Node, src []byte) (start, stop int, ok bool) {
	start, stop = -1, -1
	observe := func(s, e int) {
		if s < 0 || e < s {
			return
		}
		if start == -1 || s < start {
			start = s
		}
		if e > stop {
			stop = e
		}
	}

	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, isText := node.(*ast.Text); isText {
			observe(t.Segment.Start, t.Segment.Stop)
		}
		if fc, isFence := node.(*ast.FencedCodeBlock); isFence && fc.Info != nil {
			observe(fc.Info.Segment.Start, fc.Info.Segment.Stop)
		}
		// Lines is only defined for block nodes; inline nodes panic.
		if node.Type() == ast.TypeBlock {
			if lines := node.Lines(); lines != nil {
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					observe(seg.Start, seg.Stop)
				}
			}
		}
		return ast.WalkContinue, nil
	})

	return start, stop, start >= 0
}

func segmentsText(lines *gtext.Segments, src []byte) string {
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return b.String()
}

func headingText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, isText := node.(*ast.Text); isText {
				b.Write(t.Segment.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func blockHash(src []byte, kind BlockKind) string {
	h := sha256.New()
	h.Write([]byte{byte(kind)})
	h.Write(src)
	return hex.EncodeToString(h.Sum(nil))
}
