package replog

// ChangeKind classifies one structural difference between two parses of the
// same log.
type ChangeKind int

const (
	// ChildrenAdded marks blocks appended past the old document's end.
	ChildrenAdded ChangeKind = iota
	// HeadingChanged marks an in-place edit to a heading block.
	HeadingChanged
	// CodeBlockAdded marks a newly appended fenced code block.
	CodeBlockAdded
	// ContentChanged marks any other in-place edit or removal.
	ContentChanged
)

func (k ChangeKind) String() string {
	switch k {
	case ChildrenAdded:
		return "children-added"
	case HeadingChanged:
		return "heading-changed"
	case CodeBlockAdded:
		return "code-block-added"
	default:
		return "content-changed"
	}
}

// Change is one block-level difference. Index refers to the new document's
// block sequence (for removals, the first index past the shared prefix).
type Change struct {
	Kind  ChangeKind
	Index int
}

// Diff compares two parses block by block using each block's content hash.
// Cosmetic in-place edits report HeadingChanged/ContentChanged; appended
// blocks report ChildrenAdded plus CodeBlockAdded per new fence.
func Diff(old, new *Document) []Change {
	var changes []Change

	shared := len(old.Blocks)
	if len(new.Blocks) < shared {
		shared = len(new.Blocks)
	}

	for i := 0; i < shared; i++ {
		if old.Blocks[i].Hash == new.Blocks[i].Hash {
			continue
		}
		kind := ContentChanged
		if new.Blocks[i].Kind == BlockHeading {
			kind = HeadingChanged
		}
		changes = append(changes, Change{Kind: kind, Index: i})
	}

	switch {
	case len(new.Blocks) > shared:
		changes = append(changes, Change{Kind: ChildrenAdded, Index: shared})
		for i := shared; i < len(new.Blocks); i++ {
			if new.Blocks[i].Kind == BlockCode {
				changes = append(changes, Change{Kind: CodeBlockAdded, Index: i})
			}
		}
	case len(old.Blocks) > shared:
		changes = append(changes, Change{Kind: ContentChanged, Index: shared})
	}

	return changes
}

// TriggersDispatch reports whether a change set warrants rescanning for a
// new request. Only additions do; cosmetic edits never redispatch.
func TriggersDispatch(changes []Change) bool {
	for _, c := range changes {
		if c.Kind == ChildrenAdded || c.Kind == CodeBlockAdded {
			return true
		}
	}
	return false
}
