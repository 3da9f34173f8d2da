package crdt

import "encoding/gob"

// Mark is a ProseMirror-style inline mark (bold, link, ...).
type Mark struct {
	Type  string
	Attrs map[string]any
}

// Node is one ProseMirror-shaped tree node: a block ("paragraph",
// "heading", ...), the document root ("doc"), or a text leaf.
type Node struct {
	Type    string
	Attrs   map[string]any
	Text    string
	Marks   []Mark
	Content []*Node
}

// Fragment is the rich-text CRDT primitive referenced throughout the
// design as an opaque library type. This implementation keeps a ProseMirror
// shaped tree and treats the whole tree as one last-writer-wins value when
// stored in a Document's fields map; round-tripping through JSON is what
// the materialization bridge and the editor binding actually depend on.
type Fragment struct {
	Root *Node
}

// NewEmptyFragment returns the canonical empty fragment: a doc containing
// one empty paragraph, per the materialization rules.
func NewEmptyFragment() *Fragment {
	return &Fragment{Root: &Node{Type: "doc", Content: []*Node{{Type: "paragraph"}}}}
}

// ToJSON serializes the fragment to its ProseMirror-shaped plain-value
// representation, matching the wire shape `{type: "doc", content: [...]}`.
func (f *Fragment) ToJSON() map[string]any {
	if f == nil || f.Root == nil {
		return NewEmptyFragment().ToJSON()
	}
	return nodeToJSON(f.Root)
}

func nodeToJSON(n *Node) map[string]any {
	out := map[string]any{"type": n.Type}
	if len(n.Attrs) > 0 {
		out["attrs"] = n.Attrs
	}
	if n.Type == "text" {
		out["text"] = n.Text
		if len(n.Marks) > 0 {
			marks := make([]any, 0, len(n.Marks))
			for _, m := range n.Marks {
				mj := map[string]any{"type": m.Type}
				if len(m.Attrs) > 0 {
					mj["attrs"] = m.Attrs
				}
				marks = append(marks, mj)
			}
			out["marks"] = marks
		}
		return out
	}
	if len(n.Content) > 0 {
		content := make([]any, 0, len(n.Content))
		for _, child := range n.Content {
			content = append(content, nodeToJSON(child))
		}
		out["content"] = content
	}
	return out
}

// FragmentFromJSON hydrates a fragment from a ProseMirror-shaped plain
// value, as produced by an editor or stored by a caller.
func FragmentFromJSON(value map[string]any) *Fragment {
	return &Fragment{Root: nodeFromJSON(value)}
}

func nodeFromJSON(value map[string]any) *Node {
	if value == nil {
		return &Node{Type: "paragraph"}
	}
	n := &Node{}
	if t, ok := value["type"].(string); ok {
		n.Type = t
	}
	if attrs, ok := value["attrs"].(map[string]any); ok {
		n.Attrs = attrs
	}
	if text, ok := value["text"].(string); ok {
		n.Text = text
	}
	if marks, ok := value["marks"].([]any); ok {
		for _, m := range marks {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			mark := Mark{}
			if t, ok := mm["type"].(string); ok {
				mark.Type = t
			}
			if a, ok := mm["attrs"].(map[string]any); ok {
				mark.Attrs = a
			}
			n.Marks = append(n.Marks, mark)
		}
	}
	if content, ok := value["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			n.Content = append(n.Content, nodeFromJSON(cm))
		}
	}
	return n
}

// IsProseMirrorDoc is the structural predicate from the design notes: any
// object shaped like `{type: "doc"}` is treated as a prose document on
// hydration and extraction. Collisions with unrelated user data that
// happens to carry `type: "doc"` are accepted, documented behavior.
func IsProseMirrorDoc(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	t, ok := m["type"].(string)
	return ok && t == "doc"
}

func init() {
	gob.Register(&Fragment{})
	gob.Register(&Node{})
}
