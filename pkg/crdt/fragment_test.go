package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFragmentRoundTrip(t *testing.T) {
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "hello"},
				},
			},
		},
	}

	fragment := FragmentFromJSON(doc)
	assert.Equal(t, doc, fragment.ToJSON())
}

func TestEmptyFragmentJSON(t *testing.T) {
	f := NewEmptyFragment()
	got := f.ToJSON()

	assert.Equal(t, "doc", got["type"])
	content, ok := got["content"].([]any)
	assert.True(t, ok)
	assert.Len(t, content, 1)
}

func TestIsProseMirrorDoc(t *testing.T) {
	assert.True(t, IsProseMirrorDoc(map[string]any{"type": "doc"}))
	assert.False(t, IsProseMirrorDoc(map[string]any{"type": "paragraph"}))
	assert.False(t, IsProseMirrorDoc("not a doc"))
	assert.False(t, IsProseMirrorDoc(nil))
}

func TestFragmentWithMarks(t *testing.T) {
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "text",
				"text": "bold",
				"marks": []any{
					map[string]any{"type": "bold"},
				},
			},
		},
	}

	fragment := FragmentFromJSON(doc)
	assert.Equal(t, doc, fragment.ToJSON())
}
