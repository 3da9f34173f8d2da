package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProseFieldsReturnsOnlyMarkedFields(t *testing.T) {
	coll := Collection{
		"title": FieldType{},
		"body":  Prose(),
		"notes": Prose(),
	}

	fields := coll.ProseFields()
	assert.Len(t, fields, 2)
	_, hasBody := fields["body"]
	_, hasNotes := fields["notes"]
	_, hasTitle := fields["title"]
	assert.True(t, hasBody)
	assert.True(t, hasNotes)
	assert.False(t, hasTitle)
}

func TestIsProseDistinguishesMarker(t *testing.T) {
	assert.True(t, Prose().IsProse())
	assert.False(t, FieldType{}.IsProse())
}

func TestExtractTextJoinsNestedNodes(t *testing.T) {
	doc := map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": "hello"},
					map[string]any{"type": "text", "text": "world"},
				},
			},
		},
	}

	assert.Equal(t, "hello world", ExtractText(doc))
}

func TestExtractTextToleratesMalformedShapes(t *testing.T) {
	assert.Equal(t, "", ExtractText(nil))
	assert.Equal(t, "", ExtractText("not a doc"))
	assert.Equal(t, "", ExtractText(map[string]any{"content": "not a slice"}))
	assert.Equal(t, "", ExtractText(map[string]any{"text": 42}))

	malformed := map[string]any{
		"content": []any{
			"not a map",
			map[string]any{"text": "ok"},
			42,
		},
	}
	assert.Equal(t, "ok", ExtractText(malformed))
}
