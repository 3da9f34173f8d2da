// Package schema provides the field-type markers collections use to
// declare which fields hold rich-text (prose) content, and the extraction
// utility applications use to pull plain text out of a prose value.
package schema

import "strings"

// FieldType describes how a collection schema field is stored and
// materialized.
type FieldType struct {
	prose bool
}

// Prose returns a field-type marker for a rich-text field. The
// sub-document manager and materialization bridge consult this marker to
// decide whether a field is encoded as a CRDT Fragment.
func Prose() FieldType {
	return FieldType{prose: true}
}

// IsProse reports whether the marker denotes a prose field.
func (f FieldType) IsProse() bool {
	return f.prose
}

// Collection describes the field types of one collection's rows. The
// zero value (omitting a field) means "plain scalar/array/map".
type Collection map[string]FieldType

// ProseFields returns the set of field names declared as prose in this
// schema, computed once per collection as the design notes describe.
func (c Collection) ProseFields() map[string]struct{} {
	out := make(map[string]struct{})
	for name, ft := range c {
		if ft.IsProse() {
			out[name] = struct{}{}
		}
	}
	return out
}

// ExtractText concatenates the text content of a ProseMirror-shaped
// document, defensively tolerating malformed shapes (missing keys, wrong
// types) by skipping them rather than failing.
func ExtractText(value any) string {
	var sb strings.Builder
	extractNode(value, &sb)
	return strings.TrimSpace(sb.String())
}

func extractNode(value any, sb *strings.Builder) {
	m, ok := value.(map[string]any)
	if !ok {
		return
	}
	if text, ok := m["text"].(string); ok && text != "" {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(text)
	}
	content, ok := m["content"].([]any)
	if !ok {
		return
	}
	for _, child := range content {
		extractNode(child, sb)
	}
}
