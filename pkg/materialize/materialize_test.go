package materialize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trestleinc/replicate/pkg/crdt"
)

func TestSerializeInjectsID(t *testing.T) {
	row := Serialize("doc-1", map[string]any{"title": "hello"})
	assert.Equal(t, "doc-1", row["id"])
	assert.Equal(t, "hello", row["title"])
}

func TestSerializeFragmentField(t *testing.T) {
	frag := crdt.FragmentFromJSON(map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{"type": "paragraph"},
		},
	})
	row := Serialize("doc-1", map[string]any{"body": frag})

	body, ok := row["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "doc", body["type"])
}

func TestSerializeDeepClonesNestedStructures(t *testing.T) {
	nested := map[string]any{"tags": []any{"a", "b"}}
	row := Serialize("doc-1", map[string]any{"meta": nested})

	clonedMeta := row["meta"].(map[string]any)
	clonedTags := clonedMeta["tags"].([]any)
	clonedTags[0] = "mutated"

	assert.Equal(t, "a", nested["tags"].([]any)[0], "clone must not alias the source slice")
}

func TestBuildMutatorHydratesProseField(t *testing.T) {
	proseFields := map[string]struct{}{"body": {}}
	incoming := map[string]any{
		"title": "plain",
		"body": map[string]any{
			"type":    "doc",
			"content": []any{map[string]any{"type": "paragraph"}},
		},
	}

	doc := crdt.NewDocument("clientA")
	doc.TransactWithDelta(BuildMutator(proseFields, incoming), crdt.OriginLocal)

	v, ok := doc.Get("body")
	require.True(t, ok)
	_, isFragment := v.(*crdt.Fragment)
	assert.True(t, isFragment)

	title, ok := doc.Get("title")
	require.True(t, ok)
	assert.Equal(t, "plain", title)
}

func TestBuildMutatorSkipsScalarOverwriteOfExistingFragment(t *testing.T) {
	proseFields := map[string]struct{}{"body": {}}

	doc := crdt.NewDocument("clientA")
	doc.TransactWithDelta(func(fields map[string]any) {
		fields["body"] = crdt.NewEmptyFragment()
	}, crdt.OriginLocal)

	doc.TransactWithDelta(BuildMutator(proseFields, map[string]any{
		"body": "not a prosemirror doc",
	}), crdt.OriginLocal)

	v, ok := doc.Get("body")
	require.True(t, ok)
	_, isFragment := v.(*crdt.Fragment)
	assert.True(t, isFragment, "scalar overwrite of an existing fragment must be a no-op")
}

func TestOpsInsertUpsertDeleteReplace(t *testing.T) {
	store := NewMemoryStore()
	ops := NewOps(store)

	require.NoError(t, ops.Insert([]Row{{"id": "1", "title": "a"}}))
	row, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, "a", row["title"])

	require.NoError(t, ops.Upsert([]Row{{"id": "1", "title": "b"}}))
	row, _ = store.Get("1")
	assert.Equal(t, "b", row["title"])

	require.NoError(t, ops.Delete([]Row{{"id": "1"}}))
	_, ok = store.Get("1")
	assert.False(t, ok)

	require.NoError(t, ops.Insert([]Row{{"id": "2", "title": "x"}}))
	require.NoError(t, ops.Replace([]Row{{"id": "3", "title": "y"}}))

	_, ok = store.Get("2")
	assert.False(t, ok, "replace must truncate prior rows")
	row, ok = store.Get("3")
	require.True(t, ok)
	assert.Equal(t, "y", row["title"])
}

func TestWriteBatchAppliesMixedOpsInOneTransaction(t *testing.T) {
	store := NewMemoryStore()
	ops := NewOps(store)
	require.NoError(t, ops.Insert([]Row{{"id": "1", "title": "a"}}))

	require.NoError(t, ops.WriteBatch([]Op{
		{Type: "upsert", Row: Row{"id": "1", "title": "b"}},
		{Type: "insert", Row: Row{"id": "2", "title": "c"}},
		{Type: "delete", Row: Row{"id": "1"}},
	}))

	_, ok := store.Get("1")
	assert.False(t, ok)
	row, ok := store.Get("2")
	require.True(t, ok)
	assert.Equal(t, "c", row["title"])
}

func TestWriteBatchNoOpOnEmptySlice(t *testing.T) {
	store := NewMemoryStore()
	ops := NewOps(store)
	require.NoError(t, ops.WriteBatch(nil))
}
