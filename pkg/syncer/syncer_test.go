package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/backend/fake"
	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/materialize"
	"github.com/trestleinc/replicate/pkg/persistence"
)

// newCoordinator builds a Coordinator with its own persistence store and
// reactive store, bound to backendCollection on the shared fake backend b.
// localName only labels this replica's metrics/cursor-key namespace, so two
// replicas of the same logical collection (same backendCollection) can run
// side by side in one test with distinct localNames.
func newCoordinator(t *testing.T, localName, backendCollection string, b *fake.Backend) (*Coordinator, *materialize.MemoryStore) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "replicate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reactive := materialize.NewMemoryStore()
	c := New(Config{
		Collection:  localName,
		Store:       store,
		Backend:     b.Bind(backendCollection),
		ProseFields: map[string]struct{}{},
		Ops:         materialize.NewOps(reactive),
		DebounceMs:  15 * time.Millisecond,
		MaxRetries:  2,
	})
	require.NoError(t, c.Start(context.Background(), nil))
	t.Cleanup(c.Cleanup)
	return c, reactive
}

func TestColdStartWithEmptyStreamIsReadyWithEmptyStoreAndZeroCursor(t *testing.T) {
	b := fake.New()
	c, reactive := newCoordinator(t, "notes", "notes", b)

	select {
	case <-c.Ready():
	default:
		t.Fatal("coordinator should be ready after Start returns")
	}
	assert.Empty(t, reactive.Rows())

	cursor, err := c.loadCursor()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestCursorNeverDecreasesAcrossStreamResponses(t *testing.T) {
	b := fake.New()
	c, _ := newCoordinator(t, "notes", "notes", b)

	_, err := c.Insert(context.Background(), map[string]any{"title": "A"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c.cursorMu.Lock()
		defer c.cursorMu.Unlock()
		return c.cursor >= 1
	}, time.Second, 5*time.Millisecond)

	_, err = c.Insert(context.Background(), map[string]any{"title": "B"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c.cursorMu.Lock()
		defer c.cursorMu.Unlock()
		return c.cursor >= 2
	}, time.Second, 5*time.Millisecond)

	stored, err := c.loadCursor()
	require.NoError(t, err)
	c.cursorMu.Lock()
	live := c.cursor
	c.cursorMu.Unlock()
	assert.Equal(t, live, stored)
}

func TestRecoveryAppliesDiffOnReconnect(t *testing.T) {
	b := fake.New()

	writer, _ := newCoordinator(t, "notes-writer", "notes", b)
	id, err := writer.Insert(context.Background(), map[string]any{"title": "A"})
	require.NoError(t, err)
	// Insert now lands its api.insert through the write actor's debounced
	// push rather than blocking the caller, so wait for that push to have
	// actually reached the backend (observed here as the writer's own
	// cursor advancing) before recovering from it.
	require.Eventually(t, func() bool {
		writer.cursorMu.Lock()
		defer writer.cursorMu.Unlock()
		return writer.cursor >= 1
	}, time.Second, 5*time.Millisecond)

	// Simulate a second replica that went offline before the insert, then
	// reconnects: its subdoc manager must already know the id (as it would
	// from root persistence replay) for recovery to apply to it.
	reader, readerReactive := newCoordinator(t, "notes-r2", "notes", b)
	reader.subdocs.GetOrCreate(id)
	reader.recoverAll(context.Background())

	fields, ok := reader.subdocs.GetFields(id)
	require.True(t, ok)
	assert.Equal(t, "A", fields["title"])

	require.NoError(t, reader.replaceAll())
	row, ok := readerReactive.Get(id)
	require.True(t, ok)
	assert.Equal(t, "A", row["title"])
}

func TestSnapshotChangeForUnknownDocumentWithExistsFalseIsIgnored(t *testing.T) {
	b := fake.New()
	c, reactive := newCoordinator(t, "notes", "notes", b)

	ghost := crdt.NewDocument("nobody")
	delta := ghost.TransactWithDelta(func(fields map[string]any) { fields["title"] = "ghost" }, crdt.OriginLocal)

	_, applied := c.applyChange(backend.Change{Document: "missing-doc", Bytes: delta, Exists: false})
	assert.False(t, applied)
	assert.Empty(t, reactive.Rows())
}

func TestInsertThenUpdateReachReactiveStoreThroughStream(t *testing.T) {
	b := fake.New()
	c, reactive := newCoordinator(t, "notes", "notes", b)

	id, err := c.Insert(context.Background(), map[string]any{"title": "A"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := reactive.Get(id); return ok }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Update(id, map[string]any{"title": "B"}))
	require.Eventually(t, func() bool {
		row, ok := reactive.Get(id)
		return ok && row["title"] == "B"
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteRemovesFromSubdocsAndUnregistersActor(t *testing.T) {
	b := fake.New()
	c, reactive := newCoordinator(t, "notes", "notes", b)

	id, err := c.Insert(context.Background(), map[string]any{"title": "A"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := reactive.Get(id); return ok }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Delete(context.Background(), id))
	assert.False(t, c.subdocs.Has(id))
	_, stillActor := c.actors.Get(id)
	assert.False(t, stillActor)
	_, ok := reactive.Get(id)
	assert.False(t, ok)
}
