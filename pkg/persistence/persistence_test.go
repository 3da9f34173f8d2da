package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trestleinc/replicate/pkg/crdt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "replicate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func waitSynced(t *testing.T, p *Provider) {
	t.Helper()
	select {
	case <-p.WhenSynced():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replay to complete")
	}
	require.NoError(t, p.Err())
}

func TestReplayAppendsAndReloads(t *testing.T) {
	store := openTestStore(t)

	doc := crdt.NewDocument("clientA")
	p := store.CreateDocPersistence("notes/doc-1", doc)
	waitSynced(t, p)

	doc.TransactWithDelta(func(fields map[string]any) {
		fields["title"] = "hello"
	}, crdt.OriginLocal)

	require.Eventually(t, func() bool {
		v, ok := doc.Get("title")
		return ok && v == "hello"
	}, time.Second, 5*time.Millisecond)

	// The update log is appended by the provider's observer; expect one entry.
	require.Eventually(t, func() bool {
		updates, err := store.loadUpdates("notes/doc-1")
		return err == nil && len(updates) == 1
	}, time.Second, 5*time.Millisecond)

	p.Destroy()

	reloaded := crdt.NewDocument("clientA")
	p2 := store.CreateDocPersistence("notes/doc-1", reloaded)
	waitSynced(t, p2)

	v, ok := reloaded.Get("title")
	require.True(t, ok)
	require.Equal(t, "hello", v)
}

func TestReplayAppliesSnapshotThenUpdates(t *testing.T) {
	store := openTestStore(t)

	seed := crdt.NewDocument("clientA")
	seed.TransactWithDelta(func(fields map[string]any) {
		fields["title"] = "snapshot value"
	}, crdt.OriginLocal)
	require.NoError(t, store.SaveSnapshot("notes/doc-2", seed.EncodeState()))

	doc := crdt.NewDocument("clientA")
	p := store.CreateDocPersistence("notes/doc-2", doc)
	waitSynced(t, p)

	v, ok := doc.Get("title")
	require.True(t, ok)
	require.Equal(t, "snapshot value", v)
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	kv := store.KV()

	type cursor struct {
		Value string `json:"value"`
	}

	ok, err := kv.Get("sync/cursor", &cursor{})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set("sync/cursor", cursor{Value: "abc"}))

	var got cursor
	ok, err = kv.Get("sync/cursor", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", got.Value)

	require.NoError(t, kv.Delete("sync/cursor"))
	ok, err = kv.Get("sync/cursor", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistenceOriginUpdatesAreNotReappended(t *testing.T) {
	store := openTestStore(t)

	doc := crdt.NewDocument("clientA")
	p := store.CreateDocPersistence("notes/doc-3", doc)
	waitSynced(t, p)

	encoded := doc.TransactWithDelta(func(fields map[string]any) {
		fields["title"] = "x"
	}, crdt.OriginLocal)

	require.NoError(t, doc.ApplyUpdate(encoded, crdt.OriginPersistence))

	require.Eventually(t, func() bool {
		updates, err := store.loadUpdates("notes/doc-3")
		return err == nil && len(updates) == 1
	}, time.Second, 5*time.Millisecond)
}
