package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/crdt"
)

func TestInsertAdvancesSeqAndPublishesOnStream(t *testing.T) {
	b := New()
	api := b.Bind("notes")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, stop, err := api.Stream(ctx, 0, 100)
	require.NoError(t, err)
	defer stop()

	doc := crdt.NewDocument("clientA")
	delta := doc.TransactWithDelta(func(fields map[string]any) { fields["title"] = "hello" }, crdt.OriginLocal)

	result, err := api.Insert(ctx, "doc-1", delta, map[string]any{"id": "doc-1", "title": "hello"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, uint64(1), result.Seq)

	select {
	case resp := <-stream:
		require.Len(t, resp.Changes, 1)
		assert.Equal(t, "doc-1", resp.Changes[0].Document)
		assert.True(t, resp.Changes[0].Exists)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream response")
	}
}

func TestStreamReplaysBacklogSinceCursor(t *testing.T) {
	b := New()
	api := b.Bind("notes")
	ctx := context.Background()

	doc := crdt.NewDocument("clientA")
	delta := doc.TransactWithDelta(func(fields map[string]any) { fields["title"] = "a" }, crdt.OriginLocal)
	_, err := api.Insert(ctx, "doc-1", delta, nil)
	require.NoError(t, err)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, stop, err := api.Stream(streamCtx, 0, 100)
	require.NoError(t, err)
	defer stop()

	select {
	case resp := <-stream:
		require.Len(t, resp.Changes, 1)
		assert.Equal(t, uint64(1), resp.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog replay")
	}
}

func TestRecoveryReturnsDiffSinceVector(t *testing.T) {
	b := New()
	api := b.Bind("notes")
	ctx := context.Background()

	doc := crdt.NewDocument("clientA")
	d1 := doc.TransactWithDelta(func(fields map[string]any) { fields["title"] = "a" }, crdt.OriginLocal)
	_, err := api.Insert(ctx, "doc-1", d1, nil)
	require.NoError(t, err)

	target := crdt.NewDocument("clientB")
	localVector := target.EncodeStateVector()

	recovery, err := api.Recovery(ctx, "doc-1", localVector)
	require.NoError(t, err)
	require.NotEmpty(t, recovery.Diff)

	require.NoError(t, target.ApplyUpdate(recovery.Diff, crdt.OriginServer))
	v, ok := target.Get("title")
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestPresenceJoinIsVisibleToOtherSubscribersExcludingSelf(t *testing.T) {
	b := New()
	api := b.Bind("notes")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions, stop, err := api.Sessions(ctx, "doc-1", true, "clientA")
	require.NoError(t, err)
	defer stop()

	// Drain the initial (empty) snapshot.
	select {
	case <-sessions:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial session snapshot")
	}

	require.NoError(t, api.Presence(ctx, "doc-1", "clientB", backend.PresenceJoin, map[string]any{"name": "Bob"}, nil, nil, 10*time.Second, nil))

	select {
	case list := <-sessions:
		require.Len(t, list, 1)
		assert.Equal(t, "clientB", list[0].ClientID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence update")
	}

	require.NoError(t, api.Presence(ctx, "doc-1", "clientA", backend.PresenceJoin, map[string]any{"name": "Alice"}, nil, nil, 10*time.Second, nil))
	select {
	case list := <-sessions:
		for _, p := range list {
			assert.NotEqual(t, "clientA", p.ClientID, "self must be excluded")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second presence update")
	}
}
