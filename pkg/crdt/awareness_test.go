package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashClientIDIsStableAndDeterministic(t *testing.T) {
	a := HashClientID("client-a")
	b := HashClientID("client-a")
	c := HashClientID("client-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSetLocalStateEmitsAddedThenUpdatedThenRemoved(t *testing.T) {
	aw := NewAwareness(1)
	var updates []AwarenessUpdate
	unsubscribe := aw.Observe(func(u AwarenessUpdate) { updates = append(updates, u) })
	defer unsubscribe()

	aw.SetLocalState(AwarenessState{"cursor": 0})
	aw.SetLocalState(AwarenessState{"cursor": 1})
	aw.SetLocalState(nil)

	require.Len(t, updates, 3)
	assert.Equal(t, []uint64{1}, updates[0].Added)
	assert.Equal(t, []uint64{1}, updates[1].Updated)
	assert.Equal(t, []uint64{1}, updates[2].Removed)

	_, ok := aw.LocalState()
	assert.False(t, ok)
}

func TestApplyRemoteStatesDiffsAddedUpdatedRemoved(t *testing.T) {
	aw := NewAwareness(1)
	aw.SetLocalState(AwarenessState{"cursor": 0})

	u1 := aw.ApplyRemoteStates(map[uint64]AwarenessState{
		2: {"name": "alice"},
		3: {"name": "bob"},
	})
	assert.ElementsMatch(t, []uint64{2, 3}, u1.Added)
	assert.Equal(t, "remote", u1.Origin)
	assert.Equal(t, 2, aw.RemoteCount())

	u2 := aw.ApplyRemoteStates(map[uint64]AwarenessState{
		2: {"name": "alice-renamed"},
	})
	assert.Equal(t, []uint64{2}, u2.Updated)
	assert.Equal(t, []uint64{3}, u2.Removed)
	assert.Equal(t, 1, aw.RemoteCount())

	states := aw.States()
	assert.Len(t, states, 2) // local + the one remaining remote
}

func TestApplyRemoteStatesNeverTouchesLocalEntry(t *testing.T) {
	aw := NewAwareness(1)
	aw.SetLocalState(AwarenessState{"cursor": 0})

	u := aw.ApplyRemoteStates(map[uint64]AwarenessState{1: {"cursor": 99}})
	assert.True(t, u.empty())

	local, ok := aw.LocalState()
	require.True(t, ok)
	assert.Equal(t, 0, local["cursor"])
}

func TestClearRemoteRemovesOnlyRemoteEntries(t *testing.T) {
	aw := NewAwareness(1)
	aw.SetLocalState(AwarenessState{"cursor": 0})
	aw.ApplyRemoteStates(map[uint64]AwarenessState{2: {"name": "alice"}})
	require.Equal(t, 1, aw.RemoteCount())

	update := aw.ClearRemote()
	assert.Equal(t, []uint64{2}, update.Removed)
	assert.Equal(t, 0, aw.RemoteCount())
	_, ok := aw.LocalState()
	assert.True(t, ok)
}

func TestDestroyClearsEverythingWithoutNotifying(t *testing.T) {
	aw := NewAwareness(1)
	aw.SetLocalState(AwarenessState{"cursor": 0})
	aw.ApplyRemoteStates(map[uint64]AwarenessState{2: {"name": "alice"}})

	notified := false
	aw.Observe(func(AwarenessUpdate) { notified = true })
	aw.Destroy()

	assert.False(t, notified)
	assert.Empty(t, aw.States())
	_, ok := aw.LocalState()
	assert.False(t, ok)
}

func TestUnsubscribeStopsFurtherNotifications(t *testing.T) {
	aw := NewAwareness(1)
	count := 0
	unsubscribe := aw.Observe(func(AwarenessUpdate) { count++ })

	aw.SetLocalState(AwarenessState{"cursor": 0})
	unsubscribe()
	aw.SetLocalState(AwarenessState{"cursor": 1})

	assert.Equal(t, 1, count)
}
