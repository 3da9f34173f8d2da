package crdt

import "sync"

// AwarenessState is one participant's ephemeral, non-persisted side-channel
// state: cursor position and profile, keyed loosely like the materialized
// row (plain map, JSON-shaped) rather than a typed struct, since its
// contents are application-defined.
type AwarenessState = map[string]any

// AwarenessUpdate describes one batch of changes applied to an Awareness
// primitive: the numeric client ids added, updated, or removed, and the
// origin that caused the change ("local" for this client's own state,
// "remote" for changes driven by the presence subscription).
type AwarenessUpdate struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  string
}

func (u AwarenessUpdate) empty() bool {
	return len(u.Added) == 0 && len(u.Updated) == 0 && len(u.Removed) == 0
}

// AwarenessObserver is notified after every applied AwarenessUpdate.
type AwarenessObserver func(AwarenessUpdate)

// Awareness is the small ephemeral presence primitive referenced
// throughout the design as part of the opaque CRDT library: a map from a
// numeric client id to an arbitrary state value, with one entry reserved
// for this client's own local state. Unlike Document, nothing here is
// persisted or merged with last-writer-wins history — the state of a
// disconnected client simply disappears once removed.
type Awareness struct {
	mu        sync.RWMutex
	localID   uint64
	states    map[uint64]AwarenessState
	observers []AwarenessObserver
}

// NewAwareness creates an Awareness primitive for a client identified by
// localID (typically a hash of the session client id).
func NewAwareness(localID uint64) *Awareness {
	return &Awareness{
		localID: localID,
		states:  make(map[uint64]AwarenessState),
	}
}

// LocalClientID returns this primitive's own numeric id.
func (a *Awareness) LocalClientID() uint64 {
	return a.localID
}

// Observe registers fn and returns an unsubscribe function.
func (a *Awareness) Observe(fn AwarenessObserver) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
	idx := len(a.observers) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.observers) {
			a.observers[idx] = nil
		}
	}
}

func (a *Awareness) notify(update AwarenessUpdate) {
	if update.empty() {
		return
	}
	a.mu.RLock()
	observers := append([]AwarenessObserver(nil), a.observers...)
	a.mu.RUnlock()
	for _, obs := range observers {
		if obs != nil {
			obs(update)
		}
	}
}

// SetLocalState replaces this client's own entry and emits an update with
// origin "local". Passing nil clears the local entry (used on destroy).
func (a *Awareness) SetLocalState(state AwarenessState) {
	a.mu.Lock()
	_, existed := a.states[a.localID]
	if state == nil {
		delete(a.states, a.localID)
	} else {
		a.states[a.localID] = state
	}
	a.mu.Unlock()

	update := AwarenessUpdate{Origin: "local"}
	switch {
	case state == nil && existed:
		update.Removed = []uint64{a.localID}
	case existed:
		update.Updated = []uint64{a.localID}
	default:
		update.Added = []uint64{a.localID}
	}
	a.notify(update)
}

// LocalState returns this client's own entry, if set.
func (a *Awareness) LocalState() (AwarenessState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[a.localID]
	return s, ok
}

// ApplyRemoteStates reconciles the primitive's remote entries (every id
// other than localID) against the given snapshot, diffing added,
// updated, and removed ids, applying the change, and emitting one
// AwarenessUpdate with origin "remote" (none when no id was added,
// updated, or removed). It is the only way remote participants enter or
// leave the primitive.
func (a *Awareness) ApplyRemoteStates(states map[uint64]AwarenessState) AwarenessUpdate {
	a.mu.Lock()
	var added, updated, removed []uint64

	for id := range a.states {
		if id == a.localID {
			continue
		}
		if _, stillPresent := states[id]; !stillPresent {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	for id, state := range states {
		if id == a.localID {
			continue
		}
		if _, existed := a.states[id]; existed {
			updated = append(updated, id)
		} else {
			added = append(added, id)
		}
		a.states[id] = state
	}
	a.mu.Unlock()

	update := AwarenessUpdate{Added: added, Updated: updated, Removed: removed, Origin: "remote"}
	a.notify(update)
	return update
}

// ClearRemote removes every remote entry (keeping the local one, if any)
// and, if any were removed, emits a final "remote"-origin update. Used on
// provider destroy.
func (a *Awareness) ClearRemote() AwarenessUpdate {
	return a.ApplyRemoteStates(map[uint64]AwarenessState{})
}

// States returns a snapshot of every entry currently held, local and
// remote alike.
func (a *Awareness) States() map[uint64]AwarenessState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[uint64]AwarenessState, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// RemoteCount returns the number of entries other than the local one.
func (a *Awareness) RemoteCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.states)
	if _, ok := a.states[a.localID]; ok {
		n--
	}
	return n
}

// Destroy clears every entry, local and remote, without emitting the
// normal local-origin removal event (the provider that owns this
// primitive is going away entirely, not just clearing its cursor).
func (a *Awareness) Destroy() {
	a.mu.Lock()
	a.states = make(map[uint64]AwarenessState)
	a.mu.Unlock()
}

// HashClientID derives a stable numeric id from an opaque client id
// string using a djb2-style multiply-and-add hash (seed 5381, h*33 + c)
// kept to 32 bits, read as a signed 32-bit value, and returned as its
// absolute value.
func HashClientID(clientID string) uint64 {
	var h uint32 = 5381
	for i := 0; i < len(clientID); i++ {
		h = h*33 + uint32(clientID[i])
	}
	signed := int64(int32(h))
	if signed < 0 {
		signed = -signed
	}
	return uint64(signed)
}
