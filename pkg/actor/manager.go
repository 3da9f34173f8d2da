package actor

import (
	"sync"
	"time"
)

// Manager owns the actor registry for one collection: registration,
// message dispatch, and coordinated shutdown.
type Manager struct {
	collection string

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewManager creates an empty registry for collection.
func NewManager(collection string) *Manager {
	return &Manager{
		collection: collection,
		actors:     make(map[string]*Actor),
	}
}

// Register creates (or, if documentID is already registered, returns) the
// actor for documentID.
func (m *Manager) Register(documentID string, syncFn SyncFunc, onExternalUpdate func(), debounce time.Duration, maxRetries int) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.actors[documentID]; ok {
		return a
	}
	a := New(m.collection, documentID, syncFn, onExternalUpdate, debounce, maxRetries)
	m.actors[documentID] = a
	return a
}

// Get returns the actor for documentID, if registered.
func (m *Manager) Get(documentID string) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[documentID]
	return a, ok
}

// OnLocalChange enqueues a LocalChange message if documentID has an actor.
func (m *Manager) OnLocalChange(documentID string) {
	if a, ok := m.Get(documentID); ok {
		a.Send(LocalChange{})
	}
}

// OnLocalChangeWithPrepared enqueues a LocalChange message carrying a
// pre-computed push (the rich-text editor binding's content-sync fast
// path) if documentID has an actor.
func (m *Manager) OnLocalChangeWithPrepared(documentID string, prepared any) {
	if a, ok := m.Get(documentID); ok {
		a.Send(LocalChange{Prepared: prepared})
	}
}

// OnServerUpdate enqueues an ExternalUpdate message if documentID has an
// actor.
func (m *Manager) OnServerUpdate(documentID string) {
	if a, ok := m.Get(documentID); ok {
		a.Send(ExternalUpdate{})
	}
}

// Unregister awaits the actor's shutdown and removes it from the
// registry. It is a no-op if documentID is not registered.
func (m *Manager) Unregister(documentID string) {
	m.mu.Lock()
	a, ok := m.actors[documentID]
	delete(m.actors, documentID)
	m.mu.Unlock()

	if ok {
		a.Shutdown()
	}
}

// Destroy unregisters every actor.
func (m *Manager) Destroy() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unregister(id)
	}
}
