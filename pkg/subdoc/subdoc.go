// Package subdoc owns the root CRDT container for a collection and the
// child sub-documents keyed by row id, tracking a persistence provider per
// sub-document. It is the only component allowed to create, mutate, or
// destroy a crdt.Document directly; every other component holds borrowed
// references returned from here.
package subdoc

import (
	"fmt"
	"sync"

	"github.com/trestleinc/replicate/pkg/crdt"
)

// PersistenceFactory creates a persistence provider for one sub-document.
// The collection wires this to a bbolt-backed pkg/persistence.Store once
// persistence is enabled.
type PersistenceFactory func(documentID string, doc *crdt.Document) PersistenceProvider

// PersistenceProvider is the subset of pkg/persistence.Provider the
// manager depends on, kept as an interface here so tests can substitute a
// fake without pulling in bbolt.
type PersistenceProvider interface {
	WhenSynced() <-chan struct{}
	Err() error
	Destroy()
}

// Manager owns the root CRDT document and every live child sub-document
// for one collection.
type Manager struct {
	mu         sync.RWMutex
	replicaID  string
	collection string
	root       *crdt.Document
	documents  map[string]*crdt.Document
	providers  map[string]PersistenceProvider
	factory    PersistenceFactory
	hasFactory bool
}

// NewManager creates an empty manager. replicaID identifies this
// process's operations across the root and every child document.
func NewManager(collection, replicaID string) *Manager {
	return &Manager{
		replicaID:  replicaID,
		collection: collection,
		root:       crdt.NewDocument(replicaID),
		documents:  make(map[string]*crdt.Document),
		providers:  make(map[string]PersistenceProvider),
	}
}

// GetOrCreate returns the child sub-document for documentID, creating it
// (and recording it in the root's presence map) if absent. Creating one
// triggers the "added" effect: a persistence provider is installed if
// persistence has been enabled.
func (m *Manager) GetOrCreate(documentID string) *crdt.Document {
	m.mu.Lock()
	if doc, ok := m.documents[documentID]; ok {
		m.mu.Unlock()
		return doc
	}

	doc := crdt.NewDocument(m.replicaID)
	m.documents[documentID] = doc
	m.mu.Unlock()

	m.root.TransactWithDelta(func(fields map[string]any) {
		fields[documentID] = true
	}, crdt.OriginLocal)

	m.onAdded(documentID, doc)
	return doc
}

// Get returns the child sub-document for documentID, if live.
func (m *Manager) Get(documentID string) (*crdt.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[documentID]
	return doc, ok
}

// Has reports whether documentID is currently live.
func (m *Manager) Has(documentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.documents[documentID]
	return ok
}

// Documents returns the ids of every live sub-document.
func (m *Manager) Documents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}
	return ids
}

// GetFields returns the sub-document's top-level fields map.
func (m *Manager) GetFields(documentID string) (map[string]any, bool) {
	doc, ok := m.Get(documentID)
	if !ok {
		return nil, false
	}
	return doc.Fields(), true
}

// GetFragment returns the rich-text fragment stored at field, if one
// exists at that field on that sub-document.
func (m *Manager) GetFragment(documentID, field string) (*crdt.Fragment, bool) {
	doc, ok := m.Get(documentID)
	if !ok {
		return nil, false
	}
	v, ok := doc.Get(field)
	if !ok {
		return nil, false
	}
	frag, ok := v.(*crdt.Fragment)
	return frag, ok
}

// ApplyUpdate applies a received update to documentID, creating the
// sub-document first (the "loaded" effect) if this is the first time it
// has been mentioned.
func (m *Manager) ApplyUpdate(documentID string, update crdt.Update, origin crdt.Origin) error {
	m.mu.Lock()
	doc, existed := m.documents[documentID]
	if !existed {
		doc = crdt.NewDocument(m.replicaID)
		m.documents[documentID] = doc
	}
	m.mu.Unlock()

	if err := doc.ApplyUpdate(update, origin); err != nil {
		return fmt.Errorf("subdoc: apply update %s/%s: %w", m.collection, documentID, err)
	}

	if !existed {
		m.onLoaded(documentID, doc)
	}
	return nil
}

// TransactWithDelta runs mutator against documentID's fields inside one
// transaction tagged with origin, returning the encoded delta covering
// exactly the changes made. The sub-document must already exist (via
// GetOrCreate or a prior ApplyUpdate).
func (m *Manager) TransactWithDelta(documentID string, mutator crdt.Mutator, origin crdt.Origin) (crdt.Update, error) {
	doc, ok := m.Get(documentID)
	if !ok {
		return nil, fmt.Errorf("subdoc: transact on unknown document %s/%s", m.collection, documentID)
	}
	return doc.TransactWithDelta(mutator, origin), nil
}

// EncodeStateVector returns documentID's current state vector, or the
// canonical empty vector if it does not exist.
func (m *Manager) EncodeStateVector(documentID string) crdt.StateVector {
	doc, ok := m.Get(documentID)
	if !ok {
		return crdt.StateVector{}
	}
	return doc.EncodeStateVector()
}

// EncodeState returns documentID's full current state as an update,
// including tombstones.
func (m *Manager) EncodeState(documentID string) (crdt.Update, error) {
	doc, ok := m.Get(documentID)
	if !ok {
		return nil, fmt.Errorf("subdoc: encode state of unknown document %s/%s", m.collection, documentID)
	}
	return doc.EncodeState(), nil
}

// Delete removes documentID from the root's presence map and destroys its
// live instance and persistence provider.
func (m *Manager) Delete(documentID string) {
	m.root.TransactWithDelta(func(fields map[string]any) {
		delete(fields, documentID)
	}, crdt.OriginLocal)
	m.onRemoved(documentID)
}

// Unload destroys the live instance and its persistence provider while
// keeping the entry present in the root's presence map.
func (m *Manager) Unload(documentID string) {
	m.destroyInstance(documentID)
}

// EnablePersistence installs factory, immediately creating providers for
// every existing sub-document (returned so the caller can await their
// WhenSynced signals); newly created or loaded sub-documents receive
// providers automatically from then on.
func (m *Manager) EnablePersistence(factory PersistenceFactory) []PersistenceProvider {
	m.mu.Lock()
	m.factory = factory
	m.hasFactory = true
	ids := make([]string, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	providers := make([]PersistenceProvider, 0, len(ids))
	for _, id := range ids {
		if p := m.createProvider(id); p != nil {
			providers = append(providers, p)
		}
	}
	return providers
}

// Root returns the root CRDT document backing the sub-document presence
// map, for wiring its own persistence provider.
func (m *Manager) Root() *crdt.Document {
	return m.root
}

// RestoreFromRoot reconstructs empty in-memory sub-document instances for
// every id present in the root's presence map (typically right after the
// root persistence provider has replayed its stored state), returning the
// restored ids. Each instance still needs its own persistence provider
// (via EnablePersistence) to be hydrated with its stored content.
func (m *Manager) RestoreFromRoot() []string {
	fields := m.root.Fields()

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(fields))
	for id, present := range fields {
		if ok, _ := present.(bool); !ok {
			continue
		}
		ids = append(ids, id)
		if _, exists := m.documents[id]; !exists {
			m.documents[id] = crdt.NewDocument(m.replicaID)
		}
	}
	return ids
}

// Destroy releases every sub-document and persistence provider. It is
// idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.destroyInstance(id)
	}
}

func (m *Manager) onAdded(documentID string, doc *crdt.Document) {
	m.createProvider(documentID)
	_ = doc
}

func (m *Manager) onLoaded(documentID string, doc *crdt.Document) {
	m.createProvider(documentID)
	_ = doc
}

func (m *Manager) onRemoved(documentID string) {
	m.destroyInstance(documentID)
}

// createProvider is idempotent: a document that already has a provider
// returns that provider unchanged.
func (m *Manager) createProvider(documentID string) PersistenceProvider {
	m.mu.Lock()
	if !m.hasFactory {
		m.mu.Unlock()
		return nil
	}
	if p, ok := m.providers[documentID]; ok {
		m.mu.Unlock()
		return p
	}
	doc, ok := m.documents[documentID]
	factory := m.factory
	m.mu.Unlock()
	if !ok {
		return nil
	}

	provider := factory(documentID, doc)
	m.mu.Lock()
	m.providers[documentID] = provider
	m.mu.Unlock()
	return provider
}

func (m *Manager) destroyInstance(documentID string) {
	m.mu.Lock()
	provider, hasProvider := m.providers[documentID]
	delete(m.providers, documentID)
	delete(m.documents, documentID)
	m.mu.Unlock()

	if hasProvider {
		provider.Destroy()
	}
}
