// Package collection is the top-level object applications construct: it
// owns one sub-document manager, one persistence-backed root, one write
// actor manager, one sync/recovery coordinator, and the per-document
// awareness providers opened by rich-text editor bindings, wiring them the
// way a cluster manager owns its store/raft/event-broker/token-manager
// quartet behind typed accessor methods and an ordered Shutdown.
package collection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trestleinc/replicate/pkg/awareness"
	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/log"
	"github.com/trestleinc/replicate/pkg/materialize"
	"github.com/trestleinc/replicate/pkg/persistence"
	"github.com/trestleinc/replicate/pkg/replerr"
	"github.com/trestleinc/replicate/pkg/schema"
	"github.com/trestleinc/replicate/pkg/syncer"
)

// proseGracePeriod and proseGracePoll bound Prose's wait for a
// sub-document/fragment that has not yet arrived (the window between
// collection construction and stream hydration).
const (
	proseGracePeriod = 10 * time.Second
	proseGracePoll   = 10 * time.Millisecond
)

// Config wires a Collection to its concrete dependencies. It is a plain
// struct passed to a constructor, matching the Config-struct pattern
// used throughout this codebase rather than functional options.
type Config struct {
	Name              string
	Schema            schema.Collection
	Backend           backend.API
	Store             *persistence.Store
	ReactiveStore     materialize.Store
	DebounceMs        time.Duration
	MaxRetries        int
	AwarenessInterval time.Duration
}

// LazyCollection defers a Collection's startup sequence until Init is
// called, matching the public surface's `collection.create(...).init(...)`
// two-step shape.
type LazyCollection struct {
	cfg  Config
	coll *Collection
	mu   sync.Mutex
}

// Create returns a LazyCollection for cfg. Nothing is started until Init
// is called.
func Create(cfg Config) *LazyCollection {
	return &LazyCollection{cfg: cfg}
}

// Init runs the collection's full startup sequence (persistence replay,
// client id, optional material hydration, recovery, materialization,
// cursor load, actor runtime, live-stream subscription) and blocks until
// ready.
func (l *LazyCollection) Init(ctx context.Context, material *syncer.Material) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	proseFields := l.cfg.Schema.ProseFields()
	ops := materialize.NewOps(l.cfg.ReactiveStore)

	coord := syncer.New(syncer.Config{
		Collection:  l.cfg.Name,
		Store:       l.cfg.Store,
		Backend:     l.cfg.Backend,
		ProseFields: proseFields,
		Ops:         ops,
		DebounceMs:  l.cfg.DebounceMs,
		MaxRetries:  l.cfg.MaxRetries,
	})

	if err := coord.Start(ctx, material); err != nil {
		return err
	}

	l.coll = &Collection{
		cfg:         l.cfg,
		syncer:      coord,
		ops:         ops,
		proseFields: proseFields,
		awareness:   make(map[string]*awareness.Provider),
	}
	return nil
}

// Get returns the initialized Collection, or ErrCollectionNotReady if
// Init has not completed.
func (l *LazyCollection) Get() (*Collection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.coll == nil {
		return nil, &replerr.ErrCollectionNotReady{Collection: l.cfg.Name}
	}
	return l.coll, nil
}

// Collection is one collection's live runtime: the data-flow API
// (Insert/Update/Delete/reads) plus the rich-text editor binding factory
// (Prose). Obtained from LazyCollection.Get once Init has completed.
type Collection struct {
	cfg         Config
	syncer      *syncer.Coordinator
	ops         *materialize.Ops
	proseFields map[string]struct{}

	awarenessMu sync.Mutex
	awareness   map[string]*awareness.Provider
}

// Name returns the collection's name.
func (c *Collection) Name() string {
	return c.cfg.Name
}

// Insert creates a new row, applies it to a new sub-document, and pushes
// it to the backend, returning the document id (fields["id"] when that is
// a non-empty string, otherwise a generated one).
func (c *Collection) Insert(ctx context.Context, fields map[string]any) (string, error) {
	return c.syncer.Insert(ctx, fields)
}

// Update applies fields to an existing row and schedules its write
// actor's debounced sync.
func (c *Collection) Update(documentID string, fields map[string]any) error {
	return c.syncer.Update(documentID, fields)
}

// Delete tombstones a row, removes it from the reactive store, and
// notifies the backend.
func (c *Collection) Delete(ctx context.Context, documentID string) error {
	return c.syncer.Delete(ctx, documentID)
}

// Row returns the materialized row for documentID from the reactive
// store, if the store supports point reads.
func (c *Collection) Row(documentID string) (materialize.Row, bool) {
	if r, ok := c.cfg.ReactiveStore.(interface {
		Get(string) (materialize.Row, bool)
	}); ok {
		return r.Get(documentID)
	}
	return nil, false
}

// Rows returns every materialized row currently in the reactive store, if
// the store supports a full scan.
func (c *Collection) Rows() []materialize.Row {
	if r, ok := c.cfg.ReactiveStore.(interface{ Rows() []materialize.Row }); ok {
		return r.Rows()
	}
	return nil
}

// ClientID returns this process's session client id, stable across
// restarts.
func (c *Collection) ClientID() string {
	return c.syncer.ClientID()
}

// EditorBinding is the application-facing handle for editing one prose
// field: the rich-text fragment itself, the sub-document and awareness
// primitive backing it (the "fragment + awareness + document" triple the
// public surface exposes), the write actor's pending signal, and a
// destructor that unwinds every resource utils.Prose opened.
type EditorBinding struct {
	Fragment  *crdt.Fragment
	Document  *crdt.Document
	Awareness *crdt.Awareness

	collection *Collection
	documentID string
	field      string
	provider   *awareness.Provider
	actor      pendingSource
}

type pendingSource interface {
	Pending() bool
	OnPendingChange(func(bool)) func()
}

// Pending reports whether this document's write actor has a sync
// scheduled or in flight.
func (b *EditorBinding) Pending() bool {
	return b.actor.Pending()
}

// OnPendingChange registers fn to be called whenever Pending's value
// changes, returning an unsubscribe function.
func (b *EditorBinding) OnPendingChange(fn func(bool)) (unsubscribe func()) {
	return b.actor.OnPendingChange(fn)
}

// Edit runs mutate against a clone of the fragment's current root,
// applies it as a Fragment-origin transaction (so observers such as the
// persistence layer and this document's write actor distinguish it from
// a plain scalar Local edit), stages the resulting delta as a prepared
// push on the write actor, and refreshes b.Fragment to the new value.
func (b *EditorBinding) Edit(mutate func(root *crdt.Node)) error {
	var delta crdt.Update
	err := func() error {
		subdocs := b.collection.syncer.Subdocs()
		d, txErr := subdocs.TransactWithDelta(b.documentID, func(fields map[string]any) {
			current, _ := fields[b.field].(*crdt.Fragment)
			if current == nil {
				current = crdt.NewEmptyFragment()
			}
			next := &crdt.Fragment{Root: cloneNode(current.Root)}
			mutate(next.Root)
			fields[b.field] = next
		}, crdt.OriginFragment)
		delta = d
		return txErr
	}()
	if err != nil {
		return err
	}

	if frag, ok := b.collection.syncer.Subdocs().GetFragment(b.documentID, b.field); ok {
		b.Fragment = frag
	}

	fields, _ := b.collection.syncer.Subdocs().GetFields(b.documentID)
	material := materialize.Serialize(b.documentID, fields)
	b.collection.syncer.PushPrepared(b.documentID, &syncer.PreparedPush{Bytes: delta, Material: material})
	return nil
}

// Destroy tears down the awareness provider and removes this binding's
// entry from the owning Collection, following the design notes'
// "fragment observer cleanup functions are owned by the context" rule.
func (b *EditorBinding) Destroy() {
	b.collection.awarenessMu.Lock()
	delete(b.collection.awareness, b.documentID+"/"+b.field)
	b.collection.awarenessMu.Unlock()
	b.provider.Destroy()
}

// ProseOptions configures a Prose binding: this participant's profile for
// the awareness heartbeat, and an override for the heartbeat interval.
type ProseOptions struct {
	User     map[string]any
	Profile  map[string]any
	Interval time.Duration
}

// Prose returns an EditorBinding for field on documentID, polling for the
// sub-document (and, if present, creating an empty fragment at field when
// absent) for up to a 10-second grace period before returning
// replerr.ProseBindingError. It registers documentID's write actor if not
// already registered and starts an awareness provider for the document.
func (c *Collection) Prose(ctx context.Context, documentID, field string, opts ProseOptions) (*EditorBinding, error) {
	subdocs := c.syncer.Subdocs()
	deadline := time.Now().Add(proseGracePeriod)

	var fragment *crdt.Fragment
	for {
		if subdocs.Has(documentID) {
			if frag, ok := subdocs.GetFragment(documentID, field); ok {
				fragment = frag
				break
			}
			if _, err := subdocs.TransactWithDelta(documentID, func(fields map[string]any) {
				if _, exists := fields[field]; !exists {
					fields[field] = crdt.NewEmptyFragment()
				}
			}, crdt.OriginFragment); err == nil {
				if frag, ok := subdocs.GetFragment(documentID, field); ok {
					fragment = frag
					break
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, &replerr.ProseBindingError{Collection: c.cfg.Name, Document: documentID, Field: field}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(proseGracePoll):
		}
	}

	doc, _ := subdocs.Get(documentID)
	act := c.syncer.EnsureActor(documentID)

	key := documentID + "/" + field
	clientID := c.syncer.ClientID() + ":" + key
	aw := crdt.NewAwareness(crdt.HashClientID(clientID))

	interval := opts.Interval
	if interval <= 0 {
		interval = c.cfg.AwarenessInterval
	}
	provider := awareness.New(awareness.Config{
		Collection: c.cfg.Name,
		Document:   documentID,
		ClientID:   clientID,
		Backend:    c.cfg.Backend,
		Awareness:  aw,
		Vector:     func() crdt.StateVector { return doc.EncodeStateVector() },
		Interval:   interval,
		Ready:      c.syncer.Ready(),
	})
	provider.Start(opts.User, opts.Profile)

	c.awarenessMu.Lock()
	c.awareness[key] = provider
	c.awarenessMu.Unlock()

	return &EditorBinding{
		Fragment:   fragment,
		Document:   doc,
		Awareness:  aw,
		collection: c,
		documentID: documentID,
		field:      field,
		provider:   provider,
		actor:      act,
	}, nil
}

// Cleanup tears down every open awareness provider, then unsubscribes the
// live stream, unregisters every write actor, closes the root persistence
// provider, and destroys the sub-document manager, in that order.
func (c *Collection) Cleanup() {
	c.awarenessMu.Lock()
	providers := make([]*awareness.Provider, 0, len(c.awareness))
	for _, p := range c.awareness {
		providers = append(providers, p)
	}
	c.awareness = make(map[string]*awareness.Provider)
	c.awarenessMu.Unlock()

	for _, p := range providers {
		p.Destroy()
	}

	c.syncer.Cleanup()
	logger := log.WithCollection("collection", c.cfg.Name)
	logger.Info().Msg("collection cleaned up")
}

func cloneNode(n *crdt.Node) *crdt.Node {
	if n == nil {
		return &crdt.Node{Type: "paragraph"}
	}
	clone := &crdt.Node{Type: n.Type, Text: n.Text}
	if n.Attrs != nil {
		clone.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			clone.Attrs[k] = v
		}
	}
	if n.Marks != nil {
		clone.Marks = append([]crdt.Mark(nil), n.Marks...)
	}
	for _, child := range n.Content {
		clone.Content = append(clone.Content, cloneNode(child))
	}
	return clone
}

// GenerateDocumentID returns a new random document id, for callers that
// want to pre-allocate an id before Insert (e.g. to attach an optimistic
// Prose binding before the backend round trip completes).
func GenerateDocumentID() string {
	return uuid.New().String()
}
