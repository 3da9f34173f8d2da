// Package fake provides an in-memory reference implementation of
// pkg/backend.API for tests and the demo CLI: an ordered per-collection
// change log with cursor-based replay, grounded on the same
// Mutation/Change/Log/Engine shape an authoritative pull-based sync
// engine uses, specialized to the three CRDT mutation verbs this system
// needs instead of generically-named mutations.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/events"
	"github.com/trestleinc/replicate/pkg/log"
)

// Backend is an in-memory, single-process stand-in for a real
// replication backend. It is safe for concurrent use and is intended for
// tests, demos, and local development against multiple simulated clients.
type Backend struct {
	mu          sync.Mutex
	collections map[string]*collectionState
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{collections: make(map[string]*collectionState)}
}

// Bind returns an API bound to one collection, creating its state on
// first use.
func (b *Backend) Bind(collection string) backend.API {
	return &boundAPI{collection: collection, state: b.state(collection)}
}

func (b *Backend) state(collection string) *collectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.collections[collection]
	if !ok {
		s = &collectionState{
			mirror:         make(map[string]*crdt.Document),
			presence:       make(map[string]backend.Presence),
			broker:         events.NewBroker[backend.StreamResponse](64),
			presenceBroker: events.NewBroker[[]backend.Presence](16),
		}
		s.broker.Start()
		s.presenceBroker.Start()
		b.collections[collection] = s
	}
	return s
}

type collectionState struct {
	mu       sync.Mutex
	mirror   map[string]*crdt.Document
	changes  []backend.Change
	seq      uint64
	presence map[string]backend.Presence

	broker         *events.Broker[backend.StreamResponse]
	presenceBroker *events.Broker[[]backend.Presence]
}

func (s *collectionState) mirrorFor(document string) *crdt.Document {
	doc, ok := s.mirror[document]
	if !ok {
		doc = crdt.NewDocument("server")
		s.mirror[document] = doc
	}
	return doc
}

func (s *collectionState) presenceList(document, exclude string) []backend.Presence {
	out := make([]backend.Presence, 0, len(s.presence))
	for clientID, p := range s.presence {
		if clientID == exclude {
			continue
		}
		if p.Document != document {
			continue
		}
		out = append(out, p)
	}
	return out
}

type boundAPI struct {
	collection string
	state      *collectionState
}

func (a *boundAPI) Stream(ctx context.Context, seq uint64, limit int) (<-chan backend.StreamResponse, func(), error) {
	sub := a.state.broker.Subscribe()
	out := make(chan backend.StreamResponse, 1)

	a.state.mu.Lock()
	var backlog []backend.Change
	for _, c := range a.state.changes {
		if c.Seq > seq {
			backlog = append(backlog, c)
		}
	}
	a.state.mu.Unlock()

	if limit <= 0 {
		limit = 1000
	}
	if len(backlog) > 0 {
		more := false
		if len(backlog) > limit {
			more = true
			backlog = backlog[:limit]
		}
		out <- backend.StreamResponse{
			Changes: backlog,
			Seq:     backlog[len(backlog)-1].Seq,
			SeqSet:  true,
			More:    more,
		}
	}

	stop := make(chan struct{})
	go func() {
		defer close(out)
		defer a.state.broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case resp, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	return out, func() { close(stop) }, nil
}

func (a *boundAPI) Insert(ctx context.Context, document string, bytes crdt.Update, material map[string]any) (backend.MutationResult, error) {
	return a.applyMutation(document, bytes, true)
}

func (a *boundAPI) Update(ctx context.Context, document string, bytes crdt.Update, material map[string]any) (backend.MutationResult, error) {
	return a.applyMutation(document, bytes, true)
}

func (a *boundAPI) Remove(ctx context.Context, document string, bytes crdt.Update) (backend.MutationResult, error) {
	return a.applyMutation(document, bytes, false)
}

func (a *boundAPI) applyMutation(document string, bytes crdt.Update, exists bool) (backend.MutationResult, error) {
	a.state.mu.Lock()
	mirror := a.state.mirrorFor(document)
	if err := mirror.ApplyUpdate(bytes, crdt.OriginServer); err != nil {
		a.state.mu.Unlock()
		return backend.MutationResult{}, fmt.Errorf("fake backend: apply %s: %w", document, err)
	}
	a.state.seq++
	seq := a.state.seq
	change := backend.Change{Document: document, Bytes: bytes, Seq: seq, Type: backend.ChangeDelta, Exists: exists}
	a.state.changes = append(a.state.changes, change)
	a.state.mu.Unlock()

	a.state.broker.Publish(backend.StreamResponse{Changes: []backend.Change{change}, Seq: seq, SeqSet: true})
	return backend.MutationResult{Success: true, Seq: seq}, nil
}

func (a *boundAPI) Recovery(ctx context.Context, document string, vector crdt.StateVector) (backend.RecoveryResult, error) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()

	mirror, ok := a.state.mirror[document]
	if !ok {
		return backend.RecoveryResult{Vector: crdt.StateVector{}}, nil
	}
	return backend.RecoveryResult{
		Diff:   mirror.DiffUpdate(vector),
		Vector: mirror.EncodeStateVector(),
	}, nil
}

func (a *boundAPI) Mark(ctx context.Context, document, client string, seq uint64, vector crdt.StateVector) error {
	logger := log.WithComponent("fake-backend")
	logger.Debug().
		Str("collection", a.collection).Str("document", document).Str("client", client).
		Uint64("seq", seq).Msg("acknowledgment received")
	return nil
}

func (a *boundAPI) Compact(ctx context.Context, document string) error {
	logger := log.WithComponent("fake-backend")
	logger.Debug().
		Str("collection", a.collection).Str("document", document).Msg("compaction hint received")
	return nil
}

func (a *boundAPI) Sessions(ctx context.Context, document string, connected bool, exclude string) (<-chan []backend.Presence, func(), error) {
	sub := a.state.presenceBroker.Subscribe()
	out := make(chan []backend.Presence, 1)

	a.state.mu.Lock()
	out <- a.state.presenceList(document, exclude)
	a.state.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		defer close(out)
		defer a.state.presenceBroker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case list, ok := <-sub:
				if !ok {
					return
				}
				filtered := make([]backend.Presence, 0, len(list))
				for _, p := range list {
					if p.Document == document && p.ClientID != exclude {
						filtered = append(filtered, p)
					}
				}
				select {
				case out <- filtered:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()

	return out, func() { close(stop) }, nil
}

func (a *boundAPI) Presence(ctx context.Context, document, client string, action backend.PresenceAction, user, profile map[string]any, cursor map[string]any, interval time.Duration, vector crdt.StateVector) error {
	a.state.mu.Lock()
	switch action {
	case backend.PresenceJoin:
		a.state.presence[client] = backend.Presence{ClientID: client, Document: document, Cursor: cursor, User: user, Profile: profile, Seen: time.Now()}
	case backend.PresenceLeave:
		delete(a.state.presence, client)
	}
	list := a.state.presenceList(document, "")
	a.state.mu.Unlock()

	a.state.presenceBroker.Publish(list)
	return nil
}
