// Package syncer orchestrates one collection's lifecycle from cold start
// through live streaming: persistence replay, recovery, materialization,
// cursor tracking, and the outbound write path into the backend. Its
// startup-then-subscribe shape and ticker-driven live loop follow a
// reconciliation loop used elsewhere in the wider retrieval pack, adapted
// here to a push-driven change stream instead of a poll interval.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trestleinc/replicate/pkg/actor"
	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/log"
	"github.com/trestleinc/replicate/pkg/materialize"
	"github.com/trestleinc/replicate/pkg/metrics"
	"github.com/trestleinc/replicate/pkg/persistence"
	"github.com/trestleinc/replicate/pkg/replerr"
	"github.com/trestleinc/replicate/pkg/subdoc"
)

const (
	defaultStreamLimit     = 1000
	defaultRecoveryWorkers = 8
	sessionClientIDKey     = "replicate:sessionClientId"
)

func cursorKey(collection string) string {
	return fmt.Sprintf("cursor:%s", collection)
}

// Material is server-rendered bootstrap data a caller may pass to Start to
// avoid an initial round trip.
type Material struct {
	Documents []materialize.Row
	Cursor    uint64
	CRDT      map[string]crdt.Update
}

// Config wires a Coordinator to its collection's concrete dependencies.
type Config struct {
	Collection  string
	Store       *persistence.Store
	Backend     backend.API
	ProseFields map[string]struct{}
	Ops         *materialize.Ops
	DebounceMs  time.Duration
	MaxRetries  int
}

// Coordinator drives one collection's sync lifecycle.
type Coordinator struct {
	cfg      Config
	clientID string

	subdocs *subdoc.Manager
	actors  *actor.Manager
	root    *persistence.Provider

	cursorMu sync.Mutex
	cursor   uint64

	vectorsMu sync.Mutex
	vectors   map[string]crdt.StateVector

	// insertedMu/inserted track, per document, whether an api.insert call
	// has already landed for it (restored from persistence, hydrated from
	// material, or received over the stream, or pushed
	// successfully by this client) — so the write actor's sync function
	// knows whether its next outbound push is the creating api.insert or a
	// following api.update.
	insertedMu sync.Mutex
	inserted   map[string]bool

	streamStop func()
	streamDone chan struct{}

	ready chan struct{}
}

// New creates a Coordinator for cfg.Collection. Call Start to run the
// startup sequence and begin streaming.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		vectors:  make(map[string]crdt.StateVector),
		inserted: make(map[string]bool),
		ready:    make(chan struct{}),
	}
}

// markInserted records that documentID is known to already exist on the
// backend, so its next outbound push is an api.update rather than an
// api.insert.
func (c *Coordinator) markInserted(documentID string) {
	c.insertedMu.Lock()
	c.inserted[documentID] = true
	c.insertedMu.Unlock()
}

func (c *Coordinator) isInserted(documentID string) bool {
	c.insertedMu.Lock()
	defer c.insertedMu.Unlock()
	return c.inserted[documentID]
}

// Ready returns a channel closed once the collection's reactive store has
// been materialized and the live stream subscription is open.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// ClientID returns this process's session client id, valid after Start.
func (c *Coordinator) ClientID() string {
	return c.clientID
}

// Subdocs exposes the sub-document manager for use by an editor binding
// (pkg/collection's prose utility).
func (c *Coordinator) Subdocs() *subdoc.Manager {
	return c.subdocs
}

// Start runs the full startup sequence (persistence replay, client id,
// optional material hydration, recovery, materialization, cursor load,
// actor runtime) and opens the live stream subscription. It blocks until
// the collection is ready.
func (c *Coordinator) Start(ctx context.Context, material *Material) error {
	logger := log.WithComponent("syncer")

	clientID, err := c.loadOrCreateClientID()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load session client id, using ephemeral id")
		clientID = uuid.New().String()
	}
	c.clientID = clientID
	c.subdocs = subdoc.NewManager(c.cfg.Collection, clientID)
	c.actors = actor.NewManager(c.cfg.Collection)

	// 1. Persistence activation.
	c.root = c.cfg.Store.CreateDocPersistence(c.cfg.Collection, c.subdocs.Root())
	<-c.root.WhenSynced()
	if err := c.root.Err(); err != nil {
		logger.Error().Err(err).Msg("root persistence replay failed, continuing in-memory")
	}

	for _, id := range c.subdocs.RestoreFromRoot() {
		c.markInserted(id)
	}
	providers := c.subdocs.EnablePersistence(func(documentID string, doc *crdt.Document) subdoc.PersistenceProvider {
		name := fmt.Sprintf("%s:%s", c.cfg.Collection, documentID)
		return c.cfg.Store.CreateDocPersistence(name, doc)
	})
	for _, p := range providers {
		<-p.WhenSynced()
	}

	// 4. Material hydration.
	if material != nil {
		for docID, update := range material.CRDT {
			if err := c.subdocs.ApplyUpdate(docID, update, crdt.OriginServer); err != nil {
				logger.Error().Err(err).Str("document", docID).Msg("material hydration failed")
				continue
			}
			c.markInserted(docID)
		}
	}

	// 5. Recovery.
	c.recoverAll(ctx)

	// 6. Materialize into store.
	if err := c.replaceAll(); err != nil {
		return fmt.Errorf("syncer: initial materialization: %w", err)
	}

	// 7. Cursor.
	cursor := uint64(0)
	if material != nil {
		cursor = material.Cursor
	}
	if stored, err := c.loadCursor(); err == nil && stored > cursor {
		cursor = stored
	}
	c.cursorMu.Lock()
	c.cursor = cursor
	c.cursorMu.Unlock()
	metrics.CursorValue.WithLabelValues(c.cfg.Collection).Set(float64(cursor))

	// 9. Subscribe.
	streamCtx, cancel := context.WithCancel(context.Background())
	respCh, stop, err := c.cfg.Backend.Stream(streamCtx, cursor, defaultStreamLimit)
	if err != nil {
		cancel()
		return fmt.Errorf("syncer: open stream: %w", err)
	}
	c.streamStop = func() { stop(); cancel() }
	c.streamDone = make(chan struct{})

	go c.streamLoop(respCh)

	close(c.ready)
	return nil
}

func (c *Coordinator) recoverAll(ctx context.Context) {
	ids := c.subdocs.Documents()
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, defaultRecoveryWorkers)
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			vector := c.subdocs.EncodeStateVector(id)
			result, err := c.cfg.Backend.Recovery(ctx, id, vector)
			if err != nil {
				logger := log.WithComponent("syncer")
				logger.Error().Err(err).Str("document", id).Msg("recovery request failed")
				return
			}
			if len(result.Diff) > 0 {
				if err := c.subdocs.ApplyUpdate(id, result.Diff, crdt.OriginServer); err != nil {
					logger := log.WithComponent("syncer")
					logger.Error().Err(err).Str("document", id).Msg("failed to apply recovery diff")
				}
			}
		}()
	}
	wg.Wait()
}

func (c *Coordinator) replaceAll() error {
	ids := c.subdocs.Documents()
	rows := make([]materialize.Row, 0, len(ids))
	for _, id := range ids {
		fields, ok := c.subdocs.GetFields(id)
		if !ok {
			continue
		}
		rows = append(rows, materialize.Serialize(id, fields))
	}
	metrics.DocumentsTotal.WithLabelValues(c.cfg.Collection).Set(float64(len(rows)))
	return c.cfg.Ops.Replace(rows)
}

func (c *Coordinator) streamLoop(respCh <-chan backend.StreamResponse) {
	defer close(c.streamDone)
	for resp := range respCh {
		c.handleStreamResponse(resp)
	}
}

func (c *Coordinator) handleStreamResponse(resp backend.StreamResponse) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StreamApplyDuration)
	metrics.StreamBatchesTotal.Inc()

	touched := make(map[string]struct{}, len(resp.Changes))
	ops := make([]materialize.Op, 0, len(resp.Changes))
	for _, change := range resp.Changes {
		if op, ok := c.applyChange(change); ok {
			ops = append(ops, op)
		}
		touched[change.Document] = struct{}{}
	}
	if err := c.cfg.Ops.WriteBatch(ops); err != nil {
		logger := log.WithComponent("syncer")
		logger.Error().Err(err).Msg("failed to apply stream batch to reactive store")
		return
	}

	if resp.SeqSet {
		c.cursorMu.Lock()
		if resp.Seq > c.cursor {
			c.cursor = resp.Seq
		}
		cursor := c.cursor
		c.cursorMu.Unlock()

		if err := c.saveCursor(cursor); err != nil {
			logger := log.WithComponent("syncer")
			logger.Error().Err(err).Msg("failed to persist cursor")
		}
		metrics.CursorValue.WithLabelValues(c.cfg.Collection).Set(float64(cursor))

		clientID := c.clientID
		for doc := range touched {
			doc, cursor := doc, cursor
			go func() {
				vector := c.subdocs.EncodeStateVector(doc)
				if err := c.cfg.Backend.Mark(context.Background(), doc, clientID, cursor, vector); err != nil {
					logger := log.WithComponent("syncer")
					logger.Error().Err(err).Str("document", doc).Msg("mark failed")
				}
			}()
		}
	}

	if resp.Compact != nil {
		for _, doc := range resp.Compact.Documents {
			doc := doc
			go func() {
				if err := c.cfg.Backend.Compact(context.Background(), doc); err != nil {
					logger := log.WithComponent("syncer")
					logger.Error().Err(err).Str("document", doc).Msg("compact hint failed")
				}
			}()
		}
	}

	for doc := range touched {
		c.actors.OnServerUpdate(doc)
	}
}

// applyChange applies one stream change to the sub-document manager and
// returns the reactive-store op it implies, if any. The caller batches the
// ops across an entire stream response into one transaction so the whole
// response becomes visible atomically.
func (c *Coordinator) applyChange(change backend.Change) (materialize.Op, bool) {
	existedLocally := c.subdocs.Has(change.Document)
	if !existedLocally && !change.Exists {
		return materialize.Op{}, false
	}

	var before materialize.Row
	if existedLocally {
		if fields, ok := c.subdocs.GetFields(change.Document); ok {
			before = materialize.Serialize(change.Document, fields)
		}
	}

	if err := c.subdocs.ApplyUpdate(change.Document, change.Bytes, crdt.OriginServer); err != nil {
		logger := log.WithComponent("syncer")
		logger.Error().Err(err).Str("document", change.Document).Msg("failed to apply stream change")
		return materialize.Op{}, false
	}
	if change.Exists {
		c.markInserted(change.Document)
	}

	var after materialize.Row
	if change.Exists {
		if fields, ok := c.subdocs.GetFields(change.Document); ok {
			after = materialize.Serialize(change.Document, fields)
		}
	}

	switch {
	case after != nil && before == nil:
		return materialize.Op{Type: "insert", Row: after}, true
	case after != nil && before != nil:
		return materialize.Op{Type: "upsert", Row: after}, true
	case after == nil && before != nil:
		c.subdocs.Delete(change.Document)
		return materialize.Op{Type: "delete", Row: before}, true
	}
	return materialize.Op{}, false
}

// Insert creates a new sub-document with fields, materializes it into the
// reactive store, and schedules its write actor's debounced push of the
// creating api.insert call — the same debounce/retry machinery Update
// uses, so an offline insert is retried rather than dropped or failed
// synchronously to the caller. The document id is fields["id"] when that
// is a non-empty string, otherwise a newly generated one; it is returned.
func (c *Coordinator) Insert(ctx context.Context, fields map[string]any) (string, error) {
	documentID, _ := fields["id"].(string)
	if documentID == "" {
		documentID = uuid.New().String()
	}
	c.subdocs.GetOrCreate(documentID)

	mutator := materialize.BuildMutator(c.cfg.ProseFields, fields)
	if _, err := c.subdocs.TransactWithDelta(documentID, mutator, crdt.OriginLocal); err != nil {
		return "", err
	}

	c.registerActor(documentID)
	rowFields, _ := c.subdocs.GetFields(documentID)
	material := materialize.Serialize(documentID, rowFields)
	_ = c.cfg.Ops.Insert([]materialize.Row{material})

	c.actors.OnLocalChange(documentID)
	return documentID, nil
}

// Update applies fields to documentID and notifies its write actor.
func (c *Coordinator) Update(documentID string, fields map[string]any) error {
	mutator := materialize.BuildMutator(c.cfg.ProseFields, fields)
	_, err := c.subdocs.TransactWithDelta(documentID, mutator, crdt.OriginLocal)
	if err != nil {
		return err
	}
	c.registerActor(documentID)
	c.actors.OnLocalChange(documentID)
	return nil
}

// Delete tombstones documentID, removes it from the reactive store, and
// notifies the backend.
func (c *Coordinator) Delete(ctx context.Context, documentID string) error {
	fields, ok := c.subdocs.GetFields(documentID)
	if !ok {
		return fmt.Errorf("syncer: delete unknown document %s", documentID)
	}
	row := materialize.Serialize(documentID, fields)

	delta, err := c.subdocs.EncodeState(documentID)
	if err != nil {
		return err
	}

	c.subdocs.Delete(documentID)
	c.actors.Unregister(documentID)
	_ = c.cfg.Ops.Delete([]materialize.Row{row})

	if _, err := c.cfg.Backend.Remove(ctx, documentID, delta); err != nil {
		return &replerr.SyncError{Document: documentID, Cause: err, Retriable: true}
	}
	return nil
}

// EnsureActor registers (idempotently) and returns the write actor for
// documentID. Exposed for callers outside the Insert/Update/Delete path,
// such as a rich-text editor binding that needs one for its document
// before any scalar mutation has touched it.
func (c *Coordinator) EnsureActor(documentID string) *actor.Actor {
	return c.registerActor(documentID)
}

// PushPrepared stages a pre-computed push on documentID's write actor and
// schedules a debounced sync, bypassing the normal diff-from-vector path.
func (c *Coordinator) PushPrepared(documentID string, prepared *PreparedPush) {
	c.actors.OnLocalChangeWithPrepared(documentID, prepared)
}

func (c *Coordinator) registerActor(documentID string) *actor.Actor {
	syncFn := func(ctx context.Context, a *actor.Actor) error {
		return c.syncDocument(ctx, documentID, a)
	}
	onExternalUpdate := func() {
		c.vectorsMu.Lock()
		c.vectors[documentID] = c.subdocs.EncodeStateVector(documentID)
		c.vectorsMu.Unlock()
	}
	return c.actors.Register(documentID, syncFn, onExternalUpdate, c.cfg.DebounceMs, c.cfg.MaxRetries)
}

// PreparedPush is a verbatim outbound push the rich-text editor binding
// has already computed (its delta and materialized row), staged on the
// actor so the next sync attempt can send it without recomputing a diff.
type PreparedPush struct {
	Bytes    crdt.Update
	Material materialize.Row
}

func (c *Coordinator) syncDocument(ctx context.Context, documentID string, a *actor.Actor) error {
	doc, exists := c.subdocs.Get(documentID)
	if !exists {
		return nil
	}

	if prepared, ok := a.TakePreparedPush().(*PreparedPush); ok && prepared != nil {
		// A prepared push is the rich-text editor binding's content-sync
		// fast path, always against a document that already has its
		// fragment field, so it always pushes as an update.
		if _, err := c.cfg.Backend.Update(ctx, documentID, prepared.Bytes, prepared.Material); err != nil {
			return &replerr.SyncError{Document: documentID, Cause: err, Retriable: true}
		}
		c.markInserted(documentID)
		c.vectorsMu.Lock()
		c.vectors[documentID] = doc.EncodeStateVector()
		c.vectorsMu.Unlock()
		return nil
	}

	c.vectorsMu.Lock()
	vector, ok := c.vectors[documentID]
	c.vectorsMu.Unlock()
	if !ok {
		vector = crdt.StateVector{}
	}

	update := doc.DiffUpdate(vector)
	if len(update) <= 2 {
		return nil
	}

	fields, _ := c.subdocs.GetFields(documentID)
	material := materialize.Serialize(documentID, fields)

	if c.isInserted(documentID) {
		if _, err := c.cfg.Backend.Update(ctx, documentID, update, material); err != nil {
			return &replerr.SyncError{Document: documentID, Cause: err, Retriable: true}
		}
	} else {
		if _, err := c.cfg.Backend.Insert(ctx, documentID, update, material); err != nil {
			return &replerr.SyncError{Document: documentID, Cause: err, Retriable: true}
		}
		c.markInserted(documentID)
	}

	c.vectorsMu.Lock()
	c.vectors[documentID] = doc.EncodeStateVector()
	c.vectorsMu.Unlock()
	return nil
}

// Cleanup unsubscribes the stream, unregisters all write actors, closes
// the root persistence provider, and destroys the sub-document manager,
// in that order.
func (c *Coordinator) Cleanup() {
	if c.streamStop != nil {
		c.streamStop()
	}
	if c.streamDone != nil {
		<-c.streamDone
	}
	if c.actors != nil {
		c.actors.Destroy()
	}
	if c.root != nil {
		c.root.Destroy()
	}
	if c.subdocs != nil {
		c.subdocs.Destroy()
	}
}

func (c *Coordinator) loadOrCreateClientID() (string, error) {
	kv := c.cfg.Store.KV()
	var id string
	ok, err := kv.Get(sessionClientIDKey, &id)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := kv.Set(sessionClientIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Coordinator) loadCursor() (uint64, error) {
	kv := c.cfg.Store.KV()
	var cursor uint64
	ok, err := kv.Get(cursorKey(c.cfg.Collection), &cursor)
	if err != nil || !ok {
		return 0, err
	}
	return cursor, nil
}

func (c *Coordinator) saveCursor(cursor uint64) error {
	return c.cfg.Store.KV().Set(cursorKey(c.cfg.Collection), cursor)
}
