// Package crdt implements the minimal CRDT algebra boundary the rest of the
// replication engine is written against: a per-document "fields" map with
// last-writer-wins semantics per key, vector-clock state vectors, and an
// observer hook for origin-tagged change notification. The wider CRDT
// algebra (full structural merge of nested maps/arrays, a production
// rich-text OT/CRDT engine) is explicitly out of scope of this system — see
// the top-level design notes — this package exists only so the rest of the
// engine has a real, in-process implementation of the contract to be built
// and tested against.
package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// Origin tags the provenance of a transaction or applied update, letting
// observers distinguish local edits from remote ones and avoid feedback
// loops in the persistence layer.
type Origin string

const (
	OriginLocal       Origin = "Local"
	OriginFragment    Origin = "Fragment"
	OriginServer      Origin = "Server"
	OriginPersistence Origin = "persistence"
)

// StateVector summarizes, per replica, the highest operation counter that
// replica has observed. The zero value is the canonical empty vector.
type StateVector map[string]uint64

// Clone returns a deep copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Dominates reports whether sv has observed everything other has.
func (sv StateVector) Dominates(other StateVector) bool {
	for replica, counter := range other {
		if sv[replica] < counter {
			return false
		}
	}
	return true
}

// Update is an opaque, encoded set of operations. A length of two or
// fewer bytes is the "empty update" marker write actors must treat as
// "nothing to send"; an empty set of operations encodes to zero bytes.
type Update []byte

// op is one last-writer-wins assignment to a single top-level field.
type op struct {
	ReplicaID string
	Counter   uint64
	Key       string
	Value     any
	Tombstone bool
}

// Observer is notified after every applied transaction or remote update,
// carrying the origin tag, the encoded update covering exactly the change
// (what the persistence layer appends), and the top-level field names
// touched (what the materialization bridge re-derives).
type Observer func(origin Origin, update Update, changedKeys []string)

// Document is a single CRDT sub-document: a flat map of field name to
// value, merged with last-writer-wins semantics keyed by (counter,
// replicaID). Values are plain Go data (string/float64/bool/nil,
// map[string]any, []any) or a *Fragment for rich-text fields.
type Document struct {
	mu        sync.RWMutex
	replicaID string
	clock     uint64
	fields    map[string]op
	history   []op
	observers []Observer
}

// NewDocument creates an empty document. replicaID identifies this
// process/client's operations in the history for state-vector purposes.
func NewDocument(replicaID string) *Document {
	return &Document{
		replicaID: replicaID,
		fields:    make(map[string]op),
	}
}

// Observe registers an observer and returns an unsubscribe function.
func (d *Document) Observe(fn Observer) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
	idx := len(d.observers) - 1
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.observers) {
			d.observers[idx] = nil
		}
	}
}

func (d *Document) notify(origin Origin, update Update, keys []string) {
	if len(keys) == 0 {
		return
	}
	d.mu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()
	for _, obs := range observers {
		if obs != nil {
			obs(origin, update, keys)
		}
	}
}

// Fields returns a snapshot of the top-level fields map. Tombstoned keys
// are omitted. The returned map is a defensive copy.
func (d *Document) Fields() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]any, len(d.fields))
	for k, o := range d.fields {
		if o.Tombstone {
			continue
		}
		out[k] = o.Value
	}
	return out
}

// Get returns a single field's value.
func (d *Document) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.fields[key]
	if !ok || o.Tombstone {
		return nil, false
	}
	return o.Value, true
}

// Mutator receives a plain map view of the fields to stage changes into.
// Assign a value to set/overwrite a field; delete the key to remove the
// field (assigning nil stores a nil value).
type Mutator func(fields map[string]any)

// TransactWithDelta runs mutator against a staged copy of the fields map,
// diffs it against current state, applies the changes as one batch of
// operations tagged with origin, and returns the encoded update covering
// exactly those changes.
func (d *Document) TransactWithDelta(mutator Mutator, origin Origin) Update {
	d.mu.Lock()

	staged := make(map[string]any, len(d.fields))
	for k, o := range d.fields {
		if !o.Tombstone {
			staged[k] = o.Value
		}
	}
	mutator(staged)

	var ops []op
	for k, v := range staged {
		existing, existed := d.fields[k]
		if existed && !existing.Tombstone && deepEqual(existing.Value, v) {
			continue
		}
		d.clock++
		o := op{ReplicaID: d.replicaID, Counter: d.clock, Key: k, Value: v}
		d.fields[k] = o
		ops = append(ops, o)
	}
	for k, existing := range d.fields {
		if existing.Tombstone {
			continue
		}
		if _, stillPresent := staged[k]; !stillPresent {
			d.clock++
			o := op{ReplicaID: d.replicaID, Counter: d.clock, Key: k, Tombstone: true}
			d.fields[k] = o
			ops = append(ops, o)
		}
	}

	d.history = append(d.history, ops...)
	changed := make([]string, 0, len(ops))
	for _, o := range ops {
		changed = append(changed, o.Key)
	}

	d.mu.Unlock()
	encoded := encodeOps(ops)
	d.notify(origin, encoded, changed)
	return encoded
}

// ApplyUpdate decodes and applies a received update, resolving conflicts by
// (counter, replicaID) last-writer-wins per key.
func (d *Document) ApplyUpdate(update Update, origin Origin) error {
	ops, err := decodeOps(update)
	if err != nil {
		return fmt.Errorf("crdt: decode update: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	d.mu.Lock()
	var changed []string
	for _, incoming := range ops {
		current, ok := d.fields[incoming.Key]
		if !ok || wins(incoming, current) {
			d.fields[incoming.Key] = incoming
			changed = append(changed, incoming.Key)
		}
		d.history = append(d.history, incoming)
	}
	d.mu.Unlock()

	d.notify(origin, update, changed)
	return nil
}

// wins reports whether candidate should overwrite current under
// last-writer-wins with (counter, replicaID) tie-breaking.
func wins(candidate, current op) bool {
	if candidate.Counter != current.Counter {
		return candidate.Counter > current.Counter
	}
	return candidate.ReplicaID > current.ReplicaID
}

// EncodeStateVector returns the document's current state vector: the
// highest counter observed per replica across its whole history.
func (d *Document) EncodeStateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := make(StateVector)
	for _, o := range d.history {
		if o.Counter > sv[o.ReplicaID] {
			sv[o.ReplicaID] = o.Counter
		}
	}
	return sv
}

// EncodeState returns the full current state as an update, including
// tombstones — used just before deleting a document to carry the
// tombstone delta to other replicas.
func (d *Document) EncodeState() Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]op, 0, len(d.fields))
	for _, o := range d.fields {
		ops = append(ops, o)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Key < ops[j].Key })
	return encodeOps(ops)
}

// DiffUpdate returns the subset of this document's history not yet
// observed by since, encoded as a single update.
func (d *Document) DiffUpdate(since StateVector) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ops []op
	for _, o := range d.history {
		if o.Counter > since[o.ReplicaID] {
			ops = append(ops, o)
		}
	}
	return encodeOps(ops)
}

// MergeUpdates concatenates and re-encodes multiple updates into one,
// without attempting to deduplicate — ApplyUpdate's LWW resolution handles
// duplicates safely (delta idempotence).
func MergeUpdates(updates ...Update) (Update, error) {
	var all []op
	for _, u := range updates {
		ops, err := decodeOps(u)
		if err != nil {
			return nil, fmt.Errorf("crdt: merge: %w", err)
		}
		all = append(all, ops...)
	}
	return encodeOps(all), nil
}

func encodeOps(ops []op) Update {
	if len(ops) == 0 {
		// The canonical empty update. Kept at zero length so callers
		// checking the "nothing to send" marker (len <= 2) always skip it.
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		// ops is always gob-encodable plain data; a failure here means a
		// caller smuggled a non-serializable value into a field.
		panic(fmt.Sprintf("crdt: encode: %v", err))
	}
	return buf.Bytes()
}

func decodeOps(u Update) ([]op, error) {
	if len(u) == 0 {
		return nil, nil
	}
	var ops []op
	if err := gob.NewDecoder(bytes.NewReader(u)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func deepEqual(a, b any) bool {
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}
