// Package materialize converts between a sub-document's CRDT fields map
// and the plain record a reactive store holds, and wraps that store's
// begin/write/truncate/commit transaction API into the bulk operations
// the sync coordinator needs. Its recursive map/slice copying
// follows the defensive deep-clone pattern used by a distributed
// collection implementation in the wider retrieval pack.
package materialize

import (
	"fmt"

	"github.com/trestleinc/replicate/pkg/crdt"
)

// Row is a materialized record: a plain map with an "id" key injected
// from the sub-document's key.
type Row = map[string]any

// Serialize converts a sub-document's fields map into a materialized row
// with id set to documentID. Rich-text fragments become ProseMirror JSON;
// nested CRDT maps/arrays are recursively copied; everything else passes
// through.
func Serialize(documentID string, fields map[string]any) Row {
	row := make(Row, len(fields)+1)
	for k, v := range fields {
		row[k] = serializeValue(v)
	}
	row["id"] = documentID
	return row
}

func serializeValue(v any) any {
	switch val := v.(type) {
	case *crdt.Fragment:
		return val.ToJSON()
	case map[string]any:
		return cloneMap(val)
	case []any:
		return cloneSlice(val)
	default:
		return val
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = serializeValue(v)
	}
	return out
}

func cloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = serializeValue(v)
	}
	return out
}

// BuildMutator returns a crdt.Mutator that hydrates incoming values into
// fields, following the reverse path: a prose field whose incoming value
// is ProseMirror-shaped becomes a rich-text fragment; a prose field whose
// existing value is already a fragment is left untouched by a scalar
// overwrite (a no-op, not an error); everything else is set verbatim.
func BuildMutator(proseFields map[string]struct{}, incoming map[string]any) crdt.Mutator {
	return func(fields map[string]any) {
		for k, v := range incoming {
			if _, isProse := proseFields[k]; isProse {
				if crdt.IsProseMirrorDoc(v) {
					if m, ok := v.(map[string]any); ok {
						fields[k] = crdt.FragmentFromJSON(m)
					}
					continue
				}
				if _, alreadyFragment := fields[k].(*crdt.Fragment); alreadyFragment {
					continue
				}
			}
			fields[k] = v
		}
	}
}

// Txn is one reactive-store transaction: writes accumulate until Commit,
// and Truncate (if called) clears the store's prior contents as part of
// the same transaction.
type Txn interface {
	Truncate() error
	Write(opType string, row Row) error
	Commit() error
}

// Store is the reactive store's transactional entry point.
type Store interface {
	Begin() Txn
}

// Ops wraps Store into the bulk operations the sync coordinator issues
// (Insert, Upsert, Delete, Replace, WriteBatch), each performing exactly
// one transaction.
type Ops struct {
	store Store
}

// NewOps wraps store.
func NewOps(store Store) *Ops {
	return &Ops{store: store}
}

// Insert writes items as inserts in one transaction.
func (o *Ops) Insert(items []Row) error {
	return o.writeAll("insert", items)
}

// Upsert writes items as upserts in one transaction.
func (o *Ops) Upsert(items []Row) error {
	return o.writeAll("upsert", items)
}

// Delete writes items as deletes (tombstones) in one transaction.
func (o *Ops) Delete(items []Row) error {
	return o.writeAll("delete", items)
}

// Replace truncates the store, then writes items as inserts, all within
// one transaction. Used for full re-hydration on startup.
func (o *Ops) Replace(items []Row) error {
	txn := o.store.Begin()
	if err := txn.Truncate(); err != nil {
		return fmt.Errorf("materialize: truncate: %w", err)
	}
	for _, item := range items {
		if err := txn.Write("insert", item); err != nil {
			return fmt.Errorf("materialize: replace write: %w", err)
		}
	}
	return txn.Commit()
}

func (o *Ops) writeAll(opType string, items []Row) error {
	txn := o.store.Begin()
	for _, item := range items {
		if err := txn.Write(opType, item); err != nil {
			return fmt.Errorf("materialize: %s write: %w", opType, err)
		}
	}
	return txn.Commit()
}

// Op is one row mutation ("insert", "upsert", or "delete") destined for a
// single WriteBatch transaction.
type Op struct {
	Type string
	Row  Row
}

// WriteBatch applies a mixed sequence of inserts/upserts/deletes within a
// single transaction, so a caller applying many documents' changes from one
// stream response can make them all visible atomically: if any write fails,
// none of the batch commits.
func (o *Ops) WriteBatch(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	txn := o.store.Begin()
	for _, op := range ops {
		if err := txn.Write(op.Type, op.Row); err != nil {
			return fmt.Errorf("materialize: batch write: %w", err)
		}
	}
	return txn.Commit()
}
