// Package backend declares the API a collection consumes from its remote
// backend: a cursor-advancing change stream, the insert/update/remove
// mutations, state-vector recovery, acknowledgment, compaction hints, and
// presence. The shape mirrors an authoritative pull-based replication
// engine's Mutation/Change/Log contract, specialized from generic
// named mutations to the three CRDT-specific verbs this system needs.
package backend

import (
	"context"
	"time"

	"github.com/trestleinc/replicate/pkg/crdt"
)

// ChangeType distinguishes a full-state snapshot from an incremental
// delta in a stream Change.
type ChangeType string

const (
	ChangeSnapshot ChangeType = "snapshot"
	ChangeDelta    ChangeType = "delta"
)

// Change is one entry in a stream response.
type Change struct {
	Document string
	Bytes    crdt.Update
	Seq      uint64
	Type     ChangeType
	Exists   bool
}

// CompactHint names documents the server suggests compacting.
type CompactHint struct {
	Documents []string
}

// StreamResponse is one page of the change-stream subscription.
type StreamResponse struct {
	Changes []Change
	Seq     uint64
	SeqSet  bool
	More    bool
	Compact *CompactHint
}

// MutationResult is the outcome of insert/update/remove.
type MutationResult struct {
	Success bool
	Seq     uint64
}

// RecoveryResult is the outcome of a recovery request.
type RecoveryResult struct {
	Diff   crdt.Update
	Vector crdt.StateVector
}

// Presence describes one remote participant reported by Sessions.
type Presence struct {
	ClientID string
	Document string
	Cursor   map[string]any
	User     map[string]any
	Profile  map[string]any
	Seen     time.Time
}

// PresenceAction is the verb of a Presence mutation.
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// API is the bag of backend operations bound to one collection. An
// implementation's Stream and Sessions subscriptions return a delivery
// channel plus an unsubscribe function; closing the returned
// stop func MUST stop further sends on the channel.
type API interface {
	Stream(ctx context.Context, seq uint64, limit int) (<-chan StreamResponse, func(), error)
	Insert(ctx context.Context, document string, bytes crdt.Update, material map[string]any) (MutationResult, error)
	Update(ctx context.Context, document string, bytes crdt.Update, material map[string]any) (MutationResult, error)
	Remove(ctx context.Context, document string, bytes crdt.Update) (MutationResult, error)
	Recovery(ctx context.Context, document string, vector crdt.StateVector) (RecoveryResult, error)
	Mark(ctx context.Context, document, client string, seq uint64, vector crdt.StateVector) error
	Compact(ctx context.Context, document string) error
	Sessions(ctx context.Context, document string, connected bool, exclude string) (<-chan []Presence, func(), error)
	Presence(ctx context.Context, document, client string, action PresenceAction, user, profile map[string]any, cursor map[string]any, interval time.Duration, vector crdt.StateVector) error
}
