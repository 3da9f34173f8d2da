// Package persistence provides durable local storage for CRDT documents
// and a small JSON key-value namespace, backed by bbolt. Its bucket layout
// and transaction style are adapted from a BoltDB-backed cluster store:
// one bucket per logical table, JSON-marshaled values, Update/View
// transactions.
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/log"
	"github.com/trestleinc/replicate/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketUpdates   = []byte("updates")
	bucketKV        = []byte("kv")
)

// Store is the durable backend for one local replica: a snapshot table, a
// per-document append-only update log, and a KV table for cursors and
// session identity.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt-backed store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketUpdates, bucketKV} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("persistence: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// KV returns the JSON key-value handle.
func (s *Store) KV() *KV {
	return &KV{store: s}
}

// SaveSnapshot stores a full-state snapshot for name, replacing any
// previous one.
func (s *Store) SaveSnapshot(name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(name), data)
	})
}

func (s *Store) loadSnapshot(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(name))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (s *Store) appendUpdate(name string, update crdt.Update) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketUpdates)
		b, err := parent.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return b.Put(key, update)
	})
}

func (s *Store) loadUpdates(name string) ([]crdt.Update, error) {
	var updates []crdt.Update
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketUpdates)
		b := parent.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			updates = append(updates, append(crdt.Update(nil), v...))
			return nil
		})
	})
	return updates, err
}

// Provider is a DocPersistenceProvider for one named CRDT document (the
// root container or one sub-document). It replays stored state into doc on
// construction, then appends every subsequent non-persistence-origin
// update to the log.
type Provider struct {
	store       *Store
	name        string
	doc         *crdt.Document
	unsubscribe func()

	mu     sync.Mutex
	synced chan struct{}
	err    error
}

// CreateDocPersistence replays any stored snapshot and updates for name
// into doc, then subscribes to further updates. The returned Provider's
// WhenSynced channel closes once replay completes (successfully or not;
// check Err to distinguish).
func (s *Store) CreateDocPersistence(name string, doc *crdt.Document) *Provider {
	p := &Provider{
		store:  s,
		name:   name,
		doc:    doc,
		synced: make(chan struct{}),
	}

	logger := log.WithComponent("persistence")

	// Subscribed before replay starts so no update can slip between the
	// synced signal and the append hook; replayed updates carry the
	// persistence origin and are skipped here.
	p.unsubscribe = doc.Observe(func(origin crdt.Origin, update crdt.Update, _ []string) {
		if origin == crdt.OriginPersistence || len(update) == 0 {
			return
		}
		if err := s.appendUpdate(name, update); err != nil {
			logger.Error().Err(err).Str("document", name).Msg("failed to append update")
		}
	})

	go func() {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.PersistenceReplayDuration)

		if err := p.replay(); err != nil {
			logger.Error().Err(err).Str("document", name).Msg("replay failed, degrading to in-memory only")
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
		}
		close(p.synced)
	}()

	return p
}

func (p *Provider) replay() error {
	snapshot, err := p.store.loadSnapshot(p.name)
	if err != nil {
		return fmt.Errorf("persistence: load snapshot: %w", err)
	}
	if len(snapshot) > 0 {
		if err := p.doc.ApplyUpdate(snapshot, crdt.OriginPersistence); err != nil {
			return fmt.Errorf("persistence: apply snapshot: %w", err)
		}
	}

	updates, err := p.store.loadUpdates(p.name)
	if err != nil {
		return fmt.Errorf("persistence: load updates: %w", err)
	}
	for _, u := range updates {
		if err := p.doc.ApplyUpdate(u, crdt.OriginPersistence); err != nil {
			return fmt.Errorf("persistence: apply update: %w", err)
		}
	}
	return nil
}

// WhenSynced returns a channel closed once replay has completed.
func (p *Provider) WhenSynced() <-chan struct{} {
	return p.synced
}

// Err returns the replay error, if any, once WhenSynced is closed.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Destroy stops observing further updates.
func (p *Provider) Destroy() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

// KV is the typed JSON key-value namespace used for sync cursors and the
// session client id.
type KV struct {
	store *Store
}

// Get decodes the value stored at key into out, reporting whether the key
// was present.
func (kv *KV) Get(key string, out any) (bool, error) {
	var raw []byte
	err := kv.store.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("persistence: kv get %q: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("persistence: kv decode %q: %w", key, err)
	}
	return true, nil
}

// Set JSON-encodes value and stores it at key.
func (kv *KV) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persistence: kv encode %q: %w", key, err)
	}
	return kv.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

// Delete removes key.
func (kv *KV) Delete(key string) error {
	return kv.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}
