// Package memory implements depot.MetadataStore with mutex-guarded maps.
// It backs tests and small deployments; records are copied on read and
// write so callers never share memory with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/repoforge/depot/pkg/depot"
)

// Store is an in-memory metadata store. The record maps are shared across
// concurrently open transactions: each transaction keeps an undo log of the
// records it touched, so Rollback reverts its own writes without disturbing
// what other transactions committed in the meantime. Edit detects version
// drift and reports depot.ErrConcurrentModification.
type Store struct {
	mu         sync.Mutex
	buckets    map[depot.ID]*depot.Bucket
	components map[depot.ID]*depot.Component
	assets     map[depot.ID]*depot.Asset

	commits       int
	pendingErrors []error // injected commit failures, consumed FIFO
}

// New returns an empty in-memory metadata store.
func New() *Store {
	return &Store{
		buckets:    make(map[depot.ID]*depot.Bucket),
		components: make(map[depot.ID]*depot.Component),
		assets:     make(map[depot.ID]*depot.Asset),
	}
}

// Transaction opens a new transaction handle.
func (s *Store) Transaction(ctx context.Context) (depot.MetadataTx, error) {
	return &Tx{store: s}, nil
}

// CommitCount reports how many transactions have committed. Tests use it to
// observe batch boundaries.
func (s *Store) CommitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// FailNextCommit queues an error to be returned by the next commit,
// simulating an optimistic concurrency conflict.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingErrors = append(s.pendingErrors, err)
}

// Tx is a transaction handle over a Store. The undo maps hold, per record
// this transaction mutated, the state the record had before the first
// mutation; a nil entry marks a record that did not exist.
type Tx struct {
	store  *Store
	active bool
	closed bool

	undoBuckets    map[depot.ID]*depot.Bucket
	undoComponents map[depot.ID]*depot.Component
	undoAssets     map[depot.ID]*depot.Asset
}

var _ depot.MetadataTx = (*Tx)(nil)

func (tx *Tx) Begin(ctx context.Context) error {
	if tx.closed {
		return fmt.Errorf("transaction handle is closed")
	}
	if tx.active {
		return fmt.Errorf("transaction already begun")
	}
	tx.undoBuckets = make(map[depot.ID]*depot.Bucket)
	tx.undoComponents = make(map[depot.ID]*depot.Component)
	tx.undoAssets = make(map[depot.ID]*depot.Asset)
	tx.active = true
	return nil
}

func (tx *Tx) Commit(ctx context.Context) error {
	if !tx.active {
		return fmt.Errorf("no active transaction")
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingErrors) > 0 {
		err := s.pendingErrors[0]
		s.pendingErrors = s.pendingErrors[1:]
		return err
	}
	tx.discardUndo()
	tx.active = false
	s.commits++
	return nil
}

// Rollback reverts the records this transaction touched to their state
// before the first touch. Records written by other transactions are left
// alone.
func (tx *Tx) Rollback(ctx context.Context) error {
	if !tx.active {
		return fmt.Errorf("no active transaction")
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, prior := range tx.undoBuckets {
		if prior == nil {
			delete(s.buckets, id)
		} else {
			s.buckets[id] = prior
		}
	}
	for id, prior := range tx.undoComponents {
		if prior == nil {
			delete(s.components, id)
		} else {
			s.components[id] = prior
		}
	}
	for id, prior := range tx.undoAssets {
		if prior == nil {
			delete(s.assets, id)
		} else {
			s.assets[id] = prior
		}
	}
	tx.discardUndo()
	tx.active = false
	return nil
}

func (tx *Tx) Close(ctx context.Context) error {
	if tx.active {
		if err := tx.Rollback(ctx); err != nil {
			return err
		}
	}
	tx.closed = true
	return nil
}

func (tx *Tx) Active() bool { return tx.active }

func (tx *Tx) Buckets() depot.BucketAdapter       { return &bucketAdapter{tx} }
func (tx *Tx) Components() depot.ComponentAdapter { return &componentAdapter{tx} }
func (tx *Tx) Assets() depot.AssetAdapter         { return &assetAdapter{tx} }

func (tx *Tx) discardUndo() {
	tx.undoBuckets = nil
	tx.undoComponents = nil
	tx.undoAssets = nil
}

func (tx *Tx) guard() error {
	if !tx.active {
		return fmt.Errorf("no active transaction")
	}
	return nil
}

// Undo recording. Called under the store lock before a mutation; only the
// first touch of a record is recorded.

func (tx *Tx) noteBucket(id depot.ID) {
	if _, noted := tx.undoBuckets[id]; noted {
		return
	}
	if b, ok := tx.store.buckets[id]; ok {
		tx.undoBuckets[id] = cloneBucket(b)
	} else {
		tx.undoBuckets[id] = nil
	}
}

func (tx *Tx) noteComponent(id depot.ID) {
	if _, noted := tx.undoComponents[id]; noted {
		return
	}
	if c, ok := tx.store.components[id]; ok {
		tx.undoComponents[id] = cloneComponent(c)
	} else {
		tx.undoComponents[id] = nil
	}
}

func (tx *Tx) noteAsset(id depot.ID) {
	if _, noted := tx.undoAssets[id]; noted {
		return
	}
	if a, ok := tx.store.assets[id]; ok {
		tx.undoAssets[id] = cloneAsset(a)
	} else {
		tx.undoAssets[id] = nil
	}
}

// copies

func cloneBucket(b *depot.Bucket) *depot.Bucket {
	out := *b
	if b.Metadata != nil {
		meta := *b.Metadata
		out.Metadata = &meta
	}
	return &out
}

func cloneComponent(c *depot.Component) *depot.Component {
	out := *c
	if c.Metadata != nil {
		meta := *c.Metadata
		out.Metadata = &meta
	}
	out.Attributes = c.Attributes.Clone()
	return &out
}

func cloneAsset(a *depot.Asset) *depot.Asset {
	out := *a
	if a.Metadata != nil {
		meta := *a.Metadata
		out.Metadata = &meta
	}
	out.Attributes = a.Attributes.Clone()
	return &out
}

// sortedIDs gives browses a deterministic order.
func sortedIDs[T any](m map[depot.ID]T) []depot.ID {
	ids := make([]depot.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
