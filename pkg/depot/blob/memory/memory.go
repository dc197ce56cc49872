// Package memory is an in-memory blob store backend.
package memory

import (
	"bytes"
	"context"
	"io"
	"maps"
	"sync"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/blob"
)

type record struct {
	data    []byte
	headers map[string]string
}

// Store holds blobs in a mutex-guarded map.
type Store struct {
	mu      sync.RWMutex
	name    string
	records map[string]*record

	puts    int
	deletes int
}

var _ blob.Store = (*Store)(nil)

// New returns an empty in-memory blob store.
func New(name string) *Store {
	return &Store{name: name, records: make(map[string]*record)}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Put(ctx context.Context, id string, r io.Reader, headers map[string]string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &record{data: data, headers: maps.Clone(headers)}
	s.puts++
	return int64(len(data)), nil
}

func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, *blob.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil, depot.ErrBlobNotFound
	}
	info := &blob.Info{Size: int64(len(rec.data)), Headers: maps.Clone(rec.headers)}
	return io.NopCloser(bytes.NewReader(rec.data)), info, nil
}

func (s *Store) Head(ctx context.Context, id string) (*blob.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, depot.ErrBlobNotFound
	}
	return &blob.Info{Size: int64(len(rec.data)), Headers: maps.Clone(rec.headers)}, nil
}

func (s *Store) Stat(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	if ok {
		s.deletes++
	}
	return ok, nil
}

// PutCount reports how many blobs have been ingested. Tests use it to
// verify side-effect-free rejections.
func (s *Store) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// DeleteCount reports how many blobs have been removed.
func (s *Store) DeleteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deletes
}

// Len reports the number of live blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
