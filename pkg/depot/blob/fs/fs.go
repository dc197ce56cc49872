// Package fs is a filesystem blob store backend. Content lives under a
// base directory fanned out by blob id; ingestion headers are kept in a
// JSON sidecar next to the content file.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/blob"
)

// Config options for the filesystem backend.
type Config struct {
	Name    string // store name; prefixes every blob reference
	BaseDir string // base directory for blob content
}

// Store is a filesystem implementation of blob.Store.
type Store struct {
	name    string
	baseDir string
}

var _ blob.Store = (*Store)(nil)

// New creates the base directory if needed and returns the store.
func New(config Config) (*Store, error) {
	if config.Name == "" {
		return nil, errors.New("store name is required")
	}
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{name: config.Name, baseDir: config.BaseDir}, nil
}

func (s *Store) Name() string { return s.name }

// contentPath fans blobs out by the first two characters of their id to
// keep directory sizes bounded.
func (s *Store) contentPath(id string) string {
	fanout := id
	if len(fanout) > 2 {
		fanout = fanout[:2]
	}
	return filepath.Join(s.baseDir, fanout, id+".blob")
}

func (s *Store) headersPath(id string) string {
	return s.contentPath(id) + ".headers.json"
}

func (s *Store) Put(ctx context.Context, id string, r io.Reader, headers map[string]string) (int64, error) {
	path := s.contentPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create blob file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}

	encoded, err := json.Marshal(headers)
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	if err := os.WriteFile(s.headersPath(id), encoded, 0o644); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write blob headers: %w", err)
	}
	return size, nil
}

func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, *blob.Info, error) {
	f, err := os.Open(s.contentPath(id))
	if os.IsNotExist(err) {
		return nil, nil, depot.ErrBlobNotFound
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to open blob: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	headers, err := s.readHeaders(id)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, &blob.Info{Size: stat.Size(), Headers: headers}, nil
}

func (s *Store) Head(ctx context.Context, id string) (*blob.Info, error) {
	stat, err := os.Stat(s.contentPath(id))
	if os.IsNotExist(err) {
		return nil, depot.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	headers, err := s.readHeaders(id)
	if err != nil {
		return nil, err
	}
	return &blob.Info{Size: stat.Size(), Headers: headers}, nil
}

func (s *Store) Stat(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(s.contentPath(id))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	path := s.contentPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	os.Remove(s.headersPath(id))
	s.cleanupEmptyDir(filepath.Dir(path))
	return true, nil
}

func (s *Store) readHeaders(id string) (map[string]string, error) {
	encoded, err := os.ReadFile(s.headersPath(id))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read blob headers: %w", err)
	}
	var headers map[string]string
	if err := json.Unmarshal(encoded, &headers); err != nil {
		return nil, fmt.Errorf("failed to decode blob headers: %w", err)
	}
	return headers, nil
}

func (s *Store) cleanupEmptyDir(dir string) {
	if dir == s.baseDir {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
