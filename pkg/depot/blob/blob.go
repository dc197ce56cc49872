// Package blob provides the transactional wrapper over pluggable blob
// store backends. Backends implement the byte-level Store interface; Tx
// layers the create/rollback/deferred-delete protocol on top and is what
// storage transactions consume as depot.BlobTx.
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/repoforge/depot/pkg/depot"
)

// Info describes a stored blob.
type Info struct {
	Size    int64
	Headers map[string]string
}

// Store is a byte-level blob backend: content plus the headers recorded at
// ingestion, addressed by an id unique within the store.
type Store interface {
	// Name identifies the store; it prefixes every reference minted here.
	Name() string

	// Put stores the stream under id and returns the byte count.
	Put(ctx context.Context, id string, r io.Reader, headers map[string]string) (int64, error)

	// Get opens the stored content. Returns depot.ErrBlobNotFound when id
	// is unknown.
	Get(ctx context.Context, id string) (io.ReadCloser, *Info, error)

	// Head describes the blob without opening its content. Returns
	// depot.ErrBlobNotFound when id is unknown.
	Head(ctx context.Context, id string) (*Info, error)

	// Stat reports whether id exists.
	Stat(ctx context.Context, id string) (bool, error)

	// Delete removes id, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}

// Ref builds the reference for a blob id within a store.
func Ref(store Store, id string) depot.BlobRef {
	return depot.BlobRef(store.Name() + "@" + id)
}

// ParseRef splits a reference into store name and blob id.
func ParseRef(ref depot.BlobRef) (store, id string, err error) {
	store, id, found := strings.Cut(string(ref), "@")
	if !found || store == "" || id == "" {
		return "", "", fmt.Errorf("malformed blob reference: %q", ref)
	}
	return store, id, nil
}

// Tx implements depot.BlobTx over one Store. Creates are tracked so
// rollback can remove them; deletes are deferred until commit so a
// committed metadata transaction never references a removed blob.
type Tx struct {
	store   Store
	log     *slog.Logger
	created []string
	deletes []string
}

var _ depot.BlobTx = (*Tx)(nil)

// TxOption configures a Tx.
type TxOption func(*Tx)

// WithLogger sets the transaction's logger.
func WithLogger(l *slog.Logger) TxOption {
	return func(tx *Tx) { tx.log = l }
}

// NewTx opens a blob transaction over the store.
func NewTx(store Store, opts ...TxOption) *Tx {
	tx := &Tx{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// Create ingests the stream, computing the requested digests as the bytes
// pass through, and returns an unattached AssetBlob.
func (tx *Tx) Create(ctx context.Context, r io.Reader, headers map[string]string, hashAlgorithms []depot.HashAlgorithm, contentType string) (*depot.AssetBlob, error) {
	hashed, err := newHashingReader(r, hashAlgorithms)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	size, err := tx.store.Put(ctx, id, hashed, headers)
	if err != nil {
		return nil, err
	}
	tx.created = append(tx.created, id)
	return depot.NewAssetBlob(Ref(tx.store, id), size, contentType, hashed.digests()), nil
}

// Get resolves a reference within this transaction's store. Only blob
// metadata is fetched here; content is opened lazily via Blob.Open.
func (tx *Tx) Get(ctx context.Context, ref depot.BlobRef) (depot.Blob, error) {
	id, err := tx.resolve(ref)
	if err != nil {
		return nil, err
	}
	info, err := tx.store.Head(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storedBlob{store: tx.store, ref: ref, id: id, info: info}, nil
}

// Delete schedules removal of the referenced blob at commit and reports
// whether the reference currently resolves.
func (tx *Tx) Delete(ctx context.Context, ref depot.BlobRef) (bool, error) {
	id, err := tx.resolve(ref)
	if err != nil {
		return false, err
	}
	exists, err := tx.store.Stat(ctx, id)
	if err != nil {
		return false, err
	}
	tx.deletes = append(tx.deletes, id)
	return exists, nil
}

// Commit applies deferred deletes. Failures are logged, not surfaced: the
// metadata side has already committed and a leaked blob is recoverable
// garbage, not corruption.
func (tx *Tx) Commit(ctx context.Context) error {
	for _, id := range tx.deletes {
		if _, err := tx.store.Delete(ctx, id); err != nil {
			tx.log.Warn("deferred blob delete failed", "store", tx.store.Name(), "blob", id, "error", err)
		}
	}
	tx.deletes = nil
	tx.created = nil
	return nil
}

// Rollback removes blobs created during this transaction and drops
// deferred deletes.
func (tx *Tx) Rollback(ctx context.Context) error {
	for _, id := range tx.created {
		if _, err := tx.store.Delete(ctx, id); err != nil {
			tx.log.Warn("rollback blob delete failed", "store", tx.store.Name(), "blob", id, "error", err)
		}
	}
	tx.created = nil
	tx.deletes = nil
	return nil
}

func (tx *Tx) resolve(ref depot.BlobRef) (string, error) {
	storeName, id, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if storeName != tx.store.Name() {
		return "", fmt.Errorf("blob reference %q does not belong to store %q", ref, tx.store.Name())
	}
	return id, nil
}

// storedBlob is the depot.Blob view over a backend record. Open fetches a
// fresh reader each time so the blob can be read more than once.
type storedBlob struct {
	store Store
	ref   depot.BlobRef
	id    string
	info  *Info
}

func (b *storedBlob) Ref() depot.BlobRef { return b.ref }

func (b *storedBlob) Size() int64 { return b.info.Size }

func (b *storedBlob) Headers() map[string]string { return b.info.Headers }

func (b *storedBlob) Open(ctx context.Context) (io.ReadCloser, error) {
	r, _, err := b.store.Get(ctx, b.id)
	return r, err
}
