package depot

import (
	"context"
	"io"
)

// Cursor is a lazy, forward-only, non-restartable sequence of browse or
// query results. Callers that delete records while iterating must capture
// the target identities first; cursors are not guaranteed to survive
// structural change of the underlying collection.
type Cursor[T any] interface {
	// Next advances the cursor. It returns false when the sequence is
	// exhausted or an error occurred; check Err afterwards.
	Next(ctx context.Context) bool

	// Value returns the current element. Only valid after Next returned true.
	Value() T

	// Err returns the first error encountered while iterating.
	Err() error

	// Close releases resources held by the cursor.
	Close() error
}

// MetadataStore opens document transactions over bucket, component and asset
// records.
type MetadataStore interface {
	Transaction(ctx context.Context) (MetadataTx, error)
}

// MetadataTx is a document-transaction handle from the metadata store. Begin
// starts an optimistic transaction: Commit may fail with
// ErrConcurrentModification if a touched record was concurrently modified.
// Close releases the handle back to its pool and must be called on every
// exit path.
type MetadataTx interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error

	// Active reports whether a transaction is currently begun on this handle.
	Active() bool

	Buckets() BucketAdapter
	Components() ComponentAdapter
	Assets() AssetAdapter
}

// BucketAdapter is the metadata store's CRUD surface for buckets.
type BucketAdapter interface {
	Read(ctx context.Context, id ID) (*Bucket, error)
	Add(ctx context.Context, bucket *Bucket) error
	Edit(ctx context.Context, bucket *Bucket) error
	Delete(ctx context.Context, bucket *Bucket) error
	Browse(ctx context.Context) (Cursor[*Bucket], error)
	GetByRepositoryName(ctx context.Context, repositoryName string) (*Bucket, error)
}

// ComponentAdapter is the metadata store's CRUD/browse/query surface for
// components.
type ComponentAdapter interface {
	Read(ctx context.Context, id ID) (*Component, error)
	Add(ctx context.Context, component *Component) error
	Edit(ctx context.Context, component *Component) error
	Delete(ctx context.Context, component *Component) error
	BrowseByBucket(ctx context.Context, bucket *Bucket) (Cursor[*Component], error)
	FindByProperty(ctx context.Context, property string, value any, bucket *Bucket) (*Component, error)
	BrowseByQuery(ctx context.Context, where string, params map[string]any, buckets []*Bucket, suffix string) (Cursor[*Component], error)
	CountByQuery(ctx context.Context, where string, params map[string]any, buckets []*Bucket, suffix string) (int64, error)
	UniqueNames(ctx context.Context, buckets []*Bucket) ([]string, error)
}

// AssetAdapter is the metadata store's CRUD/browse/query surface for assets.
type AssetAdapter interface {
	Read(ctx context.Context, id ID) (*Asset, error)
	Add(ctx context.Context, asset *Asset) error
	Edit(ctx context.Context, asset *Asset) error
	Delete(ctx context.Context, asset *Asset) error
	BrowseByBucket(ctx context.Context, bucket *Bucket) (Cursor[*Asset], error)
	BrowseByComponent(ctx context.Context, component *Component) (Cursor[*Asset], error)
	FindByProperty(ctx context.Context, property string, value any, bucket *Bucket) (*Asset, error)
	FindByPropertyInComponent(ctx context.Context, property string, value any, component *Component) (*Asset, error)
	BrowseByQuery(ctx context.Context, where string, params map[string]any, buckets []*Bucket, suffix string) (Cursor[*Asset], error)
	CountByQuery(ctx context.Context, where string, params map[string]any, buckets []*Bucket, suffix string) (int64, error)
}

// Blob is retrievable binary content with the headers recorded at ingestion.
type Blob interface {
	Ref() BlobRef
	Size() int64
	Headers() map[string]string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// BlobTx is a transaction over the blob store. Creates are staged and
// discarded on rollback; deletes are deferred until commit.
type BlobTx interface {
	// Create ingests the stream, computing the given hash algorithms over
	// it, and returns an unattached AssetBlob.
	Create(ctx context.Context, r io.Reader, headers map[string]string, hashAlgorithms []HashAlgorithm, contentType string) (*AssetBlob, error)

	// Get resolves a reference. Returns ErrBlobNotFound if it does not
	// resolve.
	Get(ctx context.Context, ref BlobRef) (Blob, error)

	// Delete schedules removal of the referenced blob at commit. It reports
	// whether the reference resolved to an existing blob.
	Delete(ctx context.Context, ref BlobRef) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// StreamSupplier produces a fresh reader over the content being ingested.
// It may be invoked more than once (content sniffing reads ahead of
// ingestion) and must return an equivalent stream each time.
type StreamSupplier func() (io.ReadCloser, error)

// MimeRulesSource supplies format-specific content-type rules. RuleFor
// returns the mandated content type for a name, or "" when the format has no
// opinion.
type MimeRulesSource interface {
	RuleFor(name string) string
}

// ContentValidator determines the effective content type for content about
// to be stored. Strict mode fails on an irreconcilable declared vs sniffed
// type; lenient mode prefers the declared or fallback type.
type ContentValidator interface {
	DetermineContentType(ctx context.Context, strict bool, supplier StreamSupplier, rules MimeRulesSource, name, declaredContentType string) (string, error)
}
