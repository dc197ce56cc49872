package depot_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/blob"
	blobmemory "github.com/repoforge/depot/pkg/depot/blob/memory"
	"github.com/repoforge/depot/pkg/depot/mime"
	repomemory "github.com/repoforge/depot/pkg/depot/repo/memory"
)

type fixture struct {
	ctx   context.Context
	meta  *repomemory.Store
	blobs *blobmemory.Store
	bkt   *depot.Bucket
	tx    *depot.StorageTx
}

// newFixture seeds one bucket and opens a storage transaction over fresh
// in-memory stores. The transaction is returned in OPEN state.
func newFixture(t *testing.T, policy depot.WritePolicy, opts ...depot.TxOption) *fixture {
	t.Helper()
	ctx := context.Background()
	meta := repomemory.New()
	blobs := blobmemory.New("test")
	bucket := seedBucket(t, meta, "test-repo")
	tx := openTx(t, meta, blobs, bucket, policy, opts...)
	return &fixture{ctx: ctx, meta: meta, blobs: blobs, bkt: bucket, tx: tx}
}

func seedBucket(t *testing.T, store *repomemory.Store, repositoryName string) *depot.Bucket {
	t.Helper()
	ctx := context.Background()
	mtx, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, mtx.Begin(ctx))
	bucket := &depot.Bucket{RepositoryName: repositoryName}
	require.NoError(t, mtx.Buckets().Add(ctx, bucket))
	require.NoError(t, mtx.Commit(ctx))
	require.NoError(t, mtx.Close(ctx))
	return bucket
}

func openTx(t *testing.T, meta *repomemory.Store, blobs *blobmemory.Store, bucket *depot.Bucket, policy depot.WritePolicy, opts ...depot.TxOption) *depot.StorageTx {
	t.Helper()
	ctx := context.Background()
	mtx, err := meta.Transaction(ctx)
	require.NoError(t, err)
	tx, err := depot.NewStorageTx("test-user", mtx, blob.NewTx(blobs), bucket, policy, mime.NewValidator(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if tx.State() != depot.TxClosed {
			_ = tx.Close(ctx)
		}
	})
	return tx
}

// countingSupplier tracks how many times the stream is opened.
type countingSupplier struct {
	data  []byte
	opens int
}

func (s *countingSupplier) supply() (io.ReadCloser, error) {
	s.opens++
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func supplierOf(data []byte) depot.StreamSupplier {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func mustBegin(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.tx.Begin(f.ctx))
}

// createBlob ingests a payload with verification skipped.
func createBlob(t *testing.T, f *fixture, name string, data []byte) *depot.AssetBlob {
	t.Helper()
	assetBlob, err := f.tx.CreateBlob(f.ctx, name, supplierOf(data),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "application/octet-stream", true)
	require.NoError(t, err)
	return assetBlob
}

func TestNewStorageTxPreconditions(t *testing.T) {
	ctx := context.Background()
	meta := repomemory.New()
	blobs := blobmemory.New("test")
	bucket := seedBucket(t, meta, "test-repo")
	validator := mime.NewValidator()

	mtx, err := meta.Transaction(ctx)
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
	}{
		{"blank createdBy", func() error {
			_, err := depot.NewStorageTx("  ", mtx, blob.NewTx(blobs), bucket, depot.WritePolicyAllow, validator)
			return err
		}},
		{"nil metadata tx", func() error {
			_, err := depot.NewStorageTx("user", nil, blob.NewTx(blobs), bucket, depot.WritePolicyAllow, validator)
			return err
		}},
		{"nil blob tx", func() error {
			_, err := depot.NewStorageTx("user", mtx, nil, bucket, depot.WritePolicyAllow, validator)
			return err
		}},
		{"nil bucket", func() error {
			_, err := depot.NewStorageTx("user", mtx, blob.NewTx(blobs), nil, depot.WritePolicyAllow, validator)
			return err
		}},
		{"unsaved bucket", func() error {
			_, err := depot.NewStorageTx("user", mtx, blob.NewTx(blobs), &depot.Bucket{RepositoryName: "x"}, depot.WritePolicyAllow, validator)
			return err
		}},
		{"nil validator", func() error {
			_, err := depot.NewStorageTx("user", mtx, blob.NewTx(blobs), bucket, depot.WritePolicyAllow, nil)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), depot.ErrPrecondition)
		})
	}

	t.Run("nested metadata transaction", func(t *testing.T) {
		require.NoError(t, mtx.Begin(ctx))
		defer mtx.Close(ctx)
		_, err := depot.NewStorageTx("user", mtx, blob.NewTx(blobs), bucket, depot.WritePolicyAllow, validator)
		assert.ErrorIs(t, err, depot.ErrPrecondition)
	})
}

func TestStateGuards(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)

	// Every guarded operation against an OPEN transaction fails without
	// side effects.
	ops := map[string]func() error{
		"Commit":   func() error { return f.tx.Commit(f.ctx) },
		"Rollback": func() error { return f.tx.Rollback(f.ctx) },
		"FindBucket": func() error {
			_, err := f.tx.FindBucket(f.ctx, "test-repo")
			return err
		},
		"BrowseComponents": func() error {
			_, err := f.tx.BrowseComponents(f.ctx, f.bkt)
			return err
		},
		"SaveAsset": func() error { return f.tx.SaveAsset(f.ctx, &depot.Asset{}) },
		"CreateBlob": func() error {
			_, err := f.tx.CreateBlob(f.ctx, "b", supplierOf(nil), []depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)
			return err
		},
		"AttachBlob": func() error {
			return f.tx.AttachBlob(f.ctx, &depot.Asset{}, depot.NewAssetBlob("test@x", 0, "", nil))
		},
		"DeleteBucket": func() error { return f.tx.DeleteBucket(f.ctx, f.bkt) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			var stateErr *depot.InvalidStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, depot.TxOpen, stateErr.State)
			assert.Equal(t, depot.TxActive, stateErr.Required)
		})
	}
	assert.Zero(t, f.blobs.PutCount())
	assert.Zero(t, f.meta.CommitCount()-1) // only the seed commit
}

func TestLifecycle(t *testing.T) {
	var transitions []string
	listen := func(from, to depot.TxState) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
	}
	f := newFixture(t, depot.WritePolicyAllow, depot.WithStateListener(listen))

	assert.Equal(t, depot.TxOpen, f.tx.State())
	assert.False(t, f.tx.IsActive())

	mustBegin(t, f)
	assert.True(t, f.tx.IsActive())

	// Begin while active is rejected.
	err := f.tx.Begin(f.ctx)
	var stateErr *depot.InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, f.tx.Commit(f.ctx))
	assert.Equal(t, depot.TxOpen, f.tx.State())

	// The transaction is reusable after commit.
	mustBegin(t, f)
	require.NoError(t, f.tx.Rollback(f.ctx))

	require.NoError(t, f.tx.Close(f.ctx))
	assert.Equal(t, depot.TxClosed, f.tx.State())

	// Commit is a quiet transition: not in the listener trace.
	assert.Equal(t, []string{
		"OPEN->ACTIVE",
		"OPEN->ACTIVE",
		"ACTIVE->OPEN",
		"OPEN->CLOSED",
	}, transitions)

	// Closed is terminal.
	require.ErrorAs(t, f.tx.Close(f.ctx), &stateErr)
	require.ErrorAs(t, f.tx.Begin(f.ctx), &stateErr)
}

func TestCloseWhileActiveRollsBack(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	component, err := f.tx.CreateComponent(f.bkt, "maven2")
	require.NoError(t, err)
	component.Name = "doomed"
	require.NoError(t, f.tx.SaveComponent(f.ctx, component))
	require.NoError(t, f.tx.Close(f.ctx))

	// The uncommitted component is gone.
	tx2 := openTx(t, f.meta, f.blobs, f.bkt, depot.WritePolicyAllow)
	require.NoError(t, tx2.Begin(f.ctx))
	_, err = tx2.FindComponent(f.ctx, component.Metadata.ID, f.bkt)
	assert.ErrorIs(t, err, depot.ErrComponentNotFound)
}

func TestAllowRetry(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	cause := depot.ErrConcurrentModification

	for i := 0; i < 8; i++ {
		ok, err := f.tx.AllowRetry(cause)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := f.tx.AllowRetry(cause)
	assert.False(t, ok)
	var denied *depot.RetryDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 8, denied.Attempts)
	assert.ErrorIs(t, err, depot.ErrConcurrentModification)
}

func TestCommitResetsRetryCounter(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	for i := 0; i < 8; i++ {
		ok, err := f.tx.AllowRetry(depot.ErrConcurrentModification)
		require.NoError(t, err)
		require.True(t, ok)
	}

	mustBegin(t, f)
	require.NoError(t, f.tx.Commit(f.ctx))

	// A fresh committed unit of work gets the full admission budget back.
	ok, err := f.tx.AllowRetry(depot.ErrConcurrentModification)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRetriesConflicts(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	f.meta.FailNextCommit(depot.ErrConcurrentModification)
	f.meta.FailNextCommit(depot.ErrConcurrentModification)

	attempts := 0
	err := depot.Run(f.ctx, f.tx, func(ctx context.Context, tx *depot.StorageTx) error {
		attempts++
		component, err := tx.CreateComponent(f.bkt, "npm")
		if err != nil {
			return err
		}
		component.Name = "left-pad"
		return tx.SaveComponent(ctx, component)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, depot.TxOpen, f.tx.State())

	// Only the winning attempt's write is visible.
	mustBegin(t, f)
	count, err := f.tx.CountComponents(f.ctx, "", nil, nil, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRunDeniesPastRetryCeiling(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	for i := 0; i < 9; i++ {
		f.meta.FailNextCommit(depot.ErrConcurrentModification)
	}

	attempts := 0
	err := depot.Run(f.ctx, f.tx, func(ctx context.Context, tx *depot.StorageTx) error {
		attempts++
		return nil
	})
	var denied *depot.RetryDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 8, denied.Attempts)
	assert.Equal(t, 9, attempts)
	assert.Equal(t, depot.OutcomeRetryDenied, depot.ClassifyOutcome(err))
}

func TestRunStopsOnNonRetryableError(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)

	attempts := 0
	boom := fmt.Errorf("boom")
	err := depot.Run(f.ctx, f.tx, func(ctx context.Context, tx *depot.StorageTx) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, depot.OutcomeFailed, depot.ClassifyOutcome(err))
}

func TestCreateAndAttachBlob(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	payload := []byte("package contents")
	sum := sha1.Sum(payload)

	asset, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	asset.Name = "pkg/contents.bin"

	assetBlob := createBlob(t, f, asset.Name, payload)
	assert.EqualValues(t, len(payload), assetBlob.Size())
	assert.False(t, assetBlob.Attached())

	require.NoError(t, f.tx.AttachBlob(f.ctx, asset, assetBlob))
	assert.True(t, assetBlob.Attached())
	assert.Equal(t, assetBlob.BlobRef(), asset.BlobRef)
	assert.EqualValues(t, len(payload), asset.Size)
	assert.Equal(t, "application/octet-stream", asset.ContentType)
	assert.Equal(t, hex.EncodeToString(sum[:]), asset.Checksums().GetString(string(depot.SHA1)))

	require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
	require.NoError(t, f.tx.Commit(f.ctx))
	assert.Equal(t, 1, f.blobs.Len())
}

func TestAttachBlobTwiceFails(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	first, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	second, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)

	assetBlob := createBlob(t, f, "once", []byte("once"))
	require.NoError(t, f.tx.AttachBlob(f.ctx, first, assetBlob))

	err = f.tx.AttachBlob(f.ctx, second, assetBlob)
	assert.ErrorIs(t, err, depot.ErrPrecondition)
	assert.Equal(t, assetBlob.BlobRef(), first.BlobRef)
	assert.False(t, second.HasBlob())
}

func TestCreateBlobDeniedIsSideEffectFree(t *testing.T) {
	f := newFixture(t, depot.WritePolicyDeny)
	mustBegin(t, f)

	supplier := &countingSupplier{data: []byte("never stored")}
	_, err := f.tx.CreateBlob(f.ctx, "denied", supplier.supply,
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)

	var illegal *depot.IllegalOperationError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "test-repo", illegal.RepositoryName)
	assert.Zero(t, supplier.opens)
	assert.Zero(t, f.blobs.PutCount())
}

func TestCreateBlobHeaders(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	// Caller headers ride along, but never override the reserved four.
	extra := map[string]string{
		depot.HeaderCreatedBy: "imposter",
		"X-Upload-Session":    "abc123",
	}
	assetBlob, err := f.tx.CreateBlob(f.ctx, "pom.xml", supplierOf([]byte("<project/>")),
		[]depot.HashAlgorithm{depot.SHA1}, extra, "application/xml", true)
	require.NoError(t, err)

	stored, err := f.tx.RequireBlob(f.ctx, assetBlob.BlobRef())
	require.NoError(t, err)
	headers := stored.Headers()
	assert.Equal(t, "test-repo", headers[depot.HeaderRepoName])
	assert.Equal(t, "pom.xml", headers[depot.HeaderBlobName])
	assert.Equal(t, "test-user", headers[depot.HeaderCreatedBy])
	assert.Equal(t, "application/xml", headers[depot.HeaderContentType])
	assert.Equal(t, "abc123", headers["X-Upload-Session"])
}

func TestSkipContentVerification(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	// PNG magic bytes with a contradictory declared type: trusted verbatim,
	// and the stream is opened once, for ingestion only.
	supplier := &countingSupplier{data: []byte("\x89PNG\r\n\x1a\nrest")}
	assetBlob, err := f.tx.CreateBlob(f.ctx, "a.png", supplier.supply,
		[]depot.HashAlgorithm{depot.SHA1}, nil, "application/vnd.custom+json", true)
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.custom+json", assetBlob.ContentType())
	assert.Equal(t, 1, supplier.opens)

	// Skipping verification with no declared type is impossible.
	_, err = f.tx.CreateBlob(f.ctx, "b.png", supplier.supply,
		[]depot.HashAlgorithm{depot.SHA1}, nil, "  ", true)
	assert.ErrorIs(t, err, depot.ErrPrecondition)
}

func TestCreateBlobSniffs(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	// Verification on: one open to sniff, one to ingest.
	supplier := &countingSupplier{data: []byte("plain text body")}
	assetBlob, err := f.tx.CreateBlob(f.ctx, "notes.txt", supplier.supply,
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", false)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", assetBlob.ContentType())
	assert.Equal(t, 2, supplier.opens)
}

func TestSetBlobReplaceDeniedPreservesOldBlob(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllowOnce)
	mustBegin(t, f)

	asset, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	first, err := f.tx.SetBlob(f.ctx, asset, "v1", supplierOf([]byte("v1")),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)
	require.NoError(t, err)
	require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
	require.NoError(t, f.tx.Commit(f.ctx))

	mustBegin(t, f)
	putsBefore := f.blobs.PutCount()
	supplier := &countingSupplier{data: []byte("v2")}
	_, err = f.tx.SetBlob(f.ctx, asset, "v2", supplier.supply,
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)

	var illegal *depot.IllegalOperationError
	require.ErrorAs(t, err, &illegal)
	// Denied before any bytes moved; the original blob and reference stand.
	assert.Zero(t, supplier.opens)
	assert.Equal(t, putsBefore, f.blobs.PutCount())
	assert.Equal(t, first.BlobRef(), asset.BlobRef)
	require.NoError(t, f.tx.Commit(f.ctx))
	assert.Equal(t, 1, f.blobs.Len())
}

func TestAttachBlobReplaceDeniedPreservesOldRef(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllowOnce)
	mustBegin(t, f)

	asset, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	first, err := f.tx.SetBlob(f.ctx, asset, "v1", supplierOf([]byte("v1")),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)
	require.NoError(t, err)

	// Creating a second blob is fine under create-once; attaching it over an
	// existing blob is the denied update.
	replacement := createBlob(t, f, "v2", []byte("v2"))
	err = f.tx.AttachBlob(f.ctx, asset, replacement)
	var illegal *depot.IllegalOperationError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, first.BlobRef(), asset.BlobRef)
	assert.False(t, replacement.Attached())
}

func TestSetBlobReplacesAndDeletesOldBlob(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	asset, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	first, err := f.tx.SetBlob(f.ctx, asset, "v1", supplierOf([]byte("v1")),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)
	require.NoError(t, err)

	second, err := f.tx.SetBlob(f.ctx, asset, "v2", supplierOf([]byte("version two")),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.BlobRef(), second.BlobRef())
	assert.Equal(t, second.BlobRef(), asset.BlobRef)
	assert.EqualValues(t, len("version two"), asset.Size)

	require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
	require.NoError(t, f.tx.Commit(f.ctx))
	// The replaced blob is gone after commit.
	assert.Equal(t, 1, f.blobs.Len())
}

func TestRollbackRemovesCreatedBlobs(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	createBlob(t, f, "orphan", []byte("orphan"))
	require.Equal(t, 1, f.blobs.Len())
	require.NoError(t, f.tx.Rollback(f.ctx))
	assert.Zero(t, f.blobs.Len())
}

func TestDeleteAssetRespectsWritePolicy(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	asset, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	_, err = f.tx.SetBlob(f.ctx, asset, "keep", supplierOf([]byte("keep")),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "text/plain", true)
	require.NoError(t, err)
	require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
	require.NoError(t, f.tx.Commit(f.ctx))

	readOnly := openTx(t, f.meta, f.blobs, f.bkt, depot.WritePolicyDeny)
	require.NoError(t, readOnly.Begin(f.ctx))
	err = readOnly.DeleteAsset(f.ctx, asset)
	var illegal *depot.IllegalOperationError
	require.ErrorAs(t, err, &illegal)
	require.NoError(t, readOnly.Close(f.ctx))
	assert.Equal(t, 1, f.blobs.Len())

	mustBegin(t, f)
	require.NoError(t, f.tx.DeleteAsset(f.ctx, asset))
	require.NoError(t, f.tx.Commit(f.ctx))
	assert.Zero(t, f.blobs.Len())
}

func TestDeleteComponentDeletesAssetsAndBlobs(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	component, err := f.tx.CreateComponent(f.bkt, "maven2")
	require.NoError(t, err)
	component.Name = "commons-io"
	require.NoError(t, f.tx.SaveComponent(f.ctx, component))

	for _, name := range []string{"commons-io.jar", "commons-io.pom"} {
		asset, err := f.tx.CreateComponentAsset(f.bkt, component)
		require.NoError(t, err)
		asset.Name = name
		_, err = f.tx.SetBlob(f.ctx, asset, name, supplierOf([]byte(name)),
			[]depot.HashAlgorithm{depot.SHA1}, nil, "application/java-archive", true)
		require.NoError(t, err)
		require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
	}
	require.NoError(t, f.tx.Commit(f.ctx))
	require.Equal(t, 2, f.blobs.Len())

	mustBegin(t, f)
	require.NoError(t, f.tx.DeleteComponent(f.ctx, component))
	require.NoError(t, f.tx.Commit(f.ctx))

	assert.Zero(t, f.blobs.Len())
	mustBegin(t, f)
	_, err = f.tx.FindComponent(f.ctx, component.Metadata.ID, f.bkt)
	assert.ErrorIs(t, err, depot.ErrComponentNotFound)
}

func TestDeleteRequiresPersistedEntities(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	// Created but never saved, so no persistence metadata yet.
	component, err := f.tx.CreateComponent(f.bkt, "npm")
	require.NoError(t, err)
	asset, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	unsaved := &depot.Bucket{RepositoryName: "never-saved"}

	assert.ErrorIs(t, f.tx.DeleteComponent(f.ctx, component), depot.ErrPrecondition)
	assert.ErrorIs(t, f.tx.DeleteAsset(f.ctx, asset), depot.ErrPrecondition)
	assert.ErrorIs(t, f.tx.DeleteBucket(f.ctx, unsaved), depot.ErrPrecondition)
}

func TestFindScopedToBucket(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	other := seedBucket(t, f.meta, "other-repo")
	mustBegin(t, f)

	component, err := f.tx.CreateComponent(f.bkt, "npm")
	require.NoError(t, err)
	component.Name = "lodash"
	require.NoError(t, f.tx.SaveComponent(f.ctx, component))

	asset, err := f.tx.CreateComponentAsset(f.bkt, component)
	require.NoError(t, err)
	asset.Name = "lodash-4.tgz"
	require.NoError(t, f.tx.SaveAsset(f.ctx, asset))

	// Resolvable in the owning bucket.
	found, err := f.tx.FindAsset(f.ctx, asset.Metadata.ID, f.bkt)
	require.NoError(t, err)
	assert.Equal(t, asset.Metadata.ID, found.Metadata.ID)

	// The same ids are not-found through a foreign bucket.
	_, err = f.tx.FindAsset(f.ctx, asset.Metadata.ID, other)
	assert.ErrorIs(t, err, depot.ErrAssetNotFound)
	_, err = f.tx.FindComponent(f.ctx, component.Metadata.ID, other)
	assert.ErrorIs(t, err, depot.ErrComponentNotFound)
}

func TestFindByPropertyAndQueries(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	names := []string{"alpha", "beta", "gamma"}
	for _, name := range names {
		component, err := f.tx.CreateComponent(f.bkt, "npm")
		require.NoError(t, err)
		component.Name = name
		require.NoError(t, f.tx.SaveComponent(f.ctx, component))

		asset, err := f.tx.CreateComponentAsset(f.bkt, component)
		require.NoError(t, err)
		asset.Name = name + ".tgz"
		require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
	}

	component, err := f.tx.FindComponentWithProperty(f.ctx, "name", "beta", f.bkt)
	require.NoError(t, err)
	assert.Equal(t, "beta", component.Name)

	asset, err := f.tx.FindAssetWithProperty(f.ctx, "name", "beta.tgz", f.bkt)
	require.NoError(t, err)
	assert.Equal(t, "beta.tgz", asset.Name)

	inComponent, err := f.tx.FindComponentAssetWithProperty(f.ctx, "name", "beta.tgz", component)
	require.NoError(t, err)
	assert.Equal(t, asset.Metadata.ID, inComponent.Metadata.ID)

	first, err := f.tx.FirstAsset(f.ctx, component)
	require.NoError(t, err)
	assert.Equal(t, "beta.tgz", first.Name)

	count, err := f.tx.CountComponents(f.ctx, "", nil, []string{"test-repo"}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	q := depot.NewQuery().Eq("format", "npm").Suffix("LIMIT 2").Build()
	cursor, err := f.tx.FindComponentsByQuery(f.ctx, q, []string{"test-repo"})
	require.NoError(t, err)
	limited, err := depot.Collect(f.ctx, cursor)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	unique, err := f.tx.UniqueComponentNames(f.ctx, []string{"test-repo"})
	require.NoError(t, err)
	assert.ElementsMatch(t, names, unique)
}

func TestDeleteBucket(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	const componentCount = 250
	for i := 0; i < componentCount; i++ {
		component, err := f.tx.CreateComponent(f.bkt, "raw")
		require.NoError(t, err)
		component.Name = fmt.Sprintf("component-%03d", i)
		require.NoError(t, f.tx.SaveComponent(f.ctx, component))

		if i%50 == 0 {
			asset, err := f.tx.CreateComponentAsset(f.bkt, component)
			require.NoError(t, err)
			asset.Name = component.Name + ".bin"
			_, err = f.tx.SetBlob(f.ctx, asset, asset.Name, supplierOf([]byte(asset.Name)),
				[]depot.HashAlgorithm{depot.SHA1}, nil, "application/octet-stream", true)
			require.NoError(t, err)
			require.NoError(t, f.tx.SaveAsset(f.ctx, asset))
		}
	}
	standalone, err := f.tx.CreateAsset(f.bkt, "raw")
	require.NoError(t, err)
	standalone.Name = "standalone.bin"
	_, err = f.tx.SetBlob(f.ctx, standalone, standalone.Name, supplierOf([]byte("standalone")),
		[]depot.HashAlgorithm{depot.SHA1}, nil, "application/octet-stream", true)
	require.NoError(t, err)
	require.NoError(t, f.tx.SaveAsset(f.ctx, standalone))
	require.NoError(t, f.tx.Commit(f.ctx))

	// A read-only policy does not stop administrative bucket removal.
	admin := openTx(t, f.meta, f.blobs, f.bkt, depot.WritePolicyDeny)
	require.NoError(t, admin.Begin(f.ctx))

	commitsBefore := f.meta.CommitCount()
	require.NoError(t, admin.DeleteBucket(f.ctx, f.bkt))

	// Batched commits along the way: two full component batches plus the
	// component remainder, then the standalone asset phase, then the bucket
	// record itself.
	assert.Equal(t, 5, f.meta.CommitCount()-commitsBefore)
	// Still ACTIVE; batch boundaries are not caller-visible commits.
	assert.True(t, admin.IsActive())
	require.NoError(t, admin.Commit(f.ctx))
	assert.Zero(t, f.blobs.Len())

	require.NoError(t, admin.Begin(f.ctx))
	components, err := admin.BrowseComponents(f.ctx, f.bkt)
	require.NoError(t, err)
	remaining, err := depot.Collect(f.ctx, components)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assets, err := admin.BrowseAssets(f.ctx, f.bkt)
	require.NoError(t, err)
	remainingAssets, err := depot.Collect(f.ctx, assets)
	require.NoError(t, err)
	assert.Empty(t, remainingAssets)

	_, err = admin.FindBucket(f.ctx, "no-such-repo")
	assert.ErrorIs(t, err, depot.ErrBucketNotFound)
	require.NoError(t, admin.Close(f.ctx))

	// The deleted bucket's repository no longer resolves.
	fresh := openTx(t, f.meta, f.blobs, seedBucket(t, f.meta, "another"), depot.WritePolicyAllow)
	require.NoError(t, fresh.Begin(f.ctx))
	_, err = fresh.FindBucket(f.ctx, "test-repo")
	assert.ErrorIs(t, err, depot.ErrBucketNotFound)
}

func TestConcurrentModificationSurfacedOnEdit(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)
	component, err := f.tx.CreateComponent(f.bkt, "raw")
	require.NoError(t, err)
	component.Name = "contended"
	require.NoError(t, f.tx.SaveComponent(f.ctx, component))
	require.NoError(t, f.tx.Commit(f.ctx))

	// Another writer bumps the version behind our back.
	rival := openTx(t, f.meta, f.blobs, f.bkt, depot.WritePolicyAllow)
	require.NoError(t, rival.Begin(f.ctx))
	theirs, err := rival.FindComponent(f.ctx, component.Metadata.ID, f.bkt)
	require.NoError(t, err)
	theirs.Attributes.Set("touched", true)
	require.NoError(t, rival.SaveComponent(f.ctx, theirs))
	require.NoError(t, rival.Commit(f.ctx))
	require.NoError(t, rival.Close(f.ctx))

	mustBegin(t, f)
	component.Attributes.Set("mine", true)
	err = f.tx.SaveComponent(f.ctx, component)
	assert.ErrorIs(t, err, depot.ErrConcurrentModification)
	assert.Equal(t, depot.OutcomeConflict, depot.ClassifyOutcome(err))
}

func TestGetBlobAndRequireBlob(t *testing.T) {
	f := newFixture(t, depot.WritePolicyAllow)
	mustBegin(t, f)

	assetBlob := createBlob(t, f, "readable", []byte("readable bytes"))

	stored, err := f.tx.GetBlob(f.ctx, assetBlob.BlobRef())
	require.NoError(t, err)
	assert.Equal(t, assetBlob.BlobRef(), stored.Ref())
	assert.EqualValues(t, len("readable bytes"), stored.Size())

	r, err := stored.Open(f.ctx)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "readable bytes", string(data))

	_, err = f.tx.GetBlob(f.ctx, "test@missing")
	assert.ErrorIs(t, err, depot.ErrBlobNotFound)

	var inconsistent *depot.ConsistencyError
	_, err = f.tx.RequireBlob(f.ctx, "test@missing")
	require.ErrorAs(t, err, &inconsistent)
	assert.EqualValues(t, "test@missing", inconsistent.Ref)
}
