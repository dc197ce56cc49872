package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repoforge/depot/pkg/depot"
	"github.com/repoforge/depot/pkg/depot/repo/memory"
)

func begin(t *testing.T, store *memory.Store) depot.MetadataTx {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Begin(ctx))
	t.Cleanup(func() { _ = tx.Close(ctx) })
	return tx
}

func addBucket(t *testing.T, tx depot.MetadataTx, repositoryName string) *depot.Bucket {
	t.Helper()
	bucket := &depot.Bucket{RepositoryName: repositoryName}
	require.NoError(t, tx.Buckets().Add(context.Background(), bucket))
	return bucket
}

func TestTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx, err := store.Transaction(ctx)
	require.NoError(t, err)
	assert.False(t, tx.Active())

	// Operations before Begin are rejected.
	_, err = tx.Buckets().Browse(ctx)
	require.Error(t, err)

	require.NoError(t, tx.Begin(ctx))
	assert.True(t, tx.Active())
	require.Error(t, tx.Begin(ctx))

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, tx.Active())
	assert.Equal(t, 1, store.CommitCount())

	require.NoError(t, tx.Close(ctx))
	require.Error(t, tx.Begin(ctx))
}

func TestRollbackRevertsOwnWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx := begin(t, store)
	bucket := addBucket(t, tx, "repo-a")
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, tx.Begin(ctx))
	component := &depot.Component{BucketID: bucket.Metadata.ID, Name: "c", Format: "raw", Attributes: depot.NewAttributes()}
	require.NoError(t, tx.Components().Add(ctx, component))
	require.NoError(t, tx.Rollback(ctx))

	require.NoError(t, tx.Begin(ctx))
	_, err := tx.Components().Read(ctx, component.Metadata.ID)
	assert.ErrorIs(t, err, depot.ErrComponentNotFound)
	_, err = tx.Buckets().Read(ctx, bucket.Metadata.ID)
	assert.NoError(t, err)
}

func TestRollbackLeavesRivalCommitsIntact(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	seed := begin(t, store)
	bucket := addBucket(t, seed, "shared")
	require.NoError(t, seed.Commit(ctx))
	require.NoError(t, seed.Close(ctx))

	// A begins first and will lose the race.
	txA, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, txA.Begin(ctx))
	doomed := &depot.Component{BucketID: bucket.Metadata.ID, Name: "doomed", Format: "raw", Attributes: depot.NewAttributes()}
	require.NoError(t, txA.Components().Add(ctx, doomed))

	// B commits a new bucket and a version bump while A is still open.
	txB, err := store.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, txB.Begin(ctx))
	committed := addBucket(t, txB, "committed-by-b")
	theirs, err := txB.Buckets().Read(ctx, bucket.Metadata.ID)
	require.NoError(t, err)
	require.NoError(t, txB.Buckets().Edit(ctx, theirs))
	require.NoError(t, txB.Commit(ctx))
	require.NoError(t, txB.Close(ctx))

	require.NoError(t, txA.Rollback(ctx))
	require.NoError(t, txA.Close(ctx))

	// A's rollback undid only A's writes; B's committed work survives.
	after := begin(t, store)
	_, err = after.Components().Read(ctx, doomed.Metadata.ID)
	assert.ErrorIs(t, err, depot.ErrComponentNotFound)
	found, err := after.Buckets().GetByRepositoryName(ctx, "committed-by-b")
	require.NoError(t, err)
	assert.Equal(t, committed.Metadata.ID, found.Metadata.ID)
	bumped, err := after.Buckets().Read(ctx, bucket.Metadata.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, bumped.Metadata.Version)
}

func TestFailNextCommitLeavesTransactionActive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.FailNextCommit(depot.ErrConcurrentModification)

	tx := begin(t, store)
	addBucket(t, tx, "repo-a")

	err := tx.Commit(ctx)
	assert.ErrorIs(t, err, depot.ErrConcurrentModification)
	assert.True(t, tx.Active())
	assert.Zero(t, store.CommitCount())

	// A rollback and a clean retry succeed.
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Begin(ctx))
	addBucket(t, tx, "repo-a")
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, store.CommitCount())
}

func TestEditDetectsVersionDrift(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx := begin(t, store)
	bucket := addBucket(t, tx, "repo-a")
	component := &depot.Component{BucketID: bucket.Metadata.ID, Name: "c", Format: "raw", Attributes: depot.NewAttributes()}
	require.NoError(t, tx.Components().Add(ctx, component))
	require.EqualValues(t, 1, component.Metadata.Version)

	require.NoError(t, tx.Components().Edit(ctx, component))
	assert.EqualValues(t, 2, component.Metadata.Version)

	stale := *component
	staleMeta := depot.EntityMetadata{ID: component.Metadata.ID, Version: 1}
	stale.Metadata = &staleMeta
	assert.ErrorIs(t, tx.Components().Edit(ctx, &stale), depot.ErrConcurrentModification)

	missingMeta := depot.EntityMetadata{ID: depot.NewID(), Version: 1}
	missing := depot.Component{Metadata: &missingMeta, Attributes: depot.NewAttributes()}
	assert.ErrorIs(t, tx.Components().Edit(ctx, &missing), depot.ErrComponentNotFound)
}

func TestRecordsAreCopied(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx := begin(t, store)
	bucket := addBucket(t, tx, "repo-a")
	asset := &depot.Asset{BucketID: bucket.Metadata.ID, Name: "a", Format: "raw", Attributes: depot.NewAttributes()}
	require.NoError(t, tx.Assets().Add(ctx, asset))

	// Mutating the caller's copy never leaks into the store.
	asset.Name = "mutated"
	stored, err := tx.Assets().Read(ctx, asset.Metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Name)

	// And mutating a read copy does not either.
	stored.Attributes.Set("k", "v")
	again, err := tx.Assets().Read(ctx, asset.Metadata.ID)
	require.NoError(t, err)
	assert.Nil(t, again.Attributes.Get("k"))
}

func TestBrowseAndScoping(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx := begin(t, store)
	bucketA := addBucket(t, tx, "repo-a")
	bucketB := addBucket(t, tx, "repo-b")

	componentA := &depot.Component{BucketID: bucketA.Metadata.ID, Name: "in-a", Format: "raw", Attributes: depot.NewAttributes()}
	require.NoError(t, tx.Components().Add(ctx, componentA))
	componentB := &depot.Component{BucketID: bucketB.Metadata.ID, Name: "in-b", Format: "raw", Attributes: depot.NewAttributes()}
	require.NoError(t, tx.Components().Add(ctx, componentB))

	for _, name := range []string{"a1", "a2"} {
		asset := &depot.Asset{BucketID: bucketA.Metadata.ID, ComponentID: componentA.Metadata.ID, Name: name, Format: "raw", Attributes: depot.NewAttributes()}
		require.NoError(t, tx.Assets().Add(ctx, asset))
	}

	cursor, err := tx.Components().BrowseByBucket(ctx, bucketA)
	require.NoError(t, err)
	inA, err := depot.Collect(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, inA, 1)
	assert.Equal(t, "in-a", inA[0].Name)

	assets, err := tx.Assets().BrowseByComponent(ctx, componentA)
	require.NoError(t, err)
	ofA, err := depot.Collect(ctx, assets)
	require.NoError(t, err)
	assert.Len(t, ofA, 2)

	found, err := tx.Buckets().GetByRepositoryName(ctx, "repo-b")
	require.NoError(t, err)
	assert.Equal(t, bucketB.Metadata.ID, found.Metadata.ID)
	_, err = tx.Buckets().GetByRepositoryName(ctx, "repo-c")
	assert.ErrorIs(t, err, depot.ErrBucketNotFound)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tx := begin(t, store)
	bucket := addBucket(t, tx, "repo-a")

	for i, name := range []string{"alpha", "beta", "alpha"} {
		component := &depot.Component{BucketID: bucket.Metadata.ID, Name: name, Format: "raw", Attributes: depot.NewAttributes()}
		component.Attributes.Set("rank", i)
		require.NoError(t, tx.Components().Add(ctx, component))
	}

	count, err := tx.Components().CountByQuery(ctx, "name = :n", map[string]any{"n": "alpha"}, []*depot.Bucket{bucket}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	cursor, err := tx.Components().BrowseByQuery(ctx, "name = :n", map[string]any{"n": "alpha"}, []*depot.Bucket{bucket}, "LIMIT 1")
	require.NoError(t, err)
	limited, err := depot.Collect(ctx, cursor)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	names, err := tx.Components().UniqueNames(ctx, []*depot.Bucket{bucket})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)

	// Dotted property paths reach into attributes.
	found, err := tx.Components().FindByProperty(ctx, "attributes.rank", 1, bucket)
	require.NoError(t, err)
	assert.Equal(t, "beta", found.Name)
}
