package depot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// TxState is the lifecycle state of a StorageTx.
type TxState string

const (
	TxOpen   TxState = "OPEN"
	TxActive TxState = "ACTIVE"
	TxClosed TxState = "CLOSED"
)

const (
	deleteBatchSize = 100
	maxRetries      = 8
)

// StateListener observes lifecycle transitions. Commit is a quiet
// transition and is not reported; begin, rollback and close are.
type StateListener func(from, to TxState)

// StorageTx is a single-writer unit of work over one repository's bucket.
// It is not safe for concurrent use by multiple goroutines.
//
// Lifecycle: OPEN -> Begin -> ACTIVE -> Commit/Rollback -> OPEN -> ... ->
// Close -> CLOSED. Every entity, blob and query operation requires ACTIVE.
type StorageTx struct {
	createdBy   string
	db          MetadataTx
	blobTx      BlobTx
	bucket      *Bucket
	writePolicy WritePolicy
	selector    WritePolicySelector
	validator   ContentValidator
	mimeRules   MimeRulesSource
	strict      bool
	log         *slog.Logger
	listeners   []StateListener

	state   TxState
	retries int
}

// TxOption configures optional StorageTx collaborators.
type TxOption func(*StorageTx)

// WithWritePolicySelector overrides the per-asset policy selector.
func WithWritePolicySelector(s WritePolicySelector) TxOption {
	return func(tx *StorageTx) { tx.selector = s }
}

// WithMimeRules sets the format-specific content-type rules source.
func WithMimeRules(r MimeRulesSource) TxOption {
	return func(tx *StorageTx) { tx.mimeRules = r }
}

// WithStrictContentValidation toggles strict content-type validation.
func WithStrictContentValidation(strict bool) TxOption {
	return func(tx *StorageTx) { tx.strict = strict }
}

// WithLogger sets the transaction's logger.
func WithLogger(l *slog.Logger) TxOption {
	return func(tx *StorageTx) { tx.log = l }
}

// WithStateListener registers a lifecycle listener.
func WithStateListener(l StateListener) TxOption {
	return func(tx *StorageTx) { tx.listeners = append(tx.listeners, l) }
}

// NewStorageTx builds a transaction bound to one repository bucket. The
// metadata tx handle must not already be in a transaction.
func NewStorageTx(
	createdBy string,
	db MetadataTx,
	blobTx BlobTx,
	bucket *Bucket,
	writePolicy WritePolicy,
	validator ContentValidator,
	opts ...TxOption,
) (*StorageTx, error) {
	switch {
	case strings.TrimSpace(createdBy) == "":
		return nil, fmt.Errorf("%w: createdBy is required", ErrPrecondition)
	case db == nil:
		return nil, fmt.Errorf("%w: metadata transaction is required", ErrPrecondition)
	case blobTx == nil:
		return nil, fmt.Errorf("%w: blob transaction is required", ErrPrecondition)
	case bucket == nil || bucket.Metadata == nil:
		return nil, fmt.Errorf("%w: a persisted bucket is required", ErrPrecondition)
	case validator == nil:
		return nil, fmt.Errorf("%w: content validator is required", ErrPrecondition)
	}
	if db.Active() {
		return nil, fmt.Errorf("%w: nested metadata transaction", ErrPrecondition)
	}

	tx := &StorageTx{
		createdBy:   createdBy,
		db:          db,
		blobTx:      blobTx,
		bucket:      bucket,
		writePolicy: writePolicy,
		selector:    DefaultWritePolicySelector{},
		validator:   validator,
		mimeRules:   NoopMimeRules{},
		strict:      true,
		log:         slog.Default(),
		state:       TxOpen,
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx, nil
}

// NoopMimeRules has no format-specific content-type opinion.
type NoopMimeRules struct{}

func (NoopMimeRules) RuleFor(name string) string { return "" }

// State returns the current lifecycle state.
func (tx *StorageTx) State() TxState { return tx.state }

// IsActive reports whether the transaction is begun and uncommitted.
func (tx *StorageTx) IsActive() bool { return tx.state == TxActive }

func (tx *StorageTx) transition(to TxState, silent bool) {
	from := tx.state
	tx.state = to
	if silent {
		return
	}
	for _, l := range tx.listeners {
		l(from, to)
	}
}

func (tx *StorageTx) requireActive(op string) error {
	if tx.state != TxActive {
		return &InvalidStateError{Op: op, State: tx.state, Required: TxActive}
	}
	return nil
}

// Begin starts an optimistic transaction against the metadata store.
func (tx *StorageTx) Begin(ctx context.Context) error {
	if tx.state != TxOpen {
		return &InvalidStateError{Op: "Begin", State: tx.state, Required: TxOpen}
	}
	if err := tx.db.Begin(ctx); err != nil {
		return err
	}
	tx.transition(TxActive, false)
	return nil
}

// Commit commits the metadata store transaction, then the blob store
// transaction, and resets the retry counter. A concurrent-modification
// failure from the metadata store leaves the transaction ACTIVE; the caller
// rolls back and consults AllowRetry.
func (tx *StorageTx) Commit(ctx context.Context) error {
	if err := tx.requireActive("Commit"); err != nil {
		return err
	}
	if err := tx.db.Commit(ctx); err != nil {
		return err
	}
	if err := tx.blobTx.Commit(ctx); err != nil {
		// Metadata is already committed; blob cleanup failures must not
		// fail the unit of work.
		tx.log.Warn("blob transaction commit failed", "error", err)
	}
	tx.retries = 0
	tx.transition(TxOpen, true)
	return nil
}

// Rollback rolls back both stores.
func (tx *StorageTx) Rollback(ctx context.Context) error {
	if err := tx.requireActive("Rollback"); err != nil {
		return err
	}
	var errs []error
	if err := tx.db.Rollback(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := tx.blobTx.Rollback(ctx); err != nil {
		errs = append(errs, err)
	}
	tx.transition(TxOpen, false)
	return errors.Join(errs...)
}

// Close ends the transaction, rolling back first if it is still active, and
// releases the metadata tx handle back to its pool on every exit path.
func (tx *StorageTx) Close(ctx context.Context) error {
	if tx.state == TxClosed {
		return &InvalidStateError{Op: "Close", State: tx.state, Required: TxOpen}
	}
	var errs []error
	if tx.state == TxActive {
		if err := tx.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := tx.db.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	tx.transition(TxClosed, false)
	return errors.Join(errs...)
}

// AllowRetry arbitrates the caller's retry loop after an optimistic
// concurrency conflict. It admits up to 8 retries per committed unit of
// work; past the ceiling it returns a RetryDeniedError wrapping cause.
func (tx *StorageTx) AllowRetry(cause error) (bool, error) {
	if tx.retries < maxRetries {
		tx.retries++
		tx.log.Debug("retrying operation", "attempt", tx.retries, "limit", maxRetries)
		return true, nil
	}
	tx.log.Warn("reached max retries", "attempts", tx.retries)
	return false, &RetryDeniedError{Attempts: tx.retries, Cause: cause}
}

// Bucket resolution

// FindBucket resolves the bucket of a repository by name.
func (tx *StorageTx) FindBucket(ctx context.Context, repositoryName string) (*Bucket, error) {
	if err := tx.requireActive("FindBucket"); err != nil {
		return nil, err
	}
	return tx.bucketOf(ctx, repositoryName)
}

// BrowseBuckets iterates all buckets.
func (tx *StorageTx) BrowseBuckets(ctx context.Context) (Cursor[*Bucket], error) {
	if err := tx.requireActive("BrowseBuckets"); err != nil {
		return nil, err
	}
	return tx.db.Buckets().Browse(ctx)
}

func (tx *StorageTx) bucketOf(ctx context.Context, repositoryName string) (*Bucket, error) {
	if tx.bucket.RepositoryName == repositoryName {
		return tx.bucket, nil
	}
	return tx.db.Buckets().GetByRepositoryName(ctx, repositoryName)
}

func (tx *StorageTx) bucketsOf(ctx context.Context, repositories []string) ([]*Bucket, error) {
	if repositories == nil {
		return nil, nil
	}
	buckets := make([]*Bucket, 0, len(repositories))
	for _, name := range repositories {
		bucket, err := tx.bucketOf(ctx, name)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	return buckets, nil
}

func bucketOwns(bucket *Bucket, owner ID) bool {
	return bucket.Metadata != nil && bucket.Metadata.ID == owner
}

// Browse / find / count

// BrowseComponents iterates the components owned by a bucket.
func (tx *StorageTx) BrowseComponents(ctx context.Context, bucket *Bucket) (Cursor[*Component], error) {
	if err := tx.requireActive("BrowseComponents"); err != nil {
		return nil, err
	}
	return tx.db.Components().BrowseByBucket(ctx, bucket)
}

// BrowseAssets iterates the assets owned by a bucket, standalone or not.
func (tx *StorageTx) BrowseAssets(ctx context.Context, bucket *Bucket) (Cursor[*Asset], error) {
	if err := tx.requireActive("BrowseAssets"); err != nil {
		return nil, err
	}
	return tx.db.Assets().BrowseByBucket(ctx, bucket)
}

// BrowseComponentAssets iterates the assets of one component.
func (tx *StorageTx) BrowseComponentAssets(ctx context.Context, component *Component) (Cursor[*Asset], error) {
	if err := tx.requireActive("BrowseComponentAssets"); err != nil {
		return nil, err
	}
	return tx.db.Assets().BrowseByComponent(ctx, component)
}

// FirstAsset returns the first asset of a component, or ErrAssetNotFound.
func (tx *StorageTx) FirstAsset(ctx context.Context, component *Component) (*Asset, error) {
	cursor, err := tx.BrowseComponentAssets(ctx, component)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()
	if cursor.Next(ctx) {
		return cursor.Value(), nil
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return nil, ErrAssetNotFound
}

// FindAsset resolves an asset by id, scoped to a bucket. An asset owned by
// a different bucket is reported as not found.
func (tx *StorageTx) FindAsset(ctx context.Context, id ID, bucket *Bucket) (*Asset, error) {
	if err := tx.requireActive("FindAsset"); err != nil {
		return nil, err
	}
	if id == "" || bucket == nil {
		return nil, fmt.Errorf("%w: asset id and bucket are required", ErrPrecondition)
	}
	asset, err := tx.db.Assets().Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bucketOwns(bucket, asset.BucketID) {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}

// FindComponent resolves a component by id, scoped to a bucket.
func (tx *StorageTx) FindComponent(ctx context.Context, id ID, bucket *Bucket) (*Component, error) {
	if err := tx.requireActive("FindComponent"); err != nil {
		return nil, err
	}
	if id == "" || bucket == nil {
		return nil, fmt.Errorf("%w: component id and bucket are required", ErrPrecondition)
	}
	component, err := tx.db.Components().Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bucketOwns(bucket, component.BucketID) {
		return nil, ErrComponentNotFound
	}
	return component, nil
}

// FindAssetWithProperty returns the first asset in a bucket with the given
// property value.
func (tx *StorageTx) FindAssetWithProperty(ctx context.Context, property string, value any, bucket *Bucket) (*Asset, error) {
	if err := tx.requireActive("FindAssetWithProperty"); err != nil {
		return nil, err
	}
	return tx.db.Assets().FindByProperty(ctx, property, value, bucket)
}

// FindComponentAssetWithProperty returns the first asset of a component
// with the given property value.
func (tx *StorageTx) FindComponentAssetWithProperty(ctx context.Context, property string, value any, component *Component) (*Asset, error) {
	if err := tx.requireActive("FindComponentAssetWithProperty"); err != nil {
		return nil, err
	}
	return tx.db.Assets().FindByPropertyInComponent(ctx, property, value, component)
}

// FindComponentWithProperty returns the first component in a bucket with
// the given property value.
func (tx *StorageTx) FindComponentWithProperty(ctx context.Context, property string, value any, bucket *Bucket) (*Component, error) {
	if err := tx.requireActive("FindComponentWithProperty"); err != nil {
		return nil, err
	}
	return tx.db.Components().FindByProperty(ctx, property, value, bucket)
}

// FindAssets queries assets across the buckets of the given repositories.
// A nil repositories slice leaves the query unscoped.
func (tx *StorageTx) FindAssets(ctx context.Context, where string, params map[string]any, repositories []string, suffix string) (Cursor[*Asset], error) {
	if err := tx.requireActive("FindAssets"); err != nil {
		return nil, err
	}
	buckets, err := tx.bucketsOf(ctx, repositories)
	if err != nil {
		return nil, err
	}
	return tx.db.Assets().BrowseByQuery(ctx, where, params, buckets, suffix)
}

// FindAssetsByQuery is FindAssets over a built Query.
func (tx *StorageTx) FindAssetsByQuery(ctx context.Context, q *Query, repositories []string) (Cursor[*Asset], error) {
	return tx.FindAssets(ctx, q.Where(), q.Parameters(), repositories, q.Suffix())
}

// CountAssets counts assets matching a query.
func (tx *StorageTx) CountAssets(ctx context.Context, where string, params map[string]any, repositories []string, suffix string) (int64, error) {
	if err := tx.requireActive("CountAssets"); err != nil {
		return 0, err
	}
	buckets, err := tx.bucketsOf(ctx, repositories)
	if err != nil {
		return 0, err
	}
	return tx.db.Assets().CountByQuery(ctx, where, params, buckets, suffix)
}

// CountAssetsByQuery is CountAssets over a built Query.
func (tx *StorageTx) CountAssetsByQuery(ctx context.Context, q *Query, repositories []string) (int64, error) {
	return tx.CountAssets(ctx, q.Where(), q.Parameters(), repositories, q.Suffix())
}

// FindComponents queries components across the buckets of the given
// repositories.
func (tx *StorageTx) FindComponents(ctx context.Context, where string, params map[string]any, repositories []string, suffix string) (Cursor[*Component], error) {
	if err := tx.requireActive("FindComponents"); err != nil {
		return nil, err
	}
	buckets, err := tx.bucketsOf(ctx, repositories)
	if err != nil {
		return nil, err
	}
	return tx.db.Components().BrowseByQuery(ctx, where, params, buckets, suffix)
}

// FindComponentsByQuery is FindComponents over a built Query.
func (tx *StorageTx) FindComponentsByQuery(ctx context.Context, q *Query, repositories []string) (Cursor[*Component], error) {
	return tx.FindComponents(ctx, q.Where(), q.Parameters(), repositories, q.Suffix())
}

// CountComponents counts components matching a query.
func (tx *StorageTx) CountComponents(ctx context.Context, where string, params map[string]any, repositories []string, suffix string) (int64, error) {
	if err := tx.requireActive("CountComponents"); err != nil {
		return 0, err
	}
	buckets, err := tx.bucketsOf(ctx, repositories)
	if err != nil {
		return 0, err
	}
	return tx.db.Components().CountByQuery(ctx, where, params, buckets, suffix)
}

// CountComponentsByQuery is CountComponents over a built Query.
func (tx *StorageTx) CountComponentsByQuery(ctx context.Context, q *Query, repositories []string) (int64, error) {
	return tx.CountComponents(ctx, q.Where(), q.Parameters(), repositories, q.Suffix())
}

// UniqueComponentNames lists the distinct component names across the
// buckets of the given repositories.
func (tx *StorageTx) UniqueComponentNames(ctx context.Context, repositories []string) ([]string, error) {
	if err := tx.requireActive("UniqueComponentNames"); err != nil {
		return nil, err
	}
	buckets, err := tx.bucketsOf(ctx, repositories)
	if err != nil {
		return nil, err
	}
	return tx.db.Components().UniqueNames(ctx, buckets)
}

// Entity factories and saves

// CreateAsset builds an unsaved standalone asset owned by the bucket.
func (tx *StorageTx) CreateAsset(bucket *Bucket, format string) (*Asset, error) {
	if err := tx.requireActive("CreateAsset"); err != nil {
		return nil, err
	}
	return tx.newAsset(bucket, format)
}

// CreateComponentAsset builds an unsaved asset owned by the bucket and
// belonging to the component, inheriting the component's format.
func (tx *StorageTx) CreateComponentAsset(bucket *Bucket, component *Component) (*Asset, error) {
	if err := tx.requireActive("CreateComponentAsset"); err != nil {
		return nil, err
	}
	if component == nil || component.Metadata == nil {
		return nil, fmt.Errorf("%w: a persisted component is required", ErrPrecondition)
	}
	asset, err := tx.newAsset(bucket, component.Format)
	if err != nil {
		return nil, err
	}
	asset.ComponentID = component.Metadata.ID
	return asset, nil
}

func (tx *StorageTx) newAsset(bucket *Bucket, format string) (*Asset, error) {
	if bucket == nil || bucket.Metadata == nil {
		return nil, fmt.Errorf("%w: a persisted bucket is required", ErrPrecondition)
	}
	return &Asset{
		BucketID:   bucket.Metadata.ID,
		Format:     format,
		Attributes: NewAttributes(),
	}, nil
}

// CreateComponent builds an unsaved component owned by the bucket.
func (tx *StorageTx) CreateComponent(bucket *Bucket, format string) (*Component, error) {
	if err := tx.requireActive("CreateComponent"); err != nil {
		return nil, err
	}
	if bucket == nil || bucket.Metadata == nil {
		return nil, fmt.Errorf("%w: a persisted bucket is required", ErrPrecondition)
	}
	return &Component{
		BucketID:   bucket.Metadata.ID,
		Format:     format,
		Attributes: NewAttributes(),
	}, nil
}

// SaveComponent adds the component if it has never been persisted, else
// edits it.
func (tx *StorageTx) SaveComponent(ctx context.Context, component *Component) error {
	if err := tx.requireActive("SaveComponent"); err != nil {
		return err
	}
	if component == nil {
		return fmt.Errorf("%w: component is required", ErrPrecondition)
	}
	if component.Metadata != nil {
		return tx.db.Components().Edit(ctx, component)
	}
	return tx.db.Components().Add(ctx, component)
}

// SaveAsset adds the asset if it has never been persisted, else edits it.
func (tx *StorageTx) SaveAsset(ctx context.Context, asset *Asset) error {
	if err := tx.requireActive("SaveAsset"); err != nil {
		return err
	}
	if asset == nil {
		return fmt.Errorf("%w: asset is required", ErrPrecondition)
	}
	if asset.Metadata != nil {
		return tx.db.Assets().Edit(ctx, asset)
	}
	return tx.db.Assets().Add(ctx, asset)
}

// Deletes

// DeleteComponent deletes a component, its assets and their blobs, subject
// to the effective write policy of each asset.
func (tx *StorageTx) DeleteComponent(ctx context.Context, component *Component) error {
	if err := tx.requireActive("DeleteComponent"); err != nil {
		return err
	}
	return tx.deleteComponent(ctx, component, true)
}

func (tx *StorageTx) deleteComponent(ctx context.Context, component *Component, checkWritePolicy bool) error {
	if component == nil || component.Metadata == nil {
		return fmt.Errorf("%w: a persisted component is required", ErrPrecondition)
	}
	cursor, err := tx.db.Assets().BrowseByComponent(ctx, component)
	if err != nil {
		return err
	}
	// Snapshot before deleting: cursors do not survive structural change
	// of the collection they iterate.
	assets, err := Collect(ctx, cursor)
	if err != nil {
		return err
	}
	for _, asset := range assets {
		var policy *WritePolicy
		if checkWritePolicy {
			p := tx.selector.Select(asset, tx.writePolicy)
			policy = &p
		}
		if err := tx.deleteAsset(ctx, asset, policy); err != nil {
			return err
		}
	}
	return tx.db.Components().Delete(ctx, component)
}

// DeleteAsset deletes an asset and its blob, subject to the asset's
// effective write policy.
func (tx *StorageTx) DeleteAsset(ctx context.Context, asset *Asset) error {
	if err := tx.requireActive("DeleteAsset"); err != nil {
		return err
	}
	if asset == nil || asset.Metadata == nil {
		return fmt.Errorf("%w: a persisted asset is required", ErrPrecondition)
	}
	policy := tx.selector.Select(asset, tx.writePolicy)
	return tx.deleteAsset(ctx, asset, &policy)
}

func (tx *StorageTx) deleteAsset(ctx context.Context, asset *Asset, effectivePolicy *WritePolicy) error {
	if asset.HasBlob() {
		if err := tx.deleteBlob(ctx, asset.BlobRef, effectivePolicy); err != nil {
			return err
		}
	}
	return tx.db.Assets().Delete(ctx, asset)
}

// deleteBlob enforces the effective write policy if one is given; a nil
// policy bypasses the check (administrative bucket removal).
func (tx *StorageTx) deleteBlob(ctx context.Context, ref BlobRef, effectivePolicy *WritePolicy) error {
	if effectivePolicy != nil && !effectivePolicy.CheckDeleteAllowed() {
		return &IllegalOperationError{
			RepositoryName: tx.bucket.RepositoryName,
			Reason:         "repository does not allow deleting assets",
		}
	}
	_, err := tx.blobTx.Delete(ctx, ref)
	return err
}

// DeleteBucket removes every component (with its assets and blobs), every
// standalone asset, and finally the bucket record itself. Per-entity write
// policy checks are bypassed: bucket removal is administrative. Work is
// committed in batches of 100 deletions to bound transaction size; the
// transaction stays ACTIVE throughout and the caller finishes with Commit
// or Close as usual.
func (tx *StorageTx) DeleteBucket(ctx context.Context, bucket *Bucket) error {
	if err := tx.requireActive("DeleteBucket"); err != nil {
		return err
	}
	if bucket == nil || bucket.Metadata == nil {
		return fmt.Errorf("%w: a persisted bucket is required", ErrPrecondition)
	}

	cursor, err := tx.db.Components().BrowseByBucket(ctx, bucket)
	if err != nil {
		return err
	}
	components, err := Collect(ctx, cursor)
	if err != nil {
		return err
	}
	count := 0
	for _, component := range components {
		if err := tx.deleteComponent(ctx, component, false); err != nil {
			return err
		}
		count++
		if count == deleteBatchSize {
			if err := tx.commitBatch(ctx); err != nil {
				return err
			}
			count = 0
		}
	}
	if err := tx.commitBatch(ctx); err != nil {
		return err
	}

	assetCursor, err := tx.db.Assets().BrowseByBucket(ctx, bucket)
	if err != nil {
		return err
	}
	assets, err := Collect(ctx, assetCursor)
	if err != nil {
		return err
	}
	count = 0
	for _, asset := range assets {
		if err := tx.deleteAsset(ctx, asset, nil); err != nil {
			return err
		}
		count++
		if count == deleteBatchSize {
			if err := tx.commitBatch(ctx); err != nil {
				return err
			}
			count = 0
		}
	}
	if err := tx.commitBatch(ctx); err != nil {
		return err
	}

	if err := tx.db.Buckets().Delete(ctx, bucket); err != nil {
		return err
	}
	return tx.commitBatch(ctx)
}

// commitBatch commits both stores and immediately begins a fresh metadata
// transaction, keeping the lifecycle state ACTIVE. Batch boundaries inside
// DeleteBucket are not caller-visible commits.
func (tx *StorageTx) commitBatch(ctx context.Context) error {
	if err := tx.db.Commit(ctx); err != nil {
		return err
	}
	if err := tx.blobTx.Commit(ctx); err != nil {
		tx.log.Warn("blob transaction commit failed", "error", err)
	}
	tx.retries = 0
	return tx.db.Begin(ctx)
}

// Blob protocol

// CreateBlob ingests content into the blob store and returns an unattached
// AssetBlob. The base write policy must allow create; denial is
// side-effect-free. With skipContentVerification a non-blank
// declaredContentType is trusted verbatim and the stream is not sniffed.
func (tx *StorageTx) CreateBlob(
	ctx context.Context,
	blobName string,
	supplier StreamSupplier,
	hashAlgorithms []HashAlgorithm,
	extraHeaders map[string]string,
	declaredContentType string,
	skipContentVerification bool,
) (*AssetBlob, error) {
	if err := tx.requireActive("CreateBlob"); err != nil {
		return nil, err
	}
	switch {
	case blobName == "":
		return nil, fmt.Errorf("%w: blob name is required", ErrPrecondition)
	case supplier == nil:
		return nil, fmt.Errorf("%w: stream supplier is required", ErrPrecondition)
	case hashAlgorithms == nil:
		return nil, fmt.Errorf("%w: hash algorithms are required", ErrPrecondition)
	case skipContentVerification && strings.TrimSpace(declaredContentType) == "":
		return nil, fmt.Errorf("%w: skipContentVerification set but no declaredContentType provided", ErrPrecondition)
	}

	if !tx.writePolicy.CheckCreateAllowed() {
		return nil, &IllegalOperationError{
			RepositoryName: tx.bucket.RepositoryName,
			Reason:         "repository is read only",
		}
	}

	contentType := declaredContentType
	if !skipContentVerification {
		var err error
		contentType, err = tx.validator.DetermineContentType(ctx, tx.strict, supplier, tx.mimeRules, blobName, declaredContentType)
		if err != nil {
			return nil, err
		}
	}

	headers := map[string]string{
		HeaderRepoName:    tx.bucket.RepositoryName,
		HeaderBlobName:    blobName,
		HeaderCreatedBy:   tx.createdBy,
		HeaderContentType: contentType,
	}
	for k, v := range extraHeaders {
		if _, reserved := headers[k]; !reserved {
			headers[k] = v
		}
	}

	stream, err := supplier()
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return tx.blobTx.Create(ctx, stream, headers, hashAlgorithms, contentType)
}

// AttachBlob attaches a freshly created blob to an asset, replacing and
// deleting any previous blob. Each AssetBlob can be attached exactly once.
func (tx *StorageTx) AttachBlob(ctx context.Context, asset *Asset, assetBlob *AssetBlob) error {
	if err := tx.requireActive("AttachBlob"); err != nil {
		return err
	}
	switch {
	case asset == nil:
		return fmt.Errorf("%w: asset is required", ErrPrecondition)
	case assetBlob == nil:
		return fmt.Errorf("%w: asset blob is required", ErrPrecondition)
	case assetBlob.attached:
		return fmt.Errorf("%w: blob is already attached to an asset", ErrPrecondition)
	}

	effectivePolicy := tx.selector.Select(asset, tx.writePolicy)
	if !effectivePolicy.CheckCreateAllowed() {
		return &IllegalOperationError{
			RepositoryName: tx.bucket.RepositoryName,
			Reason:         "repository is read only",
		}
	}

	if asset.HasBlob() {
		if !effectivePolicy.CheckUpdateAllowed() {
			return &IllegalOperationError{
				RepositoryName: tx.bucket.RepositoryName,
				Reason:         "repository does not allow updating assets",
			}
		}
		// The old blob goes away before the new reference is stored, or not
		// at all if its deletion is denied.
		if err := tx.deleteBlob(ctx, asset.BlobRef, &effectivePolicy); err != nil {
			return err
		}
	}

	asset.BlobRef = assetBlob.blobRef
	asset.Size = assetBlob.size
	asset.ContentType = assetBlob.contentType
	if asset.Attributes == nil {
		asset.Attributes = NewAttributes()
	}
	checksums := asset.Checksums()
	for algorithm, digest := range assetBlob.hashes {
		checksums.Set(string(algorithm), digest)
	}

	assetBlob.attached = true
	return nil
}

// SetBlob creates and attaches a blob in one step. When the asset already
// has a blob, update permission is checked before any bytes are streamed.
func (tx *StorageTx) SetBlob(
	ctx context.Context,
	asset *Asset,
	blobName string,
	supplier StreamSupplier,
	hashAlgorithms []HashAlgorithm,
	extraHeaders map[string]string,
	declaredContentType string,
	skipContentVerification bool,
) (*AssetBlob, error) {
	if err := tx.requireActive("SetBlob"); err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("%w: asset is required", ErrPrecondition)
	}

	// Fail fast before streaming: we have the asset, so the update check
	// can run ahead of creation.
	if asset.HasBlob() && !tx.selector.Select(asset, tx.writePolicy).CheckUpdateAllowed() {
		return nil, &IllegalOperationError{
			RepositoryName: tx.bucket.RepositoryName,
			Reason:         "repository does not allow updating assets",
		}
	}

	assetBlob, err := tx.CreateBlob(ctx, blobName, supplier, hashAlgorithms, extraHeaders, declaredContentType, skipContentVerification)
	if err != nil {
		return nil, err
	}
	if err := tx.AttachBlob(ctx, asset, assetBlob); err != nil {
		return nil, err
	}
	return assetBlob, nil
}

// GetBlob resolves a blob reference, returning ErrBlobNotFound when it does
// not resolve.
func (tx *StorageTx) GetBlob(ctx context.Context, ref BlobRef) (Blob, error) {
	if err := tx.requireActive("GetBlob"); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: blob reference is required", ErrPrecondition)
	}
	return tx.blobTx.Get(ctx, ref)
}

// RequireBlob resolves a reference that is expected to be valid. A missing
// blob is a consistency violation, not a lookup miss.
func (tx *StorageTx) RequireBlob(ctx context.Context, ref BlobRef) (Blob, error) {
	blob, err := tx.GetBlob(ctx, ref)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, &ConsistencyError{Ref: ref}
	}
	return blob, err
}
