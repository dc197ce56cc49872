package depot

import (
	"errors"
	"fmt"
)

var (
	// ErrBucketNotFound indicates a bucket was not found.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrComponentNotFound indicates a component was not found, or resolved
	// outside the bucket it was looked up in.
	ErrComponentNotFound = errors.New("component not found")

	// ErrAssetNotFound indicates an asset was not found, or resolved outside
	// the bucket it was looked up in.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrBlobNotFound indicates a blob reference did not resolve.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrConcurrentModification is returned by metadata store commits and
	// edits when a record was modified by another transaction. Callers retry
	// the whole unit of work, gated by StorageTx.AllowRetry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrPrecondition marks a structurally impossible call: a nil or blank
	// required argument, re-attaching an attached AssetBlob, nesting
	// transactions. Programming errors, not recoverable.
	ErrPrecondition = errors.New("precondition violation")
)

// InvalidStateError reports an operation invoked outside the transaction
// state it requires.
type InvalidStateError struct {
	Op       string
	State    TxState
	Required TxState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s requires transaction state %s, current state is %s", e.Op, e.Required, e.State)
}

// IllegalOperationError reports a mutation denied by the repository's write
// policy.
type IllegalOperationError struct {
	RepositoryName string
	Reason         string
}

func (e *IllegalOperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.RepositoryName)
}

// RetryDeniedError reports that the bounded retry ceiling was exceeded. It
// wraps the conflict that triggered the final admission check.
type RetryDeniedError struct {
	Attempts int
	Cause    error
}

func (e *RetryDeniedError) Error() string {
	return fmt.Sprintf("reached max retries: %d", e.Attempts)
}

func (e *RetryDeniedError) Unwrap() error {
	return e.Cause
}

// ConsistencyError reports divergence between the metadata store and the
// blob store: a blob reference expected to resolve did not.
type ConsistencyError struct {
	Ref BlobRef
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("blob not found for reference expected to resolve: %s", e.Ref)
}

// ContentTypeMismatchError reports that a declared content type and the type
// sniffed from content could not be reconciled under strict validation.
type ContentTypeMismatchError struct {
	Name     string
	Declared string
	Detected string
}

func (e *ContentTypeMismatchError) Error() string {
	return fmt.Sprintf("content type mismatch for %q: declared %q, detected %q", e.Name, e.Declared, e.Detected)
}
