package depot

import (
	"context"
	"errors"
)

// Outcome classifies the result of one attempt of a unit of work.
type Outcome int

const (
	// OutcomeCommitted means the unit of work committed.
	OutcomeCommitted Outcome = iota

	// OutcomeConflict means an optimistic concurrency conflict was reported
	// and the whole unit of work may be retried, subject to AllowRetry.
	OutcomeConflict

	// OutcomeRetryDenied means the retry ceiling was exceeded.
	OutcomeRetryDenied

	// OutcomeFailed means a non-retryable error occurred.
	OutcomeFailed
)

// ClassifyOutcome maps an error from a begin/operate/commit cycle to an
// Outcome.
func ClassifyOutcome(err error) Outcome {
	var denied *RetryDeniedError
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.As(err, &denied):
		return OutcomeRetryDenied
	case errors.Is(err, ErrConcurrentModification):
		return OutcomeConflict
	default:
		return OutcomeFailed
	}
}

// Run executes fn as a retry-governed unit of work: begin, operate, commit,
// and on an optimistic concurrency conflict roll back and re-run the whole
// cycle while the transaction's retry policy admits. The transaction is
// left OPEN on return; the caller still owns Close.
func Run(ctx context.Context, tx *StorageTx, fn func(ctx context.Context, tx *StorageTx) error) error {
	for {
		if err := tx.Begin(ctx); err != nil {
			return err
		}
		err := fn(ctx, tx)
		if err == nil {
			if err = tx.Commit(ctx); err == nil {
				return nil
			}
		}
		if tx.IsActive() {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				tx.log.Warn("rollback failed", "error", rbErr)
			}
		}
		if ClassifyOutcome(err) != OutcomeConflict {
			return err
		}
		if ok, denied := tx.AllowRetry(err); !ok {
			return denied
		}
	}
}
