// Package postgres implements depot.MetadataStore on PostgreSQL via pgx.
// Optimistic concurrency uses a per-record version column: edits require
// the version last read, and a lost race surfaces as
// depot.ErrConcurrentModification for the caller's retry loop.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repoforge/depot/pkg/depot"
)

// DBTX is the query surface shared by a pool and an open transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store opens metadata transactions over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a PostgreSQL metadata store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Transaction acquires a transaction handle. The underlying connection is
// taken from the pool at Begin and returned at Commit/Rollback.
func (s *Store) Transaction(ctx context.Context) (depot.MetadataTx, error) {
	return &Tx{pool: s.pool}, nil
}

// Tx is a transaction handle over a Store.
type Tx struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

var _ depot.MetadataTx = (*Tx)(nil)

func (t *Tx) Begin(ctx context.Context) error {
	if t.tx != nil {
		return fmt.Errorf("transaction already begun")
	}
	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	t.tx = tx
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.tx == nil {
		return fmt.Errorf("no active transaction")
	}
	err := t.tx.Commit(ctx)
	if err != nil {
		if isSerializationFailure(err) {
			return depot.ErrConcurrentModification
		}
		return err
	}
	t.tx = nil
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.tx == nil {
		return fmt.Errorf("no active transaction")
	}
	err := t.tx.Rollback(ctx)
	t.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *Tx) Close(ctx context.Context) error {
	if t.tx != nil {
		return t.Rollback(ctx)
	}
	return nil
}

func (t *Tx) Active() bool { return t.tx != nil }

func (t *Tx) Buckets() depot.BucketAdapter       { return &bucketAdapter{t} }
func (t *Tx) Components() depot.ComponentAdapter { return &componentAdapter{t} }
func (t *Tx) Assets() depot.AssetAdapter         { return &assetAdapter{t} }

func (t *Tx) q() (DBTX, error) {
	if t.tx == nil {
		return nil, fmt.Errorf("no active transaction")
	}
	return t.tx, nil
}

// isSerializationFailure recognizes the SQLSTATE classes PostgreSQL uses
// for lost optimistic races under REPEATABLE READ.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

var namedParam = regexp.MustCompile(`:[a-zA-Z_][a-zA-Z0-9_]*`)

// bindNamed rewrites ":name" placeholders to positional arguments appended
// to args, continuing the numbering args already uses.
func bindNamed(clause string, params map[string]any, args *[]any) (string, error) {
	var bindErr error
	out := namedParam.ReplaceAllStringFunc(clause, func(m string) string {
		name := m[1:]
		value, ok := params[name]
		if !ok {
			bindErr = fmt.Errorf("unbound query parameter %q", name)
			return m
		}
		*args = append(*args, value)
		return fmt.Sprintf("$%d", len(*args))
	})
	return out, bindErr
}

// rowsCursor adapts pgx.Rows to depot.Cursor.
type rowsCursor[T any] struct {
	rows    pgx.Rows
	scan    func(pgx.Rows) (T, error)
	current T
	err     error
}

func newRowsCursor[T any](rows pgx.Rows, scan func(pgx.Rows) (T, error)) *rowsCursor[T] {
	return &rowsCursor[T]{rows: rows, scan: scan}
}

func (c *rowsCursor[T]) Next(ctx context.Context) bool {
	if c.err != nil || ctx.Err() != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	c.current, c.err = c.scan(c.rows)
	return c.err == nil
}

func (c *rowsCursor[T]) Value() T { return c.current }

func (c *rowsCursor[T]) Err() error { return c.err }

func (c *rowsCursor[T]) Close() error {
	c.rows.Close()
	return nil
}
