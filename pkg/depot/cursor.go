package depot

import "context"

// sliceCursor adapts an in-memory snapshot to the Cursor contract.
type sliceCursor[T any] struct {
	items []T
	pos   int
}

// NewSliceCursor returns a cursor over a pre-captured snapshot. Store
// implementations use it where results are materialized up front.
func NewSliceCursor[T any](items []T) Cursor[T] {
	return &sliceCursor[T]{items: items, pos: -1}
}

func (c *sliceCursor[T]) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.pos++
	return c.pos < len(c.items)
}

func (c *sliceCursor[T]) Value() T {
	return c.items[c.pos]
}

func (c *sliceCursor[T]) Err() error { return nil }

func (c *sliceCursor[T]) Close() error { return nil }

// Collect drains a cursor into a slice and closes it. Callers that mutate
// the collection they are iterating must do this first.
func Collect[T any](ctx context.Context, c Cursor[T]) ([]T, error) {
	defer c.Close()
	var out []T
	for c.Next(ctx) {
		out = append(out, c.Value())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
