package depot

import "fmt"

// Query is a free-form predicate over components or assets: a where clause
// with named parameters and an optional trailing clause (ordering, limits).
type Query struct {
	where  string
	params map[string]any
	suffix string
}

// Where returns the predicate clause.
func (q *Query) Where() string { return q.where }

// Parameters returns the named parameter values.
func (q *Query) Parameters() map[string]any { return q.params }

// Suffix returns the trailing clause.
func (q *Query) Suffix() string { return q.suffix }

// QueryBuilder accumulates a Query.
type QueryBuilder struct {
	q Query
}

// NewQuery starts an empty query.
func NewQuery() *QueryBuilder {
	return &QueryBuilder{q: Query{params: make(map[string]any)}}
}

// Where appends text to the predicate clause.
func (b *QueryBuilder) Where(text string) *QueryBuilder {
	b.q.where += text
	return b
}

// Eq appends "property = :pN" to the predicate and binds the value.
func (b *QueryBuilder) Eq(property string, value any) *QueryBuilder {
	name := fmt.Sprintf("p%d", len(b.q.params))
	b.q.where += property + " = :" + name
	b.q.params[name] = value
	return b
}

// And appends " AND " to the predicate.
func (b *QueryBuilder) And() *QueryBuilder {
	b.q.where += " AND "
	return b
}

// Param binds a named parameter directly.
func (b *QueryBuilder) Param(name string, value any) *QueryBuilder {
	b.q.params[name] = value
	return b
}

// Suffix sets the trailing clause.
func (b *QueryBuilder) Suffix(text string) *QueryBuilder {
	b.q.suffix = text
	return b
}

// Build returns the accumulated query.
func (b *QueryBuilder) Build() *Query {
	return &b.q
}
