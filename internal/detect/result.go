package detect

import (
	"context"

	"sqlopt/internal/sqlast"
)

// Result is the deferred outcome of one statement submitted to a scope.
// Suppressed statements resolve when their batch drains.
type Result struct {
	scope    *Scope
	item     Item
	key      int64
	param    sqlast.Param
	rows     *sqlast.Rows
	err      error
	done     bool
	released bool
	batched  bool
}

// Resolved wraps an already executed statement.
func Resolved(rows *sqlast.Rows, err error) *Result {
	return &Result{rows: rows, err: err, done: true}
}

// Rows returns the statement's rows, draining the pending batch first if
// this result belongs to it.
func (r *Result) Rows(ctx context.Context) (*sqlast.Rows, error) {
	if !r.done && r.scope != nil {
		r.scope.resolve(ctx, r)
	}
	return r.rows, r.err
}

// Release tells the scope the consumer no longer needs the rows.
func (r *Result) Release() {
	r.released = true
}

// Done reports whether the result has been resolved.
func (r *Result) Done() bool {
	return r.done
}

// Batched reports whether the rows came from a batched statement.
func (r *Result) Batched() bool {
	return r.batched
}

func (r *Result) resolve(rows *sqlast.Rows, err error) {
	r.rows, r.err, r.done = rows, err, true
}
