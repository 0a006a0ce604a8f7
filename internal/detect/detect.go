package detect

import (
	"context"

	"github.com/pkg/errors"

	"sqlopt/internal/sqlast"
)

var (
	// ErrScopeOverlap is returned when a scope is used or exited while one of
	// its children is still open.
	ErrScopeOverlap = errors.New("detect: loop scope used while a child scope is open")
	// ErrScopeClosed is returned when a drained scope receives a statement.
	ErrScopeClosed = errors.New("detect: loop scope already exited")
	// ErrDiscarded resolves results whose batch was dropped because every
	// consumer had released it.
	ErrDiscarded = errors.New("detect: batch discarded after release")
)

const defaultMaxKeys = 500

// Executor runs one statement and materializes its rows.
type Executor interface {
	Query(ctx context.Context, query string, args []any) (*sqlast.Rows, error)
}

// Item is one statement entering a scope. SQL and Args are what gets sent
// when the statement is forwarded on its own.
type Item struct {
	Norm     *sqlast.Normalized
	SQL      string
	Args     []any
	CallSite string
}

// EventKind classifies detector decisions.
type EventKind string

const (
	EventBatch      EventKind = "batch"
	EventFallback   EventKind = "fallback"
	EventIneligible EventKind = "ineligible"
	EventDiscard    EventKind = "discard"
)

// Event describes one detector decision for the observability channel.
type Event struct {
	Kind   EventKind
	Shape  string
	SQL    string
	Items  int
	Keys   int
	Reason Reason
	Err    error
}

// Options configures a Detector.
type Options struct {
	// MaxKeys drains a batch once it holds this many distinct keys.
	MaxKeys int
	OnEvent func(Event)
}

// Detector creates loop scopes bound to one executor.
type Detector struct {
	exec Executor
	opts Options
}

// New returns a Detector forwarding statements to exec.
func New(exec Executor, opts Options) *Detector {
	if opts.MaxKeys <= 1 {
		opts.MaxKeys = defaultMaxKeys
	}
	return &Detector{exec: exec, opts: opts}
}

// Enter opens a root loop scope.
func (d *Detector) Enter() *Scope {
	return newScope(d, nil)
}

func (d *Detector) emit(ev Event) {
	if d.opts.OnEvent != nil {
		d.opts.OnEvent(ev)
	}
}
