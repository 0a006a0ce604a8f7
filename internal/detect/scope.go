package detect

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sqlopt/internal/sqlast"
	"sqlopt/internal/util"
)

// State is the position of a scope in its detection state machine.
type State uint8

const (
	StateIdle State = iota
	StateWatching
	StateBatching
	StateDrained
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateWatching:
		return "watching"
	case StateBatching:
		return "batching"
	case StateDrained:
		return "drained"
	default:
		return "idle"
	}
}

// Scope is one loop region. It is owned by a single flow and takes no locks.
type Scope struct {
	ID uuid.UUID

	det     *Detector
	parent  *Scope
	child   *Scope
	state   State
	cand    *candidate
	batch   *pendingBatch
	results []*Result
}

type candidate struct {
	item     Item
	result   *Result
	reported bool
	// served is set when the candidate's key was already part of a batch.
	served bool
}

type pendingBatch struct {
	base    *candidate
	keyIdx  int
	keys    []int64
	params  map[int64]sqlast.Param
	pending []*Result
}

func newScope(d *Detector, parent *Scope) *Scope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Scope{ID: id, det: d, parent: parent}
}

// State returns the current state.
func (s *Scope) State() State {
	return s.state
}

// Enter opens a nested scope. The parent must not be used until the child
// exits.
func (s *Scope) Enter() (*Scope, error) {
	if s.state == StateDrained {
		return nil, ErrScopeClosed
	}
	if s.child != nil {
		return nil, ErrScopeOverlap
	}
	s.child = newScope(s.det, s)
	return s.child, nil
}

// Results returns every result submitted to this scope in request order.
func (s *Scope) Results() []*Result {
	return s.results
}

// Submit routes one statement through the state machine. Forwarded
// statements execute immediately; suppressed ones resolve with their batch.
func (s *Scope) Submit(ctx context.Context, item Item) (*Result, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if item.Norm == nil {
		return s.Exec(ctx, item.SQL, item.Args)
	}
	if s.state == StateBatching {
		if key, param, ok := s.batch.accepts(item); ok {
			r := s.suppress(item, key, param)
			s.drainFull(ctx)
			return r, nil
		}
		s.drain(ctx)
	}
	if s.state == StateWatching && s.cand != nil {
		if b := s.tryBatch(item); b != nil {
			s.batch = b
			s.state = StateBatching
			key, _ := sqlast.Int64Value(item.Norm.Params[b.keyIdx].Value)
			r := s.suppress(item, key, item.Norm.Params[b.keyIdx])
			s.drainFull(ctx)
			return r, nil
		}
	}
	r := s.forward(ctx, item)
	reported := s.cand != nil && s.cand.reported && s.cand.item.Norm != nil && s.cand.item.Norm.Shape == item.Norm.Shape
	s.cand = &candidate{item: item, result: r, reported: reported}
	s.state = StateWatching
	return r, nil
}

// Exec forwards a statement the normalizer could not represent. A pending
// batch drains first so reads and writes keep their order.
func (s *Scope) Exec(ctx context.Context, sqlText string, args []any) (*Result, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.state == StateBatching {
		s.drain(ctx)
	}
	r := s.forward(ctx, Item{SQL: sqlText, Args: args})
	s.cand = nil
	s.state = StateIdle
	return r, nil
}

// Flush drains the pending batch, if any.
func (s *Scope) Flush(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state == StateBatching {
		s.drain(ctx)
	}
	return nil
}

// Exit drains the pending batch and closes the scope.
func (s *Scope) Exit(ctx context.Context) error {
	if s.state == StateDrained {
		return nil
	}
	if s.child != nil {
		return ErrScopeOverlap
	}
	s.close(ctx)
	return nil
}

// Cancel closes the scope on early exit, closing open children first.
// The pending batch drains unless every consumer already released it.
func (s *Scope) Cancel(ctx context.Context) {
	if s.state == StateDrained {
		return
	}
	if s.child != nil {
		s.child.Cancel(ctx)
	}
	s.close(ctx)
}

func (s *Scope) close(ctx context.Context) {
	if s.state == StateBatching {
		s.drain(ctx)
	}
	s.state = StateDrained
	s.cand = nil
	if s.parent != nil && s.parent.child == s {
		s.parent.child = nil
	}
}

func (s *Scope) usable() error {
	if s.state == StateDrained {
		return ErrScopeClosed
	}
	if s.child != nil {
		return ErrScopeOverlap
	}
	return nil
}

func (s *Scope) forward(ctx context.Context, item Item) *Result {
	r := &Result{scope: s, item: item}
	r.resolve(s.det.exec.Query(ctx, item.SQL, item.Args))
	s.results = append(s.results, r)
	return r
}

func (s *Scope) suppress(item Item, key int64, param sqlast.Param) *Result {
	r := &Result{scope: s, item: item, key: key, param: param}
	s.batch.add(r)
	s.results = append(s.results, r)
	return r
}

// tryBatch decides whether item repeats the candidate with only the key
// parameter changed.
func (s *Scope) tryBatch(item Item) *pendingBatch {
	cand := s.cand
	diff, sameShape := cand.item.Norm.DiffParams(item.Norm)
	if !sameShape || len(diff) == 0 {
		return nil
	}
	if cand.item.CallSite != "" && item.CallSite != "" && cand.item.CallSite != item.CallSite {
		s.reportIneligible(cand, ReasonCallSite)
		return nil
	}
	if len(diff) > 1 {
		s.reportIneligible(cand, ReasonManyParams)
		return nil
	}
	keyIdx := diff[0]
	pred, reason := findKeyPredicate(cand.item.Norm, keyIdx)
	if pred == nil {
		s.reportIneligible(cand, reason)
		return nil
	}
	firstKey, ok1 := sqlast.Int64Value(cand.item.Norm.Params[keyIdx].Value)
	_, ok2 := sqlast.Int64Value(item.Norm.Params[keyIdx].Value)
	if !ok1 || !ok2 {
		s.reportIneligible(cand, ReasonNonIntegerKey)
		return nil
	}
	b := &pendingBatch{
		base:   cand,
		keyIdx: keyIdx,
		params: map[int64]sqlast.Param{},
	}
	if !cand.served {
		b.addKey(firstKey, cand.item.Norm.Params[keyIdx])
	}
	return b
}

func (s *Scope) reportIneligible(cand *candidate, reason Reason) {
	if cand.reported {
		return
	}
	cand.reported = true
	s.det.emit(Event{Kind: EventIneligible, Shape: cand.item.Norm.Shape.Text, SQL: cand.item.Norm.Inline(), Reason: reason})
}

func (b *pendingBatch) accepts(item Item) (int64, sqlast.Param, bool) {
	base := b.base.item
	if base.CallSite != "" && item.CallSite != "" && base.CallSite != item.CallSite {
		return 0, sqlast.Param{}, false
	}
	diff, sameShape := base.Norm.DiffParams(item.Norm)
	if !sameShape || len(diff) > 1 || (len(diff) == 1 && diff[0] != b.keyIdx) {
		return 0, sqlast.Param{}, false
	}
	param := item.Norm.Params[b.keyIdx]
	key, ok := sqlast.Int64Value(param.Value)
	if !ok {
		return 0, sqlast.Param{}, false
	}
	return key, param, true
}

func (b *pendingBatch) add(r *Result) {
	b.pending = append(b.pending, r)
	b.addKey(r.key, r.param)
}

func (b *pendingBatch) addKey(key int64, param sqlast.Param) {
	if _, seen := b.params[key]; seen {
		return
	}
	b.keys = append(b.keys, key)
	b.params[key] = param
}

// drainFull drains once the batch holds MaxKeys distinct keys.
func (s *Scope) drainFull(ctx context.Context) {
	if s.batch != nil && len(s.batch.keys) >= s.det.opts.MaxKeys {
		s.drain(ctx)
	}
}

// resolve drains the batch r belongs to.
func (s *Scope) resolve(ctx context.Context, r *Result) {
	if s.batch == nil {
		return
	}
	for _, p := range s.batch.pending {
		if p == r {
			s.drain(ctx)
			return
		}
	}
}

// drain resolves every pending result of the current batch with one IN
// statement, or per item when the batch cannot serve them.
func (s *Scope) drain(ctx context.Context) {
	b := s.batch
	if b == nil {
		return
	}
	s.batch = nil
	if s.state == StateBatching {
		s.state = StateWatching
	}
	if len(b.pending) > 0 {
		last := b.pending[len(b.pending)-1]
		s.cand = &candidate{item: last.item, result: last, reported: true, served: true}
	}
	shape := b.base.item.Norm.Shape.Text
	if allReleased(b.pending) {
		for _, r := range b.pending {
			r.resolve(nil, ErrDiscarded)
		}
		s.det.emit(Event{Kind: EventDiscard, Shape: shape, Items: len(b.pending), Keys: len(b.keys)})
		return
	}
	params := make([]sqlast.Param, 0, len(b.keys))
	for _, key := range b.keys {
		params = append(params, b.params[key])
	}
	rows, byKey, stmt, err := s.runBatch(ctx, b, params)
	if err != nil {
		util.Debugf("batch fallback for %s: %v", shape, err)
		s.det.emit(Event{Kind: EventFallback, Shape: shape, SQL: stmt, Items: len(b.pending), Keys: len(b.keys), Err: err})
		for _, r := range b.pending {
			r.resolve(s.det.exec.Query(ctx, r.item.SQL, r.item.Args))
		}
		return
	}
	for _, r := range b.pending {
		key, _ := sqlast.CanonicalKey(r.key)
		r.batched = true
		r.resolve(rows.Subset(byKey[key]), nil)
	}
	s.det.emit(Event{Kind: EventBatch, Shape: shape, SQL: stmt, Items: len(b.pending), Keys: len(b.keys)})
}

// runBatch executes the IN statement and groups its rows by key. A result
// without a usable key column, or with a key value that is not an integer,
// counts as a failure: the server may have coerced such a key to match.
func (s *Scope) runBatch(ctx context.Context, b *pendingBatch, params []sqlast.Param) (*sqlast.Rows, map[string][][]any, string, error) {
	stmt, kp, err := buildBatch(b.base.item.Norm, b.keyIdx, params)
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "build batch")
	}
	rendered, err := stmt.Render()
	if err != nil {
		return nil, nil, stmt.Shape.Text, errors.Wrap(err, "render batch")
	}
	inline := stmt.Inline()
	rows, err := s.det.exec.Query(ctx, rendered.SQL, rendered.Args)
	if err != nil {
		return nil, nil, inline, errors.Wrap(err, "run batch")
	}
	idx := rows.ColumnIndex(kp.resultColumn)
	if idx < 0 {
		return nil, nil, inline, errors.Errorf("batch result has no unique %s column", columnLabel(kp.column))
	}
	byKey := make(map[string][][]any, len(b.keys))
	for _, row := range rows.Values {
		key, ok := sqlast.CanonicalKey(row[idx])
		if !ok {
			return nil, nil, inline, errors.Errorf("batch key %v in column %s is not an integer", row[idx], columnLabel(kp.column))
		}
		byKey[key] = append(byKey[key], row)
	}
	return rows, byKey, inline, nil
}

func allReleased(results []*Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.released {
			return false
		}
	}
	return true
}

func errorsReason(reason Reason) error {
	return errors.Errorf("statement not batchable: %s", reason)
}
