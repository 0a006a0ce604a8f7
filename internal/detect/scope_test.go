package detect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"sqlopt/internal/sqlast"
)

const postsFixture = `
CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER, title TEXT);
INSERT INTO posts VALUES (1, 1, 'a'), (2, 1, 'b'), (3, 2, 'c'), (4, 3, 'd'), (5, 4, 'e');
`

type recordingExec struct {
	db    *sql.DB
	calls []string
	args  [][]any
	fail  func(query string) bool
}

func newRecordingExec(t *testing.T) *recordingExec {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range strings.Split(postsFixture, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	return &recordingExec{db: db}
}

func (e *recordingExec) Query(ctx context.Context, query string, args []any) (*sqlast.Rows, error) {
	e.calls = append(e.calls, query)
	e.args = append(e.args, args)
	if e.fail != nil && e.fail(query) {
		return nil, errors.New("injected failure")
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &sqlast.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Values = append(out.Values, vals)
	}
	return out, rows.Err()
}

func item(t *testing.T, sqlText string, args ...any) Item {
	t.Helper()
	n, err := sqlast.Normalize(sqlText, args)
	if err != nil {
		t.Fatalf("normalize %q: %v", sqlText, err)
	}
	return Item{Norm: n, SQL: sqlText, Args: args}
}

func rowsText(rows *sqlast.Rows) string {
	if rows == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(rows.Values))
	for _, row := range rows.Values {
		parts = append(parts, fmt.Sprint(row...))
	}
	return strings.Join(parts, "|")
}

func directRows(t *testing.T, exec *recordingExec, userID int) string {
	t.Helper()
	probe := &recordingExec{db: exec.db}
	rows, err := probe.Query(context.Background(), "SELECT * FROM posts WHERE user_id = ?", []any{userID})
	if err != nil {
		t.Fatalf("direct query: %v", err)
	}
	return rowsText(rows)
}

func shapeOf(t *testing.T, sqlText string, args ...any) sqlast.Shape {
	t.Helper()
	n, err := sqlast.Normalize(sqlText, args)
	if err != nil {
		t.Fatalf("normalize %q: %v", sqlText, err)
	}
	return n.Shape
}

func TestScopeBatchesLoop(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	var events []Event
	scope := New(exec, Options{OnEvent: func(ev Event) { events = append(events, ev) }}).Enter()
	ids := []int{1, 2, 2, 3}
	for _, id := range ids {
		if _, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected only the first statement forwarded, got %v", exec.calls)
	}
	if scope.State() != StateBatching {
		t.Fatalf("unexpected state: %s", scope.State())
	}
	if err := scope.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected one batched statement, got %v", exec.calls)
	}
	if got, want := shapeOf(t, exec.calls[1]), shapeOf(t, "SELECT * FROM posts WHERE user_id IN (1, 2, 3)"); got != want {
		t.Fatalf("unexpected batch statement %q", exec.calls[1])
	}
	batched, err := sqlast.Normalize(exec.calls[1], nil)
	if err != nil {
		t.Fatalf("normalize batch: %v", err)
	}
	for i, want := range []int64{1, 2, 3} {
		if batched.Params[i].Value != want {
			t.Fatalf("batch key %d=%v want %d", i, batched.Params[i].Value, want)
		}
	}
	results := scope.Results()
	if len(results) != len(ids) {
		t.Fatalf("unexpected results: %d", len(results))
	}
	for i, r := range results {
		rows, err := r.Rows(ctx)
		if err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
		if got, want := rowsText(rows), directRows(t, exec, ids[i]); got != want {
			t.Fatalf("result %d rows %q want %q", i, got, want)
		}
		if r.Batched() != (i > 0) {
			t.Fatalf("result %d batched=%v", i, r.Batched())
		}
	}
	if len(exec.calls) != 2 {
		t.Fatalf("reading results issued more statements: %v", exec.calls)
	}
	if len(events) != 1 || events[0].Kind != EventBatch || events[0].Keys != 3 || events[0].Items != 3 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestScopeBatchesBoundKeys(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	for _, id := range []int{4, 1, 2} {
		if _, err := scope.Submit(ctx, item(t, "SELECT id, user_id FROM posts WHERE user_id = ? ORDER BY id", id)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := scope.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
	if !strings.Contains(exec.calls[1], "IN (?,?,?)") && strings.Count(exec.calls[1], "?") != 3 {
		t.Fatalf("unexpected batch statement: %s", exec.calls[1])
	}
	args := exec.args[1]
	for i, want := range []int{4, 1, 2} {
		if !sqlast.ValuesEqual(args[i], want) {
			t.Fatalf("batch arg %d=%v want %d", i, args[i], want)
		}
	}
	for i, id := range []int{4, 1, 2} {
		rows, err := scope.Results()[i].Rows(ctx)
		if err != nil {
			t.Fatalf("rows: %v", err)
		}
		for _, row := range rows.Values {
			if !sqlast.ValuesEqual(row[1], id) {
				t.Fatalf("result %d received row for user %v", i, row[1])
			}
		}
	}
}

func TestScopeIneligibleStatements(t *testing.T) {
	cases := []struct {
		name   string
		sql    string
		reason Reason
	}{
		{name: "limit", sql: "SELECT * FROM posts WHERE user_id = %d LIMIT 1", reason: ReasonLimit},
		{name: "aggregate", sql: "SELECT COUNT(*) FROM posts WHERE user_id = %d", reason: ReasonAggregate},
		{name: "group by", sql: "SELECT user_id FROM posts WHERE user_id = %d GROUP BY user_id", reason: ReasonGrouping},
		{name: "key not projected", sql: "SELECT title FROM posts WHERE user_id = %d", reason: ReasonKeyNotProjected},
		{name: "range predicate", sql: "SELECT * FROM posts WHERE user_id > %d", reason: ReasonNoKeyPredicate},
		{name: "disjunction", sql: "SELECT * FROM posts WHERE user_id = %d OR id = 1", reason: ReasonNoKeyPredicate},
		{name: "string key", sql: "SELECT * FROM posts WHERE title = '%d'", reason: ReasonNonIntegerKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			exec := newRecordingExec(t)
			var events []Event
			scope := New(exec, Options{OnEvent: func(ev Event) { events = append(events, ev) }}).Enter()
			for _, id := range []int{1, 2, 3} {
				if _, err := scope.Submit(ctx, item(t, fmt.Sprintf(tc.sql, id))); err != nil {
					t.Fatalf("submit: %v", err)
				}
			}
			if err := scope.Exit(ctx); err != nil {
				t.Fatalf("exit: %v", err)
			}
			if len(exec.calls) != 3 {
				t.Fatalf("expected per-item execution, got %v", exec.calls)
			}
			if len(events) != 1 || events[0].Kind != EventIneligible || events[0].Reason != tc.reason {
				t.Fatalf("unexpected events: %+v", events)
			}
		})
	}
}

func TestScopeManyParamsDiffer(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	for _, sqlText := range []string{
		"SELECT * FROM posts WHERE user_id = 1 AND id > 0",
		"SELECT * FROM posts WHERE user_id = 2 AND id > 1",
	} {
		if _, err := scope.Submit(ctx, item(t, sqlText)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(exec.calls) != 2 || scope.State() != StateWatching {
		t.Fatalf("unexpected calls %v state %s", exec.calls, scope.State())
	}
}

func TestScopeFlushesBeforeNonMatchingStatement(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	for _, id := range []int{1, 2} {
		if _, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := scope.Submit(ctx, item(t, "UPDATE posts SET title = 'z' WHERE user_id = 2")); err != nil {
		t.Fatalf("submit update: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
	if !strings.Contains(strings.ToUpper(exec.calls[1]), " IN ") || !strings.HasPrefix(exec.calls[2], "UPDATE") {
		t.Fatalf("batch did not run before the write: %v", exec.calls)
	}
	rows, err := scope.Results()[1].Rows(ctx)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if !strings.Contains(rowsText(rows), "c") {
		t.Fatalf("batched read observed the later write: %s", rowsText(rows))
	}
	if _, err := scope.Exec(ctx, "SELECT 1", nil); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if scope.State() != StateIdle {
		t.Fatalf("unexpected state after raw statement: %s", scope.State())
	}
}

func TestResultRowsResolvesEarly(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	var results []*Result
	for _, id := range []int{1, 2, 3} {
		r, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id)))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		results = append(results, r)
	}
	if results[1].Done() {
		t.Fatalf("suppressed result resolved before its batch")
	}
	if _, err := results[1].Rows(ctx); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(exec.calls) != 2 || !results[2].Done() {
		t.Fatalf("expected the batch to drain on demand: %v", exec.calls)
	}
	if _, err := scope.Submit(ctx, item(t, "SELECT * FROM posts WHERE user_id = 4")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := scope.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
	second, err := sqlast.Normalize(exec.calls[2], nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(second.Params) != 1 || second.Params[0].Value != int64(4) {
		t.Fatalf("served key fetched again: %s", exec.calls[2])
	}
}

func TestScopeMaxKeys(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{MaxKeys: 2}).Enter()
	for _, id := range []int{1, 2, 3, 4} {
		if _, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := scope.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("unexpected calls: %v", exec.calls)
	}
	for i, r := range scope.Results() {
		rows, err := r.Rows(ctx)
		if err != nil {
			t.Fatalf("rows: %v", err)
		}
		if got, want := rowsText(rows), directRows(t, exec, i+1); got != want {
			t.Fatalf("result %d rows %q want %q", i, got, want)
		}
	}
}

func TestScopeFallbackOnBatchFailure(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	exec.fail = func(query string) bool { return strings.Contains(strings.ToUpper(query), " IN ") }
	var events []Event
	scope := New(exec, Options{OnEvent: func(ev Event) { events = append(events, ev) }}).Enter()
	for _, id := range []int{1, 2, 3} {
		if _, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := scope.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exec.calls) != 4 {
		t.Fatalf("expected first + failed batch + two fallbacks, got %v", exec.calls)
	}
	for i, r := range scope.Results() {
		rows, err := r.Rows(ctx)
		if err != nil {
			t.Fatalf("rows: %v", err)
		}
		if got, want := rowsText(rows), directRows(t, exec, i+1); got != want {
			t.Fatalf("result %d rows %q want %q", i, got, want)
		}
		if r.Batched() {
			t.Fatalf("fallback result marked batched")
		}
	}
	if len(events) != 1 || events[0].Kind != EventFallback {
		t.Fatalf("unexpected events: %+v", events)
	}
}

// coercingExec serves a table whose key column holds decimal text, the way
// a VARCHAR or DECIMAL key compared against an integer matches on MySQL.
type coercingExec struct {
	calls []string
}

func (e *coercingExec) Query(_ context.Context, query string, _ []any) (*sqlast.Rows, error) {
	e.calls = append(e.calls, query)
	rows := &sqlast.Rows{Columns: []string{"code", "label"}}
	for _, key := range []string{"1", "2"} {
		if strings.Contains(query, " IN ") || strings.HasSuffix(query, "= "+key) {
			rows.Values = append(rows.Values, []any{key + ".0", "label" + key})
		}
	}
	return rows, nil
}

func TestScopeFallbackOnNonIntegerBatchKey(t *testing.T) {
	ctx := context.Background()
	exec := &coercingExec{}
	var events []Event
	scope := New(exec, Options{OnEvent: func(ev Event) { events = append(events, ev) }}).Enter()
	for _, id := range []int{1, 2} {
		if _, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM codes WHERE code = %d", id))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := scope.Exit(ctx); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exec.calls) != 3 {
		t.Fatalf("expected first + batch + one fallback, got %v", exec.calls)
	}
	for i, r := range scope.Results() {
		rows, err := r.Rows(ctx)
		if err != nil {
			t.Fatalf("rows: %v", err)
		}
		if rows.Len() != 1 || rows.Values[0][1] != fmt.Sprintf("label%d", i+1) {
			t.Fatalf("result %d unexpected rows %q", i, rowsText(rows))
		}
		if r.Batched() {
			t.Fatalf("result %d marked batched after fallback", i)
		}
	}
	if len(events) != 1 || events[0].Kind != EventFallback || events[0].Err == nil {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestScopeCancelDiscardsReleasedBatch(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	var results []*Result
	for _, id := range []int{1, 2, 3} {
		r, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id)))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		results = append(results, r)
	}
	results[1].Release()
	results[2].Release()
	scope.Cancel(ctx)
	if len(exec.calls) != 1 {
		t.Fatalf("released batch was executed: %v", exec.calls)
	}
	if _, err := results[2].Rows(ctx); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("expected ErrDiscarded, got %v", err)
	}
	if scope.State() != StateDrained {
		t.Fatalf("unexpected state: %s", scope.State())
	}
}

func TestScopeCancelDrainsWhenConsumerRemains(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	var results []*Result
	for _, id := range []int{1, 2, 3} {
		r, err := scope.Submit(ctx, item(t, fmt.Sprintf("SELECT * FROM posts WHERE user_id = %d", id)))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		results = append(results, r)
	}
	results[1].Release()
	scope.Cancel(ctx)
	if len(exec.calls) != 2 {
		t.Fatalf("expected a final batch, got %v", exec.calls)
	}
	if rows, err := results[2].Rows(ctx); err != nil || rows.Len() != 1 {
		t.Fatalf("unexpected rows %v err %v", rows, err)
	}
}

func TestScopeNesting(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	parent := New(exec, Options{}).Enter()
	child, err := parent.Enter()
	if err != nil {
		t.Fatalf("enter child: %v", err)
	}
	if _, err := parent.Enter(); !errors.Is(err, ErrScopeOverlap) {
		t.Fatalf("expected overlap on second child, got %v", err)
	}
	if _, err := parent.Submit(ctx, item(t, "SELECT * FROM posts WHERE user_id = 1")); !errors.Is(err, ErrScopeOverlap) {
		t.Fatalf("expected overlap on parent submit, got %v", err)
	}
	if err := parent.Exit(ctx); !errors.Is(err, ErrScopeOverlap) {
		t.Fatalf("expected overlap on parent exit, got %v", err)
	}
	if _, err := child.Submit(ctx, item(t, "SELECT * FROM posts WHERE user_id = 1")); err != nil {
		t.Fatalf("child submit: %v", err)
	}
	if err := child.Exit(ctx); err != nil {
		t.Fatalf("child exit: %v", err)
	}
	if err := parent.Exit(ctx); err != nil {
		t.Fatalf("parent exit: %v", err)
	}
	if _, err := parent.Submit(ctx, item(t, "SELECT 1")); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("expected closed scope, got %v", err)
	}

	root := New(exec, Options{}).Enter()
	inner, err := root.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	root.Cancel(ctx)
	if inner.State() != StateDrained || root.State() != StateDrained {
		t.Fatalf("cancel did not close the tree")
	}
}

func TestScopeCallSiteMismatch(t *testing.T) {
	ctx := context.Background()
	exec := newRecordingExec(t)
	scope := New(exec, Options{}).Enter()
	a := item(t, "SELECT * FROM posts WHERE user_id = 1")
	a.CallSite = "repo.go:10"
	b := item(t, "SELECT * FROM posts WHERE user_id = 2")
	b.CallSite = "repo.go:42"
	for _, it := range []Item{a, b} {
		if _, err := scope.Submit(ctx, it); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(exec.calls) != 2 {
		t.Fatalf("statements from different call sites were batched: %v", exec.calls)
	}
}
