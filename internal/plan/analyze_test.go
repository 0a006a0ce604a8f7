package plan

import (
	"strings"
	"testing"
	"time"

	"sqlopt/internal/sqlast"
)

func testAnalyzer() *Analyzer {
	return NewAnalyzer(Options{SlowThreshold: 100 * time.Millisecond, MinScanRows: 1000, MaxColumns: 4})
}

func scanPlan(table string, rows float64) *Plan {
	return &Plan{Root: &Node{Op: "Selection", Class: OpFilter, Rows: -1, Children: []*Node{
		{Op: "TableFullScan", Class: OpFullScan, Table: table, Rows: rows},
	}}}
}

func mustNormalize(t *testing.T, sqlText string, args ...any) *sqlast.Normalized {
	t.Helper()
	n, err := sqlast.Normalize(sqlText, args)
	if err != nil {
		t.Fatalf("normalize %q: %v", sqlText, err)
	}
	return n
}

func TestAnalyzeProposals(t *testing.T) {
	cases := []struct {
		name     string
		sql      string
		args     []any
		plan     *Plan
		columns  string
		equality int
	}{
		{
			name:     "equality before range",
			sql:      "SELECT id FROM orders WHERE status = 'x' AND created_at > '2024-01-01'",
			plan:     scanPlan("orders", 10000),
			columns:  "status,created_at",
			equality: 1,
		},
		{
			name:     "range written first",
			sql:      "SELECT id FROM orders WHERE created_at > ? AND status = ?",
			args:     []any{"2024-01-01", "x"},
			plan:     scanPlan("orders", 10000),
			columns:  "status,created_at",
			equality: 1,
		},
		{
			name:     "only first range column",
			sql:      "SELECT * FROM orders WHERE amount BETWEEN 1 AND 5 AND created_at < NOW() AND region IN ('eu', 'us')",
			plan:     scanPlan("orders", 10000),
			columns:  "region,amount",
			equality: 1,
		},
		{
			name:     "is null and null-safe equality",
			sql:      "SELECT * FROM orders WHERE deleted_at IS NULL AND owner <=> 3",
			plan:     scanPlan("orders", 10000),
			columns:  "deleted_at,owner",
			equality: 2,
		},
		{
			name:     "prefix like",
			sql:      "SELECT * FROM users WHERE name LIKE 'ab%'",
			plan:     scanPlan("users", 5000),
			columns:  "name",
			equality: 0,
		},
		{
			name:     "join key through alias",
			sql:      "SELECT * FROM users u JOIN orders o ON o.user_id = u.id WHERE o.status = 'x'",
			plan:     scanPlan("orders", 10000),
			columns:  "user_id,status",
			equality: 2,
		},
		{
			name:     "update where",
			sql:      "UPDATE orders SET status = 'y' WHERE customer_id = 7 AND created_at >= '2024-01-01'",
			plan:     scanPlan("orders", 10000),
			columns:  "customer_id,created_at",
			equality: 1,
		},
		{
			name:     "capped at max columns",
			sql:      "SELECT * FROM t WHERE a = 1 AND b = 2 AND c = 3 AND d = 4 AND e = 5",
			plan:     scanPlan("t", 10000),
			columns:  "a,b,c,d",
			equality: 4,
		},
	}
	a := testAnalyzer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, reason := a.Analyze(mustNormalize(t, tc.sql, tc.args...), tc.plan, time.Second)
			if p == nil {
				t.Fatalf("expected proposal, got reason %q", reason)
			}
			if got := strings.Join(p.Columns, ","); got != tc.columns || p.Equality != tc.equality {
				t.Fatalf("unexpected proposal %s equality=%d", p, p.Equality)
			}
		})
	}
}

func TestAnalyzeReasons(t *testing.T) {
	cases := []struct {
		name    string
		sql     string
		plan    *Plan
		elapsed time.Duration
		reason  Reason
	}{
		{name: "fast", sql: "SELECT * FROM orders WHERE status = 'x'", plan: scanPlan("orders", 10000), elapsed: time.Millisecond, reason: ReasonBelowThreshold},
		{name: "no plan", sql: "SELECT * FROM orders WHERE status = 'x'", elapsed: time.Second, reason: ReasonNoPlan},
		{
			name:    "index scan only",
			sql:     "SELECT * FROM orders WHERE id = 1",
			plan:    &Plan{Root: &Node{Op: "PointGet", Class: OpIndexLookup, Table: "orders", Rows: 1}},
			elapsed: time.Second,
			reason:  ReasonNoFullScan,
		},
		{name: "small table", sql: "SELECT * FROM orders WHERE status = 'x'", plan: scanPlan("orders", 10), elapsed: time.Second, reason: ReasonFewRows},
		{name: "no where", sql: "SELECT * FROM orders", plan: scanPlan("orders", 10000), elapsed: time.Second, reason: ReasonNoPredicate},
		{name: "leading wildcard", sql: "SELECT * FROM users WHERE name LIKE '%ab'", plan: scanPlan("users", 10000), elapsed: time.Second, reason: ReasonNoPredicate},
		{name: "negated", sql: "SELECT * FROM orders WHERE status NOT IN ('a', 'b') AND status != 'c'", plan: scanPlan("orders", 10000), elapsed: time.Second, reason: ReasonNoPredicate},
		{name: "column compared to own table", sql: "SELECT * FROM orders WHERE shipped_at > created_at", plan: scanPlan("orders", 10000), elapsed: time.Second, reason: ReasonNoPredicate},
		{name: "scan of other table", sql: "SELECT * FROM orders WHERE status = 'x'", plan: scanPlan("users", 10000), elapsed: time.Second, reason: ReasonNoPredicate},
		{
			name:    "unqualified column in join",
			sql:     "SELECT * FROM users u JOIN orders o ON 1 = 1 WHERE status = 'x'",
			plan:    scanPlan("orders", 10000),
			elapsed: time.Second,
			reason:  ReasonNoPredicate,
		},
	}
	a := testAnalyzer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, reason := a.Analyze(mustNormalize(t, tc.sql), tc.plan, tc.elapsed)
			if p != nil || reason != tc.reason {
				t.Fatalf("unexpected outcome %v %q, want %q", p, reason, tc.reason)
			}
		})
	}
}

func TestAnalyzePicksCostliestScan(t *testing.T) {
	p := &Plan{Root: &Node{Op: "HashJoin", Class: OpJoin, Rows: -1, Children: []*Node{
		{Op: "Seq Scan", Class: OpFullScan, Table: "users", Alias: "u", Cost: 50, Rows: 2000},
		{Op: "Seq Scan", Class: OpFullScan, Table: "orders", Alias: "o", Cost: 900, Rows: 50000},
	}}}
	n := mustNormalize(t, "SELECT * FROM users u JOIN orders o ON o.user_id = u.id WHERE u.email = 'a@b' AND o.total > 10")
	proposal, reason := testAnalyzer().Analyze(n, p, time.Second)
	if proposal == nil {
		t.Fatalf("expected proposal, got %q", reason)
	}
	if proposal.Table != "orders" || strings.Join(proposal.Columns, ",") != "user_id,total" {
		t.Fatalf("unexpected proposal: %s", proposal)
	}
	if proposal.Name() != "idx_orders_user_id_total" {
		t.Fatalf("unexpected name: %s", proposal.Name())
	}
}

func TestAnalyzeResolvesAliasFromMySQLPlan(t *testing.T) {
	p := &Plan{Root: &Node{Op: "nested loop", Class: OpJoin, Rows: -1, Children: []*Node{
		{Op: "all", Class: OpFullScan, Alias: "o", Rows: 20000},
	}}}
	n := mustNormalize(t, "SELECT * FROM orders AS o WHERE o.status = 'open'")
	proposal, _ := testAnalyzer().Analyze(n, p, time.Second)
	if proposal == nil || proposal.Table != "orders" {
		t.Fatalf("unexpected proposal: %v", proposal)
	}
}

func TestIndexProposalCovers(t *testing.T) {
	p := &IndexProposal{Table: "orders", Columns: []string{"status", "region", "created_at"}, Equality: 2}
	cases := []struct {
		existing []string
		covers   bool
	}{
		{existing: []string{"status", "region", "created_at"}, covers: true},
		{existing: []string{"REGION", "status", "created_at"}, covers: true},
		{existing: []string{"status", "region", "created_at", "id"}, covers: true},
		{existing: []string{"status", "region"}, covers: false},
		{existing: []string{"status", "created_at", "region"}, covers: false},
		{existing: []string{"created_at", "status", "region"}, covers: false},
		{existing: nil, covers: false},
	}
	for _, tc := range cases {
		if got := p.Covers(tc.existing); got != tc.covers {
			t.Fatalf("Covers(%v)=%v want %v", tc.existing, got, tc.covers)
		}
	}
}

func TestIndexProposalNameTruncated(t *testing.T) {
	p := &IndexProposal{Table: strings.Repeat("t", 40), Columns: []string{strings.Repeat("c", 40)}}
	if got := p.Name(); len(got) != maxIndexNameLen || !strings.HasPrefix(got, "idx_ttt") {
		t.Fatalf("unexpected name %q", got)
	}
}
