//go:build integration

package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"sqlopt/internal/plan"
	"sqlopt/internal/sqlast"
)

func startMySQL(t *testing.T) string {
	t.Helper()
	ctx := t.Context()
	ctr, err := mysql.Run(ctx, "mysql:8",
		mysql.WithDatabase("shop"),
		mysql.WithUsername("root"),
		mysql.WithPassword("test"),
	)
	if err != nil {
		t.Fatalf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate mysql container: %v", err)
		}
	})
	dsn, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func TestMySQLAdvisorEndToEnd(t *testing.T) {
	ctx := t.Context()
	c, err := Open(startMySQL(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if c.Driver() != DriverMySQL {
		t.Fatalf("unexpected driver %s", c.Driver())
	}
	for _, stmt := range []string{
		"CREATE TABLE orders (id BIGINT PRIMARY KEY AUTO_INCREMENT, customer_id BIGINT, status VARCHAR(16), created_at DATETIME)",
		"INSERT INTO orders (customer_id, status, created_at) VALUES (1, 'open', '2024-01-02'), (2, 'paid', '2024-02-01')",
	} {
		if _, err := c.Exec(ctx, stmt, nil); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	n, err := sqlast.Normalize("SELECT * FROM orders WHERE status = ? AND created_at > '2024-01-01'", []any{"open"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	adv := plan.NewAdvisor(c, c, plan.NewAnalyzer(plan.Options{}), true)
	advice, err := adv.Advise(ctx, n, time.Second)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if advice.Plan == nil || advice.Plan.Format != plan.FormatMySQL {
		t.Fatalf("unexpected plan: %+v", advice.Plan)
	}
	if !advice.Created {
		t.Fatalf("expected index creation: %+v", advice)
	}
	indexes, err := c.Indexes(ctx, "orders")
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	var got []string
	for _, cols := range indexes {
		got = append(got, strings.Join(cols, ","))
	}
	if !strings.Contains(strings.Join(got, "|"), "status,created_at") {
		t.Fatalf("index not listed: %v", got)
	}
	rows, err := c.Query(ctx, "SELECT id, status FROM orders WHERE customer_id = ?", []any{2})
	if err != nil || rows.Len() != 1 || rows.Values[0][1] != "paid" {
		t.Fatalf("unexpected rows %+v err %v", rows, err)
	}
}
