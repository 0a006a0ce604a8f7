package db

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"sqlopt/internal/plan"
	"sqlopt/internal/util"
)

const (
	mysqlIndexesSQL = `SELECT INDEX_NAME, COLUMN_NAME FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY INDEX_NAME, SEQ_IN_INDEX`
	postgresIndexesSQL = `SELECT i.relname, a.attname
FROM pg_index x
JOIN pg_class t ON t.oid = x.indrelid
JOIN pg_class i ON i.oid = x.indexrelid
JOIN LATERAL unnest(x.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
LEFT JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE t.relname = $1 AND pg_table_is_visible(t.oid)
ORDER BY i.relname, k.ord`
	sqliteIndexesSQL = `SELECT il.name, ii.name FROM pragma_index_list(?) AS il, pragma_index_info(il.name) AS ii
ORDER BY il.name, ii.seqno`
	sqlitePrimaryKeySQL = `SELECT name, type FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`
)

// Indexes lists the column lists of every index on table, primary key
// included. Expression parts are reported as empty column names.
func (c *Conn) Indexes(ctx context.Context, table string) ([][]string, error) {
	var query string
	switch c.driver {
	case DriverPgx:
		query = postgresIndexesSQL
	case DriverSQLite:
		query = sqliteIndexesSQL
	default:
		query = mysqlIndexesSQL
	}
	rows, err := c.Query(ctx, query, []any{table})
	if err != nil {
		return nil, errors.Wrapf(err, "indexes of %s", table)
	}
	var out [][]string
	byName := map[string]int{}
	for _, row := range rows.Values {
		name, col := stringValue(row[0]), stringValue(row[1])
		idx, ok := byName[name]
		if !ok {
			idx = len(out)
			byName[name] = idx
			out = append(out, nil)
		}
		out[idx] = append(out[idx], col)
	}
	if c.driver == DriverSQLite {
		pk, err := c.sqliteRowidKey(ctx, table)
		if err != nil {
			return nil, err
		}
		if pk != "" {
			out = append(out, []string{pk})
		}
	}
	return out, nil
}

// sqliteRowidKey returns the INTEGER PRIMARY KEY column, which aliases the
// rowid and has no entry in the index list.
func (c *Conn) sqliteRowidKey(ctx context.Context, table string) (string, error) {
	rows, err := c.Query(ctx, sqlitePrimaryKeySQL, []any{table})
	if err != nil {
		return "", errors.Wrapf(err, "primary key of %s", table)
	}
	if rows.Len() != 1 || !strings.EqualFold(stringValue(rows.Values[0][1]), "INTEGER") {
		return "", nil
	}
	return stringValue(rows.Values[0][0]), nil
}

// CreateIndex creates the proposed index under its generated name.
func (c *Conn) CreateIndex(ctx context.Context, p *plan.IndexProposal) error {
	if p == nil || p.Table == "" || len(p.Columns) == 0 {
		return errors.New("db: empty index proposal")
	}
	ddl := c.createIndexSQL(p)
	util.Infof("creating index: %s", ddl)
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create index %s", p.Name())
	}
	return nil
}

func (c *Conn) createIndexSQL(p *plan.IndexProposal) string {
	cols := make([]string, 0, len(p.Columns))
	for _, col := range p.Columns {
		cols = append(cols, c.quote(col))
	}
	head := "CREATE INDEX "
	if c.driver != DriverMySQL {
		head += "IF NOT EXISTS "
	}
	return head + c.quote(p.Name()) + " ON " + c.quote(p.Table) + " (" + strings.Join(cols, ", ") + ")"
}

func (c *Conn) quote(name string) string {
	if c.driver == DriverMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}
