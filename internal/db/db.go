package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"sqlopt/internal/plan"
	"sqlopt/internal/sqlast"
)

// Driver names registered with database/sql.
const (
	DriverMySQL  = "mysql"
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

// ErrUnknownDriver is returned when no driver can be inferred from a DSN.
var ErrUnknownDriver = errors.New("db: cannot detect driver")

// DetectDriver infers the database/sql driver from a DSN.
func DetectDriver(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "":
		return "", errors.Wrap(ErrUnknownDriver, "empty dsn")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPgx, nil
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite:"), trimmed == ":memory:",
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DriverSQLite, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DriverPgx, nil
	}
	if _, err := mysql.ParseDSN(trimmed); err == nil && strings.Contains(trimmed, "/") {
		return DriverMySQL, nil
	}
	return "", errors.Wrapf(ErrUnknownDriver, "dsn %q", dsn)
}

// Conn is a database handle serving as the executor, explainer and schema
// collaborator of the optimizer.
type Conn struct {
	db            *sql.DB
	driver        string
	dialect       sqlast.Dialect
	explainFormat string
}

// Open detects the driver from dsn and opens a connection pool.
func Open(dsn string) (*Conn, error) {
	driver, err := DetectDriver(dsn)
	if err != nil {
		return nil, err
	}
	return OpenDriver(driver, dsn)
}

// OpenDriver opens dsn with an explicit driver name.
func OpenDriver(driver, dsn string) (*Conn, error) {
	var dialect sqlast.Dialect
	switch driver {
	case DriverMySQL:
		dialect = sqlast.MySQL
	case DriverPgx:
		dialect = sqlast.Postgres
	case DriverSQLite:
		dialect = sqlast.SQLite
		dsn = strings.TrimPrefix(dsn, "sqlite:")
	default:
		d, ok := sqlast.ParseDialect(driver)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownDriver, "driver %q", driver)
		}
		return OpenDriver(driverFor(d), dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if driver == DriverSQLite {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	return &Conn{db: db, driver: driver, dialect: dialect}, nil
}

func driverFor(d sqlast.Dialect) string {
	switch d {
	case sqlast.Postgres:
		return DriverPgx
	case sqlast.SQLite:
		return DriverSQLite
	default:
		return DriverMySQL
	}
}

// DB returns the underlying pool.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Driver returns the database/sql driver name.
func (c *Conn) Driver() string {
	return c.driver
}

// Dialect returns the SQL dialect statements must be rendered in.
func (c *Conn) Dialect() sqlast.Dialect {
	return c.dialect
}

// SetExplainFormat selects a MySQL-protocol EXPLAIN FORMAT, such as TiDB's
// "brief" or "verbose". Empty uses the server default.
func (c *Conn) SetExplainFormat(format string) {
	c.explainFormat = format
}

// Ping verifies the connection.
func (c *Conn) Ping(ctx context.Context) error {
	return errors.Wrap(c.db.PingContext(ctx), "ping")
}

// Close closes the pool.
func (c *Conn) Close() error {
	return c.db.Close()
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "exec")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// Query runs a statement and materializes its rows. Text columns delivered
// as bytes are converted to strings.
func (c *Conn) Query(ctx context.Context, query string, args []any) (*sqlast.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "columns")
	}
	binary := make([]bool, len(cols))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			name := strings.ToUpper(ct.DatabaseTypeName())
			binary[i] = strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BYTEA"
		}
	}
	out := &sqlast.Rows{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		scanArgs := make([]any, len(cols))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && !binary[i] {
				values[i] = string(b)
			}
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}
	return out, nil
}

// Explain fetches and parses the plan of a statement. Arguments are inlined
// so every server can plan the text without a prepare round trip.
func (c *Conn) Explain(ctx context.Context, query string, args []any) (*plan.Plan, error) {
	text := sqlast.InlineText(c.dialect, query, args)
	rows, err := c.Query(ctx, c.explainPrefix()+text, nil)
	if err != nil {
		return nil, errors.Wrap(err, "explain")
	}
	return plan.FromRows(rows)
}

func (c *Conn) explainPrefix() string {
	switch c.driver {
	case DriverPgx:
		return "EXPLAIN (FORMAT JSON) "
	case DriverSQLite:
		return "EXPLAIN QUERY PLAN "
	}
	if c.explainFormat != "" {
		return "EXPLAIN FORMAT='" + strings.ReplaceAll(c.explainFormat, "'", "") + "' "
	}
	return "EXPLAIN "
}
