package sqlast

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/mysql"
)

// Dialect selects placeholder style, identifier quoting and string escaping.
type Dialect uint8

const (
	// MySQL covers MySQL and TiDB.
	MySQL Dialect = iota
	// Postgres uses $N placeholders and double-quoted identifiers.
	Postgres
	// SQLite uses ? placeholders and accepts back-quoted identifiers.
	SQLite
)

// String implements fmt.Stringer.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

// ParseDialect maps a driver or dialect name to a Dialect.
func ParseDialect(name string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "tidb", "mariadb":
		return MySQL, true
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	default:
		return MySQL, false
	}
}

func (d Dialect) sqlMode() mysql.SQLMode {
	switch d {
	case Postgres, SQLite:
		return mysql.ModeANSIQuotes | mysql.ModeNoBackslashEscapes
	default:
		return 0
	}
}

func (d Dialect) restoreFlags() format.RestoreFlags {
	flags := format.DefaultRestoreFlags | format.RestoreStringWithoutCharset
	if d == Postgres {
		flags &^= format.RestoreNameBackQuotes
		flags |= format.RestoreNameDoubleQuotes
	}
	return flags
}

// backslashEscapes reports whether string literals treat backslash as an escape.
func (d Dialect) backslashEscapes() bool {
	return d == MySQL
}
