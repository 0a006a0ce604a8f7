package sqlast

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pkg/errors"
)

// ErrDialect reports a statement the target dialect cannot express after a
// round trip through the AST.
var ErrDialect = errors.New("sqlast: statement not renderable for dialect")

// Rendered is executable SQL text plus its ordered bound arguments.
type Rendered struct {
	SQL  string
	Args []any
}

// Render serializes the statement for its own dialect. Literal-origin
// parameters are written back as literals; bound parameters become markers.
func (n *Normalized) Render() (Rendered, error) {
	return n.RenderDialect(n.Dialect)
}

// RenderDialect serializes the statement for d.
func (n *Normalized) RenderDialect(d Dialect) (Rendered, error) {
	if d == Postgres {
		if err := checkPostgres(n.Stmt); err != nil {
			return Rendered{}, err
		}
	}
	tr := n.trace
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.reset(modeExec, d, n.Params)
	defer tr.reset(modeShape, n.Dialect, nil)
	var b bytes.Buffer
	if err := n.Stmt.Restore(format.NewRestoreCtx(d.restoreFlags(), &b)); err != nil {
		return Rendered{}, errors.Wrap(err, "restore statement")
	}
	return Rendered{SQL: b.String(), Args: tr.args}, nil
}

// Inline renders the statement with every parameter written as a literal.
// The result is meant for logs and reports, not for execution.
func (n *Normalized) Inline() string {
	tr := n.trace
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.reset(modeInline, n.Dialect, n.Params)
	defer tr.reset(modeShape, n.Dialect, nil)
	var b bytes.Buffer
	if err := n.Stmt.Restore(format.NewRestoreCtx(n.Dialect.restoreFlags(), &b)); err != nil {
		return n.Shape.Text
	}
	return b.String()
}

// InlineText binds args into raw SQL text for logs when the statement could
// not be normalized. Markers inside quotes and comments are left alone.
func InlineText(d Dialect, sqlText string, args []any) string {
	if len(args) == 0 {
		return sqlText
	}
	var b strings.Builder
	next := 0
	scanSQL(sqlText, func(seg segment) {
		switch seg.kind {
		case segQuestion:
			if next < len(args) {
				b.WriteString(inlineSQL(args[next], d))
				next++
				return
			}
		case segDollar:
			if seg.n >= 1 && seg.n <= len(args) {
				b.WriteString(inlineSQL(args[seg.n-1], d))
				return
			}
		}
		b.WriteString(seg.text)
	})
	return b.String()
}

// checkPostgres rejects constructs the MySQL-flavored restorer writes in a
// form PostgreSQL reads differently.
func checkPostgres(stmt ast.StmtNode) error {
	c := &postgresChecker{}
	stmt.Accept(c)
	return c.err
}

type postgresChecker struct {
	err error
}

func (c *postgresChecker) Enter(n ast.Node) (ast.Node, bool) {
	if c.err != nil {
		return n, true
	}
	switch x := n.(type) {
	case *ast.Limit:
		if x.Offset != nil {
			c.err = errors.Wrap(ErrDialect, "LIMIT with offset")
		}
	case *ast.TableName:
		c.checkName(x.Schema.O)
		c.checkName(x.Name.O)
	case *ast.ColumnName:
		c.checkName(x.Table.O)
		c.checkName(x.Name.O)
	case *ast.TableSource:
		c.checkName(x.AsName.O)
	case *ast.SelectField:
		c.checkName(x.AsName.O)
	}
	return n, c.err != nil
}

// checkName rejects mixed-case names: restored identifiers are always
// double quoted and would stop folding to lower case.
func (c *postgresChecker) checkName(name string) {
	for _, r := range name {
		if unicode.IsUpper(r) {
			c.err = errors.Wrapf(ErrDialect, "mixed-case identifier %q", name)
			return
		}
	}
}

func (c *postgresChecker) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}
