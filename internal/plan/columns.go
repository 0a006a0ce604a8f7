package plan

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	driver "github.com/pingcap/tidb/pkg/types/parser_driver"

	"sqlopt/internal/sqlast"
)

// tableRef is one base table of a query block.
type tableRef struct {
	name  string
	alias string
}

// block is a query block with its FROM tables and predicate conjuncts.
type block struct {
	refs  []*tableRef
	preds []ast.ExprNode
}

// predicateColumns lists the columns a scan of table could use from the
// statement's predicates: equality columns in order of appearance, then
// range columns.
type predicateColumns struct {
	// table is the base table name the scan resolved to.
	table    string
	equality []string
	ranges   []string
}

func (c *predicateColumns) empty() bool {
	return len(c.equality) == 0 && len(c.ranges) == 0
}

func (c *predicateColumns) add(name string, eq bool) {
	for _, have := range c.equality {
		if strings.EqualFold(have, name) {
			return
		}
	}
	if eq {
		c.equality = append(c.equality, name)
		for i, have := range c.ranges {
			if strings.EqualFold(have, name) {
				c.ranges = append(c.ranges[:i], c.ranges[i+1:]...)
				break
			}
		}
		return
	}
	for _, have := range c.ranges {
		if strings.EqualFold(have, name) {
			return
		}
	}
	c.ranges = append(c.ranges, name)
}

// collectBlocks gathers the query blocks of a statement. Subqueries are not
// descended into.
func collectBlocks(stmt ast.Node) []*block {
	var out []*block
	switch x := stmt.(type) {
	case *ast.SelectStmt:
		b := &block{}
		if x.From != nil {
			b.addJoin(x.From.TableRefs)
		}
		b.addConjuncts(x.Where)
		out = append(out, b)
	case *ast.SetOprStmt:
		if x.SelectList != nil {
			for _, sel := range x.SelectList.Selects {
				out = append(out, collectBlocks(sel)...)
			}
		}
	case *ast.SetOprSelectList:
		for _, sel := range x.Selects {
			out = append(out, collectBlocks(sel)...)
		}
	case *ast.UpdateStmt:
		b := &block{}
		if x.TableRefs != nil {
			b.addJoin(x.TableRefs.TableRefs)
		}
		b.addConjuncts(x.Where)
		out = append(out, b)
	case *ast.DeleteStmt:
		b := &block{}
		if x.TableRefs != nil {
			b.addJoin(x.TableRefs.TableRefs)
		}
		b.addConjuncts(x.Where)
		out = append(out, b)
	}
	return out
}

func (b *block) addJoin(node ast.ResultSetNode) {
	switch x := node.(type) {
	case *ast.Join:
		if x == nil {
			return
		}
		b.addJoin(x.Left)
		if x.Right != nil {
			b.addJoin(x.Right)
		}
		if x.On != nil {
			b.addConjuncts(x.On.Expr)
		}
	case *ast.TableSource:
		if tn, ok := x.Source.(*ast.TableName); ok {
			b.refs = append(b.refs, &tableRef{name: tn.Name.O, alias: x.AsName.O})
		}
	case *ast.TableName:
		b.refs = append(b.refs, &tableRef{name: x.Name.O})
	}
}

func (b *block) addConjuncts(expr ast.ExprNode) {
	if expr == nil {
		return
	}
	expr = unwrapParens(expr)
	if bin, ok := expr.(*ast.BinaryOperationExpr); ok && bin.Op == opcode.LogicAnd {
		b.addConjuncts(bin.L)
		b.addConjuncts(bin.R)
		return
	}
	b.preds = append(b.preds, expr)
}

// resolve finds the table a column reference belongs to. Unqualified
// columns resolve only when the block reads a single table.
func (b *block) resolve(col *ast.ColumnName) *tableRef {
	if col.Table.L == "" {
		if len(b.refs) == 1 {
			return b.refs[0]
		}
		return nil
	}
	for _, ref := range b.refs {
		if ref.alias != "" && strings.EqualFold(ref.alias, col.Table.O) {
			return ref
		}
	}
	for _, ref := range b.refs {
		if ref.alias == "" && strings.EqualFold(ref.name, col.Table.O) {
			return ref
		}
	}
	return nil
}

// targets returns the refs of the block read by the scan node.
func (b *block) targets(n *Node) map[*tableRef]bool {
	out := map[*tableRef]bool{}
	for _, ref := range b.refs {
		if n.Alias != "" {
			if n.matches(ref.alias) || (ref.alias == "" && n.matches(ref.name)) {
				out[ref] = true
			}
			continue
		}
		if n.matches(ref.name) || (ref.alias != "" && n.matches(ref.alias)) {
			out[ref] = true
		}
	}
	return out
}

// columnsFor extracts indexable predicate columns for the scan node.
func columnsFor(norm *sqlast.Normalized, n *Node) predicateColumns {
	var cols predicateColumns
	for _, b := range collectBlocks(norm.Stmt) {
		targets := b.targets(n)
		if len(targets) == 0 {
			continue
		}
		for _, ref := range b.refs {
			if cols.table == "" && targets[ref] {
				cols.table = ref.name
			}
		}
		own := func(expr ast.ExprNode) (string, bool) {
			c, ok := unwrapParens(expr).(*ast.ColumnNameExpr)
			if !ok || !targets[b.resolve(c.Name)] {
				return "", false
			}
			return c.Name.Name.O, true
		}
		free := func(exprs ...ast.ExprNode) bool {
			for _, e := range exprs {
				if e != nil && b.touches(e, targets) {
					return false
				}
			}
			return true
		}
		for _, pred := range b.preds {
			switch x := pred.(type) {
			case *ast.BinaryOperationExpr:
				eq := x.Op == opcode.EQ || x.Op == opcode.NullEQ
				rng := x.Op == opcode.LT || x.Op == opcode.GT || x.Op == opcode.LE || x.Op == opcode.GE
				if !eq && !rng {
					continue
				}
				if name, ok := own(x.L); ok && free(x.R) {
					cols.add(name, eq)
				} else if name, ok := own(x.R); ok && free(x.L) {
					cols.add(name, eq)
				}
			case *ast.IsNullExpr:
				if name, ok := own(x.Expr); ok && !x.Not {
					cols.add(name, true)
				}
			case *ast.PatternInExpr:
				if name, ok := own(x.Expr); ok && !x.Not && free(x.List...) {
					cols.add(name, true)
				}
			case *ast.BetweenExpr:
				if name, ok := own(x.Expr); ok && !x.Not && free(x.Left, x.Right) {
					cols.add(name, false)
				}
			case *ast.PatternLikeOrIlikeExpr:
				if name, ok := own(x.Expr); ok && !x.Not && x.IsLike && prefixPattern(norm, x.Pattern) {
					cols.add(name, false)
				}
			}
		}
	}
	return cols
}

// touches reports whether expr references a column of the target tables.
func (b *block) touches(expr ast.ExprNode, targets map[*tableRef]bool) bool {
	v := &columnFinder{block: b, targets: targets}
	expr.Accept(v)
	return v.found
}

type columnFinder struct {
	block   *block
	targets map[*tableRef]bool
	found   bool
}

func (v *columnFinder) Enter(n ast.Node) (ast.Node, bool) {
	if v.found {
		return n, true
	}
	switch x := n.(type) {
	case *ast.ColumnNameExpr:
		ref := v.block.resolve(x.Name)
		if ref == nil || v.targets[ref] {
			v.found = true
		}
		return n, true
	case *ast.SubqueryExpr:
		return n, true
	}
	return n, false
}

func (v *columnFinder) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

// prefixPattern reports whether a LIKE pattern is a constant with a fixed
// leading prefix.
func prefixPattern(norm *sqlast.Normalized, pattern ast.ExprNode) bool {
	var value any
	switch x := unwrapParens(pattern).(type) {
	case *sqlast.Placeholder:
		if x.Index < 0 || x.Index >= len(norm.Params) {
			return false
		}
		value = norm.Params[x.Index].Value
	case *driver.ValueExpr:
		value = x.GetValue()
	default:
		return false
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return false
	}
	return s != "" && s[0] != '%' && s[0] != '_'
}

func unwrapParens(expr ast.ExprNode) ast.ExprNode {
	for {
		p, ok := expr.(*ast.ParenthesesExpr)
		if !ok {
			return expr
		}
		expr = p.Expr
	}
}
