package detect

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"

	"sqlopt/internal/sqlast"
)

// keyPredicate is the `col = ?` conjunct selected as the batch key.
type keyPredicate struct {
	sel    *ast.SelectStmt
	cond   *ast.BinaryOperationExpr
	column *ast.ColumnNameExpr
	// resultColumn is the name the key column carries in the result set.
	resultColumn string
}

// findKeyPredicate checks that the statement can be batched on the
// parameter at keyIdx.
func findKeyPredicate(n *sqlast.Normalized, keyIdx int) (*keyPredicate, Reason) {
	sel, ok := n.Stmt.(*ast.SelectStmt)
	if !ok || sel.Kind != ast.SelectStmtKindSelect || sel.SelectIntoOpt != nil {
		return nil, ReasonNotSelect
	}
	if sel.Limit != nil {
		return nil, ReasonLimit
	}
	if sel.GroupBy != nil || sel.Having != nil {
		return nil, ReasonGrouping
	}
	if sel.LockInfo != nil && sel.LockInfo.LockType != ast.SelectLockNone {
		return nil, ReasonLocking
	}
	if len(sel.WindowSpecs) > 0 || projectsAggregate(sel) {
		return nil, ReasonAggregate
	}
	holders := n.Placeholders()
	if keyIdx < 0 || keyIdx >= len(holders) || sel.Where == nil {
		return nil, ReasonNoKeyPredicate
	}
	holder := holders[keyIdx]
	var found *keyPredicate
	for _, conj := range conjuncts(sel.Where) {
		bin, ok := conj.(*ast.BinaryOperationExpr)
		if !ok || bin.Op != opcode.EQ {
			continue
		}
		col, okL := unwrapParens(bin.L).(*ast.ColumnNameExpr)
		ph, okR := unwrapParens(bin.R).(*sqlast.Placeholder)
		if !okL || !okR {
			col, okL = unwrapParens(bin.R).(*ast.ColumnNameExpr)
			ph, okR = unwrapParens(bin.L).(*sqlast.Placeholder)
		}
		if okL && okR && ph == holder {
			found = &keyPredicate{sel: sel, cond: bin, column: col}
			break
		}
	}
	if found == nil {
		return nil, ReasonNoKeyPredicate
	}
	name, ok := projectedKey(sel, found.column.Name)
	if !ok {
		return nil, ReasonKeyNotProjected
	}
	found.resultColumn = name
	return found, ReasonNone
}

// conjuncts flattens top-level AND chains.
func conjuncts(expr ast.ExprNode) []ast.ExprNode {
	expr = unwrapParens(expr)
	if bin, ok := expr.(*ast.BinaryOperationExpr); ok && bin.Op == opcode.LogicAnd {
		return append(conjuncts(bin.L), conjuncts(bin.R)...)
	}
	return []ast.ExprNode{expr}
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

// projectedKey reports the result column name of the key column, which must
// be visible through *, <table>.* or an un-renamed column reference.
func projectedKey(sel *ast.SelectStmt, key *ast.ColumnName) (string, bool) {
	if sel.Fields == nil {
		return "", false
	}
	for _, field := range sel.Fields.Fields {
		if field.WildCard != nil {
			if field.WildCard.Table.L == "" || key.Table.L == "" || field.WildCard.Table.L == key.Table.L {
				return key.Name.O, true
			}
			continue
		}
		col, ok := unwrapParens(field.Expr).(*ast.ColumnNameExpr)
		if !ok || col.Name.Name.L != key.Name.L {
			continue
		}
		if col.Name.Table.L != "" && key.Table.L != "" && col.Name.Table.L != key.Table.L {
			continue
		}
		if field.AsName.L != "" && field.AsName.L != key.Name.L {
			continue
		}
		return key.Name.O, true
	}
	return "", false
}

// projectsAggregate looks for aggregates or window functions in the select
// list, ignoring nested subqueries.
func projectsAggregate(sel *ast.SelectStmt) bool {
	if sel.Fields == nil {
		return false
	}
	v := &aggregateFinder{}
	for _, field := range sel.Fields.Fields {
		if field.Expr != nil {
			field.Expr.Accept(v)
		}
	}
	return v.found
}

type aggregateFinder struct {
	found bool
}

func (v *aggregateFinder) Enter(n ast.Node) (ast.Node, bool) {
	switch n.(type) {
	case *ast.AggregateFuncExpr, *ast.WindowFuncExpr:
		v.found = true
		return n, true
	case *ast.SubqueryExpr:
		return n, true
	}
	return n, v.found
}

func (v *aggregateFinder) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

// buildBatch clones the candidate and swaps its key predicate for an IN list
// over params.
func buildBatch(base *sqlast.Normalized, keyIdx int, params []sqlast.Param) (*sqlast.Normalized, *keyPredicate, error) {
	clone, err := base.Clone()
	if err != nil {
		return nil, nil, err
	}
	kp, reason := findKeyPredicate(clone, keyIdx)
	if kp == nil {
		return nil, nil, errorsReason(reason)
	}
	list := make([]ast.ExprNode, 0, len(params))
	for _, p := range params {
		list = append(list, clone.NewParam(p))
	}
	in := &ast.PatternInExpr{Expr: kp.column, List: list}
	node, _ := kp.sel.Where.Accept(&exprReplacer{target: kp.cond, with: in})
	kp.sel.Where = node.(ast.ExprNode)
	if err := clone.Refresh(); err != nil {
		return nil, nil, err
	}
	return clone, kp, nil
}

type exprReplacer struct {
	target ast.Node
	with   ast.ExprNode
}

func (v *exprReplacer) Enter(n ast.Node) (ast.Node, bool) {
	if n == v.target {
		return n, true
	}
	switch n.(type) {
	case *ast.SubqueryExpr:
		return n, true
	}
	return n, false
}

func (v *exprReplacer) Leave(n ast.Node) (ast.Node, bool) {
	if n == v.target {
		return v.with, true
	}
	return n, true
}

func columnLabel(col *ast.ColumnNameExpr) string {
	if col.Name.Table.O == "" {
		return col.Name.Name.O
	}
	return strings.Join([]string{col.Name.Table.O, col.Name.Name.O}, ".")
}
