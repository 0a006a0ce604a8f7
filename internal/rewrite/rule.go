package rewrite

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	driver "github.com/pingcap/tidb/pkg/types/parser_driver"

	"sqlopt/internal/sqlast"
)

// RuleKind tags the fixed set of rewrite rules.
type RuleKind uint8

const (
	// RuleCountExists turns "at least one row" COUNT comparisons into EXISTS.
	RuleCountExists RuleKind = iota + 1
	// RuleCountNotExists turns "no rows" COUNT comparisons into NOT EXISTS.
	RuleCountNotExists
	// RuleInSingleton turns `x IN (v)` into `x = v`.
	RuleInSingleton
)

// Rule is one semantics-preserving AST rewrite. Lower Priority runs first.
type Rule struct {
	Kind     RuleKind
	Name     string
	Priority int
}

// Rules is the process-wide rule list in priority order.
var Rules = []Rule{
	{Kind: RuleCountExists, Name: "count-exists", Priority: 10},
	{Kind: RuleCountNotExists, Name: "count-not-exists", Priority: 20},
	{Kind: RuleInSingleton, Name: "in-singleton", Priority: 30},
}

// match checks the precondition against n without touching it and returns a
// builder for the replacement.
func (r Rule) match(n ast.Node, params []sqlast.Param) (func() ast.ExprNode, bool) {
	switch r.Kind {
	case RuleCountExists, RuleCountNotExists:
		bin, ok := n.(*ast.BinaryOperationExpr)
		if !ok {
			return nil, false
		}
		sub, negate, ok := countComparison(bin, params)
		if !ok || negate != (r.Kind == RuleCountNotExists) {
			return nil, false
		}
		return func() ast.ExprNode { return existsFromCount(sub, negate) }, true
	case RuleInSingleton:
		in, ok := n.(*ast.PatternInExpr)
		if !ok || in.Sel != nil || len(in.List) != 1 {
			return nil, false
		}
		if _, isSub := unwrapParens(in.List[0]).(*ast.SubqueryExpr); isSub {
			return nil, false
		}
		op := opcode.EQ
		if in.Not {
			op = opcode.NE
		}
		return func() ast.ExprNode {
			return &ast.BinaryOperationExpr{Op: op, L: in.Expr, R: in.List[0]}
		}, true
	}
	return nil, false
}

// countComparison recognizes `(SELECT COUNT(*) ...) <op> <bound>` in either
// operand order. negate reports whether the comparison means "no rows".
func countComparison(bin *ast.BinaryOperationExpr, params []sqlast.Param) (*ast.SubqueryExpr, bool, bool) {
	op := bin.Op
	sub, okL := unwrapParens(bin.L).(*ast.SubqueryExpr)
	bound := bin.R
	if !okL {
		var okR bool
		sub, okR = unwrapParens(bin.R).(*ast.SubqueryExpr)
		if !okR {
			return nil, false, false
		}
		bound = bin.L
		op = mirror(op)
	}
	b, ok := integerBound(bound, params)
	if !ok || !countSubquery(sub) {
		return nil, false, false
	}
	switch {
	case op == opcode.GT && b == 0, op == opcode.GE && b == 1, op == opcode.NE && b == 0:
		return sub, false, true
	case op == opcode.EQ && b == 0, op == opcode.NullEQ && b == 0, op == opcode.LT && b == 1, op == opcode.LE && b == 0:
		return sub, true, true
	}
	return nil, false, false
}

func mirror(op opcode.Op) opcode.Op {
	switch op {
	case opcode.GT:
		return opcode.LT
	case opcode.GE:
		return opcode.LE
	case opcode.LT:
		return opcode.GT
	case opcode.LE:
		return opcode.GE
	default:
		return op
	}
}

// integerBound resolves a literal or placeholder operand to an integer.
func integerBound(expr ast.ExprNode, params []sqlast.Param) (int64, bool) {
	switch x := unwrapParens(expr).(type) {
	case *sqlast.Placeholder:
		if x.Index < 0 || x.Index >= len(params) {
			return 0, false
		}
		return sqlast.Int64Value(params[x.Index].Value)
	case *driver.ValueExpr:
		return sqlast.Int64Value(x.GetValue())
	}
	return 0, false
}

// countSubquery checks that the subquery counts rows of a plain filter.
func countSubquery(sub *ast.SubqueryExpr) bool {
	sel, ok := sub.Query.(*ast.SelectStmt)
	if !ok || sub.Exists {
		return false
	}
	if sel.Kind != ast.SelectStmtKindSelect || sel.With != nil || sel.Distinct {
		return false
	}
	if sel.GroupBy != nil || sel.Having != nil || sel.OrderBy != nil || sel.Limit != nil {
		return false
	}
	if len(sel.WindowSpecs) > 0 || sel.SelectIntoOpt != nil {
		return false
	}
	if sel.LockInfo != nil && sel.LockInfo.LockType != ast.SelectLockNone {
		return false
	}
	if sel.Fields == nil || len(sel.Fields.Fields) != 1 {
		return false
	}
	field := sel.Fields.Fields[0]
	if field.WildCard != nil || field.Expr == nil {
		return false
	}
	agg, ok := unwrapParens(field.Expr).(*ast.AggregateFuncExpr)
	if !ok || !strings.EqualFold(agg.F, ast.AggFuncCount) || agg.Distinct || agg.Order != nil {
		return false
	}
	if len(agg.Args) != 1 {
		return false
	}
	switch arg := agg.Args[0].(type) {
	case *driver.ValueExpr:
		return arg.GetValue() != nil
	default:
		return false
	}
}

// existsFromCount reuses the subquery with its projection replaced by 1.
func existsFromCount(sub *ast.SubqueryExpr, negate bool) ast.ExprNode {
	sel := sub.Query.(*ast.SelectStmt)
	sel.Fields = &ast.FieldList{Fields: []*ast.SelectField{{Expr: ast.NewValueExpr(1, "", "")}}}
	sub.Exists = true
	return &ast.ExistsSubqueryExpr{Sel: sub, Not: negate}
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
