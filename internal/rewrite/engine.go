package rewrite

import (
	"sort"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pkg/errors"

	"sqlopt/internal/sqlast"
)

const defaultMaxPasses = 8

// Applied records one rule application.
type Applied struct {
	Rule   string
	Before string
	After  string
}

// Options configures an Engine.
type Options struct {
	MaxPasses int
	// Enabled filters rules by name; nil enables every rule.
	Enabled func(name string) bool
}

// Engine applies the rule list until no rule matches or MaxPasses is hit.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	rules     []Rule
	maxPasses int
}

// NewEngine builds an engine over the enabled subset of Rules.
func NewEngine(opts Options) *Engine {
	maxPasses := opts.MaxPasses
	if maxPasses <= 0 {
		maxPasses = defaultMaxPasses
	}
	rules := make([]Rule, 0, len(Rules))
	for _, r := range Rules {
		if opts.Enabled == nil || opts.Enabled(r.Name) {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return &Engine{rules: rules, maxPasses: maxPasses}
}

// RuleNames lists the active rules in application order.
func (e *Engine) RuleNames() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name)
	}
	return names
}

// Rewrite returns a rewritten copy of n and the applied rules. When nothing
// applies, n itself is returned with a nil slice. Only SELECT statements and
// the WHERE clauses of UPDATE and DELETE are considered.
func (e *Engine) Rewrite(n *sqlast.Normalized) (*sqlast.Normalized, []Applied, error) {
	if !rewritable(n.Stmt) || !e.anyMatch(n) {
		return n, nil, nil
	}
	out, err := n.Clone()
	if err != nil {
		return n, nil, errors.Wrap(err, "clone statement")
	}
	var applied []Applied
	for pass := 0; pass < e.maxPasses; pass++ {
		changed := false
		for _, r := range e.rules {
			before := out.Inline()
			if !applyRule(out, r) {
				continue
			}
			if err := out.Refresh(); err != nil {
				return n, nil, errors.Wrapf(err, "refresh after %s", r.Name)
			}
			applied = append(applied, Applied{Rule: r.Name, Before: before, After: out.Inline()})
			changed = true
		}
		if !changed {
			break
		}
	}
	return out, applied, nil
}

func rewritable(stmt ast.StmtNode) bool {
	switch stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt, *ast.UpdateStmt, *ast.DeleteStmt:
		return true
	default:
		return false
	}
}

// anyMatch runs the matchers without mutating so unchanged statements are
// never cloned.
func (e *Engine) anyMatch(n *sqlast.Normalized) bool {
	for _, r := range e.rules {
		m := &predicateRewriter{rule: r, params: n.Params, dryRun: true}
		if m.run(n.Stmt) {
			return true
		}
	}
	return false
}

func applyRule(n *sqlast.Normalized, r Rule) bool {
	m := &predicateRewriter{rule: r, params: n.Params}
	return m.run(n.Stmt)
}

// predicateRewriter applies one rule inside boolean predicate positions:
// WHERE, HAVING and JOIN ON of every SELECT block, plus the WHERE of UPDATE
// and DELETE.
type predicateRewriter struct {
	rule    Rule
	params  []sqlast.Param
	dryRun  bool
	changed bool
}

func (p *predicateRewriter) run(stmt ast.StmtNode) bool {
	blocks := &blockCollector{}
	stmt.Accept(blocks)
	switch x := stmt.(type) {
	case *ast.UpdateStmt:
		x.Where = p.rewrite(x.Where)
	case *ast.DeleteStmt:
		x.Where = p.rewrite(x.Where)
	}
	for _, sel := range blocks.selects {
		sel.Where = p.rewrite(sel.Where)
		if sel.Having != nil {
			sel.Having.Expr = p.rewrite(sel.Having.Expr)
		}
		if sel.From != nil {
			p.rewriteJoin(sel.From.TableRefs)
		}
	}
	return p.changed
}

func (p *predicateRewriter) rewriteJoin(node ast.ResultSetNode) {
	join, ok := node.(*ast.Join)
	if !ok || join == nil {
		return
	}
	if join.On != nil {
		join.On.Expr = p.rewrite(join.On.Expr)
	}
	p.rewriteJoin(join.Left)
	p.rewriteJoin(join.Right)
}

func (p *predicateRewriter) rewrite(expr ast.ExprNode) ast.ExprNode {
	if expr == nil {
		return nil
	}
	v := &exprRewriter{owner: p}
	node, _ := expr.Accept(v)
	return node.(ast.ExprNode)
}

// exprRewriter walks one predicate bottom-up. Nested SELECT blocks are left
// to their own pass.
type exprRewriter struct {
	owner *predicateRewriter
}

func (v *exprRewriter) Enter(n ast.Node) (ast.Node, bool) {
	switch n.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt:
		return n, true
	}
	return n, false
}

func (v *exprRewriter) Leave(n ast.Node) (ast.Node, bool) {
	build, ok := v.owner.rule.match(n, v.owner.params)
	if !ok {
		return n, true
	}
	v.owner.changed = true
	if v.owner.dryRun {
		return n, true
	}
	return build(), true
}

// blockCollector gathers every SELECT block in the statement.
type blockCollector struct {
	selects []*ast.SelectStmt
}

func (c *blockCollector) Enter(n ast.Node) (ast.Node, bool) {
	if sel, ok := n.(*ast.SelectStmt); ok {
		c.selects = append(c.selects, sel)
	}
	return n, false
}

func (c *blockCollector) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}
