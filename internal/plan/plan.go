package plan

import (
	"strings"
)

// OpClass groups plan operators by access method.
type OpClass uint8

const (
	OpOther OpClass = iota
	OpFullScan
	OpIndexScan
	OpIndexLookup
	OpJoin
	OpFilter
)

// String implements fmt.Stringer.
func (c OpClass) String() string {
	switch c {
	case OpFullScan:
		return "full-scan"
	case OpIndexScan:
		return "index-scan"
	case OpIndexLookup:
		return "index-lookup"
	case OpJoin:
		return "join"
	case OpFilter:
		return "filter"
	default:
		return "other"
	}
}

// Node is one operator of an execution plan.
type Node struct {
	Op    string
	Class OpClass
	// Table and Alias name the relation a scan reads. Either may be empty.
	Table string
	Alias string
	Cost  float64
	// Rows is the estimated row count, or -1 when the source has none.
	Rows      float64
	Predicate string
	Children  []*Node
}

// Plan is an execution plan tree.
type Plan struct {
	Format string
	Root   *Node
}

// Walk visits nodes depth-first in plan order.
func (p *Plan) Walk(fn func(n *Node, depth int)) {
	if p == nil || p.Root == nil {
		return
	}
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(p.Root, 0)
}

// FullScans returns every full-scan node.
func (p *Plan) FullScans() []*Node {
	var out []*Node
	p.Walk(func(n *Node, _ int) {
		if n.Class == OpFullScan {
			out = append(out, n)
		}
	})
	return out
}

// HasCosts reports whether any node carries a cost estimate.
func (p *Plan) HasCosts() bool {
	found := false
	p.Walk(func(n *Node, _ int) {
		if n.Cost > 0 {
			found = true
		}
	})
	return found
}

// String renders the plan as an indented operator list.
func (p *Plan) String() string {
	var b strings.Builder
	p.Walk(func(n *Node, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(n.Op)
		if n.Table != "" {
			b.WriteString(" ")
			b.WriteString(n.Table)
		}
		b.WriteString(" (")
		b.WriteString(n.Class.String())
		b.WriteString(")\n")
	})
	return b.String()
}

// weight is the cost used to rank scans. Sources without costs fall back to
// estimated rows.
func (n *Node) weight(useCost bool) float64 {
	if useCost {
		return n.Cost
	}
	if n.Rows < 0 {
		return 0
	}
	return n.Rows
}

// matches reports whether the node reads the relation known by name or
// alias in the statement.
func (n *Node) matches(name string) bool {
	name = strings.ToLower(name)
	return (n.Table != "" && strings.ToLower(n.Table) == name) || (n.Alias != "" && strings.ToLower(n.Alias) == name)
}
