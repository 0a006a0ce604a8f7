package sqlast

import (
	"strconv"
	"sync"

	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	driver "github.com/pingcap/tidb/pkg/types/parser_driver"
)

// Placeholder is the AST node standing in for one parameter of a Normalized
// statement. Index points into Normalized.Params.
type Placeholder struct {
	driver.ParamMarkerExpr
	Index int

	trace *paramTrace
}

var _ ast.ParamMarkerExpr = (*Placeholder)(nil)

// Accept implements ast.Node. The embedded marker's Accept would hand the
// inner struct to visitors and drop the wrapper from the tree.
func (p *Placeholder) Accept(v ast.Visitor) (ast.Node, bool) {
	newNode, _ := v.Enter(p)
	return v.Leave(newNode)
}

// Restore implements ast.Node.
func (p *Placeholder) Restore(ctx *format.RestoreCtx) error {
	tr := p.trace
	if tr == nil {
		ctx.WritePlain("?")
		return nil
	}
	tr.seen = append(tr.seen, p)
	switch tr.mode {
	case modeExec:
		param := tr.param(p.Index)
		if param.Literal() {
			ctx.WritePlain(literalSQL(param.Value, tr.dialect))
			return nil
		}
		tr.args = append(tr.args, param.Value)
		if tr.dialect == Postgres {
			ctx.WritePlain("$" + strconv.Itoa(len(tr.args)))
			return nil
		}
		ctx.WritePlain("?")
	case modeInline:
		param := tr.param(p.Index)
		if param.Literal() {
			ctx.WritePlain(literalSQL(param.Value, tr.dialect))
			return nil
		}
		ctx.WritePlain(inlineSQL(param.Value, tr.dialect))
	default:
		ctx.WritePlain("?")
	}
	return nil
}

type renderMode uint8

const (
	modeShape renderMode = iota
	modeExec
	modeInline
)

// paramTrace is shared by every placeholder of one statement and records
// the textual order in which they are restored. mu is held for the whole of
// one restore so concurrent renders of a statement do not interleave.
type paramTrace struct {
	mu      sync.Mutex
	mode    renderMode
	dialect Dialect
	params  []Param
	seen    []*Placeholder
	args    []any
}

func (t *paramTrace) reset(mode renderMode, d Dialect, params []Param) {
	t.mode = mode
	t.dialect = d
	t.params = params
	t.seen = t.seen[:0]
	t.args = nil
}

func (t *paramTrace) param(idx int) Param {
	if idx < 0 || idx >= len(t.params) {
		return Param{}
	}
	return t.params[idx]
}
