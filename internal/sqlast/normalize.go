package sqlast

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	driver "github.com/pingcap/tidb/pkg/types/parser_driver"
	"github.com/pkg/errors"
)

// ErrParse marks statements the normalizer cannot represent. Callers forward
// such statements unmodified.
var ErrParse = errors.New("sqlast: parse error")

// ParseError describes why a statement could not be normalized.
type ParseError struct {
	SQL    string
	Reason string
	Err    error
}

// Error implements error.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrParse.Error(), e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrParse.Error(), e.Reason)
}

// Is makes errors.Is(err, ErrParse) hold for every ParseError.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Unwrap returns the underlying parser error, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErrorf(sqlText string, err error, format string, args ...any) error {
	return errors.WithStack(&ParseError{SQL: sqlText, Reason: fmt.Sprintf(format, args...), Err: err})
}

var parserPool = sync.Pool{
	New: func() any {
		return parser.New()
	},
}

func parseOne(d Dialect, sqlText string) (ast.StmtNode, error) {
	p := parserPool.Get().(*parser.Parser)
	defer parserPool.Put(p)
	p.SetSQLMode(d.sqlMode())
	return p.ParseOneStmt(sqlText, "", "")
}

// Shape is the canonical key of a normalized statement: the restored text
// with every parameter as ? plus the literal kind of each parameter.
type Shape struct {
	Text  string
	Kinds string
}

// Key returns a single string usable as a map key.
func (s Shape) Key() string {
	return s.Text + "\x00" + s.Kinds
}

// Normalized is a parsed statement whose literals and bound markers have been
// replaced by Placeholder nodes. Params is kept in textual placeholder order
// and every Placeholder.Index equals its position in Params. Render and
// Inline may run concurrently; mutating Stmt or Params may not.
type Normalized struct {
	Stmt    ast.StmtNode
	Params  []Param
	Shape   Shape
	Dialect Dialect

	holders []*Placeholder
	trace   *paramTrace
}

// Normalize parses MySQL-dialect SQL text and extracts its parameters.
func Normalize(sqlText string, params []any) (*Normalized, error) {
	return NormalizeDialect(MySQL, sqlText, params)
}

// NormalizeDialect parses SQL text written for d. PostgreSQL $N markers are
// translated to positional markers and params reordered to match.
func NormalizeDialect(d Dialect, sqlText string, params []any) (*Normalized, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, parseErrorf(sqlText, nil, "empty statement")
	}
	text := sqlText
	if d == Postgres {
		translated, reordered, err := translateDollarParams(sqlText, params)
		if err != nil {
			return nil, err
		}
		text, params = translated, reordered
	}
	stmt, err := parseOne(d, text)
	if err != nil {
		return nil, parseErrorf(sqlText, err, "parse")
	}
	switch stmt.(type) {
	case *ast.SelectStmt, *ast.SetOprStmt, *ast.InsertStmt, *ast.UpdateStmt, *ast.DeleteStmt:
	default:
		return nil, parseErrorf(sqlText, nil, "unsupported statement %T", stmt)
	}
	n := &Normalized{Stmt: stmt, Dialect: d, trace: &paramTrace{}}
	ex := &literalExtractor{norm: n, keep: map[ast.Node]struct{}{}}
	node, _ := stmt.Accept(ex)
	n.Stmt = node.(ast.StmtNode)
	if ex.introducer != "" {
		return nil, parseErrorf(sqlText, nil, "string literal with charset introducer _%s", ex.introducer)
	}
	if len(ex.bound) != len(params) {
		return nil, parseErrorf(sqlText, nil, "statement has %d markers but %d params were bound", len(ex.bound), len(params))
	}
	sort.SliceStable(ex.bound, func(i, j int) bool { return ex.bound[i].offset < ex.bound[j].offset })
	for i, ref := range ex.bound {
		n.Params[ref.holder.Index] = Param{Value: params[i], Kind: KindBound}
	}
	if err := n.Refresh(); err != nil {
		return nil, parseErrorf(sqlText, err, "restore")
	}
	return n, nil
}

// NewParam appends a parameter and returns its placeholder node. The caller
// links the node into Stmt and calls Refresh.
func (n *Normalized) NewParam(p Param) *Placeholder {
	ph := &Placeholder{Index: len(n.Params), trace: n.trace}
	n.Params = append(n.Params, p)
	return ph
}

// Placeholders returns the placeholder nodes in textual order.
func (n *Normalized) Placeholders() []*Placeholder {
	return n.holders
}

// Refresh re-establishes textual parameter order after the AST changed.
// Parameters no longer reachable from Stmt are dropped.
func (n *Normalized) Refresh() error {
	tr := n.trace
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.reset(modeShape, n.Dialect, n.Params)
	var b bytes.Buffer
	if err := n.Stmt.Restore(format.NewRestoreCtx(MySQL.restoreFlags(), &b)); err != nil {
		return errors.Wrap(err, "restore shape")
	}
	params := make([]Param, 0, len(tr.seen))
	holders := make([]*Placeholder, 0, len(tr.seen))
	kinds := make([]byte, 0, len(tr.seen))
	for _, ph := range tr.seen {
		params = append(params, tr.param(ph.Index))
		holders = append(holders, ph)
		kinds = append(kinds, tr.param(ph.Index).Kind.code())
	}
	for i, ph := range holders {
		ph.Index = i
	}
	n.Params = params
	n.holders = holders
	n.Shape = Shape{Text: b.String(), Kinds: string(kinds)}
	tr.reset(modeShape, n.Dialect, nil)
	return nil
}

// Clone returns an independent copy that can be mutated without touching n.
func (n *Normalized) Clone() (*Normalized, error) {
	values := make([]any, len(n.Params))
	for i, p := range n.Params {
		values[i] = p.Value
	}
	stmt, err := parseOne(n.Dialect, n.Shape.Text)
	if err != nil {
		return nil, parseErrorf(n.Shape.Text, err, "clone")
	}
	c := &Normalized{Stmt: stmt, Dialect: n.Dialect, trace: &paramTrace{}}
	ex := &literalExtractor{norm: c, keep: map[ast.Node]struct{}{}, boundOnly: true}
	node, _ := stmt.Accept(ex)
	c.Stmt = node.(ast.StmtNode)
	if len(ex.bound) != len(values) {
		return nil, parseErrorf(n.Shape.Text, nil, "clone found %d markers for %d params", len(ex.bound), len(values))
	}
	sort.SliceStable(ex.bound, func(i, j int) bool { return ex.bound[i].offset < ex.bound[j].offset })
	for i, ref := range ex.bound {
		c.Params[ref.holder.Index] = n.Params[i]
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// DiffParams returns the positions whose values differ between two
// statements of the same shape, or ok=false when the shapes differ.
func (n *Normalized) DiffParams(o *Normalized) (diff []int, ok bool) {
	if n.Shape != o.Shape {
		return nil, false
	}
	for i := range n.Params {
		if !ValuesEqual(n.Params[i].Value, o.Params[i].Value) {
			diff = append(diff, i)
		}
	}
	return diff, true
}

type boundRef struct {
	offset int
	holder *Placeholder
}

// literalExtractor swaps literals and ? markers for Placeholder nodes.
type literalExtractor struct {
	norm      *Normalized
	keep      map[ast.Node]struct{}
	bound     []boundRef
	boundOnly bool
	// introducer is the first non-UTF-8 charset introducer seen. Restored
	// text drops introducers, so such statements are not normalized.
	introducer string
}

// structuralFuncs take literal arguments that name charsets or formats.
var structuralFuncs = map[string]struct{}{
	"char":          {},
	"convert":       {},
	"get_format":    {},
	"weight_string": {},
}

func (v *literalExtractor) Enter(n ast.Node) (ast.Node, bool) {
	switch x := n.(type) {
	case *ast.AggregateFuncExpr:
		// COUNT(*) is parsed as COUNT(1); constant aggregate arguments are not values.
		for _, arg := range x.Args {
			if _, ok := arg.(*driver.ValueExpr); ok {
				v.keep[arg] = struct{}{}
			}
		}
	case *ast.ByItem:
		if _, ok := x.Expr.(*driver.ValueExpr); ok {
			v.keep[x.Expr] = struct{}{}
		}
	case *ast.FrameBound:
		if x.Expr != nil {
			v.keep[x.Expr] = struct{}{}
		}
	case *ast.FuncCallExpr:
		if _, ok := structuralFuncs[x.FnName.L]; ok {
			for _, arg := range x.Args {
				v.keep[arg] = struct{}{}
			}
		}
	}
	return n, false
}

func (v *literalExtractor) Leave(n ast.Node) (ast.Node, bool) {
	switch x := n.(type) {
	case *driver.ParamMarkerExpr:
		ph := v.norm.NewParam(Param{Kind: KindBound})
		v.bound = append(v.bound, boundRef{offset: x.Offset, holder: ph})
		return ph, true
	case *driver.ValueExpr:
		if cs := foreignCharset(x); cs != "" && v.introducer == "" {
			v.introducer = cs
		}
		if v.boundOnly {
			return n, true
		}
		if _, keep := v.keep[n]; keep {
			return n, true
		}
		param, ok := literalParam(x)
		if !ok {
			return n, true
		}
		return v.norm.NewParam(param), true
	}
	return n, true
}

// foreignCharset returns the charset of a string literal written with a
// non-UTF-8 introducer such as _binary or _latin1.
func foreignCharset(x *driver.ValueExpr) string {
	if _, ok := x.GetValue().(string); !ok {
		return ""
	}
	switch cs := strings.ToLower(x.Type.GetCharset()); cs {
	case "", "utf8", "utf8mb4":
		return ""
	default:
		return cs
	}
}

// literalParam reports whether a literal can be bound without changing its
// meaning. NULL, decimals, hex and bit literals stay in the AST.
func literalParam(x *driver.ValueExpr) (Param, bool) {
	switch val := x.GetValue().(type) {
	case int64:
		return Param{Value: val, Kind: KindInt}, true
	case uint64:
		return Param{Value: val, Kind: KindInt}, true
	case float64:
		return Param{Value: val, Kind: KindFloat}, true
	case string:
		if foreignCharset(x) != "" {
			return Param{}, false
		}
		return Param{Value: val, Kind: KindString}, true
	default:
		return Param{}, false
	}
}
