package sqlast

import (
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
)

// Split breaks a script into statements. The parser is tried first so that
// statement boundaries follow the grammar; scripts it rejects are split on
// semicolons outside quotes and comments.
func Split(d Dialect, script string) []string {
	if d != Postgres {
		if stmts, ok := splitParsed(d, script); ok {
			return stmts
		}
	}
	var out []string
	var cur strings.Builder
	push := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	scanSQL(script, func(seg segment) {
		switch seg.kind {
		case segSemicolon:
			push()
		case segComment:
		default:
			cur.WriteString(seg.text)
		}
	})
	push()
	return out
}

func splitParsed(d Dialect, script string) ([]string, bool) {
	p := parserPool.Get().(*parser.Parser)
	defer parserPool.Put(p)
	p.SetSQLMode(d.sqlMode())
	stmts, _, err := p.Parse(script, "", "")
	if err != nil {
		return nil, false
	}
	out := make([]string, 0, len(stmts))
	for _, stmt := range stmts {
		text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt.Text()), ";"))
		if text == "" {
			return nil, false
		}
		out = append(out, text)
	}
	return out, true
}
