package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"sqlopt/internal/sqlast"
)

// ErrUnknownFormat is returned when EXPLAIN output matches no known layout.
var ErrUnknownFormat = errors.New("plan: unknown explain format")

// Plan formats.
const (
	FormatTiDB     = "tidb"
	FormatMySQL    = "mysql"
	FormatPostgres = "postgres"
	FormatSQLite   = "sqlite"
)

// FromRows detects the EXPLAIN layout from the column header and parses it.
func FromRows(rows *sqlast.Rows) (*Plan, error) {
	if rows == nil || len(rows.Columns) == 0 {
		return nil, ErrUnknownFormat
	}
	switch {
	case rows.ColumnIndex("estRows") >= 0:
		return ParseTiDB(rows)
	case rows.ColumnIndex("select_type") >= 0:
		return ParseMySQL(rows)
	case rows.ColumnIndex("detail") >= 0 && rows.ColumnIndex("parent") >= 0:
		return ParseSQLite(rows)
	case len(rows.Columns) == 1 && rows.Len() > 0:
		return ParsePostgresValue(rows.Values[0][0])
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "columns %s", strings.Join(rows.Columns, ","))
}

// ParseTiDB builds a plan from TiDB EXPLAIN rows. Tree depth is encoded in
// the id column prefix, two runes per level.
func ParseTiDB(rows *sqlast.Rows) (*Plan, error) {
	idIdx := rows.ColumnIndex("id")
	if idIdx < 0 {
		return nil, errors.Wrap(ErrUnknownFormat, "tidb plan without id column")
	}
	rowsIdx := rows.ColumnIndex("estRows")
	costIdx := rows.ColumnIndex("estCost")
	accessIdx := rows.ColumnIndex("access object")
	infoIdx := rows.ColumnIndex("operator info")

	p := &Plan{Format: FormatTiDB}
	var stack []*Node
	for _, row := range rows.Values {
		depth, op := parsePlanNode(cellString(cell(row, idIdx)))
		if op == "" {
			continue
		}
		n := &Node{
			Op:        op,
			Class:     tidbClass(op),
			Rows:      cellFloat(cell(row, rowsIdx), -1),
			Cost:      cellFloat(cell(row, costIdx), 0),
			Predicate: cellString(cell(row, infoIdx)),
		}
		n.Table = accessTable(cellString(cell(row, accessIdx)))
		if depth > len(stack) {
			depth = len(stack)
		}
		stack = stack[:depth]
		if depth == 0 {
			if p.Root != nil {
				return nil, errors.Errorf("tidb plan has more than one root at %s", op)
			}
			p.Root = n
		} else {
			parent := stack[depth-1]
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, n)
	}
	if p.Root == nil {
		return nil, errors.Wrap(ErrUnknownFormat, "empty tidb plan")
	}
	return p, nil
}

func parsePlanNode(id string) (int, string) {
	if id == "" {
		return 0, ""
	}
	prefix, rest := splitPlanPrefix(id)
	if rest == "" {
		return 0, ""
	}
	op := rest
	for i, r := range rest {
		if r == '_' || r == ' ' || r == '(' {
			op = rest[:i]
			break
		}
	}
	return utf8.RuneCountInString(prefix) / 2, op
}

func splitPlanPrefix(id string) (string, string) {
	for i, r := range id {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return id[:i], id[i:]
		}
	}
	return id, ""
}

func tidbClass(op string) OpClass {
	lower := strings.ToLower(op)
	switch {
	case lower == "tablefullscan":
		return OpFullScan
	case lower == "pointget" || lower == "batchpointget" || strings.HasPrefix(lower, "indexlookup") || strings.HasPrefix(lower, "indexmerge"):
		return OpIndexLookup
	case strings.HasPrefix(lower, "index") || lower == "tablerangescan" || lower == "tablerowidscan":
		return OpIndexScan
	case strings.Contains(lower, "join") || strings.Contains(lower, "apply"):
		return OpJoin
	case lower == "selection":
		return OpFilter
	}
	return OpOther
}

// accessTable extracts the table from a TiDB access object such as
// "table:t, partition:p0".
func accessTable(access string) string {
	for _, part := range strings.Split(access, ",") {
		part = strings.TrimSpace(part)
		if name, ok := strings.CutPrefix(part, "table:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

// ParseMySQL builds a plan from classic tabular MySQL EXPLAIN rows. Each row
// is one table access below a synthetic root.
func ParseMySQL(rows *sqlast.Rows) (*Plan, error) {
	tableIdx := rows.ColumnIndex("table")
	typeIdx := rows.ColumnIndex("type")
	rowsIdx := rows.ColumnIndex("rows")
	filteredIdx := rows.ColumnIndex("filtered")
	extraIdx := rows.ColumnIndex("extra")
	if tableIdx < 0 || typeIdx < 0 {
		return nil, errors.Wrap(ErrUnknownFormat, "mysql plan without table or type column")
	}
	root := &Node{Op: "query", Class: OpOther, Rows: -1}
	for _, row := range rows.Values {
		access := strings.ToLower(cellString(cell(row, typeIdx)))
		n := &Node{
			Op:        access,
			Class:     mysqlClass(access),
			Alias:     cellString(cell(row, tableIdx)),
			Rows:      cellFloat(cell(row, rowsIdx), -1),
			Predicate: cellString(cell(row, extraIdx)),
		}
		if filtered := cellFloat(cell(row, filteredIdx), -1); filtered >= 0 && n.Rows >= 0 {
			n.Cost = n.Rows * filtered / 100
		}
		root.Children = append(root.Children, n)
	}
	if len(root.Children) == 0 {
		return nil, errors.Wrap(ErrUnknownFormat, "empty mysql plan")
	}
	if len(root.Children) > 1 {
		root.Op, root.Class = "nested loop", OpJoin
	}
	return &Plan{Format: FormatMySQL, Root: root}, nil
}

func mysqlClass(access string) OpClass {
	switch access {
	case "all":
		return OpFullScan
	case "index", "range", "index_merge":
		return OpIndexScan
	case "ref", "eq_ref", "const", "system", "ref_or_null", "fulltext", "unique_subquery", "index_subquery":
		return OpIndexLookup
	}
	return OpOther
}

// ParseSQLite builds a plan from EXPLAIN QUERY PLAN rows linked by their
// parent column.
func ParseSQLite(rows *sqlast.Rows) (*Plan, error) {
	idIdx := rows.ColumnIndex("id")
	parentIdx := rows.ColumnIndex("parent")
	detailIdx := rows.ColumnIndex("detail")
	root := &Node{Op: "QUERY PLAN", Class: OpOther, Rows: -1}
	byID := map[int64]*Node{0: root}
	for _, row := range rows.Values {
		n := sqliteNode(cellString(cell(row, detailIdx)))
		id := int64(cellFloat(cell(row, idIdx), 0))
		parent := byID[int64(cellFloat(cell(row, parentIdx), 0))]
		if parent == nil {
			parent = root
		}
		parent.Children = append(parent.Children, n)
		byID[id] = n
	}
	if len(root.Children) == 0 {
		return nil, errors.Wrap(ErrUnknownFormat, "empty sqlite plan")
	}
	return &Plan{Format: FormatSQLite, Root: root}, nil
}

// sqliteNode classifies a detail line such as "SCAN posts",
// "SCAN TABLE posts AS p" or "SEARCH posts USING INDEX idx (user_id=?)".
func sqliteNode(detail string) *Node {
	n := &Node{Op: detail, Class: OpOther, Rows: -1}
	fields := strings.Fields(detail)
	if len(fields) < 2 {
		return n
	}
	verb := strings.ToUpper(fields[0])
	if verb != "SCAN" && verb != "SEARCH" {
		return n
	}
	rest := fields[1:]
	if strings.EqualFold(rest[0], "TABLE") && len(rest) > 1 {
		rest = rest[1:]
	}
	n.Table = rest[0]
	if len(rest) > 2 && strings.EqualFold(rest[1], "AS") {
		n.Alias = rest[2]
	}
	usesIndex := strings.Contains(strings.ToUpper(detail), " INDEX")
	switch {
	case verb == "SEARCH":
		n.Class = OpIndexLookup
	case usesIndex:
		n.Class = OpIndexScan
	default:
		n.Class = OpFullScan
	}
	if open := strings.IndexByte(detail, '('); open >= 0 {
		n.Predicate = strings.TrimSuffix(detail[open+1:], ")")
	}
	return n
}

type pgExplain struct {
	Plan pgNode `json:"Plan"`
}

type pgNode struct {
	NodeType     string   `json:"Node Type"`
	RelationName string   `json:"Relation Name"`
	Alias        string   `json:"Alias"`
	TotalCost    float64  `json:"Total Cost"`
	PlanRows     float64  `json:"Plan Rows"`
	Filter       string   `json:"Filter"`
	IndexCond    string   `json:"Index Cond"`
	HashCond     string   `json:"Hash Cond"`
	JoinFilter   string   `json:"Join Filter"`
	Plans        []pgNode `json:"Plans"`
}

// ParsePostgresValue parses the single cell of EXPLAIN (FORMAT JSON). The
// driver may hand it over as text or as already decoded JSON.
func ParsePostgresValue(v any) (*Plan, error) {
	switch x := v.(type) {
	case string:
		return ParsePostgresJSON([]byte(x))
	case []byte:
		return ParsePostgresJSON(x)
	case nil:
		return nil, errors.Wrap(ErrUnknownFormat, "empty postgres plan")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "re-encode postgres plan")
	}
	return ParsePostgresJSON(data)
}

// ParsePostgresJSON parses PostgreSQL EXPLAIN (FORMAT JSON) output.
func ParsePostgresJSON(data []byte) (*Plan, error) {
	var out []pgExplain
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode postgres plan")
	}
	if len(out) == 0 || out[0].Plan.NodeType == "" {
		return nil, errors.Wrap(ErrUnknownFormat, "empty postgres plan")
	}
	return &Plan{Format: FormatPostgres, Root: out[0].Plan.node()}, nil
}

func (p pgNode) node() *Node {
	n := &Node{
		Op:    p.NodeType,
		Class: postgresClass(p.NodeType),
		Table: p.RelationName,
		Alias: p.Alias,
		Cost:  p.TotalCost,
		Rows:  p.PlanRows,
	}
	for _, pred := range []string{p.Filter, p.IndexCond, p.HashCond, p.JoinFilter} {
		if pred != "" {
			n.Predicate = pred
			break
		}
	}
	for _, child := range p.Plans {
		n.Children = append(n.Children, child.node())
	}
	return n
}

func postgresClass(nodeType string) OpClass {
	switch nodeType {
	case "Seq Scan", "Parallel Seq Scan":
		return OpFullScan
	case "Index Scan", "Index Only Scan", "Bitmap Heap Scan", "Bitmap Index Scan":
		return OpIndexScan
	case "Nested Loop", "Hash Join", "Merge Join":
		return OpJoin
	}
	return OpOther
}

func cell(row []any, idx int) any {
	if idx < 0 || idx >= len(row) {
		return nil
	}
	return row[idx]
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

func cellFloat(v any, fallback float64) float64 {
	switch x := v.(type) {
	case nil:
		return fallback
	case float64:
		return x
	case float32:
		return float64(x)
	}
	if i, ok := sqlast.Int64Value(v); ok {
		return float64(i)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(cellString(v)), 64)
	if err != nil {
		return fallback
	}
	return f
}
