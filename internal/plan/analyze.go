package plan

import (
	"sort"
	"strings"
	"time"

	"sqlopt/internal/sqlast"
)

// Reason explains why no index was proposed. It is reported, never raised.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonBelowThreshold Reason = "below-threshold"
	ReasonNoPlan         Reason = "no-plan"
	ReasonNoFullScan     Reason = "no-full-scan"
	ReasonFewRows        Reason = "few-rows"
	ReasonNoPredicate    Reason = "no-predicate"
	ReasonIndexExists    Reason = "index-exists"
)

const maxIndexNameLen = 64

// IndexProposal is a composite index over Columns of Table. The first
// Equality columns come from equality predicates.
type IndexProposal struct {
	Table    string
	Columns  []string
	Equality int
}

// Name returns the generated index name idx_<table>_<cols>.
func (p *IndexProposal) Name() string {
	parts := append([]string{"idx", p.Table}, p.Columns...)
	name := strings.ToLower(strings.Join(parts, "_"))
	if len(name) > maxIndexNameLen {
		name = name[:maxIndexNameLen]
	}
	return name
}

// String implements fmt.Stringer.
func (p *IndexProposal) String() string {
	return p.Table + "(" + strings.Join(p.Columns, ", ") + ")"
}

// Covers reports whether an existing index makes the proposal redundant:
// the proposal must be a prefix of the index, with its equality columns in
// any order.
func (p *IndexProposal) Covers(existing []string) bool {
	if len(existing) < len(p.Columns) {
		return false
	}
	eq := make(map[string]int, p.Equality)
	for _, col := range p.Columns[:p.Equality] {
		eq[strings.ToLower(col)]++
	}
	for _, col := range existing[:p.Equality] {
		key := strings.ToLower(col)
		if eq[key] == 0 {
			return false
		}
		eq[key]--
	}
	for i := p.Equality; i < len(p.Columns); i++ {
		if !strings.EqualFold(existing[i], p.Columns[i]) {
			return false
		}
	}
	return true
}

// Options configures an Analyzer.
type Options struct {
	SlowThreshold time.Duration
	MinScanRows   float64
	MaxColumns    int
}

// Analyzer proposes indexes for slow statements from their plans. It keeps
// no state between calls.
type Analyzer struct {
	opts Options
}

// NewAnalyzer returns an Analyzer.
func NewAnalyzer(opts Options) *Analyzer {
	if opts.MaxColumns <= 0 {
		opts.MaxColumns = 4
	}
	return &Analyzer{opts: opts}
}

// Slow reports whether a statement took long enough to be analyzed.
func (a *Analyzer) Slow(elapsed time.Duration) bool {
	return elapsed >= a.opts.SlowThreshold
}

// Analyze picks the costliest full scan the statement's predicates can
// serve and proposes an index for it.
func (a *Analyzer) Analyze(norm *sqlast.Normalized, p *Plan, elapsed time.Duration) (*IndexProposal, Reason) {
	if !a.Slow(elapsed) {
		return nil, ReasonBelowThreshold
	}
	if norm == nil || p == nil || p.Root == nil {
		return nil, ReasonNoPlan
	}
	scans := p.FullScans()
	if len(scans) == 0 {
		return nil, ReasonNoFullScan
	}
	useCost := p.HasCosts()
	sort.SliceStable(scans, func(i, j int) bool {
		return scans[i].weight(useCost) > scans[j].weight(useCost)
	})
	for _, scan := range scans {
		cols := columnsFor(norm, scan)
		if cols.empty() {
			continue
		}
		if scan.Rows >= 0 && scan.Rows < a.opts.MinScanRows {
			return nil, ReasonFewRows
		}
		return a.propose(scan, cols), ReasonNone
	}
	return nil, ReasonNoPredicate
}

func (a *Analyzer) propose(scan *Node, cols predicateColumns) *IndexProposal {
	table := cols.table
	if table == "" {
		table = scan.Table
	}
	columns := append([]string(nil), cols.equality...)
	if len(cols.ranges) > 0 {
		columns = append(columns, cols.ranges[0])
	}
	equality := len(cols.equality)
	if len(columns) > a.opts.MaxColumns {
		columns = columns[:a.opts.MaxColumns]
	}
	if equality > len(columns) {
		equality = len(columns)
	}
	return &IndexProposal{Table: table, Columns: columns, Equality: equality}
}
