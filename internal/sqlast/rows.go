package sqlast

import "strings"

// Rows is a materialized query result.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// ColumnIndex finds a result column by case-insensitive name. It returns -1
// when the column is missing or appears more than once.
func (r *Rows) ColumnIndex(name string) int {
	if r == nil {
		return -1
	}
	idx := -1
	for i, col := range r.Columns {
		if !strings.EqualFold(col, name) {
			continue
		}
		if idx >= 0 {
			return -1
		}
		idx = i
	}
	return idx
}

// Subset returns rows sharing the column header with the given values.
func (r *Rows) Subset(values [][]any) *Rows {
	return &Rows{Columns: r.Columns, Values: values}
}
