package sqlast

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ParamKind records where a parameter value came from. Literal kinds are part
// of the shape key so that `id = 1` and `id = '1'` never share a shape.
type ParamKind uint8

const (
	// KindBound is a value bound by the caller to a ? or $N marker.
	KindBound ParamKind = iota
	// KindInt is an integer literal extracted from the text.
	KindInt
	// KindFloat is a floating point literal extracted from the text.
	KindFloat
	// KindString is a string literal extracted from the text.
	KindString
)

func (k ParamKind) code() byte {
	switch k {
	case KindInt:
		return 'i'
	case KindFloat:
		return 'f'
	case KindString:
		return 's'
	default:
		return 'b'
	}
}

// Param is one extracted or bound parameter value.
type Param struct {
	Value any
	Kind  ParamKind
}

// Literal reports whether the parameter was extracted from the statement text.
func (p Param) Literal() bool {
	return p.Kind != KindBound
}

// Int64Value converts integer-like values to int64.
// Strings, floats with fractions and out-of-range unsigned values are rejected.
func Int64Value(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	default:
		return 0, false
	}
}

// ValuesEqual compares two parameter values the way the driver would bind them.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ai, ok := Int64Value(a); ok {
		bi, ok := Int64Value(b)
		return ok && ai == bi
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	if !reflect.TypeOf(a).Comparable() || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return a == b
}

// CanonicalKey renders a value as a stable map key for row distribution.
// Integer-valued results from any driver representation map to the same key.
func CanonicalKey(v any) (string, bool) {
	if i, ok := Int64Value(v); ok {
		return strconv.FormatInt(i, 10), true
	}
	switch x := v.(type) {
	case []byte:
		return canonicalIntText(string(x))
	case string:
		return canonicalIntText(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10), true
		}
	}
	return "", false
}

func canonicalIntText(s string) (string, bool) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatInt(i, 10), true
}

// literalSQL renders a literal-origin value in the dialect's literal syntax.
func literalSQL(v any, d Dialect) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(x, d)
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if x < 0 {
			return "(" + s + ")"
		}
		return s
	}
	if i, ok := Int64Value(v); ok {
		if i < 0 {
			return "(" + strconv.FormatInt(i, 10) + ")"
		}
		return strconv.FormatInt(i, 10)
	}
	if u, ok := v.(uint64); ok {
		return strconv.FormatUint(u, 10)
	}
	return quoteString(fmt.Sprint(v), d)
}

// inlineSQL renders a bound value for logs. Numbers and booleans stay bare,
// everything else is quoted as a string literal.
func inlineSQL(v any, d Dialect) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return quoteString(x, d)
	case []byte:
		return quoteString(string(x), d)
	case time.Time:
		return quoteString(x.Format("2006-01-02 15:04:05.999999"), d)
	case float32:
		return literalSQL(float64(x), d)
	case float64:
		return literalSQL(x, d)
	}
	if _, ok := Int64Value(v); ok {
		return literalSQL(v, d)
	}
	if u, ok := v.(uint64); ok {
		return strconv.FormatUint(u, 10)
	}
	if s, ok := v.(fmt.Stringer); ok {
		return quoteString(s.String(), d)
	}
	return quoteString(fmt.Sprint(v), d)
}

func quoteString(s string, d Dialect) string {
	if d.backslashEscapes() {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
