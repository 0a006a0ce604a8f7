package sqlast

import (
	"strconv"
	"strings"
)

type segKind uint8

const (
	segText segKind = iota
	segQuoted
	segComment
	segQuestion
	segDollar
	segSemicolon
)

type segment struct {
	kind segKind
	text string
	n    int
}

// scanSQL splits SQL text into quoted runs, comments, markers and plain text.
// Doubled quotes inside a quoted run are treated as escapes.
func scanSQL(s string, emit func(segment)) {
	start := 0
	flush := func(i int) {
		if i > start {
			emit(segment{kind: segText, text: s[start:i]})
		}
	}
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			flush(i)
			j := i + 1
			for j < len(s) {
				if s[j] == '\\' && c == '\'' && j+1 < len(s) {
					j += 2
					continue
				}
				if s[j] == c {
					if j+1 < len(s) && s[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			end := min(j+1, len(s))
			emit(segment{kind: segQuoted, text: s[i:end]})
			i, start = end, end
		case c == '-' && strings.HasPrefix(s[i:], "--"), c == '#':
			flush(i)
			j := strings.IndexByte(s[i:], '\n')
			end := len(s)
			if j >= 0 {
				end = i + j
			}
			emit(segment{kind: segComment, text: s[i:end]})
			i, start = end, end
		case c == '/' && strings.HasPrefix(s[i:], "/*"):
			flush(i)
			j := strings.Index(s[i+2:], "*/")
			end := len(s)
			if j >= 0 {
				end = i + 2 + j + 2
			}
			emit(segment{kind: segComment, text: s[i:end]})
			i, start = end, end
		case c == '?':
			flush(i)
			emit(segment{kind: segQuestion, text: "?"})
			i++
			start = i
		case c == '$' && i+1 < len(s) && isDigit(s[i+1]):
			flush(i)
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			num, _ := strconv.Atoi(s[i+1 : j])
			emit(segment{kind: segDollar, text: s[i:j], n: num})
			i, start = j, j
		case c == ';':
			flush(i)
			emit(segment{kind: segSemicolon, text: ";"})
			i++
			start = i
		default:
			i++
		}
	}
	flush(len(s))
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// translateDollarParams rewrites $N markers to ? and returns params in the
// order the ? markers appear. A $N used twice duplicates its value.
func translateDollarParams(sqlText string, params []any) (string, []any, error) {
	var b strings.Builder
	var ordered []any
	var err error
	sawQuestion := false
	scanSQL(sqlText, func(seg segment) {
		switch seg.kind {
		case segDollar:
			if seg.n < 1 || seg.n > len(params) {
				if err == nil {
					err = parseErrorf(sqlText, nil, "marker %s has no bound value", seg.text)
				}
				b.WriteString(seg.text)
				return
			}
			ordered = append(ordered, params[seg.n-1])
			b.WriteString("?")
		case segQuestion:
			sawQuestion = true
			b.WriteString(seg.text)
		default:
			b.WriteString(seg.text)
		}
	})
	if err != nil {
		return "", nil, err
	}
	if sawQuestion {
		if len(ordered) > 0 {
			return "", nil, parseErrorf(sqlText, nil, "mixed ? and $N markers")
		}
		return sqlText, params, nil
	}
	return b.String(), ordered, nil
}
