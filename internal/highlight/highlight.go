// Package highlight colors SQL and plan trees for terminal output.
package highlight

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

var (
	lexer     chroma.Lexer
	formatter chroma.Formatter
	style     *chroma.Style
)

func init() {
	lexer = lexers.Get("sql")
	formatter = formatters.Get("terminal256")
	style = styles.Get("monokai")
}

// SQL returns s with ANSI syntax highlighting. On error or empty input s is
// returned unchanged.
func SQL(s string) string {
	if s == "" {
		return s
	}
	iterator, err := lexer.Tokenise(nil, s)
	if err != nil {
		return s
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return s
	}
	return strings.TrimRight(buf.String(), "\n")
}

var (
	classRe    = regexp.MustCompile(`\((full-scan|index-scan|index-lookup|join|filter|other)\)`)
	fullScanRe = regexp.MustCompile(`\(full-scan\)`)

	boldStyle = lipgloss.NewStyle().Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
	warnStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
)

// Plan highlights a rendered plan tree: full scans stand out, other
// operator classes are dimmed.
func Plan(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		if fullScanRe.MatchString(line) {
			lines[i] = warnStyle.Render(line)
			continue
		}
		lines[i] = classRe.ReplaceAllStringFunc(line, func(m string) string {
			return dimStyle.Render(m)
		})
	}
	return strings.Join(lines, "\n")
}

// Title renders a section heading.
func Title(s string) string {
	return boldStyle.Render(s)
}
