package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const minColumnWidth = 6

// table renders rows as an ASCII grid sized to the terminal
type table struct {
	headers  []string
	rows     [][]string
	maxWidth int
}

func newTable(headers []string, rows [][]string, maxWidth int) *table {
	if maxWidth <= 0 {
		maxWidth = terminalWidth()
	}
	return &table{headers: headers, rows: rows, maxWidth: maxWidth}
}

func (t *table) columns() int {
	n := len(t.headers)
	for _, r := range t.rows {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

// widths returns the content width of each column. When the table would not
// fit, the widest column is narrowed until it does.
func (t *table) widths() []int {
	n := t.columns()
	widths := make([]int, n)
	measure := func(row []string) {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, r := range t.rows {
		measure(r)
	}

	// each column costs three characters of border and padding, plus one
	total := func() int {
		sum := 1
		for _, w := range widths {
			sum += w + 3
		}
		return sum
	}
	for total() > t.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minColumnWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *table) render(w io.Writer, header func(string) string) {
	widths := t.widths()
	border := t.border(widths)

	io.WriteString(w, border)
	if len(t.headers) > 0 {
		io.WriteString(w, t.row(t.headers, widths, header))
		io.WriteString(w, border)
	}
	for _, r := range t.rows {
		io.WriteString(w, t.row(r, widths, nil))
	}
	io.WriteString(w, border)
}

func (t *table) border(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteString("+")
	}
	b.WriteString("\n")
	return b.String()
}

func (t *table) row(cells []string, widths []int, style func(string) string) string {
	var b strings.Builder
	b.WriteString("|")
	for i, w := range widths {
		var cell string
		if i < len(cells) {
			cell = truncate(cells[i], w)
		}
		pad := w - utf8.RuneCountInString(cell)
		if style != nil {
			cell = style(cell)
		}
		b.WriteString(" ")
		b.WriteString(cell)
		b.WriteString(strings.Repeat(" ", pad))
		b.WriteString(" |")
	}
	b.WriteString("\n")
	return b.String()
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 120
	}
	return width
}
