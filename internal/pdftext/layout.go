package pdftext

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// glyph is a positioned piece of text in top-down page coordinates.
type glyph struct {
	text   string
	x0, x1 float64
	top    float64
	space  bool
}

type word struct {
	text   string
	x0, x1 float64
	top    float64
}

type line struct {
	top   float64
	words []word
}

// collectGlyphs converts parser output into top-down coordinates relative to
// the page box. Glyphs outside the box are dropped.
func collectGlyphs(texts []pdf.Text, box rect) []glyph {
	height := box.y1 - box.y0
	width := box.x1 - box.x0

	glyphs := make([]glyph, 0, len(texts))
	for _, t := range texts {
		if t.S == "" {
			continue
		}
		size := math.Abs(t.FontSize)
		if size == 0 {
			size = 1
		}
		w := t.W
		if w <= 0 {
			// Fonts without a Widths array report zero advance.
			w = 0.5 * size * float64(utf8.RuneCountInString(t.S))
		}

		x0 := t.X - box.x0
		top := box.y1 - t.Y - size
		if x0+w < 0 || x0 > width || top+size < 0 || top > height {
			continue
		}

		glyphs = append(glyphs, glyph{
			text:  t.S,
			x0:    x0,
			x1:    x0 + w,
			top:   top,
			space: strings.TrimFunc(t.S, unicode.IsSpace) == "",
		})
	}
	return glyphs
}

// groupLines clusters glyphs into lines by their top coordinate and splits each
// line into words. A glyph joins the current line when its top is within
// YTolerance of the previous glyph in top order.
func groupLines(glyphs []glyph, opts Options) []line {
	sorted := make([]glyph, len(glyphs))
	copy(sorted, glyphs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].top < sorted[j].top
	})

	var clusters [][]glyph
	var current []glyph
	lastTop := math.Inf(-1)
	for _, g := range sorted {
		if len(current) > 0 && g.top-lastTop > opts.YTolerance {
			clusters = append(clusters, current)
			current = nil
		}
		current = append(current, g)
		lastTop = g.top
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}

	lines := make([]line, 0, len(clusters))
	for _, cluster := range clusters {
		sort.SliceStable(cluster, func(i, j int) bool {
			return cluster[i].x0 < cluster[j].x0
		})
		words := splitWords(cluster, opts.XTolerance)
		if len(words) == 0 {
			continue
		}
		top := words[0].top
		for _, w := range words[1:] {
			top = math.Min(top, w.top)
		}
		lines = append(lines, line{top: top, words: words})
	}
	return lines
}

// splitWords walks glyphs left to right. Whitespace glyphs and horizontal gaps
// wider than tolerance end the current word.
func splitWords(glyphs []glyph, tolerance float64) []word {
	var words []word
	var b strings.Builder
	var cur word
	open := false

	flush := func() {
		if open {
			cur.text = b.String()
			words = append(words, cur)
		}
		b.Reset()
		open = false
	}

	for _, g := range glyphs {
		if g.space {
			flush()
			continue
		}
		if open && (g.x0-cur.x1 > tolerance || g.x0 < cur.x0) {
			flush()
		}
		if !open {
			cur = word{x0: g.x0, x1: g.x1, top: g.top}
			open = true
		} else {
			cur.x1 = math.Max(cur.x1, g.x1)
			cur.top = math.Min(cur.top, g.top)
		}
		b.WriteString(g.text)
	}
	flush()
	return words
}

// grid is the text canvas of a page in layout mode: rows x cols cells of
// YDensity x XDensity points.
type grid struct {
	cols, rows int
	blank      string
}

func newGrid(width, height float64, opts Options) grid {
	cols := int(math.RoundToEven(width / opts.XDensity))
	return grid{
		cols:  cols,
		rows:  int(math.RoundToEven(height / opts.YDensity)),
		blank: strings.Repeat(" ", cols),
	}
}

// renderLayout draws lines on the page grid. Line i lands on row
// round(top/YDensity), pushed down when an earlier line already used that row,
// and each word starts at column round(x0/XDensity) with at least one space
// before it. Text rows are padded to the grid width and blank rows fill the
// page down to its last row. Halves round to even.
func renderLayout(lines []line, g grid, opts Options) string {
	var b strings.Builder
	rowStart := true
	newline := func() {
		if rowStart {
			b.WriteString(g.blank)
		}
		b.WriteByte('\n')
		rowStart = true
	}

	emitted := 0
	for i, ln := range lines {
		n := int(math.RoundToEven(ln.top/opts.YDensity)) - emitted
		if i > 0 && n < 1 {
			n = 1
		}
		for k := 0; k < n; k++ {
			newline()
		}
		if n > 0 {
			emitted += n
		}

		col := 0
		for j, w := range ln.words {
			pad := int(math.RoundToEven(w.x0/opts.XDensity)) - col
			if j > 0 && pad < 1 {
				pad = 1
			}
			if pad > 0 {
				b.WriteString(strings.Repeat(" ", pad))
				col += pad
			}
			b.WriteString(w.text)
			col += utf8.RuneCountInString(w.text)
		}
		if col < g.cols {
			b.WriteString(strings.Repeat(" ", g.cols-col))
		}
		rowStart = false
	}

	// Blank rows down to the bottom of the page, without the final newline.
	for k := 0; k < g.rows-(emitted+1); k++ {
		if k > 0 {
			b.WriteString(g.blank)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// renderPlain joins the words of a line with single spaces and lines with "\n".
func renderPlain(lines []line) string {
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		parts := make([]string, len(ln.words))
		for i, w := range ln.words {
			parts[i] = w.text
		}
		out = append(out, strings.Join(parts, " "))
	}
	return strings.Join(out, "\n")
}
