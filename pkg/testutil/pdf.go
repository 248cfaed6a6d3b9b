package testutil

import (
	"bytes"
	"fmt"
	"strings"
)

// TextRun is a string drawn at (X, Y) in PDF user space (origin bottom-left)
// with a monospace font of Size points.
type TextRun struct {
	X, Y float64
	Size float64
	Text string
}

// PDFPage is one page of a generated document.
type PDFPage struct {
	Runs []TextRun
	// MediaBox overrides the inherited [0 0 612 792] box when set.
	MediaBox []float64
}

// BuildPDF writes a minimal, uncompressed PDF with one Courier font whose
// glyphs are all 600 units wide, so every character advances 0.6*Size.
// Runes outside Latin-1 are replaced with '?'.
func BuildPDF(pages ...PDFPage) []byte {
	var buf bytes.Buffer
	var offsets []int

	obj := func(body string) int {
		offsets = append(offsets, buf.Len())
		id := len(offsets)
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", id, body)
		return id
	}

	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	// Object ids are fixed up front: 1 catalog, 2 pages, 3 font, then pairs of
	// (page, content) per page.
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}

	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>",
		strings.Join(kids, " "), len(pages)))

	widths := strings.TrimSpace(strings.Repeat("600 ", 224))
	obj(fmt.Sprintf("<< /Type /Font /Subtype /Type1 /BaseFont /Courier /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 255 /Widths [%s] >>", widths))

	for i, page := range pages {
		box := ""
		if len(page.MediaBox) == 4 {
			box = fmt.Sprintf(" /MediaBox [%g %g %g %g]", page.MediaBox[0], page.MediaBox[1], page.MediaBox[2], page.MediaBox[3])
		}
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R%s /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", box, 5+2*i))

		var content bytes.Buffer
		for _, run := range page.Runs {
			size := run.Size
			if size == 0 {
				size = 12
			}
			fmt.Fprintf(&content, "BT /F1 %g Tf 1 0 0 1 %g %g Tm (%s) Tj ET\n", size, run.X, run.Y, escapePDFString(run.Text))
		}
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)

	return buf.Bytes()
}

// SinglePagePDF is a shortcut for a one-page document with 12pt lines
// starting at (72, 720) and 14pt apart.
func SinglePagePDF(lines ...string) []byte {
	runs := make([]TextRun, 0, len(lines))
	for i, line := range lines {
		runs = append(runs, TextRun{X: 72, Y: 720 - float64(i)*14, Size: 12, Text: line})
	}
	return BuildPDF(PDFPage{Runs: runs})
}

func escapePDFString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20 || r > 0xff:
			b.WriteByte('?')
		default:
			// Latin-1 matches WinAnsi for the accented letters used in Portuguese.
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}
