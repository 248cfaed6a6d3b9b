// Package pdftext extracts text from PDF documents, optionally reproducing the
// visual layout of every page with spaces and blank lines.
//
// The package knows nothing about HTTP, caching or persistence.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrInvalidPDF is returned for empty input, non-PDF data and documents the
	// parser cannot read.
	ErrInvalidPDF = errors.New("invalid or unreadable PDF")
	// ErrEncrypted is returned for documents that cannot be opened with an empty password.
	ErrEncrypted = errors.New("encrypted PDF")
)

// Options controls how glyphs are grouped and rendered.
type Options struct {
	// Layout keeps horizontal positions and vertical gaps.
	Layout bool
	// XTolerance is the largest horizontal gap, in points, between two glyphs of one word.
	XTolerance float64
	// YTolerance is the largest vertical distance, in points, between glyphs of one line.
	YTolerance float64
	// XDensity is the number of points per rendered column in layout mode.
	XDensity float64
	// YDensity is the number of points per rendered row in layout mode.
	YDensity float64
}

// DefaultOptions returns layout mode with 2pt tolerances.
func DefaultOptions() Options {
	return Options{
		Layout:     true,
		XTolerance: 2,
		YTolerance: 2,
		XDensity:   7.25,
		YDensity:   13,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.XTolerance < 0 {
		o.XTolerance = d.XTolerance
	}
	if o.YTolerance < 0 {
		o.YTolerance = d.YTolerance
	}
	if o.XDensity <= 0 {
		o.XDensity = d.XDensity
	}
	if o.YDensity <= 0 {
		o.YDensity = d.YDensity
	}
	return o
}

// Page is the extracted text of one page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Document is the result of an extraction.
type Document struct {
	// Text holds the non-empty pages joined with "\n".
	Text string
	// Pages holds only pages that produced text. In layout mode every page
	// does, since blank pages render as a grid of spaces.
	Pages []Page
	// PageCount is the number of pages in the PDF, including empty ones.
	PageCount int
	Stats     Stats
}

// Extract reads data as a PDF and returns its text. ctx is checked between pages.
func Extract(ctx context.Context, data []byte, opts Options) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidPDF)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF header", ErrInvalidPDF)
	}
	opts = opts.normalized()

	reader, numPages, err := open(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{PageCount: numPages}
	texts := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := pageText(reader, i, opts)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if text == "" {
			continue
		}
		doc.Pages = append(doc.Pages, Page{Number: i, Text: text})
		texts = append(texts, text)
	}

	doc.Text = strings.Join(texts, "\n")
	doc.Stats = ComputeStats(doc.Text)
	return doc, nil
}

// open parses the document. The parser panics on some malformed inputs, which
// is reported as ErrInvalidPDF.
func open(data []byte) (r *pdf.Reader, n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, n, err = nil, 0, fmt.Errorf("%w: %v", ErrInvalidPDF, rec)
		}
	}()

	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, 0, fmt.Errorf("%w: %v", ErrEncrypted, err)
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	return r, r.NumPage(), nil
}

func pageText(r *pdf.Reader, num int, opts Options) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrInvalidPDF, rec)
		}
	}()

	page := r.Page(num)
	if page.V.IsNull() {
		return "", nil
	}

	box := mediaBox(page.V)
	lines := groupLines(collectGlyphs(page.Content().Text, box), opts)
	if opts.Layout {
		// A page without text still renders as a blank grid.
		return renderLayout(lines, newGrid(box.x1-box.x0, box.y1-box.y0, opts), opts), nil
	}
	return renderPlain(lines), nil
}

// rect is a page box in PDF user space.
type rect struct {
	x0, y0, x1, y1 float64
}

var letterBox = rect{0, 0, 612, 792}

// mediaBox returns the page MediaBox, following /Parent for inherited boxes.
func mediaBox(v pdf.Value) rect {
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		mb := v.Key("MediaBox")
		if mb.Kind() == pdf.Array && mb.Len() == 4 {
			b := rect{
				x0: mb.Index(0).Float64(),
				y0: mb.Index(1).Float64(),
				x1: mb.Index(2).Float64(),
				y1: mb.Index(3).Float64(),
			}
			if b.x0 > b.x1 {
				b.x0, b.x1 = b.x1, b.x0
			}
			if b.y0 > b.y1 {
				b.y0, b.y1 = b.y1, b.y0
			}
			if b.x1-b.x0 > 0 && b.y1-b.y0 > 0 {
				return b
			}
		}
		v = v.Key("Parent")
	}
	return letterBox
}
