package pdftext

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Stats summarises an extracted text.
type Stats struct {
	// Lines is the number of "\n"-separated rows; an empty text has one.
	Lines int
	// Characters counts Unicode code points.
	Characters int
	// Words counts fields separated by whitespace, including the ASCII
	// separators U+001C to U+001F.
	Words int
}

// ComputeStats returns the statistics of text.
func ComputeStats(text string) Stats {
	return Stats{
		Lines:      strings.Count(text, "\n") + 1,
		Characters: utf8.RuneCountInString(text),
		Words:      len(strings.FieldsFunc(text, isSeparator)),
	}
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}
