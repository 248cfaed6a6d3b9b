package cnis

import (
	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
)

// Estatisticas holds the text statistics returned with every extraction.
type Estatisticas struct {
	Linhas     int `json:"linhas"`
	Caracteres int `json:"caracteres"`
	Palavras   int `json:"palavras"`
}

// Pagina is the text of one non-empty page.
type Pagina struct {
	Numero int    `json:"numero"`
	Texto  string `json:"texto"`
}

// ExtractResponse is the body of a successful extraction. Arquivo is only
// set for multipart uploads; Paginas only when ?pages=true.
type ExtractResponse struct {
	Success      bool         `json:"success"`
	Texto        string       `json:"texto"`
	Estatisticas Estatisticas `json:"estatisticas"`
	Arquivo      string       `json:"arquivo,omitempty"`
	Paginas      []Pagina     `json:"paginas,omitempty"`
}

// ExtractionsResponse lists recent audit entries.
type ExtractionsResponse struct {
	Count       int           `json:"count"`
	Extractions []audit.Entry `json:"extractions"`
}

// NewExtractResponse builds the API body for doc.
func NewExtractResponse(doc *pdftext.Document, filename string, withPages bool) ExtractResponse {
	resp := ExtractResponse{
		Success: true,
		Texto:   doc.Text,
		Estatisticas: Estatisticas{
			Linhas:     doc.Stats.Lines,
			Caracteres: doc.Stats.Characters,
			Palavras:   doc.Stats.Words,
		},
		Arquivo: filename,
	}
	if withPages {
		resp.Paginas = make([]Pagina, 0, len(doc.Pages))
		for _, p := range doc.Pages {
			resp.Paginas = append(resp.Paginas, Pagina{Numero: p.Number, Texto: p.Text})
		}
	}
	return resp
}
