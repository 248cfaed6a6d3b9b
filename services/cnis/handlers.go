package cnis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	apierrors "github.com/equipe-eprev/cnis-extractor-api/internal/errors"
	"github.com/equipe-eprev/cnis-extractor-api/internal/extraction"
	"github.com/equipe-eprev/cnis-extractor-api/internal/httputil"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
)

// Client-facing messages.
const (
	errNoFile       = "Nenhum arquivo foi enviado"
	msgNoFile       = `Envie um arquivo PDF com a chave "file"`
	errEmptyName    = "Nome do arquivo vazio"
	msgEmptyName    = "O arquivo enviado não tem nome"
	errBadFormat    = "Formato inválido"
	msgBadFormat    = "Apenas arquivos PDF são aceitos"
	errNoPDF        = "PDF não encontrado"
	msgNoPDF        = `Envie o PDF em base64 com a chave "pdf_base64"`
	errProcessing   = "Erro ao processar arquivo"
	errInvalidParam = "Parâmetro inválido"
)

const fileField = "file"

var (
	errMissingFile = errors.New("no file part")
	errNotString   = errors.New("pdf_base64 deve ser uma string")
)

// =============================================================================
// HTTP Handlers
// =============================================================================

// handleExtract extracts the PDF uploaded as multipart field "file".
func (s *Service) handleExtract(w http.ResponseWriter, r *http.Request) {
	opts, withPages, ok := s.requestOptions(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	part, filename, err := nextFilePart(r)
	if err != nil {
		if httputil.IsTooLarge(err) {
			s.writeError(w, r, apierrors.PayloadTooLarge(s.maxUpload))
			return
		}
		s.writeError(w, r, apierrors.BadRequest(errNoFile, msgNoFile))
		return
	}
	defer part.Close()

	if filename == "" {
		s.writeError(w, r, apierrors.BadRequest(errEmptyName, msgEmptyName))
		return
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		s.writeError(w, r, apierrors.BadRequest(errBadFormat, msgBadFormat))
		return
	}

	data, err := io.ReadAll(part)
	if err != nil {
		if httputil.IsTooLarge(err) {
			s.writeError(w, r, apierrors.PayloadTooLarge(s.maxUpload))
			return
		}
		s.writeError(w, r, apierrors.Internal(errProcessing, err))
		return
	}

	s.extract(w, r, extraction.Request{
		Source:   extraction.SourceUpload,
		Filename: filename,
		Data:     data,
	}, opts, withPages)
}

// handleExtractJSON extracts the PDF sent as {"pdf_base64": "..."}.
func (s *Service) handleExtractJSON(w http.ResponseWriter, r *http.Request) {
	opts, withPages, ok := s.requestOptions(w, r)
	if !ok {
		return
	}

	limit := base64JSONLimit(s.maxUpload)
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if httputil.IsTooLarge(err) {
			s.writeError(w, r, apierrors.PayloadTooLarge(s.maxUpload))
			return
		}
		s.writeError(w, r, apierrors.Internal(errProcessing, err))
		return
	}

	var payload map[string]json.RawMessage
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &payload) != nil || payload == nil {
		s.writeError(w, r, apierrors.BadRequest(errNoPDF, msgNoPDF))
		return
	}
	raw, found := payload["pdf_base64"]
	if !found {
		s.writeError(w, r, apierrors.BadRequest(errNoPDF, msgNoPDF))
		return
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		s.writeError(w, r, apierrors.Internal(errProcessing, errNotString))
		return
	}
	data, err := decodeBase64(encoded)
	if err != nil {
		s.writeError(w, r, apierrors.Internal(errProcessing, err))
		return
	}
	if int64(len(data)) > s.maxUpload {
		s.writeError(w, r, apierrors.PayloadTooLarge(s.maxUpload))
		return
	}

	s.extract(w, r, extraction.Request{
		Source: extraction.SourceBase64,
		Data:   data,
	}, opts, withPages)
}

// handleListExtractions returns the most recent audit entries.
func (s *Service) handleListExtractions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, apierrors.BadRequest(errInvalidParam, "limit deve ser um inteiro positivo"))
			return
		}
		limit = n
	}

	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, apierrors.Internal("Erro ao consultar extrações", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ExtractionsResponse{Count: len(entries), Extractions: entries})
}

func (s *Service) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, apierrors.NotFound("Rota não encontrada", fmt.Sprintf("%s %s não existe", r.Method, r.URL.Path)))
}

func (s *Service) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, apierrors.MethodNotAllowed("Método não permitido", fmt.Sprintf("%s não é aceito em %s", r.Method, r.URL.Path)))
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) extract(w http.ResponseWriter, r *http.Request, req extraction.Request, opts pdftext.Options, withPages bool) {
	res, err := s.extractor.ExtractWith(r.Context(), req, opts)
	if err != nil {
		s.writeExtractionError(w, r, err)
		return
	}

	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Content-SHA256", res.Digest)
	httputil.WriteJSON(w, http.StatusOK, NewExtractResponse(res.Document, req.Filename, withPages))
}

func (s *Service) writeExtractionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, extraction.ErrTimeout):
		s.writeError(w, r, apierrors.Timeout(err))
	case errors.Is(err, context.Canceled):
		// The client is gone; the status is only seen by logs and metrics.
		s.log.WithContext(r.Context()).Info("client canceled extraction")
		s.writeError(w, r, apierrors.Unavailable(errProcessing, err))
	default:
		s.writeError(w, r, apierrors.Internal(errProcessing, err))
	}
}

// writeError answers with se and counts it under its code. Server-side
// failures are logged with their cause.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, se *apierrors.ServiceError) {
	s.Requests().RecordError(se.Code)
	if se.HTTPStatus >= http.StatusInternalServerError {
		s.log.WithContext(r.Context()).WithError(se).WithField("path", r.URL.Path).Warn("request failed")
	}
	httputil.WriteServiceError(w, se)
}

// requestOptions reads the optional ?layout= and ?pages= query flags.
func (s *Service) requestOptions(w http.ResponseWriter, r *http.Request) (pdftext.Options, bool, bool) {
	opts := s.extractor.Options()
	q := r.URL.Query()

	if raw := q.Get("layout"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, apierrors.BadRequest(errInvalidParam, "layout deve ser true ou false"))
			return opts, false, false
		}
		opts.Layout = v
	}

	withPages := false
	if raw := q.Get("pages"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, apierrors.BadRequest(errInvalidParam, "pages deve ser true ou false"))
			return opts, false, false
		}
		withPages = v
	}
	return opts, withPages, true
}

// nextFilePart returns the first part named "file" that carries a filename
// parameter, even an empty one. Parts without it are plain form fields.
func nextFilePart(r *http.Request) (*multipart.Part, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", errMissingFile
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", errMissingFile
		}
		if err != nil {
			if httputil.IsTooLarge(err) {
				return nil, "", err
			}
			return nil, "", errMissingFile
		}
		if part.FormName() != fileField {
			part.Close()
			continue
		}
		_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if err != nil {
			part.Close()
			continue
		}
		filename, isFile := params["filename"]
		if !isFile {
			part.Close()
			continue
		}
		return part, filename, nil
	}
}

// decodeBase64 accepts standard or URL-safe alphabets, with or without
// padding, embedded whitespace and an optional data URL prefix.
func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	trimmed := strings.TrimRight(s, "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		candidate := s
		if enc == base64.RawStdEncoding || enc == base64.RawURLEncoding {
			candidate = trimmed
		}
		if data, alt := enc.DecodeString(candidate); alt == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("base64 inválido: %w", err)
}

// base64JSONLimit is the JSON body size needed to carry limit decoded bytes.
func base64JSONLimit(limit int64) int64 {
	return limit/3*4 + 4 + 64<<10
}

func (s *Service) statistics() map[string]any {
	stats := map[string]any{
		"extraction": s.extractor.Stats(),
		"runtime": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"go_version": runtime.Version(),
		},
	}

	host := map[string]any{}
	if vm, err := mem.VirtualMemory(); err == nil {
		host["memory_total_bytes"] = vm.Total
		host["memory_available_bytes"] = vm.Available
		host["memory_used_percent"] = vm.UsedPercent
	}
	if n, err := cpu.Counts(true); err == nil {
		host["cpus"] = n
	}
	stats["host"] = host

	if s.extraStats != nil {
		for k, v := range s.extraStats() {
			stats[k] = v
		}
	}
	return stats
}
