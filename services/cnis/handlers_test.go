package cnis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/extraction"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/internal/metrics"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
	"github.com/equipe-eprev/cnis-extractor-api/pkg/testutil"
	commonservice "github.com/equipe-eprev/cnis-extractor-api/services/common/service"
)

var samplePDF = testutil.SinglePagePDF("CNIS - Cadastro Nacional", "NIT: 123.45678.90-1")

type fixture struct {
	svc     *Service
	auditor *testutil.MockAuditor
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	auditor := testutil.NewMockAuditor()
	m := metrics.New()
	logger := logging.NewDiscard()

	extractor := extraction.New(extraction.Config{
		MaxConcurrent: 2,
		Timeout:       5 * time.Second,
		Options:       pdftext.DefaultOptions(),
		Cache:         testutil.NewMockCache(),
		Auditor:       auditor,
		Metrics:       m,
		Logger:        logger,
	})

	cfg := Config{
		Extractor:      extractor,
		Audit:          auditor,
		Metrics:        m,
		Logger:         logger,
		MaxUploadBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{svc: New(cfg), auditor: auditor, metrics: m}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.svc.Router().ServeHTTP(rr, req)
	return rr
}

// multipartBody builds a form with a single part named field. A nil filename
// produces a plain form field without the filename parameter.
func multipartBody(t *testing.T, field string, filename *string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	if filename != nil {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, *filename))
		h.Set("Content-Type", "application/pdf")
	} else {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, field))
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func uploadRequest(t *testing.T, target, field string, filename *string, data []byte) *http.Request {
	body, contentType := multipartBody(t, field, filename, data)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func jsonRequest(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func strptr(s string) *string { return &s }

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, errMsg, message string) {
	t.Helper()
	assert.Equal(t, status, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Equal(t, errMsg, gjson.Get(body, "error").String(), body)
	if message != "" {
		assert.Equal(t, message, gjson.Get(body, "message").String(), body)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, "API de Extração de CNIS está funcionando!", gjson.Get(body, "message").String())
	assert.Equal(t, ServiceName, gjson.Get(body, "service").String())
}

func TestHealth_DegradedDependency(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.HealthChecks = map[string]commonservice.HealthCheck{
			"cache": func(context.Context) error { return errors.New("redis: connection refused") },
		}
	})

	rr := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Equal(t, "degraded", gjson.Get(body, "status").String())
	assert.Equal(t, "redis: connection refused", gjson.Get(body, "details.checks.cache").String())
}

func TestExtract_Success(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(uploadRequest(t, "/extract", "file", strptr("CNIS_Segurado.PDF"), samplePDF))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := rr.Body.String()
	assert.True(t, gjson.Get(body, "success").Bool())
	rows := strings.Split(gjson.Get(body, "texto").String(), "\n")
	require.Len(t, rows, 60)
	assert.Equal(t, "          CNIS - Cadastro Nacional", strings.TrimRight(rows[5], " "))
	assert.Equal(t, "          NIT: 123.45678.90-1", strings.TrimRight(rows[6], " "))
	assert.Equal(t, int64(60), gjson.Get(body, "estatisticas.linhas").Int())
	assert.Equal(t, int64(60*84+59), gjson.Get(body, "estatisticas.caracteres").Int())
	assert.Equal(t, int64(6), gjson.Get(body, "estatisticas.palavras").Int())
	assert.Equal(t, "CNIS_Segurado.PDF", gjson.Get(body, "arquivo").String())
	assert.False(t, gjson.Get(body, "paginas").Exists())
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))

	entries := f.auditor.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, extraction.SourceUpload, entries[0].Source)
	assert.Equal(t, audit.StatusSuccess, entries[0].Status)

	again := f.do(uploadRequest(t, "/extract", "file", strptr("copia.pdf"), samplePDF))
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "HIT", again.Header().Get("X-Cache"))
	assert.Equal(t, "copia.pdf", gjson.Get(again.Body.String(), "arquivo").String())
}

func TestExtract_PagesAndPlainLayout(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(uploadRequest(t, "/extract?pages=true&layout=false", "file", strptr("cnis.pdf"), samplePDF))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := rr.Body.String()
	assert.Equal(t, "CNIS - Cadastro Nacional\nNIT: 123.45678.90-1", gjson.Get(body, "texto").String())
	assert.Equal(t, int64(1), gjson.Get(body, "paginas.#").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "paginas.0.numero").Int())
	assert.Equal(t, gjson.Get(body, "texto").String(), gjson.Get(body, "paginas.0.texto").String())
}

func TestExtract_InvalidQuery(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(uploadRequest(t, "/extract?pages=talvez", "file", strptr("cnis.pdf"), samplePDF))
	assertError(t, rr, http.StatusBadRequest, "Parâmetro inválido", "")
}

func TestExtract_ValidationErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name    string
		req     *http.Request
		errMsg  string
		message string
	}{
		{
			name:    "wrong field",
			req:     uploadRequest(t, "/extract", "arquivo", strptr("cnis.pdf"), samplePDF),
			errMsg:  "Nenhum arquivo foi enviado",
			message: `Envie um arquivo PDF com a chave "file"`,
		},
		{
			name:    "plain field named file",
			req:     uploadRequest(t, "/extract", "file", nil, []byte("texto")),
			errMsg:  "Nenhum arquivo foi enviado",
			message: `Envie um arquivo PDF com a chave "file"`,
		},
		{
			name:    "not multipart",
			req:     jsonRequest("/extract", `{"file":"x"}`),
			errMsg:  "Nenhum arquivo foi enviado",
			message: `Envie um arquivo PDF com a chave "file"`,
		},
		{
			name:    "empty filename",
			req:     uploadRequest(t, "/extract", "file", strptr(""), samplePDF),
			errMsg:  "Nome do arquivo vazio",
			message: "O arquivo enviado não tem nome",
		},
		{
			name:    "wrong extension",
			req:     uploadRequest(t, "/extract", "file", strptr("cnis.docx"), samplePDF),
			errMsg:  "Formato inválido",
			message: "Apenas arquivos PDF são aceitos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, f.do(tt.req), http.StatusBadRequest, tt.errMsg, tt.message)
		})
	}
	assert.Empty(t, f.auditor.Entries())
}

func TestExtract_CorruptPDF(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(uploadRequest(t, "/extract", "file", strptr("cnis.pdf"), []byte("isto não é um pdf")))
	assertError(t, rr, http.StatusInternalServerError, "Erro ao processar arquivo", "")
	assert.NotEmpty(t, gjson.Get(rr.Body.String(), "message").String())
	assert.Equal(t, []string{audit.StatusFailed}, f.auditor.Statuses())
}

func TestExtract_TooLarge(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxUploadBytes = 1024 })

	big := append(append([]byte{}, samplePDF...), bytes.Repeat([]byte("%"), 4096)...)
	rr := f.do(uploadRequest(t, "/extract", "file", strptr("cnis.pdf"), big))
	assertError(t, rr, http.StatusRequestEntityTooLarge, "Arquivo muito grande", "O arquivo excede o limite de 1024 bytes")
}

type stubExtractor struct {
	err error
}

func (s stubExtractor) ExtractWith(context.Context, extraction.Request, pdftext.Options) (*extraction.Result, error) {
	return nil, s.err
}
func (stubExtractor) Options() pdftext.Options { return pdftext.DefaultOptions() }
func (stubExtractor) Stats() extraction.Stats  { return extraction.Stats{} }

func TestExtract_Timeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Extractor = stubExtractor{err: fmt.Errorf("%w after 2m0s", extraction.ErrTimeout)}
	})

	rr := f.do(uploadRequest(t, "/extract", "file", strptr("cnis.pdf"), samplePDF))
	assertError(t, rr, http.StatusGatewayTimeout, "Tempo limite excedido", "extraction timed out after 2m0s")
}

func TestErrorsAreCountedByCode(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Extractor = stubExtractor{err: fmt.Errorf("%w after 2m0s", extraction.ErrTimeout)}
	})

	f.do(uploadRequest(t, "/extract", "file", strptr("cnis.txt"), samplePDF))
	f.do(uploadRequest(t, "/extract", "file", strptr("cnis.pdf"), samplePDF))
	f.do(httptest.NewRequest(http.MethodGet, "/nada", nil))

	rr := f.do(httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "requests.errors.BAD_REQUEST").Int(), body)
	assert.Equal(t, int64(1), gjson.Get(body, "requests.errors.TIMEOUT").Int(), body)
	assert.Equal(t, int64(1), gjson.Get(body, "requests.errors.NOT_FOUND").Int(), body)
}

func TestExtractJSON_Success(t *testing.T) {
	f := newFixture(t, nil)

	encoded := base64.StdEncoding.EncodeToString(samplePDF)
	rr := f.do(jsonRequest("/extract-json", fmt.Sprintf(`{"pdf_base64":%q}`, encoded)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := rr.Body.String()
	assert.True(t, gjson.Get(body, "success").Bool())
	assert.Equal(t, int64(60), gjson.Get(body, "estatisticas.linhas").Int())
	assert.False(t, gjson.Get(body, "arquivo").Exists())

	entries := f.auditor.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, extraction.SourceBase64, entries[0].Source)
}

func TestExtractJSON_AcceptsDataURLAndMissingPadding(t *testing.T) {
	f := newFixture(t, nil)

	encoded := "data:application/pdf;base64," + base64.RawStdEncoding.EncodeToString(samplePDF)
	payload, err := json.Marshal(map[string]string{"pdf_base64": encoded})
	require.NoError(t, err)

	rr := f.do(jsonRequest("/extract-json?pages=1", string(payload)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(1), gjson.Get(rr.Body.String(), "paginas.#").Int())
}

func TestExtractJSON_Errors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"empty body", "", http.StatusBadRequest, "PDF não encontrado"},
		{"null body", "null", http.StatusBadRequest, "PDF não encontrado"},
		{"malformed", "{pdf_base64:", http.StatusBadRequest, "PDF não encontrado"},
		{"missing key", `{"pdf": "abc"}`, http.StatusBadRequest, "PDF não encontrado"},
		{"not a string", `{"pdf_base64": 42}`, http.StatusInternalServerError, "Erro ao processar arquivo"},
		{"bad base64", `{"pdf_base64": "%%%"}`, http.StatusInternalServerError, "Erro ao processar arquivo"},
		{"not a pdf", `{"pdf_base64": "aGVsbG8="}`, http.StatusInternalServerError, "Erro ao processar arquivo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(jsonRequest("/extract-json", tt.body))
			assertError(t, rr, tt.status, tt.errMsg, "")
			if tt.status == http.StatusBadRequest {
				assert.Equal(t, `Envie o PDF em base64 com a chave "pdf_base64"`, gjson.Get(rr.Body.String(), "message").String())
			}
		})
	}
}

func TestListExtractions(t *testing.T) {
	f := newFixture(t, nil)

	f.do(uploadRequest(t, "/extract", "file", strptr("a.pdf"), samplePDF))
	f.do(uploadRequest(t, "/extract", "file", strptr("b.pdf"), []byte("quebrado")))

	rr := f.do(httptest.NewRequest(http.MethodGet, "/extractions?limit=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())
	assert.Equal(t, "b.pdf", gjson.Get(body, "extractions.0.filename").String())
	assert.Equal(t, audit.StatusFailed, gjson.Get(body, "extractions.0.status").String())

	bad := f.do(httptest.NewRequest(http.MethodGet, "/extractions?limit=zero", nil))
	assertError(t, bad, http.StatusBadRequest, "Parâmetro inválido", "")
}

func TestListExtractions_StoreError(t *testing.T) {
	f := newFixture(t, nil)
	f.auditor.SetErr(errors.New("connection reset"))

	rr := f.do(httptest.NewRequest(http.MethodGet, "/extractions", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestInfo(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Stats = func() map[string]any { return map[string]any{"audit_dropped": 0} }
	})
	f.do(uploadRequest(t, "/extract", "file", strptr("cnis.pdf"), samplePDF))

	rr := f.do(httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Equal(t, "active", gjson.Get(body, "status").String())
	assert.Equal(t, int64(1), gjson.Get(body, "statistics.extraction.succeeded").Int())
	assert.Equal(t, int64(2), gjson.Get(body, "statistics.extraction.max_concurrent").Int())
	assert.True(t, gjson.Get(body, "statistics.audit_dropped").Exists())
	assert.True(t, gjson.Get(body, "statistics.runtime.goroutines").Exists())
	assert.Equal(t, int64(1), gjson.Get(body, "requests.total").Int())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(uploadRequest(t, "/extract", "file", strptr("cnis.pdf"), samplePDF))

	rr := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `cnis_extraction_total{source="upload",status="success"} 1`)
	assert.Contains(t, body, `cnis_http_requests_total{method="POST",path="/extract",service="cnis-api",status="200"} 1`)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t, nil)

	assertError(t, f.do(httptest.NewRequest(http.MethodGet, "/nada", nil)), http.StatusNotFound, "Rota não encontrada", "")
	assertError(t, f.do(httptest.NewRequest(http.MethodGet, "/extract", nil)), http.StatusMethodNotAllowed, "Método não permitido", "")
}

func TestDecodeBase64(t *testing.T) {
	want := []byte{0xfb, 0xff, 0x01, 0x02}

	for _, in := range []string{
		base64.StdEncoding.EncodeToString(want),
		base64.RawStdEncoding.EncodeToString(want),
		base64.URLEncoding.EncodeToString(want),
		base64.RawURLEncoding.EncodeToString(want),
		"+/8B\nAg==",
	} {
		got, err := decodeBase64(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := decodeBase64("***")
	assert.Error(t, err)
}
