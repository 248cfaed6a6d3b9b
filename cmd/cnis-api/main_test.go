package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/equipe-eprev/cnis-extractor-api/internal/config"
	"github.com/equipe-eprev/cnis-extractor-api/internal/httputil"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/pkg/testutil"
	"github.com/equipe-eprev/cnis-extractor-api/services/cnis"
)

var samplePDF = testutil.SinglePagePDF("CNIS - CADASTRO NACIONAL", "NIT: 123.45678.90-1")

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Cache.Backend = config.CacheNone
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *httptest.Server) {
	t.Helper()
	a, err := newApp(context.Background(), cfg, logging.NewDiscard())
	require.NoError(t, err)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, a.close(context.Background()))
	})
	return a, srv
}

func writePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cnis.pdf")
	require.NoError(t, os.WriteFile(path, samplePDF, 0o600))
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cnis-api "+cnis.Version+" "), out)
}

func TestServeOptions_FlagsOverrideConfig(t *testing.T) {
	cmd := newServeCmd(&globalFlags{})
	require.NoError(t, cmd.Flags().Set("workers", "3"))
	require.NoError(t, cmd.Flags().Set("timeout", "30s"))

	cfg := testConfig()
	require.NoError(t, applyServeFlags(cmd, cfg))

	assert.Equal(t, 3, cfg.Server.Workers)
	assert.Equal(t, 4, cfg.Server.Threads)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 12, cfg.MaxConcurrent())
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
}

func TestServeOptions_InvalidValue(t *testing.T) {
	cmd := newServeCmd(&globalFlags{})
	require.NoError(t, cmd.Flags().Set("threads", "0"))

	assert.Error(t, applyServeFlags(cmd, testConfig()))
}

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 9090

	srv := newHTTPServer(cfg, http.NotFoundHandler())
	assert.Equal(t, ":9090", srv.Addr)
	assert.Equal(t, cfg.Server.RequestTimeout+5*time.Second, srv.WriteTimeout)
	assert.Equal(t, cfg.Server.ReadHeaderTimeout, srv.ReadHeaderTimeout)
}

func TestApp_ServesExtraction(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	client := httputil.NewClient(httputil.ClientConfig{BaseURL: srv.URL})
	resp, err := client.PostFile(context.Background(), "/extract", "file", "cnis.pdf", samplePDF)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	var body cnis.ExtractResponse
	require.NoError(t, httputil.DecodeResponse(resp, &body))
	assert.True(t, body.Success)
	assert.Equal(t, "cnis.pdf", body.Arquivo)
	assert.Contains(t, body.Texto, "NIT: 123.45678.90-1")
	assert.Equal(t, 60, body.Estatisticas.Linhas)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestApp_InfoReportsAuditQueue(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	resp, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), gjson.GetBytes(buf.Bytes(), "statistics.audit_dropped").Int())
	assert.Equal(t, "none", gjson.GetBytes(buf.Bytes(), "statistics.extraction.cache_backend").String())
}

func TestApp_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.Burst = 1

	a, srv := newTestApp(t, cfg)
	require.NotNil(t, a.limiter)
	assert.Equal(t, 1, a.svc.WorkerCount())

	first, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	// Health probes are never limited.
	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestExtractCmd_Local(t *testing.T) {
	path := writePDF(t)

	out, err := runCmd(t, "extract", path)
	require.NoError(t, err)
	rows := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, rows, 60)
	assert.Equal(t, "          CNIS - CADASTRO NACIONAL", strings.TrimRight(rows[5], " "))
	assert.Equal(t, "          NIT: 123.45678.90-1", strings.TrimRight(rows[6], " "))

	out, err = runCmd(t, "extract", "--plain", "--json", "--pages", path)
	require.NoError(t, err)
	assert.True(t, gjson.Get(out, "success").Bool())
	assert.Equal(t, "CNIS - CADASTRO NACIONAL\nNIT: 123.45678.90-1", gjson.Get(out, "texto").String())
	assert.Equal(t, int64(1), gjson.Get(out, "paginas.#").Int())
	assert.Equal(t, int64(6), gjson.Get(out, "estatisticas.palavras").Int())
}

func TestExtractCmd_UsesConfiguredLayout(t *testing.T) {
	path := writePDF(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("extraction:\n  layout: false\n"), 0o600))

	out, err := runCmd(t, "extract", "--config", cfgPath, path)
	require.NoError(t, err)
	assert.Equal(t, "CNIS - CADASTRO NACIONAL\nNIT: 123.45678.90-1\n", out)

	out, err = runCmd(t, "extract", "--config", cfgPath, "--plain=false", path)
	require.NoError(t, err)
	assert.Equal(t, 60, strings.Count(out, "\n"))
}

func TestExtractCmd_Remote(t *testing.T) {
	_, srv := newTestApp(t, testConfig())
	path := writePDF(t)

	out, err := runCmd(t, "extract", "--server", srv.URL, "--json", path)
	require.NoError(t, err)
	assert.Equal(t, "cnis.pdf", gjson.Get(out, "arquivo").String())
	assert.Equal(t, int64(60), gjson.Get(out, "estatisticas.linhas").Int())

	out, err = runCmd(t, "extract", "--server", srv.URL, "--json", "--plain", path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.Get(out, "estatisticas.linhas").Int())
}

func TestExtractCmd_RemoteUsesServerLayout(t *testing.T) {
	cfg := testConfig()
	cfg.Extraction.Layout = false
	_, srv := newTestApp(t, cfg)

	out, err := runCmd(t, "extract", "--server", srv.URL, "--json", writePDF(t))
	require.NoError(t, err)
	assert.Equal(t, "CNIS - CADASTRO NACIONAL\nNIT: 123.45678.90-1", gjson.Get(out, "texto").String())
}

func TestExtractCmd_Errors(t *testing.T) {
	_, err := runCmd(t, "extract", filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pdf")
	require.NoError(t, os.WriteFile(bad, []byte("not a pdf"), 0o600))
	_, err = runCmd(t, "extract", bad)
	assert.Error(t, err)

	_, err = runCmd(t, "extract")
	assert.Error(t, err)
}
