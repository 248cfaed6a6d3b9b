package extraction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/internal/metrics"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
	mocks "github.com/equipe-eprev/cnis-extractor-api/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T, cfg Config) (*Service, *mocks.MockAuditor, *mocks.MockCache) {
	t.Helper()
	auditor := mocks.NewMockAuditor()
	c := mocks.NewMockCache()
	if cfg.Options == (pdftext.Options{}) {
		cfg.Options = pdftext.DefaultOptions()
	}
	cfg.Auditor = auditor
	cfg.Cache = c
	cfg.Logger = logging.NewDiscard()
	return New(cfg), auditor, c
}

func TestExtract_Success(t *testing.T) {
	m := metrics.New()
	svc, auditor, c := newTestService(t, Config{Metrics: m})

	data := mocks.SinglePagePDF("CNIS", "Extrato Previdenciario")
	res, err := svc.Extract(context.Background(), Request{Source: SourceUpload, Filename: "cnis.pdf", Data: data})
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Len(t, res.Digest, 64)
	rows := strings.Split(res.Document.Text, "\n")
	require.Len(t, rows, 60)
	assert.Equal(t, "          CNIS", strings.TrimRight(rows[5], " "))
	assert.Equal(t, "          Extrato Previdenciario", strings.TrimRight(rows[6], " "))
	assert.Equal(t, 3, res.Document.Stats.Words)
	assert.Equal(t, 1, c.Len())

	entries := auditor.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusSuccess, entries[0].Status)
	assert.Equal(t, "cnis.pdf", entries[0].Filename)
	assert.Equal(t, int64(len(data)), entries[0].SizeBytes)
	assert.Equal(t, 1, entries[0].Pages)

	n, err := testutil.GatherAndCount(m.Registry, "cnis_extraction_total", "cnis_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, 8, stats.MaxConcurrent)
}

func TestExtract_ServesRepeatFromCache(t *testing.T) {
	svc, auditor, _ := newTestService(t, Config{})

	var calls atomic.Int32
	svc.extract = func(ctx context.Context, data []byte, opts pdftext.Options) (*pdftext.Document, error) {
		calls.Add(1)
		return pdftext.Extract(ctx, data, opts)
	}

	req := Request{Source: SourceBase64, Data: mocks.SinglePagePDF("x")}
	first, err := svc.Extract(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Extract(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Document.Text, second.Document.Text)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{audit.StatusSuccess, audit.StatusCached}, auditor.Statuses())

	// Different options are a different cache entry.
	plain := pdftext.DefaultOptions()
	plain.Layout = false
	third, err := svc.ExtractWith(context.Background(), req, plain)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, "x", third.Document.Text)
}

func TestExtract_CacheErrorsAreNotFatal(t *testing.T) {
	svc, _, c := newTestService(t, Config{})
	c.SetErrors(errors.New("get failed"), errors.New("set failed"))

	res, err := svc.Extract(context.Background(), Request{Source: SourceUpload, Data: mocks.SinglePagePDF("x")})
	require.NoError(t, err)
	assert.Equal(t, "          x", strings.TrimRight(strings.Split(res.Document.Text, "\n")[5], " "))
}

func TestExtract_InvalidPDF(t *testing.T) {
	svc, auditor, c := newTestService(t, Config{})

	_, err := svc.Extract(context.Background(), Request{Source: SourceUpload, Data: []byte("not a pdf")})
	require.Error(t, err)
	assert.ErrorIs(t, err, pdftext.ErrInvalidPDF)
	assert.Equal(t, 0, c.Len())

	entries := auditor.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusFailed, entries[0].Status)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, int64(1), svc.Stats().Failed)
}

func TestExtract_Timeout(t *testing.T) {
	svc, auditor, _ := newTestService(t, Config{Timeout: 20 * time.Millisecond})
	svc.extract = func(ctx context.Context, _ []byte, _ pdftext.Options) (*pdftext.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := svc.Extract(context.Background(), Request{Source: SourceUpload, Data: []byte("%PDF-1.4")})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{audit.StatusTimeout}, auditor.Statuses())
	assert.Equal(t, int64(1), svc.Stats().Timeouts)
}

func TestExtract_CallerCancellation(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	svc.extract = func(ctx context.Context, _ []byte, _ pdftext.Options) (*pdftext.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Extract(ctx, Request{Source: SourceUpload, Data: []byte("%PDF-1.4")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExtract_BoundsConcurrency(t *testing.T) {
	svc, _, _ := newTestService(t, Config{MaxConcurrent: 2})

	var running, peak atomic.Int32
	release := make(chan struct{})
	svc.extract = func(ctx context.Context, data []byte, _ pdftext.Options) (*pdftext.Document, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &pdftext.Document{Text: string(data), Stats: pdftext.ComputeStats(string(data))}, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Extract(context.Background(), Request{Source: SourceUpload, Data: []byte{byte('a' + i)}})
			errs <- err
		}(i)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, int64(5), svc.Stats().Succeeded)
}

func TestExtract_QueuedRequestTimesOut(t *testing.T) {
	svc, _, _ := newTestService(t, Config{MaxConcurrent: 1, Timeout: 50 * time.Millisecond})

	started := make(chan struct{})
	svc.extract = func(ctx context.Context, _ []byte, _ pdftext.Options) (*pdftext.Document, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = svc.Extract(context.Background(), Request{Source: SourceUpload, Data: []byte("a")})
	}()
	<-started

	_, err := svc.Extract(context.Background(), Request{Source: SourceUpload, Data: []byte("b")})
	assert.ErrorIs(t, err, ErrTimeout)
	wg.Wait()
}

func TestNew_Defaults(t *testing.T) {
	svc := New(Config{Logger: logging.NewDiscard()})
	stats := svc.Stats()
	assert.Equal(t, defaultMaxConcurrent, stats.MaxConcurrent)
	assert.Equal(t, defaultTimeout.String(), stats.Timeout)
	assert.Equal(t, "none", stats.CacheBackend)
}
