// Package cache stores extraction results keyed by the input digest and the
// options used, so repeated uploads of the same document skip the parser.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
)

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Cache is a store of extracted documents. Values returned by Get must be
// treated as read-only.
type Cache interface {
	Get(ctx context.Context, key string) (*pdftext.Document, bool, error)
	Set(ctx context.Context, key string, doc *pdftext.Document) error
	Len() int
	Backend() string
	Close() error
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key combines a digest with the options that shape the output.
func Key(digest string, opts pdftext.Options) string {
	mode := "plain"
	if opts.Layout {
		mode = "layout"
	}
	return fmt.Sprintf("cnis:%s:%s:%g:%g:%g:%g", digest, mode,
		opts.XTolerance, opts.YTolerance, opts.XDensity, opts.YDensity)
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (*pdftext.Document, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, *pdftext.Document) error         { return nil }
func (Noop) Len() int                                                     { return 0 }
func (Noop) Backend() string                                              { return BackendNone }
func (Noop) Close() error                                                 { return nil }

// Config selects and sizes a backend.
type Config struct {
	Backend  string
	Size     int
	TTL      time.Duration
	RedisURL string
}

// New builds the backend named by cfg.Backend. The redis backend is pinged
// before it is returned.
func New(ctx context.Context, cfg Config) (Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return Noop{}, nil
	case BackendMemory:
		return NewMemory(cfg.Size, cfg.TTL), nil
	case BackendRedis:
		return NewRedis(ctx, cfg.RedisURL, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
