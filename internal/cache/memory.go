package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
)

const defaultMemorySize = 256

// Memory is an in-process LRU with per-entry expiry.
type Memory struct {
	lru *expirable.LRU[string, *pdftext.Document]
}

// NewMemory returns an LRU holding at most size documents for ttl each.
// A non-positive ttl keeps entries until they are evicted.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = defaultMemorySize
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Memory{lru: expirable.NewLRU[string, *pdftext.Document](size, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, key string) (*pdftext.Document, bool, error) {
	doc, ok := m.lru.Get(key)
	return doc, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, doc *pdftext.Document) error {
	if doc == nil {
		return nil
	}
	m.lru.Add(key, doc)
	return nil
}

func (m *Memory) Len() int        { return m.lru.Len() }
func (m *Memory) Backend() string { return BackendMemory }

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
