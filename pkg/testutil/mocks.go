// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"

	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
)

// MockAuditor collects audit entries in memory. It satisfies both the
// non-blocking Log used by the extraction service and audit.Recorder.
type MockAuditor struct {
	mu      sync.RWMutex
	entries []audit.Entry
	err     error
}

// NewMockAuditor creates an empty auditor.
func NewMockAuditor() *MockAuditor {
	return &MockAuditor{}
}

// SetErr makes Record and Recent fail with err.
func (m *MockAuditor) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Log appends e.
func (m *MockAuditor) Log(e audit.Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return true
}

// Record appends e unless an error is configured.
func (m *MockAuditor) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

// Recent returns up to limit entries, newest first.
func (m *MockAuditor) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []audit.Entry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Entries returns a copy of everything logged so far.
func (m *MockAuditor) Entries() []audit.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]audit.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Statuses returns the Status of every entry in order.
func (m *MockAuditor) Statuses() []string {
	entries := m.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Status
	}
	return out
}

// MockCache is a map-backed cache.Cache with injectable errors.
type MockCache struct {
	store  *MemoryStore[string, *pdftext.Document]
	mu     sync.RWMutex
	getErr error
	setErr error
}

// NewMockCache creates an empty cache.
func NewMockCache() *MockCache {
	return &MockCache{store: NewMemoryStore[string, *pdftext.Document]()}
}

// SetErrors configures the errors returned by Get and Set.
func (c *MockCache) SetErrors(getErr, setErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getErr, c.setErr = getErr, setErr
}

func (c *MockCache) Get(_ context.Context, key string) (*pdftext.Document, bool, error) {
	c.mu.RLock()
	err := c.getErr
	c.mu.RUnlock()
	if err != nil {
		return nil, false, err
	}
	doc, ok := c.store.Get(key)
	return doc, ok, nil
}

func (c *MockCache) Set(_ context.Context, key string, doc *pdftext.Document) error {
	c.mu.RLock()
	err := c.setErr
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	c.store.Set(key, doc)
	return nil
}

func (c *MockCache) Len() int        { return c.store.Count() }
func (c *MockCache) Backend() string { return "mock" }
func (c *MockCache) Close() error    { return nil }

// MemoryStore is a generic in-memory store for testing.
type MemoryStore[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{items: make(map[K]V)}
}

// Set stores an item.
func (s *MemoryStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Get retrieves an item.
func (s *MemoryStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Count returns the number of items.
func (s *MemoryStore[K, V]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
