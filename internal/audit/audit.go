// Package audit keeps a record of every extraction request.
package audit

import (
	"context"
	"time"
)

// Outcome values stored in Entry.Status.
const (
	StatusSuccess = "success"
	StatusCached  = "cached"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Entry is one extraction attempt.
type Entry struct {
	ID         string    `db:"id" json:"id"`
	TraceID    string    `db:"trace_id" json:"trace_id,omitempty"`
	Source     string    `db:"source" json:"source"`
	Filename   string    `db:"filename" json:"filename,omitempty"`
	Digest     string    `db:"sha256" json:"sha256"`
	SizeBytes  int64     `db:"size_bytes" json:"size_bytes"`
	Pages      int       `db:"pages" json:"pages"`
	Lines      int       `db:"lines" json:"lines"`
	Characters int       `db:"characters" json:"characters"`
	Words      int       `db:"words" json:"words"`
	Status     string    `db:"status" json:"status"`
	Error      string    `db:"error" json:"error,omitempty"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// NopRecorder discards entries.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error { return nil }

func (NopRecorder) Recent(context.Context, int) ([]Entry, error) { return []Entry{}, nil }
