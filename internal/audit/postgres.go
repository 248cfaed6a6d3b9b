package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Postgres records entries in the extractions table.
type Postgres struct {
	db *sqlx.DB
}

var _ Recorder = (*Postgres)(nil)

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewPostgres creates a recorder using the provided database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO extractions (id, trace_id, source, filename, sha256, size_bytes, pages,
			lines, characters, words, status, error, duration_ms, created_at)
		VALUES (:id, :trace_id, :source, :filename, :sha256, :size_bytes, :pages,
			:lines, :characters, :words, :status, :error, :duration_ms, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("insert extraction: %w", err)
	}
	return nil
}

// Recent returns the newest entries first. limit is clamped to 1..500.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)

	entries := []Entry{}
	err := p.db.SelectContext(ctx, &entries, `
		SELECT id, trace_id, source, filename, sha256, size_bytes, pages, lines,
			characters, words, status, error, duration_ms, created_at
		FROM extractions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list extractions: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// ClampLimit maps non-positive limits to the default and caps large ones.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}
