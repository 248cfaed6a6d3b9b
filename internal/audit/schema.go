package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var statements = []string{
	`CREATE TABLE IF NOT EXISTS extractions (
		id          UUID PRIMARY KEY,
		trace_id    TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL,
		filename    TEXT NOT NULL DEFAULT '',
		sha256      CHAR(64) NOT NULL,
		size_bytes  BIGINT NOT NULL,
		pages       INTEGER NOT NULL DEFAULT 0,
		lines       INTEGER NOT NULL DEFAULT 0,
		characters  INTEGER NOT NULL DEFAULT 0,
		words       INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS extractions_created_at_idx ON extractions (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS extractions_sha256_idx ON extractions (sha256)`,
}

// Apply creates the audit schema. Every statement is idempotent.
func Apply(ctx context.Context, db Execer) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
