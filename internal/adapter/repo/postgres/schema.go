package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS evaluations (
    id               TEXT PRIMARY KEY,
    code             TEXT NOT NULL,
    language         TEXT NOT NULL,
    priority         TEXT NOT NULL,
    timeout_ms       BIGINT NOT NULL,
    status           TEXT NOT NULL,
    worker_id        TEXT NOT NULL DEFAULT '',
    exit_code        INT,
    stdout           TEXT NOT NULL DEFAULT '',
    stderr           TEXT NOT NULL DEFAULT '',
    stdout_truncated BOOLEAN NOT NULL DEFAULT FALSE,
    stderr_truncated BOOLEAN NOT NULL DEFAULT FALSE,
    error_kind       TEXT NOT NULL DEFAULT '',
    retry_count      INT NOT NULL DEFAULT 0,
    last_seq         BIGINT NOT NULL DEFAULT 0,
    idempotency_key  TEXT,
    submitted_at     TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS evaluations_idem_key ON evaluations (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS evaluations_status ON evaluations (status);
CREATE INDEX IF NOT EXISTS evaluations_submitted ON evaluations (submitted_at DESC, id DESC);
`

// EnsureSchema creates the evaluations table and its indexes when missing.
// Idempotent; safe to run from every binary on startup.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}
