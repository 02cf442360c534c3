package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS http_retries (
	id BIGSERIAL PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'processing'
		CHECK (status IN ('processing', 'completed', 'deleted')),
	method TEXT NOT NULL
		CHECK (method IN ('GET', 'HEAD', 'POST', 'PUT', 'PATCH', 'DELETE', 'OPTIONS')),
	url TEXT NOT NULL,
	timeout_ms BIGINT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	headers JSONB NOT NULL DEFAULT '{}'::jsonb,
	reference JSONB NOT NULL DEFAULT '{}'::jsonb,
	response JSONB,
	attempts INT NOT NULL DEFAULT 0,
	retry_limit INT NOT NULL,
	retry_interval_ms BIGINT NOT NULL,
	pred_ids BIGINT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_http_retries_status ON http_retries (status);
CREATE INDEX IF NOT EXISTS idx_http_retries_created_at ON http_retries (created_at);
`

// Bootstrap creates the retry table and indexes if they do not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}
