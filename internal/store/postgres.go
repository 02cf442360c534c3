package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"http-retry-engine/internal/models"
)

// ErrNotFound is a logic-class failure: the record simply is not there.
var ErrNotFound = errors.New("retry record not found")

// Store wraps pgxpool for Postgres persistence of retry records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRetryParams collects inputs required to insert a retry record.
type CreateRetryParams struct {
	Method        string
	URL           string
	Payload       json.RawMessage
	Headers       map[string]string
	Reference     json.RawMessage
	Timeout       time.Duration
	RetryLimit    int
	RetryInterval time.Duration
	PredIDs       []int64
}

// CreateRetry inserts a record in processing state and returns it with the
// store-assigned id.
func (s *Store) CreateRetry(ctx context.Context, p CreateRetryParams) (models.RetryRecord, error) {
	if p.Payload == nil {
		p.Payload = json.RawMessage("{}")
	}
	if p.Reference == nil {
		p.Reference = json.RawMessage("{}")
	}
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	if p.PredIDs == nil {
		p.PredIDs = []int64{}
	}
	headersJSON, err := json.Marshal(p.Headers)
	if err != nil {
		return models.RetryRecord{}, fmt.Errorf("marshal headers: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO http_retries (status, method, url, timeout_ms, payload, headers, reference, retry_limit, retry_interval_ms, pred_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, models.StatusProcessing, p.Method, p.URL, p.Timeout.Milliseconds(), p.Payload, headersJSON, p.Reference,
		p.RetryLimit, p.RetryInterval.Milliseconds(), p.PredIDs)

	var id int64
	var createdAt time.Time
	if err := row.Scan(&id, &createdAt); err != nil {
		return models.RetryRecord{}, fmt.Errorf("insert retry record: %w", err)
	}

	return models.RetryRecord{
		ID:            id,
		Status:        models.StatusProcessing,
		Method:        p.Method,
		URL:           p.URL,
		Timeout:       p.Timeout,
		Payload:       p.Payload,
		Headers:       p.Headers,
		Reference:     p.Reference,
		Attempts:      0,
		RetryLimit:    p.RetryLimit,
		RetryInterval: p.RetryInterval,
		PredIDs:       p.PredIDs,
		CreatedAt:     createdAt,
	}, nil
}

const retryColumns = `id, status, method, url, timeout_ms, payload, headers, reference, response, attempts, retry_limit, retry_interval_ms, pred_ids, created_at, completed_at`

// GetRetry fetches a record by id.
func (s *Store) GetRetry(ctx context.Context, id int64) (models.RetryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+retryColumns+` FROM http_retries WHERE id = $1`, id)
	rec, err := scanRetry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RetryRecord{}, ErrNotFound
	}
	return rec, err
}

// ListByStatus returns every record in the given state, ordered by id.
func (s *Store) ListByStatus(ctx context.Context, status string) ([]models.RetryRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+retryColumns+` FROM http_retries WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("list retry records: %w", err)
	}
	defer rows.Close()

	var recs []models.RetryRecord
	for rows.Next() {
		rec, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// IncrementAttempts bumps the attempt counter atomically and returns the new count.
func (s *Store) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE http_retries SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// MarkCompleted transitions a record to completed and stores the response body.
// Non-JSON bodies are stored as a JSON string so the column stays valid.
func (s *Store) MarkCompleted(ctx context.Context, id int64, response []byte) error {
	if len(response) == 0 || !json.Valid(response) {
		raw, _ := json.Marshal(string(response))
		response = raw
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE http_retries SET status = $2, response = $3, completed_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted, response)
	return err
}

// MarkDeleted transitions a record to deleted. Idempotent, a no-op for ids
// that are absent or already deleted.
func (s *Store) MarkDeleted(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE http_retries SET status = $2, completed_at = NOW() WHERE id = $1 AND status <> $2
	`, id, models.StatusDeleted)
	return err
}

// PurgeFinishedBefore deletes up to batchSize terminal records created on or
// before the cutoff. Processing records are never touched regardless of age.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM http_retries WHERE id IN (
			SELECT id FROM http_retries
			WHERE created_at <= $1 AND status <> $2
			LIMIT $3
		)
	`, cutoff, models.StatusProcessing, batchSize)
	if err != nil {
		return 0, fmt.Errorf("purge finished retries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRetry(row rowScanner) (models.RetryRecord, error) {
	var rec models.RetryRecord
	var timeoutMs, intervalMs int64
	var headersJSON []byte
	var completedAt pgtype.Timestamptz

	if err := row.Scan(&rec.ID, &rec.Status, &rec.Method, &rec.URL, &timeoutMs, &rec.Payload, &headersJSON,
		&rec.Reference, &rec.Response, &rec.Attempts, &rec.RetryLimit, &intervalMs, &rec.PredIDs,
		&rec.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RetryRecord{}, err
		}
		return models.RetryRecord{}, fmt.Errorf("scan retry record: %w", err)
	}

	rec.Timeout = time.Duration(timeoutMs) * time.Millisecond
	rec.RetryInterval = time.Duration(intervalMs) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
		return models.RetryRecord{}, fmt.Errorf("unmarshal headers: %w", err)
	}
	return rec, nil
}
