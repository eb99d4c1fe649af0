// Package repository persists usage records to PostgreSQL. Writes are
// best-effort; a failed insert is logged and dropped.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/blueberrycongee/llmux/internal/domain"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	client_label TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cached BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_created_at_idx ON usage_records (created_at);
`

// Connect opens a PostgreSQL pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// UsageRepository writes usage records to the usage_records table.
type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Migrate creates the usage table when missing.
func (r *UsageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("migrate usage_records: %w", err)
	}
	return nil
}

func (r *UsageRepository) Record(ctx context.Context, rec domain.UsageRecord) {
	query := `
		INSERT INTO usage_records (request_id, client_label, provider, model, input_tokens, output_tokens, cached, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.ClientLabel,
		rec.Provider,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Cached,
		rec.LatencyMs,
		rec.CreatedAt,
	)
	if err != nil {
		slog.Warn("repository: insert usage record", "request_id", rec.RequestID, "error", err)
	}
}

// Since returns usage records created at or after a point in time, newest
// first.
func (r *UsageRepository) Since(ctx context.Context, since time.Time) ([]domain.UsageRecord, error) {
	query := `
		SELECT request_id, client_label, provider, model, input_tokens, output_tokens, cached, latency_ms, created_at
		FROM usage_records
		WHERE created_at >= $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		err := rows.Scan(
			&rec.RequestID,
			&rec.ClientLabel,
			&rec.Provider,
			&rec.Model,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.Cached,
			&rec.LatencyMs,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
