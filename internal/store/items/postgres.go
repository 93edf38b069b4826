// Package items provides the PostgreSQL-backed repository for item rows and
// per-batch accounting.
package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/dbx"
	"github.com/mindwell/syncpipe/internal/models"
)

// PostgresRepository implements item storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert keys on (source_id, external_id, batch_id): a crash-redelivered
// batch re-run refreshes the existing row instead of duplicating it, and the
// returned id is the same one the first run published downstream.
func (r *PostgresRepository) Upsert(ctx context.Context, item *models.Item) (string, error) {
	query := `
		INSERT INTO items (id, source_id, external_id, title, content_type, fingerprint,
			blob_key, batch_id, status, error_code, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (source_id, external_id, batch_id)
		DO UPDATE SET
			title = EXCLUDED.title,
			content_type = EXCLUDED.content_type,
			fingerprint = EXCLUDED.fingerprint,
			blob_key = EXCLUDED.blob_key,
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
		RETURNING id;
	`
	var id string
	err := r.db.QueryRowContext(ctx, query,
		item.ID, item.SourceID, item.ExternalID, item.Title, item.ContentType,
		item.Fingerprint, item.BlobKey, item.BatchID, item.Status,
		item.ErrorCode, item.ErrorMessage, item.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Item, error) {
	query := `
		SELECT id, source_id, external_id, title, content_type, fingerprint, blob_key,
			batch_id, status, error_code, error_message, segment_count, created_at, updated_at
		FROM items WHERE id = $1;
	`
	var item models.Item
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.SourceID, &item.ExternalID, &item.Title, &item.ContentType,
		&item.Fingerprint, &item.BlobKey, &item.BatchID, &item.Status,
		&item.ErrorCode, &item.ErrorMessage, &item.SegmentCount,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &item, nil
}

func (r *PostgresRepository) ClaimProcessing(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE items SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status IN ('downloaded', 'processing');
	`
	return r.conditional(ctx, query, id, now)
}

func (r *PostgresRepository) MarkIndexed(ctx context.Context, id string, segmentCount int, now time.Time) error {
	query := `
		UPDATE items SET status = 'indexed', segment_count = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing';
	`
	return r.conditional(ctx, query, id, segmentCount, now)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, code, message string, now time.Time) error {
	query := `
		UPDATE items SET status = 'failed', error_code = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status IN ('downloaded', 'processing');
	`
	return r.conditional(ctx, query, id, code, message, now)
}

func (r *PostgresRepository) BatchStats(ctx context.Context, batchID string) (*models.BatchStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'indexed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status IN ('downloaded', 'processing'))
		FROM items WHERE batch_id = $1;
	`
	stats := &models.BatchStats{BatchID: batchID}
	err := r.db.QueryRowContext(ctx, query, batchID).
		Scan(&stats.Indexed, &stats.Failed, &stats.Remaining)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return stats, nil
}

func (r *PostgresRepository) LatestFingerprints(ctx context.Context, sourceID string) (map[string]string, error) {
	query := `
		SELECT DISTINCT ON (external_id) external_id, fingerprint
		FROM items WHERE source_id = $1
		ORDER BY external_id, created_at DESC;
	`
	rows, err := r.db.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var externalID, fingerprint string
		if err := rows.Scan(&externalID, &fingerprint); err != nil {
			return nil, err
		}
		result[externalID] = fingerprint
	}
	return result, rows.Err()
}

func (r *PostgresRepository) conditional(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrClaimConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
