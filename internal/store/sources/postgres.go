// Package sources provides the PostgreSQL-backed repository for source rows
// and their conditional status transitions.
package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/dbx"
	"github.com/mindwell/syncpipe/internal/models"
)

// PostgresRepository implements source storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sourceColumns = `id, owner_id, scope, scope_id, kind, name, status, status_message,
		refresh_interval, last_synced_at, claimed_at, cursor, config, batch_id, created_at`

func (r *PostgresRepository) Create(ctx context.Context, src *models.Source) error {
	query := `
		INSERT INTO sources (id, owner_id, scope, scope_id, kind, name, status, status_message,
			refresh_interval, last_synced_at, cursor, config, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`
	var interval *int64
	if src.RefreshInterval != nil {
		n := src.RefreshInterval.Nanoseconds()
		interval = &n
	}
	_, err := r.db.ExecContext(ctx, query,
		src.ID, src.OwnerID, src.Scope, src.ScopeID, src.Kind, src.Name,
		src.Status, src.StatusMessage, interval, src.LastSyncedAt,
		nullableJSON(src.Cursor), []byte(src.Config), src.BatchID, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	src, err := scanSource(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return src, nil
}

// SelectDue mirrors the scheduler's candidate query: active or error,
// interval-driven, and past last_synced_at + refresh_interval. Disabled and
// in-flight sources never match.
func (r *PostgresRepository) SelectDue(ctx context.Context, now time.Time) ([]*models.Source, error) {
	query := `
		SELECT ` + sourceColumns + ` FROM sources
		WHERE status IN ('active', 'error')
		  AND refresh_interval IS NOT NULL
		  AND (last_synced_at IS NULL
		       OR last_synced_at + refresh_interval * INTERVAL '1 nanosecond' <= $1)
		ORDER BY last_synced_at NULLS FIRST;
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due sources: %w", err)
	}
	defer rows.Close()

	var result []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, src)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ClaimPending(ctx context.Context, id string, fromStatus models.SourceStatus, batchID string, now time.Time) error {
	query := `
		UPDATE sources
		SET status = 'pending', batch_id = $3, claimed_at = $4, status_message = ''
		WHERE id = $1 AND status = $2;
	`
	return r.conditional(ctx, query, id, fromStatus, batchID, now)
}

func (r *PostgresRepository) ClaimSyncing(ctx context.Context, id, batchID string, now time.Time) error {
	query := `
		UPDATE sources
		SET status = 'syncing', claimed_at = $3
		WHERE id = $1 AND batch_id = $2 AND status IN ('pending', 'syncing');
	`
	return r.conditional(ctx, query, id, batchID, now)
}

func (r *PostgresRepository) CompleteBatch(ctx context.Context, id string, status models.SourceStatus, message string, now time.Time) error {
	query := `
		UPDATE sources
		SET status = $2, status_message = $3, last_synced_at = $4, batch_id = '', claimed_at = NULL
		WHERE id = $1 AND status = 'syncing';
	`
	return r.conditional(ctx, query, id, status, message, now)
}

func (r *PostgresRepository) MarkError(ctx context.Context, id, message string) error {
	query := `
		UPDATE sources
		SET status = 'error', status_message = $2, batch_id = '', claimed_at = NULL
		WHERE id = $1;
	`
	res, err := r.db.ExecContext(ctx, query, id, message)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateCursor(ctx context.Context, id string, cursor json.RawMessage) error {
	query := `UPDATE sources SET cursor = $2 WHERE id = $1;`
	res, err := r.db.ExecContext(ctx, query, id, nullableJSON(cursor))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) SweepStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE sources
		SET status = 'error', status_message = 'sync timed out', batch_id = '', claimed_at = NULL
		WHERE status IN ('pending', 'syncing') AND claimed_at < $1;
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Disable(ctx context.Context, id string) error {
	query := `UPDATE sources SET status = 'disabled', batch_id = '', claimed_at = NULL WHERE id = $1;`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Enable(ctx context.Context, id string) error {
	query := `UPDATE sources SET status = 'active', status_message = '' WHERE id = $1 AND status = 'disabled';`
	return r.conditional(ctx, query, id)
}

// Delete refuses to remove a source while a sync is in flight so the fetcher
// and processor never lose their owning row mid-batch.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sources WHERE id = $1 AND status NOT IN ('pending', 'syncing');`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		// Distinguish "missing" from "fenced".
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return common.ErrSyncInFlight
	}
	return nil
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[models.SourceStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM sources GROUP BY status;`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SourceStatus]int)
	for rows.Next() {
		var status models.SourceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) CountDue(ctx context.Context, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM sources
		WHERE status IN ('active', 'error')
		  AND refresh_interval IS NOT NULL
		  AND (last_synced_at IS NULL
		       OR last_synced_at + refresh_interval * INTERVAL '1 nanosecond' <= $1);
	`
	var n int
	if err := r.db.QueryRowContext(ctx, query, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// conditional runs a guarded single-row update and maps zero rows affected
// to ErrClaimConflict.
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*models.Source, error) {
	var src models.Source
	var interval sql.NullInt64
	var lastSynced, claimed sql.NullTime
	var cursor, config []byte
	err := row.Scan(
		&src.ID, &src.OwnerID, &src.Scope, &src.ScopeID, &src.Kind, &src.Name,
		&src.Status, &src.StatusMessage, &interval, &lastSynced, &claimed,
		&cursor, &config, &src.BatchID, &src.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if interval.Valid {
		d := time.Duration(interval.Int64)
		src.RefreshInterval = &d
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		src.LastSyncedAt = &t
	}
	if claimed.Valid {
		t := claimed.Time
		src.ClaimedAt = &t
	}
	src.Cursor = cursor
	src.Config = config
	return &src, nil
}

// nullableJSON maps an empty raw message to SQL NULL so jsonb columns never
// receive the invalid empty string.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
