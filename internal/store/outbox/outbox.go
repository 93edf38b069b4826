// Package outbox implements the transactional outbox for sync triggers.
// The scheduler writes a row in the same transaction as the source claim, so
// a crash between claim and publish never strands a source: the drain loop
// publishes whatever the crash left behind.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindwell/syncpipe/internal/dbx"
)

// Message is one pending or published outbox row.
type Message struct {
	ID        int64
	Subject   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Repository is the persistence contract for the outbox.
type Repository interface {
	// Enqueue appends a message. Call it inside the claiming transaction.
	Enqueue(ctx context.Context, subject string, payload json.RawMessage) error

	// SelectUnpublished returns up to limit pending messages in insertion
	// order.
	SelectUnpublished(ctx context.Context, limit int) ([]*Message, error)

	// MarkPublished stamps a message as delivered to the bus.
	MarkPublished(ctx context.Context, id int64, now time.Time) error
}

// PostgresRepository implements the outbox over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, subject string, payload json.RawMessage) error {
	query := `INSERT INTO sync_outbox (subject, payload) VALUES ($1, $2);`
	if _, err := r.db.ExecContext(ctx, query, subject, []byte(payload)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SelectUnpublished(ctx context.Context, limit int) ([]*Message, error) {
	query := `
		SELECT id, subject, payload, created_at FROM sync_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1;
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Subject, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Payload = payload
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) MarkPublished(ctx context.Context, id int64, now time.Time) error {
	query := `UPDATE sync_outbox SET published_at = $2 WHERE id = $1;`
	if _, err := r.db.ExecContext(ctx, query, id, now); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
