package sources

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mindwell/syncpipe/internal/models"
)

// Repository is the persistence contract for source rows. All status
// transitions are single-row conditional updates; a transition whose guard
// no longer holds returns common.ErrClaimConflict so callers can treat
// replica races and stale redeliveries as no-ops.
type Repository interface {
	Create(ctx context.Context, src *models.Source) error
	GetByID(ctx context.Context, id string) (*models.Source, error)

	// SelectDue returns sources eligible for a scheduler claim: active or
	// error, on a refresh interval, and past their next sync time.
	SelectDue(ctx context.Context, now time.Time) ([]*models.Source, error)

	// ClaimPending moves a source fromStatus -> pending and stamps the
	// fresh batch id. Zero rows affected means another replica won the race.
	ClaimPending(ctx context.Context, id string, fromStatus models.SourceStatus, batchID string, now time.Time) error

	// ClaimSyncing moves pending -> syncing for the given batch. A source
	// already syncing the same batch is re-claimed so that a redelivered
	// trigger after a mid-batch crash can re-run the batch.
	ClaimSyncing(ctx context.Context, id, batchID string, now time.Time) error

	// CompleteBatch flips a syncing source to its terminal batch status
	// exactly once. Zero rows affected means a sibling worker already
	// completed the batch.
	CompleteBatch(ctx context.Context, id string, status models.SourceStatus, message string, now time.Time) error

	// MarkError records a whole-source failure outside batch completion
	// (change detection failed, trigger could not be honored).
	MarkError(ctx context.Context, id, message string) error

	// UpdateCursor persists the strategy's advanced cursor.
	UpdateCursor(ctx context.Context, id string, cursor json.RawMessage) error

	// SweepStuck resets sources stuck in pending/syncing with a claim older
	// than cutoff to error, freeing them for a fresh claim. Returns the
	// number of sources swept.
	SweepStuck(ctx context.Context, cutoff time.Time) (int64, error)

	// Disable takes a source out of scheduling from any state.
	Disable(ctx context.Context, id string) error

	// Enable puts a disabled source back into rotation. Enabling a source
	// that is not disabled returns common.ErrClaimConflict.
	Enable(ctx context.Context, id string) error

	// Delete removes a source unless a sync is in flight
	// (common.ErrSyncInFlight).
	Delete(ctx context.Context, id string) error

	CountByStatus(ctx context.Context) (map[models.SourceStatus]int, error)
	CountDue(ctx context.Context, now time.Time) (int, error)
}
