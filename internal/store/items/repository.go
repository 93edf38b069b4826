package items

import (
	"context"
	"time"

	"github.com/mindwell/syncpipe/internal/models"
)

// Repository is the persistence contract for item rows. Claims follow the
// same conditional-update idiom as sources: zero rows affected returns
// common.ErrClaimConflict and the caller drops the duplicate message.
type Repository interface {
	// Upsert inserts an item row for a batch, or refreshes it when the same
	// batch is re-run after a crash redelivery. The row id is stable across
	// re-runs. Returns the persisted id.
	Upsert(ctx context.Context, item *models.Item) (string, error)

	GetByID(ctx context.Context, id string) (*models.Item, error)

	// ClaimProcessing moves downloaded -> processing. An item already
	// processing is re-claimed so a redelivered message can resume after a
	// worker crash; terminal items conflict.
	ClaimProcessing(ctx context.Context, id string, now time.Time) error

	// MarkIndexed moves processing -> indexed and records the segment count.
	MarkIndexed(ctx context.Context, id string, segmentCount int, now time.Time) error

	// MarkFailed records a terminal failure with a structured code.
	MarkFailed(ctx context.Context, id string, code, message string, now time.Time) error

	// BatchStats counts terminal and in-flight items of one batch. The
	// processor's completion check is count-based so item ordering never
	// matters.
	BatchStats(ctx context.Context, batchID string) (*models.BatchStats, error)

	// LatestFingerprints returns external_id -> fingerprint for the most
	// recent row of every item of a source, used by strategies that diff
	// against previously seen content.
	LatestFingerprints(ctx context.Context, sourceID string) (map[string]string, error)
}
