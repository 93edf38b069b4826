// Package embed defines the embedding/indexing collaborator contract. The
// embedder service generates vectors and upserts them into the vector index;
// the processor only reports segments and scope.
package embed

import (
	"context"

	"github.com/mindwell/syncpipe/internal/extract"
	"github.com/mindwell/syncpipe/internal/models"
)

// Embedder indexes the segments of one item under its scope partition.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed vectorizes and stores segments for itemID. A failure leaves the
	// index without this item's vectors; the item is recorded as failed
	// with EMBEDDING_FAILED and a later sync cycle retries via a fresh
	// item row.
	Embed(ctx context.Context, segments []extract.Segment, scope models.Scope, scopeID, itemID string) error
}
