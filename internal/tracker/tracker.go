// Package tracker implements per-source-family change detection. A strategy
// is the only component allowed to talk to the external provider: it diffs
// the provider's listing against the stored cursor and downloads the content
// of changed items on request.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mindwell/syncpipe/internal/models"
)

// ChangedItem is one unit of content the strategy found new or modified.
type ChangedItem struct {
	ExternalID  string
	Title       string
	ContentType string

	// Fingerprint identifies this content revision (hash, checksum, or
	// provider tag). Stored on the item row to suppress re-processing on
	// the next cycle.
	Fingerprint string

	// DownloadRef is the strategy-private handle used by Fetch.
	DownloadRef string
}

// Result is the outcome of one detection pass.
type Result struct {
	Changed []ChangedItem

	// NewCursor replaces the source cursor once the whole batch is durably
	// in flight. Nil means the cursor is unchanged.
	NewCursor json.RawMessage
}

// Content is a downloaded item body.
type Content struct {
	Data        []byte
	ContentType string
}

// Strategy detects and downloads changes for one source family.
//
// Detect must be side-effect free: a failed detection never advances the
// cursor, and the same (config, cursor) pair may be retried after a crash.
type Strategy interface {
	Kind() models.SourceKind
	Detect(ctx context.Context, config, cursor json.RawMessage) (*Result, error)
	Fetch(ctx context.Context, config json.RawMessage, item ChangedItem) (*Content, error)
}

// Registry is the static strategy table. The set of source families is
// closed, so lookup failure is a programming or data corruption error.
type Registry struct {
	strategies map[models.SourceKind]Strategy
}

// NewRegistry indexes the given strategies by kind.
func NewRegistry(strategies ...Strategy) *Registry {
	m := make(map[models.SourceKind]Strategy, len(strategies))
	for _, s := range strategies {
		m[s.Kind()] = s
	}
	return &Registry{strategies: m}
}

// For returns the strategy handling kind.
func (r *Registry) For(kind models.SourceKind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("no strategy for source kind %q", kind)
	}
	return s, nil
}
