package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mindwell/syncpipe/internal/blob"
	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/models"
)

// OneShotUpload describes one manually uploaded piece of content, staged in
// the blob store by the admin API before the trigger fires.
type OneShotUpload struct {
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	// StagingKey is where the upload gateway parked the bytes.
	StagingKey string `json:"staging_key"`
	// Checksum of the staged bytes, used as the item fingerprint.
	Checksum string `json:"checksum"`
}

// OneShotConfig is the source config for manual uploads.
type OneShotConfig struct {
	Uploads []OneShotUpload `json:"uploads"`
}

// OneShotStrategy returns exactly the uploads provided at trigger time.
// There is no periodic re-detection and the cursor is never advanced.
type OneShotStrategy struct {
	staging blob.Store
}

// NewOneShotStrategy wires the staging blob store the uploads were parked
// in.
func NewOneShotStrategy(staging blob.Store) *OneShotStrategy {
	return &OneShotStrategy{staging: staging}
}

func (s *OneShotStrategy) Kind() models.SourceKind { return models.KindUpload }

func (s *OneShotStrategy) Detect(_ context.Context, config, _ json.RawMessage) (*Result, error) {
	var cfg OneShotConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, common.Permanent(common.CodeInternal, fmt.Errorf("invalid upload source config: %w", err))
	}

	changed := make([]ChangedItem, 0, len(cfg.Uploads))
	for _, u := range cfg.Uploads {
		changed = append(changed, ChangedItem{
			ExternalID:  u.ExternalID,
			Title:       u.Title,
			ContentType: u.ContentType,
			Fingerprint: u.Checksum,
			DownloadRef: u.StagingKey,
		})
	}
	return &Result{Changed: changed}, nil
}

func (s *OneShotStrategy) Fetch(ctx context.Context, _ json.RawMessage, item ChangedItem) (*Content, error) {
	data, err := s.staging.Get(ctx, item.DownloadRef)
	if err != nil {
		return nil, common.Transient(common.CodeNetwork, err)
	}
	return &Content{Data: data, ContentType: item.ContentType}, nil
}
