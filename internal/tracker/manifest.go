package tracker

import (
	"context"
	"encoding/json"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/models"
)

// ManifestEntry is one row of a provider's changes feed: the checksum is
// enough to decide change without downloading content.
type ManifestEntry struct {
	ExternalID  string
	Title       string
	Checksum    string
	ContentType string
	DownloadRef string
}

// ManifestPage is one page of the changes feed.
type ManifestPage struct {
	Entries []ManifestEntry
	// NextPageToken continues the feed; empty means the feed is exhausted
	// and the token to store for the next cycle is in ContinuationToken.
	NextPageToken string
	// ContinuationToken is the resume point for the next sync cycle, issued
	// on the final page.
	ContinuationToken string
}

// ManifestAPI is the provider client for checksum-manifest sources.
type ManifestAPI interface {
	ListChanges(ctx context.Context, config json.RawMessage, pageToken string) (*ManifestPage, error)
	Download(ctx context.Context, config json.RawMessage, downloadRef string) (*Content, error)
}

// manifestCursor stores the feed continuation token and the checksum of
// every item seen so far.
type manifestCursor struct {
	PageToken    string            `json:"page_token,omitempty"`
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

// ManifestStrategy pages through a checksum changes feed and reports only
// the entries whose checksum differs from the stored fingerprint map.
type ManifestStrategy struct {
	api ManifestAPI
}

// NewManifestStrategy wires the provider client.
func NewManifestStrategy(api ManifestAPI) *ManifestStrategy {
	return &ManifestStrategy{api: api}
}

func (s *ManifestStrategy) Kind() models.SourceKind { return models.KindManifestFeed }

func (s *ManifestStrategy) Detect(ctx context.Context, config, cursor json.RawMessage) (*Result, error) {
	var cur manifestCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			cur = manifestCursor{}
		}
	}
	if cur.Fingerprints == nil {
		cur.Fingerprints = make(map[string]string)
	}

	var changed []ChangedItem
	merged := make(map[string]string, len(cur.Fingerprints))
	for k, v := range cur.Fingerprints {
		merged[k] = v
	}

	token := cur.PageToken
	continuation := token
	for {
		page, err := s.api.ListChanges(ctx, config, token)
		if err != nil {
			// No partial cursor advancement: the whole detection fails.
			return nil, err
		}
		for _, entry := range page.Entries {
			if merged[entry.ExternalID] == entry.Checksum {
				continue
			}
			merged[entry.ExternalID] = entry.Checksum
			changed = append(changed, ChangedItem{
				ExternalID:  entry.ExternalID,
				Title:       entry.Title,
				ContentType: entry.ContentType,
				Fingerprint: entry.Checksum,
				DownloadRef: entry.DownloadRef,
			})
		}
		if page.NextPageToken == "" {
			if page.ContinuationToken != "" {
				continuation = page.ContinuationToken
			}
			break
		}
		token = page.NextPageToken
	}

	newCursor, err := json.Marshal(manifestCursor{PageToken: continuation, Fingerprints: merged})
	if err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}
	return &Result{Changed: changed, NewCursor: newCursor}, nil
}

func (s *ManifestStrategy) Fetch(ctx context.Context, config json.RawMessage, item ChangedItem) (*Content, error) {
	return s.api.Download(ctx, config, item.DownloadRef)
}
