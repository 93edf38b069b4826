package tracker

import (
	"context"
	"encoding/json"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/models"
)

// DeltaEntry is one row of a cloud-drive delta feed. Providers issue two
// tags per file: ContentTag changes only when the bytes change, MetadataTag
// also changes on renames, permission edits and the like. Change detection
// must compare ContentTag, otherwise every metadata touch re-ingests the
// file.
type DeltaEntry struct {
	ExternalID  string
	Title       string
	ContentTag  string
	MetadataTag string
	ContentType string
	DownloadRef string
	Deleted     bool
}

// DeltaPage is one hop of the delta-link chain.
type DeltaPage struct {
	Entries []DeltaEntry
	// NextLink continues the current enumeration; empty when done.
	NextLink string
	// DeltaLink is the resume point for the next cycle, issued on the final
	// page.
	DeltaLink string
}

// DeltaAPI is the provider client for delta-feed drive sources.
type DeltaAPI interface {
	ListDelta(ctx context.Context, config json.RawMessage, link string) (*DeltaPage, error)
	Download(ctx context.Context, config json.RawMessage, downloadRef string) (*Content, error)
}

// deltaCursor stores the provider delta link and the content tags seen so
// far.
type deltaCursor struct {
	DeltaLink   string            `json:"delta_link,omitempty"`
	ContentTags map[string]string `json:"content_tags,omitempty"`
}

// DeltaStrategy follows a drive delta feed and reports entries whose
// content tag differs from the stored map. Deleted entries are skipped: the
// pipeline never removes items.
type DeltaStrategy struct {
	api DeltaAPI
}

// NewDeltaStrategy wires the provider client.
func NewDeltaStrategy(api DeltaAPI) *DeltaStrategy {
	return &DeltaStrategy{api: api}
}

func (s *DeltaStrategy) Kind() models.SourceKind { return models.KindDriveDelta }

func (s *DeltaStrategy) Detect(ctx context.Context, config, cursor json.RawMessage) (*Result, error) {
	var cur deltaCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			cur = deltaCursor{}
		}
	}
	if cur.ContentTags == nil {
		cur.ContentTags = make(map[string]string)
	}

	var changed []ChangedItem
	merged := make(map[string]string, len(cur.ContentTags))
	for k, v := range cur.ContentTags {
		merged[k] = v
	}

	link := cur.DeltaLink
	newDeltaLink := link
	for {
		page, err := s.api.ListDelta(ctx, config, link)
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Entries {
			if entry.Deleted {
				continue
			}
			if merged[entry.ExternalID] == entry.ContentTag {
				continue
			}
			merged[entry.ExternalID] = entry.ContentTag
			changed = append(changed, ChangedItem{
				ExternalID:  entry.ExternalID,
				Title:       entry.Title,
				ContentType: entry.ContentType,
				Fingerprint: entry.ContentTag,
				DownloadRef: entry.DownloadRef,
			})
		}
		if page.NextLink == "" {
			if page.DeltaLink != "" {
				newDeltaLink = page.DeltaLink
			}
			break
		}
		link = page.NextLink
	}

	newCursor, err := json.Marshal(deltaCursor{DeltaLink: newDeltaLink, ContentTags: merged})
	if err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}
	return &Result{Changed: changed, NewCursor: newCursor}, nil
}

func (s *DeltaStrategy) Fetch(ctx context.Context, config json.RawMessage, item ChangedItem) (*Content, error) {
	return s.api.Download(ctx, config, item.DownloadRef)
}
