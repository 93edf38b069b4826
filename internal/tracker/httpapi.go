package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/mindwell/syncpipe/internal/common"
)

// providerConfig is the shared shape of manifest/delta source configs.
type providerConfig struct {
	FeedURL   string `json:"feed_url"`
	AuthToken string `json:"auth_token"`
}

// httpProvider is the shared plumbing of the JSON feed clients: auth header,
// rate limiting, status classification.
type httpProvider struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPProvider(client *http.Client, limiter *rate.Limiter) httpProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return httpProvider{client: client, limiter: limiter}
}

func (p httpProvider) getJSON(ctx context.Context, cfg providerConfig, rawURL string, out any) error {
	body, _, err := p.get(ctx, cfg, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return common.Permanent(common.CodeNetwork, fmt.Errorf("malformed feed response: %w", err))
	}
	return nil
}

func (p httpProvider) get(ctx context.Context, cfg providerConfig, rawURL string) ([]byte, string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, "", common.Transient(common.CodeNetwork, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", common.Permanent(common.CodeInternal, err)
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", common.Transient(common.CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", common.Transient(common.CodeNetwork, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// HTTPManifestAPI speaks the checksum-manifest feed protocol: a paged JSON
// feed of {id, title, checksum, content_type, download_url} entries.
type HTTPManifestAPI struct {
	httpProvider
}

// NewHTTPManifestAPI builds the feed client.
func NewHTTPManifestAPI(client *http.Client, limiter *rate.Limiter) *HTTPManifestAPI {
	return &HTTPManifestAPI{newHTTPProvider(client, limiter)}
}

type manifestFeedResponse struct {
	Entries []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Checksum    string `json:"checksum"`
		ContentType string `json:"content_type"`
		DownloadURL string `json:"download_url"`
	} `json:"entries"`
	NextPageToken     string `json:"next_page_token"`
	ContinuationToken string `json:"continuation_token"`
}

func (a *HTTPManifestAPI) ListChanges(ctx context.Context, config json.RawMessage, pageToken string) (*ManifestPage, error) {
	var cfg providerConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.FeedURL == "" {
		return nil, common.Permanent(common.CodeInternal, fmt.Errorf("invalid manifest source config: %w", err))
	}

	feedURL := cfg.FeedURL
	if pageToken != "" {
		u, err := url.Parse(feedURL)
		if err != nil {
			return nil, common.Permanent(common.CodeInternal, err)
		}
		q := u.Query()
		q.Set("page_token", pageToken)
		u.RawQuery = q.Encode()
		feedURL = u.String()
	}

	var resp manifestFeedResponse
	if err := a.getJSON(ctx, cfg, feedURL, &resp); err != nil {
		return nil, err
	}

	page := &ManifestPage{
		NextPageToken:     resp.NextPageToken,
		ContinuationToken: resp.ContinuationToken,
	}
	for _, e := range resp.Entries {
		page.Entries = append(page.Entries, ManifestEntry{
			ExternalID:  e.ID,
			Title:       e.Title,
			Checksum:    e.Checksum,
			ContentType: e.ContentType,
			DownloadRef: e.DownloadURL,
		})
	}
	return page, nil
}

func (a *HTTPManifestAPI) Download(ctx context.Context, config json.RawMessage, downloadRef string) (*Content, error) {
	var cfg providerConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}
	body, contentType, err := a.get(ctx, cfg, downloadRef)
	if err != nil {
		return nil, err
	}
	return &Content{Data: body, ContentType: contentType}, nil
}

// HTTPDeltaAPI speaks the delta-link protocol: follow the stored link (or
// the configured feed URL on first sync), collect entries, and store the
// final delta link for the next cycle.
type HTTPDeltaAPI struct {
	httpProvider
}

// NewHTTPDeltaAPI builds the delta client.
func NewHTTPDeltaAPI(client *http.Client, limiter *rate.Limiter) *HTTPDeltaAPI {
	return &HTTPDeltaAPI{newHTTPProvider(client, limiter)}
}

type deltaFeedResponse struct {
	Entries []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		ContentTag  string `json:"content_tag"`
		MetadataTag string `json:"metadata_tag"`
		ContentType string `json:"content_type"`
		DownloadURL string `json:"download_url"`
		Deleted     bool   `json:"deleted"`
	} `json:"entries"`
	NextLink  string `json:"next_link"`
	DeltaLink string `json:"delta_link"`
}

func (a *HTTPDeltaAPI) ListDelta(ctx context.Context, config json.RawMessage, link string) (*DeltaPage, error) {
	var cfg providerConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.FeedURL == "" {
		return nil, common.Permanent(common.CodeInternal, fmt.Errorf("invalid delta source config: %w", err))
	}

	feedURL := link
	if feedURL == "" {
		feedURL = cfg.FeedURL
	}

	var resp deltaFeedResponse
	if err := a.getJSON(ctx, cfg, feedURL, &resp); err != nil {
		return nil, err
	}

	page := &DeltaPage{NextLink: resp.NextLink, DeltaLink: resp.DeltaLink}
	for _, e := range resp.Entries {
		page.Entries = append(page.Entries, DeltaEntry{
			ExternalID:  e.ID,
			Title:       e.Title,
			ContentTag:  e.ContentTag,
			MetadataTag: e.MetadataTag,
			ContentType: e.ContentType,
			DownloadRef: e.DownloadURL,
			Deleted:     e.Deleted,
		})
	}
	return page, nil
}

func (a *HTTPDeltaAPI) Download(ctx context.Context, config json.RawMessage, downloadRef string) (*Content, error) {
	var cfg providerConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}
	body, contentType, err := a.get(ctx, cfg, downloadRef)
	if err != nil {
		return nil, err
	}
	return &Content{Data: body, ContentType: contentType}, nil
}
