package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/models"
)

// ETagConfig is the source config for single-resource web sources.
type ETagConfig struct {
	URL string `json:"url"`
}

// etagCursor is the conditional-request state from the previous cycle.
type etagCursor struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// ETagStrategy checks a single crawlable resource with a conditional GET.
// A 304 means nothing changed; anything else yields exactly one changed item
// whose fingerprint is the content hash.
type ETagStrategy struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewETagStrategy wires the HTTP client and the politeness limiter.
func NewETagStrategy(client *http.Client, limiter *rate.Limiter) *ETagStrategy {
	if client == nil {
		client = http.DefaultClient
	}
	return &ETagStrategy{client: client, limiter: limiter}
}

func (s *ETagStrategy) Kind() models.SourceKind { return models.KindWeb }

func (s *ETagStrategy) Detect(ctx context.Context, config, cursor json.RawMessage) (*Result, error) {
	var cfg ETagConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" {
		return nil, common.Permanent(common.CodeInternal, fmt.Errorf("invalid web source config: %w", err))
	}

	var cur etagCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			// A corrupt cursor degrades to a full fetch.
			cur = etagCursor{}
		}
	}

	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}
	if cur.ETag != "" {
		req.Header.Set("If-None-Match", cur.ETag)
	}
	if cur.LastModified != "" {
		req.Header.Set("If-Modified-Since", cur.LastModified)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, common.Transient(common.CodeNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{}, nil
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.Transient(common.CodeNetwork, err)
	}

	sum := sha256.Sum256(body)
	newCursor, err := json.Marshal(etagCursor{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})
	if err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}

	contentType := resp.Header.Get("Content-Type")
	return &Result{
		Changed: []ChangedItem{{
			ExternalID:  cfg.URL,
			Title:       cfg.URL,
			ContentType: contentType,
			Fingerprint: hex.EncodeToString(sum[:]),
			DownloadRef: cfg.URL,
		}},
		NewCursor: newCursor,
	}, nil
}

func (s *ETagStrategy) Fetch(ctx context.Context, _ json.RawMessage, item ChangedItem) (*Content, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadRef, nil)
	if err != nil {
		return nil, common.Permanent(common.CodeInternal, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, common.Transient(common.CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.Transient(common.CodeNetwork, err)
	}
	return &Content{Data: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (s *ETagStrategy) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return common.Transient(common.CodeNetwork, err)
	}
	return nil
}

// classifyStatus maps provider HTTP status codes onto the error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return common.Permanent(common.CodeAuthFailed, fmt.Errorf("provider returned %d", status))
	case status == http.StatusTooManyRequests:
		return common.Transient(common.CodeRateLimited, errors.New("provider rate limit"))
	case status >= 500:
		return common.Transient(common.CodeNetwork, fmt.Errorf("provider returned %d", status))
	default:
		return common.Permanent(common.CodeNetwork, fmt.Errorf("provider returned %d", status))
	}
}
